// Package app wires all Scribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the capture queue,
// rolling window, engines, orchestrator and HTTP surface, Run executes the
// pipeline until the context is cancelled or the capture device fails, and
// Shutdown releases what New acquired.
//
// For testing, inject doubles via [Providers] and functional options
// (WithMetrics, WithFanout, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/scribe/internal/api"
	"github.com/MrWong99/scribe/internal/config"
	"github.com/MrWong99/scribe/internal/fanout"
	"github.com/MrWong99/scribe/internal/health"
	"github.com/MrWong99/scribe/internal/mcp"
	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/internal/preprocess"
	"github.com/MrWong99/scribe/internal/resilience"
	"github.com/MrWong99/scribe/internal/transcribe"
	"github.com/MrWong99/scribe/internal/transcript"
	"github.com/MrWong99/scribe/internal/transcript/phonetic"
	"github.com/MrWong99/scribe/pkg/audio"
	"github.com/MrWong99/scribe/pkg/provider/stt"
	"github.com/MrWong99/scribe/pkg/provider/vad"
)

// NamedEngine pairs an STT engine with its registry name.
type NamedEngine struct {
	Name   string
	Engine stt.Engine
}

// Providers holds the pluggable parts of the pipeline. Populated by main.go
// via the config registry. Source and Primary are required; VAD is only used
// when the VAD filter is enabled.
type Providers struct {
	Source    audio.Source
	Primary   NamedEngine
	Fallbacks []NamedEngine
	VAD       vad.Engine
}

// App owns all subsystem lifetimes and runs the transcription pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	scrape    http.Handler
	version   string
	logLevel  *slog.LevelVar

	// Pipeline, initialised in New.
	queue   *audio.Queue
	window  *audio.RollingBuffer
	pub     *transcript.Publisher
	engines *resilience.EngineFallback
	orch    *transcribe.Orchestrator

	// Outer surface.
	capture health.Flag
	health  *health.Handler
	mcp     *mcp.Server
	fanout  *fanout.Redis
	server  *http.Server
	watcher *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler mounted at /metrics. Defaults to
// promhttp.Handler, which serves the default Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithFanout injects a Redis fan-out instead of dialing fanout.redis_url.
func WithFanout(f *fanout.Redis) Option {
	return func(a *App) { a.fanout = f }
}

// WithLogLevel lets hot reload adjust the given level variable.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithVersion sets the version reported over MCP.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithWatcher attaches a config watcher. Its change callback should be
// [App.ApplyConfig]; Run polls it alongside the pipeline.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously and does not start any
// goroutine or open any socket; that happens in Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Source == nil {
		return nil, errors.New("app: an audio source is required")
	}
	if providers.Primary.Engine == nil {
		return nil, errors.New("app: a primary engine is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Queue, window, publisher ──────────────────────────────────────
	a.queue = audio.NewQueue(cfg.Audio.QueueCapacity, audio.WithOverrunHook(a.metrics.RecordQueueOverrun))
	a.window = audio.NewWindow(cfg.Transcription.Window(), cfg.Audio.SampleRate)
	a.pub = transcript.NewPublisher()

	// ── 2. Engines ───────────────────────────────────────────────────────
	engine := a.initEngines()

	// ── 3. Orchestrator ──────────────────────────────────────────────────
	if err := a.initOrchestrator(engine); err != nil {
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}

	// ── 4. Redis fan-out ─────────────────────────────────────────────────
	if err := a.initFanout(); err != nil {
		return nil, fmt.Errorf("app: init fanout: %w", err)
	}

	// ── 5. Health, MCP, HTTP ─────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	slog.InfoContext(ctx, "pipeline assembled",
		"source", fmt.Sprintf("%T", providers.Source),
		"engine", providers.Primary.Name,
		"fallbacks", len(providers.Fallbacks),
		"window", cfg.Transcription.Window(),
		"interval", cfg.Transcription.Interval,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initEngines wraps the configured engines in a circuit-broken failover
// chain.
func (a *App) initEngines() stt.Engine {
	cb := a.cfg.Engines.CircuitBreaker
	a.engines = resilience.NewEngineFallback(a.providers.Primary.Engine, a.providers.Primary.Name,
		resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("engine breaker state changed", "engine", name, "from", from, "to", to)
			},
		}},
		resilience.WithEngineMetrics(a.metrics),
	)
	a.closeIfCloser(a.providers.Primary.Engine)
	for _, fb := range a.providers.Fallbacks {
		a.engines.AddFallback(fb.Name, fb.Engine)
		a.closeIfCloser(fb.Engine)
	}

	return a.engines
}

func (a *App) initOrchestrator(engine stt.Engine) error {
	tc := a.cfg.Transcription
	cfg := transcribe.DefaultConfig()
	cfg.Interval = tc.Interval
	cfg.SampleRate = a.cfg.Audio.SampleRate
	if tc.EngineTimeout > 0 {
		cfg.EngineTimeout = tc.EngineTimeout
	}
	cfg.Options = stt.Options{
		Language:                tc.Language,
		BeamSize:                tc.BeamSize,
		VADFilter:               tc.VADEnabled(),
		ConditionOnPreviousText: tc.ConditionOnPreviousText,
	}

	opts := []transcribe.Option{
		transcribe.WithMetrics(a.metrics),
		transcribe.WithPreprocessor(newPreprocessor(a.cfg.Preprocess, a.metrics)),
	}
	if c := newCorrector(a.cfg.Vocabulary); c != nil {
		opts = append(opts, transcribe.WithCorrector(c))
	}
	if tc.VADEnabled() && a.providers.VAD != nil {
		opts = append(opts, transcribe.WithSpeechGate(stt.NewVADGate(a.providers.VAD)))
	}

	orch, err := transcribe.New(a.window, engine, a.pub, cfg, opts...)
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

func (a *App) initFanout() error {
	if a.fanout == nil && a.cfg.Fanout.RedisURL != "" {
		f, err := fanout.Dial(a.cfg.Fanout.RedisURL, a.cfg.Fanout.RedisChannel, fanout.WithMetrics(a.metrics))
		if err != nil {
			return err
		}
		a.fanout = f
	}
	if a.fanout != nil {
		a.closers = append(a.closers, a.fanout.Close)
	}
	return nil
}

func (a *App) initHTTP() error {
	checkers := []health.Checker{
		a.capture.Checker("capture", "audio capture is not running"),
		{Name: "engine", Check: func(context.Context) error {
			if !a.engines.Healthy() {
				return errors.New("all engine circuit breakers are open")
			}
			return nil
		}},
	}
	if a.fanout != nil {
		checkers = append(checkers, health.Checker{Name: "redis", Check: a.fanout.Ping})
	}
	a.health = health.New(checkers...)

	srv, err := mcp.New(a.pub, a.pipelineStatus, mcp.WithMetrics(a.metrics), mcp.WithVersion(a.version))
	if err != nil {
		return err
	}
	a.mcp = srv

	mux := http.NewServeMux()
	api.New(a.orch, a.pub,
		api.WithMaxUploadBytes(a.cfg.Transcription.MaxUploadBytes),
		api.WithMetrics(a.metrics),
	).Register(mux)
	a.health.Register(mux)
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	mux.Handle("GET /metrics", a.scrape)
	mux.Handle("/mcp", a.mcp.Handler())

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// closeIfCloser registers engines that hold resources (e.g. a loaded model).
func (a *App) closeIfCloser(e stt.Engine) {
	if c, ok := e.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Publisher returns the transcript publisher.
func (a *App) Publisher() *transcript.Publisher { return a.pub }

// Orchestrator returns the transcription orchestrator.
func (a *App) Orchestrator() *transcribe.Orchestrator { return a.orch }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts capture, ingest, the transcription loop, fan-out, the config
// watcher and the HTTP server. It blocks until ctx is cancelled or a
// component fails.
//
// On cancellation capture stops first and the queue is closed; ingest drains
// what is left, the orchestrator finishes an in-flight cycle and the HTTP
// server shuts down gracefully. A capture device failure cancels everything
// and is returned wrapping [audio.ErrDeviceFailure].
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen on %q: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	// ── Capture ──────────────────────────────────────────────────────────
	g.Go(func() error {
		defer a.queue.Close()
		// Ready once the device delivers audio, not when the open is attempted.
		defer a.capture.Set(false)

		err := a.providers.Source.Capture(gctx, func(c audio.SampleChunk) {
			if !a.capture.Ready() {
				a.capture.Set(true)
			}
			a.queue.Push(c)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("app: capture: %w", err)
		}
		slog.Info("audio capture stopped")
		return nil
	})

	// ── Ingest ───────────────────────────────────────────────────────────
	// Runs until the queue is closed so no captured chunk is lost.
	g.Go(func() error {
		target := audio.Format{SampleRate: a.cfg.Audio.SampleRate, Channels: 1}
		return transcribe.Ingest(context.WithoutCancel(gctx), a.queue, a.window, target)
	})

	// ── Transcription loop ───────────────────────────────────────────────
	g.Go(func() error { return a.orch.Run(gctx) })

	// ── Fan-out ──────────────────────────────────────────────────────────
	if a.fanout != nil {
		g.Go(func() error { return a.fanout.Run(gctx, a.pub) })
	}

	// ── Config watcher ───────────────────────────────────────────────────
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	// ── HTTP ─────────────────────────────────────────────────────────────
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		return nil
	})

	err := g.Wait()
	// Ends websocket streams and anything else still subscribed.
	a.pub.Close()
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases engines and clients in registration order. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Status ──────────────────────────────────────────────────────────────────

// pipelineStatus backs the MCP pipeline_status tool.
func (a *App) pipelineStatus(ctx context.Context) mcp.PipelineStatus {
	stats := a.orch.Stats()
	rep := a.health.Evaluate(ctx)

	engines := make([]mcp.EngineStatus, 0, len(a.providers.Fallbacks)+1)
	for _, e := range a.engines.Status() {
		engines = append(engines, mcp.EngineStatus{Name: e.Name, State: e.State})
	}
	return mcp.PipelineStatus{
		Status:        stats.Status,
		Cycles:        stats.Cycles,
		Failures:      stats.Failures,
		Skipped:       stats.Skipped,
		LastError:     stats.LastError,
		LastCycleAt:   stats.LastCycleAt,
		LastCycleMs:   stats.LastDuration.Milliseconds(),
		Engines:       engines,
		Queue:         mcp.QueueStatus{Len: a.queue.Len(), Cap: a.queue.Cap(), Dropped: a.queue.Dropped()},
		Window:        mcp.WindowStatus{Samples: a.window.Len(), Capacity: a.window.Cap()},
		Ready:         rep.OK(),
		Checks:        rep.Checks,
		Subscribers:   a.pub.Subscribers(),
		TranscriptSeq: a.pub.Latest().Seq,
	}
}

// ─── Builders ────────────────────────────────────────────────────────────────

func newPreprocessor(cfg config.PreprocessConfig, m *observe.Metrics) *preprocess.Preprocessor {
	var reducer preprocess.NoiseReducer
	if cfg.NoiseReductionEnabled() {
		reducer = preprocess.NewSpectralGate(cfg.Strength)
	}
	return preprocess.New(preprocess.WithNoiseReducer(reducer), preprocess.WithMetrics(m))
}

// newCorrector returns nil for an empty vocabulary.
func newCorrector(vocabulary []string) *transcript.Corrector {
	if len(vocabulary) == 0 {
		return nil
	}
	return transcript.NewCorrector(phonetic.New(), vocabulary)
}
