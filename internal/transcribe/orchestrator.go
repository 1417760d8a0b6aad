// Package transcribe runs the rolling-window transcription loop.
//
// An [Orchestrator] wakes on a fixed interval, snapshots the rolling window,
// preprocesses the copy, hands it to the speech-to-text engine and publishes
// the joined text. Cycles never overlap and the engine is never called
// concurrently, including by one-shot requests served through
// [Orchestrator.TranscribeOnce].
//
// Engine failures are recovered here: the error is logged and counted, the
// published transcript is left untouched, and the next tick tries again with
// fresh audio.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/internal/preprocess"
	"github.com/MrWong99/scribe/internal/transcript"
	"github.com/MrWong99/scribe/pkg/audio"
	"github.com/MrWong99/scribe/pkg/provider/stt"
)

// ErrEngineFailure wraps every error returned by the speech-to-text engine.
var ErrEngineFailure = errors.New("transcribe: engine failure")

// ErrBusy is returned by [Orchestrator.RunCycle] when a cycle is already in
// progress.
var ErrBusy = errors.New("transcribe: cycle already in progress")

// Status is the orchestrator state.
type Status int32

const (
	// StatusIdle waits for the next tick.
	StatusIdle Status = iota
	// StatusTranscribing runs a cycle.
	StatusTranscribing
)

// String returns the lowercase state name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusTranscribing:
		return "transcribing"
	default:
		return "unknown"
	}
}

// Window is the read side of the rolling buffer.
type Window interface {
	// Snapshot returns a copy of the buffered samples, oldest first.
	Snapshot() []float32
}

// Preprocessor prepares a snapshot for the engine. It must never fail.
type Preprocessor interface {
	Process(ctx context.Context, samples []float32, sampleRate int) []float32
}

// SpeechGate finds the speech-bearing frames of a raw window.
type SpeechGate interface {
	Mask(samples []float32, sampleRate int) (stt.SpeechMask, error)
}

// Config tunes the orchestrator.
type Config struct {
	// Interval between cycles. Default: 500ms.
	Interval time.Duration

	// SampleRate of the window and of every engine call. Default: 16000.
	SampleRate int

	// EngineTimeout bounds a single engine call. Default: 30s.
	EngineTimeout time.Duration

	// Options are passed to every engine call.
	Options stt.Options
}

// DefaultConfig returns the low-latency defaults: greedy decoding, VAD
// filtering on, no conditioning on previous text, English.
func DefaultConfig() Config {
	return Config{
		Interval:      500 * time.Millisecond,
		SampleRate:    16000,
		EngineTimeout: 30 * time.Second,
		Options: stt.Options{
			Language:                "en",
			BeamSize:                1,
			VADFilter:               true,
			ConditionOnPreviousText: false,
		},
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("transcribe: interval must be positive, got %s", c.Interval))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("transcribe: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.EngineTimeout <= 0 {
		errs = append(errs, fmt.Errorf("transcribe: engine timeout must be positive, got %s", c.EngineTimeout))
	}
	if c.Options.BeamSize < 0 {
		errs = append(errs, fmt.Errorf("transcribe: beam size must not be negative, got %d", c.Options.BeamSize))
	}
	return errors.Join(errs...)
}

// Stats is a point-in-time view of the orchestrator for status reporting.
type Stats struct {
	Status       string        `json:"status"`
	Cycles       uint64        `json:"cycles"`
	Failures     uint64        `json:"failures"`
	Skipped      uint64        `json:"skipped"`
	LastError    string        `json:"last_error,omitempty"`
	LastCycleAt  time.Time     `json:"last_cycle_at"`
	LastDuration time.Duration `json:"last_duration"`
}

// Option is a functional option for [Orchestrator].
type Option func(*Orchestrator)

// WithPreprocessor replaces the default [preprocess.Preprocessor].
func WithPreprocessor(p Preprocessor) Option {
	return func(o *Orchestrator) { o.pre = p }
}

// WithCorrector enables vocabulary correction of every transcript.
func WithCorrector(c *transcript.Corrector) Option {
	return func(o *Orchestrator) { o.corrector = c }
}

// WithSpeechGate drops non-speech audio before the engine runs whenever
// Options.VADFilter is set. The gate classifies the raw window, before
// normalisation can lift background noise to speech level, and its mask is
// applied to the preprocessed audio. A window without speech publishes an
// empty transcript without an engine call.
func WithSpeechGate(g SpeechGate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator drives periodic transcription of a rolling window.
// All methods are safe for concurrent use.
type Orchestrator struct {
	window    Window
	engine    stt.Engine
	pub       *transcript.Publisher
	pre       Preprocessor
	corrector *transcript.Corrector
	gate      SpeechGate
	metrics   *observe.Metrics
	cfg       Config

	// stages holds the swappable preprocessor and corrector.
	stages atomic.Pointer[stageSet]

	// engineMu serialises every engine call.
	engineMu sync.Mutex
	status   atomic.Int32

	statsMu sync.Mutex
	stats   Stats
}

// New creates an Orchestrator. window, engine and pub are required.
func New(window Window, engine stt.Engine, pub *transcript.Publisher, cfg Config, opts ...Option) (*Orchestrator, error) {
	var errs []error
	if window == nil {
		errs = append(errs, errors.New("transcribe: window must not be nil"))
	}
	if engine == nil {
		errs = append(errs, errors.New("transcribe: engine must not be nil"))
	}
	if pub == nil {
		errs = append(errs, errors.New("transcribe: publisher must not be nil"))
	}
	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	o := &Orchestrator{window: window, engine: engine, pub: pub, cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.pre == nil {
		o.pre = preprocess.New(preprocess.WithMetrics(o.metrics))
	}
	o.stages.Store(&stageSet{pre: o.pre, corrector: o.corrector})
	return o, nil
}

type stageSet struct {
	pre       Preprocessor
	corrector *transcript.Corrector
}

// SetPreprocessor replaces the preprocessor used by subsequent cycles. A nil
// p is ignored.
func (o *Orchestrator) SetPreprocessor(p Preprocessor) {
	if p == nil {
		return
	}
	for {
		cur := o.stages.Load()
		if o.stages.CompareAndSwap(cur, &stageSet{pre: p, corrector: cur.corrector}) {
			return
		}
	}
}

// SetCorrector replaces the vocabulary corrector used by subsequent cycles.
// A nil c disables correction.
func (o *Orchestrator) SetCorrector(c *transcript.Corrector) {
	for {
		cur := o.stages.Load()
		if o.stages.CompareAndSwap(cur, &stageSet{pre: cur.pre, corrector: c}) {
			return
		}
	}
}

// Status returns the current state.
func (o *Orchestrator) Status() Status {
	return Status(o.status.Load())
}

// Config returns the configuration the orchestrator was built with.
func (o *Orchestrator) Config() Config { return o.cfg }

// Stats returns counters and the outcome of the last cycle.
func (o *Orchestrator) Stats() Stats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	s := o.stats
	s.Status = o.Status().String()
	return s
}

// Run ticks every Interval until ctx is cancelled. A tick that fires while a
// cycle is running is dropped. Cancellation never interrupts an in-flight
// engine call; Run returns once it completes. Run always returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	observe.Logger(ctx).Info("transcription loop started",
		"interval", o.cfg.Interval, "sample_rate", o.cfg.SampleRate)
	defer observe.Logger(ctx).Info("transcription loop stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = o.RunCycle(ctx)
			select {
			case <-ticker.C:
				o.skip(ctx)
			default:
			}
		}
	}
}

// RunCycle performs one snapshot → preprocess → engine → publish pass. An
// empty window is counted as a skipped cycle and never reaches the engine.
// On engine failure the published state is left unchanged and the error,
// wrapping [ErrEngineFailure], is returned after being logged. Returns
// [ErrBusy] if another cycle is running.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	if !o.status.CompareAndSwap(int32(StatusIdle), int32(StatusTranscribing)) {
		o.skip(ctx)
		return ErrBusy
	}
	defer o.status.Store(int32(StatusIdle))

	snapshot := o.window.Snapshot()
	if len(snapshot) == 0 {
		o.skip(ctx)
		return nil
	}

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "transcribe.cycle")
	defer span.End()
	span.SetAttributes(attribute.Int("samples", len(snapshot)))

	text, corrections, err := o.transcribe(ctx, snapshot, o.cfg.SampleRate)
	elapsed := time.Since(start)
	if err != nil {
		observe.Fail(span, err, "engine failure")
		observe.Logger(ctx).Error("transcription cycle failed", "err", err, "duration", elapsed)
		o.metrics.RecordCycle(ctx, observe.CycleError, elapsed.Seconds())
		o.record(func(s *Stats) {
			s.Failures++
			s.LastError = err.Error()
			s.LastCycleAt = start
			s.LastDuration = elapsed
		})
		return err
	}

	state := o.pub.Publish(text)
	o.metrics.TranscriptUpdates.Add(ctx, 1)
	o.metrics.RecordCycle(ctx, observe.CycleOK, elapsed.Seconds())
	o.record(func(s *Stats) {
		s.Cycles++
		s.LastError = ""
		s.LastCycleAt = start
		s.LastDuration = elapsed
	})
	observe.Logger(ctx).Debug("transcript published",
		"seq", state.Seq, "chars", len(text), "corrections", len(corrections), "duration", elapsed)
	return nil
}

// TranscribeOnce transcribes a standalone clip through the same preprocessing
// and engine gate as the loop. The published transcript is not touched.
// Samples at another rate are resampled to the configured rate first.
func (o *Orchestrator) TranscribeOnce(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	if len(samples) == 0 {
		return "", stt.ErrEmptyAudio
	}
	if sampleRate <= 0 {
		return "", fmt.Errorf("transcribe: invalid sample rate %d", sampleRate)
	}
	if sampleRate != o.cfg.SampleRate {
		samples = audio.Resample(samples, 1, sampleRate, o.cfg.SampleRate)
	}

	ctx, span := observe.StartSpan(ctx, "transcribe.once")
	defer span.End()

	text, _, err := o.transcribe(ctx, samples, o.cfg.SampleRate)
	observe.Fail(span, err, "engine failure")
	return text, err
}

// transcribe runs speech gating, preprocessing, the serialised engine call
// and optional vocabulary correction. The engine call is detached from ctx
// cancellation and bounded by EngineTimeout instead.
func (o *Orchestrator) transcribe(ctx context.Context, samples []float32, rate int) (string, []transcript.Correction, error) {
	var mask *stt.SpeechMask
	if o.gate != nil && o.cfg.Options.VADFilter {
		m, err := o.gate.Mask(samples, rate)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrEngineFailure, err)
		}
		if !m.Speech() {
			observe.Logger(ctx).Debug("no speech in window", "samples", len(samples))
			return "", nil, nil
		}
		mask = &m
	}

	st := o.stages.Load()
	processed := st.pre.Process(ctx, samples, rate)
	if mask != nil {
		processed = mask.Apply(processed)
	}

	engineCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.EngineTimeout)
	defer cancel()

	o.engineMu.Lock()
	segs, err := o.engine.Transcribe(engineCtx, processed, rate, o.cfg.Options)
	o.engineMu.Unlock()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrEngineFailure, err)
	}

	text := stt.JoinSegments(segs)
	if st.corrector == nil {
		return text, nil, nil
	}
	corrected, corrections := st.corrector.Correct(text)
	return corrected, corrections, nil
}

func (o *Orchestrator) skip(ctx context.Context) {
	o.metrics.RecordCycle(ctx, observe.CycleSkipped, 0)
	o.record(func(s *Stats) { s.Skipped++ })
}

func (o *Orchestrator) record(fn func(*Stats)) {
	o.statsMu.Lock()
	fn(&o.stats)
	o.statsMu.Unlock()
}
