package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/pkg/provider/stt"
)

// ErrAllFailed is returned when every engine in an [EngineFallback] fails or
// has an open circuit breaker. It wraps the last engine error.
var ErrAllFailed = errors.New("all engines failed")

// FallbackConfig configures the breaker created for every engine.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// EntryStatus is a point-in-time view of one engine's breaker.
type EntryStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type engineEntry struct {
	name    string
	engine  stt.Engine
	breaker *CircuitBreaker
}

// EngineFallback implements [stt.Engine] with failover across several
// backends, each behind its own [CircuitBreaker]. Engines are tried in
// registration order; an engine whose breaker is open is skipped.
//
// Engines must be registered before the first Transcribe. After that
// EngineFallback is safe for concurrent use.
type EngineFallback struct {
	entries []engineEntry
	cfg     CircuitBreakerConfig
	metrics *observe.Metrics
}

// Compile-time interface assertion.
var _ stt.Engine = (*EngineFallback)(nil)

// EngineFallbackOption is a functional option for [EngineFallback].
type EngineFallbackOption func(*EngineFallback)

// WithEngineMetrics records per-engine request counts, errors and latency.
func WithEngineMetrics(m *observe.Metrics) EngineFallbackOption {
	return func(f *EngineFallback) {
		f.metrics = m
	}
}

// engineFailure reports whether err reflects on the engine's health. Empty
// input and caller cancellation do not.
func engineFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, stt.ErrEmptyAudio)
}

// NewEngineFallback creates an [EngineFallback] with primary as the preferred
// backend. Unless cfg sets one, breakers ignore empty-audio and cancellation
// errors.
func NewEngineFallback(primary stt.Engine, primaryName string, cfg FallbackConfig, opts ...EngineFallbackOption) *EngineFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = engineFailure
	}
	f := &EngineFallback{cfg: cfg.CircuitBreaker}
	for _, o := range opts {
		o(f)
	}
	f.AddFallback(primaryName, primary)
	return f
}

// AddFallback registers engine after the ones already added.
func (f *EngineFallback) AddFallback(name string, engine stt.Engine) {
	cbCfg := f.cfg
	cbCfg.Name = name
	f.entries = append(f.entries, engineEntry{
		name:    name,
		engine:  engine,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Transcribe sends the window to the first engine that accepts it. Failed
// engines are retried with the next one using the same input. Empty input is
// rejected up front without touching any breaker, and cancellation stops the
// walk immediately.
func (f *EngineFallback) Transcribe(ctx context.Context, samples []float32, sampleRate int, opts stt.Options) ([]stt.Segment, error) {
	if len(samples) == 0 {
		return nil, stt.ErrEmptyAudio
	}

	var lastErr error
	for i := range f.entries {
		e := &f.entries[i]
		var segs []stt.Segment
		err := e.breaker.Execute(func() error {
			var callErr error
			segs, callErr = f.call(ctx, e, samples, sampleRate, opts)
			return callErr
		})
		switch {
		case err == nil:
			return segs, nil
		case errors.Is(err, context.Canceled):
			return nil, err
		case errors.Is(err, ErrCircuitOpen):
			observe.Logger(ctx).Debug("skipping engine, circuit open", "engine", e.name)
		default:
			observe.Logger(ctx).Warn("engine failed, trying next", "engine", e.name, "err", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func (f *EngineFallback) call(ctx context.Context, e *engineEntry, samples []float32, sampleRate int, opts stt.Options) ([]stt.Segment, error) {
	start := time.Now()
	segs, err := e.engine.Transcribe(ctx, samples, sampleRate, opts)
	if f.metrics == nil {
		return segs, err
	}
	status := "ok"
	if err != nil {
		status = "error"
		f.metrics.RecordProviderError(ctx, e.name, "stt")
	}
	f.metrics.RecordProviderRequest(ctx, e.name, "stt", status)
	f.metrics.STTDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", e.name)))
	return segs, err
}

// Status reports each engine's breaker state in failover order.
func (f *EngineFallback) Status() []EntryStatus {
	out := make([]EntryStatus, len(f.entries))
	for i, e := range f.entries {
		out[i] = EntryStatus{Name: e.name, State: e.breaker.State().String()}
	}
	return out
}

// Healthy reports whether at least one engine's breaker is not open.
func (f *EngineFallback) Healthy() bool {
	for _, e := range f.entries {
		if e.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}
