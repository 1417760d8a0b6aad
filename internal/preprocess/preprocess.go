// Package preprocess prepares an audio window for transcription: peak
// normalisation followed by optional noise reduction.
//
// Noise reduction is best-effort. [Preprocessor.Process] never fails; when
// the reducer errors, panics or produces non-finite samples the normalised
// window is used as is and the [Failure] is logged and counted.
package preprocess

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/scribe/internal/observe"
)

// peakFloor keeps silent windows from dividing by zero.
const peakFloor = 1e-8

// NoiseReducer removes background noise from normalised mono samples.
// Implementations must return a slice of the same length.
type NoiseReducer interface {
	Reduce(samples []float32, sampleRate int) ([]float32, error)
}

// Failure describes why noise reduction was skipped for a window.
type Failure struct {
	// Reason is one of "error", "panic", "non_finite" or "length".
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return "preprocess: noise reduction failed: " + f.Reason
	}
	return fmt.Sprintf("preprocess: noise reduction failed (%s): %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Normalize scales samples so the largest absolute value is 1. The input is
// not modified. An empty input is returned unchanged.
func Normalize(samples []float32) []float32 {
	if len(samples) == 0 {
		return samples
	}
	var peak float64
	for _, s := range samples {
		peak = max(peak, math.Abs(float64(s)))
	}
	scale := 1 / max(peak, peakFloor)
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(float64(s) * scale)
	}
	return out
}

// Option is a functional option for [Preprocessor].
type Option func(*Preprocessor)

// WithNoiseReducer sets the reducer applied after normalisation. nil
// disables noise reduction.
func WithNoiseReducer(r NoiseReducer) Option {
	return func(p *Preprocessor) {
		p.reducer = r
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Preprocessor) {
		p.metrics = m
	}
}

// Preprocessor runs normalisation and noise reduction on audio windows.
// It is safe for concurrent use when its reducer is.
type Preprocessor struct {
	reducer NoiseReducer
	metrics *observe.Metrics
}

// New returns a Preprocessor. Without options it applies a [SpectralGate]
// with [DefaultPropDecrease].
func New(opts ...Option) *Preprocessor {
	p := &Preprocessor{reducer: NewSpectralGate(DefaultPropDecrease)}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Process normalises samples and applies noise reduction. It always returns
// a usable window of the same length; an empty input yields an empty
// output.
func (p *Preprocessor) Process(ctx context.Context, samples []float32, sampleRate int) []float32 {
	if len(samples) == 0 {
		return samples
	}
	start := time.Now()
	defer func() {
		p.metrics.PreprocessDuration.Record(ctx, time.Since(start).Seconds())
	}()

	normalized := Normalize(samples)
	if p.reducer == nil {
		return normalized
	}

	out, err := p.reduce(normalized, sampleRate)
	if err != nil {
		reason := "error"
		if f, ok := err.(*Failure); ok {
			reason = f.Reason
		}
		observe.Logger(ctx).Warn("preprocess: noise reduction skipped", "err", err, "samples", len(samples))
		p.metrics.RecordPreprocessFallback(ctx, reason)
		return normalized
	}
	return out
}

// reduce runs the reducer and converts every way it can go wrong into a
// *Failure.
func (p *Preprocessor) reduce(samples []float32, sampleRate int) (out []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &Failure{Reason: "panic", Err: fmt.Errorf("%v", r)}
		}
	}()

	in := make([]float32, len(samples))
	copy(in, samples)
	out, err = p.reducer.Reduce(in, sampleRate)
	if err != nil {
		return nil, &Failure{Reason: "error", Err: err}
	}
	if len(out) != len(samples) {
		return nil, &Failure{Reason: "length", Err: fmt.Errorf("got %d samples, want %d", len(out), len(samples))}
	}
	for _, s := range out {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return nil, &Failure{Reason: "non_finite"}
		}
	}
	return out, nil
}
