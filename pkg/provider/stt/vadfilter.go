package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/scribe/pkg/provider/vad"
)

// Compile-time interface assertion.
var _ Engine = (*VADFilter)(nil)

// VADOption is a functional option for [NewVADGate] and [WithVADFilter].
type VADOption func(*VADGate)

// WithVADConfig overrides the per-call VAD session parameters. SampleRate is
// always taken from the audio being gated.
func WithVADConfig(cfg vad.Config) VADOption {
	return func(g *VADGate) { g.cfg = cfg }
}

// WithSpeechPadding sets how much audio around each detected speech region
// is kept so word onsets and tails are not clipped. Defaults to 200 ms.
func WithSpeechPadding(d time.Duration) VADOption {
	return func(g *VADGate) {
		if d >= 0 {
			g.padding = d
		}
	}
}

// SpeechMask marks which frames of a window carry speech, padding included.
// The zero value marks nothing.
type SpeechMask struct {
	keep      []bool
	frameSize int
	// tail is the number of samples after the last full frame.
	tail  int
	found bool
}

// Speech reports whether any frame was classified as speech.
func (m SpeechMask) Speech() bool { return m.found }

// Apply returns the masked frames of samples. samples is expected to have
// the length the mask was computed on; frames past its end are dropped.
func (m SpeechMask) Apply(samples []float32) []float32 {
	if !m.found {
		return nil
	}
	out := make([]float32, 0, len(samples))
	frames := len(m.keep)
	for i, k := range m.keep {
		if !k {
			continue
		}
		lo, hi := i*m.frameSize, (i+1)*m.frameSize
		if lo >= len(samples) {
			break
		}
		out = append(out, samples[lo:min(hi, len(samples))]...)
	}
	// The partial tail frame is kept when the last full frame was speech.
	if frames > 0 && m.keep[frames-1] && m.tail > 0 {
		if lo := frames * m.frameSize; lo < len(samples) {
			out = append(out, samples[lo:]...)
		}
	}
	return out
}

// VADGate classifies a window frame by frame and produces a [SpeechMask].
// Every Mask call runs its own VAD session, so a VADGate is safe for
// concurrent use.
type VADGate struct {
	vad     vad.Engine
	cfg     vad.Config
	padding time.Duration
}

// NewVADGate creates a gate backed by v.
func NewVADGate(v vad.Engine, opts ...VADOption) *VADGate {
	g := &VADGate{
		vad: v,
		cfg: vad.Config{
			FrameSizeMs:      20,
			SpeechThreshold:  0.5,
			SilenceThreshold: 0.35,
		},
		padding: 200 * time.Millisecond,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Mask runs voice activity detection over samples.
func (g *VADGate) Mask(samples []float32, sampleRate int) (SpeechMask, error) {
	cfg := g.cfg
	cfg.SampleRate = sampleRate
	sess, err := g.vad.NewSession(cfg)
	if err != nil {
		return SpeechMask{}, fmt.Errorf("stt: vad gate: %w", err)
	}
	defer sess.Close()

	frameSize := cfg.FrameSize()
	if frameSize <= 0 {
		// Nothing to classify with; keep everything as one frame.
		return SpeechMask{keep: []bool{true}, frameSize: len(samples), found: len(samples) > 0}, nil
	}
	frames := len(samples) / frameSize
	keep := make([]bool, frames)
	var found bool
	for i := range frames {
		ev, err := sess.ProcessFrame(samples[i*frameSize : (i+1)*frameSize])
		if err != nil {
			return SpeechMask{}, fmt.Errorf("stt: vad gate: frame %d: %w", i, err)
		}
		if ev.IsSpeech() {
			keep[i] = true
			found = true
		}
	}
	if !found {
		return SpeechMask{}, nil
	}

	pad := 0
	if cfg.FrameSizeMs > 0 {
		pad = int(g.padding / (time.Duration(cfg.FrameSizeMs) * time.Millisecond))
	}
	padded := make([]bool, frames)
	for i, k := range keep {
		if !k {
			continue
		}
		for j := max(0, i-pad); j <= min(frames-1, i+pad); j++ {
			padded[j] = true
		}
	}
	return SpeechMask{
		keep:      padded,
		frameSize: frameSize,
		tail:      len(samples) - frames*frameSize,
		found:     true,
	}, nil
}

// VADFilter decorates an [Engine] with voice-activity gating. When a call
// sets Options.VADFilter, non-speech frames are removed before the inner
// engine runs; a window with no speech at all returns no segments without
// calling the inner engine.
//
// The filter classifies the samples it is given. Audio that has already been
// normalised should be gated with a [VADGate] on the raw window instead.
type VADFilter struct {
	inner Engine
	gate  *VADGate
}

// WithVADFilter wraps inner with a VAD gate backed by v.
func WithVADFilter(inner Engine, v vad.Engine, opts ...VADOption) *VADFilter {
	return &VADFilter{inner: inner, gate: NewVADGate(v, opts...)}
}

// Transcribe implements [Engine].
func (f *VADFilter) Transcribe(ctx context.Context, samples []float32, sampleRate int, opts Options) ([]Segment, error) {
	if !opts.VADFilter || f.gate.vad == nil {
		return f.inner.Transcribe(ctx, samples, sampleRate, opts)
	}
	mask, err := f.gate.Mask(samples, sampleRate)
	if err != nil {
		return nil, err
	}
	if !mask.Speech() {
		return nil, nil
	}
	return f.inner.Transcribe(ctx, mask.Apply(samples), sampleRate, opts)
}
