// Package energy provides a dependency-free VAD engine based on frame RMS
// energy with hysteresis.
//
// Each frame's RMS is mapped onto a pseudo-probability so that a frame whose
// RMS equals the configured reference level scores exactly 0.5. Speech starts
// when the score crosses Config.SpeechThreshold and ends once it has stayed
// below Config.SilenceThreshold for the hangover period.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/scribe/pkg/provider/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

const (
	// DefaultReferenceRMS is the RMS level that scores 0.5. 300/32768 matches
	// near-silence for 16-bit PCM.
	DefaultReferenceRMS = 300.0 / 32768.0

	defaultHangoverFrames = 10
)

// Option is a functional option for [New].
type Option func(*Engine)

// WithReferenceRMS sets the RMS level that maps to probability 0.5.
func WithReferenceRMS(rms float64) Option {
	return func(e *Engine) {
		if rms > 0 {
			e.reference = rms
		}
	}
}

// WithHangoverFrames sets how many consecutive quiet frames end a speech
// segment.
func WithHangoverFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.hangover = n
		}
	}
}

// Engine creates energy-gated VAD sessions.
type Engine struct {
	reference float64
	hangover  int
}

// New returns an energy VAD engine.
func New(opts ...Option) *Engine {
	e := &Engine{reference: DefaultReferenceRMS, hangover: defaultHangoverFrames}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return &session{
		cfg:       cfg,
		frameSize: cfg.FrameSize(),
		reference: e.reference,
		hangover:  e.hangover,
	}, nil
}

// session is a single-stream detector.
type session struct {
	mu        sync.Mutex
	cfg       vad.Config
	frameSize int
	reference float64
	hangover  int

	speaking bool
	quiet    int
	closed   bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *session) ProcessFrame(frame []float32) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, errors.New("energy: session closed")
	}
	if len(frame) != s.frameSize {
		return vad.VADEvent{}, fmt.Errorf("energy: frame has %d samples, want %d", len(frame), s.frameSize)
	}

	p := Probability(RMS(frame), s.reference)
	ev := vad.VADEvent{Probability: p}

	switch {
	case !s.speaking && p >= s.cfg.SpeechThreshold:
		s.speaking = true
		s.quiet = 0
		ev.Type = vad.VADSpeechStart
	case s.speaking && p < s.cfg.SilenceThreshold:
		s.quiet++
		if s.quiet >= s.hangover {
			s.speaking = false
			s.quiet = 0
			ev.Type = vad.VADSpeechEnd
		} else {
			ev.Type = vad.VADSpeechContinue
		}
	case s.speaking:
		s.quiet = 0
		ev.Type = vad.VADSpeechContinue
	default:
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.quiet = 0
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// RMS returns the root-mean-square of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Probability maps rms onto [0, 1] so that rms == reference yields 0.5.
func Probability(rms, reference float64) float64 {
	if reference <= 0 {
		return 0
	}
	return math.Min(1, rms/(2*reference))
}
