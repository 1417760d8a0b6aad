// Package mock provides test doubles for the vad package interfaces.
//
// A [Session] classifies frames with a caller-supplied predicate and emits
// the same start/continue/end/silence transitions a real detector would:
//
//	sess := &mock.Session{Speech: func(f []float32) bool { return f[0] > 0.1 }}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/scribe/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine is a mock [vad.Engine].
type Engine struct {
	mu      sync.Mutex
	configs []vad.Config

	// Session is returned by NewSession. When nil, every call gets a fresh
	// Session that reports silence.
	Session *Session

	// NewSessionErr, if set, fails every NewSession call.
	NewSessionErr error
}

// NewSession records cfg and returns Session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Configs returns the configs passed to NewSession, in call order.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session is a mock [vad.SessionHandle].
type Session struct {
	mu       sync.Mutex
	speaking bool
	frames   int
	resets   int
	closed   bool

	// Speech classifies a frame. Nil treats every frame as silence.
	Speech func(frame []float32) bool

	// Err, if set, is returned by every ProcessFrame call.
	Err error
}

// ProcessFrame classifies frame and returns the resulting transition.
func (s *Session) ProcessFrame(frame []float32) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	if s.Err != nil {
		return vad.VADEvent{}, s.Err
	}

	speech := s.Speech != nil && s.Speech(frame)
	var ev vad.VADEvent
	switch {
	case speech && !s.speaking:
		ev = vad.VADEvent{Type: vad.VADSpeechStart, Probability: 1}
	case speech:
		ev = vad.VADEvent{Type: vad.VADSpeechContinue, Probability: 1}
	case s.speaking:
		ev = vad.VADEvent{Type: vad.VADSpeechEnd}
	default:
		ev = vad.VADEvent{Type: vad.VADSilence}
	}
	s.speaking = speech
	return ev, nil
}

// Reset clears the speaking state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.resets++
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Frames returns the number of ProcessFrame calls.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
