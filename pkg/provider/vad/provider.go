// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector (e.g., an energy gate,
// WebRTC VAD, or Silero) and surfaces it as a stateful, per-stream session.
// Each session maintains its own internal state (smoothing history, hangover
// counters) so that multiple audio streams can be processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a detection
// result, which is what the transcription VAD filter needs when it walks a
// window of audio frame by frame.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "errors"

// Config holds the parameters for a VAD session. All numeric thresholds are
// expressed in the model's native scale; see each Engine's documentation for
// recommended starting values.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// frames passed to ProcessFrame. Common values: 8000, 16000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Most VAD
	// models operate on fixed frame sizes (e.g., 10, 20, or 30 ms).
	// ProcessFrame will return an error if the supplied frame does not match this
	// size.
	FrameSizeMs int

	// SpeechThreshold is the probability above which a frame is classified as
	// speech. Range: [0.0, 1.0]. Higher values reduce false positives at the cost
	// of increased speech start latency. Typical: 0.5.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame is classified as
	// silence and an active speech segment is considered ended. Range: [0.0, 1.0].
	// Must be ≤ SpeechThreshold. Typical: 0.35.
	SilenceThreshold float64
}

// FrameSize returns the number of samples per frame for cfg.
func (c Config) FrameSize() int {
	return c.SampleRate * c.FrameSizeMs / 1000
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("vad: sample rate must be positive"))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, errors.New("vad: frame size must be positive"))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, errors.New("vad: speech threshold must be in [0, 1]"))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, errors.New("vad: silence threshold must be in [0, speech threshold]"))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Each session maintains its own detection state; Reset clears this state
// without closing the session.
//
// A SessionHandle should not be shared between goroutines unless the implementation
// explicitly guarantees concurrent safety.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection result.
	// The frame must be mono float samples at the SampleRate and FrameSizeMs
	// configured when the session was created. Returns an error if the frame size
	// is wrong or if the engine encounters an internal failure.
	ProcessFrame(frame []float32) (VADEvent, error)

	// Reset clears all accumulated detection state without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The session
	// is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid (e.g., unsupported sample
	// rate, frame size, or threshold out of range).
	NewSession(cfg Config) (SessionHandle, error)
}
