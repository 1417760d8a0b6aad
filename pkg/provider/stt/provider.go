// Package stt defines the Engine interface for Speech-to-Text backends.
//
// An STT engine wraps a batch transcription capability (a local whisper.cpp
// model, a whisper-server over HTTP, or a hosted API such as OpenAI or
// Deepgram) and exposes a uniform call: hand it a block of float samples and
// get back the recognised segments. Scribe calls engines on a fixed cadence
// with the most recent window of audio, so engines are stateless between
// calls.
//
// Implementations must be safe for concurrent use. Engines that wrap
// non-reentrant inference (e.g. whisper.cpp) serialise calls internally.
package stt

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyAudio is returned by engines that refuse to transcribe zero samples.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Options tunes a single transcription call. The zero value means greedy
// decoding, no VAD gating, language auto-detect.
type Options struct {
	// Language is the BCP-47 language tag for recognition (e.g., "en", "de").
	// An empty string lets the engine auto-detect the language, if supported.
	Language string

	// BeamSize is the decoding beam width. 1 (or 0) selects greedy,
	// single-hypothesis decoding.
	BeamSize int

	// VADFilter asks the engine to skip non-speech regions. Engines without
	// native support rely on the [WithVADFilter] decorator instead.
	VADFilter bool

	// ConditionOnPreviousText lets the engine use previously decoded text as
	// a prompt. Scribe keeps this off so every call is independent.
	ConditionOnPreviousText bool

	// Prompt is an optional vocabulary hint passed to engines that accept one.
	Prompt string
}

// Engine is the abstraction over any batch STT backend.
type Engine interface {
	// Transcribe recognises speech in samples, which are mono float32 values
	// in [-1, 1] at sampleRate Hz. Segments are returned in time order; an
	// empty result with a nil error means no speech was recognised.
	//
	// Returns an error if the backend fails, ctx is cancelled, or the input is
	// unusable.
	Transcribe(ctx context.Context, samples []float32, sampleRate int, opts Options) ([]Segment, error)
}

// JoinSegments concatenates the trimmed text of every segment with single
// spaces and trims the result.
func JoinSegments(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
