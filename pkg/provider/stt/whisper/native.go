// This file contains the Native engine backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/scribe/pkg/provider/stt"
)

// Compile-time assertion that Native satisfies stt.Engine.
var _ stt.Engine = (*Native)(nil)

// Native implements stt.Engine using whisper.cpp Go bindings (CGO). The
// model is loaded once at startup and lives until Close. Inference is not
// reentrant, so calls are serialised.
type Native struct {
	mu       sync.Mutex
	model    whisperlib.Model
	language string
	threads  uint
}

// NativeOption is a functional option for configuring a Native engine.
type NativeOption func(*Native)

// WithNativeLanguage sets the default language code for transcription
// (e.g., "en", "de", "fr"). Per-call Options.Language takes precedence.
// Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(n *Native) { n.language = lang }
}

// WithNativeThreads sets the number of CPU threads whisper.cpp uses. Zero
// keeps the library default.
func WithNativeThreads(threads uint) NativeOption {
	return func(n *Native) { n.threads = threads }
}

// NewNative creates a Native engine that loads the whisper.cpp model from
// the given file path. The caller must call Close when the engine is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*Native, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	n := &Native{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// Close releases the whisper model.
func (n *Native) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.model != nil {
		err := n.model.Close()
		n.model = nil
		return err
	}
	return nil
}

// Transcribe implements stt.Engine. whisper.cpp expects 16 kHz mono input;
// other rates are rejected.
//
// whisper.cpp cannot be interrupted mid-inference, so ctx is only checked
// before the call starts.
func (n *Native) Transcribe(ctx context.Context, samples []float32, sampleRate int, opts stt.Options) ([]stt.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	if sampleRate != whisperlib.SampleRate {
		return nil, fmt.Errorf("whisper: sample rate %d Hz not supported, want %d", sampleRate, whisperlib.SampleRate)
	}
	if len(samples) == 0 {
		return nil, stt.ErrEmptyAudio
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.model == nil {
		return nil, errors.New("whisper: engine closed")
	}

	// Each context is NOT thread-safe; a fresh one per call also guarantees
	// no decoder state leaks between calls.
	wctx, err := n.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = n.language
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	wctx.SetBeamSize(max(opts.BeamSize, 1))
	if n.threads > 0 {
		wctx.SetThreads(n.threads)
	}
	if !opts.ConditionOnPreviousText {
		wctx.SetMaxContext(0)
	}
	if opts.Prompt != "" {
		wctx.SetInitialPrompt(opts.Prompt)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	var segments []stt.Segment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		segments = append(segments, stt.Segment{
			Text:  seg.Text,
			Start: seg.Start,
			End:   seg.End,
		})
	}
	return segments, nil
}
