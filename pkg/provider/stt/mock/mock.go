// Package mock provides test doubles for the stt package interfaces.
//
// Use Engine to script Transcribe results and inspect the audio and options
// each call received.
//
// Example:
//
//	eng := &mock.Engine{Segments: []stt.Segment{{Text: " hello world "}}}
//	segs, err := eng.Transcribe(ctx, samples, 16000, stt.Options{BeamSize: 1})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/scribe/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Engine.Transcribe.
type TranscribeCall struct {
	// Samples is a copy of the samples passed to Transcribe.
	Samples []float32
	// SampleRate is the sampleRate argument.
	SampleRate int
	// Opts is the Options passed to Transcribe.
	Opts stt.Options
}

// Engine is a mock implementation of stt.Engine.
type Engine struct {
	mu sync.Mutex

	// Segments is returned by every Transcribe call unless TranscribeFunc is set.
	Segments []stt.Segment

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Delay, when positive, blocks each call for the given duration or until
	// ctx is done.
	Delay time.Duration

	// TranscribeFunc, if non-nil, replaces the canned Segments/Err response.
	TranscribeFunc func(ctx context.Context, samples []float32, sampleRate int, opts stt.Options) ([]stt.Segment, error)

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	active    int
	maxActive int
}

// Transcribe records the call and returns the scripted response.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, sampleRate int, opts stt.Options) ([]stt.Segment, error) {
	cp := make([]float32, len(samples))
	copy(cp, samples)

	e.mu.Lock()
	e.TranscribeCalls = append(e.TranscribeCalls, TranscribeCall{Samples: cp, SampleRate: sampleRate, Opts: opts})
	e.active++
	e.maxActive = max(e.maxActive, e.active)
	fn, segs, err, delay := e.TranscribeFunc, e.Segments, e.Err, e.Delay
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, samples, sampleRate, opts)
	}
	return segs, err
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.TranscribeCalls)
}

// LastCall returns the most recent call record and whether one exists.
func (e *Engine) LastCall() (TranscribeCall, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.TranscribeCalls) == 0 {
		return TranscribeCall{}, false
	}
	return e.TranscribeCalls[len(e.TranscribeCalls)-1], true
}

// MaxConcurrent returns the highest number of simultaneous Transcribe calls
// observed. Thread-safe.
func (e *Engine) MaxConcurrent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxActive
}

// SetErr changes the scripted error while calls may be in flight.
func (e *Engine) SetErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Err = err
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.TranscribeCalls = nil
	e.maxActive = 0
}

// Ensure Engine implements stt.Engine at compile time.
var _ stt.Engine = (*Engine)(nil)
