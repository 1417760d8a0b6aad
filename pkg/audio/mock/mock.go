// Package mock provides an in-memory mock implementation of [audio.Source] for
// use in unit tests.
//
// The mock is safe for concurrent use. It records every Capture call and
// replays a scripted list of chunks, so tests can drive the pipeline
// deterministically without an audio device.
//
// Typical usage:
//
//	src := &mock.Source{
//	    Chunks: []audio.SampleChunk{{Samples: make([]float32, 1024), SampleRate: 16000, Channels: 1}},
//	    HoldOpen: true,
//	}
//	err := src.Capture(ctx, queue.Push)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/scribe/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
// Set the exported fields before use; inspect the Call* fields after.
type Source struct {
	mu sync.Mutex

	// Chunks are delivered in order by every Capture call.
	Chunks []audio.SampleChunk

	// Interval, when positive, is slept between deliveries.
	Interval time.Duration

	// HoldOpen keeps Capture blocked on ctx after all chunks are delivered.
	// When false, Capture returns CaptureError right after the last chunk.
	HoldOpen bool

	// CaptureError is returned by Capture once all chunks are delivered (or
	// immediately when Chunks is empty and HoldOpen is false).
	CaptureError error

	// FormatResult is returned by [Source.Format]. Defaults to 16 kHz mono.
	FormatResult audio.Format

	// CallCountCapture records how many times Capture was called.
	CallCountCapture int

	// Delivered counts chunks handed to deliver across all calls.
	Delivered int
}

// Capture implements [audio.Source].
func (s *Source) Capture(ctx context.Context, deliver func(audio.SampleChunk)) error {
	s.mu.Lock()
	s.CallCountCapture++
	chunks := make([]audio.SampleChunk, len(s.Chunks))
	copy(chunks, s.Chunks)
	interval := s.Interval
	hold := s.HoldOpen
	captureErr := s.CaptureError
	s.mu.Unlock()

	for _, c := range chunks {
		if ctx.Err() != nil {
			return nil
		}
		deliver(c)
		s.mu.Lock()
		s.Delivered++
		s.mu.Unlock()
		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return nil
			}
		}
	}
	if hold {
		<-ctx.Done()
		return nil
	}
	return captureErr
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FormatResult == (audio.Format{}) {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return s.FormatResult
}

// DeliveredCount returns the number of chunks delivered so far.
func (s *Source) DeliveredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Delivered
}

var _ audio.Source = (*Source)(nil)
