// Package audio defines the capture-side types of the Scribe pipeline: the
// [Source] abstraction over an input device, the [SampleChunk] values it
// produces, the bounded [Queue] that hands chunks to the processing side and
// the [RollingBuffer] that holds the most recent window of audio.
//
// Implementations of [Source] are provided by adapter packages
// (audio/malgo for local devices, audio/discord for voice channels,
// audio/audiosocket for Asterisk calls). They run on their own goroutines and
// must never block on delivery.
//
// This package lives under pkg/ because external code is expected to
// implement [Source].
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDeviceFailure is the sentinel matched by every [DeviceError]. Use
// errors.Is(err, audio.ErrDeviceFailure) to detect a fatal capture error.
var ErrDeviceFailure = errors.New("audio: device failure")

// DeviceError reports a fatal error from the underlying capture device.
// Capture cannot continue after a DeviceError.
type DeviceError struct {
	// Op names the failing operation, e.g. "open", "start", "read".
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio: device %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *DeviceError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrDeviceFailure].
func (e *DeviceError) Is(target error) bool { return target == ErrDeviceFailure }

// Source is an audio input device.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Capture opens the device and calls deliver for every captured chunk until
	// ctx is cancelled or the device fails. deliver is invoked on the capture
	// goroutine and must not block.
	//
	// Capture returns nil after a clean shutdown caused by ctx. Fatal device
	// errors are returned as *[DeviceError].
	Capture(ctx context.Context, deliver func(SampleChunk)) error

	// Format reports the format of delivered chunks.
	Format() Format
}

// Chunker re-slices an arbitrary stream of mono or interleaved samples into
// fixed-size chunks of Size frames. Adapters whose transport delivers odd
// packet sizes (Discord, AudioSocket) use it to present uniform chunks.
//
// A Chunker is not safe for concurrent use.
type Chunker struct {
	Size   int
	Format Format

	pending []float32
	emitted int64 // frames emitted so far, for timestamps
}

// Write appends samples and calls emit once for every complete chunk now
// available. Each emitted chunk owns its sample slice.
func (c *Chunker) Write(samples []float32, emit func(SampleChunk)) {
	channels := max(c.Format.Channels, 1)
	size := max(c.Size, 1) * channels
	c.pending = append(c.pending, samples...)
	for len(c.pending) >= size {
		chunk := make([]float32, size)
		copy(chunk, c.pending[:size])
		c.pending = c.pending[size:]
		emit(SampleChunk{
			Samples:    chunk,
			SampleRate: c.Format.SampleRate,
			Channels:   channels,
			Timestamp:  c.timestamp(),
		})
		c.emitted += int64(size / channels)
	}
	// Reclaim the backing array once it is drained.
	if len(c.pending) == 0 {
		c.pending = c.pending[:0:0]
	}
}

// Flush emits whatever partial chunk remains, if any.
func (c *Chunker) Flush(emit func(SampleChunk)) {
	if len(c.pending) == 0 {
		return
	}
	channels := max(c.Format.Channels, 1)
	chunk := make([]float32, len(c.pending))
	copy(chunk, c.pending)
	emit(SampleChunk{
		Samples:    chunk,
		SampleRate: c.Format.SampleRate,
		Channels:   channels,
		Timestamp:  c.timestamp(),
	})
	c.emitted += int64(len(chunk) / channels)
	c.pending = nil
}

func (c *Chunker) timestamp() time.Duration {
	if c.Format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.emitted) * time.Second / time.Duration(c.Format.SampleRate)
}
