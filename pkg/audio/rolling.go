package audio

import (
	"sync"
	"time"
)

// RollingBuffer holds the most recent samples of a single mono stream, up to
// a fixed capacity. Appending past capacity evicts the oldest samples first.
//
// Reads go through [RollingBuffer.Snapshot], which returns a copy; the
// internal storage is never shared with callers. All methods are safe for
// concurrent use.
type RollingBuffer struct {
	mu    sync.Mutex
	ring  []float32
	start int // index of the oldest sample
	size  int
}

// NewRollingBuffer returns a buffer holding at most capacity samples. A
// capacity below 1 is treated as 1.
func NewRollingBuffer(capacity int) *RollingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RollingBuffer{ring: make([]float32, capacity)}
}

// NewWindow returns a buffer sized to hold window worth of audio at
// sampleRate, i.e. capacity = window.Seconds() * sampleRate.
func NewWindow(window time.Duration, sampleRate int) *RollingBuffer {
	return NewRollingBuffer(WindowCapacity(window, sampleRate))
}

// WindowCapacity returns the number of samples in window at sampleRate.
func WindowCapacity(window time.Duration, sampleRate int) int {
	return int(int64(window) * int64(sampleRate) / int64(time.Second))
}

// Append adds samples to the end of the window, evicting from the front until
// the length is within capacity. When len(samples) alone exceeds capacity only
// its trailing capacity samples are kept.
func (b *RollingBuffer) Append(samples []float32) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.ring)
	if len(samples) >= capacity {
		copy(b.ring, samples[len(samples)-capacity:])
		b.start = 0
		b.size = capacity
		return
	}

	end := (b.start + b.size) % capacity
	n := copy(b.ring[end:], samples)
	if n < len(samples) {
		copy(b.ring, samples[n:])
	}

	b.size += len(samples)
	if b.size > capacity {
		overflow := b.size - capacity
		b.start = (b.start + overflow) % capacity
		b.size = capacity
	}
}

// Snapshot returns a copy of the current window contents, oldest sample
// first. The lock is held only for the copy.
func (b *RollingBuffer) Snapshot() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]float32, b.size)
	n := copy(out, b.ring[b.start:min(b.start+b.size, len(b.ring))])
	copy(out[n:], b.ring[:b.size-n])
	return out
}

// Len returns the number of samples currently held.
func (b *RollingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the fixed capacity in samples.
func (b *RollingBuffer) Cap() int {
	return len(b.ring)
}

// Reset discards all samples.
func (b *RollingBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = 0
	b.size = 0
}
