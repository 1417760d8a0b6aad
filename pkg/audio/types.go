package audio

import "time"

// SampleChunk is a block of normalised audio samples flowing from a [Source]
// to the rolling window. Chunks are immutable once produced: the producer must
// not touch Samples after handing the chunk off.
type SampleChunk struct {
	// Samples are floating-point samples in the range [-1.0, 1.0]. Multi-channel
	// audio is interleaved.
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for STT, 48000 for Discord Opus).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this chunk was captured, relative to capture start.
	Timestamp time.Duration
}

// Frames returns the number of sample frames (samples per channel) in c.
func (c SampleChunk) Frames() int {
	if c.Channels <= 1 {
		return len(c.Samples)
	}
	return len(c.Samples) / c.Channels
}

// Duration returns the playback duration of c. Returns 0 when the sample rate
// is unknown.
func (c SampleChunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Format returns the stream format of c.
func (c SampleChunk) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels}
}
