package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// FormatConverter converts SampleChunks to a target format. It logs a warning
// on the first format mismatch.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts a chunk to the target format. If the source format already
// matches the target, the chunk is returned unchanged (zero allocation).
// Conversion order: channel mixdown first, then resample.
func (c *FormatConverter) Convert(chunk SampleChunk) SampleChunk {
	if chunk.SampleRate == c.Target.SampleRate && chunk.Channels == c.Target.Channels {
		return chunk
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(chunk.SampleRate, chunk.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	samples := chunk.Samples
	channels := chunk.Channels
	if channels <= 0 {
		channels = 1
	}

	// Step 1: Channel conversion (avoids resampling stereo when target is mono).
	if channels != c.Target.Channels {
		switch {
		case c.Target.Channels == 1:
			samples = Downmix(samples, channels)
		case channels == 1 && c.Target.Channels == 2:
			samples = MonoToStereo(samples)
		}
		channels = c.Target.Channels
	}

	// Step 2: Resample.
	if chunk.SampleRate != c.Target.SampleRate {
		samples = Resample(samples, channels, chunk.SampleRate, c.Target.SampleRate)
	}

	return SampleChunk{
		Samples:    samples,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  chunk.Timestamp,
	}
}

// PCM16ToFloat32 decodes little-endian int16 PCM bytes into float32 samples
// scaled by 1/32768. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// Int16sToFloat32 converts int16 samples to float32 scaled by 1/32768.
func Int16sToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToPCM16 encodes float32 samples as little-endian int16 PCM bytes.
// Values outside [-1, 1] are clamped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(Float32ToInt16(s)))
	}
	return out
}

// Float32ToInt16 converts a single float32 sample to int16, clamping to the
// int16 range. NaN maps to zero.
func Float32ToInt16(s float32) int16 {
	if s != s {
		return 0
	}
	v := math.Round(float64(s) * 32768)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// MonoToStereo duplicates each mono sample into an interleaved L+R pair.
func MonoToStereo(samples []float32) []float32 {
	out := make([]float32, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono. A trailing
// partial frame is dropped.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts interleaved samples from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func Resample(samples []float32, channels, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return samples
	}
	if channels <= 0 {
		channels = 1
	}
	srcFrames := len(samples) / channels
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]float32, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			s0 := samples[srcIdx*channels+ch]
			s1 := samples[next*channels+ch]
			out[i*channels+ch] = s0*(1-frac) + s1*frac
		}
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
