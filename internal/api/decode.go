package api

import (
	"bytes"
	"fmt"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/scribe/pkg/audio"
)

// wavFormatPCM is the RIFF format tag for integer PCM.
const wavFormatPCM = 1

// decodeRaw converts interleaved s16le bytes to mono samples.
func decodeRaw(body []byte, rate, channels int) ([]float32, int, error) {
	if len(body)%2 != 0 {
		return nil, 0, fmt.Errorf("%w: odd byte count %d is not 16-bit PCM", ErrInvalidInput, len(body))
	}
	samples := audio.PCM16ToFloat32(body)
	if len(samples)%channels != 0 {
		return nil, 0, fmt.Errorf("%w: %d samples do not divide into %d channels", ErrInvalidInput, len(samples), channels)
	}
	return audio.Downmix(samples, channels), rate, nil
}

// decodeWAV parses an integer PCM WAV file into mono samples at the file's
// own rate.
func decodeWAV(body []byte) ([]float32, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(body))
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: not a valid WAV file", ErrInvalidInput)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return nil, 0, fmt.Errorf("%w: unsupported WAV format tag %d, want PCM", ErrInvalidInput, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: decode WAV: %w", ErrInvalidInput, err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, 0, fmt.Errorf("%w: WAV file has no samples", ErrInvalidInput)
	}

	channels := buf.Format.NumChannels
	if channels < 1 || channels > 2 {
		return nil, 0, fmt.Errorf("%w: %d WAV channels, want 1 or 2", ErrInvalidInput, channels)
	}
	samples, err := intBufferToFloat(buf, int(dec.BitDepth))
	if err != nil {
		return nil, 0, err
	}
	return audio.Downmix(samples, channels), buf.Format.SampleRate, nil
}

// intBufferToFloat normalises integer PCM to [-1, 1]. 8-bit WAV is unsigned.
func intBufferToFloat(buf *goaudio.IntBuffer, bitDepth int) ([]float32, error) {
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidInput, bitDepth)
	}
	scale := float32(int64(1) << (bitDepth - 1))
	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		if bitDepth == 8 {
			v -= 128
		}
		out[i] = float32(v) / scale
	}
	return out, nil
}
