// Package malgo provides an [audio.Source] for local capture devices using
// miniaudio through the gen2brain/malgo bindings.
//
// The device is opened in signed 16-bit mode; each hardware callback is
// converted to float samples and re-chunked to the configured chunk size
// before delivery. miniaudio calls the data callback on its own real-time
// thread, so delivery must never block.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/scribe/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// Config describes the capture stream.
type Config struct {
	// SampleRate in Hz. Defaults to 16000.
	SampleRate int

	// Channels captured from the device. Defaults to 1.
	Channels int

	// ChunkSize is the number of frames per delivered chunk and the device
	// period size. Defaults to 1024.
	ChunkSize int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1024
	}
	return c
}

// Source captures from the system default input device.
//
// Source is safe for concurrent use, but only one Capture may run at a time.
type Source struct {
	cfg Config
}

// New returns a microphone source for cfg.
func New(cfg Config) *Source {
	return &Source{cfg: cfg.withDefaults()}
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	return audio.Format{SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels}
}

// Capture implements [audio.Source]. It opens the default capture device and
// delivers chunks until ctx is cancelled. If the device stops on its own, the
// error is returned as an *[audio.DeviceError].
func (s *Source) Capture(ctx context.Context, deliver func(audio.SampleChunk)) error {
	mctx, err := ma.InitContext(nil, ma.ContextConfig{}, func(msg string) {
		slog.Debug("malgo", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return &audio.DeviceError{Op: "init", Err: fmt.Errorf("malgo: init context: %w", err)}
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	devCfg := ma.DefaultDeviceConfig(ma.Capture)
	devCfg.Capture.Format = ma.FormatS16
	devCfg.Capture.Channels = uint32(s.cfg.Channels)
	devCfg.SampleRate = uint32(s.cfg.SampleRate)
	devCfg.PeriodSizeInFrames = uint32(s.cfg.ChunkSize)
	devCfg.Alsa.NoMMap = 1

	rx := s.newReceiver(deliver)
	stopped := make(chan struct{})
	var stopOnce sync.Once

	callbacks := ma.DeviceCallbacks{
		Data: func(_, in []byte, frames uint32) {
			rx.onData(in, frames)
		},
		Stop: func() {
			stopOnce.Do(func() { close(stopped) })
		},
	}

	device, err := ma.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		return &audio.DeviceError{Op: "open", Err: fmt.Errorf("malgo: init device: %w", err)}
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return &audio.DeviceError{Op: "start", Err: fmt.Errorf("malgo: start device: %w", err)}
	}
	slog.Info("malgo: capturing",
		"sample_rate", s.cfg.SampleRate,
		"channels", s.cfg.Channels,
		"chunk_size", s.cfg.ChunkSize,
	)

	select {
	case <-ctx.Done():
		if err := device.Stop(); err != nil {
			slog.Warn("malgo: stop device", "err", err)
		}
		rx.flush()
		return nil
	case <-stopped:
		if ctx.Err() != nil {
			return nil
		}
		return &audio.DeviceError{Op: "read", Err: errors.New("malgo: device stopped unexpectedly")}
	}
}

// receiver converts raw device buffers into chunks. miniaudio serialises
// data callbacks, the mutex only guards against the final flush.
type receiver struct {
	mu       sync.Mutex
	channels int
	chunker  audio.Chunker
	deliver  func(audio.SampleChunk)
	warned   bool
}

func (s *Source) newReceiver(deliver func(audio.SampleChunk)) *receiver {
	return &receiver{
		channels: s.cfg.Channels,
		chunker:  audio.Chunker{Size: s.cfg.ChunkSize, Format: s.Format()},
		deliver:  deliver,
	}
}

func (r *receiver) onData(in []byte, frames uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if want := int(frames) * r.channels * 2; len(in) != want && !r.warned {
		// The buffer is still delivered; a short read is a status condition.
		r.warned = true
		slog.Warn("malgo: unexpected buffer size", "bytes", len(in), "want", want)
	}
	r.chunker.Write(audio.PCM16ToFloat32(in), r.deliver)
}

func (r *receiver) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunker.Flush(r.deliver)
}
