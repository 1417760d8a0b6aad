// Package audiosocket provides an [audio.Source] that accepts Asterisk
// AudioSocket connections. Asterisk streams 8 kHz signed-linear mono audio
// over TCP; each call is transcribed in turn.
//
// Only one call is captured at a time. Further connections wait in the
// listener backlog until the active call hangs up.
package audiosocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/CyCoreSystems/audiosocket"

	"github.com/MrWong99/scribe/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// SampleRate is the fixed AudioSocket slin rate.
const SampleRate = 8000

// Source listens for AudioSocket calls on a TCP address.
type Source struct {
	addr      string
	chunkSize int
}

// New returns a source listening on addr (e.g. ":9092"). chunkSize is the
// number of frames per delivered chunk; values below 1 default to 320
// (40 ms at 8 kHz).
func New(addr string, chunkSize int) *Source {
	if chunkSize < 1 {
		chunkSize = 320
	}
	return &Source{addr: addr, chunkSize: chunkSize}
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	return audio.Format{SampleRate: SampleRate, Channels: 1}
}

// Capture implements [audio.Source]. It serves calls one after another until
// ctx is cancelled. A listener failure is returned as an *[audio.DeviceError].
func (s *Source) Capture(ctx context.Context, deliver func(audio.SampleChunk)) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return &audio.DeviceError{Op: "listen", Err: fmt.Errorf("audiosocket: listen on %s: %w", s.addr, err)}
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	slog.Info("audiosocket: listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &audio.DeviceError{Op: "accept", Err: fmt.Errorf("audiosocket: accept: %w", err)}
		}
		s.serveCall(ctx, conn, deliver)
	}
}

// serveCall reads one call until hangup, error or ctx cancellation.
func (s *Source) serveCall(ctx context.Context, conn net.Conn, deliver func(audio.SampleChunk)) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	id, err := audiosocket.GetID(conn)
	if err != nil {
		slog.Warn("audiosocket: read call id", "remote", conn.RemoteAddr().String(), "err", err)
		return
	}
	log := slog.With("call_id", id.String())
	log.Info("audiosocket: call started")

	n, err := s.readCall(conn, deliver)
	switch {
	case err == nil, errors.Is(err, io.EOF), ctx.Err() != nil:
		log.Info("audiosocket: call ended", "chunks", n)
	default:
		log.Warn("audiosocket: call aborted", "chunks", n, "err", err)
	}
}

// readCall consumes messages from r, delivering audio until hangup. It
// returns the number of chunks delivered.
func (s *Source) readCall(r io.Reader, deliver func(audio.SampleChunk)) (int, error) {
	chunker := audio.Chunker{Size: s.chunkSize, Format: s.Format()}
	var delivered int
	count := func(c audio.SampleChunk) {
		delivered++
		deliver(c)
	}

	for {
		msg, err := audiosocket.NextMessage(r)
		if err != nil {
			chunker.Flush(count)
			return delivered, err
		}
		switch msg.Kind() {
		case audiosocket.KindSlin:
			chunker.Write(audio.PCM16ToFloat32(msg.Payload()), count)
		case audiosocket.KindHangup:
			chunker.Flush(count)
			return delivered, nil
		case audiosocket.KindError:
			// Asterisk flags the frame but the stream continues.
			slog.Warn("audiosocket: error frame", "code", msg.ErrorCode())
		}
	}
}
