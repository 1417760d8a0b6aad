package transcribe

import (
	"context"
	"errors"

	"github.com/MrWong99/scribe/internal/observe"
	"github.com/MrWong99/scribe/pkg/audio"
)

// Appender is the write side of the rolling buffer.
type Appender interface {
	Append(samples []float32)
}

// Ingest moves chunks from q into buf, converting each to target on the way.
// It returns nil once q is closed and drained, or ctx.Err() if ctx ends first.
//
// Callers that want every captured chunk to land in the window pass a context
// that outlives capture and close q when the source stops.
func Ingest(ctx context.Context, q *audio.Queue, buf Appender, target audio.Format) error {
	conv := &audio.FormatConverter{Target: target}
	var chunks int
	for {
		chunk, err := q.Pop(ctx)
		if err != nil {
			if errors.Is(err, audio.ErrQueueClosed) {
				observe.Logger(ctx).Debug("ingest drained", "chunks", chunks, "dropped", q.Dropped())
				return nil
			}
			return err
		}
		if len(chunk.Samples) == 0 {
			continue
		}
		buf.Append(conv.Convert(chunk).Samples)
		chunks++
	}
}
