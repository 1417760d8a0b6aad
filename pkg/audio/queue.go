package audio

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by [Queue.Pop] once the queue has been closed and
// every buffered chunk has been drained.
var ErrQueueClosed = errors.New("audio: queue closed")

// QueueOption is a functional option for [NewQueue].
type QueueOption func(*Queue)

// WithOverrunHook registers fn to be called, outside the queue lock, every
// time a chunk is dropped because the queue was full.
func WithOverrunHook(fn func()) QueueOption {
	return func(q *Queue) { q.onOverrun = fn }
}

// Queue is a bounded FIFO of [SampleChunk] values between a capture goroutine
// and a processing goroutine. Push never blocks: when the queue is full the
// oldest buffered chunk is evicted to make room for the new one.
//
// All methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	buf     []SampleChunk // ring storage, len == capacity
	head    int
	size    int
	closed  bool
	dropped uint64
	notify  chan struct{} // capacity 1; signalled on push and close

	onOverrun func()
}

// NewQueue creates a queue that holds at most capacity chunks. A capacity
// below 1 is treated as 1.
func NewQueue(capacity int, opts ...QueueOption) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		buf:    make([]SampleChunk, capacity),
		notify: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Push enqueues c. If the queue is full the oldest chunk is dropped and
// dropped reports true. Pushing onto a closed queue discards c and reports
// false.
func (q *Queue) Push(c SampleChunk) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	capacity := len(q.buf)
	if q.size == capacity {
		q.buf[q.head] = SampleChunk{}
		q.head = (q.head + 1) % capacity
		q.size--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.size)%capacity] = c
	q.size++
	q.mu.Unlock()

	q.signal()
	if dropped && q.onOverrun != nil {
		q.onOverrun()
	}
	return dropped
}

// Pop removes and returns the oldest chunk, blocking until one is available.
// After [Queue.Close], Pop keeps returning buffered chunks until the queue is
// empty and then returns [ErrQueueClosed]. If ctx is cancelled first, Pop
// returns ctx.Err().
func (q *Queue) Pop(ctx context.Context) (SampleChunk, error) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			c := q.buf[q.head]
			q.buf[q.head] = SampleChunk{}
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			more := q.size > 0 || q.closed
			q.mu.Unlock()
			if more {
				// Keep other waiters moving.
				q.signal()
			}
			return c, nil
		}
		if q.closed {
			q.mu.Unlock()
			q.signal()
			return SampleChunk{}, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return SampleChunk{}, ctx.Err()
		}
	}
}

// Close marks the queue as closed. Further pushes are discarded. Close is
// idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Len returns the number of buffered chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped returns the total number of chunks evicted by overruns.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
