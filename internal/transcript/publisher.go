package transcript

import (
	"sync"
	"sync/atomic"
	"time"
)

// Publisher holds the latest [State] and fans new states out to
// subscribers.
//
// Publish must be called from a single goroutine. Latest and Subscribe are
// safe from any goroutine.
type Publisher struct {
	state atomic.Pointer[State]
	now   func() time.Time

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

type subscription struct {
	ch chan State
}

// NewPublisher returns a Publisher holding the zero state.
func NewPublisher() *Publisher {
	p := &Publisher{
		now:  time.Now,
		subs: make(map[*subscription]struct{}),
	}
	p.state.Store(&State{})
	return p
}

// Latest returns the most recently published state. It never blocks.
func (p *Publisher) Latest() State {
	return *p.state.Load()
}

// Publish replaces the current state with text, bumping the sequence number,
// and returns the new state. Subscribers whose buffer is full miss this
// state rather than delaying the publisher.
func (p *Publisher) Publish(text string) State {
	prev := p.state.Load()
	next := &State{Text: text, Seq: prev.Seq + 1, UpdatedAt: p.now()}
	p.state.Store(next)

	p.mu.Lock()
	for s := range p.subs {
		select {
		case s.ch <- *next:
		default:
		}
	}
	p.mu.Unlock()
	return *next
}

// Subscribe returns a channel that receives every state published after the
// call, and a cancel function that unsubscribes and closes the channel.
// buffer is clamped to at least 1. After [Publisher.Close] the returned
// channel is already closed.
func (p *Publisher) Subscribe(buffer int) (<-chan State, func()) {
	s := &subscription{ch: make(chan State, max(buffer, 1))}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(s.ch)
		return s.ch, func() {}
	}
	p.subs[s] = struct{}{}

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if _, ok := p.subs[s]; ok {
				delete(p.subs, s)
				close(s.ch)
			}
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close closes every subscriber channel. Latest keeps working; Publish still
// updates the state but no longer fans out.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for s := range p.subs {
		close(s.ch)
		delete(p.subs, s)
	}
}
