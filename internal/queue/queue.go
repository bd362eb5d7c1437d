// Package queue holds inbound envelopes until the session driver
// consumes them.
package queue

import (
	"sync"

	"github.com/frontic/frontic/internal/protocol"
)

// Queue is an unbounded FIFO of inbound envelopes. Any number of
// connection goroutines may Push; a single consumer drains via
// PopOrNone, blocking on Ready when empty. Envelopes come out in
// global push order regardless of which client pushed them.
type Queue struct {
	mu    sync.Mutex
	items []*protocol.Envelope
	ready chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
	}
}

// Push appends an envelope and wakes the consumer.
func (q *Queue) Push(env *protocol.Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// PopOrNone removes and returns the oldest envelope, or ok=false when
// the queue is empty. Never blocks.
func (q *Queue) PopOrNone() (*protocol.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	env := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return env, true
}

// Ready signals when envelopes may be available. The consumer must
// still drain with PopOrNone until it reports empty: a single signal
// can cover any number of pushes.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
