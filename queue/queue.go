// Package queue provides the bounded per-run fanout buffer with its typed
// drop policy.
//
// The buffer is a FIFO of wire messages consumed by a single fanout task.
// Under backpressure only Token messages are dropped (silently, counted);
// every other kind blocks the producer until capacity frees up. A nil
// sentinel, enqueued at GC time, tells the consumer to exit.
package queue

import (
	"context"
	"sync"

	"github.com/pithecene-io/theory/types"
)

// DefaultCapacity is the default fanout buffer depth.
const DefaultCapacity = 2048

// Stats is an atomic snapshot of queue counters.
type Stats struct {
	// Enqueued counts messages accepted into the buffer.
	Enqueued int64
	// Dropped counts Token messages discarded under backpressure.
	Dropped int64
	// DroppedByKind maps message kinds to drop counts. Only droppable kinds
	// ever appear.
	DroppedByKind map[types.Kind]int64
}

// Queue is a bounded fanout buffer owned by one run.
type Queue struct {
	ch chan *types.Message

	mu       sync.Mutex
	enqueued int64
	dropped  map[types.Kind]int64
	closed   bool
}

// New creates a queue with the given capacity (DefaultCapacity when <= 0).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		ch:      make(chan *types.Message, capacity),
		dropped: make(map[types.Kind]int64),
	}
}

// Push enqueues a message. Droppable kinds are discarded when the buffer is
// full; all other kinds block until capacity or ctx cancellation.
// Returns false when the message was dropped or the queue already closed.
func (q *Queue) Push(ctx context.Context, m *types.Message) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.mu.Unlock()

	if m.Kind.Droppable() {
		select {
		case q.ch <- m:
			q.count(m, false)
			return true
		default:
			q.count(m, true)
			return false
		}
	}

	select {
	case q.ch <- m:
		q.count(m, false)
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) count(m *types.Message, dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if dropped {
		q.dropped[m.Kind]++
		return
	}
	q.enqueued++
}

// CloseSentinel enqueues the nil sentinel. The consumer exits when it reads
// it. Blocks until the sentinel fits; the consumer is guaranteed to drain.
func (q *Queue) CloseSentinel() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.ch <- nil
}

// Source returns the consumer side. A nil message is the exit sentinel.
func (q *Queue) Source() <-chan *types.Message {
	return q.ch
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	byKind := make(map[types.Kind]int64, len(q.dropped))
	var total int64
	for k, v := range q.dropped {
		byKind[k] = v
		total += v
	}
	return Stats{
		Enqueued:      q.enqueued,
		Dropped:       total,
		DroppedByKind: byKind,
	}
}
