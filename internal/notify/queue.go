// Package notify fans events out to subscribers through one queue per subscriber.
// Publishers never block: a full queue drops its oldest entry.
package notify

import (
	"context"
	"sync"
)

// DefaultCapacity bounds a subscriber queue when no capacity is given.
const DefaultCapacity = 1024

// Queue is a FIFO owned by a single subscriber.
type Queue[T any] struct {
	name     string
	capacity int

	mu      sync.Mutex
	items   []T
	closed  bool
	dropped uint64
	ready   chan struct{}
}

func newQueue[T any](name string, capacity int) *Queue[T] {
	return &Queue[T]{
		name:     name,
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Name identifies the subscriber.
func (q *Queue[T]) Name() string { return q.name }

// push appends v and reports whether an older entry was dropped to make room.
func (q *Queue[T]) push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	dropped := false
	if len(q.items) >= q.capacity {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, v)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return dropped
}

// Next blocks until an item is available, the queue is closed or ctx is done.
func (q *Queue[T]) Next(ctx context.Context) (T, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true
		}
		closed := q.closed
		q.mu.Unlock()

		var zero T
		if closed {
			return zero, false
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return zero, false
		}
	}
}

// Drain removes and returns every queued item without blocking.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items were discarded because the queue was full.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue[T]) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ready)
	}
	q.mu.Unlock()
}
