package notify

import "sync"

// Hub publishes values of T to every subscriber queue.
type Hub[T any] struct {
	capacity int
	onDrop   func(subscriber string)

	mu     sync.RWMutex
	subs   []*Queue[T]
	closed bool
}

// NewHub creates a hub whose subscriber queues hold at most capacity items.
func NewHub[T any](capacity int) *Hub[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub[T]{capacity: capacity}
}

// OnDrop installs a hook called each time a subscriber loses an item.
// It must be set before the first Publish.
func (h *Hub[T]) OnDrop(fn func(subscriber string)) {
	h.onDrop = fn
}

// Subscribe registers a new queue. A subscription on a closed hub is returned closed.
func (h *Hub[T]) Subscribe(name string) *Queue[T] {
	q := newQueue[T](name, h.capacity)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		q.close()
		return q
	}
	h.subs = append(h.subs, q)
	return q
}

// Unsubscribe detaches and closes q.
func (h *Hub[T]) Unsubscribe(q *Queue[T]) {
	h.mu.Lock()
	for i, s := range h.subs {
		if s == q {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	q.close()
}

// Publish appends v to every subscriber queue without blocking.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, q := range h.subs {
		if q.push(v) && h.onDrop != nil {
			h.onDrop(q.name)
		}
	}
}

// Subscribers returns the number of attached queues.
func (h *Hub[T]) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every queue. Pending items can still be drained.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.closed = true
	h.mu.Unlock()
	for _, q := range subs {
		q.close()
	}
}
