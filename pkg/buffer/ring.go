// Package buffer provides a thread-safe bounded ring buffer that evicts the
// oldest entry on overflow. The engine keeps one per topic to serve quick
// read-back of recently produced messages.
package buffer

import "sync"

// Ring is a fixed-capacity FIFO ring. Writes never block: when the ring is
// full the oldest entry is evicted.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	evicted  uint64
}

// NewRing creates a ring with the given capacity. Capacities below one are
// clamped to one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends an item, evicting the oldest when full.
func (r *Ring[T]) Add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	} else {
		r.evicted++
	}
}

// Snapshot returns the buffered items, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.size)
	start := (r.head - r.size + r.capacity) % r.capacity
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(start+i)%r.capacity]
	}
	return out
}

// Newest returns up to n of the most recent items, oldest of those first.
func (r *Ring[T]) Newest(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	if n > r.size {
		n = r.size
	}

	out := make([]T, n)
	start := (r.head - n + r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		out[i] = r.items[(start+i)%r.capacity]
	}
	return out
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Evicted returns how many items have been dropped to make room.
func (r *Ring[T]) Evicted() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evicted
}

// Clear removes all items.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.size = 0
}
