package work

import "sync"

// RingBuffer keeps the most recent finished items.
type RingBuffer struct {
	mu    sync.Mutex
	items []Item
	next  int
	full  bool
}

// NewRingBuffer returns a buffer holding up to size items.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{items: make([]Item, size)}
}

// Push adds an item, evicting the oldest when full.
func (r *RingBuffer) Push(item Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.next] = item
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

// All returns the buffered items, newest first.
func (r *RingBuffer) All() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.items)
	}
	out := make([]Item, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.items[(r.next-i+len(r.items))%len(r.items)])
	}
	return out
}

// Len returns the number of buffered items.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.items)
	}
	return r.next
}

// Clear empties the buffer.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make([]Item, len(r.items))
	r.next = 0
	r.full = false
}
