// Package state provides last-value-wins observable holders used to publish
// the latest raw location, normalized location, distance and elapsed time.
package state

import (
	"sync"
)

// Holder keeps the most recent value and broadcasts updates to subscribers.
// A nil pointer value means "empty".
type Holder[T any] struct {
	mu     sync.RWMutex
	value  *T
	subs   map[int]chan *T
	nextID int
}

// NewHolder creates an empty holder
func NewHolder[T any]() *Holder[T] {
	return &Holder[T]{subs: make(map[int]chan *T)}
}

// Get returns a copy of the current value, or nil when empty
func (h *Holder[T]) Get() *T {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.value == nil {
		return nil
	}
	v := *h.value
	return &v
}

// Set stores v and notifies subscribers
func (h *Holder[T]) Set(v T) {
	h.publish(&v)
}

// Reset empties the holder and notifies subscribers with nil
func (h *Holder[T]) Reset() {
	h.publish(nil)
}

// Subscribe returns a channel that first receives the current value and then
// every update in emission order. A subscriber that falls behind only keeps
// the newest undelivered value. The returned function unsubscribes and
// closes the channel.
func (h *Holder[T]) Subscribe() (<-chan *T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan *T, 1)
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	ch <- copyValue(h.value)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}

	return ch, cancel
}

func (h *Holder[T]) publish(v *T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.value = v
	for _, ch := range h.subs {
		deliver(ch, copyValue(v))
	}
}

// deliver replaces any undelivered value so the send never blocks.
// Callers hold the write lock, so no other sender races on ch.
func deliver[T any](ch chan *T, v *T) {
	select {
	case ch <- v:
		return
	default:
	}

	select {
	case <-ch:
	default:
	}
	ch <- v
}

func copyValue[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
