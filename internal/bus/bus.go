// Package bus provides a small typed pub/sub event bus used by the gateway to
// forward registry changes to socket handlers without string-keyed emitter
// wiring.
package bus

import "sync"

// Handler receives a published event payload.
type Handler func(payload any)

// Bus is a process-local publish/subscribe hub. Subscribing returns an
// unsubscribe function; handlers run synchronously on the publishing
// goroutine, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]Handler)}
}

// Subscribe registers a handler for an event name and returns a function that
// removes it. Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(event string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[event] == nil {
		b.subs[event] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[event][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if handlers, ok := b.subs[event]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(b.subs, event)
			}
		}
	}
}

// Publish delivers payload to every handler subscribed to event.
func (b *Bus) Publish(event string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[event]))
	for _, h := range b.subs[event] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}

// SubscriberCount returns the number of handlers registered for event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}
