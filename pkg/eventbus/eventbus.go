// Package eventbus carries signals and messages into the engine. Only the
// contract is specified here; the in-memory bus is the single-process
// implementation used by tests and embedders.
package eventbus

import (
	"slices"
	"sync"
)

// Handler consumes one published payload.
type Handler func(payload map[string]any)

// Bus is the publish/subscribe contract. Topics are plain names; message
// correlation against a target instance happens in the payload.
type Bus interface {
	Publish(topic string, payload map[string]any)
	Subscribe(topic string, handler Handler) (unsubscribe func())
}

type subscription struct {
	id      int64
	handler Handler
}

// InMemoryBus dispatches synchronously to all subscribers of a topic, in
// subscription order.
// Use NewInMemoryBus to create a new object of this type.
type InMemoryBus struct {
	mu     sync.RWMutex
	nextId int64
	subs   map[string][]subscription
}

var _ Bus = &InMemoryBus{}

func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs: make(map[string][]subscription),
	}
}

func (b *InMemoryBus) Publish(topic string, payload map[string]any) {
	b.mu.RLock()
	subs := slices.Clone(b.subs[topic])
	b.mu.RUnlock()
	for _, s := range subs {
		s.handler(payload)
	}
}

func (b *InMemoryBus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextId++
	id := b.nextId
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[topic] = slices.DeleteFunc(b.subs[topic], func(s subscription) bool {
			return s.id == id
		})
	}
}
