package events

import (
	"reflect"
	"sync"
)

// Bus dispatches events synchronously, on the publisher's own goroutine, to
// every handler registered for that event's concrete type. There is no
// queue and no backpressure: a slow handler blocks the publisher, so
// handlers must be non-blocking or hand work off themselves.
type Bus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]func(Event)
}

// NewBus returns an empty Bus ready for Subscribe/Publish.
func NewBus() *Bus {
	return &Bus{handlers: make(map[reflect.Type][]func(Event))}
}

// Subscribe registers fn to be called, synchronously, for every published
// event whose concrete type is T. The type parameter alone keys the
// subscription.
func Subscribe[T Event](b *Bus, fn func(T)) {
	t := reflect.TypeOf(*new(T))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], func(e Event) {
		fn(e.(T))
	})
}

// Publish delivers e to every handler subscribed to its concrete type, in
// registration order, on the calling goroutine.
func (b *Bus) Publish(e Event) {
	t := reflect.TypeOf(e)
	b.mu.RLock()
	handlers := b.handlers[t]
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
