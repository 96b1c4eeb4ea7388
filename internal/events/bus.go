// Package events provides the in-process synchronous multicast primitive
// used throughout the work queue and dispatcher, plus the external Redis
// mirror used to fan order/task lifecycle notifications out to the API's
// WebSocket hub.
package events

import (
	"sync"

	"github.com/netops/dispatcherd/internal/logger"
)

// Bus is a synchronous multicast listener registration, generic over the
// argument type handlers receive. Listen/Fire mirror Exscript's Event
// class: Fire invokes every handler in registration order, on whatever
// goroutine calls Fire, and a panicking handler is recovered and logged
// rather than allowed to propagate into the firing code path.
type Bus[T any] struct {
	mu       sync.Mutex
	handlers []func(T)
}

// New creates an empty Bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Listen registers handler to be called on every future Fire.
func (b *Bus[T]) Listen(handler func(T)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// DisconnectAll removes every registered handler.
func (b *Bus[T]) DisconnectAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = nil
}

// Fire calls every registered handler, in registration order, with arg.
// No handler may raise into the event source: a panic is recovered and
// logged, and the remaining handlers still run.
func (b *Bus[T]) Fire(arg T) {
	b.mu.Lock()
	handlers := make([]func(T), len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(h, arg)
	}
}

func (b *Bus[T]) invoke(h func(T), arg T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Msg("event handler panicked, ignoring")
		}
	}()
	h(arg)
}

// Len returns the number of currently registered handlers. Mainly useful
// in tests that assert listeners were wired or torn down.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}
