package event

import (
	"reflect"
	"sync"
)

type Handler[Event any] interface {
	OnEvent(e Event)
}

// HandlerFunc adapts an ordinary function to a Handler. Each call returns a
// distinct handler, so keep the returned value to remove it later.
func HandlerFunc[Event any](f func(Event)) Handler[Event] {
	return &funcHandler[Event]{f: f}
}

type funcHandler[Event any] struct {
	f func(Event)
}

func (h *funcHandler[Event]) OnEvent(e Event) {
	h.f(e)
}

// Bus delivers events to its handlers synchronously, in the order the handlers
// were added. A handler is registered at most once.
type Bus[Event any] struct {
	handlersMu sync.RWMutex
	handlers   []Handler[Event]
}

func NewBus[Event any]() *Bus[Event] {
	return &Bus[Event]{
		handlersMu: sync.RWMutex{},
		handlers:   nil,
	}
}

// AddHandler registers h and reports whether it was added. Nil handlers,
// handlers already registered, and handlers whose dynamic type cannot be
// compared are not added.
func (b *Bus[Event]) AddHandler(h Handler[Event]) bool {
	if !usable(h) {
		return false
	}

	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	for _, existing := range b.handlers {
		if existing == h {
			return false
		}
	}
	b.handlers = append(b.handlers, h)

	return true
}

// RemoveHandler unregisters h and reports whether it was registered.
func (b *Bus[Event]) RemoveHandler(h Handler[Event]) bool {
	if !usable(h) {
		return false
	}

	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	for i, existing := range b.handlers {
		if existing == h {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return true
		}
	}

	return false
}

// Contains reports whether h is registered.
func (b *Bus[Event]) Contains(h Handler[Event]) bool {
	if !usable(h) {
		return false
	}

	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()

	for _, existing := range b.handlers {
		if existing == h {
			return true
		}
	}

	return false
}

func (b *Bus[Event]) Len() int {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()

	return len(b.handlers)
}

// OnEvent delivers e to a snapshot of the registered handlers and returns the
// number of handlers it was delivered to.
func (b *Bus[Event]) OnEvent(e Event) int {
	b.handlersMu.RLock()
	// Copy handlers to prevent race conditions
	handlers := make([]Handler[Event], len(b.handlers))
	copy(handlers, b.handlers)
	b.handlersMu.RUnlock()

	// Execute handlers outside the lock
	for _, h := range handlers {
		h.OnEvent(e)
	}

	return len(handlers)
}

func usable(h any) bool {
	if h == nil {
		return false
	}

	t := reflect.TypeOf(h)
	if !t.Comparable() {
		return false
	}

	// A typed nil pointer is comparable but cannot be called.
	v := reflect.ValueOf(h)
	return !(t.Kind() == reflect.Pointer && v.IsNil())
}
