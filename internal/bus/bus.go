// Package bus is the in-process pub/sub seam between the transport and the
// session/UI layers. Dispatch is synchronous: the client runs a single
// dispatch goroutine, and the ordering guarantees of the session layer
// depend on handlers running inline in delivery order.
package bus

import (
	"sync"

	"github.com/alumninet/chatwire/pkg/logger"
)

type Handler func(payload any)

type handlerEntry struct {
	id uint64
	fn Handler
}

// Bus routes named events to registered handlers. Handlers for one name run
// in registration order; a panic in one handler is recovered and logged and
// never interrupts its siblings.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   uint64
}

func New() *Bus {
	return &Bus{handlers: make(map[string][]handlerEntry)}
}

// On registers a handler for the named event.
func (b *Bus) On(name string, fn Handler) { _ = b.OnCancelable(name, fn) }

// OnCancelable registers a handler and returns a func that removes it.
func (b *Bus) OnCancelable(name string, fn Handler) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], handlerEntry{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		entries := b.handlers[name]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, name)
		} else {
			b.handlers[name] = append([]handlerEntry(nil), filtered...)
		}
		b.mu.Unlock()
	}
}

// Emit invokes every handler registered for name, in registration order.
func (b *Bus) Emit(name string, payload any) {
	b.mu.RLock()
	entries := b.handlers[name]
	var copied []handlerEntry
	if len(entries) > 0 {
		copied = append(copied, entries...)
	}
	b.mu.RUnlock()

	for _, entry := range copied {
		invoke(name, entry.fn, payload)
	}
}

func invoke(name string, fn Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().Sugar().Errorw("bus_handler_panic", "event", name, "panic", r)
		}
	}()
	fn(payload)
}
