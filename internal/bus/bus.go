package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Bus fans events out synchronously to every subscriber. Events are
// advisory: a panicking subscriber is logged and never fails the
// publisher. Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]EventHandler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]EventHandler)}
}

// Subscribe registers a handler under an id, replacing any previous
// handler with the same id.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

// Unsubscribe removes a handler. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers the event to a snapshot of the current
// subscribers, in unspecified order.
func (b *Bus) Broadcast(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		deliver(h, event)
	}
}

// Emit is the single entry point publishers use: it stamps the event
// with the current time and broadcasts it.
func (b *Bus) Emit(name string, payload map[string]any) {
	b.Broadcast(Event{Name: name, Payload: payload, At: time.Now()})
}

func deliver(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("bus.subscriber_panic", "event", event.Name, "panic", r)
		}
	}()
	h(event)
}
