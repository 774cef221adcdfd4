// Package events provides the synchronous event bus shared by the coordinator
// and the entity core.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// MatchAll subscribes a handler to every event type.
const MatchAll = "*"

// Event is a typed message published on the bus.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	Time time.Time `json:"time"`
}

// Handler is a callback for events.
type Handler func(Event)

type subscription struct {
	id        uint64
	eventType string
	handler   Handler
}

// Bus delivers events to subscribers in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// On registers a handler for one event type, or MatchAll.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, eventType: eventType, handler: handler})
	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// OnAll registers a handler that receives all events.
func (b *Bus) OnAll(handler Handler) func() {
	return b.On(MatchAll, handler)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit sends an event to all matching handlers on the caller's goroutine.
// A panicking handler is recovered and logged; later handlers still run.
func (b *Bus) Emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.eventType == event.Type || s.eventType == MatchAll {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// Listeners returns the number of subscribers per event type.
func (b *Bus) Listeners() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int)
	for _, s := range b.subs {
		out[s.eventType]++
	}
	return out
}
