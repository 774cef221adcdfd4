// Package core holds the entity state machine, the service registry, and
// the hub that ties them to the event bus.
package core

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"zigbee-lock-hub/internal/events"
)

// Event types emitted by the hub.
const (
	EventStateChanged      = "state_changed"
	EventServiceRegistered = "service_registered"
	EventCallService       = "call_service"
)

// Context identifies what caused a state change or service call. A state
// written while a service handler runs gets a child of that call's context.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
}

// NewContext returns a context with a fresh id.
func NewContext() Context {
	return Context{ID: uuid.NewString()}
}

// Child returns a new context whose parent is c.
func (c Context) Child() Context {
	return Context{ID: uuid.NewString(), ParentID: c.ID}
}

type contextKey struct{}

// WithContext attaches c to ctx. Service handlers receive their call's
// context this way.
func WithContext(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// ContextFrom returns the Context attached to ctx by WithContext.
func ContextFrom(ctx context.Context) (Context, bool) {
	c, ok := ctx.Value(contextKey{}).(Context)
	return c, ok && c.ID != ""
}

// Hub owns the state machine, the service registry, and the event bus.
type Hub struct {
	bus      *events.Bus
	states   *States
	services *Services
	logger   *slog.Logger

	jobs sync.WaitGroup
}

// NewHub creates a hub publishing on bus.
func NewHub(bus *events.Bus, logger *slog.Logger) *Hub {
	h := &Hub{
		bus:    bus,
		logger: logger.With("component", "core"),
	}
	h.states = newStates(bus)
	h.services = newServices(h)
	return h
}

// Bus returns the event bus.
func (h *Hub) Bus() *events.Bus { return h.bus }

// States returns the state machine.
func (h *Hub) States() *States { return h.states }

// Services returns the service registry.
func (h *Hub) Services() *Services { return h.services }

// BlockTillDone waits until every non-blocking service call started so far
// has returned.
func (h *Hub) BlockTillDone() {
	h.jobs.Wait()
}

func (h *Hub) track(fn func()) {
	h.jobs.Add(1)
	go func() {
		defer h.jobs.Done()
		fn()
	}()
}
