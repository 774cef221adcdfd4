package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"zigbee-lock-hub/internal/events"
	"zigbee-lock-hub/internal/metrics"
)

// ErrServiceNotFound is returned when calling a service nobody registered.
var ErrServiceNotFound = errors.New("service not found")

// ServiceCall is what a service handler receives.
type ServiceCall struct {
	Domain  string         `json:"domain"`
	Service string         `json:"service"`
	Data    map[string]any `json:"data"`
	Context Context        `json:"context"`
}

// EntityIDs returns the "entity_id" target of the call, which may be a
// string or a list of strings.
func (c ServiceCall) EntityIDs() []string {
	return TargetEntityIDs(c.Data)
}

// TargetEntityIDs reads "entity_id" from service data as a string, a
// []string, or a []any of strings.
func TargetEntityIDs(data map[string]any) []string {
	switch v := data["entity_id"].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{strings.ToLower(v)}
	case []string:
		out := make([]string, 0, len(v))
		for _, id := range v {
			out = append(out, strings.ToLower(id))
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if id, ok := item.(string); ok {
				out = append(out, strings.ToLower(id))
			}
		}
		return out
	}
	return nil
}

// ServiceHandler executes a service call.
type ServiceHandler func(ctx context.Context, call ServiceCall) error

// Services is the registry of callable services keyed by domain and name.
type Services struct {
	hub    *Hub
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]map[string]ServiceHandler
}

func newServices(h *Hub) *Services {
	return &Services{
		hub:      h,
		logger:   h.logger.With("component", "services"),
		handlers: make(map[string]map[string]ServiceHandler),
	}
}

// Register adds or replaces a service handler.
func (s *Services) Register(domain, service string, handler ServiceHandler) {
	domain, service = strings.ToLower(domain), strings.ToLower(service)
	s.mu.Lock()
	if s.handlers[domain] == nil {
		s.handlers[domain] = make(map[string]ServiceHandler)
	}
	s.handlers[domain][service] = handler
	s.mu.Unlock()

	s.logger.Debug("service registered", "domain", domain, "service", service)
	s.hub.bus.Emit(events.Event{
		Type: EventServiceRegistered,
		Data: map[string]string{"domain": domain, "service": service},
	})
}

// Remove unregisters a service.
func (s *Services) Remove(domain, service string) {
	domain, service = strings.ToLower(domain), strings.ToLower(service)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers[domain], service)
	if len(s.handlers[domain]) == 0 {
		delete(s.handlers, domain)
	}
}

// Has reports whether a service is registered.
func (s *Services) Has(domain, service string) bool {
	return s.handler(domain, service) != nil
}

func (s *Services) handler(domain, service string) ServiceHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[strings.ToLower(domain)][strings.ToLower(service)]
}

// Services lists registered service names per domain, sorted.
func (s *Services) Services() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.handlers))
	for domain, svcs := range s.handlers {
		names := make([]string, 0, len(svcs))
		for name := range svcs {
			names = append(names, name)
		}
		sort.Strings(names)
		out[domain] = names
	}
	return out
}

// Call invokes a service. A blocking call returns the handler's error.
// A non-blocking call returns as soon as the handler is started; its error
// is logged and BlockTillDone waits for it.
func (s *Services) Call(ctx context.Context, domain, service string, data map[string]any, blocking bool) error {
	domain, service = strings.ToLower(domain), strings.ToLower(service)
	handler := s.handler(domain, service)
	if handler == nil {
		metrics.ServiceCalls.WithLabelValues(domain, service, "not_found").Inc()
		return fmt.Errorf("%w: %s.%s", ErrServiceNotFound, domain, service)
	}
	if data == nil {
		data = map[string]any{}
	}
	call := ServiceCall{Domain: domain, Service: service, Data: data, Context: NewContext()}
	s.hub.bus.Emit(events.Event{Type: EventCallService, Data: call})

	if blocking {
		return s.run(ctx, handler, call)
	}
	ctx = context.WithoutCancel(ctx)
	s.hub.track(func() {
		if err := s.run(ctx, handler, call); err != nil {
			s.logger.Warn("service call failed", "domain", domain, "service", service, "err", err)
		}
	})
	return nil
}

func (s *Services) run(ctx context.Context, handler ServiceHandler, call ServiceCall) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service %s.%s panicked: %v", call.Domain, call.Service, r)
		}
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ServiceCalls.WithLabelValues(call.Domain, call.Service, result).Inc()
	}()
	return handler(WithContext(ctx, call.Context), call)
}
