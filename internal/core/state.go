package core

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"zigbee-lock-hub/internal/events"
	"zigbee-lock-hub/internal/metrics"
)

// Well-known state strings.
const (
	StateUnavailable = "unavailable"
	StateUnknown     = "unknown"
)

// ErrInvalidEntityID is returned for entity ids not of the form
// "<domain>.<object_id>".
var ErrInvalidEntityID = errors.New("invalid entity id")

var entityIDPattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)

// ValidEntityID reports whether id is "<domain>.<object_id>" in lower snake case.
func ValidEntityID(id string) bool {
	return entityIDPattern.MatchString(id)
}

// SplitEntityID splits an entity id into domain and object id.
func SplitEntityID(id string) (domain, objectID string) {
	domain, objectID, _ = strings.Cut(id, ".")
	return domain, objectID
}

// State is a snapshot of one entity.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
	Context     Context        `json:"context"`
}

// Domain returns the part of the entity id before the dot.
func (s *State) Domain() string {
	d, _ := SplitEntityID(s.EntityID)
	return d
}

// ObjectID returns the part of the entity id after the dot.
func (s *State) ObjectID() string {
	_, o := SplitEntityID(s.EntityID)
	return o
}

func (s *State) clone() *State {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Attributes = maps.Clone(s.Attributes)
	return &cp
}

// StateChangedData is the payload of EventStateChanged. OldState is nil for
// a new entity; NewState is nil when the entity was removed.
type StateChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

// States is the entity state machine. Readers get copies.
type States struct {
	mu     sync.RWMutex
	states map[string]*State
	bus    *events.Bus
}

func newStates(bus *events.Bus) *States {
	return &States{states: make(map[string]*State), bus: bus}
}

// Get returns the current state of an entity, or nil.
func (s *States) Get(entityID string) *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[strings.ToLower(entityID)].clone()
}

// All returns every state sorted by entity id.
func (s *States) All() []*State {
	s.mu.RLock()
	out := make([]*State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// EntityIDs returns the ids of all entities in a domain, or all ids when
// domain is empty.
func (s *States) EntityIDs(domain string) []string {
	s.mu.RLock()
	var ids []string
	for id, st := range s.states {
		if domain == "" || st.Domain() == domain {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Set writes the state of an entity and emits EventStateChanged.
// Writing the same state and attributes again is a no-op. LastChanged only
// moves when the state string changes. A zero ctx gets a fresh id.
func (s *States) Set(entityID, state string, attrs map[string]any, ctx Context) error {
	entityID = strings.ToLower(entityID)
	if !ValidEntityID(entityID) {
		return fmt.Errorf("%w: %q", ErrInvalidEntityID, entityID)
	}
	if ctx.ID == "" {
		ctx = NewContext()
	}
	if attrs == nil {
		attrs = map[string]any{}
	}

	now := time.Now()
	s.mu.Lock()
	old := s.states[entityID]
	if old != nil && old.State == state && reflect.DeepEqual(old.Attributes, attrs) {
		s.mu.Unlock()
		return nil
	}
	next := &State{
		EntityID:    entityID,
		State:       state,
		Attributes:  maps.Clone(attrs),
		LastChanged: now,
		LastUpdated: now,
		Context:     ctx,
	}
	if old != nil && old.State == state {
		next.LastChanged = old.LastChanged
	}
	s.states[entityID] = next
	data := StateChangedData{EntityID: entityID, OldState: old.clone(), NewState: next.clone()}
	s.mu.Unlock()

	if old == nil || old.State != state {
		metrics.StateChanges.WithLabelValues(next.Domain()).Inc()
	}
	s.bus.Emit(events.Event{Type: EventStateChanged, Data: data})
	return nil
}

// Remove deletes an entity's state. Returns false if it was unknown.
func (s *States) Remove(entityID string) bool {
	entityID = strings.ToLower(entityID)
	s.mu.Lock()
	old, ok := s.states[entityID]
	delete(s.states, entityID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.bus.Emit(events.Event{
		Type: EventStateChanged,
		Data: StateChangedData{EntityID: entityID, OldState: old.clone()},
	})
	return true
}
