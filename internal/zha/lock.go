package zha

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zigbee-lock-hub/internal/core"
	"zigbee-lock-hub/internal/store"
	"zigbee-lock-hub/internal/zcl/clusters"
)

// Lock entity states.
const (
	StateLocked   = "locked"
	StateUnlocked = "unlocked"
)

// lockStateString maps the Door Lock LockState attribute to an entity
// state. ok is false for values that leave the state unchanged.
func lockStateString(v uint8) (state string, ok bool) {
	switch v {
	case clusters.LockStateNotFullyLocked, clusters.LockStateUnlocked:
		return StateUnlocked, true
	case clusters.LockStateLocked:
		return StateLocked, true
	}
	return "", false
}

// LockEntity exposes a Door Lock endpoint as a "lock" entity.
type LockEntity struct {
	entityID string
	uniqueID string
	device   *Device
	lock     *DoorLockHandler
	battery  *PowerConfigHandler

	hub    *core.Hub
	store  store.Store
	logger *slog.Logger

	mu      sync.Mutex
	state   string // last known lock state, shown while available
	unsubs  []func()
	removed bool
	cause   core.Context // service call in progress, if any
}

func newLockEntity(entityID string, desc EntityDescription, hub *core.Hub, st store.Store, logger *slog.Logger) *LockEntity {
	ep := desc.Endpoint
	e := &LockEntity{
		entityID: entityID,
		uniqueID: desc.UniqueID(),
		device:   ep.device,
		lock:     NewDoorLockHandler(ep.InCluster(clusters.DoorLockID)),
		hub:      hub,
		store:    st,
		logger:   logger.With("entity_id", entityID),
		state:    StateUnlocked,
	}
	if pc := ep.InCluster(clusters.PowerConfigurationID); pc != nil {
		e.battery = NewPowerConfigHandler(pc)
	}
	return e
}

// EntityID returns the entity id.
func (e *LockEntity) EntityID() string { return e.entityID }

// UniqueID returns the registry unique id.
func (e *LockEntity) UniqueID() string { return e.uniqueID }

// Device returns the device the entity belongs to.
func (e *LockEntity) Device() *Device { return e.device }

// DoorLock returns the Door Lock cluster handler.
func (e *LockEntity) DoorLock() *DoorLockHandler { return e.lock }

// restore seeds the last known state from the store.
func (e *LockEntity) restore() {
	rs, err := e.store.GetRestoreState(e.entityID)
	if err != nil {
		return
	}
	if rs.State == StateLocked || rs.State == StateUnlocked {
		e.mu.Lock()
		e.state = rs.State
		e.mu.Unlock()
		e.logger.Debug("restored lock state", "state", rs.State)
	}
}

// added subscribes to the device and publishes the initial state.
func (e *LockEntity) added() {
	unsubs := []func(){
		e.lock.OnLockState(e.handleLockState),
		e.device.OnAvailabilityChanged(func(bool) { e.writeState(core.Context{}) }),
	}
	if e.battery != nil {
		unsubs = append(unsubs, e.battery.OnBattery(func(float64) { e.writeState(core.Context{}) }))
	}
	e.mu.Lock()
	e.unsubs = unsubs
	e.mu.Unlock()
	e.writeState(core.Context{})
}

// remove unsubscribes and deletes the entity's state.
func (e *LockEntity) remove() {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.removed = true
	e.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	e.hub.States().Remove(e.entityID)
}

func (e *LockEntity) handleLockState(v uint8) {
	state, ok := lockStateString(v)
	if !ok {
		e.logger.Debug("ignoring lock state", "value", v)
		return
	}
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	e.writeState(core.Context{})
}

// State returns what the entity currently shows.
func (e *LockEntity) State() string {
	if !e.device.Available() {
		return core.StateUnavailable
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *LockEntity) attributes() map[string]any {
	attrs := map[string]any{"friendly_name": e.device.Name()}
	if e.battery != nil {
		if p, ok := e.battery.BatteryPercent(); ok {
			attrs["battery_level"] = p
		}
	}
	return attrs
}

func (e *LockEntity) writeState(ctx core.Context) {
	e.mu.Lock()
	removed := e.removed
	cause := e.cause
	e.mu.Unlock()
	if removed {
		return
	}
	if ctx.ID == "" && cause.ID != "" {
		ctx = cause.Child()
	}

	state := e.State()
	if err := e.hub.States().Set(e.entityID, state, e.attributes(), ctx); err != nil {
		e.logger.Error("set state", "err", err)
		return
	}
	if state == core.StateUnavailable {
		return
	}
	st := e.hub.States().Get(e.entityID)
	if st == nil {
		return
	}
	err := e.store.SaveRestoreState(&store.RestoreState{
		EntityID:    e.entityID,
		State:       state,
		LastChanged: st.LastChanged,
		SavedAt:     time.Now(),
	})
	if err != nil {
		e.logger.Warn("save restore state", "err", err)
	}
}

// Lock locks the door. The state follows from the device's LockState,
// which is read back after a successful command.
func (e *LockEntity) Lock(ctx context.Context) error {
	defer e.track(ctx)()
	if err := e.lock.Lock(ctx); err != nil {
		return fmt.Errorf("%s: %w", e.entityID, err)
	}
	e.refresh(ctx)
	return nil
}

// Unlock unlocks the door.
func (e *LockEntity) Unlock(ctx context.Context) error {
	defer e.track(ctx)()
	if err := e.lock.Unlock(ctx); err != nil {
		return fmt.Errorf("%s: %w", e.entityID, err)
	}
	e.refresh(ctx)
	return nil
}

// track makes states written until the returned func runs children of the
// service call carried by ctx.
func (e *LockEntity) track(ctx context.Context) func() {
	cause, ok := core.ContextFrom(ctx)
	if !ok {
		return func() {}
	}
	e.mu.Lock()
	e.cause = cause
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		if e.cause.ID == cause.ID {
			e.cause = core.Context{}
		}
		e.mu.Unlock()
	}
}

func (e *LockEntity) refresh(ctx context.Context) {
	if err := e.lock.Refresh(ctx); err != nil {
		e.logger.Warn("read lock state after command", "err", err)
	}
}
