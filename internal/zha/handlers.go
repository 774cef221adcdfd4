package zha

import (
	"context"
	"errors"
	"fmt"

	"zigbee-lock-hub/internal/zcl"
	"zigbee-lock-hub/internal/zcl/clusters"
)

// ErrCommandFailed is returned when a device answers a command with a
// status other than SUCCESS.
var ErrCommandFailed = errors.New("command failed")

func commandResult(c *Cluster, cmd string, status zcl.Status, err error) error {
	if err != nil {
		return err
	}
	if status != zcl.StatusSuccess {
		return fmt.Errorf("%s %s: %w: %s", c.Name, cmd, ErrCommandFailed, status)
	}
	return nil
}

// DoorLockHandler drives a Door Lock server cluster.
type DoorLockHandler struct {
	cluster *Cluster
}

// NewDoorLockHandler wraps a Door Lock cluster.
func NewDoorLockHandler(c *Cluster) *DoorLockHandler {
	return &DoorLockHandler{cluster: c}
}

// Cluster returns the wrapped cluster.
func (h *DoorLockHandler) Cluster() *Cluster { return h.cluster }

// LockState returns the cached LockState attribute.
func (h *DoorLockHandler) LockState() (uint8, bool) {
	v, ok := h.cluster.Get(clusters.AttrLockState)
	if !ok {
		return 0, false
	}
	n, ok := zcl.AsUint(v)
	return uint8(n), ok
}

// OnLockState calls fn for every LockState update.
func (h *DoorLockHandler) OnLockState(fn func(state uint8)) func() {
	return h.cluster.AddListener(func(attrID uint16, _ string, value any) {
		if attrID != clusters.AttrLockState {
			return
		}
		if n, ok := zcl.AsUint(value); ok {
			fn(uint8(n))
		}
	})
}

// Lock sends LockDoor.
func (h *DoorLockHandler) Lock(ctx context.Context) error {
	status, err := h.cluster.Request(ctx, false, clusters.CmdLockDoor, nil)
	return commandResult(h.cluster, "lock", status, err)
}

// Unlock sends UnlockDoor.
func (h *DoorLockHandler) Unlock(ctx context.Context) error {
	status, err := h.cluster.Request(ctx, false, clusters.CmdUnlockDoor, nil)
	return commandResult(h.cluster, "unlock", status, err)
}

// Toggle sends Toggle.
func (h *DoorLockHandler) Toggle(ctx context.Context) error {
	status, err := h.cluster.Request(ctx, false, clusters.CmdToggle, nil)
	return commandResult(h.cluster, "toggle", status, err)
}

// Refresh reads LockState from the device.
func (h *DoorLockHandler) Refresh(ctx context.Context) error {
	_, err := h.cluster.ReadAttributes(ctx, clusters.AttrLockState)
	return err
}

// BasicHandler reads identification attributes from the Basic cluster.
type BasicHandler struct {
	cluster *Cluster
}

// NewBasicHandler wraps a Basic cluster.
func NewBasicHandler(c *Cluster) *BasicHandler {
	return &BasicHandler{cluster: c}
}

// Refresh reads manufacturer, model and power source.
func (h *BasicHandler) Refresh(ctx context.Context) error {
	_, err := h.cluster.ReadAttributes(ctx,
		clusters.AttrManufacturerName, clusters.AttrModelIdentifier, clusters.AttrPowerSource)
	return err
}

// Manufacturer returns the cached ManufacturerName.
func (h *BasicHandler) Manufacturer() string {
	v, _ := h.cluster.Get(clusters.AttrManufacturerName)
	s, _ := v.(string)
	return s
}

// Model returns the cached ModelIdentifier.
func (h *BasicHandler) Model() string {
	v, _ := h.cluster.Get(clusters.AttrModelIdentifier)
	s, _ := v.(string)
	return s
}

// PowerConfigHandler exposes the battery level of a Power Configuration cluster.
type PowerConfigHandler struct {
	cluster *Cluster
}

// NewPowerConfigHandler wraps a Power Configuration cluster.
func NewPowerConfigHandler(c *Cluster) *PowerConfigHandler {
	return &PowerConfigHandler{cluster: c}
}

// BatteryPercent converts BatteryPercentageRemaining (half-percent units)
// to percent. 0xFF means unknown.
func (h *PowerConfigHandler) BatteryPercent() (float64, bool) {
	v, ok := h.cluster.Get(clusters.AttrBatteryPercentageRemaining)
	if !ok {
		return 0, false
	}
	n, ok := zcl.AsUint(v)
	if !ok || n == 0xFF {
		return 0, false
	}
	return float64(n) / 2, true
}

// OnBattery calls fn for every battery percentage update.
func (h *PowerConfigHandler) OnBattery(fn func(percent float64)) func() {
	return h.cluster.AddListener(func(attrID uint16, _ string, _ any) {
		if attrID != clusters.AttrBatteryPercentageRemaining {
			return
		}
		if p, ok := h.BatteryPercent(); ok {
			fn(p)
		}
	})
}

// Refresh reads the battery percentage.
func (h *PowerConfigHandler) Refresh(ctx context.Context) error {
	_, err := h.cluster.ReadAttributes(ctx, clusters.AttrBatteryPercentageRemaining)
	return err
}
