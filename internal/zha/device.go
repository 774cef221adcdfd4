package zha

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"zigbee-lock-hub/internal/store"
	"zigbee-lock-hub/internal/zcl"
)

// Endpoint is one application endpoint of a device.
type Endpoint struct {
	ID          uint8
	ProfileID   uint16
	DeviceType  uint16
	InClusters  map[uint16]*Cluster
	OutClusters []uint16
	device      *Device
}

// Device returns the device owning the endpoint.
func (e *Endpoint) Device() *Device { return e.device }

// InCluster returns a server cluster, or nil.
func (e *Endpoint) InCluster(id uint16) *Cluster { return e.InClusters[id] }

// Device is the gateway's live view of a paired Zigbee device.
type Device struct {
	IEEE         string
	Manufacturer string
	Model        string
	FriendlyName string
	PowerSource  uint8

	transport Transport
	logger    *slog.Logger
	endpoints map[uint8]*Endpoint

	mu        sync.RWMutex
	nwk       uint16
	available bool
	lastSeen  time.Time
	listeners map[uint64]func(bool)
	nextID    uint64
}

func newDevice(dev *store.Device, registry *zcl.Registry, transport Transport, logger *slog.Logger) *Device {
	d := &Device{
		IEEE:         dev.IEEEAddress,
		Manufacturer: dev.Manufacturer,
		Model:        dev.Model,
		FriendlyName: dev.FriendlyName,
		PowerSource:  dev.PowerSource,
		transport:    transport,
		logger:       logger.With("ieee", dev.IEEEAddress),
		endpoints:    make(map[uint8]*Endpoint),
		nwk:          dev.ShortAddress,
		lastSeen:     dev.LastSeen,
		listeners:    make(map[uint64]func(bool)),
	}
	for _, sep := range dev.Endpoints {
		ep := &Endpoint{
			ID:          sep.ID,
			ProfileID:   sep.ProfileID,
			DeviceType:  sep.DeviceID,
			InClusters:  make(map[uint16]*Cluster, len(sep.InClusters)),
			OutClusters: slices.Clone(sep.OutClusters),
			device:      d,
		}
		for _, id := range sep.InClusters {
			ep.InClusters[id] = newCluster(ep, id, registry.Get(id), d.logger)
		}
		d.endpoints[sep.ID] = ep
	}
	return d
}

// Name is the friendly name, else "Manufacturer Model", else the IEEE address.
func (d *Device) Name() string {
	switch {
	case d.FriendlyName != "":
		return d.FriendlyName
	case d.Manufacturer != "" || d.Model != "":
		return strings.TrimSpace(d.Manufacturer + " " + d.Model)
	}
	return d.IEEE
}

// NWK returns the current short network address.
func (d *Device) NWK() uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nwk
}

func (d *Device) setNWK(nwk uint16) {
	d.mu.Lock()
	d.nwk = nwk
	d.mu.Unlock()
}

// MainsPowered reports whether the device runs on a non-battery supply.
func (d *Device) MainsPowered() bool {
	return (&store.Device{PowerSource: d.PowerSource}).MainsPowered()
}

// Endpoint returns an endpoint by id, or nil.
func (d *Device) Endpoint(id uint8) *Endpoint { return d.endpoints[id] }

// Endpoints returns endpoints ordered by id.
func (d *Device) Endpoints() []*Endpoint {
	ids := make([]uint8, 0, len(d.endpoints))
	for id := range d.endpoints {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*Endpoint, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.endpoints[id])
	}
	return out
}

// Available reports whether the device is considered reachable.
func (d *Device) Available() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.available
}

// LastSeen returns when the device was last heard from.
func (d *Device) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

// OnAvailabilityChanged registers a listener and returns its remover.
func (d *Device) OnAvailabilityChanged(fn func(available bool)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// SetAvailable changes availability and notifies listeners on a change.
func (d *Device) SetAvailable(available bool) {
	d.mu.Lock()
	if d.available == available {
		d.mu.Unlock()
		return
	}
	d.available = available
	listeners := make([]func(bool), 0, len(d.listeners))
	for _, l := range d.listeners {
		listeners = append(listeners, l)
	}
	d.mu.Unlock()

	d.logger.Info("device availability changed", "available", available)
	for _, l := range listeners {
		l(available)
	}
}

// Touch records that the device was just heard from. An unavailable
// device becomes available again.
func (d *Device) Touch() {
	d.mu.Lock()
	d.lastSeen = time.Now()
	d.mu.Unlock()
	d.SetAvailable(true)
}
