// Package zha maps paired Zigbee devices onto hub entities: devices and
// their clusters, cluster handlers, entity discovery, and the lock platform.
package zha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"zigbee-lock-hub/internal/coordinator"
	"zigbee-lock-hub/internal/core"
	"zigbee-lock-hub/internal/events"
	"zigbee-lock-hub/internal/metrics"
	"zigbee-lock-hub/internal/store"
	"zigbee-lock-hub/internal/zcl"
)

// ErrEntityNotFound is returned by lock services for unknown entity ids.
var ErrEntityNotFound = errors.New("entity not found")

// Config controls device availability.
type Config struct {
	// ConsiderUnavailableMains and ConsiderUnavailableBattery are how long a
	// device may stay silent before it is marked unavailable.
	ConsiderUnavailableMains   time.Duration
	ConsiderUnavailableBattery time.Duration
	CheckInterval              time.Duration
	// AutoEnableTraffic marks devices available as soon as they are
	// interviewed, or on startup when they were seen recently enough.
	// Otherwise a device stays unavailable until EnableTraffic or its
	// next message.
	AutoEnableTraffic bool
}

func (c *Config) applyDefaults() {
	if c.ConsiderUnavailableMains == 0 {
		c.ConsiderUnavailableMains = 2 * time.Hour
	}
	if c.ConsiderUnavailableBattery == 0 {
		c.ConsiderUnavailableBattery = 6 * time.Hour
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = time.Minute
	}
}

// Gateway tracks paired devices and the entities created for them.
type Gateway struct {
	hub       *core.Hub
	store     store.Store
	registry  *zcl.Registry
	transport Transport
	cfg       Config
	logger    *slog.Logger

	mu       sync.RWMutex
	devices  map[string]*Device
	entities map[string]*LockEntity   // by entity id
	byDevice map[string][]*LockEntity // by IEEE

	unsubs []func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway creates a gateway. Call Start to load stored devices and
// begin handling coordinator events.
func NewGateway(hub *core.Hub, st store.Store, registry *zcl.Registry, transport Transport, cfg Config, logger *slog.Logger) *Gateway {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		hub:       hub,
		store:     st,
		registry:  registry,
		transport: transport,
		cfg:       cfg,
		logger:    logger.With("component", "zha"),
		devices:   make(map[string]*Device),
		entities:  make(map[string]*LockEntity),
		byDevice:  make(map[string][]*LockEntity),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start registers the lock services, restores stored devices, subscribes
// to coordinator events, and starts the availability checker.
func (g *Gateway) Start() error {
	g.registerServices()

	devices, err := g.store.ListDevices()
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].IEEEAddress < devices[j].IEEEAddress })
	for _, dev := range devices {
		if !dev.Interviewed {
			continue
		}
		if _, err := g.RestoreDevice(dev); err != nil {
			g.logger.Error("restore device", "ieee", dev.IEEEAddress, "err", err)
		}
	}

	bus := g.hub.Bus()
	g.unsubs = append(g.unsubs,
		bus.On(coordinator.EventDeviceInterviewed, g.handleInterviewed),
		bus.On(coordinator.EventDeviceLeft, g.handleLeft),
		bus.On(coordinator.EventDeviceAnnounce, g.handleAnnounce),
		bus.On(coordinator.EventAttributeReport, g.handleAttributeReport),
	)

	g.wg.Add(1)
	go g.availabilityLoop()

	g.logger.Info("gateway started", "devices", len(g.Devices()), "entities", len(g.Entities()))
	return nil
}

// Stop unsubscribes from events and stops the availability checker.
func (g *Gateway) Stop() {
	for _, u := range g.unsubs {
		u()
	}
	g.unsubs = nil
	g.cancel()
	g.wg.Wait()
}

// JoinDevice adds a freshly interviewed device.
func (g *Gateway) JoinDevice(dev *store.Device) (*Device, error) {
	return g.addDevice(dev, false)
}

// RestoreDevice adds a device loaded from the store at startup.
func (g *Gateway) RestoreDevice(dev *store.Device) (*Device, error) {
	return g.addDevice(dev, true)
}

func (g *Gateway) addDevice(sdev *store.Device, restored bool) (*Device, error) {
	g.mu.RLock()
	existing := g.devices[sdev.IEEEAddress]
	g.mu.RUnlock()
	if existing != nil {
		existing.setNWK(sdev.ShortAddress)
		if !restored {
			existing.Touch()
		}
		return existing, nil
	}

	d := newDevice(sdev, g.registry, g.transport, g.logger)
	d.OnAvailabilityChanged(func(bool) { g.updateAvailableGauge() })

	var created []*LockEntity
	for _, desc := range Discover(d) {
		entityID, err := g.entityIDFor(desc)
		if err != nil {
			for _, e := range created {
				e.remove()
			}
			return nil, err
		}
		e := newLockEntity(entityID, desc, g.hub, g.store, g.logger)
		e.restore()
		created = append(created, e)
	}

	g.mu.Lock()
	g.devices[d.IEEE] = d
	for _, e := range created {
		g.entities[e.entityID] = e
	}
	g.byDevice[d.IEEE] = created
	g.mu.Unlock()

	for _, e := range created {
		e.added()
	}

	path := "joined"
	if restored {
		path = "restored"
	}
	g.logger.Info("device added", "ieee", d.IEEE, "name", d.Name(), "path", path, "entities", len(created))

	if g.cfg.AutoEnableTraffic {
		if !restored {
			g.EnableTraffic(d)
			g.initialize(d)
		} else if time.Since(d.LastSeen()) <= g.unavailableAfter(d) {
			d.SetAvailable(true)
		}
	}
	return d, nil
}

// initialize reads the attributes entities show right after a join.
func (g *Gateway) initialize(d *Device) {
	ctx, cancel := context.WithTimeout(g.ctx, 10*time.Second)
	defer cancel()
	for _, e := range g.EntitiesForDevice(d.IEEE) {
		if err := e.lock.Refresh(ctx); err != nil {
			g.logger.Warn("read lock state", "entity_id", e.entityID, "err", err)
		}
		if e.battery != nil {
			if err := e.battery.Refresh(ctx); err != nil {
				g.logger.Debug("read battery", "entity_id", e.entityID, "err", err)
			}
		}
	}
}

// entityIDFor returns the registered entity id for a description, or
// registers a new one.
func (g *Gateway) entityIDFor(desc EntityDescription) (string, error) {
	uid := desc.UniqueID()
	entry, err := g.store.GetEntity(uid)
	if err == nil {
		return entry.EntityID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("entity registry: %w", err)
	}

	all, err := g.store.ListEntities()
	if err != nil {
		return "", fmt.Errorf("entity registry: %w", err)
	}
	taken := make(map[string]bool, len(all))
	for _, e := range all {
		taken[e.EntityID] = true
	}
	base := desc.Platform + "." + suggestedObjectID(desc)
	entityID := base
	for n := 2; taken[entityID] || g.hub.States().Get(entityID) != nil; n++ {
		entityID = fmt.Sprintf("%s_%d", base, n)
	}

	err = g.store.SaveEntity(&store.EntityEntry{
		UniqueID:   uid,
		EntityID:   entityID,
		Platform:   desc.Platform,
		DeviceIEEE: desc.Endpoint.device.IEEE,
		Endpoint:   desc.Endpoint.ID,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("entity registry: %w", err)
	}
	return entityID, nil
}

// RemoveDevice drops a device, its entities, their states, and their
// registry entries.
func (g *Gateway) RemoveDevice(ieee string) {
	g.mu.Lock()
	d := g.devices[ieee]
	ents := g.byDevice[ieee]
	delete(g.devices, ieee)
	delete(g.byDevice, ieee)
	for _, e := range ents {
		delete(g.entities, e.entityID)
	}
	g.mu.Unlock()

	for _, e := range ents {
		e.remove()
	}
	if _, err := g.store.DeleteEntitiesForDevice(ieee); err != nil {
		g.logger.Error("delete entities", "ieee", ieee, "err", err)
	}
	if d != nil {
		g.logger.Info("device removed", "ieee", ieee, "entities", len(ents))
		g.updateAvailableGauge()
	}
}

// EnableTraffic marks devices as heard from and available.
func (g *Gateway) EnableTraffic(devices ...*Device) {
	for _, d := range devices {
		d.Touch()
	}
}

// Device returns a device by IEEE address, or nil.
func (g *Gateway) Device(ieee string) *Device {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.devices[ieee]
}

// Devices returns all devices sorted by IEEE address.
func (g *Gateway) Devices() []*Device {
	g.mu.RLock()
	out := make([]*Device, 0, len(g.devices))
	for _, d := range g.devices {
		out = append(out, d)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IEEE < out[j].IEEE })
	return out
}

// Entity returns a lock entity by entity id, or nil.
func (g *Gateway) Entity(entityID string) *LockEntity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entities[entityID]
}

// Entities returns all lock entities sorted by entity id.
func (g *Gateway) Entities() []*LockEntity {
	g.mu.RLock()
	out := make([]*LockEntity, 0, len(g.entities))
	for _, e := range g.entities {
		out = append(out, e)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].entityID < out[j].entityID })
	return out
}

// EntitiesForDevice returns the entities created for a device.
func (g *Gateway) EntitiesForDevice(ieee string) []*LockEntity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*LockEntity(nil), g.byDevice[ieee]...)
}

// FindEntityID returns the id of the device's first entity in a domain,
// or "" if it has none.
func (g *Gateway) FindEntityID(domain string, d *Device) string {
	for _, e := range g.EntitiesForDevice(d.IEEE) {
		if dom, _ := core.SplitEntityID(e.entityID); dom == domain {
			return e.entityID
		}
	}
	return ""
}

func (g *Gateway) unavailableAfter(d *Device) time.Duration {
	if d.MainsPowered() {
		return g.cfg.ConsiderUnavailableMains
	}
	return g.cfg.ConsiderUnavailableBattery
}

// CheckAvailability marks devices unavailable that have been silent for
// longer than their consider-unavailable window.
func (g *Gateway) CheckAvailability(now time.Time) {
	for _, d := range g.Devices() {
		if !d.Available() {
			continue
		}
		if silent := now.Sub(d.LastSeen()); silent > g.unavailableAfter(d) {
			g.logger.Info("device unavailable", "ieee", d.IEEE, "silent", silent.Round(time.Second))
			d.SetAvailable(false)
		}
	}
}

func (g *Gateway) availabilityLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case now := <-ticker.C:
			g.CheckAvailability(now)
		}
	}
}

func (g *Gateway) updateAvailableGauge() {
	n := 0
	for _, d := range g.Devices() {
		if d.Available() {
			n++
		}
	}
	metrics.DevicesAvailable.Set(float64(n))
}

func (g *Gateway) handleInterviewed(e events.Event) {
	de, ok := e.Data.(coordinator.DeviceEvent)
	if !ok {
		return
	}
	dev, err := g.store.GetDevice(de.IEEE)
	if err != nil {
		g.logger.Error("interviewed device not in store", "ieee", de.IEEE, "err", err)
		return
	}
	if _, err := g.JoinDevice(dev); err != nil {
		g.logger.Error("join device", "ieee", de.IEEE, "err", err)
	}
}

func (g *Gateway) handleLeft(e events.Event) {
	if de, ok := e.Data.(coordinator.DeviceEvent); ok {
		g.RemoveDevice(de.IEEE)
	}
}

func (g *Gateway) handleAnnounce(e events.Event) {
	de, ok := e.Data.(coordinator.DeviceEvent)
	if !ok {
		return
	}
	if d := g.Device(de.IEEE); d != nil {
		d.setNWK(de.ShortAddr)
		d.Touch()
	}
}

func (g *Gateway) handleAttributeReport(e events.Event) {
	r, ok := e.Data.(coordinator.AttributeReport)
	if !ok {
		return
	}
	d := g.Device(r.IEEE)
	if d == nil {
		return
	}
	d.Touch()
	ep := d.Endpoint(r.Endpoint)
	if ep == nil {
		return
	}
	if c := ep.InCluster(r.ClusterID); c != nil && r.Value != nil {
		c.UpdateAttribute(r.AttrID, r.Value)
	}
}
