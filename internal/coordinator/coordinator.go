package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"zigbee-lock-hub/internal/events"
	"zigbee-lock-hub/internal/ncp"
	"zigbee-lock-hub/internal/store"
	"zigbee-lock-hub/internal/zcl"
)

// Event types
const (
	EventDeviceJoined      = "device_joined"
	EventDeviceLeft        = "device_left"
	EventDeviceAnnounce    = "device_announce"
	EventDeviceInterviewed = "device_interviewed"
	EventAttributeReport   = "attribute_report"
	EventNetworkState      = "network_state"
	EventPermitJoin        = "permit_join"
)

// DeviceEvent is the payload of device lifecycle events.
type DeviceEvent struct {
	IEEE      string `json:"ieee"`
	ShortAddr uint16 `json:"short_addr"`
}

// AttributeReport is the payload of EventAttributeReport.
type AttributeReport struct {
	IEEE        string `json:"ieee"`
	ShortAddr   uint16 `json:"short_addr"`
	Endpoint    uint8  `json:"endpoint"`
	ClusterID   uint16 `json:"cluster_id"`
	ClusterName string `json:"cluster_name"`
	AttrID      uint16 `json:"attr_id"`
	AttrName    string `json:"attr_name"`
	Value       any    `json:"value"`
}

// Config holds coordinator configuration.
type Config struct {
	Channel  uint8
	PanID    uint16
	ExtPanID [8]byte
}

// NCPConfig describes the NCP backend for display purposes.
type NCPConfig struct {
	Type string
}

// ParseExtPanID parses "DD:DD:DD:DD:DD:DD:DD:DD" into [8]byte.
func ParseExtPanID(s string) ([8]byte, error) {
	return ncp.ParseIEEE(s)
}

// Coordinator manages the Zigbee network via an NCP backend.
type Coordinator struct {
	ncp       ncp.NCP
	store     store.Store
	registry  *zcl.Registry
	deviceDB  *DeviceDB
	events    *events.Bus
	devices   *DeviceManager
	logger    *slog.Logger
	config    Config
	ncpConfig NCPConfig

	mu        sync.RWMutex
	localIEEE [8]byte // cached at Start
	started   bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Coordinator.
func New(backend ncp.NCP, st store.Store, registry *zcl.Registry, deviceDB *DeviceDB, bus *events.Bus, cfg Config, ncpCfg NCPConfig, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		ncp:       backend,
		store:     st,
		registry:  registry,
		deviceDB:  deviceDB,
		events:    bus,
		logger:    logger,
		config:    cfg,
		ncpConfig: ncpCfg,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.devices = NewDeviceManager(c)
	c.devices.RebuildAddrIndex()
	c.registerIndicationHandlers()
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start initializes the NCP and forms or resumes the network.
// A network previously formed with the same parameters is resumed rather
// than re-formed, so paired devices keep their keys.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("initializing NCP...", "type", c.ncpConfig.Type)

	if err := c.ncp.Reset(ctx); err != nil {
		return fmt.Errorf("ncp reset: %w", err)
	}
	if err := c.ncp.Init(ctx); err != nil {
		return fmt.Errorf("ncp init: %w", err)
	}

	if c.canResumeNetwork() {
		c.logger.Info("resuming existing network...")
		err := c.ncp.StartNetwork(ctx)
		if err == nil {
			c.markStarted(ctx, "resumed")
			return nil
		}
		c.logger.Warn("network resume failed, re-forming", "err", err)
	}

	c.logger.Info("forming new network...")
	err := c.ncp.FormNetwork(ctx, ncp.NetworkConfig{
		Channel:  c.config.Channel,
		PanID:    c.config.PanID,
		ExtPanID: c.config.ExtPanID,
	})
	if err != nil {
		return fmt.Errorf("form network: %w", err)
	}
	c.saveNetworkState()
	if err := c.ncp.StartNetwork(ctx); err != nil {
		return fmt.Errorf("start network: %w", err)
	}
	c.markStarted(ctx, "formed")
	return nil
}

func (c *Coordinator) markStarted(ctx context.Context, how string) {
	ieee, err := c.ncp.GetLocalIEEE(ctx)
	if err != nil {
		c.logger.Warn("get coordinator IEEE", "err", err)
	}
	c.mu.Lock()
	c.localIEEE = ieee
	c.started = true
	c.mu.Unlock()
	c.logger.Info("network "+how, "channel", c.config.Channel, "panID", fmt.Sprintf("0x%04X", c.config.PanID),
		"coordinator", ncp.FormatIEEE(ieee))
	c.events.Emit(events.Event{Type: EventNetworkState, Data: "started"})
}

// LocalIEEE returns the coordinator's own IEEE address.
func (c *Coordinator) LocalIEEE() [8]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localIEEE
}

func (c *Coordinator) saveNetworkState() {
	if err := c.store.SaveNetworkState(&store.NetworkState{
		Channel:  c.config.Channel,
		PanID:    c.config.PanID,
		ExtPanID: fmt.Sprintf("%X", c.config.ExtPanID),
		Formed:   true,
	}); err != nil {
		c.logger.Error("save network state", "err", err)
	}
}

// canResumeNetwork checks if the previously formed network matches current config.
func (c *Coordinator) canResumeNetwork() bool {
	ns, err := c.store.GetNetworkState()
	if err != nil || !ns.Formed {
		return false
	}
	return ns.Channel == c.config.Channel &&
		ns.PanID == c.config.PanID &&
		ns.ExtPanID == fmt.Sprintf("%X", c.config.ExtPanID)
}

// Stop cancels the coordinator context and waits for in-progress interviews.
func (c *Coordinator) Stop() {
	c.cancel()
	c.devices.CancelAllInterviews()
	c.events.Emit(events.Event{Type: EventNetworkState, Data: "stopped"})
}

// PermitJoin opens or closes the network for device joining.
func (c *Coordinator) PermitJoin(ctx context.Context, duration uint8) error {
	if err := c.ncp.PermitJoin(ctx, duration); err != nil {
		return fmt.Errorf("permit join: %w", err)
	}
	c.logger.Info("permit join", "duration", duration)
	c.events.Emit(events.Event{Type: EventPermitJoin, Data: map[string]any{"duration": duration}})
	return nil
}

// NetworkInfo returns current network information from cached config.
func (c *Coordinator) NetworkInfo() map[string]any {
	c.mu.RLock()
	local, started := c.localIEEE, c.started
	c.mu.RUnlock()
	info := map[string]any{
		"channel":          c.config.Channel,
		"pan_id":           fmt.Sprintf("0x%04X", c.config.PanID),
		"ext_pan_id":       fmt.Sprintf("%X", c.config.ExtPanID),
		"ncp_type":         c.ncpConfig.Type,
		"coordinator_ieee": ncp.FormatIEEE(local),
		"started":          started,
	}
	if ncpInfo := c.ncp.GetNCPInfo(); ncpInfo != nil {
		info["fw_version"] = ncpInfo.FWVersion
		info["stack_version"] = ncpInfo.StackVersion
		info["protocol_version"] = ncpInfo.ProtocolVersion
	}
	return info
}

// NCP returns the underlying NCP backend.
func (c *Coordinator) NCP() ncp.NCP {
	return c.ncp
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Registry returns the ZCL registry.
func (c *Coordinator) Registry() *zcl.Registry {
	return c.registry
}

// DeviceDB returns the device definitions database.
func (c *Coordinator) DeviceDB() *DeviceDB {
	return c.deviceDB
}

// Events returns the event bus.
func (c *Coordinator) Events() *events.Bus {
	return c.events
}

// Devices returns the device manager.
func (c *Coordinator) Devices() *DeviceManager {
	return c.devices
}

func (c *Coordinator) registerIndicationHandlers() {
	c.ncp.OnDeviceJoined(c.devices.HandleJoin)
	c.ncp.OnDeviceLeft(c.devices.HandleLeave)
	c.ncp.OnDeviceAnnounce(c.devices.HandleAnnounce)
	c.ncp.OnAttributeReport(c.devices.HandleAttributeReport)
}
