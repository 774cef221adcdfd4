package zha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"zigbee-lock-hub/internal/coordinator"
	"zigbee-lock-hub/internal/zcl"
)

// Request is one outbound ZCL command for a device cluster. General
// selects a foundation (profile-wide) command instead of a cluster-specific one.
type Request struct {
	NWK       uint16
	Endpoint  uint8
	ClusterID uint16
	General   bool
	CommandID uint8
	Payload   []byte
}

// Transport carries cluster traffic to devices.
type Transport interface {
	Request(ctx context.Context, req Request) (zcl.Status, error)
	ReadAttributes(ctx context.Context, nwk uint16, endpoint uint8, clusterID uint16, attrIDs []uint16) ([]coordinator.AttributeResult, error)
}

// CoordinatorTransport sends cluster traffic through the coordinator.
type CoordinatorTransport struct {
	Coord *coordinator.Coordinator
}

func (t CoordinatorTransport) Request(ctx context.Context, req Request) (zcl.Status, error) {
	if req.General {
		return 0, fmt.Errorf("general command 0x%02X: %w", req.CommandID, errors.ErrUnsupported)
	}
	return t.Coord.SendClusterCommand(ctx, req.NWK, req.Endpoint, req.ClusterID, req.CommandID, req.Payload)
}

func (t CoordinatorTransport) ReadAttributes(ctx context.Context, nwk uint16, endpoint uint8, clusterID uint16, attrIDs []uint16) ([]coordinator.AttributeResult, error) {
	return t.Coord.ReadAttributes(ctx, nwk, endpoint, clusterID, attrIDs)
}

// AttributeListener is called after a cluster attribute is updated.
type AttributeListener func(attrID uint16, name string, value any)

// Cluster is an endpoint's view of one server cluster: a cache of the last
// attribute values, listeners, and a way to send commands.
type Cluster struct {
	ID       uint16
	Name     string
	endpoint *Endpoint
	def      *zcl.ClusterDef
	logger   *slog.Logger

	mu        sync.RWMutex
	attrs     map[uint16]any
	listeners map[uint64]AttributeListener
	nextID    uint64
}

func newCluster(ep *Endpoint, id uint16, def *zcl.ClusterDef, logger *slog.Logger) *Cluster {
	name := fmt.Sprintf("0x%04X", id)
	if def != nil {
		name = def.Name
	}
	return &Cluster{
		ID:        id,
		Name:      name,
		endpoint:  ep,
		def:       def,
		logger:    logger,
		attrs:     make(map[uint16]any),
		listeners: make(map[uint64]AttributeListener),
	}
}

// Endpoint returns the endpoint the cluster lives on.
func (c *Cluster) Endpoint() *Endpoint { return c.endpoint }

// AttrName returns the attribute's name from the cluster definition.
func (c *Cluster) AttrName(attrID uint16) string {
	if c.def != nil {
		if a := c.def.FindAttribute(attrID); a != nil {
			return a.Name
		}
	}
	return fmt.Sprintf("0x%04X", attrID)
}

// Get returns the cached value of an attribute.
func (c *Cluster) Get(attrID uint16) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attrs[attrID]
	return v, ok
}

// AddListener registers an attribute listener and returns its remover.
func (c *Cluster) AddListener(l AttributeListener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// UpdateAttribute caches a value and notifies listeners.
func (c *Cluster) UpdateAttribute(attrID uint16, value any) {
	c.mu.Lock()
	c.attrs[attrID] = value
	listeners := make([]AttributeListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	name := c.AttrName(attrID)
	c.logger.Debug("attribute updated", "cluster", c.Name, "attr", name, "value", value)
	for _, l := range listeners {
		l(attrID, name, value)
	}
}

// HandleMessage processes a raw ZCL frame received from the device for
// this cluster. Report Attributes and Read Attributes Response frames
// update the attribute cache.
func (c *Cluster) HandleMessage(hdr zcl.Header, payload []byte) error {
	c.endpoint.device.Touch()

	if !hdr.IsGeneral() {
		c.logger.Debug("cluster command ignored", "cluster", c.Name, "cmd", hdr.CommandID)
		return nil
	}
	switch hdr.CommandID {
	case zcl.FoundationReportAttributes:
		records, err := zcl.ParseReportRecords(payload)
		for _, r := range records {
			c.UpdateAttribute(r.AttrID, r.Value)
		}
		if err != nil {
			return fmt.Errorf("%s report: %w", c.Name, err)
		}
	case zcl.FoundationReadAttributesResponse:
		records, err := zcl.ParseReadResponseRecords(payload)
		for _, r := range records {
			if r.Status == zcl.StatusSuccess {
				c.UpdateAttribute(r.AttrID, r.Value)
			}
		}
		if err != nil {
			return fmt.Errorf("%s read response: %w", c.Name, err)
		}
	case zcl.FoundationDefaultResponse:
		cmd, status, err := zcl.ParseDefaultResponse(payload)
		if err != nil {
			return fmt.Errorf("%s default response: %w", c.Name, err)
		}
		c.logger.Debug("default response", "cluster", c.Name, "cmd", cmd, "status", status)
	default:
		c.logger.Debug("foundation command ignored", "cluster", c.Name, "cmd", hdr.CommandID)
	}
	return nil
}

// Request sends a command to this cluster and returns the device's status.
func (c *Cluster) Request(ctx context.Context, general bool, commandID uint8, payload []byte) (zcl.Status, error) {
	dev := c.endpoint.device
	status, err := dev.transport.Request(ctx, Request{
		NWK:       dev.NWK(),
		Endpoint:  c.endpoint.ID,
		ClusterID: c.ID,
		General:   general,
		CommandID: commandID,
		Payload:   payload,
	})
	if err != nil {
		return status, fmt.Errorf("%s request 0x%02X: %w", c.Name, commandID, err)
	}
	return status, nil
}

// ReadAttributes reads attributes from the device and updates the cache
// with every value that was returned.
func (c *Cluster) ReadAttributes(ctx context.Context, attrIDs ...uint16) (map[uint16]any, error) {
	dev := c.endpoint.device
	results, err := dev.transport.ReadAttributes(ctx, dev.NWK(), c.endpoint.ID, c.ID, attrIDs)
	if err != nil {
		return nil, fmt.Errorf("%s read: %w", c.Name, err)
	}
	out := make(map[uint16]any, len(results))
	for _, r := range results {
		if r.Status != zcl.StatusSuccess || r.Value == nil {
			continue
		}
		out[r.AttrID] = r.Value
		c.UpdateAttribute(r.AttrID, r.Value)
	}
	return out, nil
}
