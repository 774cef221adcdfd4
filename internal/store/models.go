package store

import (
	"slices"
	"time"
)

// Device represents a Zigbee device.
type Device struct {
	IEEEAddress  string     `json:"ieee_address"`
	ShortAddress uint16     `json:"short_address"`
	Manufacturer string     `json:"manufacturer,omitempty"`
	Model        string     `json:"model,omitempty"`
	FriendlyName string     `json:"friendly_name,omitempty"`
	PowerSource  uint8      `json:"power_source,omitempty"`
	Endpoints    []Endpoint `json:"endpoints,omitempty"`
	Interviewed  bool       `json:"interviewed"`
	JoinedAt     time.Time  `json:"joined_at"`
	LastSeen     time.Time  `json:"last_seen"`
	LQI          uint8      `json:"lqi,omitempty"`
	RSSI         int8       `json:"rssi,omitempty"`
}

// MainsPowered reports whether the Basic PowerSource attribute names a
// non-battery supply. The battery-backup bit is ignored; unknown counts as battery.
func (d *Device) MainsPowered() bool {
	switch d.PowerSource & 0x7F {
	case 0x01, 0x02, 0x04, 0x05, 0x06:
		return true
	}
	return false
}

// Endpoint represents a device endpoint.
type Endpoint struct {
	ID          uint8    `json:"id"`
	ProfileID   uint16   `json:"profile_id"`
	DeviceID    uint16   `json:"device_id"`
	InClusters  []uint16 `json:"in_clusters"`
	OutClusters []uint16 `json:"out_clusters"`
}

// HasInCluster reports whether the endpoint serves a cluster.
func (e Endpoint) HasInCluster(id uint16) bool { return slices.Contains(e.InClusters, id) }

// HasOutCluster reports whether the endpoint is a client of a cluster.
func (e Endpoint) HasOutCluster(id uint16) bool { return slices.Contains(e.OutClusters, id) }

// NetworkState holds persisted network configuration.
type NetworkState struct {
	Channel  uint8  `json:"channel"`
	PanID    uint16 `json:"pan_id"`
	ExtPanID string `json:"ext_pan_id"`
	Formed   bool   `json:"formed"`
}

// EntityEntry binds a stable unique id (device + endpoint + platform) to the
// entity id it was first registered under.
type EntityEntry struct {
	UniqueID   string    `json:"unique_id"`
	EntityID   string    `json:"entity_id"`
	Platform   string    `json:"platform"`
	DeviceIEEE string    `json:"device_ieee"`
	Endpoint   uint8     `json:"endpoint"`
	CreatedAt  time.Time `json:"created_at"`
}

// RestoreState is the last known state of an entity, kept across restarts.
type RestoreState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged time.Time      `json:"last_changed"`
	SavedAt     time.Time      `json:"saved_at"`
}
