package zha

import (
	"fmt"
	"regexp"
	"strings"

	"zigbee-lock-hub/internal/zcl/clusters"
)

// Platforms.
const (
	PlatformLock = "lock"
)

// DeviceTypeDoorLock is the Home Automation profile device id of a door lock.
const DeviceTypeDoorLock uint16 = 0x000A

// EntityDescription is a discovered entity before it is created.
type EntityDescription struct {
	Platform string
	Endpoint *Endpoint
}

// UniqueID identifies the entity across restarts.
func (d EntityDescription) UniqueID() string {
	return fmt.Sprintf("%s-%d", d.Endpoint.device.IEEE, d.Endpoint.ID)
}

// Discover lists the entities a device provides: one lock per endpoint
// serving the Door Lock cluster. A DOOR_LOCK device type without the
// cluster has nothing to command and yields no entity.
func Discover(dev *Device) []EntityDescription {
	var out []EntityDescription
	for _, ep := range dev.Endpoints() {
		if ep.InCluster(clusters.DoorLockID) != nil {
			out = append(out, EntityDescription{Platform: PlatformLock, Endpoint: ep})
		}
	}
	return out
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and joins runs of other characters with "_".
func Slugify(s string) string {
	s = nonSlug.ReplaceAllString(strings.ToLower(s), "_")
	return strings.Trim(s, "_")
}

// suggestedObjectID builds "<manufacturer> <model> <ieee tail>" as a slug,
// with the endpoint appended for endpoints other than 1.
func suggestedObjectID(desc EntityDescription) string {
	dev := desc.Endpoint.device
	tail := dev.IEEE
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	parts := []string{dev.Manufacturer, dev.Model, tail}
	if desc.Endpoint.ID != 1 {
		parts = append(parts, fmt.Sprintf("%d", desc.Endpoint.ID))
	}
	slug := Slugify(strings.Join(parts, " "))
	if slug == "" {
		slug = "zigbee"
	}
	return slug
}
