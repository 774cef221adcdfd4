//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"zigbee-lock-hub/internal/core"
	"zigbee-lock-hub/internal/zha"
)

// Lock payloads exchanged with Home Assistant.
const (
	payloadLock     = "LOCK"
	payloadUnlock   = "UNLOCK"
	stateLocked     = "LOCKED"
	stateUnlocked   = "UNLOCKED"
	payloadOnline   = "online"
	payloadOffline  = "offline"
	discoveryPrefix = "homeassistant"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/lock/zigbee_00158D.../lock/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haLockDiscovery is the discovery payload of an MQTT lock.
type haLockDiscovery struct {
	Name             string           `json:"name"`
	UniqueID         string           `json:"unique_id"`
	ObjectID         string           `json:"object_id"`
	StateTopic       string           `json:"state_topic"`
	CommandTopic     string           `json:"command_topic"`
	ValueTemplate    string           `json:"value_template"`
	PayloadLock      string           `json:"payload_lock"`
	PayloadUnlock    string           `json:"payload_unlock"`
	StateLocked      string           `json:"state_locked"`
	StateUnlocked    string           `json:"state_unlocked"`
	Availability     []haAvailability `json:"availability"`
	AvailabilityMode string           `json:"availability_mode"`
	Device           haDevice         `json:"device"`
}

// lockTopics are the topics of one lock entity.
type lockTopics struct {
	state        string
	command      string
	availability string
}

func topicsFor(prefix, entityID string) lockTopics {
	_, objectID := core.SplitEntityID(entityID)
	base := prefix + "/" + objectID
	return lockTopics{
		state:        base,
		command:      base + "/set",
		availability: base + "/availability",
	}
}

// deviceIdentifier returns the unique identifier for the HA device registry.
func deviceIdentifier(ieee string) string {
	return "zigbee_" + ieee
}

// discoveryTopic is where a lock entity's config is retained. Locks on
// endpoints other than 1 get the endpoint in the object id.
func discoveryTopic(ieee string, endpoint uint8) string {
	object := "lock"
	if endpoint != 1 {
		object = fmt.Sprintf("lock_%d", endpoint)
	}
	return fmt.Sprintf("%s/lock/%s/%s/config", discoveryPrefix, deviceIdentifier(ieee), object)
}

func lockEndpoint(e *zha.LockEntity) uint8 {
	return e.DoorLock().Cluster().Endpoint().ID
}

// buildLockDiscovery generates the HA discovery message for a lock entity.
func buildLockDiscovery(e *zha.LockEntity, prefix string) discoveryMsg {
	dev := e.Device()
	topics := topicsFor(prefix, e.EntityID())
	_, objectID := core.SplitEntityID(e.EntityID())
	payload := haLockDiscovery{
		Name:          dev.Name(),
		UniqueID:      e.UniqueID(),
		ObjectID:      objectID,
		StateTopic:    topics.state,
		CommandTopic:  topics.command,
		ValueTemplate: "{{ value_json.state }}",
		PayloadLock:   payloadLock,
		PayloadUnlock: payloadUnlock,
		StateLocked:   stateLocked,
		StateUnlocked: stateUnlocked,
		Availability: []haAvailability{
			{Topic: prefix + "/bridge/state"},
			{Topic: topics.availability},
		},
		AvailabilityMode: "all",
		Device: haDevice{
			Identifiers:  []string{deviceIdentifier(dev.IEEE)},
			Manufacturer: dev.Manufacturer,
			Model:        dev.Model,
			Name:         dev.Name(),
		},
	}
	return discoveryMsg{
		Topic:   discoveryTopic(dev.IEEE, lockEndpoint(e)),
		Payload: mustJSON(payload),
	}
}

// buildRemoveDiscovery generates the empty retained message that removes a
// lock from HA.
func buildRemoveDiscovery(ieee string, endpoint uint8) discoveryMsg {
	return discoveryMsg{Topic: discoveryTopic(ieee, endpoint)}
}

// statePayload converts an entity state to the state topic payload. ok is
// false for states that are published on the availability topic instead.
func statePayload(st *core.State) (payload map[string]any, ok bool) {
	var s string
	switch st.State {
	case zha.StateLocked:
		s = stateLocked
	case zha.StateUnlocked:
		s = stateUnlocked
	default:
		return nil, false
	}
	payload = map[string]any{"state": s}
	if b, ok := st.Attributes["battery_level"]; ok {
		payload["battery"] = b
	}
	return payload, true
}
