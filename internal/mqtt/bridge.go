//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zigbee-lock-hub/internal/core"
	"zigbee-lock-hub/internal/events"
	"zigbee-lock-hub/internal/zha"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// entityRef remembers where a lock was announced so it can be withdrawn
// after the gateway has forgotten it.
type entityRef struct {
	ieee     string
	endpoint uint8
}

// Bridge mirrors lock entities to MQTT with HA autodiscovery and turns
// LOCK/UNLOCK commands into lock service calls.
type Bridge struct {
	client pahomqtt.Client
	hub    *core.Hub
	gw     *zha.Gateway
	prefix string
	logger *slog.Logger
	unsub  func()

	mu        sync.Mutex
	announced map[string]entityRef // entity id -> device
}

func newBridge(hub *core.Hub, gw *zha.Gateway, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		hub:       hub,
		gw:        gw,
		prefix:    prefix,
		logger:    logger.With("component", "mqtt"),
		announced: make(map[string]entityRef),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(hub *core.Hub, gw *zha.Gateway, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(hub, gw, cfg.TopicPrefix, logger)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zigbee-lock-hub"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", payloadOffline, 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState(payloadOnline)
			b.publishAll()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// Assigned before connecting: the connect handler publishes through it.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to state changes and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.hub.Bus().On(core.EventStateChanged, b.handleStateChanged)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState(payloadOffline)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleStateChanged(event events.Event) {
	data, ok := event.Data.(core.StateChangedData)
	if !ok {
		return
	}
	if domain, _ := core.SplitEntityID(data.EntityID); domain != zha.PlatformLock {
		return
	}
	if data.NewState == nil {
		b.withdraw(data.EntityID)
		return
	}

	b.mu.Lock()
	_, known := b.announced[data.EntityID]
	b.mu.Unlock()
	if !known {
		e := b.gw.Entity(data.EntityID)
		if e == nil {
			return
		}
		b.announce(e)
	}
	b.publishState(data.NewState)
}

// announce publishes discovery for a lock and subscribes to its command topic.
func (b *Bridge) announce(e *zha.LockEntity) {
	entityID := e.EntityID()
	b.mu.Lock()
	b.announced[entityID] = entityRef{ieee: e.Device().IEEE, endpoint: lockEndpoint(e)}
	b.mu.Unlock()

	msg := buildLockDiscovery(e, b.prefix)
	b.publish(msg.Topic, msg.Payload, true)

	topic := topicsFor(b.prefix, entityID).command
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, m pahomqtt.Message) {
		if err := b.handleCommand(entityID, m.Payload()); err != nil {
			b.logger.Warn("lock command", "entity_id", entityID, "err", err)
		}
	})
	b.logger.Info("published HA discovery", "entity_id", entityID, "name", e.Device().Name())
}

// withdraw removes a lock from HA and clears its retained state.
func (b *Bridge) withdraw(entityID string) {
	b.mu.Lock()
	ref, ok := b.announced[entityID]
	delete(b.announced, entityID)
	b.mu.Unlock()
	if !ok {
		return
	}

	topics := topicsFor(b.prefix, entityID)
	b.client.Unsubscribe(topics.command)
	msg := buildRemoveDiscovery(ref.ieee, ref.endpoint)
	b.publish(msg.Topic, msg.Payload, true)
	b.publish(topics.state, nil, true)
	b.publish(topics.availability, nil, true)
	b.logger.Info("removed HA discovery", "entity_id", entityID)
}

func (b *Bridge) publishState(st *core.State) {
	topics := topicsFor(b.prefix, st.EntityID)
	payload, ok := statePayload(st)
	if !ok {
		b.publish(topics.availability, []byte(payloadOffline), true)
		return
	}
	b.publish(topics.availability, []byte(payloadOnline), true)
	b.publish(topics.state, mustJSON(payload), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// publishAll announces every lock and republishes its state. Called on
// every (re)connect since subscriptions do not survive a new session.
func (b *Bridge) publishAll() {
	for _, e := range b.gw.Entities() {
		b.announce(e)
		if st := b.hub.States().Get(e.EntityID()); st != nil {
			b.publishState(st)
		}
	}
}

// handleCommand accepts "LOCK"/"UNLOCK" as a raw payload or as
// {"state": "LOCK"} and calls the matching lock service.
func (b *Bridge) handleCommand(entityID string, payload []byte) error {
	cmd := strings.TrimSpace(string(payload))
	if strings.HasPrefix(cmd, "{") {
		var obj struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(payload, &obj); err != nil {
			return fmt.Errorf("invalid command JSON: %w", err)
		}
		cmd = obj.State
	}

	var service string
	switch strings.ToUpper(cmd) {
	case payloadLock:
		service = zha.ServiceLock
	case payloadUnlock:
		service = zha.ServiceUnlock
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return b.hub.Services().Call(context.Background(), zha.PlatformLock, service,
		map[string]any{"entity_id": entityID}, false)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
