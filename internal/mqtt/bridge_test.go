//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zigbee-lock-hub/internal/coordinator"
	"zigbee-lock-hub/internal/core"
	"zigbee-lock-hub/internal/events"
	"zigbee-lock-hub/internal/store"
	"zigbee-lock-hub/internal/zcl"
	"zigbee-lock-hub/internal/zcl/clusters"
	"zigbee-lock-hub/internal/zha"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeToken struct{ done chan struct{} }

func newFakeToken() *fakeToken {
	t := &fakeToken{done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                       { return true }
func (t *fakeToken) WaitTimeout(_ time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}            { return t.done }
func (t *fakeToken) Error() error                     { return nil }

type published struct {
	payload  []byte
	retained bool
}

// fakeClient records publishes and subscriptions. Methods the bridge does
// not use panic through the nil embedded interface.
type fakeClient struct {
	pahomqtt.Client

	mu       sync.Mutex
	messages map[string]published
	handlers map[string]pahomqtt.MessageHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		messages: make(map[string]published),
		handlers: make(map[string]pahomqtt.MessageHandler),
	}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := payload.([]byte)
	c.messages[topic] = published{payload: b, retained: retained}
	return newFakeToken()
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = cb
	return newFakeToken()
}

func (c *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return newFakeToken()
}

func (c *fakeClient) Disconnect(quiesce uint) {}

func (c *fakeClient) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.messages[topic]
	return p, ok
}

func (c *fakeClient) handler(topic string) pahomqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[topic]
}

type fakeMessage struct {
	pahomqtt.Message
	payload []byte
}

func (m fakeMessage) Payload() []byte { return m.payload }

// lockTransport acknowledges every command and remembers the last one.
type lockTransport struct {
	mu      sync.Mutex
	lastCmd int
}

func (t *lockTransport) Request(ctx context.Context, req zha.Request) (zcl.Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastCmd = int(req.CommandID)
	return zcl.StatusSuccess, nil
}

func (t *lockTransport) ReadAttributes(ctx context.Context, nwk uint16, endpoint uint8, clusterID uint16, attrIDs []uint16) ([]coordinator.AttributeResult, error) {
	return nil, nil
}

func (t *lockTransport) command() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCmd
}

const testIEEE = "00158D0001A2B3C4"

type testBridge struct {
	bridge    *Bridge
	client    *fakeClient
	hub       *core.Hub
	gw        *zha.Gateway
	transport *lockTransport
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	logger := newTestLogger()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	registry := zcl.NewRegistry(logger)
	for _, c := range clusters.Standard() {
		registry.Register(c)
	}
	hub := core.NewHub(events.NewBus(logger), logger)
	tr := &lockTransport{lastCmd: -1}
	gw := zha.NewGateway(hub, st, registry, tr, zha.Config{}, logger)
	if err := gw.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(gw.Stop)

	client := newFakeClient()
	b := newBridge(hub, gw, "zigbee", logger)
	b.client = client
	b.Start()
	t.Cleanup(b.Stop)
	return &testBridge{bridge: b, client: client, hub: hub, gw: gw, transport: tr}
}

func (tb *testBridge) join(t *testing.T) *zha.Device {
	t.Helper()
	d, err := tb.gw.JoinDevice(&store.Device{
		IEEEAddress:  testIEEE,
		ShortAddress: 0xB79C,
		Manufacturer: "Yale",
		Model:        "YRD226",
		PowerSource:  0x03,
		Interviewed:  true,
		LastSeen:     time.Now(),
		Endpoints: []store.Endpoint{{
			ID:         1,
			ProfileID:  0x0104,
			DeviceID:   zha.DeviceTypeDoorLock,
			InClusters: []uint16{clusters.BasicID, clusters.DoorLockID},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

const (
	testEntityID       = "lock.yale_yrd226_b3c4"
	testDiscoveryTopic = "homeassistant/lock/zigbee_00158D0001A2B3C4/lock/config"
	testStateTopic     = "zigbee/yale_yrd226_b3c4"
	testCommandTopic   = "zigbee/yale_yrd226_b3c4/set"
	testAvailTopic     = "zigbee/yale_yrd226_b3c4/availability"
)

func TestBridgeDiscoveryPayload(t *testing.T) {
	tb := newTestBridge(t)
	tb.join(t)

	msg, ok := tb.client.last(testDiscoveryTopic)
	if !ok || !msg.retained {
		t.Fatalf("discovery not retained: %+v (%v)", msg, ok)
	}
	var payload haLockDiscovery
	if err := json.Unmarshal(msg.payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Name != "Yale YRD226" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.UniqueID != testIEEE+"-1" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.StateTopic != testStateTopic || payload.CommandTopic != testCommandTopic {
		t.Errorf("topics = %q %q", payload.StateTopic, payload.CommandTopic)
	}
	if payload.PayloadLock != "LOCK" || payload.StateLocked != "LOCKED" {
		t.Errorf("payloads = %q %q", payload.PayloadLock, payload.StateLocked)
	}
	if len(payload.Availability) != 2 || payload.Availability[0].Topic != "zigbee/bridge/state" ||
		payload.Availability[1].Topic != testAvailTopic {
		t.Errorf("availability = %+v", payload.Availability)
	}
	if payload.Device.Identifiers[0] != "zigbee_"+testIEEE || payload.Device.Manufacturer != "Yale" {
		t.Errorf("device = %+v", payload.Device)
	}
}

func TestBridgePublishesState(t *testing.T) {
	tb := newTestBridge(t)
	d := tb.join(t)

	if msg, _ := tb.client.last(testAvailTopic); string(msg.payload) != "offline" {
		t.Errorf("availability = %q, want offline", msg.payload)
	}

	tb.gw.EnableTraffic(d)
	d.Endpoint(1).InCluster(clusters.DoorLockID).UpdateAttribute(clusters.AttrLockState, uint8(clusters.LockStateLocked))

	if msg, _ := tb.client.last(testAvailTopic); string(msg.payload) != "online" {
		t.Errorf("availability = %q, want online", msg.payload)
	}
	msg, ok := tb.client.last(testStateTopic)
	if !ok {
		t.Fatal("no state published")
	}
	var state map[string]any
	if err := json.Unmarshal(msg.payload, &state); err != nil {
		t.Fatal(err)
	}
	if state["state"] != "LOCKED" {
		t.Errorf("state = %v, want LOCKED", state["state"])
	}
}

func TestBridgeCommandCallsService(t *testing.T) {
	tb := newTestBridge(t)
	d := tb.join(t)
	tb.gw.EnableTraffic(d)

	h := tb.client.handler(testCommandTopic)
	if h == nil {
		t.Fatal("command topic not subscribed")
	}

	h(tb.client, fakeMessage{payload: []byte("LOCK")})
	tb.hub.BlockTillDone()
	if got := tb.transport.command(); got != int(clusters.CmdLockDoor) {
		t.Errorf("command = %d, want lock", got)
	}

	h(tb.client, fakeMessage{payload: []byte(`{"state": "unlock"}`)})
	tb.hub.BlockTillDone()
	if got := tb.transport.command(); got != int(clusters.CmdUnlockDoor) {
		t.Errorf("command = %d, want unlock", got)
	}
}

func TestBridgeCommandParse(t *testing.T) {
	tb := newTestBridge(t)
	tb.join(t)

	tests := []struct {
		payload string
		wantErr bool
	}{
		{"LOCK", false},
		{" unlock\n", false},
		{`{"state":"LOCK"}`, false},
		{"OPEN", true},
		{`{"state":`, true},
		{"", true},
	}
	for _, tt := range tests {
		err := tb.bridge.handleCommand(testEntityID, []byte(tt.payload))
		if (err != nil) != tt.wantErr {
			t.Errorf("handleCommand(%q) err = %v, wantErr %v", tt.payload, err, tt.wantErr)
		}
	}
	tb.hub.BlockTillDone()
}

func TestBridgeWithdrawsRemovedLock(t *testing.T) {
	tb := newTestBridge(t)
	tb.join(t)

	tb.gw.RemoveDevice(testIEEE)

	msg, ok := tb.client.last(testDiscoveryTopic)
	if !ok || len(msg.payload) != 0 || !msg.retained {
		t.Errorf("discovery not cleared: %+v", msg)
	}
	if tb.client.handler(testCommandTopic) != nil {
		t.Error("command topic still subscribed")
	}
}

func TestBridgeIgnoresOtherDomains(t *testing.T) {
	tb := newTestBridge(t)
	tb.hub.States().Set("sensor.outdoor", "21", nil, core.Context{})
	if _, ok := tb.client.last("zigbee/outdoor"); ok {
		t.Error("non-lock state published")
	}
}

func TestBridgePublishAllOnConnect(t *testing.T) {
	tb := newTestBridge(t)
	d := tb.join(t)
	tb.gw.EnableTraffic(d)

	// A fresh session: forget everything the broker saw.
	tb.client = newFakeClient()
	tb.bridge.client = tb.client
	tb.bridge.publishAll()

	if _, ok := tb.client.last(testDiscoveryTopic); !ok {
		t.Error("discovery not republished")
	}
	if tb.client.handler(testCommandTopic) == nil {
		t.Error("command topic not resubscribed")
	}
	if msg, _ := tb.client.last(testStateTopic); len(msg.payload) == 0 {
		t.Error("state not republished")
	}
}

func TestDiscoveryTopicEndpoint(t *testing.T) {
	if got := discoveryTopic(testIEEE, 1); got != testDiscoveryTopic {
		t.Errorf("ep1 topic = %q", got)
	}
	if got := discoveryTopic(testIEEE, 2); got != "homeassistant/lock/zigbee_00158D0001A2B3C4/lock_2/config" {
		t.Errorf("ep2 topic = %q", got)
	}
}

func TestStatePayload(t *testing.T) {
	tests := []struct {
		state  string
		attrs  map[string]any
		want   string
		wantOK bool
	}{
		{zha.StateLocked, nil, "LOCKED", true},
		{zha.StateUnlocked, map[string]any{"battery_level": 50.0}, "UNLOCKED", true},
		{core.StateUnavailable, nil, "", false},
	}
	for _, tt := range tests {
		p, ok := statePayload(&core.State{EntityID: testEntityID, State: tt.state, Attributes: tt.attrs})
		if ok != tt.wantOK {
			t.Errorf("%s: ok = %v", tt.state, ok)
			continue
		}
		if ok && p["state"] != tt.want {
			t.Errorf("%s: payload = %v", tt.state, p)
		}
		if tt.attrs != nil && p["battery"] != 50.0 {
			t.Errorf("%s: battery = %v", tt.state, p["battery"])
		}
	}
}

func TestMustJSON(t *testing.T) {
	if got := string(mustJSON(map[string]any{"state": "LOCKED"})); got != `{"state":"LOCKED"}` {
		t.Errorf("mustJSON = %s", got)
	}
	if got := string(mustJSON(func() {})); got != "{}" {
		t.Errorf("mustJSON(func) = %s", got)
	}
}
