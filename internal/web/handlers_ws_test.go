package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"zigbee-lock-hub/internal/core"
)

func newTestWSHub(t *testing.T) *WSHub {
	t.Helper()
	hub := NewWSHub(newTestLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func clientCount(h *WSHub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestWSHub(t)

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)
	if n := clientCount(hub); n != 1 {
		t.Errorf("after register: count = %d, want 1", n)
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)
	if n := clientCount(hub); n != 0 {
		t.Errorf("after unregister: count = %d, want 0", n)
	}
	if _, ok := <-client.send; ok {
		t.Error("send channel open after unregister")
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestWSHub(t)

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(wsMessage{Type: core.EventStateChanged, Data: map[string]string{"entity_id": "lock.a"}})
	time.Sleep(10 * time.Millisecond)

	for i, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			want := `{"event_type":"state_changed","data":{"entity_id":"lock.a"}}`
			if string(msg) != want {
				t.Errorf("client %d got %s, want %s", i, msg, want)
			}
		default:
			t.Errorf("client %d did not receive broadcast", i)
		}
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestWSHub(t)

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast("msg1")
	time.Sleep(10 * time.Millisecond)
	hub.Broadcast("msg2")
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()
	if slowPresent {
		t.Error("slow client was not evicted")
	}
	if !fastPresent {
		t.Error("fast client was evicted")
	}
}

func TestWSHubBroadcastNeverBlocks(t *testing.T) {
	hub := NewWSHub(newTestLogger()) // not running, so nothing drains

	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			hub.Broadcast(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when the queue was full")
	}
}

func TestWSHubStop(t *testing.T) {
	hub := NewWSHub(newTestLogger())
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send open after hub stop")
	}
}

func TestWSHubUnregisterUnknownClient(t *testing.T) {
	hub := newTestWSHub(t)

	unknown := &wsClient{send: make(chan []byte, 16)}
	hub.unregister <- unknown
	time.Sleep(10 * time.Millisecond)

	select {
	case unknown.send <- []byte("test"):
	default:
		t.Error("unregistering an unknown client closed its channel")
	}
}

func readWS(t *testing.T, ctx context.Context, conn *websocket.Conn) wsMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestWSStreamsStateChanges(t *testing.T) {
	env := newTestEnvWith(t, nil)
	if err := env.hub.States().Set("lock.front", "locked", nil, core.Context{}); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	snap := readWS(t, ctx, conn)
	if snap.Type != "states" {
		t.Fatalf("first message type = %q, want states", snap.Type)
	}
	if states, _ := snap.Data.([]any); len(states) != 1 {
		t.Errorf("snapshot = %v", snap.Data)
	}

	// The hub registers the client asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for clientCount(env.srv.wsHub) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := env.hub.States().Set("lock.front", "unlocked", nil, core.Context{}); err != nil {
		t.Fatal(err)
	}

	msg := readWS(t, ctx, conn)
	if msg.Type != core.EventStateChanged {
		t.Fatalf("type = %q", msg.Type)
	}
	data, _ := msg.Data.(map[string]any)
	newState, _ := data["new_state"].(map[string]any)
	if data["entity_id"] != "lock.front" || newState["state"] != "unlocked" {
		t.Errorf("data = %v", msg.Data)
	}
}

func TestWSRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, WithAllowedOrigins([]string{"hub.local"}))
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{HTTPHeader: map[string][]string{"Origin": {"http://evil.example"}}}
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", opts)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("dial from foreign origin succeeded")
	}
}

func TestWSHubFiltersByEntity(t *testing.T) {
	hub := newTestWSHub(t)

	all := &wsClient{send: make(chan []byte, 16)}
	front := &wsClient{send: make(chan []byte, 16)}
	front.subscribe([]string{"lock.front"})
	hub.register <- all
	hub.register <- front
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(wsMessage{Type: core.EventStateChanged, Data: core.StateChangedData{EntityID: "lock.back"}})
	hub.Broadcast(wsMessage{Type: core.EventStateChanged, Data: core.StateChangedData{EntityID: "lock.front"}})
	time.Sleep(10 * time.Millisecond)

	if n := len(all.send); n != 2 {
		t.Errorf("unfiltered client got %d messages, want 2", n)
	}
	if n := len(front.send); n != 1 {
		t.Fatalf("filtered client got %d messages, want 1", n)
	}
	if msg := <-front.send; !strings.Contains(string(msg), `"entity_id":"lock.front"`) {
		t.Errorf("filtered client got %s", msg)
	}
}

func TestWSClientWants(t *testing.T) {
	c := &wsClient{}
	if !c.wants("lock.a") {
		t.Error("new client should want every entity")
	}
	c.subscribe([]string{"lock.a"})
	if !c.wants("lock.a") || c.wants("lock.b") {
		t.Error("subscription not applied")
	}
	if !c.wants("") {
		t.Error("messages without an entity go to everyone")
	}
	c.subscribe([]string{})
	if c.wants("lock.a") {
		t.Error("empty subscription should want nothing")
	}
	c.subscribe(nil)
	if !c.wants("lock.b") {
		t.Error("subscribe(nil) should restore every entity")
	}
}

func TestWSSubscribeEntities(t *testing.T) {
	env := newTestEnvWith(t, nil)
	for _, id := range []string{"lock.front", "lock.back"} {
		if err := env.hub.States().Set(id, "locked", nil, core.Context{}); err != nil {
			t.Fatal(err)
		}
	}
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if snap := readWS(t, ctx, conn); len(snap.Data.([]any)) != 2 {
		t.Fatalf("initial snapshot = %v", snap.Data)
	}

	sub := `{"type":"subscribe_entities","entity_ids":["lock.back"]}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(sub)); err != nil {
		t.Fatal(err)
	}
	snap := readWS(t, ctx, conn)
	states, _ := snap.Data.([]any)
	if snap.Type != "states" || len(states) != 1 {
		t.Fatalf("subscription snapshot = %+v", snap)
	}

	if err := env.hub.States().Set("lock.front", "unlocked", nil, core.Context{}); err != nil {
		t.Fatal(err)
	}
	if err := env.hub.States().Set("lock.back", "unlocked", nil, core.Context{}); err != nil {
		t.Fatal(err)
	}
	msg := readWS(t, ctx, conn)
	data, _ := msg.Data.(map[string]any)
	if msg.Type != core.EventStateChanged || data["entity_id"] != "lock.back" {
		t.Errorf("got %+v, want lock.back change only", msg)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatal(err)
	}
	if msg := readWS(t, ctx, conn); msg.Type != "error" {
		t.Errorf("unknown command reply = %+v", msg)
	}
}
