package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"zigbee-lock-hub/internal/core"
	"zigbee-lock-hub/internal/metrics"
)

// Websocket frame types.
const (
	wsTypeStates           = "states"
	wsTypeError            = "error"
	wsCmdSubscribeEntities = "subscribe_entities"
	wsCmdSubscribeAll      = "subscribe_all"
)

// wsMessage is one frame sent to websocket clients.
type wsMessage struct {
	Type string `json:"event_type"`
	Data any    `json:"data"`
}

// wsCommand is a frame sent by a client. subscribe_entities narrows the
// stream to the listed entities, subscribe_all widens it again.
type wsCommand struct {
	Type      string   `json:"type"`
	EntityIDs []string `json:"entity_ids"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	entities map[string]bool // nil means every entity
}

func (c *wsClient) wants(entityID string) bool {
	if entityID == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entities == nil || c.entities[entityID]
}

func (c *wsClient) subscribe(entityIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entityIDs == nil {
		c.entities = nil
		return
	}
	c.entities = make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		c.entities[id] = true
	}
}

// wsReply is a frame addressed to one client.
type wsReply struct {
	client *wsClient
	data   []byte
}

// WSHub fans out state changes to websocket clients. It is the only writer
// to a registered client's send channel; a client that cannot keep up is
// dropped.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan any
	reply      chan wsReply

	done     chan struct{}
	stopOnce sync.Once
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan any, 256),
		reply:      make(chan wsReply, 16),
		done:       make(chan struct{}),
	}
}

// Run is the hub loop. It returns after Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebsocketClients.Inc()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case r := <-h.reply:
			h.mu.Lock()
			if _, ok := h.clients[r.client]; ok {
				h.deliver([]*wsClient{r.client}, r.data)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("ws marshal", "err", err)
				continue
			}
			entityID := messageEntity(msg)
			h.mu.Lock()
			targets := make([]*wsClient, 0, len(h.clients))
			for client := range h.clients {
				if client.wants(entityID) {
					targets = append(targets, client)
				}
			}
			h.deliver(targets, data)
			h.mu.Unlock()
		}
	}
}

// deliver queues data for each client and evicts the ones whose queue is
// full. h.mu must be held.
func (h *WSHub) deliver(clients []*wsClient, data []byte) {
	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			h.drop(client)
			h.logger.Warn("ws client evicted (too slow)")
		}
	}
}

// drop forgets a client and closes its queue. h.mu must be held.
func (h *WSHub) drop(client *wsClient) {
	delete(h.clients, client)
	close(client.send)
	metrics.WebsocketClients.Dec()
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues msg for every interested client. It never blocks.
func (h *WSHub) Broadcast(msg any) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws broadcast channel full, dropping message")
	}
}

// send queues msg for one registered client.
func (h *WSHub) send(client *wsClient, msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal", "err", err)
		return
	}
	select {
	case h.reply <- wsReply{client: client, data: data}:
	case <-h.done:
	}
}

// messageEntity returns the entity a broadcast is about, or "" when every
// client should get it.
func messageEntity(msg any) string {
	m, ok := msg.(wsMessage)
	if !ok {
		return ""
	}
	if d, ok := m.Data.(core.StateChangedData); ok {
		return d.EntityID
	}
	return ""
}

// statesMessage is the snapshot of the states the client is subscribed to.
func (s *Server) statesMessage(client *wsClient) wsMessage {
	states := make([]*core.State, 0)
	for _, st := range s.hub.States().All() {
		if client.wants(st.EntityID) {
			states = append(states, st)
		}
	}
	return wsMessage{Type: wsTypeStates, Data: states}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Without patterns the library only accepts same-origin upgrades.
	opts := &websocket.AcceptOptions{OriginPatterns: s.allowedOrigins}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	// The snapshot is queued before the hub owns the channel.
	if data, err := json.Marshal(s.statesMessage(client)); err == nil {
		client.send <- data
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleWSCommand(client, data)
	}
}

func (s *Server) handleWSCommand(client *wsClient, data []byte) {
	var cmd wsCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.wsHub.send(client, wsMessage{Type: wsTypeError, Data: "invalid JSON: " + err.Error()})
		return
	}
	switch cmd.Type {
	case wsCmdSubscribeEntities:
		ids := cmd.EntityIDs
		if ids == nil {
			ids = []string{}
		}
		client.subscribe(ids)
	case wsCmdSubscribeAll:
		client.subscribe(nil)
	default:
		s.wsHub.send(client, wsMessage{Type: wsTypeError, Data: fmt.Sprintf("unknown command %q", cmd.Type)})
		return
	}
	s.wsHub.send(client, s.statesMessage(client))
}
