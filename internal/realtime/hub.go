// Package realtime provides WebSocket streaming of settlement progress
// and peg activity, so wallets and dashboards follow a settlement
// through its phases without polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shplabs/shpbridge/internal/bridge"
	"github.com/shplabs/shpbridge/internal/kes"
	"github.com/shplabs/shpbridge/internal/metrics"
	"github.com/shplabs/shpbridge/internal/oracle"
	"github.com/shplabs/shpbridge/internal/rebase"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000

	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// EventType classifies pushed events.
type EventType string

const (
	EventSettlement EventType = "settlement"
	EventPegUpdate  EventType = "peg_update"
	EventRebase     EventType = "rebase"
)

// Event is the wire envelope for everything the hub pushes.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// SettlementUpdate is the settlement payload pushed to clients.
type SettlementUpdate struct {
	RequestID      string `json:"requestId"`
	Type           string `json:"settlementType"`
	UserID         string `json:"userId"`
	CounterpartyID string `json:"counterpartyId,omitempty"`
	Rail           string `json:"rail,omitempty"`
	Phase          string `json:"phase"`
	Amount         string `json:"amount"`
}

// Subscription is what a client asks to receive. Clients send one as a
// JSON text frame; each frame replaces the previous subscription.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	UserIDs    []string    `json:"userIds"`
}

// matches reports whether an event passes the subscription's filters.
// The user filter only constrains settlement events; peg and rebase
// events are network-wide.
func (sub Subscription) matches(event *Event) bool {
	if sub.AllEvents {
		return true
	}

	if len(sub.EventTypes) > 0 && !containsType(sub.EventTypes, event.Type) {
		return false
	}

	if len(sub.UserIDs) > 0 && event.Type == EventSettlement {
		update, ok := event.Data.(SettlementUpdate)
		if !ok {
			return false
		}
		for _, id := range sub.UserIDs {
			if id == update.UserID || id == update.CounterpartyID {
				return true
			}
		}
		return false
	}

	return true
}

func containsType(types []EventType, t EventType) bool {
	for _, et := range types {
		if et == t {
			return true
		}
	}
	return false
}

// Client is one WebSocket connection and its subscription.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// Hub fans events out to connected WebSocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	broadcast  chan *Event
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. Run must be called before events flow.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run delivers broadcast events until ctx is cancelled, then closes
// every client connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

// deliver fans one event out. Clients whose send buffer is full are
// dropped rather than letting one slow reader stall the rest.
func (h *Hub) deliver(event *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("event marshal failed", "type", event.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !h.shouldSend(client, event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("dropping slow websocket client")
		h.removeClient(client)
	}
}

func (h *Hub) shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()
	return sub.matches(event)
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.totalClients.Add(1)
	if current := int64(len(h.clients)); current > h.peakClients.Load() {
		h.peakClients.Store(current)
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("client connected", "total", n)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Info("client disconnected", "total", n)
	}
}

// Broadcast queues an event for delivery. Never blocks; when the queue
// is full the event is dropped with a warning.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// SettlementUpdated implements bridge.Notifier.
func (h *Hub) SettlementUpdated(s *bridge.Settlement) {
	h.Broadcast(&Event{
		Type:      EventSettlement,
		Timestamp: time.Now(),
		Data: SettlementUpdate{
			RequestID:      s.RequestID,
			Type:           string(s.Type),
			UserID:         s.UserID,
			CounterpartyID: s.CounterpartyID,
			Rail:           string(s.Rail),
			Phase:          string(s.Phase),
			Amount:         kes.Format(s.Amount),
		},
	})
}

// PegUpdated implements oracle.Notifier.
func (h *Hub) PegUpdated(state oracle.ReserveState) {
	h.Broadcast(&Event{Type: EventPegUpdate, Timestamp: time.Now(), Data: state})
}

// RebaseApplied implements rebase.Notifier.
func (h *Hub) RebaseApplied(e rebase.Event) {
	h.Broadcast(&Event{Type: EventRebase, Timestamp: time.Now(), Data: e})
}

// Stats returns hub statistics for the info endpoint.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades the request and starts the client's pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		// Hub already stopped; an upgrade now would orphan the connection.
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}
	h.addClient(client)

	go client.writePump()
	go client.readPump()
}

// readPump consumes frames from the connection. Incoming text frames
// are parsed as subscription updates.
func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump drains the send channel to the connection and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
