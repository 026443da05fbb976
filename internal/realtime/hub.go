// Package realtime streams score and override changes to investigators over
// WebSocket. Clients connect, optionally send a Subscription to narrow the
// feed, and receive one JSON Event per change.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/sybilguard/internal/metrics"
)

const (
	// DefaultMaxClients bounds concurrent WebSocket connections.
	DefaultMaxClients = 10000

	sendBuffer     = 256
	maxMessageSize = 16 << 10
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventType names a change pushed to subscribers.
type EventType string

const (
	EventScoreUpdated      EventType = "score.updated"
	EventOverrideSet       EventType = "override.set"
	EventOverrideCleared   EventType = "override.cleared"
	EventFingerprintPurged EventType = "fingerprint.purged"
)

// Event is one frame on the stream.
type Event struct {
	Type      EventType   `json:"type"`
	Wallet    string      `json:"wallet"`
	Tier      string      `json:"tier,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Tiered payloads expose the effective tier so subscribers can filter on it.
type Tiered interface {
	StreamTier() string
}

// Subscription narrows a client's feed. Every non-empty list must match;
// an empty Subscription receives everything.
type Subscription struct {
	EventTypes []EventType `json:"eventTypes,omitempty"`
	Wallets    []string    `json:"wallets,omitempty"`
	Tiers      []string    `json:"tiers,omitempty"`
}

// filter is a Subscription compiled into lookup sets.
type filter struct {
	types   map[EventType]struct{}
	wallets map[string]struct{}
	tiers   map[string]struct{}
}

func compile(sub Subscription) filter {
	f := filter{}
	if len(sub.EventTypes) > 0 {
		f.types = make(map[EventType]struct{}, len(sub.EventTypes))
		for _, t := range sub.EventTypes {
			f.types[t] = struct{}{}
		}
	}
	if len(sub.Wallets) > 0 {
		f.wallets = make(map[string]struct{}, len(sub.Wallets))
		for _, w := range sub.Wallets {
			f.wallets[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
		}
	}
	if len(sub.Tiers) > 0 {
		f.tiers = make(map[string]struct{}, len(sub.Tiers))
		for _, t := range sub.Tiers {
			f.tiers[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
		}
	}
	return f
}

func (f filter) match(e *Event) bool {
	if f.types != nil {
		if _, ok := f.types[e.Type]; !ok {
			return false
		}
	}
	if f.wallets != nil {
		if _, ok := f.wallets[e.Wallet]; !ok {
			return false
		}
	}
	if f.tiers != nil {
		if _, ok := f.tiers[e.Tier]; !ok {
			return false
		}
	}
	return true
}

// control is a hub-to-client message that is not an Event.
type control struct {
	Type         string        `json:"type"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte // events; closed by the hub
	ctrl chan []byte // replies from readPump; never closed

	mu     sync.RWMutex
	filter filter
}

func (c *Client) setSubscription(sub Subscription) {
	f := compile(sub)
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

func (c *Client) wants(e *Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.match(e)
}

// Stats is a snapshot of hub counters.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalClients     int64 `json:"totalClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins accepts browser upgrades from the listed origins in
// addition to the serving host. "*" accepts any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		for _, o := range origins {
			if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
				h.origins[o] = struct{}{}
			}
		}
	}
}

// WithMaxClients overrides DefaultMaxClients.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

type frame struct {
	event *Event
	data  []byte
}

// Hub fans events out to connected clients.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	origins    map[string]struct{}
	maxClients int

	clients    map[*Client]struct{}
	mu         sync.RWMutex
	broadcast  chan frame
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	dropped      atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:     logger,
		origins:    make(map[string]struct{}),
		maxClients: DefaultMaxClients,
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan frame, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := strings.TrimRight(r.Header.Get("Origin"), "/")
	if origin == "" {
		return true // non-browser client
	}
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	if _, ok := h.origins["*"]; ok {
		return true
	}
	_, ok := h.origins[origin]
	return ok
}

// Run owns the client set until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("stream client connected", "clients", n)

		case c := <-h.unregister:
			h.remove(c)

		case f := <-h.broadcast:
			h.totalEvents.Add(1)
			h.deliver(f)
		}
	}
}

func (h *Hub) deliver(f frame) {
	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(f.event) {
			continue
		}
		select {
		case c.send <- f.data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		metrics.RealtimeDroppedTotal.WithLabelValues("slow_client").Inc()
		h.dropped.Add(1)
		h.logger.Warn("dropping slow stream client")
		h.remove(c)
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Publish queues a wallet-scoped event. It never blocks; when the hub is
// backed up the event is dropped and counted.
func (h *Hub) Publish(eventType EventType, wallet string, data interface{}) {
	e := &Event{
		Type:      eventType,
		Wallet:    strings.ToLower(wallet),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if t, ok := data.(Tiered); ok {
		e.Tier = t.StreamTier()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode stream event", "type", eventType, "error", err)
		return
	}

	select {
	case h.broadcast <- frame{event: e, data: raw}:
	default:
		metrics.RealtimeDroppedTotal.WithLabelValues("hub_full").Inc()
		h.dropped.Add(1)
		h.logger.Warn("stream buffer full, dropping event", "type", eventType)
	}
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		PeakClients:      h.peakClients.Load(),
		TotalClients:     h.totalClients.Load(),
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.dropped.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches a client with an empty
// subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
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

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		ctrl: make(chan []byte, 4),
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// reply queues a control message without blocking the reader.
func (c *Client) reply(msg control) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.ctrl <- raw:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.reply(control{Type: "error", Message: "invalid subscription"})
			continue
		}
		c.setSubscription(sub)
		c.reply(control{Type: "subscribed", Subscription: &sub})
	}
}

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
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case message := <-c.ctrl:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
