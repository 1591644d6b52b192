// Package activity broadcasts turn reports and branch lifecycle events to
// websocket subscribers and keeps a short in-memory history of them.
package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
)

// Event types published by the pipeline and the branch manager.
const (
	TypeTurn   = "turn"
	TypeBranch = "branch"
)

// DefaultHistorySize is how many events Recent keeps.
const DefaultHistorySize = 100

// Event is one broadcast message.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// subscriber allows for both websocket clients and in-process test clients.
type subscriber interface {
	sendChannel() chan []byte
	close()
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	send chan []byte
}

func (c *wsClient) sendChannel() chan []byte { return c.send }

func (c *wsClient) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}
}

// HubOptions configures a Hub.
type HubOptions struct {
	// AllowedOrigins lists host[:port] patterns accepted in the Origin header.
	// Requests without an Origin header are always accepted.
	AllowedOrigins []string

	// HistorySize bounds Recent (default: DefaultHistorySize).
	HistorySize int

	Logger *slog.Logger
}

// Hub fans events out to websocket subscribers.
type Hub struct {
	clients    map[subscriber]bool
	broadcast  chan Event
	register   chan subscriber
	unregister chan subscriber
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc

	origins []string
	logger  *slog.Logger

	histMu  sync.Mutex
	history []Event
	histCap int
}

// NewHub creates a Hub. Call Run to start delivering events.
func NewHub(opts HubOptions) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.HistorySize
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &Hub{
		clients:    make(map[subscriber]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan subscriber),
		unregister: make(chan subscriber),
		ctx:        ctx,
		cancel:     cancel,
		origins:    opts.AllowedOrigins,
		logger:     logger,
		histCap:    size,
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("activity subscriber connected", "total", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.sendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("activity subscriber disconnected", "total", count)

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to marshal activity event", "type", event.Type, "error", err)
				continue
			}

			// Full lock: slow subscribers are removed in place.
			h.mu.Lock()
			for client := range h.clients {
				ch := client.sendChannel()
				select {
				case ch <- data:
				default:
					close(ch)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the hub down and disconnects every subscriber.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.sendChannel())
		client.close()
	}
	h.clients = make(map[subscriber]bool)
	h.mu.Unlock()
}

// Publish records an event and queues it for broadcast. It never blocks; when
// the queue is full the broadcast is dropped but the event stays in history.
func (h *Hub) Publish(eventType string, data any) {
	event := Event{Type: eventType, At: time.Now().UTC(), Data: data}

	h.histMu.Lock()
	h.history = append(h.history, event)
	if over := len(h.history) - h.histCap; over > 0 {
		h.history = append(h.history[:0:0], h.history[over:]...)
	}
	h.histMu.Unlock()

	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("activity broadcast queue full, dropping event", "type", eventType)
	}
}

// Recent returns up to limit of the newest events, oldest first. A limit of
// zero or less returns everything kept.
func (h *Hub) Recent(limit int) []Event {
	h.histMu.Lock()
	defer h.histMu.Unlock()

	events := h.history
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe(s subscriber) { h.register <- s }

func (h *Hub) unsubscribe(s subscriber) {
	select {
	case h.unregister <- s:
	case <-h.ctx.Done():
	}
}

// ServeHTTP upgrades the request to a websocket subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		OriginPatterns: h.origins,
	})
	if err != nil {
		// Accept has already written the error response.
		h.logger.Warn("activity websocket upgrade failed", "origin", r.Header.Get("Origin"), "error", err)
		return
	}

	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.subscribe(client)

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) writePump() {
	defer func() {
		c.hub.unsubscribe(c)
		c.close()
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		cancel()
		if err != nil {
			c.hub.logger.Debug("activity websocket write failed", "error", err)
			return
		}
	}
}

// readPump drains client frames to notice disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unsubscribe(c)
		c.close()
	}()

	for {
		if _, _, err := c.conn.Read(context.Background()); err != nil { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
			return
		}
	}
}
