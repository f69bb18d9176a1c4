// Package realtime pushes change events to connected PWA clients over
// WebSocket so other household members see confirmed writes without
// polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gunshikin/kanri/internal/events"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 4 * 1024         // Clients only send control frames
	sendBuffer = 64               // Per-client outbound channel buffer
)

// Hub tracks websocket clients and broadcasts events to them.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// client is one websocket connection. All writes go through send and the
// writePump goroutine.
type client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	once        sync.Once
	collections map[string]bool // empty = everything
}

// NewHub creates a hub. allowedOrigins restricts browser origins; an empty
// list accepts any origin.
func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.buildCheckOrigin(allowedOrigins),
	}
	return h
}

func (h *Hub) buildCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(r *http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimSpace(origin)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed[origin] || allowed["*"] {
			return true
		}
		h.logger.Info("[Realtime] Rejected connection", "origin", origin)
		return false
	}
}

// Attach subscribes the hub to the bus. The returned function detaches it.
func (h *Hub) Attach(bus events.Bus) func() {
	handler := func(_ context.Context, e *events.Event) error {
		h.Broadcast(e)
		return nil
	}
	unsubChanged := bus.Subscribe(events.EventRecordChanged, handler)
	unsubFailed := bus.Subscribe(events.EventOperationFailed, handler)
	return func() {
		unsubChanged()
		unsubFailed()
	}
}

// HandleWebSocket upgrades the request. ?collections=expenses,todos limits
// the stream to those collections.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("[Realtime] Upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		collections: map[string]bool{},
	}
	for _, name := range strings.Split(r.URL.Query().Get("collections"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			c.collections[name] = true
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("[Realtime] Client connected", "remote", r.RemoteAddr, "clients", total)

	go c.writePump()
	go c.readPump()
}

// Broadcast sends the event to every interested client. Clients whose
// buffer is full are disconnected rather than blocking the publisher.
func (h *Hub) Broadcast(e *events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("[Realtime] Failed to marshal event", "error", err)
		return
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if len(c.collections) > 0 && !c.collections[e.Collection] {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("[Realtime] Dropping slow client")
		c.close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// close safely shuts down the connection exactly once.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.remove(c)
		c.conn.Close()
		c.hub.logger.Info("[Realtime] Client disconnected", "remote", c.conn.RemoteAddr().String())
	})
}

// writePump is the only goroutine writing to conn.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("[Realtime] Write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump drains inbound frames so pongs and close frames are processed.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("[Realtime] WebSocket error", "error", err)
			}
			return
		}
	}
}
