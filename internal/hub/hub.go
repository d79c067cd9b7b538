// Package hub fans progress messages out to websocket subscribers.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/telemetry"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = pongTimeout * 9 / 10
)

// Message is the envelope of every push message.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub is safe for concurrent use. Slow subscribers lose messages instead of stalling
// the broadcaster.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	closed  bool

	upgrader  websocket.Upgrader
	telemetry *telemetry.Telemetry
}

func New(tel *telemetry.Telemetry) *Hub {
	return &Hub{
		clients:   make(map[string]*client),
		telemetry: tel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the channel is read-only progress data, any origin may subscribe
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Broadcast sends {type, data} to every subscriber.
func (h *Hub) Broadcast(ctx context.Context, msgType string, data any) {
	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode push message", "type", msgType, "err", err)
		h.telemetry.RecordPushMessage("error")

		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		select {
		case c.send <- payload:
			h.telemetry.RecordPushMessage("sent")
		default:
			logctx.LoggerFromContext(ctx).Warn("push subscriber is too slow, dropping message", "client_id", c.id)
			h.telemetry.RecordPushMessage("dropped")
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the subscriber registered until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "err", err)

		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	logger = logger.With("client_id", c.id)

	if !h.register(c) {
		conn.Close()

		return
	}

	logger.Debug("push subscriber connected", "clients", h.Clients())

	go h.writePump(c)
	h.readPump(c)

	h.unregister(c)
	logger.Debug("push subscriber disconnected", "clients", h.Clients())
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
		h.telemetry.PushClientConnected(-1)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	h.clients[c.id] = c
	h.telemetry.PushClientConnected(1)

	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		h.telemetry.PushClientConnected(-1)
	}

	c.close()
}

// readPump discards inbound frames; it only exists to notice the peer going away.
func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))

				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
