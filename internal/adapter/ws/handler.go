// Package ws implements the WebSocket adapter for real-time client communication.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/youlyank/corebase/internal/middleware"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// conn wraps a single WebSocket connection. A connection with a projectID
// receives only that project's events; without one it gets the global feed.
type conn struct {
	ws        *websocket.Conn
	cancel    context.CancelFunc
	projectID string
	userID    string
}

// Hub manages all active WebSocket connections and fans events out to them.
type Hub struct {
	origin string
	log    *slog.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a new WebSocket hub. allowedOrigin restricts the accepted
// Origin header; empty disables the check (origin is enforced by the gateway).
func NewHub(allowedOrigin string, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		origin: allowedOrigin,
		log:    log,
		conns:  make(map[*conn]struct{}),
	}
}

// HandleWS returns an http.HandlerFunc that upgrades connections to WebSocket.
// The ?project query parameter scopes which project's events the client
// receives.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if h.origin == "" {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = []string{h.origin}
	}

	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.log.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		ws:        ws,
		cancel:    cancel,
		projectID: r.URL.Query().Get("project"),
		userID:    middleware.UserID(r.Context()),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.log.Info("websocket connected", "remote", r.RemoteAddr, "project", c.projectID, "user", c.userID)

	// Read loop (to detect disconnects and consume pings)
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			_, _, err := ws.Read(ctx)
			if err != nil {
				return
			}
		}
	}()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("websocket marshal failed", "error", err)
		return
	}
	h.send(ctx, data, func(*conn) bool { return true })
}

// BroadcastToProject sends a message to clients watching the given project
// and to clients on the global feed.
func (h *Hub) BroadcastToProject(ctx context.Context, projectID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("websocket marshal failed", "error", err)
		return
	}
	h.send(ctx, data, func(c *conn) bool {
		return c.projectID == "" || c.projectID == projectID
	})
}

func (h *Hub) send(ctx context.Context, data []byte, match func(*conn) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if !match(c) {
			continue
		}
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			h.log.Debug("websocket write failed", "error", err)
			go h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		h.log.Info("websocket disconnected", "project", c.projectID)
	}
}
