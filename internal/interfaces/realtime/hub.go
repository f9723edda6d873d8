// Package realtime streams per-user events to browsers over WebSocket.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Hub keeps the open connections of every user and fans messages out to
// the connections of one user.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger.With("component", "realtime"),
	}
}

// Register adds a client to its user's set.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; ok {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
}

// Publish sends v as JSON to every connection of userID and returns how
// many connections accepted it. Slow clients drop the message.
func (h *Hub) Publish(userID string, v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("marshal realtime message", "error", err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.clients[userID] {
		select {
		case c.send <- data:
			delivered++
		default:
			h.logger.Warn("realtime client buffer full, dropping message", "user_id", userID)
		}
	}
	return delivered
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}
