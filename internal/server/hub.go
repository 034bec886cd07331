package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The watch feed carries no secrets; any origin may observe it.
		return true
	},
}

// DecisionEvent is one admission decision as published on the watch feed.
type DecisionEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Key        string    `json:"key"`
	Cost       int64     `json:"cost"`
	Allowed    bool      `json:"allowed"`
	Remaining  int64     `json:"remaining"`
	Limit      int64     `json:"limit"`
	RetryAfter float64   `json:"retry_after_seconds,omitempty"`
}

// Hub fans admission decisions out to WebSocket watchers.
type Hub struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
	}
}

// HandleWatch upgrades the connection and registers the client.
func (h *Hub) HandleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	// Read loop: the feed is write-only, but reading detects disconnects.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends ev to every connected watcher. Slow or broken clients
// are closed; their read goroutines deregister them. The write lock
// serializes writes, which gorilla conns require.
func (h *Hub) Broadcast(ev DecisionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return
	}
	for conn := range h.clients {
		if err := conn.WriteJSON(ev); err != nil {
			conn.Close()
		}
	}
}

// ClientCount reports the number of connected watchers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
