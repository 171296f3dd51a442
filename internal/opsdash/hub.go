// Package opsdash is the read-only operator surface: an HTTP server,
// separate from the cluster's TCP and UDP ports, exposing /health,
// /status, and a /ws push channel. Nothing here can join a room, send
// chat, or mutate replication state — it only ever reads a
// ClusterSnapshot.
package opsdash

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub fans a ClusterSnapshot out to every connected /ws client
// whenever cluster state changes. One goroutine (Run) owns the client
// map; register/unregister/broadcast all funnel through its channels.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan ClusterSnapshot
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	log        *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan ClusterSnapshot, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		log:        log,
	}
}

// Run owns the hub's state and must be started in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case snap := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteJSON(snap); err != nil {
					h.log.Debugw("ops dashboard push failed", "err", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Push sends a fresh snapshot to every connected operator. Non-blocking:
// a full channel drops the push rather than stall the caller, since the
// next state change will supersede it anyway.
func (h *Hub) Push(snap ClusterSnapshot) {
	select {
	case h.broadcast <- snap:
	default:
		h.log.Debugw("ops dashboard broadcast channel full, snapshot dropped")
	}
}
