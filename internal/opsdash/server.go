package opsdash

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is an operator surface, not a public API; any
	// origin is accepted.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the HTTP front door for the ops dashboard: /health,
// /status, and /ws.
type Server struct {
	hub    *Hub
	source Source
	log    *zap.SugaredLogger
	http   *http.Server
}

func New(addr string, source Source, log *zap.SugaredLogger) *Server {
	hub := NewHub(log)
	s := &Server{hub: hub, source: source, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start runs the hub loop and begins serving HTTP. ListenAndServe
// runs in its own goroutine; Start returns immediately.
func (s *Server) Start() {
	go s.hub.Run()
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("ops dashboard server exited", "err", err)
		}
	}()
}

// Stop shuts the HTTP server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// NotifyChange pushes a fresh snapshot to every connected /ws client.
// The lifecycle controller calls this from its own observer callbacks
// (leader change, liveness flip, room membership change).
func (s *Server) NotifyChange() {
	s.hub.Push(s.source.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	writeJSON(w, HealthResponse{Status: "ok", ServerID: snap.ServerID, IsLeader: snap.IsLeader})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.source.Snapshot())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("ops dashboard ws upgrade failed", "err", err)
		return
	}
	s.hub.register <- conn

	// Send the current snapshot immediately so a freshly connected
	// operator isn't waiting on the next state change.
	if err := conn.WriteJSON(s.source.Snapshot()); err != nil {
		s.hub.unregister <- conn
		return
	}

	// This connection is push-only; a client disconnect surfaces as a
	// read error, which is all this loop exists to detect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.unregister <- conn
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
