package session

import (
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/clusterconfig"
	"github.com/meshchat/meshchat/internal/roomstate"
	"github.com/meshchat/meshchat/internal/wire"
)

// ClusterView is the subset of the election monitor the TCP handler
// needs: whether this process is the leader, and if not, who is.
type ClusterView interface {
	IsSelfLeader() bool
	LeaderDescriptor() (clusterconfig.PeerDescriptor, bool)
}

// SessionObserver is notified of session open/close for the
// operational event trail. May be nil.
type SessionObserver interface {
	SessionOpened(clientKey string)
	SessionClosed(clientKey string)
}

// Handler runs the TCP accept loop and, on the leader, the per-session
// command loop.
type Handler struct {
	view        ClusterView
	registry    *Registry
	state       *roomstate.Machine
	recvTimeout time.Duration
	log         *zap.SugaredLogger
	observer    SessionObserver
	running     atomic.Bool
}

func NewHandler(view ClusterView, registry *Registry, state *roomstate.Machine, recvTimeout time.Duration, log *zap.SugaredLogger, observer SessionObserver) *Handler {
	h := &Handler{view: view, registry: registry, state: state, recvTimeout: recvTimeout, log: log, observer: observer}
	h.running.Store(true)
	return h
}

// Stop flips the running flag observed by every session's command
// loop at its next recv timeout.
func (h *Handler) Stop() {
	h.running.Store(false)
}

// Accept runs the accept loop on an already-bound listener until it is
// closed by the lifecycle controller. Every peer, leader or follower,
// runs this loop.
func (h *Handler) Accept(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go h.handleConn(conn)
	}
}

func (h *Handler) handleConn(conn net.Conn) {
	if !h.view.IsSelfLeader() {
		h.redirect(conn)
		return
	}

	clientKey := conn.RemoteAddr().String()
	sess := h.registry.Register(clientKey, conn)
	if h.observer != nil {
		h.observer.SessionOpened(clientKey)
	}
	h.log.Infow("client session opened", "client_key", clientKey)

	h.commandLoop(sess)

	h.teardown(sess)
}

// redirect implements the follower branch of the accept loop: emit a
// single redirect frame naming the current leader, then close. If
// there is no known leader yet, close without a frame and let the
// client retry another peer.
func (h *Handler) redirect(conn net.Conn) {
	defer conn.Close()

	leader, ok := h.view.LeaderDescriptor()
	if !ok {
		return
	}
	frame := wire.Redirect(leader.ServerID, leader.Host, leader.TCPPort)
	if err := wire.WriteFrame(conn, frame); err != nil {
		h.log.Debugw("redirect write failed", "err", err)
	}
}

func (h *Handler) commandLoop(sess *Session) {
	for {
		cmd, err := wire.ReadCommand(sess.conn, h.recvTimeout)
		if err != nil {
			if isTimeout(err) && h.running.Load() && h.view.IsSelfLeader() {
				continue
			}
			return
		}
		if err := h.dispatch(sess, cmd); err != nil {
			// A failed reply is a transport error: the session is torn
			// down exactly like a recv failure.
			return
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// teardown is the only place follower state about departed clients is
// cleaned up: remove from registry, close the socket, clear identity,
// and if the client was in a room, replicate a leave_room event. Safe
// to call more than once per session; only the first call acts.
func (h *Handler) teardown(sess *Session) {
	sess.teardownOnce.Do(func() {
		h.registry.Remove(sess.ClientKey)
		sess.conn.Close()
		h.state.Forget(sess.ClientKey)
		if h.observer != nil {
			h.observer.SessionClosed(sess.ClientKey)
		}
		h.log.Infow("client session closed", "client_key", sess.ClientKey)
	})
}
