// Package server is the process lifecycle controller: it binds the TCP
// and UDP sockets, wires every other component together, and owns the
// process's STARTING/RUNNING/STOPPING/STOPPED transitions.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/meshchat/meshchat/internal/clusterconfig"
	"github.com/meshchat/meshchat/internal/election"
	"github.com/meshchat/meshchat/internal/eventtrail"
	"github.com/meshchat/meshchat/internal/failuredetector"
	"github.com/meshchat/meshchat/internal/opsdash"
	"github.com/meshchat/meshchat/internal/roomstate"
	"github.com/meshchat/meshchat/internal/session"
	"github.com/meshchat/meshchat/internal/udpdispatch"
	"github.com/meshchat/meshchat/internal/wire"
)

// StartupDelay is how long the lifecycle controller waits after
// binding sockets before starting the failure detector's send loop, so
// that every peer has finished binding its own sockets first.
const StartupDelay = 2 * time.Second

// Options configures optional components.
type Options struct {
	EventTrailPath string // empty disables the event trail
	EventTrailRows int
	OpsAddr        string // empty disables the ops dashboard
}

// Server owns every long-lived component of one meshchatd process.
// Components that need a live UDP socket (detector, monitor, dispatch)
// and the TCP session handler are constructed in Start, once the
// sockets are bound — construction runs leaves-first: failure
// detector, then election monitor, then UDP dispatcher (which routes
// to both), then the TCP session handler.
type Server struct {
	self    clusterconfig.PeerDescriptor
	cluster *clusterconfig.Cluster
	log     *zap.SugaredLogger
	opts    Options

	udpConn   *net.UDPConn
	tcpLn     net.Listener
	limitedLn net.Listener

	trail     *eventtrail.Trail
	detector  *failuredetector.Detector
	monitor   *election.Monitor
	dispatch  *udpdispatch.Dispatcher
	state     *roomstate.Machine
	registry  *session.Registry
	handler   *session.Handler
	dashboard *opsdash.Server

	running atomic.Bool
	readyCh chan struct{}
}

// New prepares the parts of a Server that don't need a live socket.
// Call Start to bind sockets and bring the rest of the cluster up.
func New(self clusterconfig.PeerDescriptor, cluster *clusterconfig.Cluster, log *zap.SugaredLogger, opts Options) (*Server, error) {
	s := &Server{self: self, cluster: cluster, log: log, opts: opts, readyCh: make(chan struct{})}

	if opts.EventTrailPath != "" {
		trail, err := eventtrail.Open(opts.EventTrailPath, opts.EventTrailRows, log)
		if err != nil {
			return nil, fmt.Errorf("open event trail: %w", err)
		}
		s.trail = trail
	}

	s.state = roomstate.New(s, log)
	s.registry = session.NewRegistry()

	if opts.OpsAddr != "" {
		s.dashboard = opsdash.New(opts.OpsAddr, s, log)
	}

	return s, nil
}

// Start runs the boot sequence: bind sockets, start the
// UDP/TCP loops, start the failure detector after StartupDelay, start
// the election monitor (which gates its own first evaluation on the
// stabilization delay), then signal READY exactly once.
func (s *Server) Start() error {
	udpAddr := &net.UDPAddr{IP: net.IPv4zero, Port: s.self.UDPPort}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("bind udp %d: %w", s.self.UDPPort, err)
	}
	s.udpConn = udpConn

	tcpLn, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(s.self.TCPPort)))
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("bind tcp %d: %w", s.self.TCPPort, err)
	}
	s.tcpLn = tcpLn
	maxConn := s.cluster.MaxConnections
	if maxConn <= 0 {
		maxConn = clusterconfig.DefaultMaxConnections
	}
	s.limitedLn = netutil.LimitListener(tcpLn, maxConn)

	s.detector = failuredetector.New(s.self, s.cluster.Peers, s.cluster.Timeouts, s.udpConn, s.log, s.onLivenessTransition)
	s.monitor = election.New(s.self, s.cluster.Peers, s.detector, s.cluster.Timeouts, s.udpConn, s.log, s.onLeaderChange)
	s.dispatch = udpdispatch.New(s.udpConn, s.detector, s.monitor, s.state, s.monitor.IsSelfLeader, s.log)
	s.handler = session.NewHandler(s.monitor, s.registry, s.state, s.cluster.Timeouts.SessionRecvTimeout, s.log, s)

	s.running.Store(true)

	s.dispatch.Start(s.cluster.Timeouts.SessionRecvTimeout)
	go s.handler.Accept(s.limitedLn)

	if s.dashboard != nil {
		s.dashboard.Start()
	}

	go func() {
		time.Sleep(StartupDelay)
		if s.running.Load() {
			s.detector.Start()
		}
	}()

	s.monitor.Start()

	close(s.readyCh)
	s.log.Infow("server ready", "server_id", s.self.ServerID, "tcp_port", s.self.TCPPort, "udp_port", s.self.UDPPort)
	return nil
}

// Ready is closed once the start sequence completes.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Stop flips RUNNING→STOPPING, closes the listening sockets (which
// unblocks the accept/recv loops on their next timeout or error),
// waits bounded-time, then goes STOPPING→STOPPED.
func (s *Server) Stop(ctx context.Context) {
	s.running.Store(false)
	s.handler.Stop()

	if s.limitedLn != nil {
		s.limitedLn.Close()
	}
	s.dispatch.Stop()
	s.monitor.Stop()
	s.detector.Stop()

	if s.dashboard != nil {
		s.dashboard.Stop(ctx)
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.trail != nil {
		s.trail.Close()
	}
	s.log.Infow("server stopped", "server_id", s.self.ServerID)
}

// ── roomstate.Broadcaster ────────────────────────────────────────────

// BroadcastReplication sends a state_replication datagram to every
// other peer. Best-effort: a send failure to one peer is logged and
// does not block delivery to the rest.
func (s *Server) BroadcastReplication(action wire.ReplicationAction, data wire.ReplicationData) {
	sr := wire.NewStateReplication(action, data)
	raw, err := json.Marshal(sr)
	if err != nil {
		s.log.Errorw("marshal state replication", "err", err)
		return
	}
	for _, p := range s.cluster.Others(s.self.ServerID) {
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(p.Host, strconv.Itoa(p.UDPPort)))
		if err != nil {
			s.log.Warnw("resolve peer for replication", "peer", p.ServerID, "err", err)
			continue
		}
		if _, err := s.udpConn.WriteToUDP(raw, addr); err != nil {
			s.log.Debugw("replication send failed", "peer", p.ServerID, "err", err)
		}
	}
	s.notifyDashboard()
}

// ── observer callbacks (failuredetector/election/session) ──────────

func (s *Server) onLivenessTransition(serverID string, status failuredetector.Status) {
	if s.trail != nil {
		if status == failuredetector.StatusActive {
			s.trail.Record(eventtrail.KindPeerRecovered, serverID)
		} else {
			s.trail.Record(eventtrail.KindPeerFailed, serverID)
		}
	}
	s.notifyDashboard()
}

func (s *Server) onLeaderChange(leaderID string, isSelf bool) {
	if s.trail != nil && leaderID != "" {
		detail := leaderID
		if isSelf {
			detail = leaderID + " (self)"
		}
		s.trail.Record(eventtrail.KindLeaderElected, detail)
	}
	s.notifyDashboard()
}

// SessionOpened/SessionClosed implement session.SessionObserver.
func (s *Server) SessionOpened(clientKey string) {
	if s.trail != nil {
		s.trail.SessionOpened(clientKey)
	}
	s.notifyDashboard()
}

func (s *Server) SessionClosed(clientKey string) {
	if s.trail != nil {
		s.trail.SessionClosed(clientKey)
	}
	s.notifyDashboard()
}

func (s *Server) notifyDashboard() {
	if s.dashboard != nil {
		s.dashboard.NotifyChange()
	}
}

// ── opsdash.Source ───────────────────────────────────────────────────

// Snapshot builds the read-only projection served by the ops
// dashboard.
func (s *Server) Snapshot() opsdash.ClusterSnapshot {
	roomSnap := s.state.Snapshot()
	snap := opsdash.ClusterSnapshot{
		ServerID:      s.self.ServerID,
		IsLeader:      s.monitor.IsSelfLeader(),
		CurrentLeader: s.monitor.CurrentLeader(),
		ActivePeers:   s.detector.ActivePeers(),
		FailedPeers:   s.detector.FailedPeers(),
		Rooms:         roomSnap.Rooms,
		SessionCount:  s.registry.Count(),
	}
	sort.Strings(snap.ActivePeers)
	sort.Strings(snap.FailedPeers)
	return snap
}
