// Package udpdispatch is the single-threaded consumer of a peer's UDP
// socket: it demultiplexes each inbound JSON datagram by its "type"
// field and routes it to the right handler.
package udpdispatch

import (
	"encoding/json"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/wire"
)

// HeartbeatObserver receives inbound heartbeats.
type HeartbeatObserver interface {
	ObserveHeartbeat(serverID string)
}

// AnnouncementHandler receives inbound leader announcements.
type AnnouncementHandler interface {
	OnAnnouncement(leaderID string)
}

// ReplicationApplier receives inbound state replication events. Only
// meaningful on followers; a leader discards its own echo.
type ReplicationApplier interface {
	ApplyReplicated(action wire.ReplicationAction, data wire.ReplicationData)
}

// Dispatcher owns the receive loop on one UDP socket.
type Dispatcher struct {
	conn         *net.UDPConn
	detector     HeartbeatObserver
	monitor      AnnouncementHandler
	state        ReplicationApplier
	isSelfLeader func() bool
	log          *zap.SugaredLogger

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(conn *net.UDPConn, detector HeartbeatObserver, monitor AnnouncementHandler, state ReplicationApplier, isSelfLeader func() bool, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		conn:         conn,
		detector:     detector,
		monitor:      monitor,
		state:        state,
		isSelfLeader: isSelfLeader,
		log:          log,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start runs the receive loop in its own goroutine. recvTimeout bounds
// each blocking read so the loop can re-check the stop signal.
func (d *Dispatcher) Start(recvTimeout time.Duration) {
	go d.loop(recvTimeout)
}

// Stop signals the loop to exit and waits for it.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Dispatcher) loop(recvTimeout time.Duration) {
	defer close(d.doneCh)
	buf := make([]byte, wire.MaxDatagramSize+1)
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		d.conn.SetReadDeadline(time.Now().Add(recvTimeout))
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-d.stopCh:
				return
			default:
				d.log.Debugw("udp read error", "err", err)
				continue
			}
		}
		if n > wire.MaxDatagramSize {
			// Larger datagrams are truncated by the transport and
			// dropped as malformed.
			continue
		}
		d.route(buf[:n])
	}
}

func (d *Dispatcher) route(raw []byte) {
	typ, ok := wire.PeekType(raw)
	if !ok {
		// Malformed: non-JSON or missing type. Dropped silently.
		return
	}

	switch typ {
	case wire.TypeHeartbeat:
		var hb wire.Heartbeat
		if err := json.Unmarshal(raw, &hb); err != nil {
			return
		}
		d.detector.ObserveHeartbeat(hb.ServerID)

	case wire.TypeLeaderAnnouncement:
		var ann wire.LeaderAnnouncement
		if err := json.Unmarshal(raw, &ann); err != nil {
			return
		}
		d.monitor.OnAnnouncement(ann.LeaderID)

	case wire.TypeStateReplication:
		if d.isSelfLeader != nil && d.isSelfLeader() {
			// Leaders discard their own echo.
			return
		}
		var sr wire.StateReplication
		if err := json.Unmarshal(raw, &sr); err != nil {
			return
		}
		d.state.ApplyReplicated(sr.Payload.Action, sr.Payload.Data)

	default:
		d.log.Debugw("dropping unknown udp datagram type", "type", typ)
	}
}
