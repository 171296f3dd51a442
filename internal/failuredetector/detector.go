// Package failuredetector maintains each peer's liveness view from
// unicast UDP heartbeats.
package failuredetector

import (
	"encoding/json"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/clusterconfig"
	"github.com/meshchat/meshchat/internal/wire"
)

// Status is a peer's believed liveness.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusFailed Status = "FAILED"
)

type livenessEntry struct {
	status   Status
	lastSeen time.Time
}

// OnTransition is called whenever a peer's status changes, for the
// operational event trail. May be nil.
type OnTransition func(serverID string, status Status)

// Detector sends periodic heartbeats to every other peer and sweeps
// its liveness table for peers that have gone quiet.
type Detector struct {
	self     clusterconfig.PeerDescriptor
	peers    []clusterconfig.PeerDescriptor
	timeouts clusterconfig.Timeouts
	log      *zap.SugaredLogger
	onChange OnTransition

	mu      sync.RWMutex
	entries map[string]*livenessEntry

	conn   *net.UDPConn
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Detector bound to an already-open UDP socket. The
// socket is owned by the caller (the lifecycle controller), which
// also runs the UDP dispatcher's receive loop on it; the detector
// only ever writes to it.
func New(self clusterconfig.PeerDescriptor, peers []clusterconfig.PeerDescriptor, timeouts clusterconfig.Timeouts, conn *net.UDPConn, log *zap.SugaredLogger, onChange OnTransition) *Detector {
	d := &Detector{
		self:     self,
		peers:    peers,
		timeouts: timeouts,
		log:      log,
		onChange: onChange,
		entries:  make(map[string]*livenessEntry),
		conn:     conn,
		stopCh:   make(chan struct{}),
	}
	// Every remote peer starts out registered ACTIVE as of now. This
	// is optimistic and prevents a spurious failure at boot before the
	// first round of heartbeats has been exchanged.
	now := time.Now()
	for _, p := range peers {
		if p.ServerID == self.ServerID {
			continue
		}
		d.entries[p.ServerID] = &livenessEntry{status: StatusActive, lastSeen: now}
	}
	return d
}

// Start begins the send loop and the sweep loop.
func (d *Detector) Start() {
	d.wg.Add(2)
	go d.sendLoop()
	go d.sweepLoop()
}

// Stop halts the background loops and waits for them to exit.
func (d *Detector) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Detector) sendLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.timeouts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sendHeartbeats()
		}
	}
}

func (d *Detector) sendHeartbeats() {
	hb := wire.NewHeartbeat(d.self.ServerID)
	data, err := json.Marshal(hb)
	if err != nil {
		d.log.Errorw("marshal heartbeat", "err", err)
		return
	}
	for _, p := range d.peers {
		if p.ServerID == d.self.ServerID {
			continue
		}
		addr := &net.UDPAddr{IP: net.ParseIP(p.Host), Port: p.UDPPort}
		if addr.IP == nil {
			// Host may be a DNS name rather than a literal IP.
			resolved, err := net.ResolveUDPAddr("udp", net.JoinHostPort(p.Host, strconv.Itoa(p.UDPPort)))
			if err != nil {
				d.log.Warnw("resolve peer for heartbeat", "peer", p.ServerID, "err", err)
				continue
			}
			addr = resolved
		}
		if _, err := d.conn.WriteToUDP(data, addr); err != nil {
			// Send errors are logged and ignored; the receiver simply
			// misses this beat.
			d.log.Debugw("heartbeat send failed", "peer", p.ServerID, "err", err)
		}
	}
}

func (d *Detector) sweepLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.timeouts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Detector) sweep() {
	now := time.Now()
	d.mu.Lock()
	var failed []string
	for id, e := range d.entries {
		if e.status == StatusActive && now.Sub(e.lastSeen) > d.timeouts.DeathTimeout {
			e.status = StatusFailed
			failed = append(failed, id)
		}
	}
	d.mu.Unlock()

	for _, id := range failed {
		d.log.Warnw("peer detected as FAILED", "peer", id)
		if d.onChange != nil {
			d.onChange(id, StatusFailed)
		}
	}
}

// ObserveHeartbeat records a fresh heartbeat from a peer. Called by
// the UDP dispatcher on every inbound heartbeat datagram.
func (d *Detector) ObserveHeartbeat(serverID string) {
	if serverID == "" || serverID == d.self.ServerID {
		return
	}
	d.mu.Lock()
	e, ok := d.entries[serverID]
	if !ok {
		e = &livenessEntry{}
		d.entries[serverID] = e
	}
	recovered := ok && e.status == StatusFailed
	e.status = StatusActive
	e.lastSeen = time.Now()
	d.mu.Unlock()

	if recovered {
		d.log.Infow("peer recovered to ACTIVE", "peer", serverID)
		if d.onChange != nil {
			d.onChange(serverID, StatusActive)
		}
	}
}

// ActivePeers returns the sorted list of server_ids considered ACTIVE,
// including self — self-inclusion is mandatory because the election
// rule operates on this set.
func (d *Detector) ActivePeers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := []string{d.self.ServerID}
	for id, e := range d.entries {
		if e.status == StatusActive {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// FailedPeers returns the list of FAILED server_ids.
func (d *Detector) FailedPeers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []string
	for id, e := range d.entries {
		if e.status == StatusFailed {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
