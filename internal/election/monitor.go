// Package election implements rank-based leader election: a
// deterministic function of the failure detector's current view,
// re-evaluated on a timer. Not a consensus protocol — redundant
// re-evaluations are harmless.
package election

import (
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/clusterconfig"
	"github.com/meshchat/meshchat/internal/wire"
)

// LivenessView is the subset of the failure detector the monitor
// depends on. The monitor only ever reads a snapshot via ActivePeers;
// it never calls back into the detector, keeping the dependency
// strictly one-way.
type LivenessView interface {
	ActivePeers() []string
}

// OnLeaderChange is invoked whenever this process's belief about the
// current leader changes, for the operational event trail.
type OnLeaderChange func(leaderID string, isSelf bool)

// Monitor owns this process's cluster view: the believed current
// leader and whether this process is that leader.
type Monitor struct {
	self      clusterconfig.PeerDescriptor
	peers     map[string]clusterconfig.PeerDescriptor
	liveness  LivenessView
	period    time.Duration
	stabilize time.Duration
	log       *zap.SugaredLogger
	onChange  OnLeaderChange

	conn *net.UDPConn

	mu            sync.RWMutex
	currentLeader string
	isSelfLeader  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(self clusterconfig.PeerDescriptor, allPeers []clusterconfig.PeerDescriptor, liveness LivenessView, timeouts clusterconfig.Timeouts, conn *net.UDPConn, log *zap.SugaredLogger, onChange OnLeaderChange) *Monitor {
	peerMap := make(map[string]clusterconfig.PeerDescriptor, len(allPeers))
	for _, p := range allPeers {
		peerMap[p.ServerID] = p
	}
	return &Monitor{
		self:      self,
		peers:     peerMap,
		liveness:  liveness,
		period:    timeouts.ElectionPeriod,
		stabilize: timeouts.StabilizationDelay(),
		log:       log,
		onChange:  onChange,
		conn:      conn,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the monitor loop. Its first evaluation happens only
// after the stabilization delay, which must never be short-circuited:
// evaluating the election rule before the failure detector has swept
// at least once risks a phantom peer skewing the winner.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	select {
	case <-m.stopCh:
		return
	case <-time.After(m.stabilize):
	}

	m.evaluate()

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evaluate()
		}
	}
}

// evaluate runs one pass of the election rule.
func (m *Monitor) evaluate() {
	alive := m.liveness.ActivePeers()

	aliveSet := make(map[string]bool, len(alive))
	for _, id := range alive {
		aliveSet[id] = true
	}
	if !aliveSet[m.self.ServerID] {
		// Defensive clause: impossible by construction, ActivePeers
		// always includes self.
		m.setLeader("", false)
		return
	}

	m.mu.RLock()
	cur := m.currentLeader
	m.mu.RUnlock()

	if cur != "" && aliveSet[cur] {
		return
	}

	winner := highestRank(alive, m.peers)
	if winner == m.self.ServerID {
		m.setLeader(winner, true)
		m.broadcastAnnouncement(winner)
	} else {
		m.setLeader(winner, false)
	}
}

// highestRank implements the election rule: among the given live
// server_ids, pick the one with the highest configured rank, breaking
// ties by lexicographically smallest server_id.
func highestRank(alive []string, peers map[string]clusterconfig.PeerDescriptor) string {
	best := ""
	bestRank := 0
	for _, id := range alive {
		p, ok := peers[id]
		if !ok {
			continue
		}
		if best == "" || p.Rank > bestRank || (p.Rank == bestRank && id < best) {
			best = id
			bestRank = p.Rank
		}
	}
	return best
}

func (m *Monitor) setLeader(leaderID string, isSelf bool) {
	m.mu.Lock()
	changed := m.currentLeader != leaderID || m.isSelfLeader != isSelf
	m.currentLeader = leaderID
	m.isSelfLeader = isSelf
	m.mu.Unlock()

	if changed {
		m.log.Infow("cluster view updated", "current_leader", leaderID, "is_self_leader", isSelf)
		if m.onChange != nil {
			m.onChange(leaderID, isSelf)
		}
	}
}

func (m *Monitor) broadcastAnnouncement(leaderID string) {
	ann := wire.NewLeaderAnnouncement(leaderID)
	data, err := json.Marshal(ann)
	if err != nil {
		m.log.Errorw("marshal leader announcement", "err", err)
		return
	}
	for id, p := range m.peers {
		if id == m.self.ServerID {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(p.Host, strconv.Itoa(p.UDPPort)))
		if err != nil {
			m.log.Warnw("resolve peer for announcement", "peer", id, "err", err)
			continue
		}
		if _, err := m.conn.WriteToUDP(data, addr); err != nil {
			m.log.Debugw("leader announcement send failed", "peer", id, "err", err)
		}
	}
}

// OnAnnouncement handles a received leader_announcement datagram: if
// the announced leader differs from the current belief, adopt it.
func (m *Monitor) OnAnnouncement(leaderID string) {
	m.mu.RLock()
	cur := m.currentLeader
	m.mu.RUnlock()
	if leaderID == cur {
		return
	}
	m.setLeader(leaderID, leaderID == m.self.ServerID)
}

// CurrentLeader returns the believed leader server_id, or "" if none.
func (m *Monitor) CurrentLeader() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLeader
}

// IsSelfLeader reports whether this process currently believes itself
// to be the leader.
func (m *Monitor) IsSelfLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isSelfLeader
}

// LeaderDescriptor returns the peer descriptor of the current leader,
// used by followers to build a redirect frame. ok is false if there is
// no current leader.
func (m *Monitor) LeaderDescriptor() (clusterconfig.PeerDescriptor, bool) {
	m.mu.RLock()
	cur := m.currentLeader
	m.mu.RUnlock()
	if cur == "" {
		return clusterconfig.PeerDescriptor{}, false
	}
	p, ok := m.peers[cur]
	return p, ok
}
