package election

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/clusterconfig"
)

type fakeLiveness struct {
	active []string
}

func (f fakeLiveness) ActivePeers() []string { return f.active }

func testPeerSet() []clusterconfig.PeerDescriptor {
	return []clusterconfig.PeerDescriptor{
		{ServerID: "a", Host: "127.0.0.1", UDPPort: 9101, Rank: 1},
		{ServerID: "b", Host: "127.0.0.1", UDPPort: 9102, Rank: 5},
		{ServerID: "c", Host: "127.0.0.1", UDPPort: 9103, Rank: 5},
	}
}

func newTestMonitor(t *testing.T, self clusterconfig.PeerDescriptor, live fakeLiveness) *Monitor {
	t.Helper()
	timeouts := clusterconfig.Timeouts{ElectionPeriod: time.Hour, DeathTimeout: time.Millisecond}
	log := zap.NewNop().Sugar()
	// A self-elected monitor sends its announcement on this socket.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return New(self, testPeerSet(), live, timeouts, conn, log, nil)
}

func TestHighestRank_PicksGreatestRank(t *testing.T) {
	peers := map[string]clusterconfig.PeerDescriptor{}
	for _, p := range testPeerSet() {
		peers[p.ServerID] = p
	}
	winner := highestRank([]string{"a", "b", "c"}, peers)
	if winner != "b" {
		t.Fatalf("expected b (rank 5, lexicographically first of the tie), got %q", winner)
	}
}

func TestHighestRank_BreaksTiesLexicographically(t *testing.T) {
	peers := map[string]clusterconfig.PeerDescriptor{
		"z": {ServerID: "z", Rank: 5},
		"b": {ServerID: "b", Rank: 5},
	}
	winner := highestRank([]string{"z", "b"}, peers)
	if winner != "b" {
		t.Fatalf("expected lexicographically smallest id on a tie, got %q", winner)
	}
}

func TestEvaluate_SelfBecomesLeader(t *testing.T) {
	self := testPeerSet()[1] // "b", rank 5
	m := newTestMonitor(t, self, fakeLiveness{active: []string{"a", "b"}})

	var changes []string
	m.onChange = func(leaderID string, isSelf bool) { changes = append(changes, leaderID) }

	m.evaluate()

	if !m.IsSelfLeader() {
		t.Fatal("expected self to become leader with the highest live rank")
	}
	if m.CurrentLeader() != "b" {
		t.Fatalf("expected current leader b, got %q", m.CurrentLeader())
	}
	if len(changes) != 1 {
		t.Fatalf("expected exactly one leader-change callback, got %d", len(changes))
	}
}

func TestEvaluate_StableLeaderDoesNotReevaluate(t *testing.T) {
	self := testPeerSet()[0] // "a", rank 1 — never wins
	m := newTestMonitor(t, self, fakeLiveness{active: []string{"a", "b"}})
	m.evaluate()
	if m.CurrentLeader() != "b" {
		t.Fatalf("expected b to be leader, got %q", m.CurrentLeader())
	}

	callCount := 0
	m.onChange = func(string, bool) { callCount++ }
	m.evaluate() // b is still alive, so this must be a no-op
	if callCount != 0 {
		t.Fatalf("expected no callback when the current leader is still alive, got %d", callCount)
	}
}

func TestOnAnnouncement_AdoptsNewLeader(t *testing.T) {
	self := testPeerSet()[0]
	m := newTestMonitor(t, self, fakeLiveness{})

	m.OnAnnouncement("c")
	if m.CurrentLeader() != "c" {
		t.Fatalf("expected to adopt announced leader c, got %q", m.CurrentLeader())
	}
	if m.IsSelfLeader() {
		t.Fatal("self is not the announced leader")
	}
}

func TestLeaderDescriptor_NoLeaderYet(t *testing.T) {
	self := testPeerSet()[0]
	m := newTestMonitor(t, self, fakeLiveness{})

	if _, ok := m.LeaderDescriptor(); ok {
		t.Fatal("expected ok=false before any leader is known")
	}
}
