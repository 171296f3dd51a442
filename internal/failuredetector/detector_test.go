package failuredetector

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/clusterconfig"
)

func testPeers() []clusterconfig.PeerDescriptor {
	return []clusterconfig.PeerDescriptor{
		{ServerID: "a", Host: "127.0.0.1", UDPPort: 9001, Rank: 1},
		{ServerID: "b", Host: "127.0.0.1", UDPPort: 9002, Rank: 2},
	}
}

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	timeouts := clusterconfig.Timeouts{HeartbeatInterval: 20 * time.Millisecond, DeathTimeout: 60 * time.Millisecond}
	log := zap.NewNop().Sugar()
	return New(testPeers()[0], testPeers(), timeouts, nil, log, nil)
}

func TestNew_SeedsPeersActive(t *testing.T) {
	d := newTestDetector(t)
	active := d.ActivePeers()
	if len(active) != 2 {
		t.Fatalf("expected self + one peer active, got %v", active)
	}
}

func TestObserveHeartbeat_IgnoresSelfAndEmpty(t *testing.T) {
	d := newTestDetector(t)
	d.ObserveHeartbeat("")
	d.ObserveHeartbeat("a")
	if len(d.entries) != 1 {
		t.Fatalf("expected self-heartbeats to be ignored, got %d entries", len(d.entries))
	}
}

func TestSweep_MarksFailedAfterDeathTimeout(t *testing.T) {
	d := newTestDetector(t)
	d.mu.Lock()
	d.entries["b"].lastSeen = time.Now().Add(-time.Hour)
	d.mu.Unlock()

	var got []string
	d.onChange = func(serverID string, status Status) { got = append(got, serverID+":"+string(status)) }

	d.sweep()

	if len(d.FailedPeers()) != 1 || d.FailedPeers()[0] != "b" {
		t.Fatalf("expected b to be FAILED, got %v", d.FailedPeers())
	}
	if len(got) != 1 || got[0] != "b:FAILED" {
		t.Fatalf("expected one FAILED transition callback for b, got %v", got)
	}
}

func TestObserveHeartbeat_RecoversFailedPeer(t *testing.T) {
	d := newTestDetector(t)
	d.mu.Lock()
	d.entries["b"].status = StatusFailed
	d.mu.Unlock()

	var transitions []Status
	d.onChange = func(serverID string, status Status) { transitions = append(transitions, status) }

	d.ObserveHeartbeat("b")

	if len(d.ActivePeers()) != 2 {
		t.Fatalf("expected b back in the active set, got %v", d.ActivePeers())
	}
	if len(transitions) != 1 || transitions[0] != StatusActive {
		t.Fatalf("expected one ACTIVE transition callback, got %v", transitions)
	}
}

func TestActivePeers_AlwaysIncludesSelf(t *testing.T) {
	d := newTestDetector(t)
	active := d.ActivePeers()
	found := false
	for _, id := range active {
		if id == d.self.ServerID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected self %q in active set %v", d.self.ServerID, active)
	}
}
