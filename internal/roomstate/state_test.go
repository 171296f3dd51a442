package roomstate

import (
	"testing"

	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/wire"
)

type fakeBroadcaster struct {
	events []wire.ReplicationAction
	data   []wire.ReplicationData
}

func (f *fakeBroadcaster) BroadcastReplication(action wire.ReplicationAction, data wire.ReplicationData) {
	f.events = append(f.events, action)
	f.data = append(f.data, data)
}

func newTestMachine() (*Machine, *fakeBroadcaster) {
	b := &fakeBroadcaster{}
	return New(b, zap.NewNop().Sugar()), b
}

func TestCreateRoom_RejectsEmptyName(t *testing.T) {
	m, _ := newTestMachine()
	ok, msg := m.CreateRoom("client1", "")
	if ok || msg == "" {
		t.Fatalf("expected rejection of an empty room name, got ok=%v msg=%q", ok, msg)
	}
}

func TestCreateRoom_RejectsDuplicate(t *testing.T) {
	m, _ := newTestMachine()
	if ok, _ := m.CreateRoom("client1", "lobby"); !ok {
		t.Fatal("expected first create to succeed")
	}
	ok, msg := m.CreateRoom("client2", "lobby")
	if ok || msg == "" {
		t.Fatal("expected duplicate create_room to fail with a message")
	}
}

func TestJoinRoom_RejectsNonexistent(t *testing.T) {
	m, _ := newTestMachine()
	ok, msg := m.JoinRoom("client1", "ghost")
	if ok || msg == "" {
		t.Fatal("expected join of a nonexistent room to fail")
	}
}

func TestJoinRoom_ImplicitlyLeavesPriorRoom(t *testing.T) {
	m, _ := newTestMachine()
	m.CreateRoom("client1", "lobby")
	m.CreateRoom("client2", "annex")

	ok, _ := m.JoinRoom("client1", "annex")
	if !ok {
		t.Fatal("expected join to succeed")
	}

	if room, _ := m.CurrentRoom("client1"); room != "annex" {
		t.Fatalf("expected client1 in annex, got %q", room)
	}
	members := m.RoomMembers("lobby", "")
	if len(members) != 0 {
		t.Fatalf("expected lobby to be empty after implicit leave, got %v", members)
	}
}

func TestJoinRoom_ReplicatesLeaveOfPriorRoom(t *testing.T) {
	m, b := newTestMachine()
	m.CreateRoom("client1", "lobby")
	m.CreateRoom("client2", "annex")
	b.events, b.data = nil, nil

	if ok, _ := m.JoinRoom("client1", "annex"); !ok {
		t.Fatal("expected join to succeed")
	}

	if len(b.events) != 2 || b.events[0] != wire.ActionLeaveRoom || b.events[1] != wire.ActionJoinRoom {
		t.Fatalf("expected [leave_room join_room], got %v", b.events)
	}
	if b.data[0].RoomName != "lobby" || b.data[0].ClientKey != "client1" {
		t.Fatalf("leave must name the vacated room, got %+v", b.data[0])
	}
}

func TestCreateRoom_ReplicatesLeaveOfPriorRoom(t *testing.T) {
	m, b := newTestMachine()
	m.CreateRoom("client1", "lobby")
	b.events, b.data = nil, nil

	if ok, _ := m.CreateRoom("client1", "annex"); !ok {
		t.Fatal("expected create to succeed")
	}

	if len(b.events) != 2 || b.events[0] != wire.ActionLeaveRoom || b.events[1] != wire.ActionCreateRoom {
		t.Fatalf("expected [leave_room create_room], got %v", b.events)
	}
	if b.data[0].RoomName != "lobby" {
		t.Fatalf("leave must name the vacated room, got %+v", b.data[0])
	}
}

func TestApplyReplicated_RoomSwitchConvergesInAnyOrder(t *testing.T) {
	// The leave of the vacated room and the join of the new one may
	// reorder on UDP; the follower must converge either way.
	orders := [][]struct {
		action wire.ReplicationAction
		room   string
	}{
		{{wire.ActionLeaveRoom, "lobby"}, {wire.ActionJoinRoom, "annex"}},
		{{wire.ActionJoinRoom, "annex"}, {wire.ActionLeaveRoom, "lobby"}},
	}
	for _, order := range orders {
		m, _ := newTestMachine()
		m.ApplyReplicated(wire.ActionCreateRoom, wire.ReplicationData{RoomName: "lobby", ClientKey: "client1"})
		for _, ev := range order {
			m.ApplyReplicated(ev.action, wire.ReplicationData{RoomName: ev.room, ClientKey: "client1"})
		}

		if members := m.RoomMembers("lobby", ""); len(members) != 0 {
			t.Fatalf("expected lobby vacated after switch, got %v", members)
		}
		if room, _ := m.CurrentRoom("client1"); room != "annex" {
			t.Fatalf("expected client1 in annex after switch, got %q", room)
		}
	}
}

func TestChatWhileRoomless_HasNoMembersToForward(t *testing.T) {
	m, _ := newTestMachine()
	members := m.RoomMembers("nonexistent", "client1")
	if members != nil {
		t.Fatalf("expected nil members for a room that doesn't exist, got %v", members)
	}
}

func TestForget_ReplicatesImpliedLeave(t *testing.T) {
	m, b := newTestMachine()
	m.CreateRoom("client1", "lobby")
	b.events = nil

	roomName, wasInRoom := m.Forget("client1")
	if !wasInRoom || roomName != "lobby" {
		t.Fatalf("expected Forget to report prior membership in lobby, got room=%q wasInRoom=%v", roomName, wasInRoom)
	}
	if len(b.events) != 1 || b.events[0] != wire.ActionLeaveRoom {
		t.Fatalf("expected exactly one leave_room replication event, got %v", b.events)
	}
	if _, ok := m.CurrentRoom("client1"); ok {
		t.Fatal("expected client1 to have no current room after Forget")
	}
}

func TestForget_NoReplicationWhenNotInRoom(t *testing.T) {
	m, b := newTestMachine()
	m.SetUsername("client1", "alice")
	b.events = nil

	_, wasInRoom := m.Forget("client1")
	if wasInRoom {
		t.Fatal("expected wasInRoom=false")
	}
	if len(b.events) != 0 {
		t.Fatalf("expected no replication event, got %v", b.events)
	}
}

func TestApplyReplicated_JoinIsIdempotentAndToleratesMissingCreate(t *testing.T) {
	m, _ := newTestMachine()

	// A join_room event arrives with no prior create_room (lost or reordered).
	m.ApplyReplicated(wire.ActionJoinRoom, wire.ReplicationData{RoomName: "lobby", ClientKey: "client1"})
	m.ApplyReplicated(wire.ActionJoinRoom, wire.ReplicationData{RoomName: "lobby", ClientKey: "client1"})

	members := m.RoomMembers("lobby", "")
	if len(members) != 1 || members[0] != "client1" {
		t.Fatalf("expected exactly one member after duplicate delivery, got %v", members)
	}
}

func TestApplyReplicated_LeaveIsIdempotent(t *testing.T) {
	m, _ := newTestMachine()
	m.ApplyReplicated(wire.ActionCreateRoom, wire.ReplicationData{RoomName: "lobby", ClientKey: "client1"})

	m.ApplyReplicated(wire.ActionLeaveRoom, wire.ReplicationData{RoomName: "lobby", ClientKey: "client1"})
	m.ApplyReplicated(wire.ActionLeaveRoom, wire.ReplicationData{RoomName: "lobby", ClientKey: "client1"})

	if members := m.RoomMembers("lobby", ""); len(members) != 0 {
		t.Fatalf("expected no members after duplicate leave delivery, got %v", members)
	}
}

func TestApplyReplicated_SetIdentity(t *testing.T) {
	m, _ := newTestMachine()
	m.ApplyReplicated(wire.ActionSetIdentity, wire.ReplicationData{ClientKey: "client1", Identity: "alice"})

	name, ok := m.Username("client1")
	if !ok || name != "alice" {
		t.Fatalf("expected alice, got %q (ok=%v)", name, ok)
	}
}

func TestSnapshot_ReflectsRoomMembership(t *testing.T) {
	m, _ := newTestMachine()
	m.CreateRoom("client1", "lobby")
	m.JoinRoom("client2", "lobby")

	snap := m.Snapshot()
	members, ok := snap.Rooms["lobby"]
	if !ok {
		t.Fatal("expected lobby in snapshot")
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %v", members)
	}
}
