// Package roomstate holds the in-memory room and identity state:
// authoritative on the leader, a best-effort replicated shadow on
// followers.
package roomstate

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/wire"
)

// Room is a named set of member client_keys.
type Room struct {
	Name    string
	Members map[string]bool
}

// Broadcaster sends a best-effort state_replication datagram to every
// other peer. Implemented by the lifecycle controller.
type Broadcaster interface {
	BroadcastReplication(action wire.ReplicationAction, data wire.ReplicationData)
}

// Machine is the process-wide state for rooms, identities, and the
// client->room index. A single coarse mutex guards all of it —
// contention is not a concern because the hot path is network I/O.
type Machine struct {
	mu sync.Mutex

	rooms      map[string]*Room
	identities map[string]string // client_key -> username
	index      map[string]string // client_key -> room name

	broadcaster Broadcaster
	log         *zap.SugaredLogger
}

func New(broadcaster Broadcaster, log *zap.SugaredLogger) *Machine {
	return &Machine{
		rooms:       make(map[string]*Room),
		identities:  make(map[string]string),
		index:       make(map[string]string),
		broadcaster: broadcaster,
		log:         log,
	}
}

// ── Leader-side commands ─────────────────────────────────────────────
// Each validates and applies the command, then replicates the
// mutation (if any) to followers before returning. The broadcast is
// fire-and-forget UDP I/O, so the caller's reply never waits on
// replication completing anywhere.

// SetUsername records an identity for a session that has none yet.
// The leader-side precondition (session has no identity) is enforced
// by the session handler's state machine, not here.
func (m *Machine) SetUsername(clientKey, username string) {
	m.mu.Lock()
	m.identities[clientKey] = username
	m.mu.Unlock()

	m.replicate(wire.ActionSetIdentity, wire.ReplicationData{ClientKey: clientKey, Identity: username})
}

// CreateRoom creates a new room with the caller as its sole member.
// Returns an error message if the room already exists or the name is
// empty.
func (m *Machine) CreateRoom(clientKey, roomName string) (ok bool, errMsg string) {
	if roomName == "" {
		return false, "Room name is required."
	}

	m.mu.Lock()
	if _, exists := m.rooms[roomName]; exists {
		m.mu.Unlock()
		return false, fmt.Sprintf("Room %q already exists.", roomName)
	}
	prior, hadPrior := m.leaveCurrentRoomLocked(clientKey)
	m.rooms[roomName] = &Room{Name: roomName, Members: map[string]bool{clientKey: true}}
	m.index[clientKey] = roomName
	m.mu.Unlock()

	// The implicit leave must be replicated too, or followers keep a
	// phantom membership in the vacated room forever.
	if hadPrior {
		m.replicate(wire.ActionLeaveRoom, wire.ReplicationData{RoomName: prior, ClientKey: clientKey})
	}
	m.replicate(wire.ActionCreateRoom, wire.ReplicationData{RoomName: roomName, ClientKey: clientKey})
	return true, ""
}

// JoinRoom adds the caller to an existing room, implicitly leaving any
// room it was already in first.
func (m *Machine) JoinRoom(clientKey, roomName string) (ok bool, errMsg string) {
	if roomName == "" {
		return false, "Room name is required."
	}

	m.mu.Lock()
	room, exists := m.rooms[roomName]
	if !exists {
		m.mu.Unlock()
		return false, fmt.Sprintf("Room %q does not exist.", roomName)
	}
	prior, hadPrior := m.leaveCurrentRoomLocked(clientKey)
	room.Members[clientKey] = true
	m.index[clientKey] = roomName
	m.mu.Unlock()

	// Replicate the implicit leave of the vacated room, but only when
	// it differs from the target: a leave and a join for the same room
	// could reorder on UDP and strip the membership on followers.
	if hadPrior && prior != roomName {
		m.replicate(wire.ActionLeaveRoom, wire.ReplicationData{RoomName: prior, ClientKey: clientKey})
	}
	m.replicate(wire.ActionJoinRoom, wire.ReplicationData{RoomName: roomName, ClientKey: clientKey})
	return true, ""
}

// ListRooms returns every room name, sorted.
func (m *Machine) ListRooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LeaveRoom removes the caller from whatever room it is in, if any.
func (m *Machine) LeaveRoom(clientKey string) {
	m.mu.Lock()
	roomName, had := m.leaveCurrentRoomLocked(clientKey)
	m.mu.Unlock()

	if had {
		m.replicate(wire.ActionLeaveRoom, wire.ReplicationData{RoomName: roomName, ClientKey: clientKey})
	}
}

// leaveCurrentRoomLocked removes clientKey from its current room (if
// any) and clears the index entry, returning the vacated room so the
// caller can replicate the leave. Caller must hold m.mu.
func (m *Machine) leaveCurrentRoomLocked(clientKey string) (string, bool) {
	roomName, ok := m.index[clientKey]
	if !ok {
		return "", false
	}
	if room, ok := m.rooms[roomName]; ok {
		delete(room.Members, clientKey)
	}
	delete(m.index, clientKey)
	return roomName, true
}

// CurrentRoom returns the room the client is in, if any.
func (m *Machine) CurrentRoom(clientKey string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.index[clientKey]
	return name, ok
}

// RoomMembers returns a copy of a room's member keys, excluding
// excludeKey (used to forward chat to every *other* member).
func (m *Machine) RoomMembers(roomName, excludeKey string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomName]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(room.Members))
	for key := range room.Members {
		if key != excludeKey {
			out = append(out, key)
		}
	}
	return out
}

// Username returns the recorded identity for a client, if set.
func (m *Machine) Username(clientKey string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.identities[clientKey]
	return name, ok
}

// Forget tears down every trace of a departed session: its identity
// and, if it was in a room, its membership — the only place follower
// state about departed clients gets cleaned up. Returns the room it
// was in, if any, so the caller can replicate the leave.
func (m *Machine) Forget(clientKey string) (roomName string, wasInRoom bool) {
	m.mu.Lock()
	roomName, wasInRoom = m.leaveCurrentRoomLocked(clientKey)
	delete(m.identities, clientKey)
	m.mu.Unlock()

	if wasInRoom {
		m.replicate(wire.ActionLeaveRoom, wire.ReplicationData{RoomName: roomName, ClientKey: clientKey})
	}
	return roomName, wasInRoom
}

func (m *Machine) replicate(action wire.ReplicationAction, data wire.ReplicationData) {
	if m.broadcaster == nil {
		return
	}
	m.broadcaster.BroadcastReplication(action, data)
}

// ── Follower-side apply ──────────────────────────────────────────────

// ApplyReplicated applies one replicated mutation. Delivery is
// best-effort and unordered (UDP), so every branch here must be
// idempotent under duplicate delivery and tolerant of out-of-order
// arrival.
func (m *Machine) ApplyReplicated(action wire.ReplicationAction, data wire.ReplicationData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch action {
	case wire.ActionCreateRoom:
		m.applyCreateOrJoinLocked(data.RoomName, data.ClientKey)

	case wire.ActionJoinRoom:
		// "add to existing, else create" — tolerates the create event
		// being lost or arriving after the join.
		m.applyCreateOrJoinLocked(data.RoomName, data.ClientKey)

	case wire.ActionLeaveRoom:
		if room, ok := m.rooms[data.RoomName]; ok {
			delete(room.Members, data.ClientKey)
		}
		if m.index[data.ClientKey] == data.RoomName {
			delete(m.index, data.ClientKey)
		}

	case wire.ActionSetIdentity:
		m.identities[data.ClientKey] = data.Identity

	default:
		m.log.Debugw("ignoring unknown replication action", "action", action)
	}
}

func (m *Machine) applyCreateOrJoinLocked(roomName, clientKey string) {
	if roomName == "" || clientKey == "" {
		return
	}
	room, ok := m.rooms[roomName]
	if !ok {
		room = &Room{Name: roomName, Members: map[string]bool{}}
		m.rooms[roomName] = room
	}
	room.Members[clientKey] = true
	m.index[clientKey] = roomName
}

// Snapshot is a read-only projection for the ops dashboard — it never
// feeds back into replication decisions.
type Snapshot struct {
	Rooms map[string][]string `json:"rooms"`
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Snapshot{Rooms: make(map[string][]string, len(m.rooms))}
	for name, room := range m.rooms {
		members := make([]string, 0, len(room.Members))
		for key := range room.Members {
			members = append(members, key)
		}
		sort.Strings(members)
		out.Rooms[name] = members
	}
	return out
}
