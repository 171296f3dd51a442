// Package wire defines the JSON datagrams and frames exchanged between
// peers (UDP) and between a leader and its clients (TCP).
package wire

import "encoding/json"

// Peer datagram types, as carried in the "type" field of every UDP
// JSON datagram.
const (
	TypeHeartbeat          = "heartbeat"
	TypeLeaderAnnouncement = "leader_announcement"
	TypeStateReplication   = "state_replication"
)

// MaxDatagramSize is the declared maximum size of one UDP datagram.
// Larger datagrams are truncated by the transport and dropped as
// malformed.
const MaxDatagramSize = 4096

// envelope is used only to sniff the "type" discriminator before
// decoding the full payload.
type envelope struct {
	Type string `json:"type"`
}

// PeekType extracts the "type" field from a raw UDP datagram without
// fully decoding it. Returns ok=false for malformed (non-JSON, missing
// type) datagrams, which the dispatcher drops silently.
func PeekType(raw []byte) (string, bool) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil || e.Type == "" {
		return "", false
	}
	return e.Type, true
}

// Heartbeat is sent unicast by the failure detector on every tick.
type Heartbeat struct {
	Type     string `json:"type"`
	ServerID string `json:"server_id"`
}

func NewHeartbeat(serverID string) Heartbeat {
	return Heartbeat{Type: TypeHeartbeat, ServerID: serverID}
}

// LeaderAnnouncement is broadcast by a newly self-elected leader.
type LeaderAnnouncement struct {
	Type     string `json:"type"`
	LeaderID string `json:"leader_id"`
}

func NewLeaderAnnouncement(leaderID string) LeaderAnnouncement {
	return LeaderAnnouncement{Type: TypeLeaderAnnouncement, LeaderID: leaderID}
}

// ReplicationAction names the four state-changing commands that get
// replicated from leader to followers.
type ReplicationAction string

const (
	ActionCreateRoom  ReplicationAction = "create_room"
	ActionJoinRoom    ReplicationAction = "join_room"
	ActionLeaveRoom   ReplicationAction = "leave_room"
	ActionSetIdentity ReplicationAction = "set_identity"
)

// ReplicationData carries the union of fields any replicated action
// might need. Followers only read the fields relevant to Action.
type ReplicationData struct {
	RoomName  string `json:"room_name,omitempty"`
	ClientKey string `json:"client_key,omitempty"`
	Identity  string `json:"identity,omitempty"`
}

// StateReplication is the best-effort broadcast of one committed
// mutation, sent by the leader to every other peer.
type StateReplication struct {
	Type    string `json:"type"`
	Payload struct {
		Action ReplicationAction `json:"action"`
		Data   ReplicationData   `json:"data"`
	} `json:"payload"`
}

func NewStateReplication(action ReplicationAction, data ReplicationData) StateReplication {
	sr := StateReplication{Type: TypeStateReplication}
	sr.Payload.Action = action
	sr.Payload.Data = data
	return sr
}
