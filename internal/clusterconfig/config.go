// Package clusterconfig loads the static peer list every meshchatd
// process shares at start-up.
package clusterconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// PeerDescriptor is the static identity of one cluster member, known
// to every peer and every client before the cluster starts.
type PeerDescriptor struct {
	ServerID string `json:"server_id"`
	Host     string `json:"host"`
	TCPPort  int    `json:"tcp_port"`
	UDPPort  int    `json:"udp_port"`
	Rank     int    `json:"rank"`
}

// Timeouts holds every tunable interval the replication kernel needs.
type Timeouts struct {
	HeartbeatInterval  time.Duration `json:"heartbeat_interval"`
	DeathTimeout       time.Duration `json:"death_timeout"`
	ElectionPeriod     time.Duration `json:"election_period"`
	SessionRecvTimeout time.Duration `json:"session_recv_timeout"`
	ClientPingInterval time.Duration `json:"client_ping_interval"`
	ClientPongTimeout  time.Duration `json:"client_pong_timeout"`
}

// DefaultTimeouts returns the values used in testing, satisfying the
// monotone constraints Validate enforces.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		HeartbeatInterval:  2 * time.Second,
		DeathTimeout:       7 * time.Second,
		ElectionPeriod:     7 * time.Second,
		SessionRecvTimeout: time.Second,
		ClientPingInterval: 10 * time.Second,
		ClientPongTimeout:  25 * time.Second,
	}
}

// Validate rejects a Timeouts configuration that violates the ordering
// constraints the failure detector and election monitor depend on for
// correctness.
func (t Timeouts) Validate() error {
	if t.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	minDeath := 2 * t.HeartbeatInterval
	if t.DeathTimeout < minDeath {
		return fmt.Errorf("death_timeout (%s) must be >= 2x heartbeat_interval (%s)", t.DeathTimeout, minDeath)
	}
	if t.ElectionPeriod < t.DeathTimeout {
		return fmt.Errorf("election_period (%s) must be >= death_timeout (%s)", t.ElectionPeriod, t.DeathTimeout)
	}
	if t.ClientPongTimeout <= t.ClientPingInterval {
		return fmt.Errorf("client_pong_timeout (%s) must be > client_ping_interval (%s)", t.ClientPongTimeout, t.ClientPingInterval)
	}
	return nil
}

// StabilizationDelay is how long the election monitor must wait after
// start-up before its first evaluation, so that the failure detector's
// view has had at least one sweep. Must never be shorter than
// DeathTimeout.
func (t Timeouts) StabilizationDelay() time.Duration {
	return t.DeathTimeout
}

// DefaultMaxConnections bounds concurrent TCP client connections per
// peer.
const DefaultMaxConnections = 100

// Cluster is the full static configuration shared by every process:
// the peer list plus the tunable timeouts.
type Cluster struct {
	Peers          []PeerDescriptor `json:"peers"`
	Timeouts       Timeouts         `json:"timeouts"`
	MaxConnections int              `json:"max_connections"`
}

// Load reads a cluster configuration from a JSON file on disk.
func Load(path string) (*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster config: %w", err)
	}

	raw := struct {
		Peers          []PeerDescriptor `json:"peers"`
		Timeouts       *rawTimeouts     `json:"timeouts"`
		MaxConnections int              `json:"max_connections"`
	}{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse cluster config: %w", err)
	}
	if len(raw.Peers) == 0 {
		return nil, fmt.Errorf("cluster config %s defines no peers", path)
	}

	c := &Cluster{Peers: raw.Peers, Timeouts: DefaultTimeouts(), MaxConnections: raw.MaxConnections}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if raw.Timeouts != nil {
		raw.Timeouts.applyTo(&c.Timeouts)
	}
	if err := c.Timeouts.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// rawTimeouts lets the JSON config override individual timeouts given
// in fractional seconds, without forcing every field to be specified.
type rawTimeouts struct {
	HeartbeatInterval  *float64 `json:"heartbeat_interval_s"`
	DeathTimeout       *float64 `json:"death_timeout_s"`
	ElectionPeriod     *float64 `json:"election_period_s"`
	SessionRecvTimeout *float64 `json:"session_recv_timeout_s"`
	ClientPingInterval *float64 `json:"client_ping_interval_s"`
	ClientPongTimeout  *float64 `json:"client_pong_timeout_s"`
}

func (r *rawTimeouts) applyTo(t *Timeouts) {
	set := func(dst *time.Duration, src *float64) {
		if src != nil {
			*dst = time.Duration(*src * float64(time.Second))
		}
	}
	set(&t.HeartbeatInterval, r.HeartbeatInterval)
	set(&t.DeathTimeout, r.DeathTimeout)
	set(&t.ElectionPeriod, r.ElectionPeriod)
	set(&t.SessionRecvTimeout, r.SessionRecvTimeout)
	set(&t.ClientPingInterval, r.ClientPingInterval)
	set(&t.ClientPongTimeout, r.ClientPongTimeout)
}

// Self finds the descriptor matching the given server_id; every
// process must be invoked with a server_id that matches one of the
// configured descriptors.
func (c *Cluster) Self(serverID string) (PeerDescriptor, error) {
	for _, p := range c.Peers {
		if p.ServerID == serverID {
			return p, nil
		}
	}
	return PeerDescriptor{}, fmt.Errorf("server_id %q not found in cluster config", serverID)
}

// Others returns every peer descriptor except the one matching selfID.
func (c *Cluster) Others(selfID string) []PeerDescriptor {
	out := make([]PeerDescriptor, 0, len(c.Peers)-1)
	for _, p := range c.Peers {
		if p.ServerID != selfID {
			out = append(out, p)
		}
	}
	return out
}
