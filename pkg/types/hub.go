package types

import "time"

// GlobalDirectory is the reserved directory value carried by cross-cutting
// events. Events addressed to it are not routed to per-directory consumers.
const GlobalDirectory = "global"

// DiscoveredServer represents one backend server process found by a
// discovery poll. Instances are ephemeral: each poll replaces the previous
// set wholesale.
type DiscoveredServer struct {
	Port      int      `json:"port"`
	PID       int      `json:"pid"`
	Directory string   `json:"directory"`
	Sessions  []string `json:"sessions,omitempty"`
}

// ConnectionState is the state of one server's event stream.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
)

// SessionStatus is the canonical two-state session status. Heterogeneous
// upstream status vocabularies are mapped onto it by event.NormalizeStatus.
type SessionStatus string

const (
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
)

// PortState pairs a port with its current connection state.
type PortState struct {
	Port  int             `json:"port"`
	State ConnectionState `json:"state"`
}

// StateSnapshot is the aggregate view handed to state-change subscribers.
type StateSnapshot struct {
	Servers     []DiscoveredServer `json:"servers"`
	Connections []PortState        `json:"connections"`
	Discovering bool               `json:"discovering"`
	Connected   bool               `json:"connected"`
}

// StatusUpdate is a normalized session-status change.
type StatusUpdate struct {
	Directory string        `json:"directory"`
	SessionID string        `json:"sessionID"`
	Status    SessionStatus `json:"status"`
}

// ConnectionHealth exposes per-port health bookkeeping for diagnostics.
type ConnectionHealth struct {
	Port      int             `json:"port"`
	State     ConnectionState `json:"state"`
	LastEvent time.Time       `json:"lastEvent"`
	Attempt   int             `json:"attempt"`
}
