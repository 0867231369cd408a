package hub

import (
	"fmt"
	"sort"

	"github.com/opencode-ai/opencode-hub/pkg/types"
)

// PortForSession returns the port owning the session, if known.
func (m *Manager) PortForSession(sessionID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	port, ok := m.sessionToPort[sessionID]
	return port, ok
}

// PortsForDirectory returns the ports serving a directory, ascending.
func (m *Manager) PortsForDirectory(directory string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports := m.directoryToPorts[directory]
	out := make([]int, len(ports))
	copy(out, ports)
	return out
}

// BaseURLForSession resolves the API path prefix for a session, falling
// back to directory-level resolution. The second return is false when
// nothing is known yet; callers apply their own default.
func (m *Manager) BaseURLForSession(sessionID, directory string) (string, bool) {
	m.mu.Lock()
	port, ok := m.sessionToPort[sessionID]
	m.mu.Unlock()
	if ok {
		return fmt.Sprintf("%s/%d", m.opts.APIPrefix, port), true
	}
	return m.BaseURLForDirectory(directory)
}

// BaseURLForDirectory resolves the API path prefix for a directory. When
// multiple servers serve the directory the lowest port wins.
func (m *Manager) BaseURLForDirectory(directory string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports := m.directoryToPorts[directory]
	if len(ports) == 0 {
		return "", false
	}
	return fmt.Sprintf("%s/%d", m.opts.APIPrefix, ports[0]), true
}

// ConnectionStates returns the per-port connection states, ascending by
// port.
func (m *Manager) ConnectionStates() []types.PortState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.PortState, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, types.PortState{Port: conn.port, State: conn.state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// ConnectionHealth returns per-port health bookkeeping: state, last
// activity, and the current backoff attempt counter.
func (m *Manager) ConnectionHealth() []types.ConnectionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ConnectionHealth, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, types.ConnectionHealth{
			Port:      conn.port,
			State:     conn.state,
			LastEvent: conn.lastEvent,
			Attempt:   conn.attempt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// IsConnected reports whether at least one stream is connected.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		if conn.state == types.Connected {
			return true
		}
	}
	return false
}

// IsDiscoveryComplete reports whether at least one discovery poll has
// succeeded since the last Start.
func (m *Manager) IsDiscoveryComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discoveryDone
}
