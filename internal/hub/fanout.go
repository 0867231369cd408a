package hub

import (
	"sort"

	"github.com/opencode-ai/opencode-hub/internal/event"
	"github.com/opencode-ai/opencode-hub/pkg/types"
)

// Sourced pairs an envelope with the port it arrived on, for consumers that
// care about the origin server (the hub's own API does).
type Sourced struct {
	Port     int            `json:"port"`
	Envelope event.Envelope `json:"envelope"`
}

// OnEvent subscribes to every non-global envelope from every connected
// stream. Returns an unsubscribe function; after it returns the callback is
// never invoked again.
func (m *Manager) OnEvent(fn func(event.Envelope)) func() {
	return m.bus.Subscribe(event.TopicEvent, func(msg event.Message) {
		if s, ok := msg.Data.(Sourced); ok {
			fn(s.Envelope)
		}
	})
}

// OnSourcedEvent is OnEvent with the origin port attached.
func (m *Manager) OnSourcedEvent(fn func(Sourced)) func() {
	return m.bus.Subscribe(event.TopicEvent, func(msg event.Message) {
		if s, ok := msg.Data.(Sourced); ok {
			fn(s)
		}
	})
}

// OnStatus subscribes to normalized session-status updates.
func (m *Manager) OnStatus(fn func(types.StatusUpdate)) func() {
	return m.bus.Subscribe(event.TopicStatus, func(msg event.Message) {
		if u, ok := msg.Data.(types.StatusUpdate); ok {
			fn(u)
		}
	})
}

// OnStateChange subscribes to aggregate state snapshots. The callback fires
// synchronously with the current snapshot before OnStateChange returns, and
// again on every discovery change or connection-state transition.
func (m *Manager) OnStateChange(fn func(types.StateSnapshot)) func() {
	unsub := m.bus.Subscribe(event.TopicState, func(msg event.Message) {
		if s, ok := msg.Data.(types.StateSnapshot); ok {
			fn(s)
		}
	})
	fn(m.CurrentState())
	return unsub
}

func (m *Manager) publishEvent(port int, env event.Envelope) {
	m.bus.Publish(event.Message{Topic: event.TopicEvent, Data: Sourced{Port: port, Envelope: env}})
}

func (m *Manager) publishStatus(update types.StatusUpdate) {
	m.bus.Publish(event.Message{Topic: event.TopicStatus, Data: update})
}

// emitState publishes a fresh snapshot to state subscribers. Always called
// without holding the manager lock: snapshot readers re-enter accessors.
func (m *Manager) emitState() {
	m.bus.Publish(event.Message{Topic: event.TopicState, Data: m.CurrentState()})
}

// CurrentState returns the aggregate snapshot: the last discovered server
// set, per-port connection states, and the discovering/connected flags.
func (m *Manager) CurrentState() types.StateSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	servers := make([]types.DiscoveredServer, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Port < servers[j].Port })

	connections := make([]types.PortState, 0, len(m.conns))
	connected := false
	for _, conn := range m.conns {
		connections = append(connections, types.PortState{Port: conn.port, State: conn.state})
		if conn.state == types.Connected {
			connected = true
		}
	}
	sort.Slice(connections, func(i, j int) bool { return connections[i].Port < connections[j].Port })

	return types.StateSnapshot{
		Servers:     servers,
		Connections: connections,
		Discovering: m.started && !m.suspended,
		Connected:   connected,
	}
}
