package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencode-ai/opencode-hub/internal/event"
	"github.com/opencode-ai/opencode-hub/internal/logging"
	"github.com/opencode-ai/opencode-hub/internal/stream"
	"github.com/opencode-ai/opencode-hub/pkg/types"
)

// spawnConnector registers a fresh connection for the port and starts its
// connect/read/backoff loop. An existing entry for the port is replaced;
// its loop is expected to be exiting (its cancel has fired).
func (m *Manager) spawnConnector(port int) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.rootCtx)
	conn := &connection{
		port:      port,
		state:     types.Disconnected,
		lastEvent: time.Now(),
		cancel:    cancel,
	}
	m.conns[port] = conn
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runConnector(ctx, conn)
}

// runConnector maintains one server's stream for the lifetime of its
// presence in the active set: connecting, connected, disconnected, backoff,
// and around again until the context is canceled. On exit the registry
// entry is removed; nothing stale survives a torn-down connector.
func (m *Manager) runConnector(ctx context.Context, conn *connection) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		// A health-triggered respawn may have replaced this entry already;
		// only remove our own.
		if m.conns[conn.port] == conn {
			delete(m.conns, conn.port)
		}
		m.mu.Unlock()
		m.emitState()
	}()

	url := fmt.Sprintf("http://%s:%d/event", m.opts.ServerHost, conn.port)

	for {
		if ctx.Err() != nil {
			return
		}

		m.setState(conn, types.Connecting)

		st, err := m.streams.Connect(ctx, url)
		if err == nil {
			m.mu.Lock()
			conn.attempt = 0
			// The connection itself counts as activity.
			conn.lastEvent = time.Now()
			m.mu.Unlock()
			m.setState(conn, types.Connected)

			readErr := m.readStream(conn, st)
			st.Close()
			if ctx.Err() == nil {
				logging.Debug().Int("port", conn.port).Err(readErr).Msg("stream ended")
			}
		} else if ctx.Err() == nil {
			logging.Debug().Int("port", conn.port).Err(err).Msg("stream connect failed")
		}

		m.setState(conn, types.Disconnected)

		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		attempt := conn.attempt
		conn.attempt++
		m.mu.Unlock()

		if m.opts.MaxRetries > 0 && attempt >= m.opts.MaxRetries {
			logging.Warn().
				Int("port", conn.port).
				Int("attempts", attempt).
				Msg("retry limit reached, giving up on stream")
			return
		}

		delay := backoffDelay(m.opts.BackoffBase, m.opts.BackoffMax, attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// readStream consumes frames until the stream closes or a read fails. One
// malformed frame is dropped and logged; it never tears the stream down.
func (m *Manager) readStream(conn *connection, st *stream.Stream) error {
	for {
		frame, err := st.Next()
		if err != nil {
			return err
		}

		m.mu.Lock()
		conn.lastEvent = time.Now()
		m.mu.Unlock()

		if frame.IsHeartbeat() || len(frame.Data) == 0 {
			continue
		}

		var env event.Envelope
		if err := json.Unmarshal(frame.Data, &env); err != nil {
			logging.Debug().Int("port", conn.port).Err(err).Msg("dropping malformed frame")
			continue
		}

		m.handleEnvelope(conn.port, env)
	}
}

// handleEnvelope routes one observed event: session routing first, then
// fan-out. Global events update routing but are filtered from both the
// event and status feeds.
func (m *Manager) handleEnvelope(port int, env event.Envelope) {
	variant := event.Decode(env.Payload)

	if scoped, ok := variant.(event.SessionScoped); ok {
		if id, ok := scoped.SessionID(); ok {
			m.mu.Lock()
			m.sessionToPort[id] = port
			m.mu.Unlock()
		}
	}

	if env.Directory == types.GlobalDirectory {
		return
	}

	m.publishEvent(port, env)

	switch v := variant.(type) {
	case event.SessionStatus:
		m.publishStatus(types.StatusUpdate{
			Directory: env.Directory,
			SessionID: v.ID,
			Status:    event.NormalizeStatusJSON(v.Status),
		})
	case event.SessionIdle:
		m.publishStatus(types.StatusUpdate{
			Directory: env.Directory,
			SessionID: v.ID,
			Status:    types.StatusCompleted,
		})
	}
}

// setState applies a connection-state transition, logs it, and notifies
// state subscribers. Redundant transitions are ignored.
func (m *Manager) setState(conn *connection, state types.ConnectionState) {
	m.mu.Lock()
	if conn.state == state {
		m.mu.Unlock()
		return
	}
	prev := conn.state
	conn.state = state
	m.mu.Unlock()

	logging.Debug().
		Int("port", conn.port).
		Str("from", string(prev)).
		Str("to", string(state)).
		Msg("connection state changed")

	m.emitState()
}
