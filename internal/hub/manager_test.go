package hub

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/opencode-ai/opencode-hub/internal/event"
	"github.com/opencode-ai/opencode-hub/pkg/types"
)

const (
	waitFor = 10 * time.Second
	tick    = 10 * time.Millisecond
)

// fakeDiscovery is a discovery endpoint with a mutable server list.
type fakeDiscovery struct {
	mu      sync.Mutex
	servers []types.DiscoveredServer
	srv     *httptest.Server
}

func newFakeDiscovery(t *testing.T) *fakeDiscovery {
	t.Helper()
	d := &fakeDiscovery{servers: []types.DiscoveredServer{}}
	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d.servers)
	}))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *fakeDiscovery) set(servers ...types.DiscoveredServer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.servers = servers
}

// fakeBackend is a minimal backend server exposing only /event.
type fakeBackend struct {
	srv      *httptest.Server
	frames   chan string
	connects atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{frames: make(chan string, 64)}
	b.srv = httptest.NewServer(b.handler())
	t.Cleanup(b.srv.Close)
	return b
}

// newFakeBackendOn starts a backend on a specific address, for tests that
// need a server to appear on a port that previously refused connections.
func newFakeBackendOn(t *testing.T, addr string) *fakeBackend {
	t.Helper()
	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	b := &fakeBackend{frames: make(chan string, 64)}
	b.srv = httptest.NewUnstartedServer(b.handler())
	b.srv.Listener.Close()
	b.srv.Listener = l
	b.srv.Start()
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/event" {
			http.NotFound(w, r)
			return
		}
		b.connects.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case frame := <-b.frames:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
				flusher.Flush()
			}
		}
	})
}

func (b *fakeBackend) port(t *testing.T) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(b.srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func (b *fakeBackend) emit(frame string) {
	b.frames <- frame
}

func testOptions(discoveryURL string) Options {
	return Options{
		DiscoveryURL:   discoveryURL,
		ServerHost:     "127.0.0.1",
		PollInterval:   50 * time.Millisecond,
		HealthInterval: time.Hour,
		StaleTimeout:   time.Hour,
		BackoffBase:    20 * time.Millisecond,
		BackoffMax:     100 * time.Millisecond,
		CheckPIDs:      false,
	}
}

func statusFrame(sessionID, statusType string) string {
	return fmt.Sprintf(
		`{"directory":"/test","payload":{"type":"session.status","properties":{"sessionID":%q,"status":{"type":%q}}}}`,
		sessionID, statusType)
}

func TestOnStateChangeFiresImmediatelyOnFreshManager(t *testing.T) {
	m := NewManager(testOptions("http://127.0.0.1:1/servers"))
	defer m.Close()

	var calls int
	var got types.StateSnapshot
	m.OnStateChange(func(s types.StateSnapshot) {
		calls++
		got = s
	})

	require.Equal(t, 1, calls, "snapshot must arrive synchronously on subscribe")
	assert.Empty(t, got.Servers)
	assert.Empty(t, got.Connections)
	assert.False(t, got.Discovering)
	assert.False(t, got.Connected)
}

func TestUnsubscribeStopsCallbacks(t *testing.T) {
	m := NewManager(testOptions("http://127.0.0.1:1/servers"))
	defer m.Close()

	var stateCalls, eventCalls, statusCalls atomic.Int32
	unsubState := m.OnStateChange(func(types.StateSnapshot) { stateCalls.Add(1) })
	unsubEvent := m.OnEvent(func(event.Envelope) { eventCalls.Add(1) })
	unsubStatus := m.OnStatus(func(types.StatusUpdate) { statusCalls.Add(1) })

	require.Equal(t, int32(1), stateCalls.Load())

	unsubState()
	unsubEvent()
	unsubStatus()

	m.emitState()
	m.handleEnvelope(3000, event.Envelope{
		Directory: "/test",
		Payload: event.Payload{
			Type:       event.TypeSessionStatus,
			Properties: json.RawMessage(`{"sessionID":"ses_x","status":"running"}`),
		},
	})

	assert.Equal(t, int32(1), stateCalls.Load())
	assert.Equal(t, int32(0), eventCalls.Load())
	assert.Equal(t, int32(0), statusCalls.Load())
}

func TestStartIsIdempotent(t *testing.T) {
	disco := newFakeDiscovery(t)
	m := NewManager(testOptions(disco.srv.URL))
	defer m.Close()

	m.Start()
	m.Start()
	m.Start()

	assert.Eventually(t, m.IsDiscoveryComplete, waitFor, tick)
	m.Stop()
}

func TestSessionRoutingPopulatedAndPruned(t *testing.T) {
	disco := newFakeDiscovery(t)
	backend := newFakeBackend(t)
	port := backend.port(t)

	disco.set(types.DiscoveredServer{
		Port: port, Directory: "/test", Sessions: []string{"ses_abc"},
	})

	m := NewManager(testOptions(disco.srv.URL))
	defer m.Close()
	m.Start()
	defer m.Stop()

	assert.Eventually(t, func() bool {
		p, ok := m.PortForSession("ses_abc")
		return ok && p == port
	}, waitFor, tick, "session routing should populate from discovery")

	// Server disappears: routing entry must be pruned within a poll.
	disco.set()

	assert.Eventually(t, func() bool {
		_, ok := m.PortForSession("ses_abc")
		return !ok
	}, waitFor, tick, "session routing should prune when the port is gone")
}

func TestDirectoryRoutingRebuiltWholesale(t *testing.T) {
	disco := newFakeDiscovery(t)
	b1 := newFakeBackend(t)
	b2 := newFakeBackend(t)
	p1, p2 := b1.port(t), b2.port(t)

	disco.set(
		types.DiscoveredServer{Port: p1, Directory: "/shared"},
		types.DiscoveredServer{Port: p2, Directory: "/shared"},
	)

	m := NewManager(testOptions(disco.srv.URL))
	defer m.Close()
	m.Start()
	defer m.Stop()

	lo, hi := p1, p2
	if lo > hi {
		lo, hi = hi, lo
	}
	assert.Eventually(t, func() bool {
		ports := m.PortsForDirectory("/shared")
		return len(ports) == 2 && ports[0] == lo && ports[1] == hi
	}, waitFor, tick)

	// The old directory must vanish entirely, not merge.
	disco.set(types.DiscoveredServer{Port: p1, Directory: "/other"})

	assert.Eventually(t, func() bool {
		return len(m.PortsForDirectory("/shared")) == 0 &&
			len(m.PortsForDirectory("/other")) == 1
	}, waitFor, tick)
}

func TestBaseURLPrefersSessionOverDirectory(t *testing.T) {
	m := NewManager(testOptions("http://127.0.0.1:1/servers"))
	defer m.Close()

	m.mu.Lock()
	m.sessionToPort["ses_abc"] = 3001
	m.directoryToPorts["/test"] = []int{3002}
	m.mu.Unlock()

	url, ok := m.BaseURLForSession("ses_abc", "/test")
	require.True(t, ok)
	assert.Equal(t, "/api/opencode/3001", url)

	url, ok = m.BaseURLForSession("ses_unknown", "/test")
	require.True(t, ok)
	assert.Equal(t, "/api/opencode/3002", url)

	_, ok = m.BaseURLForSession("ses_unknown", "/nowhere")
	assert.False(t, ok)

	_, ok = m.BaseURLForDirectory("/nowhere")
	assert.False(t, ok)
}

func TestGlobalEventsAreFilteredButStillRoute(t *testing.T) {
	m := NewManager(testOptions("http://127.0.0.1:1/servers"))
	defer m.Close()

	var eventCalls, statusCalls atomic.Int32
	m.OnEvent(func(event.Envelope) { eventCalls.Add(1) })
	m.OnStatus(func(types.StatusUpdate) { statusCalls.Add(1) })

	m.handleEnvelope(3000, event.Envelope{
		Directory: types.GlobalDirectory,
		Payload: event.Payload{
			Type:       event.TypeSessionStatus,
			Properties: json.RawMessage(`{"sessionID":"ses_glb","status":{"type":"running"}}`),
		},
	})

	assert.Equal(t, int32(0), eventCalls.Load())
	assert.Equal(t, int32(0), statusCalls.Load())

	port, ok := m.PortForSession("ses_glb")
	assert.True(t, ok)
	assert.Equal(t, 3000, port)
}

func TestEventAndStatusFanout(t *testing.T) {
	disco := newFakeDiscovery(t)
	backend := newFakeBackend(t)
	port := backend.port(t)
	disco.set(types.DiscoveredServer{Port: port, Directory: "/test"})

	m := NewManager(testOptions(disco.srv.URL))
	defer m.Close()

	envelopes := make(chan event.Envelope, 8)
	statuses := make(chan types.StatusUpdate, 8)
	m.OnEvent(func(env event.Envelope) { envelopes <- env })
	m.OnStatus(func(u types.StatusUpdate) { statuses <- u })

	m.Start()
	defer m.Stop()

	require.Eventually(t, m.IsConnected, waitFor, tick)

	backend.emit(statusFrame("ses_abc", "running"))

	select {
	case env := <-envelopes:
		assert.Equal(t, "/test", env.Directory)
		assert.Equal(t, event.TypeSessionStatus, env.Payload.Type)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for envelope")
	}

	select {
	case update := <-statuses:
		assert.Equal(t, types.StatusUpdate{
			Directory: "/test",
			SessionID: "ses_abc",
			Status:    types.StatusRunning,
		}, update)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for status update")
	}

	// Routing learned the session from the observed event.
	p, ok := m.PortForSession("ses_abc")
	assert.True(t, ok)
	assert.Equal(t, port, p)
}

func TestMalformedFrameDoesNotKillStream(t *testing.T) {
	disco := newFakeDiscovery(t)
	backend := newFakeBackend(t)
	disco.set(types.DiscoveredServer{Port: backend.port(t), Directory: "/test"})

	m := NewManager(testOptions(disco.srv.URL))
	defer m.Close()

	envelopes := make(chan event.Envelope, 8)
	m.OnEvent(func(env event.Envelope) { envelopes <- env })

	m.Start()
	defer m.Stop()
	require.Eventually(t, m.IsConnected, waitFor, tick)

	backend.emit(`{this is not json`)
	backend.emit(statusFrame("ses_ok", "running"))

	select {
	case env := <-envelopes:
		assert.Equal(t, event.TypeSessionStatus, env.Payload.Type)
	case <-time.After(waitFor):
		t.Fatal("stream did not survive the malformed frame")
	}

	assert.Equal(t, int32(1), backend.connects.Load(),
		"a malformed frame must not force a reconnect")
}

func TestAttemptCounterIncrementsThenResetsOnConnect(t *testing.T) {
	// Reserve a port, then close the listener so connects are refused.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	disco := newFakeDiscovery(t)
	disco.set(types.DiscoveredServer{Port: port, Directory: "/test"})

	m := NewManager(testOptions(disco.srv.URL))
	defer m.Close()
	m.Start()
	defer m.Stop()

	// Failures accumulate attempts.
	require.Eventually(t, func() bool {
		health := m.ConnectionHealth()
		return len(health) == 1 && health[0].Attempt >= 2
	}, waitFor, tick, "attempt counter should increase across failures")

	// A server appears on the port: connect succeeds, counter resets.
	newFakeBackendOn(t, addr)

	require.Eventually(t, func() bool {
		health := m.ConnectionHealth()
		return len(health) == 1 &&
			health[0].State == types.Connected &&
			health[0].Attempt == 0
	}, waitFor, tick, "attempt counter should reset on successful connect")
}

func TestHealthMonitorForcesReconnect(t *testing.T) {
	disco := newFakeDiscovery(t)
	backend := newFakeBackend(t)
	disco.set(types.DiscoveredServer{Port: backend.port(t), Directory: "/test"})

	opts := testOptions(disco.srv.URL)
	opts.HealthInterval = 50 * time.Millisecond
	opts.StaleTimeout = 150 * time.Millisecond

	m := NewManager(opts)
	defer m.Close()
	m.Start()
	defer m.Stop()

	// The backend never sends anything, so the stream goes stale and the
	// health monitor reconnects it, repeatedly.
	assert.Eventually(t, func() bool {
		return backend.connects.Load() >= 2
	}, waitFor, tick, "stale stream should be force-reconnected")
}

func TestSuspendPausesDiscoveryAndResumeCatchesUp(t *testing.T) {
	disco := newFakeDiscovery(t)
	backend := newFakeBackend(t)
	port := backend.port(t)

	m := NewManager(testOptions(disco.srv.URL))
	defer m.Close()
	m.Start()
	defer m.Stop()

	require.Eventually(t, m.IsDiscoveryComplete, waitFor, tick)

	m.Suspend()
	assert.False(t, m.CurrentState().Discovering)

	// A server appearing while suspended is not picked up.
	disco.set(types.DiscoveredServer{Port: port, Directory: "/test"})
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, m.CurrentState().Servers)

	m.Resume()
	assert.Eventually(t, func() bool {
		return len(m.CurrentState().Servers) == 1
	}, waitFor, tick, "resume should trigger an immediate poll")
}

func TestStopClearsStateAndIsRestartable(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	disco := newFakeDiscovery(t)
	backend := newFakeBackend(t)
	disco.set(types.DiscoveredServer{
		Port: backend.port(t), Directory: "/test", Sessions: []string{"ses_abc"},
	})

	m := NewManager(testOptions(disco.srv.URL))
	m.Start()
	require.Eventually(t, m.IsConnected, waitFor, tick)

	m.Stop()

	snapshot := m.CurrentState()
	assert.Empty(t, snapshot.Servers)
	assert.Empty(t, snapshot.Connections)
	assert.False(t, snapshot.Discovering)
	assert.False(t, snapshot.Connected)
	_, ok := m.PortForSession("ses_abc")
	assert.False(t, ok)
	assert.False(t, m.IsDiscoveryComplete())

	// Restart works cleanly after a full stop.
	m.Start()
	require.Eventually(t, m.IsConnected, waitFor, tick)
	m.Stop()
	require.NoError(t, m.Close())

	backend.srv.Close()
	disco.srv.Close()
	http.DefaultTransport.(*http.Transport).CloseIdleConnections()
}

func TestSweepStaleSkipsReplacedRegistryEntries(t *testing.T) {
	disco := newFakeDiscovery(t)

	opts := testOptions(disco.srv.URL)
	opts.PollInterval = time.Hour
	m := NewManager(opts)
	m.Start()
	defer m.Stop()

	silent := time.Now().Add(-time.Hour)
	var canceledA, canceledB atomic.Bool

	connB := &connection{port: 42002, lastEvent: silent, cancel: func() { canceledB.Store(true) }}
	connA := &connection{port: 42001, lastEvent: silent, cancel: func() {
		canceledA.Store(true)
		// The lower port is swept first; yanking the higher port here
		// lands between the sweep's snapshot and its action on that port,
		// like a discovery delist racing the sweep.
		m.mu.Lock()
		delete(m.conns, 42002)
		m.mu.Unlock()
	}}

	m.mu.Lock()
	m.conns[42001] = connA
	m.conns[42002] = connB
	m.mu.Unlock()

	m.sweepStale()

	assert.True(t, canceledA.Load(), "stale registered connection should be forced to reconnect")
	assert.False(t, canceledB.Load(), "entry removed mid-sweep must not be canceled")

	m.mu.Lock()
	respawned := m.conns[42001]
	_, hasB := m.conns[42002]
	m.mu.Unlock()

	require.NotNil(t, respawned)
	assert.NotSame(t, connA, respawned, "forced reconnect should register a fresh connection")
	assert.False(t, hasB, "port removed mid-sweep must not be respawned")
}
