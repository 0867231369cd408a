// Package hub implements the multi-server discovery and event-aggregation
// manager. It discovers backend servers through the discovery endpoint,
// keeps a persistent event stream open to each, tracks which server owns
// which session, and fans the unified feed out to subscribers.
package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/opencode-hub/internal/config"
	"github.com/opencode-ai/opencode-hub/internal/discovery"
	"github.com/opencode-ai/opencode-hub/internal/event"
	"github.com/opencode-ai/opencode-hub/internal/logging"
	"github.com/opencode-ai/opencode-hub/internal/stream"
	"github.com/opencode-ai/opencode-hub/pkg/types"
)

// Options configures a Manager.
type Options struct {
	// DiscoveryURL is the endpoint listing reachable servers.
	DiscoveryURL string
	// ServerHost is the host backend event streams are reached on.
	ServerHost string
	// APIPrefix is the path prefix routing queries resolve under; the
	// resolved port is appended ("<prefix>/<port>").
	APIPrefix string

	PollInterval   time.Duration
	HealthInterval time.Duration
	StaleTimeout   time.Duration

	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxRetries bounds reconnect attempts per port; zero means retry
	// forever while the port stays in the discovered set. Unbounded is the
	// designed default.
	MaxRetries int

	// CheckPIDs drops discovered servers whose process has exited.
	CheckPIDs bool
}

// OptionsFromConfig derives manager options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	checkPIDs := true
	if cfg.CheckPIDs != nil {
		checkPIDs = *cfg.CheckPIDs
	}
	return Options{
		DiscoveryURL:   cfg.DiscoveryURL,
		ServerHost:     cfg.ServerHost,
		APIPrefix:      cfg.APIPrefix,
		PollInterval:   cfg.PollInterval.Std(),
		HealthInterval: cfg.HealthInterval.Std(),
		StaleTimeout:   cfg.StaleTimeout.Std(),
		BackoffBase:    cfg.BackoffBase.Std(),
		BackoffMax:     cfg.BackoffMax.Std(),
		MaxRetries:     cfg.MaxRetries,
		CheckPIDs:      checkPIDs,
	}
}

func (o *Options) applyDefaults() {
	if o.ServerHost == "" {
		o.ServerHost = "localhost"
	}
	if o.APIPrefix == "" {
		o.APIPrefix = "/api/opencode"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = 60 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = BackoffBaseDelay
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = BackoffMaxDelay
	}
}

// connection is the registry entry for one port. An entry exists exactly
// while its connector loop is running; the loop removes it on exit.
type connection struct {
	port      int
	state     types.ConnectionState
	lastEvent time.Time
	attempt   int
	cancel    context.CancelFunc
}

// Manager owns discovery, the per-server stream connectors, the health
// monitor, the routing caches, and the fan-out. Construct one per
// application and pass it by reference; it is safe for concurrent use.
type Manager struct {
	id      string
	opts    Options
	disco   *discovery.Client
	streams *stream.Client
	bus     *event.Bus

	mu               sync.Mutex
	started          bool
	suspended        bool
	discoveryDone    bool
	servers          map[int]types.DiscoveredServer
	conns            map[int]*connection
	directoryToPorts map[string][]int
	sessionToPort    map[string]int

	rootCtx    context.Context
	rootCancel context.CancelFunc
	kick       chan struct{}
	wg         sync.WaitGroup
}

// NewManager creates a Manager. Start must be called before it discovers
// anything; a freshly constructed manager reports an empty snapshot.
func NewManager(opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		id:               ulid.Make().String(),
		opts:             opts,
		disco:            discovery.NewClient(opts.DiscoveryURL, opts.CheckPIDs),
		streams:          stream.NewClient(),
		bus:              event.NewBus(),
		servers:          make(map[int]types.DiscoveredServer),
		conns:            make(map[int]*connection),
		directoryToPorts: make(map[string][]int),
		sessionToPort:    make(map[string]int),
	}
}

// ID returns the hub instance identifier.
func (m *Manager) ID() string { return m.id }

// Start launches the discovery loop and the health monitor. Calling Start
// on a started manager is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.suspended = false
	ctx, cancel := context.WithCancel(context.Background())
	m.rootCtx = ctx
	m.rootCancel = cancel
	m.kick = make(chan struct{}, 1)
	m.mu.Unlock()

	logging.Info().Str("discovery", m.opts.DiscoveryURL).Msg("hub starting")

	m.wg.Add(2)
	go m.discoveryLoop(ctx)
	go m.healthLoop(ctx)

	m.emitState()
}

// Stop aborts every connector, stops the timers, clears all caches, and
// leaves the manager restartable. Subscribers stay registered across a
// restart.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.rootCancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.servers = make(map[int]types.DiscoveredServer)
	m.conns = make(map[int]*connection)
	m.directoryToPorts = make(map[string][]int)
	m.sessionToPort = make(map[string]int)
	m.discoveryDone = false
	m.suspended = false
	m.mu.Unlock()

	logging.Info().Msg("hub stopped")
	m.emitState()
}

// Close stops the manager and shuts down its fan-out bus. The manager is
// not usable afterwards.
func (m *Manager) Close() error {
	m.Stop()
	return m.bus.Close()
}

// Suspend pauses discovery polling. Streams already open stay open.
func (m *Manager) Suspend() {
	m.mu.Lock()
	if m.suspended {
		m.mu.Unlock()
		return
	}
	m.suspended = true
	m.mu.Unlock()

	logging.Debug().Msg("discovery suspended")
	m.emitState()
}

// Resume re-enables discovery polling and triggers an immediate poll to
// catch up.
func (m *Manager) Resume() {
	m.mu.Lock()
	if !m.suspended {
		m.mu.Unlock()
		return
	}
	m.suspended = false
	started := m.started
	kick := m.kick
	m.mu.Unlock()

	logging.Debug().Msg("discovery resumed")
	if started {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
	m.emitState()
}

// discoveryLoop polls the discovery endpoint on a fixed interval. The first
// poll runs immediately.
func (m *Manager) discoveryLoop(ctx context.Context) {
	defer m.wg.Done()

	m.pollOnce(ctx)

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		case <-m.kick:
			m.pollOnce(ctx)
		}
	}
}

// pollOnce fetches the discovery endpoint and reconciles. Failures are
// logged and swallowed; the next interval retries.
func (m *Manager) pollOnce(ctx context.Context) {
	m.mu.Lock()
	suspended := m.suspended
	m.mu.Unlock()
	if suspended {
		return
	}

	servers, err := m.disco.Fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logging.Warn().Err(err).Msg("discovery poll failed")
		}
		return
	}

	m.reconcile(servers)
}

// reconcile applies a fresh discovery response: rebuilds the directory map
// wholesale, updates and prunes the session map, and diffs the connector
// set against the active ports.
func (m *Manager) reconcile(servers []types.DiscoveredServer) {
	m.mu.Lock()

	active := make(map[int]types.DiscoveredServer, len(servers))
	for _, srv := range servers {
		active[srv.Port] = srv
	}

	changed := len(active) != len(m.servers)
	if !changed {
		for port := range active {
			if _, ok := m.servers[port]; !ok {
				changed = true
				break
			}
		}
	}

	m.servers = active

	// directoryToPorts is rebuilt in full every poll; stale directories
	// are dropped, never merged.
	dirs := make(map[string][]int, len(servers))
	for _, srv := range servers {
		dirs[srv.Directory] = append(dirs[srv.Directory], srv.Port)
	}
	for _, ports := range dirs {
		sort.Ints(ports)
	}
	m.directoryToPorts = dirs

	// Pre-populate session routing from enumerated sessions.
	for _, srv := range servers {
		for _, id := range srv.Sessions {
			m.sessionToPort[id] = srv.Port
		}
	}

	// Prune sessions owned by ports that are gone.
	for id, port := range m.sessionToPort {
		if _, ok := active[port]; !ok {
			delete(m.sessionToPort, id)
		}
	}

	// Diff the connector set.
	var toStop []*connection
	for port, conn := range m.conns {
		if _, ok := active[port]; !ok {
			toStop = append(toStop, conn)
		}
	}
	var toStart []int
	for port := range active {
		if _, ok := m.conns[port]; !ok {
			toStart = append(toStart, port)
		}
	}
	sort.Ints(toStart)

	m.discoveryDone = true
	m.mu.Unlock()

	for _, conn := range toStop {
		logging.Info().Int("port", conn.port).Msg("server gone, stopping stream")
		conn.cancel()
	}
	for _, port := range toStart {
		logging.Info().Int("port", port).Msg("server discovered, starting stream")
		m.spawnConnector(port)
	}

	if changed {
		m.emitState()
	}
}

// healthLoop sweeps the registry and force-reconnects streams that have
// gone silent for longer than the stale timeout.
func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepStale()
		}
	}
}

func (m *Manager) sweepStale() {
	now := time.Now()

	m.mu.Lock()
	var stale []*connection
	for _, conn := range m.conns {
		if now.Sub(conn.lastEvent) > m.opts.StaleTimeout {
			stale = append(stale, conn)
		}
	}
	m.mu.Unlock()
	sort.Slice(stale, func(i, j int) bool { return stale[i].port < stale[j].port })

	for _, conn := range stale {
		// Discovery may have delisted the port, or an earlier respawn
		// replaced the entry, since the snapshot above; act only on
		// connections still registered.
		m.mu.Lock()
		current := m.conns[conn.port] == conn
		m.mu.Unlock()
		if !current {
			continue
		}

		logging.Warn().
			Int("port", conn.port).
			Time("lastEvent", conn.lastEvent).
			Msg("stream stale, forcing reconnect")
		conn.cancel()
		// A health-triggered reconnect is not a failure: retry promptly.
		m.spawnConnector(conn.port)
	}
}
