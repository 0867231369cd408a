package testutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/opencode-ai/opencode-hub/pkg/types"
)

// FakeBackend is an in-process stand-in for an OpenCode server. It serves
// only the /event stream and can be stopped and restarted on the same port
// to exercise reconnect paths.
type FakeBackend struct {
	Port      int
	Directory string

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
	clients  map[chan string]struct{}
}

// StartFakeBackend starts a backend on an ephemeral port.
func StartFakeBackend(directory string) (*FakeBackend, error) {
	port, err := FindAvailablePort()
	if err != nil {
		return nil, err
	}
	b := &FakeBackend{
		Port:      port,
		Directory: directory,
		clients:   make(map[chan string]struct{}),
	}
	if err := b.Start(); err != nil {
		return nil, err
	}
	return b, nil
}

// Start begins listening on the backend's port.
func (b *FakeBackend) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", b.Port))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/event", b.handleEvents)

	srv := &http.Server{Handler: mux}

	b.mu.Lock()
	b.listener = listener
	b.srv = srv
	b.mu.Unlock()

	go srv.Serve(listener)
	return nil
}

// Stop closes the listener and drops every connected stream.
func (b *FakeBackend) Stop() {
	b.mu.Lock()
	srv := b.srv
	b.srv = nil
	b.listener = nil
	b.mu.Unlock()

	if srv != nil {
		srv.Close()
	}
}

func (b *FakeBackend) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-ch:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

// Emit sends a raw envelope frame to every connected stream.
func (b *FakeBackend) Emit(frame string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- frame:
		default:
		}
	}
}

// EmitEvent sends an envelope with the backend's directory.
func (b *FakeBackend) EmitEvent(eventType string, properties any) error {
	props, err := json.Marshal(properties)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(map[string]any{
		"directory": b.Directory,
		"payload": map[string]any{
			"type":       eventType,
			"properties": json.RawMessage(props),
		},
	})
	if err != nil {
		return err
	}
	b.Emit(string(frame))
	return nil
}

// Server returns the backend's discovery entry.
func (b *FakeBackend) Server(sessions ...string) types.DiscoveredServer {
	return types.DiscoveredServer{
		Port:      b.Port,
		Directory: b.Directory,
		Sessions:  sessions,
	}
}

// FakeDiscovery serves a mutable discovery list.
type FakeDiscovery struct {
	URL string

	mu      sync.Mutex
	servers []types.DiscoveredServer
	srv     *http.Server
}

// StartFakeDiscovery starts a discovery endpoint on an ephemeral port.
func StartFakeDiscovery() (*FakeDiscovery, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	d := &FakeDiscovery{
		URL:     fmt.Sprintf("http://%s/servers", listener.Addr().String()),
		servers: []types.DiscoveredServer{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d.servers)
	})

	d.srv = &http.Server{Handler: mux}
	go d.srv.Serve(listener)
	return d, nil
}

// Set replaces the advertised server list.
func (d *FakeDiscovery) Set(servers ...types.DiscoveredServer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.servers = servers
}

// Stop shuts the endpoint down.
func (d *FakeDiscovery) Stop() {
	d.srv.Close()
}

// FindAvailablePort finds an available TCP port.
func FindAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
