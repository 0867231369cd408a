package testutil

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/opencode-ai/opencode-hub/internal/hub"
	"github.com/opencode-ai/opencode-hub/internal/server"
)

// TestHub is a running hub instance wired to a fake discovery endpoint.
type TestHub struct {
	BaseURL   string
	Manager   *hub.Manager
	Discovery *FakeDiscovery

	srv *server.Server
}

// StartTestHub starts a manager and its HTTP server against a fresh fake
// discovery endpoint. Intervals are shortened so tests converge quickly.
func StartTestHub() (*TestHub, error) {
	disco, err := StartFakeDiscovery()
	if err != nil {
		return nil, err
	}

	manager := hub.NewManager(hub.Options{
		DiscoveryURL:   disco.URL,
		ServerHost:     "127.0.0.1",
		PollInterval:   50 * time.Millisecond,
		HealthInterval: 100 * time.Millisecond,
		StaleTimeout:   time.Hour,
		BackoffBase:    20 * time.Millisecond,
		BackoffMax:     100 * time.Millisecond,
		CheckPIDs:      false,
	})
	manager.Start()

	port, err := FindAvailablePort()
	if err != nil {
		manager.Close()
		disco.Stop()
		return nil, err
	}
	listen := fmt.Sprintf("127.0.0.1:%d", port)

	srv := server.New(&server.Config{Listen: listen, EnableCORS: true}, manager)
	go srv.Start()

	th := &TestHub{
		BaseURL:   "http://" + listen,
		Manager:   manager,
		Discovery: disco,
		srv:       srv,
	}

	if err := waitForHub(th.BaseURL, 10*time.Second); err != nil {
		th.Stop()
		return nil, err
	}
	return th, nil
}

// SSEClient returns an SSE client bound to the hub.
func (th *TestHub) SSEClient() *SSEClient {
	return NewSSEClient(th.BaseURL)
}

// Stop shuts everything down.
func (th *TestHub) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := th.srv.Shutdown(ctx)
	th.Manager.Close()
	th.Discovery.Stop()
	return err
}

// waitForHub waits for the hub's health endpoint to answer.
func waitForHub(baseURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("hub not ready after %v", timeout)
}

// Eventually polls cond until it returns true or the timeout elapses.
func Eventually(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
