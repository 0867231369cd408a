// Package discovery fetches the set of reachable backend servers from the
// discovery endpoint.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/opencode-ai/opencode-hub/internal/logging"
	"github.com/opencode-ai/opencode-hub/pkg/types"
)

// DefaultTimeout bounds a single discovery fetch.
const DefaultTimeout = 10 * time.Second

// Client polls the discovery endpoint.
type Client struct {
	// URL is the discovery endpoint.
	URL string
	// HTTPClient is used for fetches. Defaults to a client with
	// DefaultTimeout.
	HTTPClient *http.Client
	// CheckPIDs drops servers whose process has already exited. Discovery
	// responses can lag a crashed server by one poll; checking the PID
	// removes it immediately.
	CheckPIDs bool
}

// NewClient creates a discovery client for the given endpoint.
func NewClient(url string, checkPIDs bool) *Client {
	return &Client{
		URL:        url,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		CheckPIDs:  checkPIDs,
	}
}

// Fetch returns the currently reachable servers. A non-2xx response or a
// malformed body is an error; callers treat any error as "no servers this
// round" and keep polling.
func (c *Client) Fetch(ctx context.Context) ([]types.DiscoveredServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery returned status %d", resp.StatusCode)
	}

	var servers []types.DiscoveredServer
	if err := json.NewDecoder(resp.Body).Decode(&servers); err != nil {
		return nil, fmt.Errorf("failed to decode discovery response: %w", err)
	}

	if c.CheckPIDs {
		servers = filterLive(ctx, servers)
	}

	return servers, nil
}

// filterLive drops servers whose PID no longer exists. A PID of zero is
// kept: some discovery backends omit it.
func filterLive(ctx context.Context, servers []types.DiscoveredServer) []types.DiscoveredServer {
	live := servers[:0]
	for _, srv := range servers {
		if srv.PID > 0 {
			exists, err := process.PidExistsWithContext(ctx, int32(srv.PID))
			if err == nil && !exists {
				logging.Debug().
					Int("port", srv.Port).
					Int("pid", srv.PID).
					Msg("discovered server process is gone, dropping")
				continue
			}
		}
		live = append(live, srv)
	}
	return live
}
