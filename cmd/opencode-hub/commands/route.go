package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

var (
	routeHubURL    string
	routeDirectory string
)

var routeCmd = &cobra.Command{
	Use:   "route [sessionID]",
	Short: "Resolve which server owns a session or directory",
	Long: `Ask a running hub which backend server a session or directory is
routed to and print the resolved base URL.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRoute,
}

func init() {
	routeCmd.Flags().StringVar(&routeHubURL, "hub", "http://127.0.0.1:4055", "Hub base URL")
	routeCmd.Flags().StringVar(&routeDirectory, "directory", "", "Directory to resolve (fallback when a sessionID is given)")
}

func runRoute(cmd *cobra.Command, args []string) error {
	base := strings.TrimRight(routeHubURL, "/")

	var reqURL string
	switch {
	case len(args) == 1:
		reqURL = fmt.Sprintf("%s/route/session/%s", base, url.PathEscape(args[0]))
		if routeDirectory != "" {
			reqURL += "?directory=" + url.QueryEscape(routeDirectory)
		}
	case routeDirectory != "":
		reqURL = base + "/route/directory?directory=" + url.QueryEscape(routeDirectory)
	default:
		return fmt.Errorf("a sessionID argument or --directory is required")
	}

	resp, err := http.Get(reqURL)
	if err != nil {
		return fmt.Errorf("query hub: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		BaseURL string `json:"baseUrl"`
		Port    int    `json:"port"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if body.Error != nil {
			return fmt.Errorf("%s", body.Error.Message)
		}
		return fmt.Errorf("hub returned %d", resp.StatusCode)
	}

	if body.Port != 0 {
		fmt.Printf("%s (port %d)\n", body.BaseURL, body.Port)
	} else {
		fmt.Println(body.BaseURL)
	}
	return nil
}
