package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/opencode-hub/internal/stream"
)

var watchHubURL string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail the unified event feed",
	Long: `Connect to a running hub and print every event from every
discovered OpenCode server as it arrives.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchHubURL, "hub", "http://127.0.0.1:4055", "Hub base URL")
}

var (
	dirColor       = color.New(color.FgHiBlack)
	portColor      = color.New(color.FgBlue)
	sessionColor   = color.New(color.FgCyan)
	statusColor    = color.New(color.FgYellow)
	idleColor      = color.New(color.FgGreen)
	connectedColor = color.New(color.FgGreen, color.Bold)
)

// watchItem mirrors the hub's feed item shape.
type watchItem struct {
	Port      int    `json:"port"`
	Directory string `json:"directory"`
	Payload   struct {
		Type       string          `json:"type"`
		Properties json.RawMessage `json:"properties"`
	} `json:"payload"`
	Type  string `json:"type"`  // set on hub.connected
	HubID string `json:"hubId"` // set on hub.connected
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	client := stream.NewClient()
	st, err := client.Connect(ctx, strings.TrimRight(watchHubURL, "/")+"/event")
	if err != nil {
		return fmt.Errorf("connect to hub: %w", err)
	}
	defer st.Close()

	for {
		frame, err := st.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read feed: %w", err)
		}
		item, ok := decodeItem(frame)
		if !ok {
			continue
		}
		printItem(item)
	}
}

// decodeItem parses one feed frame. Heartbeats, empty frames, and frames
// that are not JSON are skipped.
func decodeItem(frame stream.Frame) (watchItem, bool) {
	if frame.IsHeartbeat() || len(frame.Data) == 0 {
		return watchItem{}, false
	}
	var item watchItem
	if err := json.Unmarshal(frame.Data, &item); err != nil {
		return watchItem{}, false
	}
	return item, true
}

func printItem(item watchItem) {
	if item.Type == "hub.connected" {
		connectedColor.Printf("connected to hub %s\n", item.HubID)
		return
	}

	var props struct {
		SessionID string `json:"sessionID"`
	}
	json.Unmarshal(item.Payload.Properties, &props)

	portColor.Printf(":%d ", item.Port)
	dirColor.Printf("%-30s ", item.Directory)

	switch {
	case item.Payload.Type == "session.idle":
		idleColor.Printf("%-22s", item.Payload.Type)
	case strings.HasPrefix(item.Payload.Type, "session."):
		statusColor.Printf("%-22s", item.Payload.Type)
	default:
		fmt.Printf("%-22s", item.Payload.Type)
	}

	if props.SessionID != "" {
		sessionColor.Printf(" %s", props.SessionID)
	}
	fmt.Println()
}
