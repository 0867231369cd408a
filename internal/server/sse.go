package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/opencode-hub/internal/event"
	"github.com/opencode-ai/opencode-hub/internal/hub"
	"github.com/opencode-ai/opencode-hub/internal/logging"
)

// SSEHeartbeatInterval is the interval for SSE heartbeats.
const SSEHeartbeatInterval = 30 * time.Second

// FeedItem is one aggregated event as served to hub clients: the envelope
// plus the backend port it arrived on and a hub-assigned sequence ID.
type FeedItem struct {
	ID        string        `json:"id"`
	Port      int           `json:"port"`
	Directory string        `json:"directory"`
	Payload   event.Payload `json:"payload"`
}

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData)
	if err != nil {
		return err
	}

	// ResponseController flushes through middleware wrappers; fall back to
	// the plain flusher if it cannot.
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}

	return nil
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// events streams the unified feed to one client.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	// Tell the client who it reached before any feed items.
	connected := map[string]any{"type": "hub.connected", "hubId": s.manager.ID()}
	if err := sse.writeEvent("message", connected); err != nil {
		return
	}

	items := make(chan FeedItem, 32)
	unsub := s.manager.OnSourcedEvent(func(src hub.Sourced) {
		item := FeedItem{
			ID:        ulid.Make().String(),
			Port:      src.Port,
			Directory: src.Envelope.Directory,
			Payload:   src.Envelope.Payload,
		}
		select {
		case items <- item:
		default:
			logging.Warn().
				Str("eventType", src.Envelope.Payload.Type).
				Msg("SSE feed item dropped: channel full")
		}
	})
	defer unsub()

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case item := <-items:
			if err := sse.writeEvent("message", item); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
