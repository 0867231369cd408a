package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/opencode-hub/internal/hub"
	"github.com/opencode-ai/opencode-hub/internal/logging"
	"github.com/opencode-ai/opencode-hub/pkg/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The hub binds to loopback; cross-origin pages on the same machine
	// are how local frontends talk to it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is the envelope for everything the hub writes to a socket.
type wsMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// websocketFeed streams the unified feed over a WebSocket. Each feed item
// arrives as {"type":"hub.event","payload":FeedItem}; state snapshots and
// normalized status updates arrive as "hub.state" and "hub.status".
func (s *Server) websocketFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	send := make(chan []byte, wsSendBuffer)

	enqueue := func(msg wsMessage) {
		data, err := json.Marshal(msg)
		if err != nil {
			return
		}
		select {
		case send <- data:
		default:
			logging.Warn().Str("type", msg.Type).Msg("WebSocket message dropped: channel full")
		}
	}

	enqueue(wsMessage{Type: "hub.connected", Payload: map[string]string{"hubId": s.manager.ID()}})

	// OnStateChange fires with the current snapshot before returning, so a
	// fresh client sees hub state immediately.
	unsubState := s.manager.OnStateChange(func(snap types.StateSnapshot) {
		enqueue(wsMessage{Type: "hub.state", Payload: snap})
	})
	defer unsubState()

	unsubStatus := s.manager.OnStatus(func(update types.StatusUpdate) {
		enqueue(wsMessage{Type: "hub.status", Payload: update})
	})
	defer unsubStatus()

	unsubEvents := s.manager.OnSourcedEvent(func(src hub.Sourced) {
		enqueue(wsMessage{Type: "hub.event", Payload: FeedItem{
			ID:        ulid.Make().String(),
			Port:      src.Port,
			Directory: src.Envelope.Directory,
			Payload:   src.Envelope.Payload,
		}})
	})
	defer unsubEvents()

	// Read loop only serves close detection; the feed is one-way.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
			return
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
