package event

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Envelope is one frame from a backend server's event stream.
// The wire shape is {"directory": "...", "payload": {"type": "...", "properties": {...}}}.
type Envelope struct {
	Directory string  `json:"directory"`
	Payload   Payload `json:"payload"`
}

// Payload is the inner event carried by an envelope.
type Payload struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// Payload type values produced by opencode servers that the hub inspects.
const (
	TypeSessionCreated = "session.created"
	TypeSessionUpdated = "session.updated"
	TypeSessionStatus  = "session.status"
	TypeSessionIdle    = "session.idle"
	TypeMessageUpdated = "message.updated"
	TypePartUpdated    = "message.part.updated"
	TypeHeartbeat      = "heartbeat"
)

// Variant is a decoded payload. Only the fields the hub actually consumes
// are decoded; everything else stays in the raw properties.
type Variant interface {
	Kind() string
}

// SessionScoped is implemented by variants that can name the session they
// belong to. Routing-cache population is driven by this capability rather
// than ad hoc field probing on every event.
type SessionScoped interface {
	SessionID() (string, bool)
}

// SessionInfo is the subset of a session object the hub reads.
type SessionInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Directory string `json:"directory"`
}

// id returns whichever identifier field the producer populated.
func (s SessionInfo) id() string {
	if s.SessionID != "" {
		return s.SessionID
	}
	return s.ID
}

// SessionCreated is emitted when a server creates a session.
type SessionCreated struct {
	Info SessionInfo `json:"info"`
}

func (SessionCreated) Kind() string { return TypeSessionCreated }

func (e SessionCreated) SessionID() (string, bool) {
	id := e.Info.id()
	return id, id != ""
}

// SessionUpdated is emitted when a session's metadata changes.
type SessionUpdated struct {
	Info SessionInfo `json:"info"`
}

func (SessionUpdated) Kind() string { return TypeSessionUpdated }

func (e SessionUpdated) SessionID() (string, bool) {
	id := e.Info.id()
	return id, id != ""
}

// SessionStatus is emitted when a session's run status changes. Status is
// kept raw: producers disagree on its shape across versions, so it is fed
// through NormalizeStatus.
type SessionStatus struct {
	ID     string          `json:"sessionID"`
	Status json.RawMessage `json:"status"`
}

func (SessionStatus) Kind() string { return TypeSessionStatus }

func (e SessionStatus) SessionID() (string, bool) { return e.ID, e.ID != "" }

// SessionIdle is emitted when a session finishes processing.
type SessionIdle struct {
	ID string `json:"sessionID"`
}

func (SessionIdle) Kind() string { return TypeSessionIdle }

func (e SessionIdle) SessionID() (string, bool) { return e.ID, e.ID != "" }

// MessageUpdated is emitted when a message changes; its info names the
// owning session.
type MessageUpdated struct {
	Info struct {
		SessionID string `json:"sessionID"`
	} `json:"info"`
}

func (MessageUpdated) Kind() string { return TypeMessageUpdated }

func (e MessageUpdated) SessionID() (string, bool) {
	return e.Info.SessionID, e.Info.SessionID != ""
}

// PartUpdated is emitted for streaming message parts.
type PartUpdated struct {
	Part struct {
		SessionID string `json:"sessionID"`
	} `json:"part"`
}

func (PartUpdated) Kind() string { return TypePartUpdated }

func (e PartUpdated) SessionID() (string, bool) {
	return e.Part.SessionID, e.Part.SessionID != ""
}

// Heartbeat is a keep-alive signal with no payload.
type Heartbeat struct{}

func (Heartbeat) Kind() string { return TypeHeartbeat }

// Unrecognized preserves payloads of types the hub does not model. The raw
// properties are kept so downstream consumers lose nothing.
type Unrecognized struct {
	Type       string
	Properties json.RawMessage
}

func (e Unrecognized) Kind() string { return e.Type }

// SessionID probes the known identifier locations in the raw properties.
// TODO: payloads nesting the identifier at session.id are not probed, so
// those events do not populate the routing cache.
func (e Unrecognized) SessionID() (string, bool) {
	for _, path := range []string{"sessionID", "info.sessionID", "part.sessionID"} {
		if v := gjson.GetBytes(e.Properties, path); v.Type == gjson.String && v.Str != "" {
			return v.Str, true
		}
	}
	return "", false
}

// Decode turns a payload into its typed variant. Unknown types and
// undecodable properties fall back to Unrecognized; a malformed known-type
// payload must not tear down the stream that carried it.
func Decode(p Payload) Variant {
	switch p.Type {
	case TypeSessionCreated:
		var v SessionCreated
		if json.Unmarshal(p.Properties, &v) == nil {
			return v
		}
	case TypeSessionUpdated:
		var v SessionUpdated
		if json.Unmarshal(p.Properties, &v) == nil {
			return v
		}
	case TypeSessionStatus:
		var v SessionStatus
		if json.Unmarshal(p.Properties, &v) == nil {
			return v
		}
	case TypeSessionIdle:
		var v SessionIdle
		if json.Unmarshal(p.Properties, &v) == nil {
			return v
		}
	case TypeMessageUpdated:
		var v MessageUpdated
		if json.Unmarshal(p.Properties, &v) == nil {
			return v
		}
	case TypePartUpdated:
		var v PartUpdated
		if json.Unmarshal(p.Properties, &v) == nil {
			return v
		}
	case TypeHeartbeat:
		return Heartbeat{}
	}
	return Unrecognized{Type: p.Type, Properties: p.Properties}
}
