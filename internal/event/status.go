package event

import (
	"encoding/json"
	"strings"

	"github.com/opencode-ai/opencode-hub/pkg/types"
)

// statusAliases maps legacy status vocabulary onto the canonical two states.
// Producers have not agreed on status strings across versions, so anything
// unrecognized resolves to completed rather than leaving a session stuck
// looking busy.
var statusAliases = map[string]types.SessionStatus{
	"running":   types.StatusRunning,
	"pending":   types.StatusRunning,
	"active":    types.StatusRunning,
	"busy":      types.StatusRunning,
	"retry":     types.StatusRunning,
	"completed": types.StatusCompleted,
	"done":      types.StatusCompleted,
	"idle":      types.StatusCompleted,
	"error":     types.StatusCompleted,
}

// NormalizeStatus maps a heterogeneous status representation to the
// canonical two-state enum. It accepts nil, booleans, strings, and objects
// carrying a "type" field; everything else is completed.
func NormalizeStatus(raw any) types.SessionStatus {
	switch v := raw.(type) {
	case nil:
		return types.StatusCompleted
	case bool:
		if v {
			return types.StatusRunning
		}
		return types.StatusCompleted
	case string:
		if status, ok := statusAliases[strings.ToLower(strings.TrimSpace(v))]; ok {
			return status
		}
		return types.StatusCompleted
	case map[string]any:
		if typ, ok := v["type"].(string); ok {
			return NormalizeStatus(typ)
		}
		return types.StatusCompleted
	default:
		return types.StatusCompleted
	}
}

// NormalizeStatusJSON normalizes a raw JSON status value, treating
// missing or malformed JSON as completed.
func NormalizeStatusJSON(raw json.RawMessage) types.SessionStatus {
	if len(raw) == 0 {
		return types.StatusCompleted
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return types.StatusCompleted
	}
	return NormalizeStatus(v)
}
