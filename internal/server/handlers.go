package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// routeResponse is the payload for routing lookups.
type routeResponse struct {
	BaseURL string `json:"baseUrl"`
	Port    int    `json:"port,omitempty"`
}

// getState returns the aggregate state snapshot.
func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.CurrentState())
}

// getHealth returns per-port connection health.
func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"hubId":             s.manager.ID(),
		"connected":         s.manager.IsConnected(),
		"discoveryComplete": s.manager.IsDiscoveryComplete(),
		"connections":       s.manager.ConnectionHealth(),
	})
}

// routeSession resolves the base URL for a session, with directory-level
// fallback through the optional "directory" query parameter.
func (s *Server) routeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "sessionID is required")
		return
	}
	directory := r.URL.Query().Get("directory")

	baseURL, ok := s.manager.BaseURLForSession(sessionID, directory)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no server known for session")
		return
	}

	port, _ := s.manager.PortForSession(sessionID)
	writeJSON(w, http.StatusOK, routeResponse{BaseURL: baseURL, Port: port})
}

// routeDirectory resolves the base URL for a directory.
func (s *Server) routeDirectory(w http.ResponseWriter, r *http.Request) {
	directory := r.URL.Query().Get("directory")
	if directory == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "directory is required")
		return
	}

	baseURL, ok := s.manager.BaseURLForDirectory(directory)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no server known for directory")
		return
	}

	writeJSON(w, http.StatusOK, routeResponse{BaseURL: baseURL})
}
