package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Aggregate state
	r.Get("/state", s.getState)
	r.Get("/health", s.getHealth)

	// Routing table
	r.Route("/route", func(r chi.Router) {
		r.Get("/session/{sessionID}", s.routeSession)
		r.Get("/directory", s.routeDirectory)
	})

	// Unified feed
	r.Get("/event", s.events)
	r.Get("/ws", s.websocketFeed)
}
