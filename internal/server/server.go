// Package server exposes the hub's aggregated feed and routing table over
// HTTP, so UI clients hold a single connection instead of one per backend.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opencode-ai/opencode-hub/internal/hub"
)

// Config holds server configuration.
type Config struct {
	Listen      string
	EnableCORS  bool
	ReadTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:4055",
		EnableCORS:  true,
		ReadTimeout: 30 * time.Second,
	}
}

// Server is the hub's HTTP server.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server
	manager *hub.Manager
}

// New creates a Server over the given manager.
func New(cfg *Config, manager *hub.Manager) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{
		config:  cfg,
		router:  chi.NewRouter(),
		manager: manager,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server. It blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.router,
		ReadTimeout: s.config.ReadTimeout,
		// No write timeout: /event streams stay open indefinitely.
		WriteTimeout: 0,
	}

	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
