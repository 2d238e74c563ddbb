// Package server provides the HTTP surface of the orchestrator agent:
// the synchronous A2A endpoint, the AG-UI streaming endpoint and the health
// and system status probes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/trustmycode/moex-agent/internal/agent"
	"github.com/trustmycode/moex-agent/internal/config"
)

// Config holds server configuration.
type Config struct {
	Port    int
	Agent   config.AgentConfig
	Service *agent.Service
	Log     zerolog.Logger
}

// Server represents the agent HTTP server.
type Server struct {
	router        *chi.Mux
	server        *http.Server
	service       *agent.Service
	statusMonitor *StatusMonitor
	log           zerolog.Logger
}

// New creates a new HTTP server with routes registered.
func New(cfg Config) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		service:       cfg.Service,
		statusMonitor: NewStatusMonitor(cfg.Log),
		log:           cfg.Log.With().Str("component", "server").Logger(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Post("/a2a", s.handleA2A)
	s.router.Post("/agui", s.handleAGUI)
	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
		})
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start launches the status monitor and begins serving. Blocks until the
// listener fails or Stop is called.
func (s *Server) Start() error {
	s.statusMonitor.Start()
	s.log.Info().Str("addr", s.server.Addr).Msg("Agent server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("agent server: %w", err)
	}
	return nil
}

// Stop shuts down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.statusMonitor.Stop()
	return s.server.Shutdown(ctx)
}

// Router exposes the chi router for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
