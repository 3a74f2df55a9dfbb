// Package server exposes the admin API: run history, live diagnostics,
// manual triggers, and administrator broadcasts. Every endpoint is JSON
// over HTTP behind the X-Admin-Key header.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/services/scheduler"
)

// Deps carries everything the admin API reads from or acts on.
type Deps struct {
	Config     *common.Config
	Logger     *common.Logger
	Storage    interfaces.StorageManager
	Dispatcher interfaces.Dispatcher
	Tracker    interfaces.Tracker
	RateLimits interfaces.RateLimiter
	Lock       interfaces.RunLock
	Scheduler  *scheduler.Scheduler
	Chat       interfaces.ChatClient
}

// Server wraps the HTTP server and its dependencies.
type Server struct {
	deps      Deps
	logger    *common.Logger
	server    *http.Server
	hub       *RunHub
	startedAt time.Time
}

// NewServer creates the admin API server. Start must be called to listen.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:      deps,
		logger:    deps.Logger,
		hub:       NewRunHub(deps.Tracker, deps.Logger),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := applyMiddleware(mux, deps.Logger, deps.Config)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", deps.Config.Server.Host, deps.Config.Server.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the websocket hub and the HTTP server (blocking).
func (s *Server) Start() error {
	go s.hub.Run()
	s.logger.Info().
		Str("addr", s.server.Addr).
		Bool("admin_key_set", s.deps.Config.Server.AdminKey != "").
		Msg("Starting admin API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and the websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.server.Shutdown(ctx)
}
