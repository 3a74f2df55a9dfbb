package server

import (
	"net/http"
	"strings"

	"github.com/bobmcallan/scout/internal/common"
)

// registerRoutes sets up all admin API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)

	// Overview
	mux.HandleFunc("/api/overview", s.handleOverview)

	// Users
	mux.HandleFunc("/api/users/", s.handleUserDetail)
	mux.HandleFunc("/api/users", s.handleUserList)

	// Subscriptions
	mux.HandleFunc("/api/subscriptions/", s.routeSubscriptions)
	mux.HandleFunc("/api/subscriptions", s.handleSubscriptionList)

	// Runs
	mux.HandleFunc("/api/runs/active", s.handleActiveRuns)
	mux.HandleFunc("/api/runs/", s.routeRuns)
	mux.HandleFunc("/api/runs", s.handleRunList)

	// Errors and diagnostics
	mux.HandleFunc("/api/errors", s.handleErrors)
	mux.HandleFunc("/api/diagnostics/fail-stuck", s.handleFailStuck)
	mux.HandleFunc("/api/diagnostics/stuck-threshold", s.handleStuckThreshold)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)

	// Broadcasts
	mux.HandleFunc("/api/broadcasts", s.handleBroadcasts)

	// Live dashboard stream
	mux.HandleFunc("/api/ws/runs", s.handleRunsWS)
}

// routeSubscriptions dispatches /api/subscriptions/{id}[/{action}].
func (s *Server) routeSubscriptions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/subscriptions/")
	if path == "" {
		s.handleSubscriptionList(w, r)
		return
	}

	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleSubscriptionGet(w, r, id)
	case "debug":
		s.handleSubscriptionDebug(w, r, id)
	case "run":
		s.handleSubscriptionRun(w, r, id)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

// routeRuns dispatches /api/runs/{id}[/{action}].
func (s *Server) routeRuns(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if path == "" {
		s.handleRunList(w, r)
		return
	}

	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleRunGet(w, r, id)
	case "stop":
		s.handleRunStop(w, r, id)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

// --- System handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}
