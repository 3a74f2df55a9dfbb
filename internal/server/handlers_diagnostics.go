package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bobmcallan/scout/internal/models"
)

// handleErrors handles GET /api/errors?limit.
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}

	failed, err := s.deps.Storage.Runs().ListFailed(r.Context(), limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list failed runs")
		return
	}

	out := make([]map[string]interface{}, 0, len(failed))
	for _, run := range failed {
		out = append(out, map[string]interface{}{
			"run_id":          run.ID,
			"subscription_id": run.SubscriptionID,
			"failed_stage":    run.FailedStage,
			"error_message":   run.ErrorMessage,
			"error_context":   run.ErrorContext,
			"completed_at":    run.CompletedAt,
			"warnings":        run.Warnings,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"errors": out})
}

// handleDiagnostics handles GET /api/diagnostics, the live system view.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()

	running, err := s.deps.Storage.Runs().ListRunning(ctx)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list running runs")
		return
	}

	runViews := make([]map[string]interface{}, 0, len(running))
	for _, run := range running {
		runViews = append(runViews, s.diagnoseRun(ctx, run))
	}

	lockKeys, err := s.deps.Lock.ActiveKeys(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list active lock keys")
	}

	recentFailures, err := s.deps.Storage.Runs().ListFailed(ctx, 10)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list recent failures")
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":              time.Since(s.startedAt).Round(time.Second).String(),
		"running_runs":        runViews,
		"queues":              s.deps.Dispatcher.Stats(ctx),
		"active_lock_keys":    lockKeys,
		"recent_failures":     recentFailures,
		"request_cache_size":  s.deps.Dispatcher.DedupSize(),
		"rate_limits":         s.deps.RateLimits.Snapshot(),
		"stuck_threshold_min": int(s.deps.Scheduler.StuckThreshold().Minutes()),
	})
}

// diagnoseRun builds the per-run diagnostics entry with derived issues.
func (s *Server) diagnoseRun(ctx context.Context, run *models.Run) map[string]interface{} {
	duration := time.Since(run.StartedAt)
	minutes := int(duration.Minutes())

	username := ""
	if sub, err := s.deps.Storage.Subscriptions().Get(ctx, run.SubscriptionID); err == nil && sub != nil {
		if user, err := s.deps.Storage.Users().Get(ctx, sub.UserID); err == nil && user != nil {
			username = user.Handle
		}
	}

	lockStatus := "UNLOCKED"
	if held, err := s.deps.Lock.IsHeld(ctx, run.SubscriptionID); err == nil && held {
		lockStatus = "LOCKED"
	}

	var issues []string
	if duration > 30*time.Minute {
		issues = append(issues, "duration over 30 minutes")
	}
	if run.Checkpoint == nil && duration > 10*time.Minute {
		issues = append(issues, "no checkpoint after 10 minutes")
	}
	if lockStatus == "UNLOCKED" {
		issues = append(issues, "lock missing, potential race")
	}
	if run.CurrentStage == models.StageCollection && duration > 15*time.Minute {
		issues = append(issues, "stuck in collection")
	}

	return map[string]interface{}{
		"id":               shortID(run.ID),
		"run_id":           run.ID,
		"subscription_id":  run.SubscriptionID,
		"username":         username,
		"started_at":       run.StartedAt,
		"duration_minutes": minutes,
		"stage":            run.CurrentStage,
		"progress_percent": run.ProgressPct,
		"has_checkpoint":   run.Checkpoint != nil,
		"lock_status":      lockStatus,
		"issues":           issues,
	}
}

// handleFailStuck handles POST /api/diagnostics/fail-stuck.
func (s *Server) handleFailStuck(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var body struct {
		MinAgeMinutes int `json:"min_age_minutes"`
	}
	if !DecodeJSON(w, r, &body) {
		return
	}
	if body.MinAgeMinutes <= 0 {
		WriteError(w, http.StatusBadRequest, "min_age_minutes must be positive")
		return
	}

	minAge := time.Duration(body.MinAgeMinutes) * time.Minute
	failed, err := s.deps.Scheduler.FailStuck(r.Context(), minAge)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to sweep stuck runs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"failed_runs":     failed,
		"min_age_minutes": body.MinAgeMinutes,
		"message":         fmt.Sprintf("Failed %d stuck runs older than %d minutes", failed, body.MinAgeMinutes),
	})
}

// handleStuckThreshold handles GET/POST /api/diagnostics/stuck-threshold,
// the runtime control over the background sweep cutoff.
func (s *Server) handleStuckThreshold(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	if r.Method == http.MethodPost {
		var body struct {
			Minutes int `json:"minutes"`
		}
		if !DecodeJSON(w, r, &body) {
			return
		}
		if body.Minutes <= 0 {
			WriteError(w, http.StatusBadRequest, "minutes must be positive")
			return
		}
		s.deps.Scheduler.SetStuckThreshold(time.Duration(body.Minutes) * time.Minute)
		s.logger.Info().Int("minutes", body.Minutes).Msg("Stuck threshold updated")
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"stuck_threshold_min": int(s.deps.Scheduler.StuckThreshold().Minutes()),
	})
}

// shortID truncates a run id for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
