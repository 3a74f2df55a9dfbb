package server

import (
	"net/http"
	"time"

	"github.com/bobmcallan/scout/internal/models"
)

// handleRunList handles GET /api/runs?page&limit&status.
func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()
	page, limit := parsePagination(r)

	status := r.URL.Query().Get("status")
	switch status {
	case "", models.RunStatusRunning, models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled:
	default:
		WriteError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	runs, total, err := s.deps.Storage.Runs().List(ctx, page, limit, status)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":       runs,
		"pagination": NewPagination(page, limit, total),
	})
}

// handleRunGet handles GET /api/runs/{id}.
func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	run, err := s.deps.Storage.Runs().Get(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to load run")
		return
	}
	if run == nil {
		WriteError(w, http.StatusNotFound, "Run not found")
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

// handleRunStop handles POST /api/runs/{id}/stop. The cancel flag is
// observed by workers and the pipeline at their next check point; the run
// transitions to cancelled at its next stage boundary.
func (s *Server) handleRunStop(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	run, err := s.deps.Storage.Runs().Get(ctx, id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to load run")
		return
	}
	if run == nil {
		WriteError(w, http.StatusNotFound, "Run not found")
		return
	}
	if models.IsTerminal(run.Status) {
		WriteError(w, http.StatusConflict, "Run already finished")
		return
	}

	removed, err := s.deps.Dispatcher.CancelRun(ctx, id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to cancel run")
		return
	}

	s.logger.Info().Str("run_id", id).Interface("removed", removed).Msg("Run stop requested")
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id":       id,
		"status":       "cancelling",
		"removed_jobs": removed,
	})
}

// handleActiveRuns handles GET /api/runs/active.
func (s *Server) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	running, err := s.deps.Storage.Runs().ListRunning(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list running runs")
		return
	}

	out := make([]map[string]interface{}, 0, len(running))
	for _, run := range running {
		out = append(out, map[string]interface{}{
			"id":               run.ID,
			"subscription_id":  run.SubscriptionID,
			"trigger_type":     run.TriggerType,
			"started_at":       run.StartedAt,
			"duration_minutes": int(time.Since(run.StartedAt).Minutes()),
			"stage":            run.CurrentStage,
			"progress_percent": run.ProgressPct,
			"progress_detail":  run.ProgressDetail,
			"counters":         run.Counters,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"runs": out})
}
