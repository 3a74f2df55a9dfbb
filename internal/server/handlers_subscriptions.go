package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bobmcallan/scout/internal/models"
	"github.com/bobmcallan/scout/internal/services/scheduler"
)

// handleSubscriptionList handles GET /api/subscriptions?page&limit&status.
func (s *Server) handleSubscriptionList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()
	page, limit := parsePagination(r)

	status := r.URL.Query().Get("status")
	switch status {
	case "", "active", "paused", "inactive":
	default:
		WriteError(w, http.StatusBadRequest, "Invalid status, expected active, paused, or inactive")
		return
	}

	subs, total, err := s.deps.Storage.Subscriptions().List(ctx, page, limit, status)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list subscriptions")
		return
	}

	out := make([]map[string]interface{}, 0, len(subs))
	for _, sub := range subs {
		entry := map[string]interface{}{"subscription": sub}
		if runs, err := s.deps.Storage.Runs().ListBySubscription(ctx, sub.ID, 1); err == nil && len(runs) > 0 {
			run := runs[0]
			entry["last_run"] = map[string]interface{}{
				"id":         run.ID,
				"status":     run.Status,
				"started_at": run.StartedAt,
				"counters":   run.Counters,
			}
		}
		out = append(out, entry)
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": out,
		"pagination":    NewPagination(page, limit, total),
	})
}

// handleSubscriptionGet handles GET /api/subscriptions/{id}.
func (s *Server) handleSubscriptionGet(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()

	sub, err := s.deps.Storage.Subscriptions().Get(ctx, id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to load subscription")
		return
	}
	if sub == nil {
		WriteError(w, http.StatusNotFound, "Subscription not found")
		return
	}

	runs, err := s.deps.Storage.Runs().ListBySubscription(ctx, id, 20)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to load runs")
		return
	}

	resp := map[string]interface{}{
		"subscription": sub,
		"runs":         runs,
	}
	if sub.ResumeHash != "" {
		if skills, err := s.deps.Storage.Matches().TopSkills(ctx, sub.ResumeHash, 10); err == nil {
			resp["top_skills"] = skills
		}
	}

	WriteJSON(w, http.StatusOK, resp)
}

// handleSubscriptionDebug handles POST /api/subscriptions/{id}/debug.
func (s *Server) handleSubscriptionDebug(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	var body struct {
		Enabled json.RawMessage `json:"enabled"`
	}
	if !DecodeJSON(w, r, &body) {
		return
	}
	var enabled bool
	if err := json.Unmarshal(body.Enabled, &enabled); err != nil {
		WriteError(w, http.StatusBadRequest, "enabled must be a boolean")
		return
	}

	sub, err := s.deps.Storage.Subscriptions().Get(ctx, id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to load subscription")
		return
	}
	if sub == nil {
		WriteError(w, http.StatusNotFound, "Subscription not found")
		return
	}

	if err := s.deps.Storage.Subscriptions().SetDebugMode(ctx, id, enabled); err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to update debug mode")
		return
	}

	s.logger.Info().Str("subscription_id", id).Bool("enabled", enabled).Msg("Debug mode toggled")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"subscription_id": id,
		"debug_mode":      enabled,
	})
}

// handleSubscriptionRun handles POST /api/subscriptions/{id}/run.
func (s *Server) handleSubscriptionRun(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	sub, err := s.deps.Storage.Subscriptions().Get(ctx, id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to load subscription")
		return
	}
	if sub == nil {
		WriteError(w, http.StatusNotFound, "Subscription not found")
		return
	}

	if err := s.deps.Scheduler.Trigger(ctx, sub); err != nil {
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			WriteError(w, http.StatusConflict, "A run is already in progress for this subscription")
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to trigger run")
		return
	}

	s.logger.Info().Str("subscription_id", id).Msg("Manual run triggered")
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"subscription_id": id,
		"trigger_type":    models.TriggerManual,
		"status":          "started",
	})
}
