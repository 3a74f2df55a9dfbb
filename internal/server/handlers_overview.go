package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bobmcallan/scout/internal/models"
)

// overviewPeriod resolves the period query parameter to a cutoff duration.
// A zero duration means all time.
func overviewPeriod(period string) (time.Duration, string, bool) {
	switch period {
	case "", "24h":
		return 24 * time.Hour, "Last 24 hours", true
	case "7d":
		return 7 * 24 * time.Hour, "Last 7 days", true
	case "30d":
		return 30 * 24 * time.Hour, "Last 30 days", true
	case "all":
		return 0, "All time", true
	}
	return 0, "", false
}

// handleOverview handles GET /api/overview?period=24h|7d|30d|all&compare=true|false.
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()

	period := r.URL.Query().Get("period")
	window, label, ok := overviewPeriod(period)
	if !ok {
		WriteError(w, http.StatusBadRequest, "Invalid period, expected 24h, 7d, 30d, or all")
		return
	}
	if period == "" {
		period = "24h"
	}

	userCount, err := s.deps.Storage.Users().Count(ctx)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to count users")
		return
	}
	subTotal, err := s.deps.Storage.Subscriptions().Count(ctx)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to count subscriptions")
		return
	}
	subActive, err := s.deps.Storage.Subscriptions().CountActive(ctx)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to count active subscriptions")
		return
	}

	activity, err := s.periodStats(ctx, window)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to aggregate activity")
		return
	}
	activity.Period = period
	activity.PeriodLabel = label

	resp := map[string]interface{}{
		"users": userCount,
		"subscriptions": map[string]int{
			"total":  subTotal,
			"active": subActive,
		},
		"activity": activity,
	}

	if r.URL.Query().Get("compare") == "true" && window > 0 {
		if cmp, err := s.periodComparison(ctx, activity, window); err == nil {
			resp["comparison"] = cmp
		}
	}

	WriteJSON(w, http.StatusOK, resp)
}

// periodStats aggregates run counters since now-window (all time when zero).
func (s *Server) periodStats(ctx context.Context, window time.Duration) (*models.ActivityStats, error) {
	since := time.Time{}
	if window > 0 {
		since = time.Now().Add(-window)
	}
	return s.deps.Storage.Runs().Stats(ctx, since)
}

// periodComparison derives the preceding window's stats by subtracting the
// current window from a double-width one, then computes per-metric change.
func (s *Server) periodComparison(ctx context.Context, current *models.ActivityStats, window time.Duration) (map[string]interface{}, error) {
	double, err := s.periodStats(ctx, 2*window)
	if err != nil {
		return nil, err
	}

	previous := models.ActivityStats{
		JobsScanned:       double.JobsScanned - current.JobsScanned,
		MatchesFound:      double.MatchesFound - current.MatchesFound,
		NotificationsSent: double.NotificationsSent - current.NotificationsSent,
		TotalRuns:         double.TotalRuns - current.TotalRuns,
		FailedRuns:        double.FailedRuns - current.FailedRuns,
	}

	return map[string]interface{}{
		"previous": previous,
		"change_percent": map[string]interface{}{
			"jobs_scanned":       pctChange(current.JobsScanned, previous.JobsScanned),
			"matches_found":      pctChange(current.MatchesFound, previous.MatchesFound),
			"notifications_sent": pctChange(current.NotificationsSent, previous.NotificationsSent),
			"total_runs":         pctChange(current.TotalRuns, previous.TotalRuns),
			"failed_runs":        pctChange(current.FailedRuns, previous.FailedRuns),
		},
	}, nil
}

// pctChange returns the percent change from prev to cur, nil when prev is zero.
func pctChange(cur, prev int) *float64 {
	if prev == 0 {
		return nil
	}
	v := float64(cur-prev) / float64(prev) * 100
	return &v
}
