package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
)

// runSelectFields aliases run_id to id for struct mapping.
const runSelectFields = "run_id as id, subscription_id, trigger_type, status, started_at, completed_at, " +
	"duration_ms, current_stage, progress_percent, progress_detail, checkpoint, counters, " +
	"failed_stage, error_message, error_context, warnings"

// counterFields are the run counter names AddCounter accepts.
var counterFields = map[string]bool{
	"jobs_collected":     true,
	"jobs_after_dedup":   true,
	"jobs_matched":       true,
	"notifications_sent": true,
}

// RunStore implements interfaces.RunStore using SurrealDB.
type RunStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *surrealdb.DB, logger *common.Logger) *RunStore {
	return &RunStore{db: db, logger: logger}
}

func (s *RunStore) Insert(ctx context.Context, run *models.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = models.RunStatusRunning
	}

	sql := `UPSERT $rid SET
		run_id = $run_id, subscription_id = $subscription_id, trigger_type = $trigger_type,
		status = $status, started_at = $started_at, progress_percent = $progress,
		current_stage = $stage, counters = $counters, warnings = $warnings`
	vars := map[string]any{
		"rid":             surrealmodels.NewRecordID("run", run.ID),
		"run_id":          run.ID,
		"subscription_id": run.SubscriptionID,
		"trigger_type":    run.TriggerType,
		"status":          run.Status,
		"started_at":      run.StartedAt,
		"progress":        run.ProgressPct,
		"stage":           run.CurrentStage,
		"counters":        run.Counters,
		"warnings":        run.Warnings,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *RunStore) Get(ctx context.Context, id string) (*models.Run, error) {
	sql := "SELECT " + runSelectFields + " FROM run WHERE run_id = $id LIMIT 1"
	vars := map[string]any{"id": id}

	results, err := surrealdb.Query[[]models.Run](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// SetStage advances the current stage. Progress is monotone: a lower
// percent than the stored one is clamped to the stored value.
func (s *RunStore) SetStage(ctx context.Context, id, stage string, percent int, detail string) error {
	sql := `UPDATE $rid SET
		current_stage = $stage,
		progress_percent = math::max([progress_percent, $percent]),
		progress_detail = $detail`
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID("run", id),
		"stage":   stage,
		"percent": percent,
		"detail":  detail,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set stage: %w", err)
	}
	return nil
}

func (s *RunStore) SaveCheckpoint(ctx context.Context, id string, checkpoint *models.Checkpoint) error {
	sql := "UPDATE $rid SET checkpoint = $checkpoint"
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("run", id),
		"checkpoint": checkpoint,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *RunStore) AddCounter(ctx context.Context, id, field string, delta int) error {
	if !counterFields[field] {
		return fmt.Errorf("unknown run counter %q", field)
	}

	sql := fmt.Sprintf("UPDATE $rid SET counters.%s += $delta", field)
	vars := map[string]any{
		"rid":   surrealmodels.NewRecordID("run", id),
		"delta": delta,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to add counter %s: %w", field, err)
	}
	return nil
}

func (s *RunStore) AddWarning(ctx context.Context, id, warning string) error {
	sql := "UPDATE $rid SET warnings += $warning"
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID("run", id),
		"warning": warning,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to add warning: %w", err)
	}
	return nil
}

func (s *RunStore) Complete(ctx context.Context, id string, counters models.RunCounters) error {
	now := time.Now()
	durationMS, err := s.durationSince(ctx, id, now)
	if err != nil {
		return err
	}

	sql := `UPDATE $rid SET
		status = $status, completed_at = $now, duration_ms = $dur,
		progress_percent = 100, current_stage = $stage, counters = $counters`
	vars := map[string]any{
		"rid":      surrealmodels.NewRecordID("run", id),
		"status":   models.RunStatusCompleted,
		"now":      now,
		"dur":      durationMS,
		"stage":    models.StageNotification,
		"counters": counters,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

func (s *RunStore) Fail(ctx context.Context, id, stage, message string, errCtx *models.ErrorContext) error {
	now := time.Now()
	durationMS, err := s.durationSince(ctx, id, now)
	if err != nil {
		return err
	}

	sql := `UPDATE $rid SET
		status = $status, completed_at = $now, duration_ms = $dur,
		failed_stage = $stage, error_message = $message, error_context = $err_ctx`
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID("run", id),
		"status":  models.RunStatusFailed,
		"now":     now,
		"dur":     durationMS,
		"stage":   stage,
		"message": message,
		"err_ctx": errCtx,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	return nil
}

func (s *RunStore) Cancel(ctx context.Context, id string) error {
	now := time.Now()
	durationMS, err := s.durationSince(ctx, id, now)
	if err != nil {
		return err
	}

	sql := "UPDATE $rid SET status = $status, completed_at = $now, duration_ms = $dur"
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID("run", id),
		"status": models.RunStatusCancelled,
		"now":    now,
		"dur":    durationMS,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to cancel run: %w", err)
	}
	return nil
}

func (s *RunStore) HasRunning(ctx context.Context, subscriptionID string) (bool, error) {
	sql := "SELECT count() AS cnt FROM run WHERE subscription_id = $sub AND status = $running GROUP ALL"
	vars := map[string]any{"sub": subscriptionID, "running": models.RunStatusRunning}

	cnt, err := s.queryCount(ctx, sql, vars)
	if err != nil {
		return false, err
	}
	return cnt > 0, nil
}

func (s *RunStore) List(ctx context.Context, page, limit int, status string) ([]*models.Run, int, error) {
	limit, start := clampPage(page, limit)

	where := ""
	countVars := map[string]any{}
	if status != "" {
		where = "WHERE status = $status "
		countVars["status"] = status
	}

	total, err := s.queryCount(ctx, "SELECT count() AS cnt FROM run "+where+"GROUP ALL", countVars)
	if err != nil {
		return nil, 0, err
	}

	sql := "SELECT " + runSelectFields + " FROM run " + where + "ORDER BY started_at DESC LIMIT $limit START $start"
	vars := map[string]any{"limit": limit, "start": start}
	if status != "" {
		vars["status"] = status
	}

	runs, err := s.queryRuns(ctx, sql, vars)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

func (s *RunStore) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	sql := "SELECT " + runSelectFields + " FROM run WHERE subscription_id = $sub ORDER BY started_at DESC LIMIT $limit"
	vars := map[string]any{"sub": subscriptionID, "limit": limit}
	return s.queryRuns(ctx, sql, vars)
}

func (s *RunStore) ListRunning(ctx context.Context) ([]*models.Run, error) {
	sql := "SELECT " + runSelectFields + " FROM run WHERE status = $running ORDER BY started_at ASC"
	vars := map[string]any{"running": models.RunStatusRunning}
	return s.queryRuns(ctx, sql, vars)
}

func (s *RunStore) ListStuck(ctx context.Context, startedBefore time.Time) ([]*models.Run, error) {
	sql := "SELECT " + runSelectFields + " FROM run WHERE status = $running AND started_at < $cutoff ORDER BY started_at ASC"
	vars := map[string]any{"running": models.RunStatusRunning, "cutoff": startedBefore}
	return s.queryRuns(ctx, sql, vars)
}

func (s *RunStore) ListFailed(ctx context.Context, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	sql := "SELECT " + runSelectFields + " FROM run WHERE status = $failed ORDER BY completed_at DESC LIMIT $limit"
	vars := map[string]any{"failed": models.RunStatusFailed, "limit": limit}
	return s.queryRuns(ctx, sql, vars)
}

// Stats aggregates counters over runs started at or after since.
// A zero since covers all runs.
func (s *RunStore) Stats(ctx context.Context, since time.Time) (*models.ActivityStats, error) {
	where := ""
	vars := map[string]any{"failed": models.RunStatusFailed}
	if !since.IsZero() {
		where = "WHERE started_at >= $since "
		vars["since"] = since
	}

	sql := "SELECT math::sum(counters.jobs_collected) AS jobs_scanned, " +
		"math::sum(counters.jobs_matched) AS matches_found, " +
		"math::sum(counters.notifications_sent) AS notifications_sent, " +
		"count() AS total_runs, count(status = $failed) AS failed_runs " +
		"FROM run " + where + "GROUP ALL"

	type statsRow struct {
		JobsScanned       int `json:"jobs_scanned"`
		MatchesFound      int `json:"matches_found"`
		NotificationsSent int `json:"notifications_sent"`
		TotalRuns         int `json:"total_runs"`
		FailedRuns        int `json:"failed_runs"`
	}

	results, err := surrealdb.Query[[]statsRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate run stats: %w", err)
	}

	stats := &models.ActivityStats{}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		row := (*results)[0].Result[0]
		stats.JobsScanned = row.JobsScanned
		stats.MatchesFound = row.MatchesFound
		stats.NotificationsSent = row.NotificationsSent
		stats.TotalRuns = row.TotalRuns
		stats.FailedRuns = row.FailedRuns
	}
	return stats, nil
}

// durationSince reads the run's started_at and returns the elapsed
// milliseconds at the given completion time.
func (s *RunStore) durationSince(ctx context.Context, id string, completedAt time.Time) (int64, error) {
	run, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if run == nil {
		return 0, fmt.Errorf("run %s not found", id)
	}
	return completedAt.Sub(run.StartedAt).Milliseconds(), nil
}

func (s *RunStore) queryRuns(ctx context.Context, sql string, vars map[string]any) ([]*models.Run, error) {
	results, err := surrealdb.Query[[]models.Run](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	var runs []*models.Run
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			runs = append(runs, &(*results)[0].Result[i])
		}
	}
	return runs, nil
}

func (s *RunStore) queryCount(ctx context.Context, sql string, vars map[string]any) (int, error) {
	type countResult struct {
		Cnt int `json:"cnt"`
	}

	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt, nil
	}
	return 0, nil
}

// Compile-time check
var _ interfaces.RunStore = (*RunStore)(nil)
