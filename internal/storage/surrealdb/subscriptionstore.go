package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
)

// subscriptionSelectFields aliases subscription_id to id for struct mapping.
const subscriptionSelectFields = "subscription_id as id, user_id, job_titles, normalized_locations, job_types, " +
	"min_score, date_posted, excluded_titles, excluded_companies, resume_text, resume_hash, " +
	"is_active, is_paused, debug_mode, next_run_at, last_search_at, created_at"

// SubscriptionStore implements interfaces.SubscriptionStore using SurrealDB.
type SubscriptionStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewSubscriptionStore creates a new SubscriptionStore.
func NewSubscriptionStore(db *surrealdb.DB, logger *common.Logger) *SubscriptionStore {
	return &SubscriptionStore{db: db, logger: logger}
}

func (s *SubscriptionStore) Get(ctx context.Context, id string) (*models.Subscription, error) {
	sql := "SELECT " + subscriptionSelectFields + " FROM subscription WHERE subscription_id = $id LIMIT 1"
	vars := map[string]any{"id": id}

	results, err := surrealdb.Query[[]models.Subscription](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

func (s *SubscriptionStore) Save(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()[:8]
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}

	sql := `UPSERT $rid SET
		subscription_id = $subscription_id, user_id = $user_id, job_titles = $job_titles,
		normalized_locations = $locations, job_types = $job_types, min_score = $min_score,
		date_posted = $date_posted, excluded_titles = $excluded_titles,
		excluded_companies = $excluded_companies, resume_text = $resume_text,
		resume_hash = $resume_hash, is_active = $is_active, is_paused = $is_paused,
		debug_mode = $debug_mode, next_run_at = $next_run_at,
		last_search_at = $last_search_at, created_at = $created_at`
	vars := map[string]any{
		"rid":                surrealmodels.NewRecordID("subscription", sub.ID),
		"subscription_id":    sub.ID,
		"user_id":            sub.UserID,
		"job_titles":         sub.JobTitles,
		"locations":          sub.Locations,
		"job_types":          sub.JobTypes,
		"min_score":          sub.MinScore,
		"date_posted":        sub.DatePosted,
		"excluded_titles":    sub.ExcludedTitles,
		"excluded_companies": sub.ExcludedCompanies,
		"resume_text":        sub.ResumeText,
		"resume_hash":        sub.ResumeHash,
		"is_active":          sub.IsActive,
		"is_paused":          sub.IsPaused,
		"debug_mode":         sub.DebugMode,
		"next_run_at":        sub.NextRunAt,
		"last_search_at":     sub.LastSearchAt,
		"created_at":         sub.CreatedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) Delete(ctx context.Context, id string) error {
	sql := "DELETE $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("subscription", id)}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Subscription, error) {
	if limit <= 0 {
		limit = 50
	}
	sql := "SELECT " + subscriptionSelectFields + " FROM subscription " +
		"WHERE is_active = true AND is_paused = false AND next_run_at <= $now " +
		"ORDER BY next_run_at ASC LIMIT $limit"
	vars := map[string]any{"now": now, "limit": limit}
	return s.querySubscriptions(ctx, sql, vars)
}

func (s *SubscriptionStore) List(ctx context.Context, page, limit int, status string) ([]*models.Subscription, int, error) {
	limit, start := clampPage(page, limit)

	where := ""
	switch status {
	case "active":
		where = "WHERE is_active = true AND is_paused = false "
	case "paused":
		where = "WHERE is_active = true AND is_paused = true "
	case "inactive":
		where = "WHERE is_active = false "
	}

	countSQL := "SELECT count() AS cnt FROM subscription " + where + "GROUP ALL"
	total, err := s.queryCount(ctx, countSQL, nil)
	if err != nil {
		return nil, 0, err
	}

	sql := "SELECT " + subscriptionSelectFields + " FROM subscription " + where +
		"ORDER BY created_at DESC LIMIT $limit START $start"
	vars := map[string]any{"limit": limit, "start": start}

	subs, err := s.querySubscriptions(ctx, sql, vars)
	if err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

func (s *SubscriptionStore) ListByUser(ctx context.Context, userID string) ([]*models.Subscription, error) {
	sql := "SELECT " + subscriptionSelectFields + " FROM subscription WHERE user_id = $user_id ORDER BY created_at ASC"
	vars := map[string]any{"user_id": userID}
	return s.querySubscriptions(ctx, sql, vars)
}

func (s *SubscriptionStore) SetDebugMode(ctx context.Context, id string, enabled bool) error {
	sql := "UPDATE $rid SET debug_mode = $enabled"
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID("subscription", id),
		"enabled": enabled,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set debug mode: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) Reschedule(ctx context.Context, id string, nextRunAt, lastSearchAt time.Time) error {
	sql := "UPDATE $rid SET next_run_at = $next_run_at, last_search_at = $last_search_at"
	vars := map[string]any{
		"rid":            surrealmodels.NewRecordID("subscription", id),
		"next_run_at":    nextRunAt,
		"last_search_at": lastSearchAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to reschedule subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) Count(ctx context.Context) (int, error) {
	return s.queryCount(ctx, "SELECT count() AS cnt FROM subscription GROUP ALL", nil)
}

func (s *SubscriptionStore) CountActive(ctx context.Context) (int, error) {
	return s.queryCount(ctx, "SELECT count() AS cnt FROM subscription WHERE is_active = true AND is_paused = false GROUP ALL", nil)
}

func (s *SubscriptionStore) querySubscriptions(ctx context.Context, sql string, vars map[string]any) ([]*models.Subscription, error) {
	results, err := surrealdb.Query[[]models.Subscription](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}

	var subs []*models.Subscription
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			subs = append(subs, &(*results)[0].Result[i])
		}
	}
	return subs, nil
}

func (s *SubscriptionStore) queryCount(ctx context.Context, sql string, vars map[string]any) (int, error) {
	type countResult struct {
		Cnt int `json:"cnt"`
	}

	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt, nil
	}
	return 0, nil
}

// Compile-time check
var _ interfaces.SubscriptionStore = (*SubscriptionStore)(nil)
