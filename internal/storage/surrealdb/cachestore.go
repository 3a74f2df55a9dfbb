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

// CacheStore implements the query-expansion and query-result caches on
// SurrealDB. Both tables are keyed by their digest.
type CacheStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewCacheStore creates a new CacheStore.
func NewCacheStore(db *surrealdb.DB, logger *common.Logger) *CacheStore {
	return &CacheStore{db: db, logger: logger}
}

func (s *CacheStore) GetExpansion(ctx context.Context, key string) (*models.QueryExpansion, error) {
	sql := "SELECT key, original_titles, expanded_titles, resume_suggested_titles, created_at " +
		"FROM query_expansion WHERE key = $key LIMIT 1"
	vars := map[string]any{"key": key}

	results, err := surrealdb.Query[[]models.QueryExpansion](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to get expansion: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

func (s *CacheStore) SaveExpansion(ctx context.Context, exp *models.QueryExpansion) error {
	if exp.Key == "" {
		return fmt.Errorf("expansion has no key")
	}
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = time.Now()
	}

	sql := `UPSERT $rid SET
		key = $key, original_titles = $original_titles, expanded_titles = $expanded_titles,
		resume_suggested_titles = $resume_suggested_titles, created_at = $created_at`
	vars := map[string]any{
		"rid":                     surrealmodels.NewRecordID("query_expansion", exp.Key),
		"key":                     exp.Key,
		"original_titles":         exp.OriginalTitles,
		"expanded_titles":         exp.ExpandedTitles,
		"resume_suggested_titles": exp.ResumeSuggestedTitles,
		"created_at":              exp.CreatedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save expansion: %w", err)
	}
	return nil
}

func (s *CacheStore) SaveQueryResult(ctx context.Context, res *models.QueryResult) error {
	if res.Key == "" {
		return fmt.Errorf("query result has no key")
	}
	if res.FetchedAt.IsZero() {
		res.FetchedAt = time.Now()
	}

	sql := `UPSERT $rid SET
		key = $key, query = $query, location = $location, job_count = $job_count,
		fetched_at = $fetched_at, expires_at = $expires_at`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("query_result", res.Key),
		"key":        res.Key,
		"query":      res.Query,
		"location":   res.Location,
		"job_count":  res.JobCount,
		"fetched_at": res.FetchedAt,
		"expires_at": res.ExpiresAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save query result: %w", err)
	}
	return nil
}

// GetQueryResult returns the stored record for a request digest.
// Expired rows are treated as absent.
func (s *CacheStore) GetQueryResult(ctx context.Context, key string) (*models.QueryResult, error) {
	sql := "SELECT key, query, location, job_count, fetched_at, expires_at " +
		"FROM query_result WHERE key = $key LIMIT 1"
	vars := map[string]any{"key": key}

	results, err := surrealdb.Query[[]models.QueryResult](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to get query result: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}

	res := (*results)[0].Result[0]
	if !res.ExpiresAt.IsZero() && res.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}
	return &res, nil
}

// Compile-time check
var _ interfaces.CacheStore = (*CacheStore)(nil)
