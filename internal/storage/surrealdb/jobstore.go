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

const jobSelectFields = "content_hash, title, company, description, location, is_remote, " +
	"salary_min, salary_max, salary_currency, application_url, source, source_id, " +
	"posted_date, first_seen_at, last_seen_at"

// JobStore implements interfaces.JobStore using SurrealDB.
// Jobs are keyed by their content hash.
type JobStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *surrealdb.DB, logger *common.Logger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

// Upsert writes the posting, preserving first_seen_at on re-sighting.
func (s *JobStore) Upsert(ctx context.Context, job *models.Job) error {
	if job.ContentHash == "" {
		return fmt.Errorf("job has no content hash")
	}
	now := time.Now()
	if job.LastSeenAt.IsZero() {
		job.LastSeenAt = now
	}
	if job.FirstSeenAt.IsZero() {
		job.FirstSeenAt = now
	}

	sql := `UPSERT $rid SET
		content_hash = $content_hash, title = $title, company = $company,
		description = $description, location = $location, is_remote = $is_remote,
		salary_min = $salary_min, salary_max = $salary_max, salary_currency = $salary_currency,
		application_url = $application_url, source = $source, source_id = $source_id,
		posted_date = $posted_date,
		first_seen_at = first_seen_at ?? $first_seen_at,
		last_seen_at = $last_seen_at`
	vars := map[string]any{
		"rid":             surrealmodels.NewRecordID("job", job.ContentHash),
		"content_hash":    job.ContentHash,
		"title":           job.Title,
		"company":         job.Company,
		"description":     job.Description,
		"location":        job.Location,
		"is_remote":       job.IsRemote,
		"salary_min":      job.SalaryMin,
		"salary_max":      job.SalaryMax,
		"salary_currency": job.SalaryCurrency,
		"application_url": job.ApplicationURL,
		"source":          job.Source,
		"source_id":       job.SourceID,
		"posted_date":     job.PostedDate,
		"first_seen_at":   job.FirstSeenAt,
		"last_seen_at":    job.LastSeenAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, contentHash string) (*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM job WHERE content_hash = $hash LIMIT 1"
	vars := map[string]any{"hash": contentHash}

	results, err := surrealdb.Query[[]models.Job](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// Compile-time check
var _ interfaces.JobStore = (*JobStore)(nil)
