// Package interfaces defines service contracts for Scout
package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/scout/internal/models"
)

// StorageManager coordinates all relational-store backends.
// The relational store is the system of record for runs, matches, and the
// sent-notification ledger; locks and queues live in the KV store.
type StorageManager interface {
	Users() UserStore
	Subscriptions() SubscriptionStore
	Runs() RunStore
	Jobs() JobStore
	Matches() MatchStore
	Sent() SentStore
	Caches() CacheStore
	Broadcasts() BroadcastStore

	// Lifecycle
	Close() error
}

// UserStore manages end users.
type UserStore interface {
	Get(ctx context.Context, id string) (*models.User, error)
	Save(ctx context.Context, user *models.User) error
	List(ctx context.Context, page, limit int) ([]*models.User, int, error)
	Count(ctx context.Context) (int, error)
}

// SubscriptionStore manages saved searches.
type SubscriptionStore interface {
	Get(ctx context.Context, id string) (*models.Subscription, error)
	Save(ctx context.Context, sub *models.Subscription) error
	Delete(ctx context.Context, id string) error

	// ListDue returns eligible subscriptions with next_run_at <= now,
	// ordered by next_run_at ascending, capped at limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Subscription, error)

	// List pages subscriptions, optionally filtered by status
	// ("active", "paused", "inactive"). Returns the total count.
	List(ctx context.Context, page, limit int, status string) ([]*models.Subscription, int, error)

	ListByUser(ctx context.Context, userID string) ([]*models.Subscription, error)

	SetDebugMode(ctx context.Context, id string, enabled bool) error

	// Reschedule sets next_run_at and last_search_at after a completed run.
	Reschedule(ctx context.Context, id string, nextRunAt, lastSearchAt time.Time) error

	Count(ctx context.Context) (int, error)
	CountActive(ctx context.Context) (int, error)
}

// RunStore manages run lifecycle rows.
type RunStore interface {
	Insert(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, id string) (*models.Run, error)

	// SetStage updates the current stage, progress, and detail.
	// Progress never decreases: lower values are clamped to the stored one.
	SetStage(ctx context.Context, id, stage string, percent int, detail string) error

	SaveCheckpoint(ctx context.Context, id string, checkpoint *models.Checkpoint) error

	// AddCounter atomically adds delta to one of the run counters.
	AddCounter(ctx context.Context, id, field string, delta int) error

	AddWarning(ctx context.Context, id, warning string) error

	Complete(ctx context.Context, id string, counters models.RunCounters) error
	Fail(ctx context.Context, id, stage, message string, errCtx *models.ErrorContext) error
	Cancel(ctx context.Context, id string) error

	// HasRunning reports whether the subscription has a run in status=running.
	HasRunning(ctx context.Context, subscriptionID string) (bool, error)

	List(ctx context.Context, page, limit int, status string) ([]*models.Run, int, error)
	ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*models.Run, error)
	ListRunning(ctx context.Context) ([]*models.Run, error)

	// ListStuck returns running runs started before the cutoff.
	ListStuck(ctx context.Context, startedBefore time.Time) ([]*models.Run, error)

	ListFailed(ctx context.Context, limit int) ([]*models.Run, error)

	// Stats aggregates run counters over a period (zero time = all).
	Stats(ctx context.Context, since time.Time) (*models.ActivityStats, error)
}

// JobStore manages normalized postings.
type JobStore interface {
	// Upsert preserves first_seen_at and refreshes last_seen_at.
	Upsert(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, contentHash string) (*models.Job, error)
}

// MatchStore manages scoring results.
type MatchStore interface {
	// Upsert is keyed by (job_id, resume_hash).
	Upsert(ctx context.Context, match *models.JobMatch) (*models.JobMatch, error)
	Get(ctx context.Context, id string) (*models.JobMatch, error)

	// FindByJobs returns all matches for the given job hashes and resume hash
	// in a single query (the batch cache lookup).
	FindByJobs(ctx context.Context, jobHashes []string, resumeHash string) ([]*models.JobMatch, error)

	// TopSkills returns the most frequent matched skills for a resume hash.
	TopSkills(ctx context.Context, resumeHash string, limit int) ([]models.SkillCount, error)
}

// SentStore is the at-most-once notification ledger.
type SentStore interface {
	// Insert records a send; inserting a duplicate (subscription_id,
	// job_match_id) pair is an error.
	Insert(ctx context.Context, sent *models.SentNotification) error

	// SentMatchIDs returns the job_match_ids already sent for the given
	// subscriptions.
	SentMatchIDs(ctx context.Context, subscriptionIDs []string) (map[string]bool, error)
}

// BroadcastStore records administrator broadcasts.
type BroadcastStore interface {
	Insert(ctx context.Context, b *models.Broadcast) error
	List(ctx context.Context, page, limit int) ([]*models.Broadcast, int, error)
}

// CacheStore manages the query-expansion and query-result caches.
type CacheStore interface {
	GetExpansion(ctx context.Context, key string) (*models.QueryExpansion, error)
	SaveExpansion(ctx context.Context, exp *models.QueryExpansion) error

	SaveQueryResult(ctx context.Context, res *models.QueryResult) error
	GetQueryResult(ctx context.Context, key string) (*models.QueryResult, error)
}
