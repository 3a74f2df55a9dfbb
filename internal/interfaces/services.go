// Package interfaces defines service contracts for Scout
package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/scout/internal/models"
)

// RateLimiter spaces outbound requests per source and reacts to 429s.
type RateLimiter interface {
	// WaitForSlot blocks until the source's next slot and returns the wait.
	WaitForSlot(ctx context.Context, source string) (time.Duration, error)

	RecordSuccess(source string)
	Record429(source string)
	RecordError(source string)

	// Snapshot returns per-source limiter state for diagnostics.
	Snapshot() map[string]models.RateLimitState
}

// Dispatcher is the queue layer: it pushes work to the KV-backed queues and
// awaits results, with in-flight dedup for collection and in-process
// fallback when the KV store is down.
type Dispatcher interface {
	// EnqueueCollection runs one collection request through the dedup cache
	// and the collection queue, returning the scraped postings.
	EnqueueCollection(ctx context.Context, payload models.CollectionPayload, priority int) ([]*models.Job, error)

	// EnqueueMatching scores one job through the matching queue.
	EnqueueMatching(ctx context.Context, payload models.MatchingPayload, priority int) (*models.MatchingResult, error)

	// CancelRun flags the run as cancelled in the KV store and removes its
	// queued jobs, returning removed counts per queue.
	CancelRun(ctx context.Context, runID string) (map[string]int, error)

	// RunCancelled reports whether the run-cancel flag is set.
	RunCancelled(ctx context.Context, runID string) bool

	// Stats returns depth snapshots per queue.
	Stats(ctx context.Context) map[string]models.QueueStats

	// DedupSize returns the in-flight request-dedup cache size.
	DedupSize() int
}

// RunLock is the cross-process single-run mutex per subscription.
type RunLock interface {
	TryAcquire(ctx context.Context, subscriptionID, runID string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, subscriptionID, runID string) error
	Release(ctx context.Context, subscriptionID, runID string) error
	IsHeld(ctx context.Context, subscriptionID string) (bool, error)

	// ActiveKeys lists currently held lock keys for diagnostics.
	ActiveKeys(ctx context.Context) ([]string, error)
}

// Tracker records run lifecycle and progress, and fans out live events.
type Tracker interface {
	StartRun(ctx context.Context, runID, subscriptionID, triggerType string) error
	SetStage(ctx context.Context, runID, stage string, percent int, detail string) error
	SaveCheckpoint(ctx context.Context, runID string, checkpoint *models.Checkpoint) error
	AddCounter(ctx context.Context, runID, field string, delta int) error
	AddWarning(ctx context.Context, runID, warning string) error
	Complete(ctx context.Context, runID string, counters models.RunCounters) error
	Fail(ctx context.Context, runID, stage, message string, errCtx *models.ErrorContext) error
	Cancel(ctx context.Context, runID string) error

	// Subscribe returns a channel of live run events and an unsubscribe func.
	Subscribe() (<-chan models.RunEvent, func())
}

// Pipeline executes the four stages for one subscription.
type Pipeline interface {
	Execute(ctx context.Context, sub *models.Subscription, triggerType string) (*models.PipelineResult, error)
}

// BatchMatcher is the adaptive batch processor over the matching queue.
type BatchMatcher interface {
	// MatchAll scores jobs against a resume, calling onProgress after the
	// cache phase and after every slice.
	MatchAll(ctx context.Context, runCtx models.RunContext, jobs []*models.Job, resumeText, resumeHash string,
		onProgress func(processed, total int)) ([]*models.JobMatch, []error, error)
}

// Notifier renders and delivers match summaries.
type Notifier interface {
	// SendMatches delivers up to the per-run cap of summaries to a chat.
	// Returns one error slot per match; nil means sent.
	SendMatches(ctx context.Context, chatID string, matches []models.MatchNotification) []error
}
