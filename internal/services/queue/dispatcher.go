// Package queue implements the two-queue work dispatch layer on the KV
// store: priority queues for collection and matching, worker pools, awaited
// results over pub/sub, in-flight request dedup, and an in-process fallback
// for when the KV store is down.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
	"github.com/bobmcallan/scout/internal/services/dedup"
	kv "github.com/bobmcallan/scout/internal/storage/redis"
)

const (
	progressLogInterval = 10 * time.Second
	unresponsiveAfter   = 2 * time.Minute
	awaitSlack          = 30 * time.Second
	retryBackoffBase    = 2 * time.Second
)

// Dispatcher implements interfaces.Dispatcher.
type Dispatcher struct {
	kv         *kv.Store
	collection *kvQueue
	matching   *kvQueue
	dedup      *dedup.Cache
	workers    *Workers
	logger     *common.Logger
	config     common.QueueConfig

	// In-process fallback semaphores, sized per queue.
	collectionSem chan struct{}
	matchingSem   chan struct{}
}

// NewDispatcher creates the queue layer. workers provides the executors and
// is also used directly by the in-process fallback path.
func NewDispatcher(store *kv.Store, cache *dedup.Cache, workers *Workers, config common.QueueConfig, logger *common.Logger) *Dispatcher {
	return &Dispatcher{
		kv:            store,
		collection:    newKVQueue(models.QueueCollection, store.Client()),
		matching:      newKVQueue(models.QueueMatching, store.Client()),
		dedup:         cache,
		workers:       workers,
		logger:        logger,
		config:        config,
		collectionSem: make(chan struct{}, 2),
		matchingSem:   make(chan struct{}, 5),
	}
}

// Start launches the worker pools and the dedup sweeper.
func (d *Dispatcher) Start() {
	d.dedup.Start()
	d.workers.Start(d)
}

// Stop drains the workers and flushes the dedup cache.
func (d *Dispatcher) Stop() {
	d.workers.Stop()
	d.dedup.Stop()
	d.dedup.Flush()
}

// EnqueueCollection runs a collection request through the dedup cache and
// the collection queue, returning the scraped postings.
func (d *Dispatcher) EnqueueCollection(ctx context.Context, payload models.CollectionPayload, priority int) ([]*models.Job, error) {
	req := payload.Request
	execute := func(ctx context.Context) ([]*models.Job, error) {
		return d.dispatchCollection(ctx, payload, priority)
	}

	if req.SkipCache {
		return execute(ctx)
	}

	key := common.RequestKey(req.Query, req.Location, req.IsRemote, joinTypes(req.JobTypes), req.DatePosted, req.Source, req.Limit)
	jobs, shared, err := d.dedup.Do(ctx, key, execute)
	if shared && err == nil {
		d.logger.Debug().Str("query", req.Query).Str("cache_key", key).Msg("Collection request coalesced")
	}
	return jobs, err
}

func joinTypes(types []string) string {
	out := ""
	for i, t := range types {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

func (d *Dispatcher) dispatchCollection(ctx context.Context, payload models.CollectionPayload, priority int) ([]*models.Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, models.NewError(models.ErrKindFatal, err)
	}

	if !d.kvHealthy(ctx) {
		return d.fallbackCollection(ctx, payload)
	}

	timeout := d.config.GetCollectionTimeout()*models.CollectionMaxAttempts + awaitSlack
	raw, err := d.enqueueAndAwait(ctx, d.collection, body, priority, payload.RunID, models.CollectionMaxAttempts, timeout)
	if err != nil {
		return nil, err
	}

	var jobs []*models.Job
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, models.Errorf(models.ErrKindFatal, "failed to decode collection result: %v", err)
	}
	return jobs, nil
}

// EnqueueMatching scores one job through the matching queue.
func (d *Dispatcher) EnqueueMatching(ctx context.Context, payload models.MatchingPayload, priority int) (*models.MatchingResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, models.NewError(models.ErrKindFatal, err)
	}

	if !d.kvHealthy(ctx) {
		return d.fallbackMatching(ctx, payload)
	}

	timeout := d.config.GetMatchingTimeout()*models.MatchingMaxAttempts + awaitSlack
	raw, err := d.enqueueAndAwait(ctx, d.matching, body, priority, payload.RunID, models.MatchingMaxAttempts, timeout)
	if err != nil {
		return nil, err
	}

	var result models.MatchingResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, models.Errorf(models.ErrKindFatal, "failed to decode matching result: %v", err)
	}
	return &result, nil
}

// enqueueAndAwait pushes a job and races its completion notification
// against the per-job wall-clock timeout.
func (d *Dispatcher) enqueueAndAwait(ctx context.Context, q *kvQueue, payload []byte, priority int, runID string, maxAttempts int, timeout time.Duration) (json.RawMessage, error) {
	job := &models.QueueJob{
		ID:          uuid.New().String()[:8],
		Queue:       q.name,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		RunID:       runID,
		CreatedAt:   time.Now(),
	}

	// Subscribe before pushing so the settlement cannot be missed.
	sub := q.client.Subscribe(ctx, q.doneChannel(job.ID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return nil, models.NewError(models.ErrKindQueueUnavailable, err)
	}

	if err := q.push(ctx, job); err != nil {
		return nil, models.NewError(models.ErrKindQueueUnavailable, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	progress := time.NewTicker(progressLogInterval)
	defer progress.Stop()

	lastState := models.QueueJobWaiting
	stateSince := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case msg := <-sub.Channel():
			var result resultMsg
			if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
				return nil, models.Errorf(models.ErrKindFatal, "malformed queue result: %v", err)
			}
			if !result.OK {
				kind := result.Kind
				if kind == "" {
					kind = models.ErrKindTransient
				}
				return nil, models.Errorf(kind, "%s job %s failed: %s", q.name, job.ID, result.Error)
			}
			return result.Payload, nil

		case <-progress.C:
			state := q.jobState(ctx, job.ID)
			if state != lastState {
				lastState = state
				stateSince = time.Now()
			}
			stats := q.stats(ctx)
			event := d.logger.Debug()
			if state == models.QueueJobActive && time.Since(stateSince) > unresponsiveAfter {
				event = d.logger.Warn().Bool("worker_unresponsive", true)
			}
			event.
				Str("queue", q.name).
				Str("job_id", job.ID).
				Str("state", state).
				Int64("waiting", stats.Waiting).
				Int64("active", stats.Active).
				Dur("state_age", time.Since(stateSince)).
				Msg("Awaiting queued job")

		case <-deadline.C:
			stats := q.stats(ctx)
			return nil, models.Errorf(models.ErrKindTransient,
				"timed out awaiting %s job %s after %s (state=%s waiting=%d active=%d)",
				q.name, job.ID, timeout, q.jobState(ctx, job.ID), stats.Waiting, stats.Active)
		}
	}
}

// CancelRun flags the run in the KV store and removes its queued jobs.
func (d *Dispatcher) CancelRun(ctx context.Context, runID string) (map[string]int, error) {
	if err := d.kv.SetCancelFlag(ctx, runID); err != nil {
		return nil, fmt.Errorf("failed to set cancel flag: %w", err)
	}

	counts := map[string]int{
		models.QueueCollection: d.collection.removeByRun(ctx, runID),
		models.QueueMatching:   d.matching.removeByRun(ctx, runID),
	}

	// Best effort; the scraper only uses this to settle its own state.
	d.workers.scraper.NotifyCancel(ctx, runID)

	d.logger.Info().
		Str("run_id", runID).
		Int("collection_removed", counts[models.QueueCollection]).
		Int("matching_removed", counts[models.QueueMatching]).
		Msg("Run cancelled, queued jobs removed")
	return counts, nil
}

// RunCancelled reports whether the run-cancel flag is set.
func (d *Dispatcher) RunCancelled(ctx context.Context, runID string) bool {
	return d.kv.CancelFlagSet(ctx, runID)
}

// Stats returns depth snapshots per queue.
func (d *Dispatcher) Stats(ctx context.Context) map[string]models.QueueStats {
	return map[string]models.QueueStats{
		models.QueueCollection: d.collection.stats(ctx),
		models.QueueMatching:   d.matching.stats(ctx),
	}
}

// DedupSize returns the in-flight request-dedup cache size.
func (d *Dispatcher) DedupSize() int {
	return d.dedup.Size()
}

func (d *Dispatcher) kvHealthy(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return d.kv.Ping(pingCtx) == nil
}

// fallbackCollection executes the request in-process under a bounded
// semaphore when the KV store is unreachable.
func (d *Dispatcher) fallbackCollection(ctx context.Context, payload models.CollectionPayload) ([]*models.Job, error) {
	if !d.config.FallbackEnabled {
		return nil, models.ErrQueueUnavailable
	}
	d.logger.Warn().Str("run_id", payload.RunID).Msg("KV store unreachable, collection running in-process")

	select {
	case d.collectionSem <- struct{}{}:
		defer func() { <-d.collectionSem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.config.GetCollectionTimeout())
	defer cancel()
	return d.workers.ExecuteCollection(attemptCtx, payload)
}

func (d *Dispatcher) fallbackMatching(ctx context.Context, payload models.MatchingPayload) (*models.MatchingResult, error) {
	if !d.config.FallbackEnabled {
		return nil, models.ErrQueueUnavailable
	}
	d.logger.Warn().Str("run_id", payload.RunID).Msg("KV store unreachable, matching running in-process")

	select {
	case d.matchingSem <- struct{}{}:
		defer func() { <-d.matchingSem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.config.GetMatchingTimeout())
	defer cancel()
	return d.workers.ExecuteMatching(attemptCtx, payload)
}

// retryable decides whether a failed attempt should be retried.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch models.KindOf(err) {
	case models.ErrKindTransient, models.ErrKindRateLimited:
		return true
	}
	return false
}

var _ interfaces.Dispatcher = (*Dispatcher)(nil)
