package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
	kv "github.com/bobmcallan/scout/internal/storage/redis"
)

const (
	pollInterval   = 500 * time.Millisecond
	queryResultTTL = time.Hour
)

// Workers hosts the collection and matching executor pools. The pools claim
// jobs from the KV queues; the executors are also called directly by the
// dispatcher's in-process fallback.
type Workers struct {
	kv      *kv.Store
	storage interfaces.StorageManager
	scraper interfaces.ScraperClient
	llm     interfaces.LLMClient
	limiter interfaces.RateLimiter
	config  common.QueueConfig
	logger  *common.Logger

	dispatcher *Dispatcher

	mu             sync.Mutex
	lastCollection time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorkers wires the executor pools. Start must be called before jobs flow.
func NewWorkers(store *kv.Store, storage interfaces.StorageManager, scraper interfaces.ScraperClient,
	llm interfaces.LLMClient, limiter interfaces.RateLimiter, config common.QueueConfig, logger *common.Logger) *Workers {
	return &Workers{
		kv:      store,
		storage: storage,
		scraper: scraper,
		llm:     llm,
		limiter: limiter,
		config:  config,
		logger:  logger,
	}
}

// Start launches the worker pools against the dispatcher's queues. A
// second Start is a no-op; only one pool set ever runs.
func (w *Workers) Start(d *Dispatcher) {
	if w.cancel != nil {
		return
	}
	w.dispatcher = d
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	for i := 0; i < w.config.GetCollectionConcurrency(); i++ {
		w.safeGo(fmt.Sprintf("collection-%d", i), func() {
			w.runLoop(ctx, d.collection, w.config.GetCollectionTimeout(), w.executeCollectionRaw)
		})
	}
	for i := 0; i < w.config.GetMatchingConcurrency(); i++ {
		w.safeGo(fmt.Sprintf("matching-%d", i), func() {
			w.runLoop(ctx, d.matching, w.config.GetMatchingTimeout(), w.executeMatchingRaw)
		})
	}
	w.logger.Info().
		Int("collection_workers", w.config.GetCollectionConcurrency()).
		Int("matching_workers", w.config.GetMatchingConcurrency()).
		Msg("Queue workers started")
}

// Stop signals the pools and waits for in-flight jobs to settle.
func (w *Workers) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info().Msg("Queue workers stopped")
}

// safeGo runs fn in a tracked goroutine with panic recovery, so a
// panicking worker never takes down the process.
func (w *Workers) safeGo(name string, fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error().
					Str("worker", name).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("Worker goroutine panicked")
			}
		}()
		fn()
	}()
}

// runLoop promotes due delayed jobs, claims the next waiting job, and
// executes it under the per-attempt timeout.
func (w *Workers) runLoop(ctx context.Context, q *kvQueue, timeout time.Duration, execute func(ctx context.Context, payload []byte) (json.RawMessage, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		q.promoteDue(ctx, time.Now())

		job, err := q.claim(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Str("queue", q.name).Msg("Failed to claim job")
			w.sleep(ctx, pollInterval)
			continue
		}
		if job == nil {
			w.sleep(ctx, pollInterval)
			continue
		}

		w.handleJob(ctx, q, job, timeout, execute)
	}
}

func (w *Workers) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// handleJob executes one claimed job and settles or reschedules it.
// Recovers per-job panics so a poisoned payload fails only itself.
func (w *Workers) handleJob(ctx context.Context, q *kvQueue, job *models.QueueJob, timeout time.Duration, execute func(ctx context.Context, payload []byte) (json.RawMessage, error)) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Str("queue", q.name).
				Str("job_id", job.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Job execution panicked")
			w.settleFailed(ctx, q, job, models.Errorf(models.ErrKindFatal, "panic: %v", r))
		}
	}()

	// Cancelled runs settle immediately; the attempt is not retried.
	if job.RunID != "" && w.kv.CancelFlagSet(ctx, job.RunID) {
		if err := q.settle(ctx, job, resultMsg{
			JobID: job.ID,
			OK:    false,
			Kind:  models.ErrKindCancelled,
			Error: "run cancelled",
		}); err != nil {
			w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to settle cancelled job")
		}
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := execute(attemptCtx, job.Payload)
	cancel()

	if err == nil {
		if settleErr := q.settle(ctx, job, resultMsg{JobID: job.ID, OK: true, Payload: result}); settleErr != nil {
			w.logger.Warn().Err(settleErr).Str("job_id", job.ID).Msg("Failed to settle completed job")
		}
		return
	}

	if retryable(err) && job.Attempts < job.MaxAttempts {
		backoff := time.Duration(math.Pow(2, float64(job.Attempts-1))) * retryBackoffBase
		w.logger.Warn().
			Err(err).
			Str("queue", q.name).
			Str("job_id", job.ID).
			Int("attempt", job.Attempts).
			Dur("backoff", backoff).
			Msg("Job attempt failed, rescheduling")
		if delayErr := q.delay(ctx, job, time.Now().Add(backoff)); delayErr != nil {
			w.logger.Error().Err(delayErr).Str("job_id", job.ID).Msg("Failed to reschedule job")
			w.settleFailed(ctx, q, job, err)
		}
		return
	}

	w.settleFailed(ctx, q, job, err)
}

func (w *Workers) settleFailed(ctx context.Context, q *kvQueue, job *models.QueueJob, err error) {
	w.logger.Error().
		Err(err).
		Str("queue", q.name).
		Str("job_id", job.ID).
		Int("attempts", job.Attempts).
		Msg("Job failed")
	if settleErr := q.settle(ctx, job, resultMsg{
		JobID: job.ID,
		OK:    false,
		Kind:  models.KindOf(err),
		Error: err.Error(),
	}); settleErr != nil {
		w.logger.Warn().Err(settleErr).Str("job_id", job.ID).Msg("Failed to settle failed job")
	}
}

func (w *Workers) executeCollectionRaw(ctx context.Context, payload []byte) (json.RawMessage, error) {
	var p models.CollectionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, models.Errorf(models.ErrKindFatal, "malformed collection payload: %v", err)
	}
	jobs, err := w.ExecuteCollection(ctx, p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobs)
}

// ExecuteCollection performs one scraper call: rate-limiter slot, global
// minimum inter-call delay, scrape, limiter feedback, query-result cache.
func (w *Workers) ExecuteCollection(ctx context.Context, payload models.CollectionPayload) ([]*models.Job, error) {
	req := payload.Request

	if payload.RunID != "" && w.kv.CancelFlagSet(ctx, payload.RunID) {
		return nil, models.ErrRunCancelled
	}

	wait, err := w.limiter.WaitForSlot(ctx, req.Source)
	if err != nil {
		return nil, err
	}
	if wait > 0 {
		w.logger.Debug().Str("source", req.Source).Dur("waited", wait).Msg("Rate limiter slot acquired")
	}

	if err := w.applyMinDelay(ctx); err != nil {
		return nil, err
	}

	jobs, err := w.scraper.Scrape(ctx, req)
	if err != nil {
		return nil, w.recordScrapeError(req.Source, err)
	}
	w.limiter.RecordSuccess(req.Source)

	w.saveQueryResult(ctx, req, len(jobs))

	w.logger.Info().
		Str("query", req.Query).
		Str("location", req.Location).
		Str("source", req.Source).
		Int("jobs", len(jobs)).
		Msg("Collection request completed")
	return jobs, nil
}

// applyMinDelay enforces the global minimum spacing between scraper calls
// across all collection workers in this process.
func (w *Workers) applyMinDelay(ctx context.Context) error {
	minDelay := w.config.GetCollectionMinDelay()
	if minDelay <= 0 {
		return nil
	}

	w.mu.Lock()
	now := time.Now()
	next := w.lastCollection.Add(minDelay)
	if next.Before(now) {
		next = now
	}
	w.lastCollection = next
	w.mu.Unlock()

	if wait := time.Until(next); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

func (w *Workers) recordScrapeError(source string, err error) error {
	kind := models.KindOf(err)
	if kind == models.ErrKindTransient && models.IsRateLimitMessage(err.Error()) {
		kind = models.ErrKindRateLimited
	}
	switch kind {
	case models.ErrKindRateLimited:
		w.limiter.Record429(source)
		return models.NewError(models.ErrKindRateLimited, err)
	case models.ErrKindCancelled, models.ErrKindInvalidInput:
		return err
	default:
		w.limiter.RecordError(source)
		return models.NewError(kind, err)
	}
}

// saveQueryResult records the executed request in the relational store.
// Best-effort; a cache write failure never fails the collection.
func (w *Workers) saveQueryResult(ctx context.Context, req models.CollectionRequest, jobCount int) {
	if w.storage == nil {
		return
	}
	now := time.Now()
	res := &models.QueryResult{
		Key:       common.RequestKey(req.Query, req.Location, req.IsRemote, joinTypes(req.JobTypes), req.DatePosted, req.Source, req.Limit),
		Query:     req.Query,
		Location:  req.Location,
		JobCount:  jobCount,
		FetchedAt: now,
		ExpiresAt: now.Add(queryResultTTL),
	}
	if err := w.storage.Caches().SaveQueryResult(ctx, res); err != nil {
		w.logger.Warn().Err(err).Str("query", req.Query).Msg("Failed to cache query result")
	}
}

func (w *Workers) executeMatchingRaw(ctx context.Context, payload []byte) (json.RawMessage, error) {
	var p models.MatchingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, models.Errorf(models.ErrKindFatal, "malformed matching payload: %v", err)
	}
	result, err := w.ExecuteMatching(ctx, p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// ExecuteMatching scores one job against the resume and persists both the
// normalized posting and the match row.
func (w *Workers) ExecuteMatching(ctx context.Context, payload models.MatchingPayload) (*models.MatchingResult, error) {
	if payload.RunID != "" && w.kv.CancelFlagSet(ctx, payload.RunID) {
		return nil, models.ErrRunCancelled
	}

	job := payload.Job
	eval, err := w.llm.MatchJob(ctx, &job, payload.ResumeText)
	if err != nil {
		if models.KindOf(err) == models.ErrKindTransient && models.IsRateLimitMessage(err.Error()) {
			return nil, models.NewError(models.ErrKindRateLimited, err)
		}
		return nil, err
	}

	now := time.Now()
	job.FirstSeenAt = now
	job.LastSeenAt = now
	if err := w.storage.Jobs().Upsert(ctx, &job); err != nil {
		return nil, fmt.Errorf("failed to upsert job %s: %w", job.ContentHash, err)
	}

	match := &models.JobMatch{
		JobID:         job.ContentHash,
		ResumeHash:    payload.ResumeHash,
		Score:         models.ClampScore(eval.Score),
		Reasoning:     eval.Reasoning,
		MatchedSkills: eval.MatchedSkills,
		MissingSkills: eval.MissingSkills,
		Pros:          eval.Pros,
		Cons:          eval.Cons,
		CreatedAt:     now,
	}
	saved, err := w.storage.Matches().Upsert(ctx, match)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert match for job %s: %w", job.ContentHash, err)
	}

	w.logger.Debug().
		Str("job_id", job.ContentHash).
		Int("score", saved.Score).
		Msg("Job scored")
	return &models.MatchingResult{Match: saved, JobMatchID: saved.ID}, nil
}
