// Package scheduler owns the run cadence: it picks due subscriptions on a
// fixed tick, drives the pipeline under a global concurrency bound, sweeps
// stuck runs, and keeps the locks of running runs fresh.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
	"github.com/bobmcallan/scout/internal/services/pipeline"
)

const (
	sweepInterval   = 5 * time.Minute
	janitorInterval = 30 * time.Second

	// stuckRetryDelay is how soon a swept subscription becomes due again.
	stuckRetryDelay = time.Minute
)

// ErrAlreadyRunning is returned by Trigger when the subscription's lock
// is held by an in-flight run.
var ErrAlreadyRunning = errors.New("subscription run already in progress")

// Scheduler drives pipeline runs for due subscriptions.
type Scheduler struct {
	storage    interfaces.StorageManager
	pipeline   interfaces.Pipeline
	dispatcher interfaces.Dispatcher
	tracker    interfaces.Tracker
	lock       interfaces.RunLock
	config     *common.Config
	logger     *common.Logger

	// sem bounds concurrent runs across all subscriptions.
	sem chan struct{}

	mu             sync.Mutex
	stuckThreshold time.Duration
	stopping       bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a scheduler. Start must be called to begin ticking.
func New(storage interfaces.StorageManager, pipe interfaces.Pipeline, dispatcher interfaces.Dispatcher,
	track interfaces.Tracker, lock interfaces.RunLock, config *common.Config, logger *common.Logger) *Scheduler {
	return &Scheduler{
		storage:        storage,
		pipeline:       pipe,
		dispatcher:     dispatcher,
		tracker:        track,
		lock:           lock,
		config:         config,
		logger:         logger,
		sem:            make(chan struct{}, config.Scheduler.GetMaxParallelRuns()),
		stuckThreshold: config.Scheduler.GetStuckThreshold(),
	}
}

// Start recovers runs orphaned by a previous process, then launches the
// tick, sweep, and lock-janitor loops.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if n, err := s.recoverOrphans(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Startup run recovery failed")
	} else if n > 0 {
		s.logger.Info().Int("count", n).Msg("Orphaned runs failed at startup")
	}

	s.safeGo("tick", func() { s.tickLoop(ctx) })
	s.safeGo("sweep", func() { s.sweepLoop(ctx) })
	s.safeGo("janitor", func() { s.janitorLoop(ctx) })

	s.logger.Info().
		Dur("tick_interval", s.config.Scheduler.GetTickInterval()).
		Int("max_parallel_runs", s.config.Scheduler.GetMaxParallelRuns()).
		Msg("Scheduler started")
}

// Stop halts the tick so no new runs start, flags in-flight runs for
// cancellation at their next stage boundary, and waits for them to settle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.cancelInFlight()
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// cancelInFlight sets the cancel flag for every running run. The pipeline
// checks the flag at stage boundaries, so each run finishes its current
// stage and is recorded as cancelled rather than failed.
func (s *Scheduler) cancelInFlight() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	running, err := s.storage.Runs().ListRunning(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list in-flight runs at shutdown")
		return
	}
	for _, run := range running {
		if _, err := s.dispatcher.CancelRun(ctx, run.ID); err != nil {
			s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to flag run for cancellation")
		}
	}
}

// Trigger starts a manual run for one subscription. Returns
// ErrAlreadyRunning when its lock is held; the run itself executes
// asynchronously under the global concurrency bound.
func (s *Scheduler) Trigger(ctx context.Context, sub *models.Subscription) error {
	if s.isStopping() {
		return errors.New("scheduler is shutting down")
	}

	held, err := s.lock.IsHeld(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to check lock: %w", err)
	}
	if held {
		return ErrAlreadyRunning
	}

	s.safeGo("manual-"+sub.ID, func() {
		s.runOne(context.Background(), sub, models.TriggerManual)
	})
	return nil
}

// SetStuckThreshold adjusts the stuck-run sweep cutoff at runtime.
func (s *Scheduler) SetStuckThreshold(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.stuckThreshold = d
	}
}

// StuckThreshold returns the current sweep cutoff.
func (s *Scheduler) StuckThreshold() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stuckThreshold
}

// FailStuck force-fails running runs older than the given age. Used by
// the sweep loop and the admin diagnostics endpoint.
func (s *Scheduler) FailStuck(ctx context.Context, minAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-minAge)
	stuck, err := s.storage.Runs().ListStuck(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck runs: %w", err)
	}

	failed := 0
	for _, run := range stuck {
		if err := s.tracker.Fail(ctx, run.ID, run.CurrentStage, "stuck-sweep", nil); err != nil {
			s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to fail stuck run")
			continue
		}
		if err := s.lock.Release(ctx, run.SubscriptionID, run.ID); err != nil {
			s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to release stuck run's lock")
		}
		s.rescheduleSoon(ctx, run.SubscriptionID)
		failed++
		s.logger.Warn().
			Str("run_id", run.ID).
			Str("subscription_id", run.SubscriptionID).
			Str("stage", run.CurrentStage).
			Msg("Stuck run swept")
	}
	return failed, nil
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Scheduler.GetTickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick picks due subscriptions and spawns a run for each unlocked one.
func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.storage.Subscriptions().ListDue(ctx, time.Now(), s.config.Scheduler.GetTickBatch())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list due subscriptions")
		return
	}
	if len(due) == 0 {
		return
	}
	s.logger.Debug().Int("due", len(due)).Msg("Scheduler tick")

	for _, sub := range due {
		if s.isStopping() || ctx.Err() != nil {
			return
		}

		// Cheap pre-check; the pipeline's TryAcquire is authoritative.
		held, err := s.lock.IsHeld(ctx, sub.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("subscription_id", sub.ID).Msg("Lock check failed")
			continue
		}
		if held {
			continue
		}

		sub := sub
		s.safeGo("run-"+sub.ID, func() {
			s.runOne(ctx, sub, models.TriggerScheduled)
		})
	}
}

// runOne executes the pipeline for one subscription under the global
// semaphore and finalises its schedule afterwards.
func (s *Scheduler) runOne(ctx context.Context, sub *models.Subscription, triggerType string) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.sem }()

	// The run outlives the tick context: shutdown reaches it through the
	// dispatcher's cancel flag at a stage boundary, never mid-stage.
	runCtx := context.Background()

	_, err := s.pipeline.Execute(runCtx, sub, triggerType)
	if err != nil {
		if errors.Is(err, pipeline.ErrSubscriptionLocked) {
			// Another process beat us to it; leave its schedule alone.
			s.logger.Debug().Str("subscription_id", sub.ID).Msg("Subscription locked, skipping")
			return
		}
		// One bad subscription must not stop others; the run row
		// already carries the failure detail.
		s.logger.Warn().Err(err).Str("subscription_id", sub.ID).Msg("Run ended with error")
	}

	now := time.Now()
	next := now.Add(s.config.Scheduler.GetRunCadence())
	if err := s.storage.Subscriptions().Reschedule(runCtx, sub.ID, next, now); err != nil {
		s.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("Failed to reschedule subscription")
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.FailStuck(ctx, s.StuckThreshold()); err != nil {
				s.logger.Warn().Err(err).Msg("Stuck-run sweep failed")
			}
		}
	}
}

// janitorLoop refreshes the locks of running runs so a healthy long run
// never loses its lock to TTL expiry.
func (s *Scheduler) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			running, err := s.storage.Runs().ListRunning(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Lock janitor list failed")
				continue
			}
			for _, run := range running {
				if err := s.lock.Refresh(ctx, run.SubscriptionID, run.ID); err != nil {
					s.logger.Debug().Err(err).Str("run_id", run.ID).Msg("Lock refresh skipped")
				}
			}
		}
	}
}

// recoverOrphans fails any run left in status running by a previous
// process. A fresh boot cannot have live runs of its own.
func (s *Scheduler) recoverOrphans(ctx context.Context) (int, error) {
	running, err := s.storage.Runs().ListRunning(ctx)
	if err != nil {
		return 0, err
	}

	for _, run := range running {
		if err := s.tracker.Fail(ctx, run.ID, run.CurrentStage, "orphaned at startup", nil); err != nil {
			s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to fail orphaned run")
			continue
		}
		if err := s.lock.Release(ctx, run.SubscriptionID, run.ID); err != nil {
			s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to release orphaned lock")
		}
		s.rescheduleSoon(ctx, run.SubscriptionID)
	}
	return len(running), nil
}

// rescheduleSoon makes the subscription due again shortly, preserving its
// recorded last search time.
func (s *Scheduler) rescheduleSoon(ctx context.Context, subscriptionID string) {
	sub, err := s.storage.Subscriptions().Get(ctx, subscriptionID)
	if err != nil || sub == nil {
		return
	}
	next := time.Now().Add(stuckRetryDelay)
	if err := s.storage.Subscriptions().Reschedule(ctx, subscriptionID, next, sub.LastSearchAt); err != nil {
		s.logger.Warn().Err(err).Str("subscription_id", subscriptionID).Msg("Failed to reschedule swept subscription")
	}
}

func (s *Scheduler) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// safeGo runs fn in a tracked goroutine with panic recovery.
func (s *Scheduler) safeGo(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("task", name).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("Scheduler goroutine panicked")
			}
		}()
		fn()
	}()
}
