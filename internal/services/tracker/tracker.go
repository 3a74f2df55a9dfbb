// Package tracker records run lifecycle and progress in the relational
// store and fans live events out to dashboard subscribers.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
)

// Event types broadcast on the live stream.
const (
	EventRunStarted   = "run_started"
	EventRunProgress  = "run_progress"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
)

// Tracker implements interfaces.Tracker on top of the run store.
type Tracker struct {
	runs   interfaces.RunStore
	hub    *hub
	logger *common.Logger

	// Active run ids to subscription ids, so progress events carry the
	// subscription without a store read per update.
	mu     sync.RWMutex
	active map[string]string
}

func New(runs interfaces.RunStore, logger *common.Logger) *Tracker {
	return &Tracker{
		runs:   runs,
		hub:    newHub(logger),
		logger: logger,
		active: make(map[string]string),
	}
}

// StartRun inserts a running Run row under the caller's id. The caller
// generates the id first so the subscription lock can be taken before
// any row exists.
func (t *Tracker) StartRun(ctx context.Context, runID, subscriptionID, triggerType string) error {
	run := &models.Run{
		ID:             runID,
		SubscriptionID: subscriptionID,
		TriggerType:    triggerType,
		Status:         models.RunStatusRunning,
		StartedAt:      time.Now(),
	}
	if err := t.runs.Insert(ctx, run); err != nil {
		return err
	}

	t.mu.Lock()
	t.active[runID] = subscriptionID
	t.mu.Unlock()

	t.logger.Info().
		Str("run_id", runID).
		Str("subscription_id", subscriptionID).
		Str("trigger", triggerType).
		Msg("Run started")
	t.emit(EventRunStarted, runID, "", 0, "")
	return nil
}

// SetStage updates the stage and progress. Progress regressions are clamped
// by the store; the event carries the requested values.
func (t *Tracker) SetStage(ctx context.Context, runID, stage string, percent int, detail string) error {
	if err := t.runs.SetStage(ctx, runID, stage, percent, detail); err != nil {
		return err
	}
	t.emit(EventRunProgress, runID, stage, percent, detail)
	return nil
}

func (t *Tracker) SaveCheckpoint(ctx context.Context, runID string, checkpoint *models.Checkpoint) error {
	checkpoint.UpdatedAt = time.Now()
	return t.runs.SaveCheckpoint(ctx, runID, checkpoint)
}

func (t *Tracker) AddCounter(ctx context.Context, runID, field string, delta int) error {
	return t.runs.AddCounter(ctx, runID, field, delta)
}

func (t *Tracker) AddWarning(ctx context.Context, runID, warning string) error {
	t.logger.Warn().Str("run_id", runID).Str("warning", warning).Msg("Run warning")
	return t.runs.AddWarning(ctx, runID, warning)
}

// Complete finalises the run as completed.
func (t *Tracker) Complete(ctx context.Context, runID string, counters models.RunCounters) error {
	if err := t.runs.Complete(ctx, runID, counters); err != nil {
		return err
	}
	t.logger.Info().
		Str("run_id", runID).
		Int("jobs_collected", counters.JobsCollected).
		Int("jobs_matched", counters.JobsMatched).
		Int("notifications_sent", counters.NotificationsSent).
		Msg("Run completed")
	t.emit(EventRunCompleted, runID, "", 100, "")
	t.forget(runID)
	return nil
}

// Fail finalises the run as failed with its error snapshot.
func (t *Tracker) Fail(ctx context.Context, runID, stage, message string, errCtx *models.ErrorContext) error {
	if err := t.runs.Fail(ctx, runID, stage, message, errCtx); err != nil {
		return err
	}
	t.logger.Error().
		Str("run_id", runID).
		Str("stage", stage).
		Str("error", message).
		Msg("Run failed")
	t.emit(EventRunFailed, runID, stage, 0, message)
	t.forget(runID)
	return nil
}

// Cancel finalises the run as cancelled. Idempotent.
func (t *Tracker) Cancel(ctx context.Context, runID string) error {
	if err := t.runs.Cancel(ctx, runID); err != nil {
		return err
	}
	t.logger.Info().Str("run_id", runID).Msg("Run cancelled")
	t.emit(EventRunCancelled, runID, "", 0, "")
	t.forget(runID)
	return nil
}

// Subscribe returns a live event channel and its unsubscribe func.
func (t *Tracker) Subscribe() (<-chan models.RunEvent, func()) {
	return t.hub.subscribe()
}

func (t *Tracker) emit(eventType, runID, stage string, percent int, detail string) {
	t.mu.RLock()
	subscriptionID := t.active[runID]
	t.mu.RUnlock()

	t.hub.broadcast(models.RunEvent{
		Type:           eventType,
		RunID:          runID,
		SubscriptionID: subscriptionID,
		Stage:          stage,
		ProgressPct:    percent,
		Detail:         detail,
		Timestamp:      time.Now(),
	})
}

func (t *Tracker) forget(runID string) {
	t.mu.Lock()
	delete(t.active, runID)
	t.mu.Unlock()
}

var _ interfaces.Tracker = (*Tracker)(nil)
