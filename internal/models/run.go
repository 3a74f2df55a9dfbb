package models

import (
	"time"

	"github.com/google/uuid"
)

// Run status constants.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Trigger types.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerInitial   = "initial"
)

// Pipeline stages.
const (
	StageExpansion     = "expansion"
	StageCollection    = "collection"
	StageNormalization = "normalization"
	StageMatching      = "matching"
	StageNotification  = "notification"
)

// NewRunID returns a short unique run identifier.
func NewRunID() string {
	return uuid.New().String()[:8]
}

// IsTerminal reports whether a run status is final.
func IsTerminal(status string) bool {
	switch status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunCounters are the per-run aggregate counters.
type RunCounters struct {
	JobsCollected     int `json:"jobs_collected"`
	JobsAfterDedup    int `json:"jobs_after_dedup"`
	JobsMatched       int `json:"jobs_matched"`
	NotificationsSent int `json:"notifications_sent"`
}

// Checkpoint is the advisory recoverability blob written by the pipeline.
// Its presence and recency are a liveness signal for the stuck-run sweep.
type Checkpoint struct {
	Stage          string    `json:"stage"`
	RawCount       int       `json:"raw_count,omitempty"`
	UniqueCount    int       `json:"unique_count,omitempty"`
	ProcessedIndex int       `json:"processed_index,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ErrorContext is the snapshot captured when a run fails.
type ErrorContext struct {
	Stage           string      `json:"stage"`
	Titles          []string    `json:"titles,omitempty"`
	Location        string      `json:"location,omitempty"`
	PartialCounters RunCounters `json:"partial_counters"`
	OffendingJob    *Job        `json:"offending_job,omitempty"`
}

// Run represents one execution of a subscription's pipeline.
type Run struct {
	ID             string        `json:"id"`
	SubscriptionID string        `json:"subscription_id"`
	TriggerType    string        `json:"trigger_type"`
	Status         string        `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    time.Time     `json:"completed_at,omitzero"`
	DurationMS     int64         `json:"duration_ms,omitempty"`
	CurrentStage   string        `json:"current_stage,omitempty"`
	ProgressPct    int           `json:"progress_percent"`
	ProgressDetail string        `json:"progress_detail,omitempty"`
	Checkpoint     *Checkpoint   `json:"checkpoint,omitempty"`
	Counters       RunCounters   `json:"counters"`
	FailedStage    string        `json:"failed_stage,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	ErrorContext   *ErrorContext `json:"error_context,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
}

// RunEvent is broadcast on the tracker stream when run state changes.
type RunEvent struct {
	Type           string    `json:"type"` // "run_started", "run_progress", "run_completed", "run_failed", "run_cancelled"
	RunID          string    `json:"run_id"`
	SubscriptionID string    `json:"subscription_id"`
	Stage          string    `json:"stage,omitempty"`
	ProgressPct    int       `json:"progress_percent"`
	Detail         string    `json:"detail,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// PipelineResult is the output of one pipeline execution.
type PipelineResult struct {
	MatchesFound      int         `json:"matches_found"`
	NotificationsSent int         `json:"notifications_sent"`
	JobsProcessed     int         `json:"jobs_processed"`
	Stats             RunCounters `json:"stats"`
}
