package models

import "time"

// Queue names.
const (
	QueueCollection = "collection"
	QueueMatching   = "matching"
)

// Queue priorities (lower value = more urgent).
const (
	PriorityAPIRequest = 5
	PriorityScheduled  = 10
)

// Attempt budgets per queue.
const (
	CollectionMaxAttempts = 2
	MatchingMaxAttempts   = 3
)

// Queue job states.
const (
	QueueJobWaiting   = "waiting"
	QueueJobActive    = "active"
	QueueJobDelayed   = "delayed"
	QueueJobCompleted = "completed"
	QueueJobFailed    = "failed"
)

// CollectionRequest are the parameters of one scraper call.
type CollectionRequest struct {
	Query      string   `json:"query"`
	Location   string   `json:"location,omitempty"`
	Country    string   `json:"country,omitempty"`
	IsRemote   bool     `json:"is_remote"`
	JobTypes   []string `json:"job_types,omitempty"`
	DatePosted string   `json:"date_posted"`
	Source     string   `json:"source"`
	Limit      int      `json:"limit"`
	SkipCache  bool     `json:"skip_cache,omitempty"`
}

// CollectionPayload is the body of a queued collection job.
type CollectionPayload struct {
	Request        CollectionRequest `json:"request"`
	RunID          string            `json:"run_id"`
	SubscriptionID string            `json:"subscription_id"`
}

// MatchingPayload is the body of a queued matching job.
type MatchingPayload struct {
	Job            Job    `json:"job"`
	ResumeText     string `json:"resume_text"`
	ResumeHash     string `json:"resume_hash"`
	RunID          string `json:"run_id"`
	SubscriptionID string `json:"subscription_id"`
}

// MatchingResult is returned by an awaited matching job.
type MatchingResult struct {
	Match      *JobMatch `json:"match,omitempty"`
	Cached     bool      `json:"cached"`
	JobMatchID string    `json:"job_match_id,omitempty"`
}

// QueueJob is the envelope stored in the KV store for a queued job.
type QueueJob struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	Payload     []byte    `json:"payload"`
	Priority    int       `json:"priority"`
	State       string    `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	Error       string    `json:"error,omitempty"`
}

// QueueStats is a depth snapshot of one queue.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// LockRecord is the value stored under lock:subscription:<id>.
type LockRecord struct {
	RunID      string    `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	Holder     string    `json:"holder"`
}
