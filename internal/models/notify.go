package models

import "time"

// RunContext correlates queued work with its run and subscription.
type RunContext struct {
	RunID          string `json:"run_id"`
	SubscriptionID string `json:"subscription_id"`
}

// MatchNotification pairs a match with its job for rendering.
type MatchNotification struct {
	Job   Job       `json:"job"`
	Match *JobMatch `json:"match"`
}

// RateLimitState is a diagnostic snapshot of one source's limiter.
type RateLimitState struct {
	Source         string    `json:"source"`
	BaseDelayMS    int64     `json:"base_delay_ms"`
	CurrentDelayMS int64     `json:"current_delay_ms"`
	Consecutive429 int       `json:"consecutive_429"`
	CooldownUntil  time.Time `json:"cooldown_until,omitzero"`
	LastRequestAt  time.Time `json:"last_request_at,omitzero"`
}

// Broadcast is an administrator message fanned out to all user chats.
type Broadcast struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	SentCount int       `json:"sent_count"`
	FailCount int       `json:"fail_count"`
	CreatedAt time.Time `json:"created_at"`
}
