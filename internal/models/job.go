package models

import "time"

// Posting sources.
const (
	SourceSerpAPI = "serpapi"
	SourceScraper = "scraper"
)

// Job is a normalized external posting, keyed by content hash.
type Job struct {
	ContentHash    string    `json:"content_hash"`
	Title          string    `json:"title"`
	Company        string    `json:"company"`
	Description    string    `json:"description"`
	Location       string    `json:"location"`
	IsRemote       bool      `json:"is_remote"`
	SalaryMin      float64   `json:"salary_min,omitempty"`
	SalaryMax      float64   `json:"salary_max,omitempty"`
	SalaryCurrency string    `json:"salary_currency,omitempty"`
	ApplicationURL string    `json:"application_url"`
	Source         string    `json:"source"`
	SourceID       string    `json:"source_id,omitempty"`
	PostedDate     time.Time `json:"posted_date,omitzero"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// JobMatch is the result of scoring one job against one resume.
// At most one row exists per (job_id, resume_hash); re-scoring upserts.
type JobMatch struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"` // content hash of the job
	ResumeHash    string    `json:"resume_hash"`
	Score         int       `json:"score"` // 1-100
	Reasoning     string    `json:"reasoning,omitempty"`
	MatchedSkills []string  `json:"matched_skills,omitempty"`
	MissingSkills []string  `json:"missing_skills,omitempty"`
	Pros          []string  `json:"pros,omitempty"`
	Cons          []string  `json:"cons,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SentNotification is the at-most-once send ledger entry.
// At most one row exists per (subscription_id, job_match_id).
type SentNotification struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	JobMatchID     string    `json:"job_match_id"`
	SentAt         time.Time `json:"sent_at"`
}

// ClampScore rounds a possibly fractional LLM score and clamps it to [1,100].
func ClampScore(raw float64) int {
	score := int(raw + 0.5)
	if score < 1 {
		return 1
	}
	if score > 100 {
		return 100
	}
	return score
}
