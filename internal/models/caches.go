package models

import "time"

// QueryExpansion is the cached output of the query-expansion agent,
// keyed by a 32-hex digest over the subscription's titles and resume prefix.
type QueryExpansion struct {
	Key                   string    `json:"key"`
	OriginalTitles        []string  `json:"original_titles"`
	ExpandedTitles        []string  `json:"expanded_titles"`
	ResumeSuggestedTitles []string  `json:"resume_suggested_titles"`
	CreatedAt             time.Time `json:"created_at"`
}

// QueryResult records that a collection request was executed, with its
// job count and expiry. Keyed by the 16-hex request digest.
type QueryResult struct {
	Key       string    `json:"key"`
	Query     string    `json:"query"`
	Location  string    `json:"location,omitempty"`
	JobCount  int       `json:"job_count"`
	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
