// Package interfaces defines service contracts for Scout
package interfaces

import (
	"context"

	"github.com/bobmcallan/scout/internal/models"
)

// ScraperClient talks to the external scraping service.
type ScraperClient interface {
	// Scrape executes one collection request and returns raw postings.
	// When hours_old must be combined with job_type or is_remote the client
	// issues two scrapes and intersects the results by application URL.
	Scrape(ctx context.Context, req models.CollectionRequest) ([]*models.Job, error)

	// NotifyCancel tells the scraper a run was cancelled, for cross-process
	// log correlation. Best-effort; failures are swallowed.
	NotifyCancel(ctx context.Context, runID string)
}

// LLMClient provides the matcher and query-expansion agents.
type LLMClient interface {
	// MatchJob scores one job against a resume. Malformed model output is
	// rejected as invalid input.
	MatchJob(ctx context.Context, job *models.Job, resumeText string) (*models.MatchEvaluation, error)

	// ExpandTitles suggests search-title variants for a subscription.
	// Expanded titles are capped at 2x the originals, resume-suggested at 5.
	ExpandTitles(ctx context.Context, titles []string, resumeText string) (*models.ExpansionResult, error)
}

// ChatClient delivers user-facing messages.
type ChatClient interface {
	// SendMessage sends one message to a chat channel. The text must already
	// fit the service's length limit.
	SendMessage(ctx context.Context, chatID, text, parseMode string) error
}
