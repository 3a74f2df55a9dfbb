package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
)

// SentStore implements the at-most-once notification ledger on SurrealDB.
type SentStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewSentStore creates a new SentStore.
func NewSentStore(db *surrealdb.DB, logger *common.Logger) *SentStore {
	return &SentStore{db: db, logger: logger}
}

// Insert records a send. The record id is derived from the
// (subscription_id, job_match_id) pair, so inserting a duplicate fails
// on CREATE; the unique index is a second backstop.
func (s *SentStore) Insert(ctx context.Context, sent *models.SentNotification) error {
	if sent.ID == "" {
		sent.ID = uuid.New().String()[:8]
	}
	if sent.SentAt.IsZero() {
		sent.SentAt = time.Now()
	}

	sql := `CREATE $rid SET
		sent_id = $sent_id, subscription_id = $subscription_id,
		job_match_id = $job_match_id, sent_at = $sent_at`
	vars := map[string]any{
		"rid":             surrealmodels.NewRecordID("sent_notification", sent.SubscriptionID+":"+sent.JobMatchID),
		"sent_id":         sent.ID,
		"subscription_id": sent.SubscriptionID,
		"job_match_id":    sent.JobMatchID,
		"sent_at":         sent.SentAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to record sent notification: %w", err)
	}
	return nil
}

// SentMatchIDs returns the set of job_match_ids already delivered for
// any of the given subscriptions.
func (s *SentStore) SentMatchIDs(ctx context.Context, subscriptionIDs []string) (map[string]bool, error) {
	sent := make(map[string]bool)
	if len(subscriptionIDs) == 0 {
		return sent, nil
	}

	sql := "SELECT job_match_id FROM sent_notification WHERE subscription_id IN $subs"
	vars := map[string]any{"subs": subscriptionIDs}

	type ledgerRow struct {
		JobMatchID string `json:"job_match_id"`
	}

	results, err := surrealdb.Query[[]ledgerRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query sent ledger: %w", err)
	}

	if results != nil && len(*results) > 0 {
		for _, row := range (*results)[0].Result {
			sent[row.JobMatchID] = true
		}
	}
	return sent, nil
}

// Compile-time check
var _ interfaces.SentStore = (*SentStore)(nil)
