// Package surrealdb implements the relational store on SurrealDB.
// It is the system of record for users, subscriptions, runs, jobs,
// matches, and the sent-notification ledger.
package surrealdb

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
)

// Manager implements interfaces.StorageManager using SurrealDB.
type Manager struct {
	db     *surrealdb.DB
	logger *common.Logger

	userStore         *UserStore
	subscriptionStore *SubscriptionStore
	runStore          *RunStore
	jobStore          *JobStore
	matchStore        *MatchStore
	sentStore         *SentStore
	cacheStore        *CacheStore
	broadcastStore    *BroadcastStore
}

// NewManager creates a new StorageManager connected to SurrealDB.
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	ctx := context.Background()

	db, err := surrealdb.New(config.Storage.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Storage.Username,
		"pass": config.Storage.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, config.Storage.Namespace, config.Storage.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	// Define tables up front (SurrealDB v3 errors on querying non-existent tables)
	tables := []string{"user", "subscription", "run", "job", "job_match", "sent_notification", "query_expansion", "query_result", "broadcast"}
	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}

	// Uniqueness backstops: the ledger and the per-resume match row.
	indexes := []string{
		"DEFINE INDEX IF NOT EXISTS sent_ledger_unique ON TABLE sent_notification FIELDS subscription_id, job_match_id UNIQUE",
		"DEFINE INDEX IF NOT EXISTS match_resume_unique ON TABLE job_match FIELDS job_id, resume_hash UNIQUE",
		"DEFINE INDEX IF NOT EXISTS subscription_due ON TABLE subscription FIELDS next_run_at",
	}
	for _, sql := range indexes {
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define index: %w", err)
		}
	}

	m := &Manager{
		db:     db,
		logger: logger,
	}

	m.userStore = NewUserStore(db, logger)
	m.subscriptionStore = NewSubscriptionStore(db, logger)
	m.runStore = NewRunStore(db, logger)
	m.jobStore = NewJobStore(db, logger)
	m.matchStore = NewMatchStore(db, logger)
	m.sentStore = NewSentStore(db, logger)
	m.cacheStore = NewCacheStore(db, logger)
	m.broadcastStore = NewBroadcastStore(db, logger)

	logger.Info().
		Str("address", config.Storage.Address).
		Str("namespace", config.Storage.Namespace).
		Str("database", config.Storage.Database).
		Msg("SurrealDB storage manager initialized")

	return m, nil
}

func (m *Manager) Users() interfaces.UserStore {
	return m.userStore
}

func (m *Manager) Subscriptions() interfaces.SubscriptionStore {
	return m.subscriptionStore
}

func (m *Manager) Runs() interfaces.RunStore {
	return m.runStore
}

func (m *Manager) Jobs() interfaces.JobStore {
	return m.jobStore
}

func (m *Manager) Matches() interfaces.MatchStore {
	return m.matchStore
}

func (m *Manager) Sent() interfaces.SentStore {
	return m.sentStore
}

func (m *Manager) Caches() interfaces.CacheStore {
	return m.cacheStore
}

func (m *Manager) Broadcasts() interfaces.BroadcastStore {
	return m.broadcastStore
}

func (m *Manager) Close() error {
	m.db.Close(context.Background())
	return nil
}

// clampPage normalizes pagination arguments shared by the list queries,
// returning the effective limit and start offset.
func clampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return limit, (page - 1) * limit
}

// Compile-time check
var _ interfaces.StorageManager = (*Manager)(nil)
