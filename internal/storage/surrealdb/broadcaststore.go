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

// broadcastSelectFields aliases broadcast_id to id for struct mapping.
const broadcastSelectFields = "broadcast_id as id, text, sent_count, fail_count, created_at"

// BroadcastStore records administrator broadcasts.
type BroadcastStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewBroadcastStore creates a new BroadcastStore.
func NewBroadcastStore(db *surrealdb.DB, logger *common.Logger) *BroadcastStore {
	return &BroadcastStore{db: db, logger: logger}
}

func (s *BroadcastStore) Insert(ctx context.Context, b *models.Broadcast) error {
	if b.ID == "" {
		b.ID = uuid.New().String()[:8]
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}

	sql := `UPSERT $rid SET
		broadcast_id = $broadcast_id, text = $text, sent_count = $sent_count,
		fail_count = $fail_count, created_at = $created_at`
	vars := map[string]any{
		"rid":          surrealmodels.NewRecordID("broadcast", b.ID),
		"broadcast_id": b.ID,
		"text":         b.Text,
		"sent_count":   b.SentCount,
		"fail_count":   b.FailCount,
		"created_at":   b.CreatedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to insert broadcast: %w", err)
	}
	return nil
}

func (s *BroadcastStore) List(ctx context.Context, page, limit int) ([]*models.Broadcast, int, error) {
	limit, start := clampPage(page, limit)

	type countResult struct {
		Cnt int `json:"cnt"`
	}
	countRes, err := surrealdb.Query[[]countResult](ctx, s.db, "SELECT count() AS cnt FROM broadcast GROUP ALL", nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count broadcasts: %w", err)
	}
	total := 0
	if countRes != nil && len(*countRes) > 0 && len((*countRes)[0].Result) > 0 {
		total = (*countRes)[0].Result[0].Cnt
	}

	sql := "SELECT " + broadcastSelectFields + " FROM broadcast ORDER BY created_at DESC LIMIT $limit START $start"
	vars := map[string]any{"limit": limit, "start": start}

	results, err := surrealdb.Query[[]models.Broadcast](ctx, s.db, sql, vars)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list broadcasts: %w", err)
	}

	var broadcasts []*models.Broadcast
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			broadcasts = append(broadcasts, &(*results)[0].Result[i])
		}
	}
	return broadcasts, total, nil
}

// Compile-time check
var _ interfaces.BroadcastStore = (*BroadcastStore)(nil)
