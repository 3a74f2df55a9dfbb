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

// userSelectFields aliases user_id to id for struct mapping.
const userSelectFields = "user_id as id, chat_id, handle, skip_cross_sub_duplicates, created_at"

// UserStore implements interfaces.UserStore using SurrealDB.
type UserStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewUserStore creates a new UserStore.
func NewUserStore(db *surrealdb.DB, logger *common.Logger) *UserStore {
	return &UserStore{db: db, logger: logger}
}

func (s *UserStore) Get(ctx context.Context, id string) (*models.User, error) {
	sql := "SELECT " + userSelectFields + " FROM user WHERE user_id = $id LIMIT 1"
	vars := map[string]any{"id": id}

	results, err := surrealdb.Query[[]models.User](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

func (s *UserStore) Save(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()[:8]
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	sql := `UPSERT $rid SET
		user_id = $user_id, chat_id = $chat_id, handle = $handle,
		skip_cross_sub_duplicates = $skip_dups, created_at = $created_at`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("user", user.ID),
		"user_id":    user.ID,
		"chat_id":    user.ChatID,
		"handle":     user.Handle,
		"skip_dups":  user.SkipCrossSubDuplicates,
		"created_at": user.CreatedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *UserStore) List(ctx context.Context, page, limit int) ([]*models.User, int, error) {
	limit, start := clampPage(page, limit)

	total, err := s.Count(ctx)
	if err != nil {
		return nil, 0, err
	}

	sql := "SELECT " + userSelectFields + " FROM user ORDER BY created_at DESC LIMIT $limit START $start"
	vars := map[string]any{"limit": limit, "start": start}

	results, err := surrealdb.Query[[]models.User](ctx, s.db, sql, vars)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}

	var users []*models.User
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			users = append(users, &(*results)[0].Result[i])
		}
	}
	return users, total, nil
}

func (s *UserStore) Count(ctx context.Context) (int, error) {
	sql := "SELECT count() AS cnt FROM user GROUP ALL"

	type countResult struct {
		Cnt int `json:"cnt"`
	}

	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt, nil
	}
	return 0, nil
}

// Compile-time check
var _ interfaces.UserStore = (*UserStore)(nil)
