// Package redis wraps the KV store that owns cross-process coordination
// state: subscription locks, run-cancel flags, and queue bookkeeping.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bobmcallan/scout/internal/common"
)

// Key prefixes. Everything Scout writes to the KV store lives under scout:.
const (
	KeyPrefix       = "scout:"
	LockKeyPrefix   = KeyPrefix + "lock:subscription:"
	CancelKeyPrefix = KeyPrefix + "run:cancelled:"
	QueueKeyPrefix  = KeyPrefix + "queue:"
	cancelFlagTTL   = 30 * time.Minute
)

// Store wraps a Redis client with Scout's KV conventions.
type Store struct {
	client *redis.Client
	logger *common.Logger
}

// NewStore connects to the KV store at the given URL (redis://...).
func NewStore(url string, logger *common.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse KV url: %w", err)
	}
	client := redis.NewClient(opts)
	return &Store{client: client, logger: logger}, nil
}

// NewStoreWithClient wraps an existing client. Used by tests.
func NewStoreWithClient(client *redis.Client, logger *common.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Client exposes the underlying Redis client for queue operations.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// SetNX sets key to value with a TTL only if it does not exist.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Get returns the value for key, or "" when absent.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// Del removes a key.
func (s *Store) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Expire refreshes a key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// Exists reports whether a key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

// ScanKeys returns all keys matching the pattern.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// SetCancelFlag marks a run as cancelled. The flag carries a short TTL so
// stale flags self-clean.
func (s *Store) SetCancelFlag(ctx context.Context, runID string) error {
	return s.client.Set(ctx, CancelKeyPrefix+runID, "1", cancelFlagTTL).Err()
}

// CancelFlagSet reports whether the run-cancel flag exists. KV errors are
// treated as "not cancelled": cancellation is cooperative and the stuck
// sweep is the backstop.
func (s *Store) CancelFlagSet(ctx context.Context, runID string) bool {
	n, err := s.client.Exists(ctx, CancelKeyPrefix+runID).Result()
	if err != nil {
		if s.logger != nil {
			s.logger.Warn().Err(err).Str("run_id", runID).Msg("Cancel flag check failed")
		}
		return false
	}
	return n > 0
}
