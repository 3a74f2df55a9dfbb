// Package runlock implements the cross-process single-run mutex per
// subscription, backed by the KV store.
package runlock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
	kv "github.com/bobmcallan/scout/internal/storage/redis"
)

// DefaultTTL is the lock lifetime when the caller does not override it.
const DefaultTTL = 30 * time.Minute

// Lock implements interfaces.RunLock on the KV store.
type Lock struct {
	kv     *kv.Store
	logger *common.Logger
	holder string
	ttl    time.Duration
}

// New creates a lock service. holder identifies this process in lock records.
func New(store *kv.Store, logger *common.Logger, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "scout"
	}
	return &Lock{
		kv:     store,
		logger: logger,
		holder: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		ttl:    ttl,
	}
}

func lockKey(subscriptionID string) string {
	return kv.LockKeyPrefix + subscriptionID
}

// TryAcquire atomically claims the subscription for runID. Returns false
// when another run already holds it.
func (l *Lock) TryAcquire(ctx context.Context, subscriptionID, runID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	record := models.LockRecord{
		RunID:      runID,
		AcquiredAt: time.Now(),
		Holder:     l.holder,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("failed to marshal lock record: %w", err)
	}

	ok, err := l.kv.SetNX(ctx, lockKey(subscriptionID), string(data), ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if ok {
		l.logger.Debug().
			Str("subscription_id", subscriptionID).
			Str("run_id", runID).
			Msg("Subscription lock acquired")
	}
	return ok, nil
}

// Refresh extends the TTL only while runID still holds the lock, so a
// lapsed lock re-acquired by another run is never stolen back.
func (l *Lock) Refresh(ctx context.Context, subscriptionID, runID string) error {
	record, err := l.read(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("lock for subscription %s not held", subscriptionID)
	}
	if record.RunID != runID {
		return fmt.Errorf("lock for subscription %s held by run %s, not %s", subscriptionID, record.RunID, runID)
	}
	return l.kv.Expire(ctx, lockKey(subscriptionID), l.ttl)
}

// Release deletes the lock iff runID matches the stored record.
func (l *Lock) Release(ctx context.Context, subscriptionID, runID string) error {
	record, err := l.read(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if record == nil {
		return nil // already released or expired
	}
	if record.RunID != runID {
		l.logger.Warn().
			Str("subscription_id", subscriptionID).
			Str("held_by", record.RunID).
			Str("releasing", runID).
			Msg("Refusing to release lock held by another run")
		return nil
	}
	return l.kv.Del(ctx, lockKey(subscriptionID))
}

// IsHeld reports whether any run holds the subscription's lock.
func (l *Lock) IsHeld(ctx context.Context, subscriptionID string) (bool, error) {
	return l.kv.Exists(ctx, lockKey(subscriptionID))
}

// ActiveKeys lists held lock keys for the diagnostics endpoint.
func (l *Lock) ActiveKeys(ctx context.Context) ([]string, error) {
	keys, err := l.kv.ScanKeys(ctx, kv.LockKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, kv.KeyPrefix))
	}
	return out, nil
}

func (l *Lock) read(ctx context.Context, subscriptionID string) (*models.LockRecord, error) {
	raw, err := l.kv.Get(ctx, lockKey(subscriptionID))
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var record models.LockRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to decode lock record: %w", err)
	}
	return &record, nil
}

var _ interfaces.RunLock = (*Lock)(nil)
