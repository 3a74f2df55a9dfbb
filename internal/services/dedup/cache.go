// Package dedup coalesces identical in-flight collection requests so that
// concurrent runs asking for the same query share one outbound scraper call.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/models"
)

const (
	entryTTL      = 5 * time.Minute
	sweepInterval = time.Minute
)

// entry is one pending (or settled) collection result, awaitable by any
// number of readers.
type entry struct {
	done       chan struct{}
	insertedAt time.Time

	jobs []*models.Job
	err  error
}

// Cache is the process-local in-flight request cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *common.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a dedup cache. Call Start to run the expiry sweeper.
func New(logger *common.Logger) *Cache {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &Cache{
		entries: make(map[string]*entry),
		logger:  logger,
		now:     time.Now,
	}
}

// Start launches the periodic sweep of expired entries. A second Start
// before Stop is a no-op; only one sweeper ever runs.
func (c *Cache) Start() {
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.wg.Wait()
}

// Do returns the result for key, either by awaiting an existing in-flight
// execution or by running fn itself. Results are returned as copies so
// callers can mutate them independently. A failed execution is evicted so
// later callers may retry.
func (c *Cache) Do(ctx context.Context, key string, fn func(ctx context.Context) ([]*models.Job, error)) ([]*models.Job, bool, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.insertedAt) < entryTTL {
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, true, ctx.Err()
		case <-e.done:
		}
		if e.err != nil {
			return nil, true, e.err
		}
		return copyJobs(e.jobs), true, nil
	}

	e := &entry{done: make(chan struct{}), insertedAt: c.now()}
	c.entries[key] = e
	c.mu.Unlock()

	e.jobs, e.err = fn(ctx)
	close(e.done)

	if e.err != nil {
		c.mu.Lock()
		if c.entries[key] == e {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false, e.err
	}
	return copyJobs(e.jobs), false, nil
}

// Size returns the number of live entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush drops all entries. Used on shutdown.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

func (c *Cache) sweep() {
	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		select {
		case <-e.done:
		default:
			continue // never evict an in-flight entry
		}
		if c.now().Sub(e.insertedAt) >= entryTTL {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Msg("Dedup cache sweep")
	}
}

func copyJobs(jobs []*models.Job) []*models.Job {
	out := make([]*models.Job, len(jobs))
	copy(out, jobs)
	return out
}
