// Package ratelimit spaces outbound requests per scrape source and backs
// off on 429 responses.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
)

const (
	maxDelay          = 2 * time.Minute
	cooldownWindow    = 5 * time.Minute
	successesToDecay  = 3
	cooldownAfter429s = 3
	decayFactor       = 0.9
)

// sourceState holds the limiter state for one source, guarded by its own mutex.
type sourceState struct {
	mu sync.Mutex

	baseDelay      time.Duration
	currentDelay   time.Duration
	lastRequest    time.Time
	nextSlot       time.Time // reserved slot boundary; serialises concurrent waiters
	consecutiveOK  int
	consecutive429 int
	cooldownUntil  time.Time
}

// Limiter implements interfaces.RateLimiter.
type Limiter struct {
	mu      sync.Mutex
	sources map[string]*sourceState
	delays  map[string]time.Duration
	logger  *common.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a limiter with per-source base delays. Sources not listed get
// the "default" entry, or zero delay if none is configured.
func New(baseDelays map[string]time.Duration, logger *common.Logger) *Limiter {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &Limiter{
		sources: make(map[string]*sourceState),
		delays:  baseDelays,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Limiter) state(source string) *sourceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.sources[source]
	if !ok {
		base := l.delays[source]
		if base == 0 {
			base = l.delays["default"]
		}
		st = &sourceState{baseDelay: base, currentDelay: base}
		l.sources[source] = st
	}
	return st
}

// WaitForSlot blocks until max(cooldown_until, last_request + current_delay)
// and returns the elapsed wait. Concurrent callers on the same source observe
// disjoint slots.
func (l *Limiter) WaitForSlot(ctx context.Context, source string) (time.Duration, error) {
	st := l.state(source)

	st.mu.Lock()
	now := l.now()
	slot := st.nextSlot
	if slot.Before(now) {
		slot = now
	}
	if until := st.cooldownUntil; until.After(slot) {
		slot = until
	}
	// Reserve the slot after ours so the next caller waits behind us.
	st.nextSlot = slot.Add(st.currentDelay)
	st.lastRequest = slot
	wait := slot.Sub(now)
	st.mu.Unlock()

	if err := l.sleep(ctx, wait); err != nil {
		return 0, err
	}
	if wait > 0 {
		l.logger.Debug().Str("source", source).Dur("waited", wait).Msg("Rate limit slot acquired")
	}
	return wait, nil
}

// RecordSuccess decays the delay toward base after consecutive successes.
func (l *Limiter) RecordSuccess(source string) {
	st := l.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.consecutive429 = 0
	st.consecutiveOK++
	if st.consecutiveOK >= successesToDecay && st.currentDelay > st.baseDelay {
		decayed := time.Duration(float64(st.currentDelay) * decayFactor)
		if decayed < st.baseDelay {
			decayed = st.baseDelay
		}
		st.currentDelay = decayed
		st.consecutiveOK = 0
	}
}

// Record429 doubles the delay and opens a cooldown window after repeats.
func (l *Limiter) Record429(source string) {
	st := l.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.consecutiveOK = 0
	st.consecutive429++

	doubled := st.currentDelay * 2
	if doubled == 0 {
		doubled = time.Second
	}
	if doubled > maxDelay {
		doubled = maxDelay
	}
	st.currentDelay = doubled

	if st.consecutive429 >= cooldownAfter429s {
		st.cooldownUntil = l.now().Add(cooldownWindow)
		l.logger.Warn().
			Str("source", source).
			Int("consecutive_429", st.consecutive429).
			Time("cooldown_until", st.cooldownUntil).
			Msg("Source entering rate-limit cooldown")
	}
}

// RecordError resets the success streak without touching the delay.
func (l *Limiter) RecordError(source string) {
	st := l.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.consecutiveOK = 0
}

// Snapshot returns per-source limiter state for diagnostics.
func (l *Limiter) Snapshot() map[string]models.RateLimitState {
	l.mu.Lock()
	names := make([]string, 0, len(l.sources))
	for name := range l.sources {
		names = append(names, name)
	}
	l.mu.Unlock()

	out := make(map[string]models.RateLimitState, len(names))
	for _, name := range names {
		st := l.state(name)
		st.mu.Lock()
		out[name] = models.RateLimitState{
			Source:         name,
			BaseDelayMS:    st.baseDelay.Milliseconds(),
			CurrentDelayMS: st.currentDelay.Milliseconds(),
			Consecutive429: st.consecutive429,
			CooldownUntil:  st.cooldownUntil,
			LastRequestAt:  st.lastRequest,
		}
		st.mu.Unlock()
	}
	return out
}

// IsRateLimitError reports whether an error message matches the known
// rate-limit patterns.
func IsRateLimitError(message string) bool {
	return models.IsRateLimitMessage(message)
}

var _ interfaces.RateLimiter = (*Limiter)(nil)
