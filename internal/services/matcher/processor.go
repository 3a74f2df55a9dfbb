// Package matcher implements batch scoring of jobs against a resume with a
// cache lookup phase and feedback-driven slice sizing.
package matcher

import (
	"context"
	"sync"
	"time"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
)

const (
	initialBatchSize = 10
	cooldownDelayMS  = 5000
)

// Processor implements interfaces.BatchMatcher. It scores uncached jobs in
// concurrent slices, shrinking under rate-limit or provider pressure and
// growing again after consecutive clean slices.
type Processor struct {
	dispatcher interfaces.Dispatcher
	storage    interfaces.StorageManager
	logger     *common.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(dispatcher interfaces.Dispatcher, storage interfaces.StorageManager, logger *common.Logger) *Processor {
	return &Processor{
		dispatcher: dispatcher,
		storage:    storage,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// batchState holds the adaptive slice parameters.
type batchState struct {
	size                 int
	delayMS              int
	consecutiveErrors    int
	consecutiveSuccesses int
}

// sliceOutcome aggregates one slice's results for adaptation.
type sliceOutcome struct {
	rateLimited   bool
	providerError bool
	otherError    bool
}

func (o sliceOutcome) anyError() bool {
	return o.rateLimited || o.providerError || o.otherError
}

// MatchAll scores jobs against the resume. Cached matches are served from
// the relational store in one lookup; the rest go through the matching
// queue in adaptive slices. The returned error slice holds one entry per
// failed job; the final error is set only when the whole batch must abort.
func (p *Processor) MatchAll(ctx context.Context, runCtx models.RunContext, jobs []*models.Job, resumeText, resumeHash string,
	onProgress func(processed, total int)) ([]*models.JobMatch, []error, error) {

	total := len(jobs)
	if total == 0 {
		return nil, nil, nil
	}

	cachedByJob, err := p.lookupCached(ctx, jobs, resumeHash)
	if err != nil {
		return nil, nil, err
	}

	var matches []*models.JobMatch
	var uncached []*models.Job
	for _, job := range jobs {
		if match, ok := cachedByJob[job.ContentHash]; ok {
			matches = append(matches, match)
		} else {
			uncached = append(uncached, job)
		}
	}
	processed := len(matches)

	p.logger.Info().
		Str("run_id", runCtx.RunID).
		Int("total", total).
		Int("cached", processed).
		Int("uncached", len(uncached)).
		Msg("Batch matching started")

	if onProgress != nil {
		onProgress(processed, total)
	}

	state := batchState{size: initialBatchSize}
	var jobErrs []error

	for start := 0; start < len(uncached); {
		if p.dispatcher.RunCancelled(ctx, runCtx.RunID) {
			return matches, jobErrs, models.ErrRunCancelled
		}

		end := start + state.size
		if end > len(uncached) {
			end = len(uncached)
		}
		slice := uncached[start:end]

		sliceMatches, sliceErrs, outcome := p.scoreSlice(ctx, runCtx, slice, resumeText, resumeHash)
		for _, e := range sliceErrs {
			if models.IsKind(e, models.ErrKindCancelled) {
				return matches, jobErrs, models.ErrRunCancelled
			}
		}
		matches = append(matches, sliceMatches...)
		jobErrs = append(jobErrs, sliceErrs...)
		processed += len(slice)
		start = end

		p.adapt(&state, outcome)

		p.logger.Debug().
			Str("run_id", runCtx.RunID).
			Int("processed", processed).
			Int("total", total).
			Int("batch_size", state.size).
			Int("delay_ms", state.delayMS).
			Int("slice_errors", len(sliceErrs)).
			Msg("Matching slice completed")

		if onProgress != nil {
			onProgress(processed, total)
		}

		if start < len(uncached) && state.delayMS > 0 {
			if err := p.sleep(ctx, time.Duration(state.delayMS)*time.Millisecond); err != nil {
				return matches, jobErrs, err
			}
		}
	}

	return matches, jobErrs, nil
}

// lookupCached fetches existing matches for the whole batch in one query.
func (p *Processor) lookupCached(ctx context.Context, jobs []*models.Job, resumeHash string) (map[string]*models.JobMatch, error) {
	hashes := make([]string, 0, len(jobs))
	for _, job := range jobs {
		hashes = append(hashes, job.ContentHash)
	}
	cached, err := p.storage.Matches().FindByJobs(ctx, hashes, resumeHash)
	if err != nil {
		return nil, err
	}
	byJob := make(map[string]*models.JobMatch, len(cached))
	for _, match := range cached {
		byJob[match.JobID] = match
	}
	return byJob, nil
}

// scoreSlice enqueues every job in the slice concurrently and awaits all.
func (p *Processor) scoreSlice(ctx context.Context, runCtx models.RunContext, slice []*models.Job, resumeText, resumeHash string) ([]*models.JobMatch, []error, sliceOutcome) {
	type result struct {
		match *models.JobMatch
		err   error
	}
	results := make([]result, len(slice))

	var wg sync.WaitGroup
	for i, job := range slice {
		wg.Add(1)
		go func(i int, job *models.Job) {
			defer wg.Done()
			payload := models.MatchingPayload{
				Job:            *job,
				ResumeText:     resumeText,
				ResumeHash:     resumeHash,
				RunID:          runCtx.RunID,
				SubscriptionID: runCtx.SubscriptionID,
			}
			res, err := p.dispatcher.EnqueueMatching(ctx, payload, models.PriorityScheduled)
			if err != nil {
				results[i] = result{err: err}
				return
			}
			results[i] = result{match: res.Match}
		}(i, job)
	}
	wg.Wait()

	var matches []*models.JobMatch
	var errs []error
	var outcome sliceOutcome
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			switch {
			case models.IsKind(r.err, models.ErrKindRateLimited):
				outcome.rateLimited = true
			case models.IsKind(r.err, models.ErrKindTransient):
				outcome.providerError = true
			default:
				outcome.otherError = true
			}
			continue
		}
		if r.match != nil {
			matches = append(matches, r.match)
		}
	}
	return matches, errs, outcome
}

// adapt applies the slice outcome to the batch parameters. Rate limits
// shrink hardest, provider faults shrink gently, three error slices in a
// row force a cooldown, and two clean slices in a row grow the batch.
func (p *Processor) adapt(state *batchState, outcome sliceOutcome) {
	switch {
	case outcome.rateLimited:
		state.consecutiveSuccesses = 0
		state.consecutiveErrors++
		state.size = maxInt(1, state.size/2)
		state.delayMS = maxInt(state.delayMS, 1000) * 2

	case outcome.providerError:
		state.consecutiveSuccesses = 0
		state.consecutiveErrors++
		state.size = maxInt(1, state.size*7/10)
		state.delayMS = maxInt(state.delayMS, 500) * 3 / 2

	case outcome.otherError:
		state.consecutiveSuccesses = 0
		state.consecutiveErrors++
		state.size = maxInt(1, state.size*9/10)

	default:
		state.consecutiveErrors = 0
		state.consecutiveSuccesses++
		if state.consecutiveSuccesses >= 2 {
			state.size = state.size * 3 / 2
			state.delayMS = state.delayMS / 2
		}
	}

	if outcome.anyError() && state.consecutiveErrors >= 3 {
		state.size = maxInt(1, state.size/2)
		state.delayMS = cooldownDelayMS
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

var _ interfaces.BatchMatcher = (*Processor)(nil)
