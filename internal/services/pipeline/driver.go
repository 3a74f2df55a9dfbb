// Package pipeline executes the four run stages for one subscription:
// expansion, collection, normalization, matching, and notification
// delivery, with progress and checkpoints recorded on the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
)

// Progress bands per stage.
const (
	pctExpansion     = 5
	pctCollection    = 55
	pctNormalization = 60
	pctMatching      = 90

	// collectionLimit is results_wanted per scraper call.
	collectionLimit = 25

	// checkpointEvery is the matched-job interval between checkpoint writes.
	checkpointEvery = 50
)

// ErrSubscriptionLocked is returned when another run holds the
// subscription's lock.
var ErrSubscriptionLocked = errors.New("subscription already locked")

// Driver implements interfaces.Pipeline.
type Driver struct {
	storage    interfaces.StorageManager
	dispatcher interfaces.Dispatcher
	matcher    interfaces.BatchMatcher
	notifier   interfaces.Notifier
	tracker    interfaces.Tracker
	lock       interfaces.RunLock
	llm        interfaces.LLMClient
	config     *common.Config
	logger     *common.Logger

	// source names the scraping backend on collection requests; the
	// heavily rate-limited serpapi source skips title expansion.
	source string
}

// New creates a pipeline driver.
func New(
	storage interfaces.StorageManager,
	dispatcher interfaces.Dispatcher,
	matcher interfaces.BatchMatcher,
	notifier interfaces.Notifier,
	tracker interfaces.Tracker,
	lock interfaces.RunLock,
	llm interfaces.LLMClient,
	config *common.Config,
	logger *common.Logger,
) *Driver {
	return &Driver{
		storage:    storage,
		dispatcher: dispatcher,
		matcher:    matcher,
		notifier:   notifier,
		tracker:    tracker,
		lock:       lock,
		llm:        llm,
		config:     config,
		logger:     logger,
		source:     models.SourceScraper,
	}
}

// runState carries the driver's per-run working set, kept for the error
// context snapshot on failure.
type runState struct {
	runID    string
	sub      *models.Subscription
	trigger  string
	stage    string
	titles   []string
	location string
	counters models.RunCounters
}

func (st *runState) errorContext() *models.ErrorContext {
	return &models.ErrorContext{
		Stage:           st.stage,
		Titles:          st.titles,
		Location:        st.location,
		PartialCounters: st.counters,
	}
}

// Execute runs the full pipeline for one subscription. The run row,
// lock, and terminal status are all owned here; the scheduler only
// decides when to call.
func (d *Driver) Execute(ctx context.Context, sub *models.Subscription, triggerType string) (*models.PipelineResult, error) {
	runID := models.NewRunID()
	log := d.logger.With().Str("run_id", runID).Str("subscription_id", sub.ID).Logger()

	// The lock comes first; a denied acquisition leaves no run row behind.
	acquired, err := d.lock.TryAcquire(ctx, sub.ID, runID, d.config.Scheduler.GetLockTTL())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return nil, ErrSubscriptionLocked
	}
	defer d.lock.Release(ctx, sub.ID, runID)

	if err := d.tracker.StartRun(ctx, runID, sub.ID, triggerType); err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	st := &runState{runID: runID, sub: sub, trigger: triggerType}

	result, err := d.execute(ctx, st)
	if err != nil {
		if models.IsKind(err, models.ErrKindCancelled) {
			log.Info().Str("stage", st.stage).Msg("Run cancelled")
			d.tracker.Cancel(ctx, runID)
			return nil, err
		}
		log.Error().Err(err).Str("stage", st.stage).Msg("Run failed")
		d.tracker.Fail(ctx, runID, st.stage, err.Error(), st.errorContext())
		return nil, err
	}

	if err := d.tracker.Complete(ctx, runID, st.counters); err != nil {
		log.Warn().Err(err).Msg("Failed to finalise run row")
	}
	log.Info().
		Int("matches_found", result.MatchesFound).
		Int("notifications_sent", result.NotificationsSent).
		Msg("Run completed")
	return result, nil
}

func (d *Driver) execute(ctx context.Context, st *runState) (*models.PipelineResult, error) {
	// Stage 1: expansion (0-5%).
	if err := d.transition(ctx, st, models.StageExpansion, 0, "expanding search titles"); err != nil {
		return nil, err
	}
	titles, err := d.expandTitles(ctx, st)
	if err != nil {
		return nil, err
	}
	st.titles = titles

	// Stage 2: collection (5-55%).
	if err := d.transition(ctx, st, models.StageCollection, pctExpansion, fmt.Sprintf("collecting %d titles", len(titles))); err != nil {
		return nil, err
	}
	raw, err := d.collect(ctx, st, titles)
	if err != nil {
		return nil, err
	}
	st.counters.JobsCollected = len(raw)
	d.tracker.AddCounter(ctx, st.runID, "jobs_collected", len(raw))

	// Stage 3: normalization (55-60%).
	if err := d.transition(ctx, st, models.StageNormalization, pctCollection, fmt.Sprintf("normalizing %d postings", len(raw))); err != nil {
		return nil, err
	}
	unique := normalizeJobs(raw)
	d.tracker.SaveCheckpoint(ctx, st.runID, &models.Checkpoint{
		Stage:       "post-collection",
		RawCount:    len(raw),
		UniqueCount: len(unique),
	})
	filtered := applyFilters(unique, st.sub)
	st.counters.JobsAfterDedup = len(filtered)
	d.tracker.AddCounter(ctx, st.runID, "jobs_after_dedup", len(filtered))

	// Stage 4: matching (60-90%).
	if err := d.transition(ctx, st, models.StageMatching, pctNormalization, fmt.Sprintf("matching %d jobs", len(filtered))); err != nil {
		return nil, err
	}
	retained, err := d.match(ctx, st, filtered)
	if err != nil {
		return nil, err
	}
	st.counters.JobsMatched = len(retained)
	d.tracker.AddCounter(ctx, st.runID, "jobs_matched", len(retained))

	// Stage 5: notification (90-100%).
	if err := d.transition(ctx, st, models.StageNotification, pctMatching, fmt.Sprintf("notifying %d matches", len(retained))); err != nil {
		return nil, err
	}
	sent, err := d.notify(ctx, st, filtered, retained)
	if err != nil {
		return nil, err
	}
	st.counters.NotificationsSent = sent
	d.tracker.AddCounter(ctx, st.runID, "notifications_sent", sent)

	return &models.PipelineResult{
		MatchesFound:      len(retained),
		NotificationsSent: sent,
		JobsProcessed:     len(filtered),
		Stats:             st.counters,
	}, nil
}

// transition is the stage boundary: cancel check, lock refresh, stage write.
func (d *Driver) transition(ctx context.Context, st *runState, stage string, percent int, detail string) error {
	if d.dispatcher.RunCancelled(ctx, st.runID) {
		return models.ErrRunCancelled
	}
	if err := d.lock.Refresh(ctx, st.sub.ID, st.runID); err != nil {
		d.logger.Warn().Err(err).Str("run_id", st.runID).Msg("Lock refresh failed")
	}
	st.stage = stage
	return d.tracker.SetStage(ctx, st.runID, stage, percent, detail)
}

// expandTitles resolves the effective title set through the expansion
// cache and agent. Agent failure falls back to the original titles with
// a warning; the limited serpapi source is clamped to the originals.
func (d *Driver) expandTitles(ctx context.Context, st *runState) ([]string, error) {
	original := st.sub.JobTitles
	if d.source == models.SourceSerpAPI {
		return dedupeTitles(original), nil
	}

	key := common.ExpansionCacheKey(original, st.sub.ResumeText)
	exp, err := d.storage.Caches().GetExpansion(ctx, key)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Expansion cache lookup failed")
	}

	if exp == nil {
		result, err := d.llm.ExpandTitles(ctx, original, st.sub.ResumeText)
		if err != nil {
			d.tracker.AddWarning(ctx, st.runID, fmt.Sprintf("title expansion failed: %v", err))
			return dedupeTitles(original), nil
		}
		exp = &models.QueryExpansion{
			Key:                   key,
			OriginalTitles:        original,
			ExpandedTitles:        result.ExpandedTitles,
			ResumeSuggestedTitles: result.ResumeSuggestedTitles,
		}
		if err := d.storage.Caches().SaveExpansion(ctx, exp); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to cache expansion")
		}
	}

	merged := make([]string, 0, len(original)+len(exp.ExpandedTitles)+len(exp.ResumeSuggestedTitles))
	merged = append(merged, original...)
	merged = append(merged, exp.ExpandedTitles...)
	merged = append(merged, exp.ResumeSuggestedTitles...)
	return dedupeTitles(merged), nil
}

// collect fans out one collection request per effective title and
// location variant, aggregating the raw postings. A failed title logs a
// warning and the run continues.
func (d *Driver) collect(ctx context.Context, st *runState, titles []string) ([]*models.Job, error) {
	variants := locationVariants(st.sub)
	total := len(titles) * len(variants)
	if total == 0 {
		return nil, nil
	}

	priority := models.PriorityScheduled
	if st.trigger != models.TriggerScheduled {
		priority = models.PriorityAPIRequest
	}

	var raw []*models.Job
	done := 0
	for _, title := range titles {
		for _, variant := range variants {
			if d.dispatcher.RunCancelled(ctx, st.runID) {
				return nil, models.ErrRunCancelled
			}
			st.location = variant.location

			payload := models.CollectionPayload{
				Request: models.CollectionRequest{
					Query:      title,
					Location:   variant.location,
					Country:    variant.country,
					IsRemote:   variant.remote,
					JobTypes:   st.sub.JobTypes,
					DatePosted: st.sub.DatePosted,
					Source:     d.source,
					Limit:      collectionLimit,
				},
				RunID:          st.runID,
				SubscriptionID: st.sub.ID,
			}

			jobs, err := d.dispatcher.EnqueueCollection(ctx, payload, priority)
			if err != nil {
				if models.IsKind(err, models.ErrKindCancelled) || models.IsKind(err, models.ErrKindQueueUnavailable) {
					return nil, err
				}
				d.logger.Warn().Err(err).Str("title", title).Str("location", variant.location).Msg("Collection failed")
				d.tracker.AddWarning(ctx, st.runID, fmt.Sprintf("collection failed for %q at %q: %v", title, variant.display(), err))
			} else {
				raw = append(raw, jobs...)
			}

			done++
			percent := pctExpansion + (pctCollection-pctExpansion)*done/total
			d.tracker.SetStage(ctx, st.runID, models.StageCollection, percent,
				fmt.Sprintf("collected %d/%d queries", done, total))
		}
	}
	st.location = ""
	return raw, nil
}

// match runs the adaptive batch processor and keeps matches at or above
// the subscription's score threshold.
func (d *Driver) match(ctx context.Context, st *runState, jobs []*models.Job) ([]*models.JobMatch, error) {
	total := len(jobs)
	lastCheckpoint := 0
	onProgress := func(processed, totalJobs int) {
		percent := pctNormalization
		if totalJobs > 0 {
			percent = pctNormalization + (pctMatching-pctNormalization)*processed/totalJobs
		}
		d.tracker.SetStage(ctx, st.runID, models.StageMatching, percent,
			fmt.Sprintf("matched %d/%d jobs", processed, totalJobs))
		if processed-lastCheckpoint >= checkpointEvery {
			lastCheckpoint = processed
			d.tracker.SaveCheckpoint(ctx, st.runID, &models.Checkpoint{
				Stage:          models.StageMatching,
				ProcessedIndex: processed,
			})
		}
	}

	matches, jobErrs, err := d.matcher.MatchAll(ctx, models.RunContext{RunID: st.runID, SubscriptionID: st.sub.ID},
		jobs, st.sub.ResumeText, st.sub.ResumeHash, onProgress)
	if err != nil {
		return nil, err
	}
	if len(jobErrs) > 0 {
		d.tracker.AddWarning(ctx, st.runID, fmt.Sprintf("%d of %d jobs failed matching", len(jobErrs), total))
	}

	var retained []*models.JobMatch
	for _, match := range matches {
		if match.Score >= st.sub.MinScore {
			retained = append(retained, match)
		}
	}
	return retained, nil
}

// notify delivers new matches and writes the sent ledger for successful
// sends only.
func (d *Driver) notify(ctx context.Context, st *runState, jobs []*models.Job, retained []*models.JobMatch) (int, error) {
	if len(retained) == 0 {
		return 0, nil
	}

	user, err := d.storage.Users().Get(ctx, st.sub.UserID)
	if err != nil {
		return 0, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		d.tracker.AddWarning(ctx, st.runID, fmt.Sprintf("user %s not found, skipping notifications", st.sub.UserID))
		return 0, nil
	}

	ledgerScope := []string{st.sub.ID}
	if user.SkipCrossSubDuplicates {
		subs, err := d.storage.Subscriptions().ListByUser(ctx, user.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to list user subscriptions: %w", err)
		}
		ledgerScope = ledgerScope[:0]
		for _, s := range subs {
			ledgerScope = append(ledgerScope, s.ID)
		}
	}
	sentIDs, err := d.storage.Sent().SentMatchIDs(ctx, ledgerScope)
	if err != nil {
		return 0, fmt.Errorf("failed to read sent ledger: %w", err)
	}

	sort.SliceStable(retained, func(i, j int) bool { return retained[i].Score > retained[j].Score })

	maxPerRun := d.config.Notify.GetMaxPerRun()
	var selected []*models.JobMatch
	if d.config.Notify.CapThenFilter {
		// Legacy order: cap the top-scored set first, then drop
		// already-sent matches. May deliver fewer than the cap.
		capped := retained
		if len(capped) > maxPerRun {
			capped = capped[:maxPerRun]
		}
		for _, m := range capped {
			if !sentIDs[m.ID] {
				selected = append(selected, m)
			}
		}
	} else {
		for _, m := range retained {
			if sentIDs[m.ID] {
				continue
			}
			selected = append(selected, m)
			if len(selected) == maxPerRun {
				break
			}
		}
	}
	if len(selected) == 0 {
		return 0, nil
	}

	// Final cancel check before any send; a cancelled run never
	// partially commits notifications.
	if d.dispatcher.RunCancelled(ctx, st.runID) {
		return 0, models.ErrRunCancelled
	}

	jobsByHash := make(map[string]*models.Job, len(jobs))
	for _, job := range jobs {
		jobsByHash[job.ContentHash] = job
	}

	notifications := make([]models.MatchNotification, 0, len(selected))
	for _, m := range selected {
		job := jobsByHash[m.JobID]
		if job == nil {
			stored, err := d.storage.Jobs().Get(ctx, m.JobID)
			if err != nil || stored == nil {
				d.logger.Warn().Str("job_id", m.JobID).Msg("Job missing for retained match")
				continue
			}
			job = stored
		}
		notifications = append(notifications, models.MatchNotification{Job: *job, Match: m})
	}

	errs := d.notifier.SendMatches(ctx, user.ChatID, notifications)
	sent := 0
	for i, sendErr := range errs {
		if sendErr != nil {
			continue
		}
		ledger := &models.SentNotification{
			SubscriptionID: st.sub.ID,
			JobMatchID:     notifications[i].Match.ID,
		}
		if err := d.storage.Sent().Insert(ctx, ledger); err != nil {
			d.logger.Warn().Err(err).Str("job_match_id", ledger.JobMatchID).Msg("Failed to record sent notification")
			continue
		}
		sent++
	}
	return sent, nil
}

// locationVariant is one collection target derived from the subscription.
type locationVariant struct {
	location string
	country  string
	remote   bool
}

func (v locationVariant) display() string {
	if v.remote {
		return "remote"
	}
	return v.location
}

// locationVariants expands the subscription's locations into collection
// targets: one remote variant when any remote location exists (with the
// shared country, if the remote locations agree on one), plus each
// physical location's search variants.
func locationVariants(sub *models.Subscription) []locationVariant {
	var variants []locationVariant
	if len(sub.RemoteLocations()) > 0 {
		variants = append(variants, locationVariant{remote: true, country: sub.RemoteCountry()})
	}
	for _, loc := range sub.PhysicalLocations() {
		names := loc.SearchVariants
		if len(names) == 0 {
			names = []string{loc.Display}
		}
		for _, name := range names {
			if name == "" {
				continue
			}
			variants = append(variants, locationVariant{location: name, country: loc.Country})
		}
	}
	return variants
}

// dedupeTitles drops duplicate titles case-insensitively, preserving order.
func dedupeTitles(titles []string) []string {
	seen := make(map[string]bool, len(titles))
	var out []string
	for _, title := range titles {
		key := strings.ToLower(cleanText(title))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, title)
	}
	return out
}

var _ interfaces.Pipeline = (*Driver)(nil)
