package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
	"github.com/bobmcallan/scout/internal/services/pipeline"
)

// --- mocks ---

type executedRun struct {
	SubscriptionID string
	TriggerType    string
}

type mockPipeline struct {
	mu       sync.Mutex
	runs     []executedRun
	ctxs     []context.Context
	err      error
	executeF func(sub *models.Subscription) error
}

func (m *mockPipeline) Execute(ctx context.Context, sub *models.Subscription, triggerType string) (*models.PipelineResult, error) {
	m.mu.Lock()
	m.ctxs = append(m.ctxs, ctx)
	m.mu.Unlock()
	if m.executeF != nil {
		if err := m.executeF(sub); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	m.runs = append(m.runs, executedRun{SubscriptionID: sub.ID, TriggerType: triggerType})
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &models.PipelineResult{}, nil
}

func (m *mockPipeline) executed() []executedRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]executedRun(nil), m.runs...)
}

func (m *mockPipeline) contexts() []context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]context.Context(nil), m.ctxs...)
}

type mockDispatcher struct {
	mu        sync.Mutex
	cancelled []string
}

func (m *mockDispatcher) EnqueueCollection(_ context.Context, _ models.CollectionPayload, _ int) ([]*models.Job, error) {
	return nil, nil
}

func (m *mockDispatcher) EnqueueMatching(_ context.Context, _ models.MatchingPayload, _ int) (*models.MatchingResult, error) {
	return nil, nil
}

func (m *mockDispatcher) CancelRun(_ context.Context, runID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, runID)
	return map[string]int{}, nil
}

func (m *mockDispatcher) RunCancelled(_ context.Context, _ string) bool { return false }
func (m *mockDispatcher) Stats(_ context.Context) map[string]models.QueueStats {
	return nil
}
func (m *mockDispatcher) DedupSize() int { return 0 }

func (m *mockDispatcher) cancelledRuns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

type mockTracker struct {
	mu     sync.Mutex
	failed []failedRun
}

func (m *mockTracker) StartRun(_ context.Context, _, _, _ string) error { return nil }
func (m *mockTracker) SetStage(_ context.Context, _, _ string, _ int, _ string) error {
	return nil
}
func (m *mockTracker) SaveCheckpoint(_ context.Context, _ string, _ *models.Checkpoint) error {
	return nil
}
func (m *mockTracker) AddCounter(_ context.Context, _, _ string, _ int) error { return nil }
func (m *mockTracker) AddWarning(_ context.Context, _, _ string) error        { return nil }
func (m *mockTracker) Complete(_ context.Context, _ string, _ models.RunCounters) error {
	return nil
}

func (m *mockTracker) Fail(_ context.Context, id, stage, message string, _ *models.ErrorContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, failedRun{RunID: id, Stage: stage, Message: message})
	return nil
}

func (m *mockTracker) Cancel(_ context.Context, _ string) error { return nil }

func (m *mockTracker) Subscribe() (<-chan models.RunEvent, func()) {
	ch := make(chan models.RunEvent)
	return ch, func() {}
}

type mockLock struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
	refreshed []string
}

func newMockLock() *mockLock {
	return &mockLock{held: make(map[string]bool)}
}

func (m *mockLock) TryAcquire(_ context.Context, subscriptionID, _ string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[subscriptionID] {
		return false, nil
	}
	m.held[subscriptionID] = true
	return true, nil
}

func (m *mockLock) Refresh(_ context.Context, subscriptionID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshed = append(m.refreshed, subscriptionID)
	return nil
}

func (m *mockLock) Release(_ context.Context, subscriptionID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, subscriptionID)
	m.released = append(m.released, subscriptionID)
	return nil
}

func (m *mockLock) IsHeld(_ context.Context, subscriptionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[subscriptionID], nil
}

func (m *mockLock) ActiveKeys(_ context.Context) ([]string, error) { return nil, nil }

type reschedule struct {
	SubscriptionID string
	NextRunAt      time.Time
	LastSearchAt   time.Time
}

type mockSubStore struct {
	mu          sync.Mutex
	due         []*models.Subscription
	subs        map[string]*models.Subscription
	reschedules []reschedule
}

func newMockSubStore() *mockSubStore {
	return &mockSubStore{subs: make(map[string]*models.Subscription)}
}

func (m *mockSubStore) Get(_ context.Context, id string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[id], nil
}

func (m *mockSubStore) Save(_ context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *mockSubStore) Delete(_ context.Context, _ string) error { return nil }

func (m *mockSubStore) ListDue(_ context.Context, _ time.Time, limit int) ([]*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.due) > limit {
		return m.due[:limit], nil
	}
	return m.due, nil
}

func (m *mockSubStore) List(_ context.Context, _, _ int, _ string) ([]*models.Subscription, int, error) {
	return nil, 0, nil
}

func (m *mockSubStore) ListByUser(_ context.Context, _ string) ([]*models.Subscription, error) {
	return nil, nil
}

func (m *mockSubStore) SetDebugMode(_ context.Context, _ string, _ bool) error { return nil }

func (m *mockSubStore) Reschedule(_ context.Context, id string, nextRunAt, lastSearchAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reschedules = append(m.reschedules, reschedule{SubscriptionID: id, NextRunAt: nextRunAt, LastSearchAt: lastSearchAt})
	return nil
}

func (m *mockSubStore) Count(_ context.Context) (int, error)       { return 0, nil }
func (m *mockSubStore) CountActive(_ context.Context) (int, error) { return 0, nil }

func (m *mockSubStore) rescheduled() []reschedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]reschedule(nil), m.reschedules...)
}

type failedRun struct {
	RunID   string
	Stage   string
	Message string
}

type mockRunStore struct {
	mu      sync.Mutex
	running []*models.Run
	stuck   []*models.Run
	failed  []failedRun
}

func (m *mockRunStore) Insert(_ context.Context, _ *models.Run) error { return nil }
func (m *mockRunStore) Get(_ context.Context, _ string) (*models.Run, error) {
	return nil, nil
}
func (m *mockRunStore) SetStage(_ context.Context, _, _ string, _ int, _ string) error { return nil }
func (m *mockRunStore) SaveCheckpoint(_ context.Context, _ string, _ *models.Checkpoint) error {
	return nil
}
func (m *mockRunStore) AddCounter(_ context.Context, _, _ string, _ int) error { return nil }
func (m *mockRunStore) AddWarning(_ context.Context, _, _ string) error        { return nil }
func (m *mockRunStore) Complete(_ context.Context, _ string, _ models.RunCounters) error {
	return nil
}

func (m *mockRunStore) Fail(_ context.Context, id, stage, message string, _ *models.ErrorContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, failedRun{RunID: id, Stage: stage, Message: message})
	return nil
}

func (m *mockRunStore) Cancel(_ context.Context, _ string) error { return nil }
func (m *mockRunStore) HasRunning(_ context.Context, _ string) (bool, error) {
	return false, nil
}
func (m *mockRunStore) List(_ context.Context, _, _ int, _ string) ([]*models.Run, int, error) {
	return nil, 0, nil
}
func (m *mockRunStore) ListBySubscription(_ context.Context, _ string, _ int) ([]*models.Run, error) {
	return nil, nil
}

func (m *mockRunStore) ListRunning(_ context.Context) ([]*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, nil
}

func (m *mockRunStore) ListStuck(_ context.Context, _ time.Time) ([]*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stuck, nil
}

func (m *mockRunStore) ListFailed(_ context.Context, _ int) ([]*models.Run, error) {
	return nil, nil
}

func (m *mockRunStore) Stats(_ context.Context, _ time.Time) (*models.ActivityStats, error) {
	return &models.ActivityStats{}, nil
}

type mockStorage struct {
	subs *mockSubStore
	runs *mockRunStore
}

func (m *mockStorage) Users() interfaces.UserStore                 { return nil }
func (m *mockStorage) Subscriptions() interfaces.SubscriptionStore { return m.subs }
func (m *mockStorage) Runs() interfaces.RunStore                   { return m.runs }
func (m *mockStorage) Jobs() interfaces.JobStore                   { return nil }
func (m *mockStorage) Matches() interfaces.MatchStore              { return nil }
func (m *mockStorage) Sent() interfaces.SentStore                  { return nil }
func (m *mockStorage) Caches() interfaces.CacheStore               { return nil }
func (m *mockStorage) Broadcasts() interfaces.BroadcastStore       { return nil }
func (m *mockStorage) Close() error                                { return nil }

// --- fixture ---

type schedFixture struct {
	sched      *Scheduler
	pipeline   *mockPipeline
	dispatcher *mockDispatcher
	tracker    *mockTracker
	lock       *mockLock
	subs       *mockSubStore
	runs       *mockRunStore
}

func newSchedFixture(tune func(*common.Config)) *schedFixture {
	config := common.NewDefaultConfig()
	if tune != nil {
		tune(config)
	}
	f := &schedFixture{
		pipeline:   &mockPipeline{},
		dispatcher: &mockDispatcher{},
		tracker:    &mockTracker{},
		lock:       newMockLock(),
		subs:       newMockSubStore(),
		runs:       &mockRunStore{},
	}
	storage := &mockStorage{subs: f.subs, runs: f.runs}
	f.sched = New(storage, f.pipeline, f.dispatcher, f.tracker, f.lock, config, common.NewSilentLogger())
	return f
}

func dueSub(id string) *models.Subscription {
	return &models.Subscription{ID: id, UserID: "user-1", IsActive: true}
}

// --- tests ---

func TestTickRunsDueSubscriptions(t *testing.T) {
	f := newSchedFixture(nil)
	f.subs.due = []*models.Subscription{dueSub("sub-1"), dueSub("sub-2")}

	before := time.Now()
	f.sched.tick(context.Background())
	f.sched.wg.Wait()

	runs := f.pipeline.executed()
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, models.TriggerScheduled, run.TriggerType)
	}

	res := f.subs.rescheduled()
	require.Len(t, res, 2)
	cadence := f.sched.config.Scheduler.GetRunCadence()
	for _, r := range res {
		assert.WithinDuration(t, before.Add(cadence), r.NextRunAt, 5*time.Second)
		assert.WithinDuration(t, before, r.LastSearchAt, 5*time.Second)
	}
}

func TestTickSkipsHeldLocks(t *testing.T) {
	f := newSchedFixture(nil)
	f.subs.due = []*models.Subscription{dueSub("sub-1"), dueSub("sub-2")}
	f.lock.held["sub-1"] = true

	f.sched.tick(context.Background())
	f.sched.wg.Wait()

	runs := f.pipeline.executed()
	require.Len(t, runs, 1)
	assert.Equal(t, "sub-2", runs[0].SubscriptionID)
}

func TestFailedRunStillReschedules(t *testing.T) {
	f := newSchedFixture(nil)
	f.pipeline.err = errors.New("scraper exploded")
	f.subs.due = []*models.Subscription{dueSub("sub-1")}

	f.sched.tick(context.Background())
	f.sched.wg.Wait()

	assert.Len(t, f.subs.rescheduled(), 1, "a failed subscription keeps its cadence")
}

func TestLockedRunDoesNotReschedule(t *testing.T) {
	f := newSchedFixture(nil)
	f.pipeline.err = pipeline.ErrSubscriptionLocked
	f.subs.due = []*models.Subscription{dueSub("sub-1")}

	f.sched.tick(context.Background())
	f.sched.wg.Wait()

	assert.Empty(t, f.subs.rescheduled(), "the lock holder owns the schedule")
}

func TestTriggerManual(t *testing.T) {
	f := newSchedFixture(nil)
	sub := dueSub("sub-1")

	require.NoError(t, f.sched.Trigger(context.Background(), sub))
	f.sched.wg.Wait()

	runs := f.pipeline.executed()
	require.Len(t, runs, 1)
	assert.Equal(t, models.TriggerManual, runs[0].TriggerType)
}

func TestTriggerConflictsWithHeldLock(t *testing.T) {
	f := newSchedFixture(nil)
	f.lock.held["sub-1"] = true

	err := f.sched.Trigger(context.Background(), dueSub("sub-1"))
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, f.pipeline.executed())
}

func TestMaxParallelRunsBound(t *testing.T) {
	f := newSchedFixture(func(c *common.Config) {
		c.Scheduler.MaxParallelRuns = 1
	})

	var current, peak int32
	release := make(chan struct{})
	f.pipeline.executeF = func(_ *models.Subscription) error {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&current, -1)
		return nil
	}

	f.subs.due = []*models.Subscription{dueSub("sub-1"), dueSub("sub-2"), dueSub("sub-3")}
	f.sched.tick(context.Background())

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&current) == 1
	}, 2*time.Second, 10*time.Millisecond)
	close(release)
	f.sched.wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak), "only one run in flight at a time")
	assert.Len(t, f.pipeline.executed(), 3)
}

func TestStopLeavesInFlightRunContextIntact(t *testing.T) {
	f := newSchedFixture(nil)
	f.subs.due = []*models.Subscription{dueSub("sub-1")}

	entered := make(chan struct{})
	release := make(chan struct{})
	f.pipeline.executeF = func(_ *models.Subscription) error {
		close(entered)
		<-release
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.sched.cancel = cancel
	f.sched.tick(ctx)
	<-entered

	f.runs.running = []*models.Run{
		{ID: "run-1", SubscriptionID: "sub-1", Status: models.RunStatusRunning},
	}

	stopped := make(chan struct{})
	go func() {
		f.sched.Stop()
		close(stopped)
	}()

	// Shutdown flags the in-flight run instead of cancelling its context.
	require.Eventually(t, func() bool {
		runs := f.dispatcher.cancelledRuns()
		return len(runs) == 1 && runs[0] == "run-1"
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler stop did not return")
	}

	ctxs := f.pipeline.contexts()
	require.Len(t, ctxs, 1)
	assert.NoError(t, ctxs[0].Err(), "the run context outlives the tick context")

	assert.Len(t, f.subs.rescheduled(), 1, "the follow-up reschedule still lands")
	assert.Empty(t, f.tracker.failed, "shutdown never records the run as failed")
}

func TestFailStuckSweepsAndReschedules(t *testing.T) {
	f := newSchedFixture(nil)
	f.subs.subs["sub-1"] = &models.Subscription{ID: "sub-1", LastSearchAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.runs.stuck = []*models.Run{
		{ID: "run-9", SubscriptionID: "sub-1", Status: models.RunStatusRunning, CurrentStage: models.StageCollection},
	}

	before := time.Now()
	n, err := f.sched.FailStuck(context.Background(), 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, f.tracker.failed, 1)
	assert.Equal(t, "stuck-sweep", f.tracker.failed[0].Message)
	assert.Equal(t, models.StageCollection, f.tracker.failed[0].Stage)
	assert.Equal(t, []string{"sub-1"}, f.lock.released)
	assert.Empty(t, f.runs.failed, "the sweep finalises runs through the tracker")

	res := f.subs.rescheduled()
	require.Len(t, res, 1)
	assert.WithinDuration(t, before.Add(time.Minute), res[0].NextRunAt, 5*time.Second)
	assert.Equal(t, f.subs.subs["sub-1"].LastSearchAt, res[0].LastSearchAt, "last search time survives the sweep")
}

func TestRecoverOrphansAtStartup(t *testing.T) {
	f := newSchedFixture(nil)
	f.subs.subs["sub-1"] = &models.Subscription{ID: "sub-1"}
	f.runs.running = []*models.Run{
		{ID: "run-1", SubscriptionID: "sub-1", Status: models.RunStatusRunning, CurrentStage: models.StageMatching},
	}

	n, err := f.sched.recoverOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, f.tracker.failed, 1)
	assert.Equal(t, "orphaned at startup", f.tracker.failed[0].Message)
	assert.Equal(t, []string{"sub-1"}, f.lock.released)
}

func TestSetStuckThreshold(t *testing.T) {
	f := newSchedFixture(nil)
	assert.Equal(t, 2*time.Hour, f.sched.StuckThreshold())

	f.sched.SetStuckThreshold(45 * time.Minute)
	assert.Equal(t, 45*time.Minute, f.sched.StuckThreshold())

	f.sched.SetStuckThreshold(0)
	assert.Equal(t, 45*time.Minute, f.sched.StuckThreshold(), "non-positive values are ignored")
}
