package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
	"github.com/bobmcallan/scout/internal/services/scheduler"
)

// --- mocks ---

type mockUserStore struct {
	users []*models.User
}

func (m *mockUserStore) Get(_ context.Context, id string) (*models.User, error) {
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, nil
}

func (m *mockUserStore) Save(_ context.Context, _ *models.User) error { return nil }

func (m *mockUserStore) List(_ context.Context, page, limit int) ([]*models.User, int, error) {
	start := (page - 1) * limit
	if start >= len(m.users) {
		return nil, len(m.users), nil
	}
	end := start + limit
	if end > len(m.users) {
		end = len(m.users)
	}
	return m.users[start:end], len(m.users), nil
}

func (m *mockUserStore) Count(_ context.Context) (int, error) { return len(m.users), nil }

type mockSubStore struct {
	subs      map[string]*models.Subscription
	debugSet  map[string]bool
	listTotal int
}

func newMockSubStore() *mockSubStore {
	return &mockSubStore{subs: make(map[string]*models.Subscription), debugSet: make(map[string]bool)}
}

func (m *mockSubStore) Get(_ context.Context, id string) (*models.Subscription, error) {
	return m.subs[id], nil
}

func (m *mockSubStore) Save(_ context.Context, sub *models.Subscription) error {
	m.subs[sub.ID] = sub
	return nil
}

func (m *mockSubStore) Delete(_ context.Context, _ string) error { return nil }

func (m *mockSubStore) ListDue(_ context.Context, _ time.Time, _ int) ([]*models.Subscription, error) {
	return nil, nil
}

func (m *mockSubStore) List(_ context.Context, _, _ int, _ string) ([]*models.Subscription, int, error) {
	var out []*models.Subscription
	for _, sub := range m.subs {
		out = append(out, sub)
	}
	total := m.listTotal
	if total == 0 {
		total = len(out)
	}
	return out, total, nil
}

func (m *mockSubStore) ListByUser(_ context.Context, userID string) ([]*models.Subscription, error) {
	var out []*models.Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *mockSubStore) SetDebugMode(_ context.Context, id string, enabled bool) error {
	m.debugSet[id] = enabled
	return nil
}

func (m *mockSubStore) Reschedule(_ context.Context, _ string, _, _ time.Time) error { return nil }
func (m *mockSubStore) Count(_ context.Context) (int, error)                         { return len(m.subs), nil }
func (m *mockSubStore) CountActive(_ context.Context) (int, error) {
	n := 0
	for _, sub := range m.subs {
		if sub.Eligible() {
			n++
		}
	}
	return n, nil
}

type mockRunStore struct {
	runs    map[string]*models.Run
	running []*models.Run
	failed  []*models.Run
	stuck   []*models.Run
	stats   map[int64]*models.ActivityStats // keyed by window hours, 0 = all
	swept   []string
}

func newMockRunStore() *mockRunStore {
	return &mockRunStore{runs: make(map[string]*models.Run), stats: make(map[int64]*models.ActivityStats)}
}

func (m *mockRunStore) Insert(_ context.Context, run *models.Run) error {
	m.runs[run.ID] = run
	return nil
}

func (m *mockRunStore) Get(_ context.Context, id string) (*models.Run, error) {
	return m.runs[id], nil
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

func (m *mockRunStore) Fail(_ context.Context, id, _, _ string, _ *models.ErrorContext) error {
	m.swept = append(m.swept, id)
	return nil
}

func (m *mockRunStore) Cancel(_ context.Context, _ string) error { return nil }
func (m *mockRunStore) HasRunning(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (m *mockRunStore) List(_ context.Context, _, _ int, _ string) ([]*models.Run, int, error) {
	var out []*models.Run
	for _, run := range m.runs {
		out = append(out, run)
	}
	return out, len(out), nil
}

func (m *mockRunStore) ListBySubscription(_ context.Context, subID string, limit int) ([]*models.Run, error) {
	var out []*models.Run
	for _, run := range m.runs {
		if run.SubscriptionID == subID && len(out) < limit {
			out = append(out, run)
		}
	}
	return out, nil
}

func (m *mockRunStore) ListRunning(_ context.Context) ([]*models.Run, error) { return m.running, nil }
func (m *mockRunStore) ListStuck(_ context.Context, _ time.Time) ([]*models.Run, error) {
	return m.stuck, nil
}
func (m *mockRunStore) ListFailed(_ context.Context, _ int) ([]*models.Run, error) {
	return m.failed, nil
}

func (m *mockRunStore) Stats(_ context.Context, since time.Time) (*models.ActivityStats, error) {
	hours := int64(0)
	if !since.IsZero() {
		hours = int64(time.Since(since).Hours() + 0.5)
	}
	if st, ok := m.stats[hours]; ok {
		copied := *st
		return &copied, nil
	}
	return &models.ActivityStats{}, nil
}

type mockMatchStore struct {
	skills []models.SkillCount
}

func (m *mockMatchStore) Upsert(_ context.Context, match *models.JobMatch) (*models.JobMatch, error) {
	return match, nil
}
func (m *mockMatchStore) Get(_ context.Context, _ string) (*models.JobMatch, error) {
	return nil, nil
}
func (m *mockMatchStore) FindByJobs(_ context.Context, _ []string, _ string) ([]*models.JobMatch, error) {
	return nil, nil
}
func (m *mockMatchStore) TopSkills(_ context.Context, _ string, _ int) ([]models.SkillCount, error) {
	return m.skills, nil
}

type mockBroadcastStore struct {
	inserted []*models.Broadcast
}

func (m *mockBroadcastStore) Insert(_ context.Context, b *models.Broadcast) error {
	m.inserted = append(m.inserted, b)
	return nil
}

func (m *mockBroadcastStore) List(_ context.Context, _, _ int) ([]*models.Broadcast, int, error) {
	return m.inserted, len(m.inserted), nil
}

type mockStorage struct {
	users      *mockUserStore
	subs       *mockSubStore
	runs       *mockRunStore
	matches    *mockMatchStore
	broadcasts *mockBroadcastStore
}

func (m *mockStorage) Users() interfaces.UserStore                 { return m.users }
func (m *mockStorage) Subscriptions() interfaces.SubscriptionStore { return m.subs }
func (m *mockStorage) Runs() interfaces.RunStore                   { return m.runs }
func (m *mockStorage) Jobs() interfaces.JobStore                   { return nil }
func (m *mockStorage) Matches() interfaces.MatchStore              { return m.matches }
func (m *mockStorage) Sent() interfaces.SentStore                  { return nil }
func (m *mockStorage) Caches() interfaces.CacheStore               { return nil }
func (m *mockStorage) Broadcasts() interfaces.BroadcastStore       { return m.broadcasts }
func (m *mockStorage) Close() error                                { return nil }

type mockDispatcher struct {
	cancelled []string
	removed   map[string]int
}

func (m *mockDispatcher) EnqueueCollection(_ context.Context, _ models.CollectionPayload, _ int) ([]*models.Job, error) {
	return nil, nil
}
func (m *mockDispatcher) EnqueueMatching(_ context.Context, _ models.MatchingPayload, _ int) (*models.MatchingResult, error) {
	return nil, nil
}

func (m *mockDispatcher) CancelRun(_ context.Context, runID string) (map[string]int, error) {
	m.cancelled = append(m.cancelled, runID)
	return m.removed, nil
}

func (m *mockDispatcher) RunCancelled(_ context.Context, _ string) bool { return false }
func (m *mockDispatcher) Stats(_ context.Context) map[string]models.QueueStats {
	return map[string]models.QueueStats{"collection": {Waiting: 2}}
}
func (m *mockDispatcher) DedupSize() int { return 3 }

type mockTracker struct{}

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
func (m *mockTracker) Fail(_ context.Context, _, _, _ string, _ *models.ErrorContext) error {
	return nil
}
func (m *mockTracker) Cancel(_ context.Context, _ string) error { return nil }

func (m *mockTracker) Subscribe() (<-chan models.RunEvent, func()) {
	ch := make(chan models.RunEvent)
	return ch, func() {}
}

type mockRateLimiter struct{}

func (m *mockRateLimiter) WaitForSlot(_ context.Context, _ string) (time.Duration, error) {
	return 0, nil
}
func (m *mockRateLimiter) RecordSuccess(_ string) {}
func (m *mockRateLimiter) Record429(_ string)     {}
func (m *mockRateLimiter) RecordError(_ string)   {}
func (m *mockRateLimiter) Snapshot() map[string]models.RateLimitState {
	return map[string]models.RateLimitState{}
}

type mockRunLock struct {
	mu   sync.Mutex
	held map[string]bool
	keys []string
}

func newMockRunLock() *mockRunLock {
	return &mockRunLock{held: make(map[string]bool)}
}

func (m *mockRunLock) TryAcquire(_ context.Context, subID, _ string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[subID] {
		return false, nil
	}
	m.held[subID] = true
	return true, nil
}

func (m *mockRunLock) Refresh(_ context.Context, _, _ string) error { return nil }
func (m *mockRunLock) Release(_ context.Context, subID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, subID)
	return nil
}

func (m *mockRunLock) IsHeld(_ context.Context, subID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[subID], nil
}

func (m *mockRunLock) ActiveKeys(_ context.Context) ([]string, error) { return m.keys, nil }

type mockPipeline struct{}

func (m *mockPipeline) Execute(_ context.Context, _ *models.Subscription, _ string) (*models.PipelineResult, error) {
	return &models.PipelineResult{}, nil
}

type mockChat struct {
	mu     sync.Mutex
	sent   []string
	failFor map[string]bool
}

func (m *mockChat) SendMessage(_ context.Context, chatID, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[chatID] {
		return assert.AnError
	}
	m.sent = append(m.sent, chatID)
	return nil
}

// --- fixture ---

const testAdminKey = "test-admin-key"

type serverFixture struct {
	server     *Server
	storage    *mockStorage
	dispatcher *mockDispatcher
	lock       *mockRunLock
	chat       *mockChat
}

func newServerFixture() *serverFixture {
	config := common.NewDefaultConfig()
	config.Server.AdminKey = testAdminKey
	logger := common.NewSilentLogger()

	storage := &mockStorage{
		users:      &mockUserStore{},
		subs:       newMockSubStore(),
		runs:       newMockRunStore(),
		matches:    &mockMatchStore{},
		broadcasts: &mockBroadcastStore{},
	}
	lock := newMockRunLock()
	dispatcher := &mockDispatcher{removed: map[string]int{"collection": 1}}
	chat := &mockChat{failFor: make(map[string]bool)}

	sched := scheduler.New(storage, &mockPipeline{}, dispatcher, &mockTracker{}, lock, config, logger)

	srv := NewServer(Deps{
		Config:     config,
		Logger:     logger,
		Storage:    storage,
		Dispatcher: dispatcher,
		Tracker:    &mockTracker{},
		RateLimits: &mockRateLimiter{},
		Lock:       lock,
		Scheduler:  sched,
		Chat:       chat,
	})

	return &serverFixture{server: srv, storage: storage, dispatcher: dispatcher, lock: lock, chat: chat}
}

func (f *serverFixture) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Admin-Key", testAdminKey)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// --- tests ---

func TestAdminKeyRequired(t *testing.T) {
	f := newServerFixture()

	req := httptest.NewRequest(http.MethodGet, "/api/overview", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/overview", nil)
	req.Header.Set("X-Admin-Key", "wrong")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminSurfaceDisabledWithoutKey(t *testing.T) {
	config := common.NewDefaultConfig()
	config.Server.AdminKey = ""
	logger := common.NewSilentLogger()
	storage := &mockStorage{users: &mockUserStore{}, subs: newMockSubStore(), runs: newMockRunStore(),
		matches: &mockMatchStore{}, broadcasts: &mockBroadcastStore{}}
	lock := newMockRunLock()
	srv := NewServer(Deps{
		Config: config, Logger: logger, Storage: storage,
		Dispatcher: &mockDispatcher{}, Tracker: &mockTracker{}, RateLimits: &mockRateLimiter{},
		Lock: lock, Scheduler: scheduler.New(storage, &mockPipeline{}, &mockDispatcher{}, &mockTracker{}, lock, config, logger),
		Chat: &mockChat{},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/overview", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthIsPublic(t *testing.T) {
	f := newServerFixture()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVersionIsPublic(t *testing.T) {
	f := newServerFixture()

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, common.GetVersion(), body["version"])
	assert.Equal(t, common.GetBuild(), body["build"])
	assert.Equal(t, common.GetGitCommit(), body["commit"])
}

func TestRateLimitPerIP(t *testing.T) {
	f := newServerFixture()

	last := 0
	for i := 0; i < adminRatePerMinute+1; i++ {
		rec := f.request(t, http.MethodGet, "/api/health-check-miss", nil) // any authed path
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestOverviewWithComparison(t *testing.T) {
	f := newServerFixture()
	f.storage.users.users = []*models.User{{ID: "user-1"}}
	f.storage.subs.subs["sub-1"] = &models.Subscription{ID: "sub-1", UserID: "user-1", IsActive: true}
	f.storage.runs.stats[24] = &models.ActivityStats{JobsScanned: 100, MatchesFound: 10, TotalRuns: 4}
	f.storage.runs.stats[48] = &models.ActivityStats{JobsScanned: 150, MatchesFound: 12, TotalRuns: 6}

	rec := f.request(t, http.MethodGet, "/api/overview?period=24h&compare=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["users"])

	activity := body["activity"].(map[string]interface{})
	assert.Equal(t, float64(100), activity["jobs_scanned"])
	assert.Equal(t, "Last 24 hours", activity["period_label"])

	cmp := body["comparison"].(map[string]interface{})
	prev := cmp["previous"].(map[string]interface{})
	assert.Equal(t, float64(50), prev["jobs_scanned"])
	change := cmp["change_percent"].(map[string]interface{})
	assert.Equal(t, float64(100), change["jobs_scanned"], "100 vs 50 is +100%")
}

func TestOverviewRejectsBadPeriod(t *testing.T) {
	f := newServerFixture()
	rec := f.request(t, http.MethodGet, "/api/overview?period=1y", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUserListIncludesSubCounts(t *testing.T) {
	f := newServerFixture()
	f.storage.users.users = []*models.User{{ID: "user-1", Handle: "alice"}}
	f.storage.subs.subs["sub-1"] = &models.Subscription{ID: "sub-1", UserID: "user-1", IsActive: true}
	f.storage.subs.subs["sub-2"] = &models.Subscription{ID: "sub-2", UserID: "user-1", IsActive: true, IsPaused: true}

	rec := f.request(t, http.MethodGet, "/api/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	users := body["users"].([]interface{})
	require.Len(t, users, 1)
	entry := users[0].(map[string]interface{})
	assert.Equal(t, float64(2), entry["subscriptions_total"])
	assert.Equal(t, float64(1), entry["subscriptions_active"])
}

func TestUserDetailNotFound(t *testing.T) {
	f := newServerFixture()
	rec := f.request(t, http.MethodGet, "/api/users/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscriptionDebugToggle(t *testing.T) {
	f := newServerFixture()
	f.storage.subs.subs["sub-1"] = &models.Subscription{ID: "sub-1"}

	rec := f.request(t, http.MethodPost, "/api/subscriptions/sub-1/debug", map[string]interface{}{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.storage.subs.debugSet["sub-1"])

	rec = f.request(t, http.MethodPost, "/api/subscriptions/sub-1/debug", map[string]interface{}{"enabled": "yes"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, http.MethodPost, "/api/subscriptions/missing/debug", map[string]interface{}{"enabled": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManualRunConflictWhenLocked(t *testing.T) {
	f := newServerFixture()
	f.storage.subs.subs["sub-1"] = &models.Subscription{ID: "sub-1", IsActive: true}
	f.lock.held["sub-1"] = true

	rec := f.request(t, http.MethodPost, "/api/subscriptions/sub-1/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestManualRunAccepted(t *testing.T) {
	f := newServerFixture()
	f.storage.subs.subs["sub-1"] = &models.Subscription{ID: "sub-1", IsActive: true}

	rec := f.request(t, http.MethodPost, "/api/subscriptions/sub-1/run", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRunStop(t *testing.T) {
	f := newServerFixture()
	f.storage.runs.runs["run-1"] = &models.Run{ID: "run-1", Status: models.RunStatusRunning}

	rec := f.request(t, http.MethodPost, "/api/runs/run-1/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"run-1"}, f.dispatcher.cancelled)

	rec = f.request(t, http.MethodPost, "/api/runs/missing/stop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.storage.runs.runs["run-2"] = &models.Run{ID: "run-2", Status: models.RunStatusCompleted}
	rec = f.request(t, http.MethodPost, "/api/runs/run-2/stop", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDiagnosticsDerivesIssues(t *testing.T) {
	f := newServerFixture()
	f.storage.subs.subs["sub-1"] = &models.Subscription{ID: "sub-1", UserID: "user-1"}
	f.storage.users.users = []*models.User{{ID: "user-1", Handle: "alice"}}
	f.storage.runs.running = []*models.Run{{
		ID:             "abcdef123456",
		SubscriptionID: "sub-1",
		Status:         models.RunStatusRunning,
		CurrentStage:   models.StageCollection,
		StartedAt:      time.Now().Add(-40 * time.Minute),
	}}

	rec := f.request(t, http.MethodGet, "/api/diagnostics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	runs := body["running_runs"].([]interface{})
	require.Len(t, runs, 1)
	run := runs[0].(map[string]interface{})

	assert.Equal(t, "abcdef12", run["id"])
	assert.Equal(t, "alice", run["username"])
	assert.Equal(t, "UNLOCKED", run["lock_status"])
	assert.Equal(t, false, run["has_checkpoint"])

	issues := run["issues"].([]interface{})
	assert.Contains(t, issues, "duration over 30 minutes")
	assert.Contains(t, issues, "no checkpoint after 10 minutes")
	assert.Contains(t, issues, "lock missing, potential race")
	assert.Contains(t, issues, "stuck in collection")

	assert.Equal(t, float64(3), body["request_cache_size"])
}

func TestFailStuckEndpoint(t *testing.T) {
	f := newServerFixture()
	f.storage.subs.subs["sub-1"] = &models.Subscription{ID: "sub-1"}
	f.storage.runs.stuck = []*models.Run{{ID: "run-9", SubscriptionID: "sub-1", CurrentStage: models.StageMatching}}

	rec := f.request(t, http.MethodPost, "/api/diagnostics/fail-stuck", map[string]interface{}{"min_age_minutes": 30})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["failed_runs"])
	assert.Equal(t, []string{"run-9"}, f.storage.runs.swept)

	rec = f.request(t, http.MethodPost, "/api/diagnostics/fail-stuck", map[string]interface{}{"min_age_minutes": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStuckThresholdUpdate(t *testing.T) {
	f := newServerFixture()

	rec := f.request(t, http.MethodPost, "/api/diagnostics/stuck-threshold", map[string]interface{}{"minutes": 45})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(45), body["stuck_threshold_min"])

	rec = f.request(t, http.MethodGet, "/api/diagnostics/stuck-threshold", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(45), body["stuck_threshold_min"])
}

func TestBroadcastFanOut(t *testing.T) {
	f := newServerFixture()
	f.storage.users.users = []*models.User{
		{ID: "user-1", ChatID: "chat-1"},
		{ID: "user-2", ChatID: "chat-2"},
		{ID: "user-3"}, // no chat channel
	}
	f.chat.failFor["chat-2"] = true

	rec := f.request(t, http.MethodPost, "/api/broadcasts", map[string]interface{}{"text": "maintenance tonight"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["sent_count"])
	assert.Equal(t, float64(1), body["fail_count"])
	assert.Equal(t, []string{"chat-1"}, f.chat.sent)
	require.Len(t, f.storage.broadcasts.inserted, 1)

	rec = f.request(t, http.MethodPost, "/api/broadcasts", map[string]interface{}{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBroadcastList(t *testing.T) {
	f := newServerFixture()
	f.storage.broadcasts.inserted = []*models.Broadcast{{ID: "b-1", Text: "hello"}}

	rec := f.request(t, http.MethodGet, "/api/broadcasts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["broadcasts"].([]interface{}), 1)
}
