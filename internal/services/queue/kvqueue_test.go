package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/scout/internal/models"
)

func newTestQueue(t *testing.T) (*kvQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return newKVQueue(models.QueueCollection, client), mr
}

func testJob(id, runID string, priority int) *models.QueueJob {
	return &models.QueueJob{
		ID:          id,
		Queue:       models.QueueCollection,
		Payload:     json.RawMessage(`{}`),
		Priority:    priority,
		MaxAttempts: 2,
		RunID:       runID,
		CreatedAt:   time.Now(),
	}
}

func TestClaimFollowsPriorityThenArrival(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.push(ctx, testJob("sched-1", "r1", models.PriorityScheduled)))
	require.NoError(t, q.push(ctx, testJob("sched-2", "r1", models.PriorityScheduled)))
	require.NoError(t, q.push(ctx, testJob("api-1", "r2", models.PriorityAPIRequest)))

	var order []string
	for i := 0; i < 3; i++ {
		job, err := q.claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"api-1", "sched-1", "sched-2"}, order,
		"urgent priority jumps the line, equal priorities keep arrival order")
}

func TestClaimChargesAttemptAndMarksActive(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.push(ctx, testJob("j1", "r1", models.PriorityScheduled)))

	job, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, models.QueueJobActive, job.State)
	assert.Equal(t, models.QueueJobActive, q.jobState(ctx, "j1"))

	stats := q.stats(ctx)
	assert.Equal(t, int64(0), stats.Waiting)
	assert.Equal(t, int64(1), stats.Active)
}

func TestClaimEmptyQueueReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)

	job, err := q.claim(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDelayAndPromoteDue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.push(ctx, testJob("j1", "r1", models.PriorityScheduled)))
	job, err := q.claim(ctx)
	require.NoError(t, err)

	availableAt := time.Now().Add(time.Minute)
	require.NoError(t, q.delay(ctx, job, availableAt))
	assert.Equal(t, models.QueueJobDelayed, q.jobState(ctx, "j1"))

	// Not due yet.
	assert.Equal(t, 0, q.promoteDue(ctx, time.Now()))

	// Due.
	assert.Equal(t, 1, q.promoteDue(ctx, availableAt.Add(time.Second)))
	assert.Equal(t, models.QueueJobWaiting, q.jobState(ctx, "j1"))

	reclaimed, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, 2, reclaimed.Attempts, "attempt count survives the delay round trip")
}

func TestSettleCompletedDeletesBodyAndCounts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.push(ctx, testJob("j1", "r1", models.PriorityScheduled)))
	job, err := q.claim(ctx)
	require.NoError(t, err)

	require.NoError(t, q.settle(ctx, job, resultMsg{JobID: "j1", OK: true, Payload: json.RawMessage(`[]`)}))

	assert.Equal(t, "", q.jobState(ctx, "j1"), "completed body is deleted")
	stats := q.stats(ctx)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestSettleFailedKeepsBodyForInspection(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.push(ctx, testJob("j1", "r1", models.PriorityScheduled)))
	job, err := q.claim(ctx)
	require.NoError(t, err)

	require.NoError(t, q.settle(ctx, job, resultMsg{
		JobID: "j1",
		OK:    false,
		Kind:  models.ErrKindTransient,
		Error: "scraper exploded",
	}))

	assert.Equal(t, models.QueueJobFailed, q.jobState(ctx, "j1"))
	stats := q.stats(ctx)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestSettlePublishesResult(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.push(ctx, testJob("j1", "r1", models.PriorityScheduled)))
	job, err := q.claim(ctx)
	require.NoError(t, err)

	sub := q.client.Subscribe(ctx, q.doneChannel("j1"))
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, q.settle(ctx, job, resultMsg{JobID: "j1", OK: true, Payload: json.RawMessage(`[1]`)}))

	select {
	case msg := <-sub.Channel():
		var result resultMsg
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &result))
		assert.True(t, result.OK)
		assert.Equal(t, json.RawMessage(`[1]`), result.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no settlement published")
	}
}

func TestRemoveByRunOnlyTouchesThatRun(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.push(ctx, testJob("a1", "run-a", models.PriorityScheduled)))
	require.NoError(t, q.push(ctx, testJob("a2", "run-a", models.PriorityScheduled)))
	require.NoError(t, q.push(ctx, testJob("b1", "run-b", models.PriorityScheduled)))

	assert.Equal(t, 2, q.removeByRun(ctx, "run-a"))

	stats := q.stats(ctx)
	assert.Equal(t, int64(1), stats.Waiting)
	job, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "b1", job.ID)
}
