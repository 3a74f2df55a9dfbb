package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bobmcallan/scout/internal/models"
	kv "github.com/bobmcallan/scout/internal/storage/redis"
)

// jobBodyTTL bounds how long a job envelope survives in the KV store.
// Completed jobs are deleted eagerly; this is the failure-retention cap.
const jobBodyTTL = time.Hour

// resultMsg is published on the job's done channel when it settles.
type resultMsg struct {
	JobID   string           `json:"job_id"`
	OK      bool             `json:"ok"`
	Kind    models.ErrorKind `json:"kind,omitempty"`
	Error   string           `json:"error,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// kvQueue provides the raw queue primitives for one named queue on the KV
// store: waiting and delayed sorted sets, an active set, JSON job bodies,
// and a pub/sub done channel per job.
type kvQueue struct {
	name   string
	client *goredis.Client
}

func newKVQueue(name string, client *goredis.Client) *kvQueue {
	return &kvQueue{name: name, client: client}
}

func (q *kvQueue) key(suffix string) string {
	return kv.QueueKeyPrefix + q.name + ":" + suffix
}

func (q *kvQueue) jobKey(id string) string {
	return q.key("job:" + id)
}

// doneChannel is the pub/sub channel carrying the job's settlement.
func (q *kvQueue) doneChannel(id string) string {
	return q.key("done:" + id)
}

// score orders waiting jobs by priority first (lower = more urgent), then
// by arrival sequence.
func (q *kvQueue) score(ctx context.Context, priority int) (float64, error) {
	seq, err := q.client.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return 0, err
	}
	return float64(priority)*1e12 + float64(seq), nil
}

// push stores the job body and adds it to the waiting set.
func (q *kvQueue) push(ctx context.Context, job *models.QueueJob) error {
	job.State = models.QueueJobWaiting
	if err := q.writeBody(ctx, job); err != nil {
		return err
	}
	score, err := q.score(ctx, job.Priority)
	if err != nil {
		return fmt.Errorf("failed to sequence job: %w", err)
	}
	if err := q.client.ZAdd(ctx, q.key("waiting"), goredis.Z{Score: score, Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}

// claim pops the most urgent waiting job and marks it active, charging an
// attempt. Returns nil when the queue is empty.
func (q *kvQueue) claim(ctx context.Context) (*models.QueueJob, error) {
	popped, err := q.client.ZPopMin(ctx, q.key("waiting"), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	id, _ := popped[0].Member.(string)

	job, err := q.readBody(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil // body expired under us; drop the orphan member
	}

	job.State = models.QueueJobActive
	job.Attempts++
	job.StartedAt = time.Now()
	if err := q.writeBody(ctx, job); err != nil {
		return nil, err
	}
	if err := q.client.SAdd(ctx, q.key("active"), id).Err(); err != nil {
		return nil, fmt.Errorf("failed to mark job active: %w", err)
	}
	return job, nil
}

// delay reschedules a failed attempt into the delayed set.
func (q *kvQueue) delay(ctx context.Context, job *models.QueueJob, availableAt time.Time) error {
	job.State = models.QueueJobDelayed
	if err := q.writeBody(ctx, job); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.key("active"), job.ID)
	pipe.ZAdd(ctx, q.key("delayed"), goredis.Z{Score: float64(availableAt.UnixMilli()), Member: job.ID})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delay job: %w", err)
	}
	return nil
}

// promoteDue moves delayed jobs whose time has come back to waiting.
// Safe under concurrent promoters: only the ZRem winner re-queues a job.
func (q *kvQueue) promoteDue(ctx context.Context, now time.Time) int {
	due, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil || len(due) == 0 {
		return 0
	}

	promoted := 0
	for _, id := range due {
		removed, err := q.client.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		job, err := q.readBody(ctx, id)
		if err != nil || job == nil {
			continue
		}
		job.State = models.QueueJobWaiting
		if err := q.writeBody(ctx, job); err != nil {
			continue
		}
		score, err := q.score(ctx, job.Priority)
		if err != nil {
			continue
		}
		if q.client.ZAdd(ctx, q.key("waiting"), goredis.Z{Score: score, Member: id}).Err() == nil {
			promoted++
		}
	}
	return promoted
}

// settle publishes the result and removes the job from the active set.
// Completed bodies are deleted; failed bodies expire with their TTL.
func (q *kvQueue) settle(ctx context.Context, job *models.QueueJob, msg resultMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.key("active"), job.ID)
	if msg.OK {
		pipe.Del(ctx, q.jobKey(job.ID))
		pipe.Incr(ctx, q.key("completed"))
	} else {
		job.State = models.QueueJobFailed
		job.Error = msg.Error
		if body, err := json.Marshal(job); err == nil {
			pipe.Set(ctx, q.jobKey(job.ID), body, jobBodyTTL)
		}
		pipe.Incr(ctx, q.key("failed"))
	}
	pipe.Publish(ctx, q.doneChannel(job.ID), data)
	_, err = pipe.Exec(ctx)
	return err
}

// removeByRun drops waiting and delayed jobs belonging to a cancelled run.
// Active jobs are left to notice the cancel flag themselves.
func (q *kvQueue) removeByRun(ctx context.Context, runID string) int {
	removed := 0
	for _, set := range []string{"waiting", "delayed"} {
		members, err := q.client.ZRange(ctx, q.key(set), 0, -1).Result()
		if err != nil {
			continue
		}
		for _, id := range members {
			job, err := q.readBody(ctx, id)
			if err != nil || job == nil || job.RunID != runID {
				continue
			}
			n, err := q.client.ZRem(ctx, q.key(set), id).Result()
			if err != nil || n == 0 {
				continue
			}
			q.client.Del(ctx, q.jobKey(id))
			// Unblock any awaiter.
			msg := resultMsg{JobID: id, OK: false, Kind: models.ErrKindCancelled, Error: "run cancelled"}
			if data, err := json.Marshal(msg); err == nil {
				q.client.Publish(ctx, q.doneChannel(id), data)
			}
			removed++
		}
	}
	return removed
}

// stats returns a depth snapshot.
func (q *kvQueue) stats(ctx context.Context) models.QueueStats {
	var s models.QueueStats
	s.Waiting, _ = q.client.ZCard(ctx, q.key("waiting")).Result()
	s.Delayed, _ = q.client.ZCard(ctx, q.key("delayed")).Result()
	s.Active, _ = q.client.SCard(ctx, q.key("active")).Result()
	if v, err := q.client.Get(ctx, q.key("completed")).Int64(); err == nil {
		s.Completed = v
	}
	if v, err := q.client.Get(ctx, q.key("failed")).Int64(); err == nil {
		s.Failed = v
	}
	return s
}

// jobState reads the job's current state, or "" when the body is gone.
func (q *kvQueue) jobState(ctx context.Context, id string) string {
	job, err := q.readBody(ctx, id)
	if err != nil || job == nil {
		return ""
	}
	return job.State
}

func (q *kvQueue) writeBody(ctx context.Context, job *models.QueueJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.Set(ctx, q.jobKey(job.ID), data, jobBodyTTL).Err(); err != nil {
		return fmt.Errorf("failed to store job body: %w", err)
	}
	return nil
}

func (q *kvQueue) readBody(ctx context.Context, id string) (*models.QueueJob, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job body: %w", err)
	}
	var job models.QueueJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job body: %w", err)
	}
	return &job, nil
}
