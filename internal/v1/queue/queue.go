// Package queue implements durable named job queues on top of the kv facade.
// Jobs wait in a list, retries park in a delayed sorted set scored by their
// ready time, and a promoter goroutine moves due jobs back to the wait list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/classkit/backend-go/internal/v1/kv"
	"github.com/classkit/backend-go/internal/v1/metrics"
)

const (
	// DefaultMaxAttempts is the attempt budget before a job is failed for good.
	DefaultMaxAttempts = 3
	// DefaultBackoffBase seeds the exponential retry delay: base * 2^attempts.
	DefaultBackoffBase = 1 * time.Second

	fieldActive    = "active"
	fieldCompleted = "completed"
	fieldFailed    = "failed"
)

// Job is the unit of queued work. Payload stays opaque to the queue.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastError   string          `json:"lastError,omitempty"`
}

// Counts is a point-in-time snapshot of a queue's depth per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Queue is one named queue. All state lives in the kv store so restarts and
// peer instances see the same backlog.
type Queue struct {
	kv          *kv.Client
	name        string
	backoffBase time.Duration
	now         func() time.Time
}

// New builds a queue handle over the shared kv client.
func New(kvc *kv.Client, name string) *Queue {
	return &Queue{
		kv:          kvc,
		name:        name,
		backoffBase: DefaultBackoffBase,
		now:         time.Now,
	}
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) waitingKey() string { return fmt.Sprintf("queue:%s:waiting", q.name) }
func (q *Queue) delayedKey() string { return fmt.Sprintf("queue:%s:delayed", q.name) }
func (q *Queue) statsKey() string   { return fmt.Sprintf("queue:%s:stats", q.name) }
func (q *Queue) failedKey() string  { return fmt.Sprintf("queue:%s:failed", q.name) }

// Enqueue appends a job to the wait list. The payload must be JSON-marshalable.
func (q *Queue) Enqueue(ctx context.Context, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue %s: marshal payload: %w", q.name, err)
	}
	job := &Job{
		ID:          uuid.NewString(),
		Name:        q.name,
		Payload:     raw,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   q.now().UTC(),
	}
	if err := q.push(ctx, job); err != nil {
		return nil, err
	}
	metrics.QueueJobs.WithLabelValues(q.name, "enqueued").Inc()
	return job, nil
}

func (q *Queue) push(ctx context.Context, job *Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue %s: marshal job: %w", q.name, err)
	}
	return q.kv.ListPush(ctx, q.waitingKey(), string(encoded))
}

// Dequeue pops the oldest waiting job; (nil, nil) when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	raw, ok, err := q.kv.ListPop(ctx, q.waitingKey())
	if err != nil || !ok {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// A malformed entry is dropped rather than wedging the queue.
		metrics.QueueJobs.WithLabelValues(q.name, "malformed").Inc()
		return nil, nil
	}
	return &job, nil
}

// retryLater parks a failed job in the delayed set with exponential backoff.
func (q *Queue) retryLater(ctx context.Context, job *Job) error {
	delay := q.backoffBase * (1 << job.Attempts)
	readyAt := q.now().Add(delay)
	encoded, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.kv.ZAdd(ctx, q.delayedKey(), kv.Member{
		Member: string(encoded),
		Score:  float64(readyAt.Unix()),
	})
}

// markFailed records a permanently failed job for inspection.
func (q *Queue) markFailed(ctx context.Context, job *Job) {
	if encoded, err := json.Marshal(job); err == nil {
		_ = q.kv.ListPush(ctx, q.failedKey(), string(encoded))
	}
	_, _ = q.kv.HashIncr(ctx, q.statsKey(), fieldFailed, 1)
	metrics.QueueJobs.WithLabelValues(q.name, "failed").Inc()
}

// PromoteDue moves jobs whose ready time has passed from the delayed set back
// onto the wait list. Returns the number promoted.
func (q *Queue) PromoteDue(ctx context.Context, batch int64) (int, error) {
	max := strconv.FormatInt(q.now().Unix(), 10)
	due, degraded := q.kv.ZRangeByScoreLimit(ctx, q.delayedKey(), "-inf", max, batch)
	if degraded || len(due) == 0 {
		return 0, nil
	}

	promoted := 0
	for _, encoded := range due {
		if err := q.kv.ListPush(ctx, q.waitingKey(), encoded); err != nil {
			return promoted, err
		}
		if err := q.kv.ZRem(ctx, q.delayedKey(), encoded); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Counts reads the queue's depth snapshot.
func (q *Queue) Counts(ctx context.Context) Counts {
	var c Counts
	c.Waiting, _ = q.kv.ListLen(ctx, q.waitingKey())
	c.Delayed, _ = q.kv.ZCard(ctx, q.delayedKey())

	stats, _ := q.kv.HashGetAll(ctx, q.statsKey())
	c.Active = parseCount(stats[fieldActive])
	c.Completed = parseCount(stats[fieldCompleted])
	c.Failed = parseCount(stats[fieldFailed])
	return c
}

func parseCount(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
