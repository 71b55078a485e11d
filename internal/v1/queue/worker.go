package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/classkit/backend-go/internal/v1/logging"
	"github.com/classkit/backend-go/internal/v1/metrics"
)

// Handler processes one job. A nil return completes the job; an error sends
// it to the retry path until the attempt budget runs out.
type Handler func(ctx context.Context, job *Job) error

// Worker drains one queue with bounded concurrency.
type Worker struct {
	queue        *Queue
	handler      Handler
	concurrency  int
	pollInterval time.Duration
}

// NewWorker builds a worker for the queue. Concurrency below 1 defaults to 1.
func NewWorker(q *Queue, concurrency int, handler Handler) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:        q,
		handler:      handler,
		concurrency:  concurrency,
		pollInterval: 250 * time.Millisecond,
	}
}

// Run polls the queue until ctx is canceled. Each of the concurrency
// goroutines pops and processes jobs independently; the extra goroutine
// promotes due retries and refreshes the depth gauges.
func (w *Worker) Run(ctx context.Context, wg *sync.WaitGroup) {
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.queue.PromoteDue(ctx, 100); err != nil && ctx.Err() == nil {
					logging.Error(ctx, "Failed to promote delayed jobs",
						zap.String("queue", w.queue.Name()), zap.Error(err))
				}
				c := w.queue.Counts(ctx)
				metrics.QueueDepth.WithLabelValues(w.queue.Name()).Set(float64(c.Waiting + c.Delayed))
			}
		}
	}()
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain until empty, then go back to sleep.
			for {
				job, err := w.queue.Dequeue(ctx)
				if err != nil || job == nil {
					break
				}
				w.process(ctx, job)
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// process runs the handler once and settles the job's fate.
func (w *Worker) process(ctx context.Context, job *Job) {
	q := w.queue
	_, _ = q.kv.HashIncr(ctx, q.statsKey(), fieldActive, 1)
	defer func() { _, _ = q.kv.HashIncr(ctx, q.statsKey(), fieldActive, -1) }()

	start := time.Now()
	err := w.safeHandle(ctx, job)
	metrics.MessageProcessingDuration.WithLabelValues("queue:" + q.name).Observe(time.Since(start).Seconds())

	if err == nil {
		_, _ = q.kv.HashIncr(ctx, q.statsKey(), fieldCompleted, 1)
		metrics.QueueJobs.WithLabelValues(q.name, "completed").Inc()
		return
	}

	job.Attempts++
	job.LastError = err.Error()
	if job.Attempts >= job.MaxAttempts {
		logging.Error(ctx, "Job exhausted its attempts",
			zap.String("queue", q.name), zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts), zap.Error(err))
		q.markFailed(ctx, job)
		return
	}

	logging.Warn(ctx, "Job failed; scheduling retry",
		zap.String("queue", q.name), zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts), zap.Error(err))
	metrics.QueueJobs.WithLabelValues(q.name, "retried").Inc()
	if rerr := q.retryLater(ctx, job); rerr != nil {
		logging.Error(ctx, "Failed to park job for retry",
			zap.String("queue", q.name), zap.String("job_id", job.ID), zap.Error(rerr))
		q.markFailed(ctx, job)
	}
}

// safeHandle shields the worker loop from panicking handlers.
func (w *Worker) safeHandle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}
