package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Job represents a queued background task. Jobs sharing a Key are processed by the same worker,
// one at a time.
type Job struct {
	ID       string
	Key      string
	Type     string
	Payload  interface{}
	Attempt  int
	Enqueued time.Time
}

// Handler processes a job.
type Handler func(context.Context, Job) error

// QueueConfig configures worker pool behaviour.
type QueueConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Queue is an in-memory keyed job dispatcher backed by goroutines. A key that is already
// waiting is not queued twice; a key being processed may be queued again once. Enqueue never
// blocks: when a worker's buffer is full the job waits for room on its own goroutine.
type Queue struct {
	name    string
	handler Handler

	workers    int
	bufferSize int
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger

	shards   []chan Job
	pending  map[string]struct{}
	waiters  map[string][]chan error
	queued   int64
	overflow int64
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
}

// NewQueue builds a new queue with the provided handler.
func NewQueue(name string, handler Handler, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	perShard := cfg.BufferSize / cfg.Workers
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]chan Job, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan Job, perShard)
	}

	return &Queue{
		name:       name,
		handler:    handler,
		workers:    cfg.Workers,
		bufferSize: cfg.BufferSize,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
		shards:     shards,
		pending:    make(map[string]struct{}),
		waiters:    make(map[string][]chan error),
	}
}

// Start begins worker consumption. Safe to call once.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.started = true
	q.logger.Sugar().Infow("queue started", "queue", q.name, "workers", q.workers)
}

// Stop cancels workers and waits for them to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.cancel()
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Sugar().Infow("queue stopped", "queue", q.name, "dropped", atomic.LoadInt64(&q.queued))
}

// Enqueue pushes a job onto the worker owning its key. It reports false when the key was
// already waiting and the job was coalesced.
func (q *Queue) Enqueue(job Job) (bool, error) {
	return q.enqueue(job, nil)
}

// Submit queues job and waits for a run of its key that starts after the call, returning the
// handler's error for that run. A job coalesced with a waiting one shares that job's run.
func (q *Queue) Submit(ctx context.Context, job Job) error {
	done := make(chan error, 1)
	if _, err := q.enqueue(job, done); err != nil {
		return err
	}
	q.mu.Lock()
	stopped := q.ctx.Done()
	q.mu.Unlock()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return fmt.Errorf("queue %s stopped", q.name)
	}
}

func (q *Queue) enqueue(job Job, done chan error) (bool, error) {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return false, fmt.Errorf("queue %s not started", q.name)
	}
	ctx := q.ctx
	if job.Key == "" {
		job.Key = job.ID
	}
	if done != nil {
		q.waiters[job.Key] = append(q.waiters[job.Key], done)
	}
	if _, waiting := q.pending[job.Key]; waiting {
		q.mu.Unlock()
		return false, nil
	}
	q.pending[job.Key] = struct{}{}
	q.mu.Unlock()

	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}

	atomic.AddInt64(&q.queued, 1)
	shard := q.shards[q.shardFor(job.Key)]
	select {
	case shard <- job:
		return true, nil
	default:
	}

	atomic.AddInt64(&q.overflow, 1)
	go func() {
		defer atomic.AddInt64(&q.overflow, -1)
		select {
		case <-ctx.Done():
			q.take(job.Key)
			atomic.AddInt64(&q.queued, -1)
		case shard <- job:
		}
	}()
	return true, nil
}

// Depth returns the number of jobs waiting to be processed.
func (q *Queue) Depth() int {
	return int(atomic.LoadInt64(&q.queued))
}

// Overflow returns how many jobs are waiting for room in a full worker buffer.
func (q *Queue) Overflow() int {
	return int(atomic.LoadInt64(&q.overflow))
}

func (q *Queue) shardFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(q.shards)))
}

// take clears the pending mark of key and hands back the callers waiting on its next run.
func (q *Queue) take(key string) []chan error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, key)
	waiters := q.waiters[key]
	delete(q.waiters, key)
	return waiters
}

func (q *Queue) worker(shard int) {
	defer q.wg.Done()
	jobs := q.shards[shard]
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-jobs:
			waiters := q.take(job.Key)
			atomic.AddInt64(&q.queued, -1)
			err := q.handler(q.ctx, job)
			for _, w := range waiters {
				w <- err
			}
			if err != nil {
				q.handleFailure(job, err)
			}
		}
	}
}

func (q *Queue) handleFailure(job Job, err error) {
	job.Attempt++
	if job.Attempt > q.maxRetries {
		q.logger.Sugar().Errorw("job exceeded retries", "queue", q.name, "job_id", job.ID, "key", job.Key, "type", job.Type, "error", err)
		return
	}
	q.logger.Sugar().Warnw("job failed, retrying", "queue", q.name, "job_id", job.ID, "key", job.Key, "type", job.Type, "attempt", job.Attempt, "error", err)

	go func(j Job) {
		timer := time.NewTimer(q.retryDelay * time.Duration(j.Attempt))
		defer timer.Stop()
		select {
		case <-q.ctx.Done():
			return
		case <-timer.C:
			if _, err := q.Enqueue(j); err != nil {
				q.logger.Sugar().Errorw("failed to requeue job", "queue", q.name, "job_id", j.ID, "error", err)
			}
		}
	}(job)
}
