package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = errors.New("queue is shut down")

// MemoryQueue runs jobs on in-process workers. It is used when RabbitMQ is not
// configured, by the CLI, and by tests. Jobs do not survive a restart.
type MemoryQueue struct {
	registry *Registry
	logger   *slog.Logger
	workers  int

	jobs chan Job
	quit chan struct{}

	mu       sync.Mutex
	closed   bool
	timers   map[*time.Timer]struct{}
	dead     []DeadLetter
	deadCap  int
	pending  int
	workerWG sync.WaitGroup
}

// NewMemoryQueue creates a queue with the given worker count and dead-letter capacity.
func NewMemoryQueue(registry *Registry, logger *slog.Logger, workers, deadCapacity int) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 4
	}
	if deadCapacity <= 0 {
		deadCapacity = 1000
	}
	return &MemoryQueue{
		registry: registry,
		logger:   logger,
		workers:  workers,
		jobs:     make(chan Job, 1024),
		quit:     make(chan struct{}),
		timers:   make(map[*time.Timer]struct{}),
		deadCap:  deadCapacity,
	}
}

// Start launches the workers. They stop on Shutdown.
func (q *MemoryQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.workerWG.Add(1)
		go func() {
			defer q.workerWG.Done()
			for {
				select {
				case <-q.quit:
					return
				case job := <-q.jobs:
					q.process(ctx, job)
				}
			}
		}()
	}
}

// Enqueue schedules a new job for immediate execution.
func (q *MemoryQueue) Enqueue(ctx context.Context, name string, payload any, opts ...Option) error {
	job, err := NewJob(name, payload, opts...)
	if err != nil {
		return err
	}
	return q.push(ctx, job)
}

func (q *MemoryQueue) push(ctx context.Context, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pending++
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		return nil
	case <-q.quit:
		q.done()
		return ErrQueueClosed
	case <-ctx.Done():
		q.done()
		return ctx.Err()
	}
}

func (q *MemoryQueue) done() {
	q.mu.Lock()
	q.pending--
	q.mu.Unlock()
}

func (q *MemoryQueue) process(ctx context.Context, job Job) {
	defer q.done()

	outcome := q.registry.Dispatch(ctx, job)
	switch outcome.Action {
	case ActionRetry:
		next := job
		next.Attempt++
		q.schedule(next, outcome.Delay)
	case ActionDeadLetter:
		q.deadLetter(job, outcome.Err)
	}
}

func (q *MemoryQueue) schedule(job Job, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("dropping retry after shutdown", "job", job.Name, "job_id", job.ID)
		return
	}
	q.pending++
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		if err := q.push(context.Background(), job); err != nil {
			q.logger.Warn("retry not enqueued", "job", job.Name, "job_id", job.ID, "error", err)
		}
		q.done()
	})
	q.timers[timer] = struct{}{}
}

func (q *MemoryQueue) deadLetter(job Job, err error) {
	reason := "unknown"
	if err != nil {
		reason = err.Error()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, DeadLetter{Job: job, Reason: reason, At: time.Now().UTC()})
	if len(q.dead) > q.deadCap {
		q.dead = q.dead[len(q.dead)-q.deadCap:]
	}
}

// DeadLetters returns a copy of the retained dead-lettered jobs, oldest first.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// Wait blocks until no job is queued, running or waiting for a retry, or ctx ends.
func (q *MemoryQueue) Wait(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		idle := q.pending == 0
		q.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown stops accepting jobs, cancels pending retries and waits for running jobs.
func (q *MemoryQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for timer := range q.timers {
		if timer.Stop() {
			q.pending--
		}
	}
	q.timers = nil
	q.mu.Unlock()

	close(q.quit)

	done := make(chan struct{})
	go func() {
		q.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
