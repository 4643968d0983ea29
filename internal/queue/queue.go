package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/metrics"
)

// Queue accepts jobs for later execution.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Memory is an in-process bounded queue consumed by Runner.Run. Delayed
// jobs are held on a timer until they are due.
type Memory struct {
	jobs chan Job
	done chan struct{}
	once sync.Once
}

// NewMemory creates a memory queue with the given buffer size.
func NewMemory(buffer int) *Memory {
	if buffer < 1 {
		buffer = 1
	}
	return &Memory{
		jobs: make(chan Job, buffer),
		done: make(chan struct{}),
	}
}

// Enqueue adds a job without blocking. A full buffer returns ErrQueueFull.
func (m *Memory) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	if d := job.Delay(time.Now()); d > 0 {
		time.AfterFunc(d, func() {
			select {
			case m.jobs <- job:
			case <-m.done:
			}
		})
		return nil
	}

	select {
	case m.jobs <- job:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Jobs is the channel consumed by workers.
func (m *Memory) Jobs() <-chan Job {
	return m.jobs
}

// Close stops accepting jobs. Pending timers are dropped.
func (m *Memory) Close() {
	m.once.Do(func() { close(m.done) })
}

// Inline runs each job in the caller's goroutine, waiting for NotBefore.
type Inline struct {
	runner *Runner
}

// NewInline creates a synchronous queue backed by runner.
func NewInline(runner *Runner) *Inline {
	return &Inline{runner: runner}
}

// Enqueue blocks until the job is due and has run.
func (i *Inline) Enqueue(ctx context.Context, job Job) error {
	if d := job.Delay(time.Now()); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return i.runner.Process(ctx, job)
}

// Fallback wraps a primary queue. When the primary rejects a job it runs
// the job in a detached goroutine, or synchronously when async fallback is
// disabled.
type Fallback struct {
	primary Queue
	backend string
	inline  *Inline
	async   bool
	logger  *zap.Logger
}

// NewFallback creates a degrading queue around primary.
func NewFallback(primary Queue, backend string, runner *Runner, async bool, logger *zap.Logger) *Fallback {
	return &Fallback{
		primary: primary,
		backend: backend,
		inline:  NewInline(runner),
		async:   async,
		logger:  logger,
	}
}

// Enqueue never loses a job: it either lands on the primary queue or runs
// locally.
func (f *Fallback) Enqueue(ctx context.Context, job Job) error {
	err := f.primary.Enqueue(ctx, job)
	if err == nil {
		metrics.RecordJobEnqueued(string(job.Kind), f.backend)
		return nil
	}

	fields := []zap.Field{
		zap.Error(err),
		zap.String("kind", string(job.Kind)),
		zap.String("entity_id", job.EntityID.String()),
		zap.String("backend", f.backend),
	}

	if f.async {
		f.logger.Warn("enqueue failed, running job in background", fields...)
		metrics.RecordQueueFallback("goroutine")

		bg := context.WithoutCancel(ctx)
		go func() {
			if err := f.inline.Enqueue(bg, job); err != nil {
				f.logger.Error("background job failed", zap.Error(err), zap.String("kind", string(job.Kind)))
			}
		}()
		return nil
	}

	f.logger.Warn("enqueue failed, running job synchronously", fields...)
	metrics.RecordQueueFallback("sync")
	return f.inline.Enqueue(ctx, job)
}

// Commit collects jobs produced inside a transaction so they can be
// enqueued once it has committed.
type Commit struct {
	mu   sync.Mutex
	jobs []Job
}

// Add records jobs to enqueue after commit.
func (c *Commit) Add(jobs ...Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, jobs...)
}

// Jobs returns the collected jobs.
func (c *Commit) Jobs() []Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Job, len(c.jobs))
	copy(out, c.jobs)
	return out
}

// Flush enqueues every collected job. A failed enqueue does not stop the
// rest; all failures are returned joined.
func (c *Commit) Flush(ctx context.Context, q Queue) error {
	c.mu.Lock()
	jobs := c.jobs
	c.jobs = nil
	c.mu.Unlock()

	var errs []error
	for _, j := range jobs {
		if err := q.Enqueue(ctx, j); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", j.Key(), err))
		}
	}
	return errors.Join(errs...)
}
