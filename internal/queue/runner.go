package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/khidmat/internal/metrics"
)

// Handler executes a job. Returning a RetryableError asks for another
// attempt; any other error is logged and the job is dropped.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Handle calls f(ctx, job).
func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Runner applies retry policies around a handler.
type Runner struct {
	handler  Handler
	policies Policies
	requeue  Queue
	logger   *zap.Logger
	now      func() time.Time
}

// NewRunner creates a runner. Retries are re-enqueued on the queue set with
// SetRequeue; without one, retryable errors are returned to the caller.
func NewRunner(handler Handler, policies Policies, logger *zap.Logger) *Runner {
	return &Runner{
		handler:  handler,
		policies: policies,
		logger:   logger,
		now:      time.Now,
	}
}

// SetRequeue sets the queue that receives retry attempts. It must be called
// before the runner processes jobs.
func (r *Runner) SetRequeue(q Queue) {
	r.requeue = q
}

// Process runs one attempt of a job and schedules the next one when the
// handler asks for it. The returned error is non-nil only when a retry
// could not be scheduled.
func (r *Runner) Process(ctx context.Context, job Job) error {
	start := time.Now()
	err := r.handler.Handle(ctx, job)
	elapsed := time.Since(start)

	logger := r.logger.With(
		zap.String("kind", string(job.Kind)),
		zap.String("entity_id", job.EntityID.String()),
		zap.Int("attempt", job.Attempt+1),
	)

	if err == nil {
		metrics.RecordJobProcessed(string(job.Kind), "success", elapsed)
		logger.Debug("job completed", zap.Duration("duration", elapsed))
		return nil
	}

	var retryable *RetryableError
	if !errors.As(err, &retryable) {
		metrics.RecordJobProcessed(string(job.Kind), "failed", elapsed)
		logger.Error("job failed", zap.Error(err))
		return nil
	}

	if r.policies.Exhausted(job) {
		metrics.RecordJobProcessed(string(job.Kind), "exhausted", elapsed)
		logger.Warn("retries exhausted", zap.Error(err))
		return nil
	}

	delay := r.policies.For(job.Kind).Delay
	if retryable.After > 0 {
		delay = retryable.After
	}
	next := job.Next(r.now(), delay)

	if r.requeue == nil {
		metrics.RecordJobProcessed(string(job.Kind), "retry_unscheduled", elapsed)
		return err
	}
	if qerr := r.requeue.Enqueue(ctx, next); qerr != nil {
		metrics.RecordJobProcessed(string(job.Kind), "retry_unscheduled", elapsed)
		logger.Error("failed to schedule retry", zap.Error(qerr))
		return fmt.Errorf("schedule retry of %s: %w", job.Key(), qerr)
	}

	metrics.RecordJobProcessed(string(job.Kind), "retry", elapsed)
	logger.Info("job scheduled for retry",
		zap.Error(err),
		zap.Duration("delay", delay),
	)
	return nil
}

// Run consumes jobs with a pool of workers until ctx is cancelled or the
// channel is closed.
func (r *Runner) Run(ctx context.Context, jobs <-chan Job, workers int) error {
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					_ = r.Process(ctx, job)
				}
			}
		})
	}

	r.logger.Info("job runner started", zap.Int("workers", workers))
	err := g.Wait()
	r.logger.Info("job runner stopped")
	return err
}
