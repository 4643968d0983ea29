// Package sweep periodically picks up due reminders and voice calls and
// purges old terminal rows.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/khidmat/internal/metrics"
	"github.com/lalithlochan/khidmat/internal/worker"
)

const (
	sweepReminders  = "reminders"
	sweepVoiceCalls = "voice_calls"
)

// Store lists due rows and deletes expired ones.
type Store interface {
	ListDueReminderIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListDueVoiceCallIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	DeleteTerminalReminders(ctx context.Context, before time.Time) (int64, error)
	DeleteTerminalVoiceCalls(ctx context.Context, before time.Time) (int64, error)
}

// Processor handles one due row in its own transaction. worker.Dispatcher
// implements it.
type Processor interface {
	ProcessDueReminder(ctx context.Context, id uuid.UUID) (worker.Result, error)
	ProcessDueVoiceCall(ctx context.Context, id uuid.UUID) (worker.Result, error)
}

// Options controls sweep cadence and retention.
type Options struct {
	ReminderInterval time.Duration
	VoiceInterval    time.Duration
	BatchSize        int
	Retention        time.Duration
	CleanupHour      int
	Location         *time.Location
}

// DefaultOptions returns the production cadence.
func DefaultOptions(loc *time.Location) Options {
	return Options{
		ReminderInterval: 15 * time.Minute,
		VoiceInterval:    5 * time.Minute,
		BatchSize:        200,
		Retention:        90 * 24 * time.Hour,
		CleanupHour:      2,
		Location:         loc,
	}
}

// Summary counts what one sweep pass did.
type Summary struct {
	Due       int
	Sent      int
	Failed    int
	Cancelled int
	Pending   int
	Skipped   int
	Errors    int
}

func (s *Summary) add(res worker.Result) {
	switch res {
	case worker.ResultSent:
		s.Sent++
	case worker.ResultFailed:
		s.Failed++
	case worker.ResultCancelled:
		s.Cancelled++
	case worker.ResultPending:
		s.Pending++
	case worker.ResultSkipped:
		s.Skipped++
	}
}

// Sweeper runs the reminder, voice call and cleanup loops.
type Sweeper struct {
	store     Store
	processor Processor
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

func New(store Store, processor Processor, opts Options, logger *zap.Logger) *Sweeper {
	def := DefaultOptions(time.UTC)
	if opts.ReminderInterval <= 0 {
		opts.ReminderInterval = def.ReminderInterval
	}
	if opts.VoiceInterval <= 0 {
		opts.VoiceInterval = def.VoiceInterval
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Retention <= 0 {
		opts.Retention = def.Retention
	}
	if opts.Location == nil {
		opts.Location = def.Location
	}
	return &Sweeper{
		store:     store,
		processor: processor,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// SweepReminders snapshots due reminder IDs, then processes each one. A
// failing row is logged and counted; it never stops the batch.
func (s *Sweeper) SweepReminders(ctx context.Context) (Summary, error) {
	return s.sweep(ctx, sweepReminders, s.store.ListDueReminderIDs, s.processor.ProcessDueReminder)
}

// SweepVoiceCalls does the same for voice calls.
func (s *Sweeper) SweepVoiceCalls(ctx context.Context) (Summary, error) {
	return s.sweep(ctx, sweepVoiceCalls, s.store.ListDueVoiceCallIDs, s.processor.ProcessDueVoiceCall)
}

func (s *Sweeper) sweep(
	ctx context.Context,
	name string,
	list func(context.Context, time.Time, int) ([]uuid.UUID, error),
	process func(context.Context, uuid.UUID) (worker.Result, error),
) (Summary, error) {
	var sum Summary

	ids, err := list(ctx, s.now(), s.opts.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("list due %s: %w", name, err)
	}
	sum.Due = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		res, err := process(ctx, id)
		if err != nil {
			sum.Errors++
			metrics.RecordSweepRow(name, "error")
			s.logger.Error("sweep row failed",
				zap.String("sweep", name),
				zap.String("id", id.String()),
				zap.Error(err),
			)
			continue
		}
		sum.add(res)
		metrics.RecordSweepRow(name, string(res))
	}

	if sum.Due > 0 {
		s.logger.Info("sweep completed",
			zap.String("sweep", name),
			zap.Int("due", sum.Due),
			zap.Int("sent", sum.Sent),
			zap.Int("failed", sum.Failed),
			zap.Int("cancelled", sum.Cancelled),
			zap.Int("pending", sum.Pending),
			zap.Int("skipped", sum.Skipped),
			zap.Int("errors", sum.Errors),
		)
	}
	return sum, nil
}

// Cleanup deletes terminal reminders and voice calls older than the
// retention window.
func (s *Sweeper) Cleanup(ctx context.Context) error {
	cutoff := s.now().Add(-s.opts.Retention)

	reminders, err := s.store.DeleteTerminalReminders(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup reminders: %w", err)
	}
	metrics.RecordCleanup("reminders", reminders)

	calls, err := s.store.DeleteTerminalVoiceCalls(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup voice calls: %w", err)
	}
	metrics.RecordCleanup("voice_calls", calls)

	s.logger.Info("cleanup completed",
		zap.Time("cutoff", cutoff),
		zap.Int64("reminders_deleted", reminders),
		zap.Int64("voice_calls_deleted", calls),
	)
	return nil
}

// NextCleanup returns the first cleanup time strictly after t: daily at
// CleanupHour:00 in the scheduling timezone.
func (s *Sweeper) NextCleanup(t time.Time) (time.Time, error) {
	local := t.In(s.opts.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), s.opts.CleanupHour, 0, 0, 0, s.opts.Location)

	rule, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.DAILY,
		Dtstart: start,
		Count:   3,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("build cleanup schedule: %w", err)
	}
	next := rule.After(t, false)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("no cleanup occurrence after %s", t)
	}
	return next, nil
}

// Run drives the three loops until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.every(ctx, s.opts.ReminderInterval, func() {
			if _, err := s.SweepReminders(ctx); err != nil {
				s.logger.Error("reminder sweep failed", zap.Error(err))
			}
		})
		return nil
	})
	g.Go(func() error {
		s.every(ctx, s.opts.VoiceInterval, func() {
			if _, err := s.SweepVoiceCalls(ctx); err != nil {
				s.logger.Error("voice call sweep failed", zap.Error(err))
			}
		})
		return nil
	})
	g.Go(func() error {
		return s.cleanupLoop(ctx)
	})

	s.logger.Info("sweeper started",
		zap.Duration("reminder_interval", s.opts.ReminderInterval),
		zap.Duration("voice_interval", s.opts.VoiceInterval),
		zap.Int("cleanup_hour", s.opts.CleanupHour),
	)
	err := g.Wait()
	s.logger.Info("sweeper stopped")
	return err
}

// every runs fn immediately and then on each tick.
func (s *Sweeper) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *Sweeper) cleanupLoop(ctx context.Context) error {
	for {
		next, err := s.NextCleanup(s.now())
		if err != nil {
			return err
		}
		s.logger.Debug("next cleanup scheduled", zap.Time("at", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := s.Cleanup(ctx); err != nil {
			s.logger.Error("cleanup failed", zap.Error(err))
		}
	}
}
