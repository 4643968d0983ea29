// Package scheduler computes when reminders and voice calls fire and keeps
// exactly one live row of each per assigned slot.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/db"
	"github.com/lalithlochan/khidmat/internal/reporting"
)

// ErrUnassigned is returned when scheduling for a slot with no registrant.
var ErrUnassigned = errors.New("slot has no registrant")

// Store is the subset of queries the scheduler needs. *db.Queries
// satisfies it, both on the pool and inside a transaction.
type Store interface {
	CancelPendingReminders(ctx context.Context, slotID uuid.UUID) (int64, error)
	InsertReminder(ctx context.Context, r *db.Reminder) error
	PendingVoiceCallExists(ctx context.Context, slotID uuid.UUID) (bool, error)
	InsertVoiceCall(ctx context.Context, v *db.VoiceCall) (bool, error)
	CancelPendingVoiceCalls(ctx context.Context, slotID uuid.UUID) (int64, error)
}

// Options controls reminder and voice call timing.
type Options struct {
	Location      *time.Location
	LeadDays      int
	SendHour      int
	SendMinute    int
	VoiceCallLead time.Duration
}

// DefaultOptions matches the production defaults: 18:00 IST the day
// before, voice calls two hours before reporting.
func DefaultOptions() Options {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*60*60+30*60)
	}
	return Options{
		Location:      loc,
		LeadDays:      1,
		SendHour:      18,
		VoiceCallLead: 2 * time.Hour,
	}
}

// Scheduler creates and cancels reminder and voice call rows.
type Scheduler struct {
	opts   Options
	logger *zap.Logger
}

// New creates a scheduler. A nil location falls back to UTC.
func New(opts Options, logger *zap.Logger) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Scheduler{opts: opts, logger: logger}
}

// ReminderTime is the reminder send instant for a duty date: LeadDays
// before, at the configured local send time.
func (s *Scheduler) ReminderTime(dutyDate time.Time) time.Time {
	y, m, d := dutyDate.Date()
	return time.Date(y, m, d-s.opts.LeadDays, s.opts.SendHour, s.opts.SendMinute, 0, 0, s.opts.Location)
}

// VoiceCallTime is the call instant for a duty: the local reporting time
// minus the configured lead. ok is false for duty types without a
// reporting time.
func (s *Scheduler) VoiceCallTime(dutyDate time.Time, dutyType string) (time.Time, bool) {
	clock, ok := reporting.ReportingTime(dutyType)
	if !ok {
		return time.Time{}, false
	}
	y, m, d := dutyDate.Date()
	report := time.Date(y, m, d, clock.Hour, clock.Minute, 0, 0, s.opts.Location)
	return report.Add(-s.opts.VoiceCallLead), true
}

// ScheduleReminder replaces any PENDING reminder for the slot with a new one.
func (s *Scheduler) ScheduleReminder(ctx context.Context, store Store, slot *db.DutySlot) (*db.Reminder, error) {
	if slot.RegistrantID == nil {
		return nil, fmt.Errorf("schedule reminder for slot %s: %w", slot.ID, ErrUnassigned)
	}

	if _, err := store.CancelPendingReminders(ctx, slot.ID); err != nil {
		return nil, fmt.Errorf("schedule reminder: %w", err)
	}

	r := &db.Reminder{
		ID:           uuid.New(),
		SlotID:       slot.ID,
		RegistrantID: *slot.RegistrantID,
		ScheduledAt:  s.ReminderTime(slot.DutyDate),
		Status:       db.ReminderPending,
	}
	if err := store.InsertReminder(ctx, r); err != nil {
		return nil, fmt.Errorf("schedule reminder: %w", err)
	}
	return r, nil
}

// CancelReminders moves the slot's PENDING reminders to CANCELLED. Calling
// it again is a no-op.
func (s *Scheduler) CancelReminders(ctx context.Context, store Store, slotID uuid.UUID) error {
	n, err := store.CancelPendingReminders(ctx, slotID)
	if err != nil {
		return fmt.Errorf("cancel reminders: %w", err)
	}
	if n > 0 {
		s.logger.Info("reminders cancelled",
			zap.String("slot_id", slotID.String()),
			zap.Int64("count", n),
		)
	}
	return nil
}

// ScheduleVoiceCall creates the slot's voice call if it has a reporting
// time and no PENDING call exists yet. It returns nil when nothing was
// created.
func (s *Scheduler) ScheduleVoiceCall(ctx context.Context, store Store, slot *db.DutySlot) (*db.VoiceCall, error) {
	if slot.RegistrantID == nil {
		return nil, fmt.Errorf("schedule voice call for slot %s: %w", slot.ID, ErrUnassigned)
	}

	at, ok := s.VoiceCallTime(slot.DutyDate, slot.DutyType)
	if !ok {
		s.logger.Info("no reporting time for duty type, voice call skipped",
			zap.String("slot_id", slot.ID.String()),
			zap.String("duty_type", slot.DutyType),
		)
		return nil, nil
	}

	exists, err := store.PendingVoiceCallExists(ctx, slot.ID)
	if err != nil {
		return nil, fmt.Errorf("schedule voice call: %w", err)
	}
	if exists {
		return nil, nil
	}

	v := &db.VoiceCall{
		ID:           uuid.New(),
		SlotID:       slot.ID,
		RegistrantID: *slot.RegistrantID,
		ScheduledAt:  at,
		Status:       db.VoicePending,
	}
	created, err := store.InsertVoiceCall(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("schedule voice call: %w", err)
	}
	if !created {
		return nil, nil
	}

	s.logger.Info("voice call scheduled",
		zap.String("slot_id", slot.ID.String()),
		zap.Time("scheduled_at", at),
	)
	return v, nil
}

// CancelVoiceCalls fails the slot's PENDING voice calls with reason
// "cancelled".
func (s *Scheduler) CancelVoiceCalls(ctx context.Context, store Store, slotID uuid.UUID) error {
	n, err := store.CancelPendingVoiceCalls(ctx, slotID)
	if err != nil {
		return fmt.Errorf("cancel voice calls: %w", err)
	}
	if n > 0 {
		s.logger.Info("voice calls cancelled",
			zap.String("slot_id", slotID.String()),
			zap.Int64("count", n),
		)
	}
	return nil
}
