package roster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/db"
	"github.com/lalithlochan/khidmat/internal/phone"
	"github.com/lalithlochan/khidmat/internal/queue"
	"github.com/lalithlochan/khidmat/internal/scheduler"
)

// Service applies roster transitions transactionally. Every slot operation
// row-locks the slot first; jobs are enqueued only after commit.
type Service struct {
	store  Store
	sched  *scheduler.Scheduler
	queue  queue.Queue
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a roster service.
func NewService(store Store, sched *scheduler.Scheduler, q queue.Queue, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		sched:  sched,
		queue:  q,
		logger: logger,
		now:    time.Now,
	}
}

// RegisterInput is a new volunteer registration.
type RegisterInput struct {
	ITSNumber   string
	FullName    string
	Email       string
	Phone       string
	Preferences []string
}

// Register creates a registrant and queues the confirmation and sheet
// export.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*db.Registrant, error) {
	number, err := phone.Normalize(in.Phone)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	reg := &db.Registrant{
		ID:          uuid.New(),
		ITSNumber:   strings.TrimSpace(in.ITSNumber),
		FullName:    strings.TrimSpace(in.FullName),
		Email:       strings.TrimSpace(in.Email),
		Phone:       number,
		Preferences: in.Preferences,
		Status:      db.RegistrantPending,
	}

	var commit queue.Commit
	err = s.store.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateRegistrant(ctx, reg); err != nil {
			return err
		}
		commit.Add(
			queue.New(queue.KindRegistrationConfirmation, reg.ID),
			queue.New(queue.KindSheetSync, reg.ID),
		)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	s.afterCommit(ctx, &commit)
	return reg, nil
}

// AssignInput gives a (date, duty type) pair to a registrant.
type AssignInput struct {
	DutyDate     time.Time
	DutyType     string
	RegistrantID uuid.UUID
}

// Assign locks a slot for a registrant, creating the slot when the pair
// has none yet.
func (s *Service) Assign(ctx context.Context, in AssignInput) (*db.DutySlot, error) {
	dutyType := strings.ToUpper(strings.TrimSpace(in.DutyType))
	if dutyType == "" {
		return nil, fmt.Errorf("%w: duty type is required", ErrInvalidInput)
	}

	var (
		slot   *db.DutySlot
		commit queue.Commit
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		existing, err := tx.LockActiveSlot(ctx, in.DutyDate, dutyType)
		isNew := errors.Is(err, db.ErrNotFound)
		switch {
		case isNew:
			slot = &db.DutySlot{
				ID:       uuid.New(),
				DutyDate: in.DutyDate,
				DutyType: dutyType,
				Status:   db.SlotPending,
			}
		case err != nil:
			return err
		default:
			slot = existing
		}

		reg, err := tx.GetRegistrant(ctx, in.RegistrantID)
		if err != nil {
			return err
		}

		now := s.now()
		eff, err := Assign(slot, reg, now)
		if err != nil {
			return err
		}

		if isNew {
			err = tx.InsertSlot(ctx, slot)
		} else {
			err = tx.UpdateSlot(ctx, slot)
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateRegistrantStatus(ctx, reg.ID, reg.Status); err != nil {
			return err
		}

		return s.apply(ctx, tx, slot, eff, "", now, &commit)
	})
	if err != nil {
		return nil, fmt.Errorf("assign slot: %w", err)
	}

	s.logger.Info("slot assigned",
		zap.String("slot_id", slot.ID.String()),
		zap.String("registrant_id", in.RegistrantID.String()),
		zap.String("duty_type", slot.DutyType),
	)
	s.afterCommit(ctx, &commit)
	return slot, nil
}

// CreateSlot adds an unassigned slot.
func (s *Service) CreateSlot(ctx context.Context, dutyDate time.Time, dutyType string) (*db.DutySlot, error) {
	dutyType = strings.ToUpper(strings.TrimSpace(dutyType))
	if dutyType == "" {
		return nil, fmt.Errorf("%w: duty type is required", ErrInvalidInput)
	}

	slot := &db.DutySlot{
		ID:       uuid.New(),
		DutyDate: dutyDate,
		DutyType: dutyType,
		Status:   db.SlotPending,
	}
	err := s.store.InTx(ctx, func(tx Tx) error {
		return tx.InsertSlot(ctx, slot)
	})
	if err != nil {
		return nil, fmt.Errorf("create slot: %w", err)
	}
	return slot, nil
}

// EditInput changes an unassigned slot. Nil fields are left unchanged.
type EditInput struct {
	DutyDate *time.Time
	DutyType *string
}

// EditSlot changes an unlocked slot. Locked slots return ErrSlotLocked.
func (s *Service) EditSlot(ctx context.Context, id uuid.UUID, in EditInput) (*db.DutySlot, error) {
	var slot *db.DutySlot
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		slot, err = tx.LockSlot(ctx, id)
		if err != nil {
			return err
		}
		if err := Edit(slot, in.DutyDate, in.DutyType); err != nil {
			return err
		}
		return tx.UpdateSlot(ctx, slot)
	})
	if err != nil {
		return nil, fmt.Errorf("edit slot: %w", err)
	}
	return slot, nil
}

// Unlock releases a locked slot with an audit record.
func (s *Service) Unlock(ctx context.Context, id uuid.UUID, reason, by string) (*db.UnlockAudit, error) {
	var audit *db.UnlockAudit
	err := s.store.InTx(ctx, func(tx Tx) error {
		slot, err := tx.LockSlot(ctx, id)
		if err != nil {
			return err
		}

		var reg *db.Registrant
		if slot.RegistrantID != nil {
			reg, err = tx.GetRegistrant(ctx, *slot.RegistrantID)
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				return err
			}
		}

		now := s.now()
		eff, err := Unlock(slot, reg, reason, by, now)
		if err != nil {
			return err
		}
		audit = eff.Audit

		return s.apply(ctx, tx, slot, eff, by, now, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("unlock slot: %w", err)
	}

	s.logger.Warn("slot unlocked",
		zap.String("slot_id", id.String()),
		zap.String("unlocked_by", audit.UnlockedBy),
		zap.String("reason", audit.Reason),
	)
	return audit, nil
}

// RequestChange files a cancel or reallocate request for a confirmed slot.
func (s *Service) RequestChange(ctx context.Context, slotID uuid.UUID, in ChangeInput) (*db.ChangeRequest, error) {
	var (
		req    *db.ChangeRequest
		commit queue.Commit
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		slot, err := tx.LockSlot(ctx, slotID)
		if err != nil {
			return err
		}
		pending, err := tx.PendingRequestExists(ctx, slotID)
		if err != nil {
			return err
		}

		now := s.now()
		var eff Effects
		req, eff, err = RequestChange(slot, in, pending, now)
		if err != nil {
			return err
		}

		if err := tx.InsertChangeRequest(ctx, req); err != nil {
			return err
		}
		if err := tx.UpdateSlot(ctx, slot); err != nil {
			return err
		}
		return s.apply(ctx, tx, slot, eff, "", now, &commit)
	})
	if err != nil {
		return nil, fmt.Errorf("request change: %w", err)
	}

	s.afterCommit(ctx, &commit)
	return req, nil
}

// Approve approves a pending request according to its kind.
func (s *Service) Approve(ctx context.Context, requestID uuid.UUID, by string) (*db.ChangeRequest, error) {
	return s.review(ctx, requestID, by, func(slot *db.DutySlot, req *db.ChangeRequest, now time.Time) (Effects, error) {
		switch req.Kind {
		case db.RequestCancel:
			return ApproveCancel(slot, req, by, now)
		case db.RequestReallocate:
			return ApproveReallocation(slot, req, by, now)
		}
		return Effects{}, fmt.Errorf("%w: unknown request kind %q", ErrInvalidInput, req.Kind)
	})
}

// Reject rejects a pending request and restores the slot.
func (s *Service) Reject(ctx context.Context, requestID uuid.UUID, by string) (*db.ChangeRequest, error) {
	return s.review(ctx, requestID, by, func(slot *db.DutySlot, req *db.ChangeRequest, now time.Time) (Effects, error) {
		return Reject(slot, req, by, now)
	})
}

type reviewFunc func(slot *db.DutySlot, req *db.ChangeRequest, now time.Time) (Effects, error)

func (s *Service) review(ctx context.Context, requestID uuid.UUID, by string, fn reviewFunc) (*db.ChangeRequest, error) {
	var (
		req    *db.ChangeRequest
		commit queue.Commit
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		// slot lock first, then the request
		unlocked, err := tx.GetChangeRequest(ctx, requestID)
		if err != nil {
			return err
		}
		slot, err := tx.LockSlot(ctx, unlocked.SlotID)
		if err != nil {
			return err
		}
		req, err = tx.LockChangeRequest(ctx, requestID)
		if err != nil {
			return err
		}

		now := s.now()
		eff, err := fn(slot, req, now)
		if err != nil {
			return err
		}

		if err := tx.UpdateSlot(ctx, slot); err != nil {
			return err
		}
		if err := tx.UpdateChangeRequest(ctx, req); err != nil {
			return err
		}
		return s.apply(ctx, tx, slot, eff, by, now, &commit)
	})
	if err != nil {
		return nil, fmt.Errorf("review change request: %w", err)
	}

	s.logger.Info("change request reviewed",
		zap.String("request_id", req.ID.String()),
		zap.String("kind", string(req.Kind)),
		zap.String("status", string(req.Status)),
		zap.String("reviewed_by", by),
	)
	s.afterCommit(ctx, &commit)
	return req, nil
}

// apply runs a transition's effects inside the slot transaction. The slot
// row must already be updated, except for unlock audits which are written
// first.
func (s *Service) apply(ctx context.Context, tx Tx, slot *db.DutySlot, eff Effects, by string, now time.Time, commit *queue.Commit) error {
	if eff.Audit != nil {
		if err := tx.InsertUnlockAudit(ctx, eff.Audit); err != nil {
			return err
		}
		if err := tx.UpdateSlot(ctx, slot); err != nil {
			return err
		}
	}

	if eff.CancelReminders {
		if err := s.sched.CancelReminders(ctx, tx, slot.ID); err != nil {
			return err
		}
	}
	if eff.CancelVoiceCalls {
		if err := s.sched.CancelVoiceCalls(ctx, tx, slot.ID); err != nil {
			return err
		}
	}
	if eff.CloseRequests {
		if _, err := tx.RejectPendingRequests(ctx, slot.ID, by, now); err != nil {
			return err
		}
	}

	if eff.ReleaseRegistrant != nil {
		n, err := tx.CountActiveSlots(ctx, *eff.ReleaseRegistrant)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := tx.UpdateRegistrantStatus(ctx, *eff.ReleaseRegistrant, db.RegistrantPending); err != nil {
				return err
			}
		}
	}

	// Scheduling failures never undo the transition itself.
	if eff.ScheduleReminder {
		err := tx.Savepoint(ctx, func(sp Tx) error {
			_, err := s.sched.ScheduleReminder(ctx, sp, slot)
			return err
		})
		if err != nil {
			s.logger.Error("reminder scheduling failed", zap.Error(err), zap.String("slot_id", slot.ID.String()))
		}
	}
	if eff.ScheduleVoiceCall {
		err := tx.Savepoint(ctx, func(sp Tx) error {
			_, err := s.sched.ScheduleVoiceCall(ctx, sp, slot)
			return err
		})
		if err != nil {
			s.logger.Error("voice call scheduling failed", zap.Error(err), zap.String("slot_id", slot.ID.String()))
		}
	}

	if commit != nil {
		commit.Add(eff.Jobs...)
	}
	return nil
}

func (s *Service) afterCommit(ctx context.Context, commit *queue.Commit) {
	if err := commit.Flush(ctx, s.queue); err != nil {
		s.logger.Error("failed to enqueue jobs after commit", zap.Error(err))
	}
}
