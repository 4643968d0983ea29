// Package roster owns the duty slot lifecycle: assignment locks a slot,
// and only an audited unlock or an approved change request releases it.
//
// Transitions are pure functions over the row models. They mutate the
// models in place and describe their side effects as Effects, which the
// Service applies inside a transaction.
package roster

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/lalithlochan/khidmat/internal/db"
	"github.com/lalithlochan/khidmat/internal/queue"
)

// MinUnlockReasonLength is the minimum trimmed length of an unlock reason.
const MinUnlockReasonLength = 10

var (
	// ErrSlotLocked is returned for any edit of a locked slot other than unlock.
	ErrSlotLocked = errors.New("slot is locked")

	// ErrNotLocked is returned when unlocking a slot that is not locked.
	ErrNotLocked = errors.New("slot is not locked")

	// ErrSlotAssigned is returned when assigning a slot that already has a registrant.
	ErrSlotAssigned = errors.New("slot already assigned")

	// ErrInvalidTransition is returned when the slot is not in a state that
	// allows the requested operation.
	ErrInvalidTransition = errors.New("invalid slot transition")

	// ErrRequestClosed is returned when reviewing a request that is no longer pending.
	ErrRequestClosed = errors.New("change request already reviewed")

	// ErrInvalidInput is returned for malformed transition arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// Effects are the side effects of a transition.
type Effects struct {
	// Jobs are enqueued after the transaction commits.
	Jobs []queue.Job

	ScheduleReminder  bool
	ScheduleVoiceCall bool
	CancelReminders   bool
	CancelVoiceCalls  bool

	// ReleaseRegistrant reverts the registrant to PENDING when it holds no
	// other active slot.
	ReleaseRegistrant *uuid.UUID

	// CloseRequests rejects pending change requests of the slot.
	CloseRequests bool

	// Audit is written before the slot row is updated.
	Audit *db.UnlockAudit
}

// Assign gives an unassigned slot to a registrant and locks it.
func Assign(slot *db.DutySlot, reg *db.Registrant, now time.Time) (Effects, error) {
	if slot.Locked || slot.RegistrantID != nil {
		return Effects{}, ErrSlotAssigned
	}
	if slot.Status != db.SlotPending {
		return Effects{}, fmt.Errorf("%w: assign from %s", ErrInvalidTransition, slot.Status)
	}

	id := reg.ID
	slot.RegistrantID = &id
	slot.Locked = true
	slot.LockedAt = &now
	slot.Status = db.SlotConfirmed
	reg.Status = db.RegistrantAllotted

	return Effects{
		Jobs:              []queue.Job{queue.New(queue.KindDutyAllotment, slot.ID)},
		ScheduleReminder:  true,
		ScheduleVoiceCall: true,
	}, nil
}

// Unlock releases a locked slot. The audit snapshot is taken before the
// slot is cleared. No notification is sent.
func Unlock(slot *db.DutySlot, reg *db.Registrant, reason, by string, now time.Time) (Effects, error) {
	if !slot.Locked {
		return Effects{}, ErrNotLocked
	}
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) < MinUnlockReasonLength {
		return Effects{}, fmt.Errorf("%w: reason must be at least %d characters", ErrInvalidInput, MinUnlockReasonLength)
	}
	by = strings.TrimSpace(by)
	if by == "" {
		return Effects{}, fmt.Errorf("%w: unlocked_by is required", ErrInvalidInput)
	}

	audit := &db.UnlockAudit{
		ID:         uuid.New(),
		SlotID:     slot.ID,
		DutyDate:   slot.DutyDate,
		DutyType:   slot.DutyType,
		Reason:     reason,
		UnlockedBy: by,
		UnlockedAt: now,
	}
	if reg != nil {
		audit.RegistrantName = reg.FullName
		audit.RegistrantITS = reg.ITSNumber
	}

	eff := Effects{
		CancelReminders:  true,
		CancelVoiceCalls: true,
		CloseRequests:    true,
		Audit:            audit,
	}
	if slot.RegistrantID != nil {
		id := *slot.RegistrantID
		eff.ReleaseRegistrant = &id
	}

	slot.RegistrantID = nil
	slot.Locked = false
	slot.LockedAt = nil
	slot.Status = db.SlotCancelled

	return eff, nil
}

// ChangeInput describes a volunteer's cancel or reallocate request.
type ChangeInput struct {
	Kind          db.RequestKind
	Reason        string
	PreferredDate *time.Time
	PreferredType *string
}

// RequestChange files a change request against a confirmed slot.
func RequestChange(slot *db.DutySlot, in ChangeInput, pendingExists bool, now time.Time) (*db.ChangeRequest, Effects, error) {
	if slot.Status != db.SlotConfirmed || slot.RegistrantID == nil {
		return nil, Effects{}, fmt.Errorf("%w: request change from %s", ErrInvalidTransition, slot.Status)
	}
	if pendingExists {
		return nil, Effects{}, db.ErrRequestPending
	}

	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, Effects{}, fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}

	req := &db.ChangeRequest{
		ID:           uuid.New(),
		SlotID:       slot.ID,
		RegistrantID: *slot.RegistrantID,
		Kind:         in.Kind,
		Status:       db.RequestPending,
		Reason:       reason,
		CreatedAt:    now,
	}

	switch in.Kind {
	case db.RequestCancel:
		slot.Status = db.SlotCancelRequested
	case db.RequestReallocate:
		var dutyType *string
		if in.PreferredType != nil {
			if t := strings.ToUpper(strings.TrimSpace(*in.PreferredType)); t != "" {
				dutyType = &t
			}
		}
		if in.PreferredDate == nil && dutyType == nil {
			return nil, Effects{}, fmt.Errorf("%w: reallocation needs a preferred date or duty type", ErrInvalidInput)
		}
		req.PreferredDate = in.PreferredDate
		req.PreferredType = dutyType
		slot.Status = db.SlotReallocationRequested
	default:
		return nil, Effects{}, fmt.Errorf("%w: unknown request kind %q", ErrInvalidInput, in.Kind)
	}

	return req, Effects{
		Jobs: []queue.Job{queue.New(queue.KindChangeRequestNotice, req.ID)},
	}, nil
}

func review(req *db.ChangeRequest, status db.RequestStatus, by string, now time.Time) error {
	if req.Status != db.RequestPending {
		return ErrRequestClosed
	}
	by = strings.TrimSpace(by)
	if by == "" {
		return fmt.Errorf("%w: reviewer is required", ErrInvalidInput)
	}
	req.Status = status
	req.ReviewedBy = &by
	req.ReviewedAt = &now
	return nil
}

// ApproveCancel cancels the slot. The registrant stays on the row for
// history; reminders and voice calls are cancelled.
func ApproveCancel(slot *db.DutySlot, req *db.ChangeRequest, by string, now time.Time) (Effects, error) {
	if req.Kind != db.RequestCancel || slot.Status != db.SlotCancelRequested {
		return Effects{}, fmt.Errorf("%w: approve %s from %s", ErrInvalidTransition, req.Kind, slot.Status)
	}
	if err := review(req, db.RequestApproved, by, now); err != nil {
		return Effects{}, err
	}

	slot.Status = db.SlotCancelled
	slot.Locked = false
	slot.LockedAt = nil

	eff := Effects{CancelReminders: true, CancelVoiceCalls: true}
	if slot.RegistrantID != nil {
		id := *slot.RegistrantID
		eff.ReleaseRegistrant = &id
	}
	return eff, nil
}

// ApproveReallocation moves the slot to the preferred date and duty type
// in place. A preference left empty keeps the slot's current value. The
// slot stays confirmed and locked; its reminder and voice call are rebuilt
// for the new schedule.
func ApproveReallocation(slot *db.DutySlot, req *db.ChangeRequest, by string, now time.Time) (Effects, error) {
	if req.Kind != db.RequestReallocate || slot.Status != db.SlotReallocationRequested {
		return Effects{}, fmt.Errorf("%w: approve %s from %s", ErrInvalidTransition, req.Kind, slot.Status)
	}
	if req.PreferredDate == nil && req.PreferredType == nil {
		return Effects{}, fmt.Errorf("%w: request has no preferred schedule", ErrInvalidInput)
	}
	if err := review(req, db.RequestApproved, by, now); err != nil {
		return Effects{}, err
	}

	if req.PreferredDate != nil {
		slot.DutyDate = *req.PreferredDate
	}
	if req.PreferredType != nil {
		slot.DutyType = *req.PreferredType
	}
	slot.Status = db.SlotConfirmed

	return Effects{
		CancelReminders:   true,
		CancelVoiceCalls:  true,
		ScheduleReminder:  true,
		ScheduleVoiceCall: true,
	}, nil
}

// Reject closes the request and returns the slot to confirmed.
func Reject(slot *db.DutySlot, req *db.ChangeRequest, by string, now time.Time) (Effects, error) {
	if err := review(req, db.RequestRejected, by, now); err != nil {
		return Effects{}, err
	}
	if slot.Status == db.SlotCancelRequested || slot.Status == db.SlotReallocationRequested {
		slot.Status = db.SlotConfirmed
	}
	return Effects{}, nil
}

// CheckMutable rejects edits of a locked slot.
func CheckMutable(slot *db.DutySlot) error {
	if slot.Locked {
		return ErrSlotLocked
	}
	return nil
}

// Edit changes the date or duty type of an unlocked, unassigned slot.
func Edit(slot *db.DutySlot, dutyDate *time.Time, dutyType *string) error {
	if err := CheckMutable(slot); err != nil {
		return err
	}
	if slot.Status != db.SlotPending {
		return fmt.Errorf("%w: edit from %s", ErrInvalidTransition, slot.Status)
	}
	if dutyDate != nil {
		slot.DutyDate = *dutyDate
	}
	if dutyType != nil {
		t := strings.ToUpper(strings.TrimSpace(*dutyType))
		if t == "" {
			return fmt.Errorf("%w: duty type is empty", ErrInvalidInput)
		}
		slot.DutyType = t
	}
	return nil
}
