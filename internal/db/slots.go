package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const slotIdentityIndex = "duty_slots_active_identity_idx"

const slotColumns = `
	id, duty_date, duty_type, registrant_id, locked, locked_at, status,
	allotment_notified, allotment_message_id, allotment_status, created_at, updated_at`

func scanSlot(row rowScanner) (*DutySlot, error) {
	var s DutySlot
	err := row.Scan(
		&s.ID,
		&s.DutyDate,
		&s.DutyType,
		&s.RegistrantID,
		&s.Locked,
		&s.LockedAt,
		&s.Status,
		&s.AllotmentNotified,
		&s.AllotmentMessageID,
		&s.AllotmentStatus,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (q *Queries) getSlot(ctx context.Context, query string, args ...any) (*DutySlot, error) {
	slot, err := scanSlot(q.q.QueryRow(ctx, query, args...))
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query duty slot: %w", err)
	}
	return slot, nil
}

// GetSlot retrieves a duty slot by ID without locking it
func (q *Queries) GetSlot(ctx context.Context, id uuid.UUID) (*DutySlot, error) {
	slot, err := q.getSlot(ctx, `SELECT `+slotColumns+` FROM duty_slots WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("duty slot %s: %w", id, err)
	}
	return slot, nil
}

// LockSlot retrieves a duty slot and holds its row lock until the
// transaction ends. All slot transitions go through this lock.
func (q *Queries) LockSlot(ctx context.Context, id uuid.UUID) (*DutySlot, error) {
	slot, err := q.getSlot(ctx, `SELECT `+slotColumns+` FROM duty_slots WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, fmt.Errorf("lock duty slot %s: %w", id, err)
	}
	return slot, nil
}

// LockActiveSlot locks the non-cancelled slot for a (date, duty type) pair.
func (q *Queries) LockActiveSlot(ctx context.Context, dutyDate time.Time, dutyType string) (*DutySlot, error) {
	query := `
		SELECT ` + slotColumns + ` FROM duty_slots
		WHERE duty_date = $1 AND duty_type = $2 AND status <> 'cancelled'
		FOR UPDATE
	`
	slot, err := q.getSlot(ctx, query, dutyDate, dutyType)
	if err != nil {
		return nil, fmt.Errorf("lock duty slot %s %s: %w", dutyDate.Format(time.DateOnly), dutyType, err)
	}
	return slot, nil
}

// InsertSlot creates a duty slot. A second active slot for the same
// (date, duty type) fails with ErrSlotTaken.
func (q *Queries) InsertSlot(ctx context.Context, slot *DutySlot) error {
	query := `
		INSERT INTO duty_slots (
			id, duty_date, duty_type, registrant_id, locked, locked_at, status, allotment_notified
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING created_at, updated_at
	`

	err := q.q.QueryRow(ctx, query,
		slot.ID,
		slot.DutyDate,
		slot.DutyType,
		slot.RegistrantID,
		slot.Locked,
		slot.LockedAt,
		slot.Status,
		slot.AllotmentNotified,
	).Scan(&slot.CreatedAt, &slot.UpdatedAt)

	if uniqueViolation(err, slotIdentityIndex) {
		return fmt.Errorf("%w: %s %s", ErrSlotTaken, slot.DutyDate.Format(time.DateOnly), slot.DutyType)
	}
	if err != nil {
		q.logger.Error("failed to insert duty slot",
			zap.Error(err),
			zap.String("slot_id", slot.ID.String()),
		)
		return fmt.Errorf("insert duty slot: %w", err)
	}
	return nil
}

// UpdateSlot persists the mutable fields of a slot after a transition
func (q *Queries) UpdateSlot(ctx context.Context, slot *DutySlot) error {
	query := `
		UPDATE duty_slots
		SET duty_date = $2, duty_type = $3, registrant_id = $4,
		    locked = $5, locked_at = $6, status = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := q.q.QueryRow(ctx, query,
		slot.ID,
		slot.DutyDate,
		slot.DutyType,
		slot.RegistrantID,
		slot.Locked,
		slot.LockedAt,
		slot.Status,
	).Scan(&slot.UpdatedAt)

	if uniqueViolation(err, slotIdentityIndex) {
		return fmt.Errorf("%w: %s %s", ErrSlotTaken, slot.DutyDate.Format(time.DateOnly), slot.DutyType)
	}
	if notFound(err) {
		return fmt.Errorf("duty slot %s: %w", slot.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update duty slot: %w", err)
	}
	return nil
}

// MarkAllotment records the allotment notice send for a slot
func (q *Queries) MarkAllotment(ctx context.Context, slotID uuid.UUID, res WhatsAppResult) error {
	query := `
		UPDATE duty_slots
		SET allotment_notified = allotment_notified OR $2,
		    allotment_message_id = COALESCE($3, allotment_message_id),
		    allotment_status = $4,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := q.q.Exec(ctx, query, slotID, res.Sent, nullIfEmpty(res.MessageID), nullIfEmpty(res.Status))
	if err != nil {
		return fmt.Errorf("mark allotment: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("duty slot %s: %w", slotID, ErrNotFound)
	}
	return nil
}

// FindSlotByAllotmentMessageID looks up a slot by its allotment message ID
func (q *Queries) FindSlotByAllotmentMessageID(ctx context.Context, messageID string) (*DutySlot, error) {
	slot, err := q.getSlot(ctx, `SELECT `+slotColumns+` FROM duty_slots WHERE allotment_message_id = $1`, messageID)
	if err != nil {
		return nil, fmt.Errorf("duty slot with message %s: %w", messageID, err)
	}
	return slot, nil
}

// UpdateSlotDelivery applies a provider status callback to the allotment
// message. It reports false when the stored status is not behind d.Status.
func (q *Queries) UpdateSlotDelivery(ctx context.Context, id uuid.UUID, d Delivery) (bool, error) {
	query := `
		UPDATE duty_slots SET allotment_status = $2::text, updated_at = NOW()
		WHERE id = $1
		  AND ` + deliveryRankSQL("allotment_status") + ` < ` + deliveryRankSQL("$2::text")

	result, err := q.q.Exec(ctx, query, id, d.Status)
	if err != nil {
		return false, fmt.Errorf("update slot delivery: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListSlots returns slots between two dates, inclusive
func (q *Queries) ListSlots(ctx context.Context, from, to time.Time) ([]*DutySlot, error) {
	query := `
		SELECT ` + slotColumns + ` FROM duty_slots
		WHERE duty_date BETWEEN $1 AND $2
		ORDER BY duty_date, duty_type
	`

	rows, err := q.q.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query duty slots: %w", err)
	}
	defer rows.Close()

	var slots []*DutySlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan duty slot: %w", err)
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duty slots: %w", err)
	}
	return slots, nil
}

// InsertUnlockAudit writes an unlock snapshot
func (q *Queries) InsertUnlockAudit(ctx context.Context, audit *UnlockAudit) error {
	query := `
		INSERT INTO unlock_audits (
			id, slot_id, duty_date, duty_type, registrant_name, registrant_its,
			reason, unlocked_by, unlocked_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
	`

	_, err := q.q.Exec(ctx, query,
		audit.ID,
		audit.SlotID,
		audit.DutyDate,
		audit.DutyType,
		audit.RegistrantName,
		audit.RegistrantITS,
		audit.Reason,
		audit.UnlockedBy,
		audit.UnlockedAt,
	)
	if err != nil {
		return fmt.Errorf("insert unlock audit: %w", err)
	}

	q.logger.Info("slot unlock audited",
		zap.String("slot_id", audit.SlotID.String()),
		zap.String("registrant_its", audit.RegistrantITS),
		zap.String("unlocked_by", audit.UnlockedBy),
	)
	return nil
}
