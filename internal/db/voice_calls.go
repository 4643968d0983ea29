package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const voiceCallColumns = `
	id, slot_id, registrant_id, scheduled_at, status, attempts, call_sid,
	last_error, created_at, updated_at`

func scanVoiceCall(row rowScanner) (*VoiceCall, error) {
	var v VoiceCall
	err := row.Scan(
		&v.ID,
		&v.SlotID,
		&v.RegistrantID,
		&v.ScheduledAt,
		&v.Status,
		&v.Attempts,
		&v.CallSID,
		&v.LastError,
		&v.CreatedAt,
		&v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// PendingVoiceCallExists reports whether the slot already has a PENDING call
func (q *Queries) PendingVoiceCallExists(ctx context.Context, slotID uuid.UUID) (bool, error) {
	var exists bool
	err := q.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM voice_calls WHERE slot_id = $1 AND status = 'PENDING')`,
		slotID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending voice call: %w", err)
	}
	return exists, nil
}

// InsertVoiceCall creates a PENDING voice call. It reports false when a
// PENDING call already exists for the same registrant and time.
func (q *Queries) InsertVoiceCall(ctx context.Context, v *VoiceCall) (bool, error) {
	query := `
		INSERT INTO voice_calls (id, slot_id, registrant_id, scheduled_at, status)
		VALUES ($1, $2, $3, $4, 'PENDING')
		ON CONFLICT (registrant_id, scheduled_at) WHERE status = 'PENDING' DO NOTHING
	`

	result, err := q.q.Exec(ctx, query, v.ID, v.SlotID, v.RegistrantID, v.ScheduledAt)
	if err != nil {
		return false, fmt.Errorf("insert voice call: %w", err)
	}
	if result.RowsAffected() == 0 {
		q.logger.Debug("voice call already scheduled",
			zap.String("registrant_id", v.RegistrantID.String()),
			zap.Time("scheduled_at", v.ScheduledAt),
		)
		return false, nil
	}

	v.Status = VoicePending
	return true, nil
}

// CancelPendingVoiceCalls fails every PENDING voice call of a slot
func (q *Queries) CancelPendingVoiceCalls(ctx context.Context, slotID uuid.UUID) (int64, error) {
	result, err := q.q.Exec(ctx, `
		UPDATE voice_calls
		SET status = 'FAILED', last_error = 'cancelled', updated_at = NOW()
		WHERE slot_id = $1 AND status = 'PENDING'
	`, slotID)
	if err != nil {
		return 0, fmt.Errorf("cancel voice calls: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetVoiceCall retrieves a voice call by ID
func (q *Queries) GetVoiceCall(ctx context.Context, id uuid.UUID) (*VoiceCall, error) {
	v, err := scanVoiceCall(q.q.QueryRow(ctx, `SELECT `+voiceCallColumns+` FROM voice_calls WHERE id = $1`, id))
	if notFound(err) {
		return nil, fmt.Errorf("voice call %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query voice call: %w", err)
	}
	return v, nil
}

// ListDueVoiceCallIDs snapshots voice calls that are due at now
func (q *Queries) ListDueVoiceCallIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM voice_calls
		WHERE status = 'PENDING' AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2
	`
	return q.listIDs(ctx, query, now, limit)
}

// ClaimVoiceCall locks a due PENDING voice call, skipping rows held by
// another worker.
func (q *Queries) ClaimVoiceCall(ctx context.Context, id uuid.UUID, now time.Time) (*VoiceCall, error) {
	query := `
		SELECT ` + voiceCallColumns + ` FROM voice_calls
		WHERE id = $1 AND status = 'PENDING' AND scheduled_at <= $2
		FOR UPDATE SKIP LOCKED
	`

	v, err := scanVoiceCall(q.q.QueryRow(ctx, query, id, now))
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim voice call: %w", err)
	}
	return v, nil
}

// UpdateVoiceCall persists the result of a call attempt
func (q *Queries) UpdateVoiceCall(ctx context.Context, v *VoiceCall) error {
	query := `
		UPDATE voice_calls
		SET status = $2, attempts = $3, call_sid = COALESCE($4, call_sid),
		    last_error = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := q.q.QueryRow(ctx, query, v.ID, v.Status, v.Attempts, v.CallSID, v.LastError).Scan(&v.UpdatedAt)
	if notFound(err) {
		return fmt.Errorf("voice call %s: %w", v.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update voice call: %w", err)
	}
	return nil
}

// ListVoiceCalls returns voice calls for the admin read view. An empty
// status lists every call.
func (q *Queries) ListVoiceCalls(ctx context.Context, status VoiceCallStatus, limit, offset int) ([]*VoiceCall, error) {
	query := `
		SELECT ` + voiceCallColumns + ` FROM voice_calls
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY scheduled_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := q.q.Query(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query voice calls: %w", err)
	}
	defer rows.Close()

	var calls []*VoiceCall
	for rows.Next() {
		v, err := scanVoiceCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan voice call: %w", err)
		}
		calls = append(calls, v)
	}
	return calls, rows.Err()
}

// DeleteTerminalVoiceCalls removes SENT and FAILED calls older than the cutoff
func (q *Queries) DeleteTerminalVoiceCalls(ctx context.Context, before time.Time) (int64, error) {
	result, err := q.q.Exec(ctx,
		`DELETE FROM voice_calls WHERE status IN ('SENT', 'FAILED') AND updated_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal voice calls: %w", err)
	}
	return result.RowsAffected(), nil
}
