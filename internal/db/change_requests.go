package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const pendingRequestIndex = "change_requests_one_pending_idx"

const changeRequestColumns = `
	id, slot_id, registrant_id, kind, status, reason, preferred_date,
	preferred_type, reviewed_by, reviewed_at, created_at`

func scanChangeRequest(row rowScanner) (*ChangeRequest, error) {
	var cr ChangeRequest
	err := row.Scan(
		&cr.ID,
		&cr.SlotID,
		&cr.RegistrantID,
		&cr.Kind,
		&cr.Status,
		&cr.Reason,
		&cr.PreferredDate,
		&cr.PreferredType,
		&cr.ReviewedBy,
		&cr.ReviewedAt,
		&cr.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cr, nil
}

// PendingRequestExists reports whether the slot has an unreviewed request
func (q *Queries) PendingRequestExists(ctx context.Context, slotID uuid.UUID) (bool, error) {
	var exists bool
	err := q.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM change_requests WHERE slot_id = $1 AND status = 'pending')`,
		slotID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending request: %w", err)
	}
	return exists, nil
}

// InsertChangeRequest files a pending request. The partial unique index
// backs up the in-transaction existence check.
func (q *Queries) InsertChangeRequest(ctx context.Context, cr *ChangeRequest) error {
	query := `
		INSERT INTO change_requests (
			id, slot_id, registrant_id, kind, status, reason, preferred_date, preferred_type
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING created_at
	`

	err := q.q.QueryRow(ctx, query,
		cr.ID,
		cr.SlotID,
		cr.RegistrantID,
		cr.Kind,
		cr.Status,
		cr.Reason,
		cr.PreferredDate,
		cr.PreferredType,
	).Scan(&cr.CreatedAt)

	if uniqueViolation(err, pendingRequestIndex) {
		return fmt.Errorf("slot %s: %w", cr.SlotID, ErrRequestPending)
	}
	if err != nil {
		return fmt.Errorf("insert change request: %w", err)
	}
	return nil
}

// GetChangeRequest retrieves a change request by ID
func (q *Queries) GetChangeRequest(ctx context.Context, id uuid.UUID) (*ChangeRequest, error) {
	return q.getChangeRequest(ctx, `SELECT `+changeRequestColumns+` FROM change_requests WHERE id = $1`, id)
}

// LockChangeRequest retrieves a change request under a row lock
func (q *Queries) LockChangeRequest(ctx context.Context, id uuid.UUID) (*ChangeRequest, error) {
	return q.getChangeRequest(ctx, `SELECT `+changeRequestColumns+` FROM change_requests WHERE id = $1 FOR UPDATE`, id)
}

func (q *Queries) getChangeRequest(ctx context.Context, query string, id uuid.UUID) (*ChangeRequest, error) {
	cr, err := scanChangeRequest(q.q.QueryRow(ctx, query, id))
	if notFound(err) {
		return nil, fmt.Errorf("change request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query change request: %w", err)
	}
	return cr, nil
}

// UpdateChangeRequest records the review of a request
func (q *Queries) UpdateChangeRequest(ctx context.Context, cr *ChangeRequest) error {
	result, err := q.q.Exec(ctx, `
		UPDATE change_requests
		SET status = $2, reviewed_by = $3, reviewed_at = $4
		WHERE id = $1
	`, cr.ID, cr.Status, cr.ReviewedBy, cr.ReviewedAt)
	if err != nil {
		return fmt.Errorf("update change request: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("change request %s: %w", cr.ID, ErrNotFound)
	}
	return nil
}

// ListChangeRequests returns requests with the given status, oldest first.
// An empty status lists every request.
func (q *Queries) ListChangeRequests(ctx context.Context, status RequestStatus, limit int) ([]*ChangeRequest, error) {
	query := `
		SELECT ` + changeRequestColumns + ` FROM change_requests
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at
		LIMIT $2
	`

	rows, err := q.q.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query change requests: %w", err)
	}
	defer rows.Close()

	var requests []*ChangeRequest
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change request: %w", err)
		}
		requests = append(requests, cr)
	}
	return requests, rows.Err()
}

// RejectPendingRequests closes every pending request of a slot, used when
// the slot is unlocked underneath them.
func (q *Queries) RejectPendingRequests(ctx context.Context, slotID uuid.UUID, by string, at time.Time) (int64, error) {
	result, err := q.q.Exec(ctx, `
		UPDATE change_requests
		SET status = 'rejected', reviewed_by = $2, reviewed_at = $3
		WHERE slot_id = $1 AND status = 'pending'
	`, slotID, by, at)
	if err != nil {
		return 0, fmt.Errorf("reject pending requests: %w", err)
	}
	return result.RowsAffected(), nil
}
