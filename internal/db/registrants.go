package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrDuplicateRegistrant is returned when the ITS number is already registered.
var ErrDuplicateRegistrant = errors.New("registrant already exists")

const registrantColumns = `
	id, its_number, full_name, email, phone, preferences, status,
	whatsapp_sent, whatsapp_message_id, whatsapp_status, whatsapp_error,
	failed_reason, delivered_at, read_at, created_at, updated_at`

func scanRegistrant(row rowScanner) (*Registrant, error) {
	var reg Registrant
	err := row.Scan(
		&reg.ID,
		&reg.ITSNumber,
		&reg.FullName,
		&reg.Email,
		&reg.Phone,
		&reg.Preferences,
		&reg.Status,
		&reg.WhatsAppSent,
		&reg.WhatsAppMessageID,
		&reg.WhatsAppStatus,
		&reg.WhatsAppError,
		&reg.FailedReason,
		&reg.DeliveredAt,
		&reg.ReadAt,
		&reg.CreatedAt,
		&reg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// CreateRegistrant inserts a new registrant
func (q *Queries) CreateRegistrant(ctx context.Context, reg *Registrant) error {
	query := `
		INSERT INTO registrants (
			id, its_number, full_name, email, phone, preferences, status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		RETURNING created_at, updated_at
	`

	if reg.Preferences == nil {
		reg.Preferences = []string{}
	}

	err := q.q.QueryRow(ctx, query,
		reg.ID,
		reg.ITSNumber,
		reg.FullName,
		reg.Email,
		reg.Phone,
		reg.Preferences,
		reg.Status,
	).Scan(&reg.CreatedAt, &reg.UpdatedAt)

	if uniqueViolation(err, "registrants_its_number_key") {
		return fmt.Errorf("%w: %s", ErrDuplicateRegistrant, reg.ITSNumber)
	}
	if err != nil {
		q.logger.Error("failed to create registrant",
			zap.Error(err),
			zap.String("its_number", reg.ITSNumber),
		)
		return fmt.Errorf("insert registrant: %w", err)
	}

	q.logger.Info("registrant created",
		zap.String("registrant_id", reg.ID.String()),
		zap.String("its_number", reg.ITSNumber),
	)

	return nil
}

// GetRegistrant retrieves a registrant by ID
func (q *Queries) GetRegistrant(ctx context.Context, id uuid.UUID) (*Registrant, error) {
	query := `SELECT ` + registrantColumns + ` FROM registrants WHERE id = $1`

	reg, err := scanRegistrant(q.q.QueryRow(ctx, query, id))
	if notFound(err) {
		return nil, fmt.Errorf("registrant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query registrant: %w", err)
	}
	return reg, nil
}

// FindRegistrantByMessageID looks up the registrant whose confirmation
// message carries the given provider ID.
func (q *Queries) FindRegistrantByMessageID(ctx context.Context, messageID string) (*Registrant, error) {
	query := `SELECT ` + registrantColumns + ` FROM registrants WHERE whatsapp_message_id = $1`

	reg, err := scanRegistrant(q.q.QueryRow(ctx, query, messageID))
	if notFound(err) {
		return nil, fmt.Errorf("registrant with message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query registrant by message: %w", err)
	}
	return reg, nil
}

// UpdateRegistrantStatus sets the lifecycle status of a registrant
func (q *Queries) UpdateRegistrantStatus(ctx context.Context, id uuid.UUID, status RegistrantStatus) error {
	result, err := q.q.Exec(ctx,
		`UPDATE registrants SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("update registrant status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("registrant %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkRegistrantWhatsApp records a confirmation send. The sent flag is
// OR-ed in so it can never be cleared by a later failure.
func (q *Queries) MarkRegistrantWhatsApp(ctx context.Context, id uuid.UUID, res WhatsAppResult) error {
	query := `
		UPDATE registrants
		SET whatsapp_sent = whatsapp_sent OR $2,
		    whatsapp_message_id = COALESCE($3, whatsapp_message_id),
		    whatsapp_status = $4,
		    whatsapp_error = $5,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := q.q.Exec(ctx, query,
		id,
		res.Sent,
		nullIfEmpty(res.MessageID),
		nullIfEmpty(res.Status),
		nullIfEmpty(res.Error),
	)
	if err != nil {
		return fmt.Errorf("mark registrant whatsapp: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("registrant %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateRegistrantDelivery applies a provider status callback. It reports
// false when the stored status is already at or past d.Status.
func (q *Queries) UpdateRegistrantDelivery(ctx context.Context, id uuid.UUID, d Delivery) (bool, error) {
	query := `
		UPDATE registrants
		SET whatsapp_status = $2::text,
		    delivered_at = CASE WHEN $2::text IN ('DELIVERED', 'READ') THEN COALESCE(delivered_at, $3) ELSE delivered_at END,
		    read_at = CASE WHEN $2::text = 'READ' THEN COALESCE(read_at, $3) ELSE read_at END,
		    failed_reason = CASE WHEN $2::text = 'FAILED' THEN $4::text ELSE failed_reason END,
		    updated_at = NOW()
		WHERE id = $1
		  AND ` + deliveryRankSQL("whatsapp_status") + ` < ` + deliveryRankSQL("$2::text")

	result, err := q.q.Exec(ctx, query, id, d.Status, d.At, nullIfEmpty(d.FailedReason))
	if err != nil {
		return false, fmt.Errorf("update registrant delivery: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// CountActiveSlots counts slots still held by the registrant, including
// slots with an open change request.
func (q *Queries) CountActiveSlots(ctx context.Context, registrantID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*) FROM duty_slots
		WHERE registrant_id = $1
		  AND status IN ('confirmed', 'cancel_requested', 'reallocation_requested')
	`

	var n int
	if err := q.q.QueryRow(ctx, query, registrantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active slots: %w", err)
	}
	return n, nil
}
