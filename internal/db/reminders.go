package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const reminderColumns = `
	id, slot_id, registrant_id, scheduled_at, email_sent, whatsapp_sent,
	email_attempts, whatsapp_attempts, status, last_error, whatsapp_message_id,
	whatsapp_status, delivered_at, read_at, sent_at, created_at, updated_at`

func scanReminder(row rowScanner) (*Reminder, error) {
	var r Reminder
	err := row.Scan(
		&r.ID,
		&r.SlotID,
		&r.RegistrantID,
		&r.ScheduledAt,
		&r.EmailSent,
		&r.WhatsAppSent,
		&r.EmailAttempts,
		&r.WhatsAppAttempts,
		&r.Status,
		&r.LastError,
		&r.WhatsAppMessageID,
		&r.WhatsAppStatus,
		&r.DeliveredAt,
		&r.ReadAt,
		&r.SentAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertReminder creates a PENDING reminder for a slot
func (q *Queries) InsertReminder(ctx context.Context, r *Reminder) error {
	query := `
		INSERT INTO reminders (id, slot_id, registrant_id, scheduled_at, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err := q.q.QueryRow(ctx, query, r.ID, r.SlotID, r.RegistrantID, r.ScheduledAt, r.Status).
		Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		q.logger.Error("failed to insert reminder",
			zap.Error(err),
			zap.String("slot_id", r.SlotID.String()),
		)
		return fmt.Errorf("insert reminder: %w", err)
	}

	q.logger.Info("reminder scheduled",
		zap.String("reminder_id", r.ID.String()),
		zap.String("slot_id", r.SlotID.String()),
		zap.Time("scheduled_at", r.ScheduledAt),
	)
	return nil
}

// CancelPendingReminders marks every PENDING reminder of a slot CANCELLED
func (q *Queries) CancelPendingReminders(ctx context.Context, slotID uuid.UUID) (int64, error) {
	result, err := q.q.Exec(ctx,
		`UPDATE reminders SET status = 'CANCELLED', updated_at = NOW() WHERE slot_id = $1 AND status = 'PENDING'`,
		slotID,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel reminders: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetReminder retrieves a reminder by ID
func (q *Queries) GetReminder(ctx context.Context, id uuid.UUID) (*Reminder, error) {
	r, err := scanReminder(q.q.QueryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id))
	if notFound(err) {
		return nil, fmt.Errorf("reminder %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query reminder: %w", err)
	}
	return r, nil
}

// ListDueReminderIDs snapshots the reminders that are due at now
func (q *Queries) ListDueReminderIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM reminders
		WHERE status = 'PENDING' AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2
	`
	return q.listIDs(ctx, query, now, limit)
}

// ClaimReminder locks a due PENDING reminder. Rows locked by another
// worker are skipped and reported as ErrNotFound, so concurrent sweeps
// never process the same reminder at the same time.
func (q *Queries) ClaimReminder(ctx context.Context, id uuid.UUID, now time.Time) (*Reminder, error) {
	query := `
		SELECT ` + reminderColumns + ` FROM reminders
		WHERE id = $1 AND status = 'PENDING' AND scheduled_at <= $2
		FOR UPDATE SKIP LOCKED
	`

	r, err := scanReminder(q.q.QueryRow(ctx, query, id, now))
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim reminder: %w", err)
	}
	return r, nil
}

// UpdateReminder persists dispatch progress. Sent flags are OR-ed in.
func (q *Queries) UpdateReminder(ctx context.Context, r *Reminder) error {
	query := `
		UPDATE reminders
		SET email_sent = email_sent OR $2,
		    whatsapp_sent = whatsapp_sent OR $3,
		    email_attempts = $4,
		    whatsapp_attempts = $5,
		    status = $6,
		    last_error = $7,
		    whatsapp_message_id = COALESCE($8, whatsapp_message_id),
		    whatsapp_status = $9,
		    sent_at = $10,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := q.q.QueryRow(ctx, query,
		r.ID,
		r.EmailSent,
		r.WhatsAppSent,
		r.EmailAttempts,
		r.WhatsAppAttempts,
		r.Status,
		r.LastError,
		r.WhatsAppMessageID,
		r.WhatsAppStatus,
		r.SentAt,
	).Scan(&r.UpdatedAt)
	if notFound(err) {
		return fmt.Errorf("reminder %s: %w", r.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update reminder: %w", err)
	}
	return nil
}

// InsertReminderLog appends one attempt to the reminder audit trail
func (q *Queries) InsertReminderLog(ctx context.Context, l *ReminderLog) error {
	query := `
		INSERT INTO reminder_logs (id, reminder_id, channel, success, message)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	if err := q.q.QueryRow(ctx, query, l.ID, l.ReminderID, l.Channel, l.Success, l.Message).Scan(&l.CreatedAt); err != nil {
		return fmt.Errorf("insert reminder log: %w", err)
	}
	return nil
}

// ListReminderLogs returns the attempt history of a reminder, oldest first
func (q *Queries) ListReminderLogs(ctx context.Context, reminderID uuid.UUID) ([]*ReminderLog, error) {
	rows, err := q.q.Query(ctx,
		`SELECT id, reminder_id, channel, success, message, created_at
		 FROM reminder_logs WHERE reminder_id = $1 ORDER BY created_at`,
		reminderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query reminder logs: %w", err)
	}
	defer rows.Close()

	var logs []*ReminderLog
	for rows.Next() {
		var l ReminderLog
		if err := rows.Scan(&l.ID, &l.ReminderID, &l.Channel, &l.Success, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reminder log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// FindReminderByMessageID looks up a reminder by its WhatsApp message ID
func (q *Queries) FindReminderByMessageID(ctx context.Context, messageID string) (*Reminder, error) {
	r, err := scanReminder(q.q.QueryRow(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE whatsapp_message_id = $1`, messageID))
	if notFound(err) {
		return nil, fmt.Errorf("reminder with message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query reminder by message: %w", err)
	}
	return r, nil
}

// UpdateReminderDelivery applies a provider status callback. It reports
// false when the stored status is already at or past d.Status.
func (q *Queries) UpdateReminderDelivery(ctx context.Context, id uuid.UUID, d Delivery) (bool, error) {
	query := `
		UPDATE reminders
		SET whatsapp_status = $2::text,
		    delivered_at = CASE WHEN $2::text IN ('DELIVERED', 'READ') THEN COALESCE(delivered_at, $3) ELSE delivered_at END,
		    read_at = CASE WHEN $2::text = 'READ' THEN COALESCE(read_at, $3) ELSE read_at END,
		    last_error = CASE WHEN $2::text = 'FAILED' THEN $4::text ELSE last_error END,
		    updated_at = NOW()
		WHERE id = $1
		  AND ` + deliveryRankSQL("whatsapp_status") + ` < ` + deliveryRankSQL("$2::text")

	result, err := q.q.Exec(ctx, query, id, d.Status, d.At, nullIfEmpty(d.FailedReason))
	if err != nil {
		return false, fmt.Errorf("update reminder delivery: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListReminders returns reminders for the admin read view, newest first.
// An empty status lists every reminder.
func (q *Queries) ListReminders(ctx context.Context, status ReminderStatus, limit, offset int) ([]*Reminder, error) {
	query := `
		SELECT ` + reminderColumns + ` FROM reminders
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY scheduled_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := q.q.Query(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	var reminders []*Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

// DeleteTerminalReminders removes SENT, FAILED and CANCELLED reminders last
// touched before the cutoff. Their logs cascade.
func (q *Queries) DeleteTerminalReminders(ctx context.Context, before time.Time) (int64, error) {
	result, err := q.q.Exec(ctx, `
		DELETE FROM reminders
		WHERE status IN ('SENT', 'FAILED', 'CANCELLED')
		  AND COALESCE(sent_at, updated_at) < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("delete terminal reminders: %w", err)
	}
	return result.RowsAffected(), nil
}

func (q *Queries) listIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := q.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
