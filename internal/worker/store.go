package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/khidmat/internal/db"
)

// Queries are the reads and writes the dispatcher performs. *db.Queries
// satisfies it both on the pool and inside a transaction.
type Queries interface {
	GetRegistrant(ctx context.Context, id uuid.UUID) (*db.Registrant, error)
	MarkRegistrantWhatsApp(ctx context.Context, id uuid.UUID, res db.WhatsAppResult) error

	GetSlot(ctx context.Context, id uuid.UUID) (*db.DutySlot, error)
	MarkAllotment(ctx context.Context, slotID uuid.UUID, res db.WhatsAppResult) error

	GetChangeRequest(ctx context.Context, id uuid.UUID) (*db.ChangeRequest, error)

	ClaimReminder(ctx context.Context, id uuid.UUID, now time.Time) (*db.Reminder, error)
	UpdateReminder(ctx context.Context, r *db.Reminder) error
	InsertReminderLog(ctx context.Context, l *db.ReminderLog) error

	ClaimVoiceCall(ctx context.Context, id uuid.UUID, now time.Time) (*db.VoiceCall, error)
	UpdateVoiceCall(ctx context.Context, v *db.VoiceCall) error
}

// Store adds transactions to Queries. Reminder and voice call dispatch run
// inside one transaction that holds the claimed row lock.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(Queries) error) error
}

// PostgresStore adapts db.Repository to Store.
type PostgresStore struct {
	*db.Repository
}

func NewPostgresStore(repo *db.Repository) *PostgresStore {
	return &PostgresStore{Repository: repo}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Queries) error) error {
	return s.Repository.InTx(ctx, func(q *db.Queries) error {
		return fn(q)
	})
}

// SheetExporter appends a registrant to the registration spreadsheet.
type SheetExporter interface {
	AppendRegistrant(ctx context.Context, reg *db.Registrant) error
}
