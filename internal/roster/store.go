package roster

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/khidmat/internal/db"
	"github.com/lalithlochan/khidmat/internal/scheduler"
)

// Tx is the query surface available inside a roster transaction.
type Tx interface {
	scheduler.Store

	CreateRegistrant(ctx context.Context, reg *db.Registrant) error
	GetRegistrant(ctx context.Context, id uuid.UUID) (*db.Registrant, error)
	UpdateRegistrantStatus(ctx context.Context, id uuid.UUID, status db.RegistrantStatus) error
	CountActiveSlots(ctx context.Context, registrantID uuid.UUID) (int, error)

	LockSlot(ctx context.Context, id uuid.UUID) (*db.DutySlot, error)
	LockActiveSlot(ctx context.Context, dutyDate time.Time, dutyType string) (*db.DutySlot, error)
	InsertSlot(ctx context.Context, slot *db.DutySlot) error
	UpdateSlot(ctx context.Context, slot *db.DutySlot) error
	InsertUnlockAudit(ctx context.Context, audit *db.UnlockAudit) error

	PendingRequestExists(ctx context.Context, slotID uuid.UUID) (bool, error)
	InsertChangeRequest(ctx context.Context, cr *db.ChangeRequest) error
	GetChangeRequest(ctx context.Context, id uuid.UUID) (*db.ChangeRequest, error)
	LockChangeRequest(ctx context.Context, id uuid.UUID) (*db.ChangeRequest, error)
	UpdateChangeRequest(ctx context.Context, cr *db.ChangeRequest) error
	RejectPendingRequests(ctx context.Context, slotID uuid.UUID, by string, at time.Time) (int64, error)

	// Savepoint runs fn so that its failure rolls back only fn's writes.
	Savepoint(ctx context.Context, fn func(Tx) error) error
}

// Store opens roster transactions.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

// PostgresStore adapts db.Repository to Store.
type PostgresStore struct {
	repo *db.Repository
}

// NewPostgresStore creates a Store backed by Postgres.
func NewPostgresStore(repo *db.Repository) *PostgresStore {
	return &PostgresStore{repo: repo}
}

// InTx runs fn in a single Postgres transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return s.repo.InTx(ctx, func(q *db.Queries) error {
		return fn(pgTx{q})
	})
}

type pgTx struct {
	*db.Queries
}

func (t pgTx) Savepoint(ctx context.Context, fn func(Tx) error) error {
	return t.Queries.Savepoint(ctx, func(q *db.Queries) error {
		return fn(pgTx{q})
	})
}
