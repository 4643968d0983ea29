package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Queries holds every roster and notification query. It runs against the
// pool or, inside InTx, against the open transaction.
type Queries struct {
	q      DBTX
	tx     pgx.Tx
	logger *zap.Logger
}

// Repository is the pool-backed entry point to Queries and transactions
type Repository struct {
	*Queries
	db *DB
}

// NewRepository creates a new roster repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		Queries: &Queries{q: db.Pool(), logger: logger},
		db:      db,
	}
}

// NewQueries wraps an arbitrary DBTX. Used by khidmatctl and by callers
// that manage their own transactions.
func NewQueries(q DBTX, logger *zap.Logger) *Queries {
	tx, _ := q.(pgx.Tx)
	return &Queries{q: q, tx: tx, logger: logger}
}

// InTx runs fn with Queries bound to a single transaction.
func (r *Repository) InTx(ctx context.Context, fn func(q *Queries) error) error {
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		return fn(&Queries{q: tx, tx: tx, logger: r.logger})
	})
}

// Savepoint runs fn inside a nested transaction. A failure inside fn rolls
// back only the work done by fn; the enclosing transaction stays usable.
// Outside a transaction fn runs directly against the pool.
func (q *Queries) Savepoint(ctx context.Context, fn func(q *Queries) error) error {
	if q.tx == nil {
		return fn(q)
	}

	sp, err := q.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	defer func() { _ = sp.Rollback(ctx) }()

	if err := fn(&Queries{q: sp, tx: sp, logger: q.logger}); err != nil {
		return err
	}

	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func uniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}

func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
