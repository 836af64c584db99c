package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/foodops/internal/shared"
)

// SQLSTATE codes classified by ClassifyError.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
)

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
// The transaction is rolled back whenever fn returns an error, so every write
// made through tx is discarded together.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return ClassifyError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ClassifyError(fmt.Errorf("platform/db: commit tx: %w", err))
	}

	return nil
}

// ClassifyError maps postgres conflict codes onto the shared error taxonomy.
// Errors that are not postgres errors are returned unchanged.
func ClassifyError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return fmt.Errorf("%w: %s", shared.ErrConcurrentUpdate, pgErr.Message)
	case codeUniqueViolation:
		return fmt.Errorf("%w: %s", shared.ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
