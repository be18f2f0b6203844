package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/ticker-collector/internal/domain"
)

// querier is the surface shared by the pool and an open transaction, letting
// the repos run the same statements inside or outside a tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// classify maps driver errors into the domain taxonomy. Connection-level
// failures are transient (retryable by the job loop); constraint violations
// are conflicts; everything else stays wrapped as-is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "53", "57": // connection, insufficient resources, operator intervention
			return fmt.Errorf("%w: %w", domain.ErrTransient, err)
		case "23": // integrity constraint violation
			return fmt.Errorf("%w: %w", domain.ErrConflict, err)
		}
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	return err
}
