package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/planflow/internal/platform/apperror"
)

var (
	// ErrUniqueViolation is returned when an insert or update collides with a
	// unique constraint. Callers that allocate sequence numbers retry on it.
	ErrUniqueViolation = errors.New("unique constraint violation")
	// ErrRetryable marks serialization failures and deadlocks.
	ErrRetryable = errors.New("transaction conflict (retryable)")
)

// ConstraintError carries the violated constraint's name.
type ConstraintError struct {
	Constraint string
	Err        error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.Constraint)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

// MapError maps driver errors onto the application's sentinels. Errors that
// do not originate in PostgreSQL are returned unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperror.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return &ConstraintError{Constraint: pgErr.ConstraintName, Err: ErrUniqueViolation}

	case pgerrcode.ForeignKeyViolation:
		// A reference to a row that does not exist in this tenant.
		return fmt.Errorf("%w: %s", apperror.ErrNotFound, pgErr.ConstraintName)

	case pgerrcode.CheckViolation:
		return apperror.Invalid(pgErr.ColumnName, "violates constraint "+pgErr.ConstraintName)

	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return fmt.Errorf("%w: %s", ErrRetryable, pgErr.Message)

	case pgerrcode.QueryCanceled:
		return fmt.Errorf("query canceled: %w", err)

	default:
		return fmt.Errorf("postgres error [%s]: %s (detail: %s): %w",
			pgErr.Code, pgErr.Message, pgErr.Detail, err)
	}
}

// IsUniqueViolation reports whether err is a unique violation on constraint.
// An empty constraint matches any.
func IsUniqueViolation(err error, constraint string) bool {
	var ce *ConstraintError
	if !errors.As(err, &ce) || !errors.Is(ce.Err, ErrUniqueViolation) {
		return false
	}
	return constraint == "" || ce.Constraint == constraint
}
