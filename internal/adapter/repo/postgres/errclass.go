package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/event-ingestor/internal/domain"
)

// uniqueViolation is the SQLSTATE for a unique constraint conflict.
const uniqueViolation = "23505"

// classify wraps a driver error with the matching domain sentinel so callers
// can branch on errors.Is without importing pgconn.
//
// Taxonomy:
//   - 23505 on the idempotency index -> ErrConflict
//   - connection loss (08xxx), serialization failure (40001), deadlock
//     (40P01) -> transient; returned as-is for loop-level retry
//   - authentication (28xxx), schema/permission (42xxx, 3D/3F) -> ErrFatalStore
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == uniqueViolation:
		return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.ConstraintName)
	case isFatalClass(pgErr.Code):
		return fmt.Errorf("%w: %s (%s)", domain.ErrFatalStore, pgErr.Message, pgErr.Code)
	default:
		return err
	}
}

func isFatalClass(code string) bool {
	if len(code) < 2 {
		return false
	}
	switch code[:2] {
	case "28", "42", "3D", "3F":
		return true
	}
	return strings.HasPrefix(code, "0A") // feature not supported
}

// IsUniqueViolation reports whether err is a unique constraint conflict.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
