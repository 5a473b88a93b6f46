package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the minimal pool capability needed for the readiness probe.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// BuildDBCheck returns the readiness probe: a trivial SELECT 1 round-trip.
func BuildDBCheck(pool Execer) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		if _, err := pool.Exec(ctx, "SELECT 1"); err != nil {
			return fmt.Errorf("db ping: %w", err)
		}
		return nil
	}
}
