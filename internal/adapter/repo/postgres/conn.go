// Package postgres implements the domain.JobStore against PostgreSQL.
//
// The claim protocol relies on row-level write locks with SKIP LOCKED
// semantics; all other operations use ordinary transactions.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a pgx connection pool from the provided DSN. Non-positive
// limits keep the pgxpool defaults.
func NewPool(ctx context.Context, dsn string, maxConns int, maxIdle time.Duration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	if maxIdle > 0 {
		cfg.MaxConnIdleTime = maxIdle
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}
