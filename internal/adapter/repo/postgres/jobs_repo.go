package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/event-ingestor/internal/domain"
)

// Store persists ingestion jobs, raw events and results using a minimal pgx pool.
type Store struct{ Pool PgxPool }

// PgxPool is a minimal subset of pgxpool used by the store for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// NewStore constructs a Store with the given pool.
func NewStore(p PgxPool) *Store { return &Store{Pool: p} }

const jobColumns = `id, tenant_id, idempotency_key, status, attempt, COALESCE(error,''),
	created_at, updated_at, available_at, locked_at, locked_by, processed_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.TenantID, &j.IdempotencyKey, &j.Status, &j.Attempt, &j.Error,
		&j.CreatedAt, &j.UpdatedAt, &j.AvailableAt, &j.LockedAt, &j.LockedBy, &j.ProcessedAt)
	return j, err
}

// CreateWithEvents inserts the job and all its events in one transaction.
// A unique violation on (tenant_id, idempotency_key) surfaces as ErrConflict;
// the pre-existing job id can then be read via FindByIdempotencyKey.
func (s *Store) CreateWithEvents(ctx context.Context, j domain.Job, events []domain.RawEvent) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CreateWithEvents")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.Int("job.events", len(events)),
	)

	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insertJob = `INSERT INTO ingestion_jobs
		(id, tenant_id, idempotency_key, status, attempt, created_at, updated_at, available_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if _, err := tx.Exec(ctx, insertJob, id, j.TenantID, j.IdempotencyKey, j.Status, j.Attempt,
		j.CreatedAt, j.UpdatedAt, j.AvailableAt); err != nil {
		return "", fmt.Errorf("op=job.create: %w", classify(err))
	}
	const insertEvent = `INSERT INTO raw_events (job_id, tenant_id, event_type, occurred_at, payload)
		VALUES ($1,$2,$3,$4,$5)`
	for _, e := range events {
		if _, err := tx.Exec(ctx, insertEvent, id, j.TenantID, e.Type, e.OccurredAt, e.Payload); err != nil {
			return "", fmt.Errorf("op=job.create_events: %w", classify(err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=job.create: %w", classify(err))
	}
	return id, nil
}

// FindByIdempotencyKey loads a job by its tenant-scoped idempotency key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByIdempotencyKey")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE tenant_id=$1 AND idempotency_key=$2 LIMIT 1`
	j, err := scanJob(s.Pool.QueryRow(ctx, q, tenantID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", classify(err))
	}
	return j, nil
}

// Get loads a job by id.
func (s *Store) Get(ctx context.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE id=$1`
	j, err := scanJob(s.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", classify(err))
	}
	return j, nil
}

// ListResults returns the result rows for a job ordered by event type
// ascending (case-insensitive, ties by insertion id). ErrNotFound when the
// job does not exist; an empty list when it has not succeeded yet.
func (s *Store) ListResults(ctx context.Context, jobID string) ([]domain.ResultRow, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.List")
	defer span.End()

	var exists bool
	if err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ingestion_jobs WHERE id=$1)`, jobID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("op=result.list: %w", classify(err))
	}
	if !exists {
		return nil, fmt.Errorf("op=result.list: %w", domain.ErrNotFound)
	}
	q := `SELECT id, job_id, event_type, count FROM ingestion_results
		WHERE job_id=$1 ORDER BY lower(event_type) ASC, id ASC`
	rows, err := s.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=result.list: %w", classify(err))
	}
	defer rows.Close()
	var out []domain.ResultRow
	for rows.Next() {
		var r domain.ResultRow
		if err := rows.Scan(&r.ID, &r.JobID, &r.EventType, &r.Count); err != nil {
			return nil, fmt.Errorf("op=result.list: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=result.list: %w", classify(err))
	}
	return out, nil
}

// loadEvents reads the raw events of a job inside the given transaction.
func loadEvents(ctx context.Context, tx pgx.Tx, jobID string) ([]domain.RawEvent, error) {
	const q = `SELECT id, job_id, tenant_id, event_type, occurred_at, payload
		FROM raw_events WHERE job_id=$1 ORDER BY id ASC`
	rows, err := tx.Query(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RawEvent
	for rows.Next() {
		var e domain.RawEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.TenantID, &e.Type, &e.OccurredAt, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// touchTime guards the updated_at monotonicity invariant for tests that
// drive the store with a synthetic clock.
func touchTime(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now().UTC()
	}
	return now.UTC()
}
