package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/event-ingestor/internal/domain"
)

// claimSelect picks one eligible job FIFO by created_at (ties by id) and
// write-locks its row, skipping rows locked by concurrent claim transactions.
// A job is eligible when it is pending or processing, its visibility time has
// passed, and any previous lock is older than the stale cutoff.
const claimSelect = `SELECT id FROM ingestion_jobs
	WHERE status IN ('pending','processing')
	  AND (available_at IS NULL OR available_at <= $1)
	  AND (locked_at IS NULL OR locked_at < $2)
	ORDER BY created_at ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED`

// Claim executes the claim protocol in one transaction: select-and-lock one
// eligible job, load its events, then transfer ownership to workerID by
// setting status=processing, attempt+1 and the lock columns.
func (s *Store) Claim(ctx context.Context, workerID string, now time.Time, staleAfter time.Duration) (domain.ClaimedJob, error) {
	tracer := otel.Tracer("repo.claim")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	now = touchTime(now)
	staleBefore := now.Add(-staleAfter)

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.ClaimedJob{}, fmt.Errorf("op=job.claim: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	if err := tx.QueryRow(ctx, claimSelect, now, staleBefore).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ClaimedJob{}, fmt.Errorf("op=job.claim: %w", domain.ErrNoJobAvailable)
		}
		return domain.ClaimedJob{}, fmt.Errorf("op=job.claim: %w", classify(err))
	}

	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM ingestion_jobs WHERE id=$1`, id))
	if err != nil {
		return domain.ClaimedJob{}, fmt.Errorf("op=job.claim_load: %w", classify(err))
	}
	// A concurrent administrative update may have moved the job to a terminal
	// state between eligibility and the locked read. Roll back and report the
	// iteration as empty-handed rather than CAS-looping.
	if j.Status.Terminal() {
		return domain.ClaimedJob{}, fmt.Errorf("op=job.claim: %w", domain.ErrNoJobAvailable)
	}

	events, err := loadEvents(ctx, tx, id)
	if err != nil {
		return domain.ClaimedJob{}, fmt.Errorf("op=job.claim_events: %w", classify(err))
	}

	const take = `UPDATE ingestion_jobs
		SET status='processing', attempt=attempt+1, locked_at=$2, locked_by=$3, updated_at=$2
		WHERE id=$1`
	if _, err := tx.Exec(ctx, take, id, now, workerID); err != nil {
		return domain.ClaimedJob{}, fmt.Errorf("op=job.claim_take: %w", classify(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ClaimedJob{}, fmt.Errorf("op=job.claim: %w", classify(err))
	}

	j.Status = domain.JobProcessing
	j.Attempt++
	j.LockedAt = &now
	j.LockedBy = &workerID
	j.UpdatedAt = now
	span.SetAttributes(attribute.String("job.id", j.ID), attribute.Int("job.attempt", j.Attempt))
	return domain.ClaimedJob{Job: j, Events: events}, nil
}

// Complete replaces the job's result rows and marks it succeeded, all in one
// transaction so an idempotent re-run leaves a consistent result set.
func (s *Store) Complete(ctx context.Context, jobID string, rows []domain.ResultRow, now time.Time) error {
	tracer := otel.Tracer("repo.claim")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID), attribute.Int("job.result_rows", len(rows)))

	now = touchTime(now)
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM ingestion_results WHERE job_id=$1`, jobID); err != nil {
		return fmt.Errorf("op=job.complete_clear: %w", classify(err))
	}
	const insert = `INSERT INTO ingestion_results (job_id, event_type, count) VALUES ($1,$2,$3)`
	for _, r := range rows {
		if _, err := tx.Exec(ctx, insert, jobID, r.EventType, r.Count); err != nil {
			return fmt.Errorf("op=job.complete_insert: %w", classify(err))
		}
	}
	const succeed = `UPDATE ingestion_jobs
		SET status='succeeded', processed_at=$2, updated_at=$2,
		    locked_at=NULL, locked_by=NULL, available_at=NULL, error=NULL
		WHERE id=$1`
	if _, err := tx.Exec(ctx, succeed, jobID, now); err != nil {
		return fmt.Errorf("op=job.complete: %w", classify(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.complete: %w", classify(err))
	}
	return nil
}

// Retry releases the lock and schedules the next attempt.
func (s *Store) Retry(ctx context.Context, jobID, errMsg string, availableAt, now time.Time) error {
	tracer := otel.Tracer("repo.claim")
	ctx, span := tracer.Start(ctx, "jobs.Retry")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	now = touchTime(now)
	const q = `UPDATE ingestion_jobs
		SET status='pending', error=$2, available_at=$3, updated_at=$4,
		    locked_at=NULL, locked_by=NULL
		WHERE id=$1`
	if _, err := s.Pool.Exec(ctx, q, jobID, errMsg, availableAt.UTC(), now); err != nil {
		return fmt.Errorf("op=job.retry: %w", classify(err))
	}
	return nil
}

// Fail moves the job to its terminal failed state.
func (s *Store) Fail(ctx context.Context, jobID, errMsg string, now time.Time) error {
	tracer := otel.Tracer("repo.claim")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	now = touchTime(now)
	const q = `UPDATE ingestion_jobs
		SET status='failed', error=$2, updated_at=$3,
		    locked_at=NULL, locked_by=NULL, available_at=NULL
		WHERE id=$1`
	if _, err := s.Pool.Exec(ctx, q, jobID, errMsg, now); err != nil {
		return fmt.Errorf("op=job.fail: %w", classify(err))
	}
	return nil
}
