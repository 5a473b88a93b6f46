// Package domain defines the core entities and ports of the ingestion pipeline.
package domain

import (
	"context"
	"time"
)

// JobStatus enumerates the lifecycle states of an ingestion job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool { return s == JobSucceeded || s == JobFailed }

// Job is one client submission tracked as a single row through its lifecycle.
//
// Invariants:
//   - (TenantID, IdempotencyKey) is unique when the key is non-nil.
//   - Succeeded implies ProcessedAt set and LockedAt/LockedBy/AvailableAt nil.
//   - Failed implies LockedAt/LockedBy/AvailableAt nil.
//   - Attempt only ever increases; incremented exactly once per successful claim.
type Job struct {
	ID             string
	TenantID       string
	IdempotencyKey *string
	Status         JobStatus
	Attempt        int
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	AvailableAt    *time.Time
	LockedAt       *time.Time
	LockedBy       *string
	ProcessedAt    *time.Time
}

// RawEvent is one item inside a submission, preserved verbatim.
// Events are immutable once written; deleting a job cascades to its events.
type RawEvent struct {
	ID         int64
	JobID      string
	TenantID   string
	Type       string
	OccurredAt time.Time
	Payload    []byte
}

// ResultRow is one (event type, count) pair produced by the aggregator for a job.
type ResultRow struct {
	ID        int64
	JobID     string
	EventType string
	Count     int
}

// ClaimedJob is a job handed to a worker by the claim protocol, together
// with the raw events loaded in the same transaction.
type ClaimedJob struct {
	Job    Job
	Events []RawEvent
}

// JobStore is the single abstraction boundary over the transactional store.
type JobStore interface {
	// CreateWithEvents inserts a job plus its events in one transaction.
	// A unique violation on (tenant_id, idempotency_key) yields ErrConflict.
	CreateWithEvents(ctx context.Context, j Job, events []RawEvent) (string, error)
	// FindByIdempotencyKey loads the job for (tenant, key) or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, tenantID, key string) (Job, error)
	// Get loads a job by id or ErrNotFound.
	Get(ctx context.Context, id string) (Job, error)
	// ListResults returns the result rows for a job ordered by event type
	// ascending (case-insensitive). The job must exist (ErrNotFound otherwise);
	// a non-succeeded job yields an empty list.
	ListResults(ctx context.Context, jobID string) ([]ResultRow, error)

	// Claim atomically selects one eligible job (FIFO by created_at, ties by
	// id), locks it for workerID, increments attempt and marks it processing.
	// Rows locked by live transactions are skipped; a lock older than
	// staleAfter is treated as abandoned. Returns ErrNoJobAvailable when the
	// backlog is empty.
	Claim(ctx context.Context, workerID string, now time.Time, staleAfter time.Duration) (ClaimedJob, error)
	// Complete replaces the job's result rows and marks it succeeded in one
	// transaction: processed_at set, locks and error cleared.
	Complete(ctx context.Context, jobID string, rows []ResultRow, now time.Time) error
	// Retry schedules the job for another attempt: status pending, error
	// recorded, available_at set, locks cleared.
	Retry(ctx context.Context, jobID, errMsg string, availableAt, now time.Time) error
	// Fail moves the job to its terminal failed state: error recorded,
	// available_at and locks cleared.
	Fail(ctx context.Context, jobID, errMsg string, now time.Time) error
}

// WorkerIdentity builds an opaque worker identity string. It has no semantic
// meaning beyond diagnostics; it only needs to be unique per process instance.
func WorkerIdentity(hostname, suffix string) string {
	if hostname == "" {
		hostname = "worker"
	}
	return hostname + "-" + suffix
}
