package domain

import "errors"

// Error taxonomy (sentinels). Store adapters wrap these so callers can
// branch with errors.Is without knowing driver-level codes.
var (
	// ErrInvalidArgument marks submission-time validation failures (HTTP 400).
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound marks reads of absent jobs (HTTP 404).
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a unique violation on (tenant_id, idempotency_key).
	ErrConflict = errors.New("conflict")
	// ErrNoJobAvailable is returned by Claim when no job is eligible.
	ErrNoJobAvailable = errors.New("no job available")
	// ErrFatalStore marks unrecoverable store errors (schema, permissions).
	// The worker process exits non-zero when it sees one.
	ErrFatalStore = errors.New("fatal store error")
)

// IsFatal reports whether err should terminate the process rather than be
// retried at the loop level.
func IsFatal(err error) bool { return errors.Is(err, ErrFatalStore) }
