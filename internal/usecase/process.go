package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/event-ingestor/internal/domain"
	"github.com/fairyhunter13/event-ingestor/internal/observability"
	"github.com/fairyhunter13/event-ingestor/pkg/eventagg"
)

// ProcessService owns one claim-process-commit cycle. Processing failures are
// absorbed into the retry policy; only claim-level store errors propagate so
// the worker loop can decide between backoff and process exit.
type ProcessService struct {
	Store      domain.JobStore
	Policy     domain.RetryPolicy
	WorkerID   string
	StaleAfter time.Duration
	Now        func() time.Time
}

// NewProcessService constructs a ProcessService for one worker identity.
func NewProcessService(store domain.JobStore, policy domain.RetryPolicy, workerID string, staleAfter time.Duration) ProcessService {
	return ProcessService{
		Store:      store,
		Policy:     policy,
		WorkerID:   workerID,
		StaleAfter: staleAfter,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce claims one eligible job, aggregates its events and commits the
// terminal or retry decision. It returns claimed=false when no job was
// eligible. The returned error is nil unless the claim itself failed.
func (s ProcessService) RunOnce(ctx context.Context) (claimed bool, err error) {
	tracer := otel.Tracer("usecase.process")
	ctx, span := tracer.Start(ctx, "process.RunOnce")
	defer span.End()

	cj, err := s.Store.Claim(ctx, s.WorkerID, s.Now(), s.StaleAfter)
	if err != nil {
		if errors.Is(err, domain.ErrNoJobAvailable) {
			return false, nil
		}
		return false, err
	}
	observability.JobsClaimedTotal.Inc()
	observability.JobsInFlight.Inc()
	defer observability.JobsInFlight.Dec()
	start := time.Now()
	span.SetAttributes(attribute.String("job.id", cj.Job.ID), attribute.Int("job.attempt", cj.Job.Attempt))

	if err := s.process(ctx, cj); err != nil {
		s.handleFailure(ctx, cj.Job, err)
	} else {
		observability.JobsSucceededTotal.Inc()
	}
	observability.JobProcessingDuration.Observe(time.Since(start).Seconds())
	return true, nil
}

// process aggregates the claimed events and writes the result set together
// with the succeeded transition in one store transaction.
func (s ProcessService) process(ctx context.Context, cj domain.ClaimedJob) error {
	types := make([]string, 0, len(cj.Events))
	for _, e := range cj.Events {
		types = append(types, e.Type)
	}
	counts := eventagg.Aggregate(types)
	rows := make([]domain.ResultRow, 0, len(counts))
	for _, c := range counts {
		rows = append(rows, domain.ResultRow{JobID: cj.Job.ID, EventType: c.Type, Count: c.Count})
	}
	if err := s.Store.Complete(ctx, cj.Job.ID, rows, s.Now()); err != nil {
		return fmt.Errorf("op=process.complete: %w", err)
	}
	slog.InfoContext(ctx, "job succeeded",
		slog.String("job_id", cj.Job.ID),
		slog.Int("attempt", cj.Job.Attempt),
		slog.Int("event_types", len(rows)))
	return nil
}

// handleFailure persists the retry-policy decision in a fresh transaction.
// It never re-raises; a store error here leaves the lock to expire via the
// stale-lock cutoff, which reschedules the job on a later claim.
func (s ProcessService) handleFailure(ctx context.Context, j domain.Job, cause error) {
	now := s.Now()
	decision := s.Policy.Decide(j.Attempt, now)
	if decision.Terminal {
		if err := s.Store.Fail(ctx, j.ID, cause.Error(), now); err != nil {
			slog.ErrorContext(ctx, "failed to persist terminal failure",
				slog.String("job_id", j.ID), slog.Any("error", err))
			return
		}
		observability.JobsFailedTotal.Inc()
		slog.WarnContext(ctx, "job failed terminally",
			slog.String("job_id", j.ID),
			slog.Int("attempt", j.Attempt),
			slog.String("cause", cause.Error()))
		return
	}
	if err := s.Store.Retry(ctx, j.ID, cause.Error(), decision.AvailableAt, now); err != nil {
		slog.ErrorContext(ctx, "failed to persist retry schedule",
			slog.String("job_id", j.ID), slog.Any("error", err))
		return
	}
	observability.JobsRetriedTotal.Inc()
	slog.WarnContext(ctx, "job scheduled for retry",
		slog.String("job_id", j.ID),
		slog.Int("attempt", j.Attempt),
		slog.Time("available_at", decision.AvailableAt),
		slog.String("cause", cause.Error()))
}
