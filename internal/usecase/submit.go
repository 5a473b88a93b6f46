// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/event-ingestor/internal/domain"
	"github.com/fairyhunter13/event-ingestor/internal/observability"
)

// SubmittedEvent is one event as received by the submission port.
type SubmittedEvent struct {
	Type       string
	OccurredAt time.Time
	Payload    []byte
}

// SubmitService creates a job atomically with its raw events and enforces
// tenant-scoped idempotency.
type SubmitService struct {
	Store domain.JobStore
	Now   func() time.Time
}

// NewSubmitService constructs a SubmitService with its dependencies.
func NewSubmitService(store domain.JobStore) SubmitService {
	return SubmitService{Store: store, Now: func() time.Time { return time.Now().UTC() }}
}

// Submit validates the submission and persists the job plus events in one
// transaction. Repeated submissions with the same (tenant, idempotency key)
// return the pre-existing job id with duplicate=true, including under a
// concurrent unique-violation race.
func (s SubmitService) Submit(ctx context.Context, tenantID string, events []SubmittedEvent, idemKey string) (jobID string, duplicate bool, err error) {
	if err := validateSubmission(tenantID, events); err != nil {
		return "", false, err
	}

	if idemKey != "" {
		if j, err := s.Store.FindByIdempotencyKey(ctx, tenantID, idemKey); err == nil {
			observability.JobsSubmittedTotal.WithLabelValues("true").Inc()
			return j.ID, true, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return "", false, err
		}
	}

	now := s.Now()
	j := domain.Job{
		TenantID:    tenantID,
		Status:      domain.JobPending,
		Attempt:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
		AvailableAt: &now,
	}
	if idemKey != "" {
		j.IdempotencyKey = &idemKey
	}
	raw := make([]domain.RawEvent, 0, len(events))
	for _, e := range events {
		raw = append(raw, domain.RawEvent{
			TenantID:   tenantID,
			Type:       e.Type,
			OccurredAt: e.OccurredAt,
			Payload:    e.Payload,
		})
	}

	id, err := s.Store.CreateWithEvents(ctx, j, raw)
	if err != nil {
		// A sibling submission with the same key committed first; surface its id.
		if errors.Is(err, domain.ErrConflict) && idemKey != "" {
			existing, findErr := s.Store.FindByIdempotencyKey(ctx, tenantID, idemKey)
			if findErr != nil {
				return "", false, fmt.Errorf("op=submit.reread: %w", findErr)
			}
			observability.JobsSubmittedTotal.WithLabelValues("true").Inc()
			return existing.ID, true, nil
		}
		return "", false, err
	}
	observability.JobsSubmittedTotal.WithLabelValues("false").Inc()
	return id, false, nil
}

func validateSubmission(tenantID string, events []SubmittedEvent) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: tenantId required", domain.ErrInvalidArgument)
	}
	if len(events) == 0 {
		return fmt.Errorf("%w: at least one event required", domain.ErrInvalidArgument)
	}
	for i, e := range events {
		if strings.TrimSpace(e.Type) == "" {
			return fmt.Errorf("%w: events[%d].type required", domain.ErrInvalidArgument, i)
		}
		if e.OccurredAt.IsZero() {
			return fmt.Errorf("%w: events[%d].timestamp required", domain.ErrInvalidArgument, i)
		}
	}
	return nil
}
