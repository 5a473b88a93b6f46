package usecase

import (
	"context"
	"time"

	"github.com/fairyhunter13/event-ingestor/internal/domain"
)

// StatusSnapshot is the read model returned by the query port for one job.
type StatusSnapshot struct {
	JobID       string
	Status      domain.JobStatus
	Attempt     int
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

// QueryService reads job status and results; it never mutates state.
type QueryService struct {
	Store domain.JobStore
}

// NewQueryService constructs a QueryService with the given store.
func NewQueryService(store domain.JobStore) QueryService {
	return QueryService{Store: store}
}

// GetStatus returns the job's current status snapshot or ErrNotFound.
func (s QueryService) GetStatus(ctx context.Context, jobID string) (StatusSnapshot, error) {
	j, err := s.Store.Get(ctx, jobID)
	if err != nil {
		return StatusSnapshot{}, err
	}
	return StatusSnapshot{
		JobID:       j.ID,
		Status:      j.Status,
		Attempt:     j.Attempt,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		ProcessedAt: j.ProcessedAt,
	}, nil
}

// GetResults returns the ordered result rows for a job, or ErrNotFound when
// the job does not exist. A job that has not succeeded yields an empty list.
func (s QueryService) GetResults(ctx context.Context, jobID string) ([]domain.ResultRow, error) {
	return s.Store.ListResults(ctx, jobID)
}
