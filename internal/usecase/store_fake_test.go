package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/event-ingestor/internal/domain"
)

// memStore is an in-memory domain.JobStore that honors the transactional
// contract closely enough for service-level tests: FIFO claim ordering,
// stale-lock reclamation, attempt increments and result replacement.
type memStore struct {
	mu      sync.Mutex
	seq     int
	order   []string
	jobs    map[string]*domain.Job
	events  map[string][]domain.RawEvent
	results map[string][]domain.ResultRow

	// Error injection knobs; nil means the call behaves normally.
	createErr   error
	claimErr    error
	completeErr error
	retryErr    error
	failErr     error

	// findMisses makes FindByIdempotencyKey report ErrNotFound that many
	// times before behaving normally; used to simulate the submit race.
	findMisses int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    map[string]*domain.Job{},
		events:  map[string][]domain.RawEvent{},
		results: map[string][]domain.ResultRow{},
	}
}

func (m *memStore) CreateWithEvents(_ context.Context, j domain.Job, events []domain.RawEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	if j.IdempotencyKey != nil {
		for _, id := range m.order {
			ex := m.jobs[id]
			if ex.TenantID == j.TenantID && ex.IdempotencyKey != nil && *ex.IdempotencyKey == *j.IdempotencyKey {
				return "", domain.ErrConflict
			}
		}
	}
	m.seq++
	j.ID = fmt.Sprintf("job-%d", m.seq)
	m.order = append(m.order, j.ID)
	m.jobs[j.ID] = &j
	evs := make([]domain.RawEvent, len(events))
	copy(evs, events)
	for i := range evs {
		evs[i].ID = int64(i + 1)
		evs[i].JobID = j.ID
	}
	m.events[j.ID] = evs
	return j.ID, nil
}

func (m *memStore) FindByIdempotencyKey(_ context.Context, tenantID, key string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findMisses > 0 {
		m.findMisses--
		return domain.Job{}, domain.ErrNotFound
	}
	for _, id := range m.order {
		j := m.jobs[id]
		if j.TenantID == tenantID && j.IdempotencyKey != nil && *j.IdempotencyKey == key {
			return *j, nil
		}
	}
	return domain.Job{}, domain.ErrNotFound
}

func (m *memStore) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (m *memStore) ListResults(_ context.Context, jobID string) ([]domain.ResultRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return nil, domain.ErrNotFound
	}
	out := make([]domain.ResultRow, len(m.results[jobID]))
	copy(out, m.results[jobID])
	return out, nil
}

func (m *memStore) Claim(_ context.Context, workerID string, now time.Time, staleAfter time.Duration) (domain.ClaimedJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return domain.ClaimedJob{}, m.claimErr
	}
	cutoff := now.Add(-staleAfter)
	for _, id := range m.order {
		j := m.jobs[id]
		if j.Status.Terminal() {
			continue
		}
		if j.AvailableAt != nil && j.AvailableAt.After(now) {
			continue
		}
		if j.LockedAt != nil && !j.LockedAt.Before(cutoff) {
			continue
		}
		j.Status = domain.JobProcessing
		j.Attempt++
		lockedAt := now
		j.LockedAt = &lockedAt
		j.LockedBy = &workerID
		j.UpdatedAt = now
		evs := make([]domain.RawEvent, len(m.events[id]))
		copy(evs, m.events[id])
		return domain.ClaimedJob{Job: *j, Events: evs}, nil
	}
	return domain.ClaimedJob{}, domain.ErrNoJobAvailable
}

func (m *memStore) Complete(_ context.Context, jobID string, rows []domain.ResultRow, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	stored := make([]domain.ResultRow, len(rows))
	copy(stored, rows)
	m.results[jobID] = stored
	j.Status = domain.JobSucceeded
	processedAt := now
	j.ProcessedAt = &processedAt
	j.Error = ""
	j.AvailableAt = nil
	j.LockedAt = nil
	j.LockedBy = nil
	j.UpdatedAt = now
	return nil
}

func (m *memStore) Retry(_ context.Context, jobID, errMsg string, availableAt, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retryErr != nil {
		return m.retryErr
	}
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobPending
	j.Error = errMsg
	av := availableAt
	j.AvailableAt = &av
	j.LockedAt = nil
	j.LockedBy = nil
	j.UpdatedAt = now
	return nil
}

func (m *memStore) Fail(_ context.Context, jobID, errMsg string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobFailed
	j.Error = errMsg
	j.AvailableAt = nil
	j.LockedAt = nil
	j.LockedBy = nil
	j.UpdatedAt = now
	return nil
}

var _ domain.JobStore = (*memStore)(nil)
