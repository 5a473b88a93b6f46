package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/event-ingestor/internal/domain"
)

// rowStub satisfies pgx.Row with a scripted Scan.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

func errRow(err error) rowStub {
	return rowStub{scan: func(...any) error { return err }}
}

func idRow(id string) rowStub {
	return rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = id
		return nil
	}}
}

func boolRow(v bool) rowStub {
	return rowStub{scan: func(dest ...any) error {
		*(dest[0].(*bool)) = v
		return nil
	}}
}

// jobRow scripts a Scan matching the jobColumns select list.
func jobRow(j domain.Job) rowStub {
	return rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = j.ID
		*(dest[1].(*string)) = j.TenantID
		*(dest[2].(**string)) = j.IdempotencyKey
		*(dest[3].(*domain.JobStatus)) = j.Status
		*(dest[4].(*int)) = j.Attempt
		*(dest[5].(*string)) = j.Error
		*(dest[6].(*time.Time)) = j.CreatedAt
		*(dest[7].(*time.Time)) = j.UpdatedAt
		*(dest[8].(**time.Time)) = j.AvailableAt
		*(dest[9].(**time.Time)) = j.LockedAt
		*(dest[10].(**string)) = j.LockedBy
		*(dest[11].(**time.Time)) = j.ProcessedAt
		return nil
	}}
}

// eventRows satisfies pgx.Rows for the loadEvents select; unscripted methods
// come from the embedded nil interface and must not be reached.
type eventRows struct {
	pgx.Rows
	events []domain.RawEvent
	i      int
}

func (r *eventRows) Next() bool { r.i++; return r.i <= len(r.events) }
func (r *eventRows) Scan(dest ...any) error {
	e := r.events[r.i-1]
	*(dest[0].(*int64)) = e.ID
	*(dest[1].(*string)) = e.JobID
	*(dest[2].(*string)) = e.TenantID
	*(dest[3].(*string)) = e.Type
	*(dest[4].(*time.Time)) = e.OccurredAt
	*(dest[5].(*[]byte)) = e.Payload
	return nil
}
func (r *eventRows) Close()     {}
func (r *eventRows) Err() error { return nil }

type resultRows struct {
	pgx.Rows
	rows []domain.ResultRow
	i    int
}

func (r *resultRows) Next() bool { r.i++; return r.i <= len(r.rows) }
func (r *resultRows) Scan(dest ...any) error {
	row := r.rows[r.i-1]
	*(dest[0].(*int64)) = row.ID
	*(dest[1].(*string)) = row.JobID
	*(dest[2].(*string)) = row.EventType
	*(dest[3].(*int)) = row.Count
	return nil
}
func (r *resultRows) Close()     {}
func (r *resultRows) Err() error { return nil }

// txStub satisfies pgx.Tx; QueryRow consumes scripted rows in order.
type txStub struct {
	pgx.Tx
	rows       []pgx.Row
	queryRows  pgx.Rows
	queryErr   error
	execSQL    []string
	execArgs   [][]any
	execErr    error
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *txStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	r := t.rows[0]
	t.rows = t.rows[1:]
	return r
}

func (t *txStub) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return t.queryRows, t.queryErr
}

func (t *txStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execSQL = append(t.execSQL, sql)
	t.execArgs = append(t.execArgs, args)
	return pgconn.CommandTag{}, t.execErr
}

func (t *txStub) Commit(context.Context) error   { t.committed = true; return t.commitErr }
func (t *txStub) Rollback(context.Context) error { t.rolledBack = true; return nil }

// poolStub satisfies PgxPool with scripted responses.
type poolStub struct {
	tx        *txStub
	beginErr  error
	rows      []pgx.Row
	queryRows pgx.Rows
	queryErr  error
	execSQL   []string
	execArgs  [][]any
	execErr   error
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	return pgconn.CommandTag{}, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	r := p.rows[0]
	p.rows = p.rows[1:]
	return r
}

func (p *poolStub) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return p.queryRows, p.queryErr
}

func (p *poolStub) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return p.tx, nil
}

var repoNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestGetNotFound(t *testing.T) {
	t.Parallel()
	s := NewStore(&poolStub{rows: []pgx.Row{errRow(pgx.ErrNoRows)}})
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetScansJob(t *testing.T) {
	t.Parallel()
	key := "key-1"
	want := domain.Job{
		ID: "job-1", TenantID: "t1", IdempotencyKey: &key,
		Status: domain.JobPending, Attempt: 2, Error: "previous failure",
		CreatedAt: repoNow, UpdatedAt: repoNow,
	}
	s := NewStore(&poolStub{rows: []pgx.Row{jobRow(want)}})
	got, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFindByIdempotencyKeyNotFound(t *testing.T) {
	t.Parallel()
	s := NewStore(&poolStub{rows: []pgx.Row{errRow(pgx.ErrNoRows)}})
	_, err := s.FindByIdempotencyKey(context.Background(), "t1", "key-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateWithEvents(t *testing.T) {
	t.Parallel()
	tx := &txStub{}
	s := NewStore(&poolStub{tx: tx})
	j := domain.Job{TenantID: "t1", Status: domain.JobPending, CreatedAt: repoNow, UpdatedAt: repoNow}
	events := []domain.RawEvent{
		{Type: "click", OccurredAt: repoNow},
		{Type: "view", OccurredAt: repoNow},
	}

	id, err := s.CreateWithEvents(context.Background(), j, events)
	require.NoError(t, err)
	_, parseErr := uuid.Parse(id)
	assert.NoError(t, parseErr)

	// One job insert plus one insert per event, then commit.
	require.Len(t, tx.execSQL, 3)
	assert.Contains(t, tx.execSQL[0], "INSERT INTO ingestion_jobs")
	assert.Contains(t, tx.execSQL[1], "INSERT INTO raw_events")
	assert.True(t, tx.committed)
}

func TestCreateWithEventsConflict(t *testing.T) {
	t.Parallel()
	tx := &txStub{execErr: &pgconn.PgError{Code: uniqueViolation, ConstraintName: "ux_ingestion_jobs_tenant_idem"}}
	s := NewStore(&poolStub{tx: tx})

	_, err := s.CreateWithEvents(context.Background(), domain.Job{TenantID: "t1"}, nil)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

func TestClaimNoJobAvailable(t *testing.T) {
	t.Parallel()
	tx := &txStub{rows: []pgx.Row{errRow(pgx.ErrNoRows)}}
	s := NewStore(&poolStub{tx: tx})

	_, err := s.Claim(context.Background(), "w1", repoNow, 5*time.Minute)
	assert.ErrorIs(t, err, domain.ErrNoJobAvailable)
	assert.True(t, tx.rolledBack)
}

func TestClaimTerminalRaceReportsNoJob(t *testing.T) {
	t.Parallel()
	tx := &txStub{rows: []pgx.Row{
		idRow("job-1"),
		jobRow(domain.Job{ID: "job-1", Status: domain.JobSucceeded}),
	}}
	s := NewStore(&poolStub{tx: tx})

	_, err := s.Claim(context.Background(), "w1", repoNow, 5*time.Minute)
	assert.ErrorIs(t, err, domain.ErrNoJobAvailable)
	assert.False(t, tx.committed)
}

func TestClaimTransfersOwnership(t *testing.T) {
	t.Parallel()
	avail := repoNow.Add(-time.Minute)
	tx := &txStub{
		rows: []pgx.Row{
			idRow("job-1"),
			jobRow(domain.Job{
				ID: "job-1", TenantID: "t1", Status: domain.JobPending,
				Attempt: 0, CreatedAt: repoNow.Add(-time.Hour), AvailableAt: &avail,
			}),
		},
		queryRows: &eventRows{events: []domain.RawEvent{
			{ID: 1, JobID: "job-1", TenantID: "t1", Type: "click", OccurredAt: repoNow},
			{ID: 2, JobID: "job-1", TenantID: "t1", Type: "view", OccurredAt: repoNow},
		}},
	}
	s := NewStore(&poolStub{tx: tx})

	cj, err := s.Claim(context.Background(), "w1", repoNow, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.Equal(t, domain.JobProcessing, cj.Job.Status)
	assert.Equal(t, 1, cj.Job.Attempt)
	require.NotNil(t, cj.Job.LockedBy)
	assert.Equal(t, "w1", *cj.Job.LockedBy)
	require.NotNil(t, cj.Job.LockedAt)
	assert.Equal(t, repoNow, *cj.Job.LockedAt)
	require.Len(t, cj.Events, 2)
	assert.Equal(t, "click", cj.Events[0].Type)

	require.Len(t, tx.execSQL, 1)
	assert.Contains(t, tx.execSQL[0], "attempt=attempt+1")
}

func TestCompleteReplacesResults(t *testing.T) {
	t.Parallel()
	tx := &txStub{}
	s := NewStore(&poolStub{tx: tx})
	rows := []domain.ResultRow{
		{JobID: "job-1", EventType: "click", Count: 2},
		{JobID: "job-1", EventType: "view", Count: 1},
	}

	require.NoError(t, s.Complete(context.Background(), "job-1", rows, repoNow))
	require.Len(t, tx.execSQL, 4)
	assert.Contains(t, tx.execSQL[0], "DELETE FROM ingestion_results")
	assert.Contains(t, tx.execSQL[1], "INSERT INTO ingestion_results")
	assert.Contains(t, tx.execSQL[3], "status='succeeded'")
	assert.True(t, tx.committed)
}

func TestRetryReleasesLockAndSchedules(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	s := NewStore(pool)
	availableAt := repoNow.Add(4 * time.Second)

	require.NoError(t, s.Retry(context.Background(), "job-1", "commit refused", availableAt, repoNow))
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "status='pending'")
	assert.Contains(t, pool.execSQL[0], "locked_at=NULL")
	require.Len(t, pool.execArgs[0], 4)
	assert.Equal(t, "job-1", pool.execArgs[0][0])
	assert.Equal(t, "commit refused", pool.execArgs[0][1])
	assert.Equal(t, availableAt, pool.execArgs[0][2])
}

func TestFailClearsVisibility(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	s := NewStore(pool)

	require.NoError(t, s.Fail(context.Background(), "job-1", "gave up", repoNow))
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "status='failed'")
	assert.Contains(t, pool.execSQL[0], "available_at=NULL")
}

func TestFailClassifiesFatalError(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErr: &pgconn.PgError{Code: "42P01", Message: "relation does not exist"}}
	s := NewStore(pool)
	err := s.Fail(context.Background(), "job-1", "gave up", repoNow)
	assert.ErrorIs(t, err, domain.ErrFatalStore)
}

func TestListResults(t *testing.T) {
	t.Parallel()
	pool := &poolStub{
		rows: []pgx.Row{boolRow(true)},
		queryRows: &resultRows{rows: []domain.ResultRow{
			{ID: 1, JobID: "job-1", EventType: "click", Count: 2},
			{ID: 2, JobID: "job-1", EventType: "view", Count: 1},
		}},
	}
	s := NewStore(pool)

	out, err := s.ListResults(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "click", out[0].EventType)
	assert.Equal(t, 2, out[0].Count)
}

func TestListResultsJobMissing(t *testing.T) {
	t.Parallel()
	pool := &poolStub{rows: []pgx.Row{boolRow(false)}}
	s := NewStore(pool)
	_, err := s.ListResults(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTouchTime(t *testing.T) {
	t.Parallel()
	assert.Equal(t, repoNow, touchTime(repoNow))
	assert.False(t, touchTime(time.Time{}).IsZero())
}
