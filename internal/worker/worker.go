// Package worker runs the long-lived polling loops that drive the
// claim/process/retry engine against the job store.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/event-ingestor/internal/domain"
)

// Processor is the per-iteration unit of work; implemented by
// usecase.ProcessService.
type Processor interface {
	RunOnce(ctx context.Context) (claimed bool, err error)
}

// Config tunes one Runner.
type Config struct {
	// Concurrency is the number of independent loops; each loop shares no
	// state with its siblings beyond the store itself.
	Concurrency int
	// Poll is the initial idle delay after an empty claim.
	Poll time.Duration
	// IdleMax caps the idle-delay doubling.
	IdleMax time.Duration
}

// Runner owns Concurrency polling loops and joins them on shutdown.
type Runner struct {
	proc Processor
	cfg  Config

	mu       sync.Mutex
	fatalErr error
}

// New constructs a Runner; zero-value config fields get safe defaults.
func New(proc Processor, cfg Config) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	if cfg.IdleMax < cfg.Poll {
		cfg.IdleMax = cfg.Poll
	}
	return &Runner{proc: proc, cfg: cfg}
}

// Run starts the loops and blocks until ctx is cancelled or a fatal store
// error is observed. The returned error is nil on clean shutdown; a fatal
// store error is returned so main can exit non-zero for the supervisor.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			r.loop(ctx, slot, cancel)
		}(i)
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatalErr
}

// loop runs claim -> process -> commit-or-fail -> idle backoff until the
// context is cancelled. Transient claim errors back off exponentially;
// fatal store errors stop every loop.
func (r *Runner) loop(ctx context.Context, slot int, cancel context.CancelFunc) {
	lg := slog.Default().With(slog.Int("loop", slot))
	idle := r.cfg.Poll

	claimBackoff := backoff.NewExponentialBackOff()
	claimBackoff.InitialInterval = r.cfg.Poll
	claimBackoff.MaxInterval = r.cfg.IdleMax
	claimBackoff.MaxElapsedTime = 0 // never give up; liveness comes from the store

	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := r.proc.RunOnce(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			if domain.IsFatal(err) {
				lg.Error("fatal store error; stopping worker", slog.Any("error", err))
				r.setFatal(err)
				cancel()
				return
			}
			wait := claimBackoff.NextBackOff()
			lg.Warn("claim failed; backing off",
				slog.Any("error", err), slog.Duration("wait", wait))
			if !sleep(ctx, wait) {
				return
			}
		case claimed:
			idle = r.cfg.Poll
			claimBackoff.Reset()
		default:
			claimBackoff.Reset()
			if !sleep(ctx, idle) {
				return
			}
			idle *= 2
			if idle > r.cfg.IdleMax {
				idle = r.cfg.IdleMax
			}
		}
	}
}

func (r *Runner) setFatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatalErr == nil {
		r.fatalErr = err
	}
}

// sleep waits d or until cancellation; reports false when cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
