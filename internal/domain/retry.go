package domain

import "time"

// Retry policy defaults. The delay formula is deliberately deterministic
// (no jitter) so that scheduling is reproducible across workers.
const (
	DefaultMaxAttempts  = 5
	DefaultBaseBackoff  = 2 * time.Second
	maxBackoffDelay     = 300 * time.Second
	maxBackoffExponent  = 10
)

// RetryPolicy maps (attempt, failure) to the next visibility time or a
// terminal failure. It is a pure function of its configuration.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
}

// DefaultRetryPolicy returns the policy with production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, BaseBackoff: DefaultBaseBackoff}
}

// RetryDecision is the outcome of the policy for one failure.
type RetryDecision struct {
	// Terminal is true when the job must transition to Failed.
	Terminal bool
	// AvailableAt is the earliest next claim time when Terminal is false.
	AvailableAt time.Time
}

// Decide returns the decision for a job that failed on the given attempt.
// attempt is the job's attempt counter after the failed claim.
func (p RetryPolicy) Decide(attempt int, now time.Time) RetryDecision {
	if attempt >= p.MaxAttempts {
		return RetryDecision{Terminal: true}
	}
	return RetryDecision{AvailableAt: now.Add(p.Delay(attempt))}
}

// Delay computes min(300s, base * 2^(clamp(attempt,1,10)-1)).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	a := attempt
	if a < 1 {
		a = 1
	}
	if a > maxBackoffExponent {
		a = maxBackoffExponent
	}
	d := p.BaseBackoff << (a - 1)
	if d > maxBackoffDelay || d <= 0 {
		d = maxBackoffDelay
	}
	return d
}
