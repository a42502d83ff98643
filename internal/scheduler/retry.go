package scheduler

import (
	"time"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Action is what the scheduler does after a failed attempt.
type Action int

// Retry actions.
const (
	ActionRetry Action = iota
	ActionAbandon
)

func (a Action) String() string {
	if a == ActionRetry {
		return "retry"
	}
	return "abandon"
}

// Decision is the tagged result of RetryPolicy.Decide.
type Decision struct {
	Action Action
	// Wait is slept before the next attempt (Retry only).
	Wait time.Duration
	// Cooldown asks for the rate-limit cooldown instead of Wait (Retry only).
	Cooldown bool
	// Kind classifies the failure.
	Kind harvest.ErrorKind
}

// RetryPolicy bounds retries of a single task.
type RetryPolicy struct {
	// MaxAttempts counts attempts that failed for reasons other than throttling.
	MaxAttempts int
	MinWait     time.Duration
	MaxWait     time.Duration
	// MaxThrottles is the number of consecutive throttled attempts after
	// which the task is abandoned.
	MaxThrottles int
}

// DefaultRetryPolicy mirrors the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		MinWait:      2 * time.Second,
		MaxWait:      10 * time.Second,
		MaxThrottles: 3,
	}
}

// Decide classifies err. attempts and throttles already include the attempt
// that produced err.
func (p RetryPolicy) Decide(err error, attempts, throttles int) Decision {
	kind := harvest.Classify(err)
	switch kind {
	case harvest.KindNone:
		return Decision{Action: ActionAbandon}
	case harvest.KindCanceled, harvest.KindPoolExhausted:
		return Decision{Action: ActionAbandon, Kind: kind}
	case harvest.KindRateLimited:
		if throttles >= p.maxThrottles() {
			return Decision{Action: ActionAbandon, Kind: kind}
		}
		return Decision{Action: ActionRetry, Cooldown: true, Kind: kind}
	case harvest.KindSessionInvalidated:
		if attempts >= p.maxAttempts() {
			return Decision{Action: ActionAbandon, Kind: kind}
		}
		return Decision{Action: ActionRetry, Kind: kind}
	default:
		if attempts >= p.maxAttempts() {
			return Decision{Action: ActionAbandon, Kind: kind}
		}
		return Decision{Action: ActionRetry, Wait: p.Backoff(attempts), Kind: kind}
	}
}

// Backoff returns MinWait * 2^(attempt-1), capped at MaxWait.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := p.MinWait
	for i := 1; i < attempt; i++ {
		wait *= 2
		if p.MaxWait > 0 && wait >= p.MaxWait {
			return p.MaxWait
		}
	}
	if p.MaxWait > 0 && wait > p.MaxWait {
		return p.MaxWait
	}
	return wait
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) maxThrottles() int {
	if p.MaxThrottles <= 0 {
		return 1
	}
	return p.MaxThrottles
}
