package harvest

import (
	"context"
	"errors"
)

// Error taxonomy shared by every subsystem. Wrap these with fmt.Errorf("...: %w")
// and classify with errors.Is.
var (
	// ErrTransientFetch is retryable and counts toward the attempt limit.
	ErrTransientFetch = errors.New("transient fetch error")
	// ErrSessionInvalidated forces a fresh session and is retried immediately.
	ErrSessionInvalidated = errors.New("session invalidated")
	// ErrRateLimited signals a throttling page; retried after a cooldown.
	ErrRateLimited = errors.New("rate limited")
	// ErrDiscoveryAborted accompanies a partial discovery result.
	ErrDiscoveryAborted = errors.New("discovery aborted")
	// ErrSinkUnavailable means an output cannot be opened or written.
	ErrSinkUnavailable = errors.New("sink unavailable")
	// ErrPermissionDenied means an output is locked by another process.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrPoolExhausted is returned once no session can be created any more.
	ErrPoolExhausted = errors.New("session pool exhausted")
	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("session pool closed")
	// ErrTimedOut is returned by Session.WaitUntil.
	ErrTimedOut = errors.New("timed out")
	// ErrUnsupported is returned by engines that lack a capability.
	ErrUnsupported = errors.New("unsupported by session engine")
)

// Classify maps an error onto the ErrorKind reported in outcomes.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrPoolClosed):
		return KindPoolExhausted
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrSessionInvalidated):
		return KindSessionInvalidated
	default:
		return KindTransient
	}
}
