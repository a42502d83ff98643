package harvest

import (
	"context"
	"time"
)

// Session is a live remote fetching context (one browser tab or HTTP client).
// Implementations are not safe for concurrent use; the pool lends a session
// to exactly one worker at a time.
type Session interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	// Evaluate runs script in the page and decodes the result into out (may be nil).
	Evaluate(ctx context.Context, script string, out any) error
	// WaitUntil polls the boolean script predicate until it holds or timeout elapses.
	WaitUntil(ctx context.Context, predicate string, timeout time.Duration) error
	FindAll(ctx context.Context, selector string) ([]Element, error)
	// Content returns the rendered document.
	Content(ctx context.Context) (string, error)
	// Alive is a cheap probe without side effects.
	Alive(ctx context.Context) bool
	Close() error
}

// Element is a read-only reference to a node found by Session.FindAll.
type Element interface {
	Text() string
	Attr(name string) string
	// FindAll runs a nested query scoped to this element.
	FindAll(selector string) []Element
}

// Opener creates new sessions.
type Opener interface {
	Open(ctx context.Context) (Session, error)
}

// Sink persists the two output streams of a run and knows which keys were
// already written by previous runs.
type Sink interface {
	EnsureInitialized(ctx context.Context, stream Stream, schema Schema) error
	LoadKnownKeys(ctx context.Context) (KnownKeySet, error)
	AppendBatch(ctx context.Context, stream Stream, records []Record) error
	LoadRows(ctx context.Context, stream Stream, columns ...string) ([]Record, error)
	Close() error
}

// Sleeper pauses the caller for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper backed by a timer.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
