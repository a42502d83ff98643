// Package harvesttest provides in-memory sessions for tests.
package harvesttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Session is a programmable harvest.Session. Nil hooks succeed with zero values.
type Session struct {
	Name string

	OnNavigate  func(url string) error
	OnEvaluate  func(script string, out any) error
	OnWaitUntil func(predicate string) error
	OnFindAll   func(selector string) ([]harvest.Element, error)
	OnContent   func() (string, error)

	mu        sync.Mutex
	dead      bool
	closed    bool
	navigated []string
}

var _ harvest.Session = (*Session)(nil)

// ID implements harvest.Session.
func (s *Session) ID() string { return s.Name }

// Navigate implements harvest.Session.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.navigated = append(s.navigated, url)
	s.mu.Unlock()
	if s.OnNavigate != nil {
		return s.OnNavigate(url)
	}
	return nil
}

// Evaluate implements harvest.Session.
func (s *Session) Evaluate(_ context.Context, script string, out any) error {
	if s.OnEvaluate != nil {
		return s.OnEvaluate(script, out)
	}
	return nil
}

// WaitUntil implements harvest.Session.
func (s *Session) WaitUntil(_ context.Context, predicate string, _ time.Duration) error {
	if s.OnWaitUntil != nil {
		return s.OnWaitUntil(predicate)
	}
	return nil
}

// FindAll implements harvest.Session.
func (s *Session) FindAll(_ context.Context, selector string) ([]harvest.Element, error) {
	if s.OnFindAll != nil {
		return s.OnFindAll(selector)
	}
	return nil, nil
}

// Content implements harvest.Session.
func (s *Session) Content(context.Context) (string, error) {
	if s.OnContent != nil {
		return s.OnContent()
	}
	return "", nil
}

// Alive implements harvest.Session.
func (s *Session) Alive(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead && !s.closed
}

// Close implements harvest.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("already closed")
	}
	s.closed = true
	return nil
}

// Kill makes subsequent liveness probes fail.
func (s *Session) Kill() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Navigated returns the URLs visited so far.
func (s *Session) Navigated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navigated...)
}

// Opener hands out numbered Sessions.
type Opener struct {
	// Fail, when set, is asked before each open with the 1-based attempt number.
	Fail func(n int) error
	// Configure, when set, prepares each new session.
	Configure func(s *Session)

	mu       sync.Mutex
	attempts int
	opened   []*Session
}

// Open implements harvest.Opener.
func (o *Opener) Open(ctx context.Context) (harvest.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.attempts++
	n := o.attempts
	o.mu.Unlock()
	if o.Fail != nil {
		if err := o.Fail(n); err != nil {
			return nil, err
		}
	}
	s := &Session{Name: fmt.Sprintf("session-%d", n)}
	if o.Configure != nil {
		o.Configure(s)
	}
	o.mu.Lock()
	o.opened = append(o.opened, s)
	o.mu.Unlock()
	return s, nil
}

// Opened returns every session created so far, in creation order.
func (o *Opener) Opened() []*Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Session(nil), o.opened...)
}

// Element is a static harvest.Element.
type Element struct {
	Value    string
	Attrs    map[string]string
	Children map[string][]harvest.Element
}

// Text implements harvest.Element.
func (e Element) Text() string { return e.Value }

// Attr implements harvest.Element.
func (e Element) Attr(name string) string { return e.Attrs[name] }

// FindAll implements harvest.Element.
func (e Element) FindAll(selector string) []harvest.Element { return e.Children[selector] }
