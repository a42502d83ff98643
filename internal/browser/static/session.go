// Package static opens plain HTTP sessions backed by colly. They serve
// server-rendered pages and paginated listings; anything that needs a
// script engine reports harvest.ErrUnsupported.
package static

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/harvester/internal/browser/dom"
	"github.com/JakeFAU/harvester/internal/harvest"
)

// Config controls collector behavior.
type Config struct {
	UserAgents    []string
	RespectRobots bool
	Timeout       time.Duration
}

// Waiter paces requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// Opener hands out sessions that share one transport.
type Opener struct {
	cfg    Config
	base   *colly.Collector
	waiter Waiter
	seq    atomic.Uint64
}

var _ harvest.Opener = (*Opener)(nil)

// NewOpener builds the base collector.
func NewOpener(cfg Config, waiter Waiter) *Opener {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Opener{cfg: cfg, base: c, waiter: waiter}
}

// Open never touches the network.
func (o *Opener) Open(ctx context.Context) (harvest.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := o.seq.Add(1)
	return &Session{
		id:        fmt.Sprintf("http-%d", n),
		opener:    o,
		userAgent: o.userAgent(n),
	}, nil
}

func (o *Opener) userAgent(n uint64) string {
	if len(o.cfg.UserAgents) == 0 {
		return ""
	}
	return o.cfg.UserAgents[int((n-1)%uint64(len(o.cfg.UserAgents)))]
}

func (o *Opener) buildCollector(userAgent string) *colly.Collector {
	collector := o.base.Clone()
	if userAgent != "" {
		collector.UserAgent = userAgent
	}
	collector.IgnoreRobotsTxt = !o.cfg.RespectRobots
	// Clones share the visited store; sessions reload pages on retry.
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(o.cfg.Timeout)
	return collector
}

// Session keeps the last fetched document in memory.
type Session struct {
	id        string
	opener    *Opener
	userAgent string

	mu     sync.Mutex
	body   string
	loaded bool
	closed bool
}

var _ harvest.Session = (*Session)(nil)

// ID implements harvest.Session.
func (s *Session) ID() string { return s.id }

type page struct {
	status int
	body   []byte
	err    error
}

// Navigate fetches url and keeps the body for later queries.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.isClosed() {
		return fmt.Errorf("navigate %s: %w", url, harvest.ErrSessionInvalidated)
	}
	if s.opener.waiter != nil {
		if err := s.opener.waiter.Wait(ctx, url); err != nil {
			return err
		}
	}
	collector := s.opener.buildCollector(s.userAgent)
	var result page
	configureHooks(collector, &result)
	if err := runCollector(ctx, collector, url, &result); err != nil {
		return err
	}
	s.mu.Lock()
	s.body = string(result.body)
	s.loaded = true
	s.mu.Unlock()
	return nil
}

func configureHooks(hooks collectorHooks, result *page) {
	hooks.OnResponse(func(r *colly.Response) {
		result.status = r.StatusCode
		result.body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.status = r.StatusCode
			result.body = append([]byte(nil), r.Body...)
		}
		result.err = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, result *page) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("navigate %s: %w", url, ctx.Err())
	case err := <-done:
		switch {
		case result.status == http.StatusTooManyRequests, result.status == http.StatusServiceUnavailable:
			return fmt.Errorf("navigate %s: status %d: %w", url, result.status, harvest.ErrRateLimited)
		case result.err != nil:
			return fmt.Errorf("navigate %s: %w: %w", url, harvest.ErrTransientFetch, result.err)
		case err != nil:
			return fmt.Errorf("navigate %s: %w: %w", url, harvest.ErrTransientFetch, err)
		}
		return nil
	}
}

// Evaluate is not available without a script engine.
func (s *Session) Evaluate(context.Context, string, any) error {
	return fmt.Errorf("evaluate: %w", harvest.ErrUnsupported)
}

// WaitUntil is not available without a script engine.
func (s *Session) WaitUntil(context.Context, string, time.Duration) error {
	return fmt.Errorf("wait: %w", harvest.ErrUnsupported)
}

// FindAll queries the last fetched document.
func (s *Session) FindAll(ctx context.Context, selector string) ([]harvest.Element, error) {
	html, err := s.Content(ctx)
	if err != nil {
		return nil, err
	}
	return dom.FindAll(html, selector)
}

// Content returns the last fetched body.
func (s *Session) Content(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("read document: %w", harvest.ErrSessionInvalidated)
	}
	if !s.loaded {
		return "", errors.New("read document: nothing loaded")
	}
	return s.body, nil
}

// Alive reports whether Close has not been called.
func (s *Session) Alive(context.Context) bool {
	return !s.isClosed()
}

// Close drops the cached document.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.body = ""
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
