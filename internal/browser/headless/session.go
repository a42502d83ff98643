// Package headless opens JavaScript-capable sessions backed by chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/browser/dom"
	"github.com/JakeFAU/harvester/internal/harvest"
)

// Config controls browser launches.
type Config struct {
	Headless bool
	// UserAgents rotate across sessions; empty keeps Chrome's default.
	UserAgents        []string
	NavigationTimeout time.Duration
	DisableImages     bool
	WindowWidth       int
	WindowHeight      int
}

// Waiter paces navigations per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Opener launches one browser per session from a shared allocator.
type Opener struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	waiter      Waiter
	logger      *zap.Logger
	seq         atomic.Uint64
}

var _ harvest.Opener = (*Opener)(nil)

// NewOpener prepares the exec allocator. No browser starts until Open.
func NewOpener(cfg Config, waiter Waiter, logger *zap.Logger) *Opener {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = 1366, 900
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	if cfg.DisableImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Opener{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		waiter:      waiter,
		logger:      logger,
	}
}

// Close stops every browser started by the opener.
func (o *Opener) Close() {
	o.allocCancel()
}

// Open starts a browser, applies the user agent and network settings and
// returns it as a session.
func (o *Opener) Open(ctx context.Context) (harvest.Session, error) {
	n := o.seq.Add(1)
	tabCtx, cancel := chromedp.NewContext(o.allocator)
	s := &Session{
		id:     fmt.Sprintf("chrome-%d", n),
		ctx:    tabCtx,
		cancel: cancel,
		cfg:    o.cfg,
		waiter: o.waiter,
	}
	ua := o.userAgent(n)
	startCtx, stop := s.bind(ctx, o.cfg.NavigationTimeout)
	defer stop()
	if err := chromedp.Run(startCtx, setupAction(ua)); err != nil {
		cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	chromedp.ListenTarget(tabCtx, s.doc.captureEvent)
	o.logger.Debug("browser session started", zap.String("session_id", s.id), zap.String("user_agent", ua))
	return s, nil
}

func (o *Opener) userAgent(n uint64) string {
	if len(o.cfg.UserAgents) == 0 {
		return ""
	}
	return o.cfg.UserAgents[int((n-1)%uint64(len(o.cfg.UserAgents)))]
}

func setupAction(userAgent string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// Session is one browser driven through chromedp.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	waiter Waiter
	doc    documentStatus

	closeOnce sync.Once
	closeErr  error
}

var _ harvest.Session = (*Session)(nil)

// ID implements harvest.Session.
func (s *Session) ID() string { return s.id }

// Navigate loads url and waits for the body to be ready.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.waiter != nil {
		if err := s.waiter.Wait(ctx, url); err != nil {
			return err
		}
	}
	runCtx, stop := s.bind(ctx, s.cfg.NavigationTimeout)
	defer stop()
	s.doc.reset()
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return s.mapErr(ctx, fmt.Sprintf("navigate %s", url), err)
	}
	if status := s.doc.get(); throttledStatus(status) {
		return fmt.Errorf("navigate %s: status %d: %w", url, status, harvest.ErrRateLimited)
	}
	return nil
}

// Evaluate runs script; a nil out discards the result.
func (s *Session) Evaluate(ctx context.Context, script string, out any) error {
	runCtx, stop := s.bind(ctx, s.cfg.NavigationTimeout)
	defer stop()
	var action chromedp.Action
	if out == nil {
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			_, exc, err := runtime.Evaluate(script).Do(ctx)
			if err != nil {
				return err
			}
			if exc != nil {
				return fmt.Errorf("script exception: %s", exc.Text)
			}
			return nil
		})
	} else {
		action = chromedp.Evaluate(script, out)
	}
	if err := chromedp.Run(runCtx, action); err != nil {
		return s.mapErr(ctx, "evaluate", err)
	}
	return nil
}

// WaitUntil polls predicate until it is truthy or timeout elapses.
func (s *Session) WaitUntil(ctx context.Context, predicate string, timeout time.Duration) error {
	runCtx, stop := s.bind(ctx, 0)
	defer stop()
	var ok bool
	err := chromedp.Run(runCtx, chromedp.Poll("!!("+predicate+")", &ok,
		chromedp.WithPollingTimeout(timeout),
		chromedp.WithPollingInterval(250*time.Millisecond),
	))
	if errors.Is(err, chromedp.ErrPollingTimeout) {
		return fmt.Errorf("wait for %q: %w", predicate, harvest.ErrTimedOut)
	}
	if err != nil {
		return s.mapErr(ctx, "wait", err)
	}
	return nil
}

// FindAll queries the rendered document.
func (s *Session) FindAll(ctx context.Context, selector string) ([]harvest.Element, error) {
	html, err := s.Content(ctx)
	if err != nil {
		return nil, err
	}
	return dom.FindAll(html, selector)
}

// Content returns the outer HTML of the document.
func (s *Session) Content(ctx context.Context) (string, error) {
	runCtx, stop := s.bind(ctx, s.cfg.NavigationTimeout)
	defer stop()
	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", s.mapErr(ctx, "read document", err)
	}
	return html, nil
}

// Alive evaluates a trivial expression in the page.
func (s *Session) Alive(ctx context.Context) bool {
	if s.ctx.Err() != nil {
		return false
	}
	runCtx, stop := s.bind(ctx, 0)
	defer stop()
	var one int
	return chromedp.Run(runCtx, chromedp.Evaluate("1", &one)) == nil && one == 1
}

// Close shuts the browser down.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if err := chromedp.Cancel(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.closeErr = fmt.Errorf("close browser: %w", err)
		}
		s.cancel()
	})
	return s.closeErr
}

// bind derives a context from the session that also ends with the caller's
// ctx, plus an optional timeout.
func (s *Session) bind(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(s.ctx)
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		prev := cancel
		cancel = func() {
			cancelTimeout()
			prev()
		}
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// mapErr sorts chromedp failures into the shared taxonomy.
func (s *Session) mapErr(ctx context.Context, op string, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case s.ctx.Err() != nil:
		return fmt.Errorf("%s: %w: %w", op, harvest.ErrSessionInvalidated, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, harvest.ErrTransientFetch, err)
	case isTargetGone(err):
		return fmt.Errorf("%s: %w: %w", op, harvest.ErrSessionInvalidated, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, harvest.ErrTransientFetch, err)
	}
}

func isTargetGone(err error) bool {
	return errors.Is(err, chromedp.ErrInvalidContext) ||
		errors.Is(err, chromedp.ErrChannelClosed) ||
		errors.Is(err, chromedp.ErrInvalidTarget)
}

// documentStatus remembers the HTTP status of the last top-level document.
type documentStatus struct {
	mu     sync.Mutex
	status int64
}

func (d *documentStatus) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	d.status = resp.Response.Status
	d.mu.Unlock()
}

func (d *documentStatus) reset() {
	d.mu.Lock()
	d.status = 0
	d.mu.Unlock()
}

func (d *documentStatus) get() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func throttledStatus(status int64) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}
