// Package session maintains a fixed-size pool of reusable fetching sessions.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Config sizes the pool.
type Config struct {
	Size int
	// CreateInterval staggers the initial session launches.
	CreateInterval time.Duration
	// ProbeTimeout bounds each liveness probe. Zero means 5s.
	ProbeTimeout time.Duration
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size    int // configured size
	Live    int // sessions idle or lent out
	Idle    int
	Created int
	Closed  int
}

// Pool lends sessions to one borrower at a time. Live sessions (idle plus
// lent out) never exceed the configured size; failed recreations shrink it.
type Pool struct {
	cfg    Config
	opener harvest.Opener
	logger *zap.Logger
	sleep  harvest.Sleeper

	idle chan harvest.Session

	mu      sync.Mutex
	live    int
	created int
	closedN int

	closed        chan struct{}
	closeOnce     sync.Once
	exhausted     chan struct{}
	exhaustedOnce sync.Once
}

// Option customizes a Pool.
type Option func(*Pool)

// WithSleeper overrides the sleep used between initial creations.
func WithSleeper(s harvest.Sleeper) Option {
	return func(p *Pool) {
		if s != nil {
			p.sleep = s
		}
	}
}

// New eagerly opens cfg.Size sessions. Creation failures are logged and
// shrink the pool; if none succeed the error wraps harvest.ErrPoolExhausted.
func New(ctx context.Context, cfg Config, opener harvest.Opener, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("session pool size must be > 0, got %d", cfg.Size)
	}
	if opener == nil {
		return nil, fmt.Errorf("session pool requires an opener")
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:       cfg,
		opener:    opener,
		logger:    logger,
		sleep:     harvest.Sleep,
		idle:      make(chan harvest.Session, cfg.Size),
		closed:    make(chan struct{}),
		exhausted: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < cfg.Size; i++ {
		if i > 0 && cfg.CreateInterval > 0 {
			if err := p.sleep(ctx, cfg.CreateInterval); err != nil {
				p.Shutdown()
				return nil, fmt.Errorf("create sessions: %w", err)
			}
		}
		s, err := opener.Open(ctx)
		if err != nil {
			logger.Warn("session creation failed", zap.Int("slot", i+1), zap.Error(err))
			continue
		}
		p.mu.Lock()
		p.live++
		p.created++
		p.mu.Unlock()
		p.idle <- s
		logger.Debug("session created", zap.String("session_id", s.ID()), zap.Int("slot", i+1))
	}

	if p.Stats().Live == 0 {
		p.markExhausted()
		return nil, fmt.Errorf("no session could be created: %w", harvest.ErrPoolExhausted)
	}
	logger.Info("session pool ready", zap.Int("size", cfg.Size), zap.Int("live", p.Stats().Live))
	return p, nil
}

// Acquire blocks until an idle session is available. Idle sessions that fail
// the liveness probe are recreated before being handed out.
func (p *Pool) Acquire(ctx context.Context) (harvest.Session, error) {
	for {
		if p.isClosed() {
			return nil, harvest.ErrPoolClosed
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire session: %w", ctx.Err())
		case <-p.closed:
			return nil, harvest.ErrPoolClosed
		case <-p.exhausted:
			return nil, harvest.ErrPoolExhausted
		case s := <-p.idle:
			if p.isClosed() {
				p.discard(s)
				return nil, harvest.ErrPoolClosed
			}
			if p.alive(ctx, s) {
				return s, nil
			}
			p.logger.Warn("idle session failed probe, recreating", zap.String("session_id", s.ID()))
			fresh, err := p.recreate(ctx, s)
			if err != nil {
				continue
			}
			return fresh, nil
		}
	}
}

// Release returns a borrowed session. Dead sessions are replaced before the
// slot becomes available again.
func (p *Pool) Release(ctx context.Context, s harvest.Session) {
	if s == nil {
		return
	}
	if p.isClosed() {
		p.discard(s)
		return
	}
	if !p.alive(ctx, s) {
		p.logger.Warn("released session is dead, recreating", zap.String("session_id", s.ID()))
		fresh, err := p.recreate(ctx, s)
		if err != nil {
			return
		}
		s = fresh
	}
	p.put(s)
}

// Replace discards s and lends the caller a freshly opened session in its
// place. The new session must be released like any acquired one. On failure
// the slot is gone and the pool has shrunk.
func (p *Pool) Replace(ctx context.Context, s harvest.Session) (harvest.Session, error) {
	if s == nil {
		return nil, fmt.Errorf("replace: nil session")
	}
	if p.isClosed() {
		p.discard(s)
		return nil, harvest.ErrPoolClosed
	}
	return p.recreate(ctx, s)
}

// Shutdown closes every idle session. Sessions still lent out are closed when
// they come back. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	for {
		select {
		case s := <-p.idle:
			p.discard(s)
		default:
			return
		}
	}
}

// Stats reports current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:    p.cfg.Size,
		Live:    p.live,
		Idle:    len(p.idle),
		Created: p.created,
		Closed:  p.closedN,
	}
}

func (p *Pool) put(s harvest.Session) {
	if p.isClosed() {
		p.discard(s)
		return
	}
	p.idle <- s
	// Shutdown may have drained the channel between the check and the send.
	if p.isClosed() {
		p.Shutdown()
	}
}

// recreate closes old and opens a replacement. On failure the pool shrinks.
func (p *Pool) recreate(ctx context.Context, old harvest.Session) (harvest.Session, error) {
	p.closeSession(old)
	s, err := p.opener.Open(ctx)
	if err != nil {
		p.logger.Error("session recreation failed, shrinking pool", zap.Error(err))
		p.shrink()
		return nil, fmt.Errorf("recreate session: %w", err)
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	p.logger.Debug("session recreated", zap.String("old_id", old.ID()), zap.String("session_id", s.ID()))
	return s, nil
}

func (p *Pool) discard(s harvest.Session) {
	p.closeSession(s)
	p.shrink()
}

func (p *Pool) closeSession(s harvest.Session) {
	if err := s.Close(); err != nil {
		p.logger.Debug("session close failed", zap.String("session_id", s.ID()), zap.Error(err))
	}
	p.mu.Lock()
	p.closedN++
	p.mu.Unlock()
}

func (p *Pool) shrink() {
	p.mu.Lock()
	p.live--
	live := p.live
	p.mu.Unlock()
	if live <= 0 {
		p.markExhausted()
	}
}

func (p *Pool) markExhausted() {
	p.exhaustedOnce.Do(func() {
		close(p.exhausted)
	})
}

func (p *Pool) alive(ctx context.Context, s harvest.Session) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	return s.Alive(probeCtx)
}

func (p *Pool) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
