package ratelimit

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// DefaultSignatures are the lowercase markers of a throttling page.
var DefaultSignatures = []string{
	"too many requests",
	"rate limited",
	"attention required",
	"error 429",
}

// GuardConfig tunes throttle detection and cooldowns.
type GuardConfig struct {
	Signatures   []string
	CooldownMin  time.Duration
	CooldownMax  time.Duration
	MaxThrottles int
}

// Guard inspects page content for throttling and enforces cooldowns.
type Guard struct {
	signatures   []string
	cooldownMin  time.Duration
	cooldownMax  time.Duration
	maxThrottles int
	sleep        harvest.Sleeper
	logger       *zap.Logger
}

// NewGuard builds a Guard. A nil sleeper uses harvest.Sleep.
func NewGuard(cfg GuardConfig, sleep harvest.Sleeper, logger *zap.Logger) *Guard {
	sigs := cfg.Signatures
	if len(sigs) == 0 {
		sigs = DefaultSignatures
	}
	normalized := make([]string, 0, len(sigs))
	for _, s := range sigs {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			normalized = append(normalized, s)
		}
	}
	if cfg.CooldownMax < cfg.CooldownMin {
		cfg.CooldownMax = cfg.CooldownMin
	}
	if cfg.MaxThrottles <= 0 {
		cfg.MaxThrottles = 3
	}
	if sleep == nil {
		sleep = harvest.Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		signatures:   normalized,
		cooldownMin:  cfg.CooldownMin,
		cooldownMax:  cfg.CooldownMax,
		maxThrottles: cfg.MaxThrottles,
		sleep:        sleep,
		logger:       logger,
	}
}

// IsThrottled reports whether content matches any throttling signature,
// case-insensitively.
func (g *Guard) IsThrottled(content string) bool {
	lower := strings.ToLower(content)
	for _, sig := range g.signatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// Check returns an error wrapping harvest.ErrRateLimited when content is a
// throttling page.
func (g *Guard) Check(content string) error {
	if g.IsThrottled(content) {
		return fmt.Errorf("throttling page: %w", harvest.ErrRateLimited)
	}
	return nil
}

// CheckSession runs Check against the session's current document. A failure
// to read the document is reported as a session problem.
func (g *Guard) CheckSession(ctx context.Context, s harvest.Session) error {
	content, err := s.Content(ctx)
	if err != nil {
		return fmt.Errorf("read page for throttle check: %w: %w", harvest.ErrSessionInvalidated, err)
	}
	if err := g.Check(content); err != nil {
		return fmt.Errorf("session %s: %w", s.ID(), err)
	}
	return nil
}

// AwaitCooldown sleeps a random duration in [CooldownMin, CooldownMax].
func (g *Guard) AwaitCooldown(ctx context.Context) error {
	wait := g.CooldownDuration()
	g.logger.Warn("rate limit detected, cooling down", zap.Duration("cooldown", wait))
	if err := g.sleep(ctx, wait); err != nil {
		return fmt.Errorf("cooldown interrupted: %w", err)
	}
	return nil
}

// CooldownDuration draws one cooldown length.
func (g *Guard) CooldownDuration() time.Duration {
	return RandomBetween(g.cooldownMin, g.cooldownMax)
}

// MaxThrottles is the number of throttling encounters tolerated per task.
func (g *Guard) MaxThrottles() int {
	return g.maxThrottles
}

// RandomBetween returns a uniformly distributed duration in [lo, hi].
func RandomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo)+1))
	if err != nil {
		return lo + (hi-lo)/2
	}
	return lo + time.Duration(n.Int64())
}
