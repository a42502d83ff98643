// Package discovery enumerates target keys from a listing, either by following
// pagination or by repeatedly revealing more content until it stops growing.
package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/progress"
)

// Source is the capability set a listing exposes to the discoverer.
type Source interface {
	// Start loads the listing entry point.
	Start(ctx context.Context) error
	// HasPagination is probed once to choose the strategy.
	HasPagination(ctx context.Context) (bool, error)
	// Keys extracts every key currently visible.
	Keys(ctx context.Context) ([]string, error)
	// Reveal asks the listing for more content (scroll, "load more").
	Reveal(ctx context.Context) error
	// SizeProxy reports a number that changes when the listing grows.
	SizeProxy(ctx context.Context) (int64, error)
	// NextPage returns the locator of the next page, or "" when there is none.
	NextPage(ctx context.Context) (string, error)
	// OpenPage navigates to a locator returned by NextPage.
	OpenPage(ctx context.Context, locator string) error
}

// Strategy names how keys were enumerated.
type Strategy string

// Discovery strategies.
const (
	StrategyPaginated   Strategy = "paginated"
	StrategyIncremental Strategy = "incremental"
)

// Config bounds the discovery loops.
type Config struct {
	// MaxSameRounds is the number of consecutive reveal rounds without growth
	// that ends incremental discovery.
	MaxSameRounds int
	// MaxRounds caps incremental reveal rounds.
	MaxRounds int
	// MaxPages caps paginated discovery.
	MaxPages int
	// SettleWait is slept after each reveal.
	SettleWait time.Duration
	// StartLocator is the entry page; a "next" link pointing back to it ends
	// pagination like any other visited page.
	StartLocator string
}

// Result is the ordered, duplicate-free key set plus loop statistics.
type Result struct {
	Keys     []string
	Strategy Strategy
	Rounds   int
	Pages    int
	Duration time.Duration
}

// Discoverer runs one discovery pass.
type Discoverer struct {
	cfg     Config
	sleep   harvest.Sleeper
	logger  *zap.Logger
	emitter progress.Emitter
}

// New builds a Discoverer. Nil collaborators fall back to no-op defaults.
func New(cfg Config, sleep harvest.Sleeper, emitter progress.Emitter, logger *zap.Logger) *Discoverer {
	if cfg.MaxSameRounds <= 0 {
		cfg.MaxSameRounds = 8
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 500
	}
	if sleep == nil {
		sleep = harvest.Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	return &Discoverer{cfg: cfg, sleep: sleep, logger: logger, emitter: emitter}
}

// Discover enumerates keys from src. On any source failure the keys gathered
// so far are returned together with an error wrapping harvest.ErrDiscoveryAborted.
func (d *Discoverer) Discover(ctx context.Context, src Source) (Result, error) {
	start := time.Now()
	acc := newAccumulator()
	res := Result{}

	finish := func(err error) (Result, error) {
		res.Keys = acc.keys()
		res.Duration = time.Since(start)
		d.emitter.Emit(progress.Event{
			Stage: progress.StageDiscoveryDone,
			Count: int64(len(res.Keys)),
			Dur:   res.Duration,
			Note:  string(res.Strategy),
		})
		if err != nil {
			d.logger.Warn("discovery aborted, keeping partial result",
				zap.Int("keys", len(res.Keys)), zap.Error(err))
			return res, fmt.Errorf("%w: %w", harvest.ErrDiscoveryAborted, err)
		}
		d.logger.Info("discovery finished",
			zap.String("strategy", string(res.Strategy)),
			zap.Int("keys", len(res.Keys)),
			zap.Int("rounds", res.Rounds),
			zap.Int("pages", res.Pages),
			zap.Duration("elapsed", res.Duration))
		return res, nil
	}

	if err := src.Start(ctx); err != nil {
		return finish(fmt.Errorf("open listing: %w", err))
	}
	paginated, err := src.HasPagination(ctx)
	if err != nil {
		return finish(fmt.Errorf("probe pagination: %w", err))
	}
	if paginated {
		res.Strategy = StrategyPaginated
		err = d.paginate(ctx, src, acc, &res)
	} else {
		res.Strategy = StrategyIncremental
		err = d.reveal(ctx, src, acc, &res)
	}
	return finish(err)
}

func (d *Discoverer) paginate(ctx context.Context, src Source, acc *accumulator, res *Result) error {
	visited := map[string]struct{}{}
	if d.cfg.StartLocator != "" {
		visited[d.cfg.StartLocator] = struct{}{}
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys, err := src.Keys(ctx)
		if err != nil {
			return fmt.Errorf("extract page %d: %w", res.Pages+1, err)
		}
		added := acc.merge(keys)
		res.Pages++
		d.logger.Info("listing page processed",
			zap.Int("page", res.Pages), zap.Int("new_keys", added), zap.Int("total", acc.len()))
		d.emitter.Emit(progress.Event{Stage: progress.StageDiscoveryRound, Index: res.Pages, Count: int64(acc.len())})

		if res.Pages >= d.cfg.MaxPages {
			d.logger.Warn("page cap reached", zap.Int("max_pages", d.cfg.MaxPages))
			return nil
		}
		next, err := src.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("find next page: %w", err)
		}
		if next == "" {
			return nil
		}
		if _, seen := visited[next]; seen {
			d.logger.Debug("next page already visited", zap.String("locator", next))
			return nil
		}
		visited[next] = struct{}{}
		if err := src.OpenPage(ctx, next); err != nil {
			return fmt.Errorf("open page %q: %w", next, err)
		}
	}
}

func (d *Discoverer) reveal(ctx context.Context, src Source, acc *accumulator, res *Result) error {
	keys, err := src.Keys(ctx)
	if err != nil {
		return fmt.Errorf("initial extract: %w", err)
	}
	acc.merge(keys)
	lastSize, err := src.SizeProxy(ctx)
	if err != nil {
		return fmt.Errorf("read size: %w", err)
	}

	same := 0
	for same < d.cfg.MaxSameRounds && res.Rounds < d.cfg.MaxRounds {
		res.Rounds++
		if err := src.Reveal(ctx); err != nil {
			return fmt.Errorf("reveal round %d: %w", res.Rounds, err)
		}
		if d.cfg.SettleWait > 0 {
			if err := d.sleep(ctx, d.cfg.SettleWait); err != nil {
				return err
			}
		}
		keys, err := src.Keys(ctx)
		if err != nil {
			return fmt.Errorf("extract round %d: %w", res.Rounds, err)
		}
		added := acc.merge(keys)
		size, err := src.SizeProxy(ctx)
		if err != nil {
			return fmt.Errorf("read size round %d: %w", res.Rounds, err)
		}
		if added > 0 || size != lastSize {
			same = 0
		} else {
			same++
		}
		lastSize = size
		d.logger.Debug("reveal round",
			zap.Int("round", res.Rounds), zap.Int("new_keys", added),
			zap.Int("total", acc.len()), zap.Int("same_rounds", same))
		d.emitter.Emit(progress.Event{Stage: progress.StageDiscoveryRound, Index: res.Rounds, Count: int64(acc.len())})
	}
	if same < d.cfg.MaxSameRounds {
		d.logger.Warn("reveal round cap reached", zap.Int("max_rounds", d.cfg.MaxRounds))
	}
	return nil
}

// accumulator keeps keys unique in first-seen order.
type accumulator struct {
	seen  map[string]struct{}
	order []string
}

func newAccumulator() *accumulator {
	return &accumulator{seen: map[string]struct{}{}}
}

func (a *accumulator) merge(keys []string) int {
	added := 0
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := a.seen[k]; ok {
			continue
		}
		a.seen[k] = struct{}{}
		a.order = append(a.order, k)
		added++
	}
	return added
}

func (a *accumulator) keys() []string {
	return append([]string{}, a.order...)
}

func (a *accumulator) len() int {
	return len(a.order)
}
