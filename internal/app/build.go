package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/browser/headless"
	"github.com/JakeFAU/harvester/internal/browser/static"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/harvester/internal/sink/csvfile"
	"github.com/JakeFAU/harvester/internal/sink/postgres"
)

// Build constructs the session engine and output sink named by cfg.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (Deps, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sink, err := NewSink(ctx, cfg, logger)
	if err != nil {
		return Deps{}, err
	}
	opener, closeOpener, err := NewOpener(cfg, logger)
	if err != nil {
		_ = sink.Close()
		return Deps{}, err
	}
	return Deps{
		Opener:   opener,
		Sink:     sink,
		Registry: prometheus.NewRegistry(),
		Close: func() {
			closeOpener()
			if err := sink.Close(); err != nil {
				logger.Warn("close sink", zap.Error(err))
			}
		},
	}, nil
}

// NewSink opens the configured output backend.
func NewSink(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvest.Sink, error) {
	switch cfg.Sink.Driver {
	case "", "csv":
		s, err := csvfile.New(csvfile.Config{Dir: cfg.Sink.Dir, Topic: cfg.Run.Topic}, logger.Named("csv"))
		if err != nil {
			return nil, fmt.Errorf("open csv sink: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.Sink.DSN,
			Topic:           cfg.Run.Topic,
			MaxConns:        cfg.Sink.MaxConns,
			MaxConnLifetime: 30 * time.Minute,
		}, logger.Named("postgres"))
		if err != nil {
			return nil, fmt.Errorf("open postgres sink: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown sink driver %q", cfg.Sink.Driver)
	}
}

// NewOpener builds the configured session engine and its per-host limiter.
// The returned func releases engine resources.
func NewOpener(cfg config.Config, logger *zap.Logger) (harvest.Opener, func(), error) {
	limiterLog := logger.Named("limiter")
	limiter := ratelimit.NewLimiter(ratelimit.LimiterConfig{
		PerHostQPS: cfg.RateLimit.PerHostQPS,
		Burst:      cfg.RateLimit.Burst,
		OnDelay: func(host string, wait time.Duration) {
			limiterLog.Debug("navigation delayed", zap.String("host", host), zap.Duration("wait", wait))
		},
	})
	switch cfg.Browser.Engine {
	case "", "chromedp":
		o := headless.NewOpener(headless.Config{
			Headless:          cfg.Browser.Headless,
			UserAgents:        cfg.Browser.UserAgents,
			NavigationTimeout: cfg.Browser.NavigationTimeout,
			DisableImages:     cfg.Browser.DisableImages,
			WindowWidth:       cfg.Browser.WindowWidth,
			WindowHeight:      cfg.Browser.WindowHeight,
		}, limiter, logger.Named("chromedp"))
		return o, o.Close, nil
	case "static":
		o := static.NewOpener(static.Config{
			UserAgents:    cfg.Browser.UserAgents,
			RespectRobots: cfg.Browser.RespectRobots,
			Timeout:       cfg.Browser.NavigationTimeout,
		}, limiter)
		return o, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown browser engine %q", cfg.Browser.Engine)
	}
}
