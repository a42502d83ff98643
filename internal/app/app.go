// Package app wires configuration into a complete harvest run: sink, session
// engine, discovery, scheduling and progress reporting.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/api"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/discovery"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/harvester/internal/progress"
	"github.com/JakeFAU/harvester/internal/progress/sinks"
	"github.com/JakeFAU/harvester/internal/scheduler"
	"github.com/JakeFAU/harvester/internal/session"
	"github.com/JakeFAU/harvester/internal/site"
)

// Mode selects what a run does.
type Mode string

// Run modes.
const (
	// ModeFull discovers keys and extracts primary and detail records.
	ModeFull Mode = "full"
	// ModeDetails re-collects detail records for keys already in the primary output.
	ModeDetails Mode = "details"
)

// Deps are the collaborators a run is built from. Build constructs the real
// ones from configuration; tests supply fakes.
type Deps struct {
	Opener   harvest.Opener
	Sink     harvest.Sink
	Registry *prometheus.Registry
	Sleep    harvest.Sleeper
	Now      func() time.Time
	// Close releases engine resources after the run.
	Close func()
	// OnReady, when set, is called once the outputs are initialized.
	OnReady func()
}

// Summary reports the counts and timings of a finished run.
type Summary struct {
	RunID       uuid.UUID
	Mode        Mode
	Discovered  int
	Known       int
	Scheduled   int
	Succeeded   int
	Failed      int
	RateLimited int
	Details     int
	Discovery   time.Duration
	Scraping    time.Duration
	Total       time.Duration
}

// Run builds the real dependencies and executes one run.
func Run(ctx context.Context, cfg config.Config, mode Mode, logger *zap.Logger) (Summary, error) {
	deps, err := Build(ctx, cfg, logger)
	if err != nil {
		return Summary{}, err
	}
	defer deps.Close()
	return Execute(ctx, cfg, mode, deps, logger)
}

// Execute runs a harvest with the supplied dependencies. Only sink
// initialization and total pool-creation failure abort the run; per-key
// failures are reported in the summary.
func Execute(ctx context.Context, cfg config.Config, mode Mode, deps Deps, logger *zap.Logger) (Summary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = harvest.Sleep
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}

	runID, err := uuid.NewV7()
	if err != nil {
		return Summary{}, fmt.Errorf("generate run id: %w", err)
	}
	start := deps.Now()
	summary := Summary{RunID: runID, Mode: mode}
	logger = logger.With(zap.String("run_id", runID.String()), zap.String("topic", cfg.Run.Topic))

	stats := sinks.NewStatsSink()
	promSink, err := sinks.NewPrometheusSink(deps.Registry)
	if err != nil {
		return summary, fmt.Errorf("progress metrics: %w", err)
	}
	hub, err := progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		SinkTimeout:    cfg.Progress.SinkTimeout,
		Logger:         logger.Named("progress"),
	}, sinks.NewLogSink(logger.Named("events")), stats, promSink)
	if err != nil {
		return summary, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close failed", zap.Error(err))
		}
	}()
	events := progress.NewRecorder(hub, runID, deps.Now)

	var ready atomic.Bool
	if cfg.Server.Enabled {
		stopServer, err := startStatusServer(ctx, cfg, deps.Registry, stats, &ready, logger)
		if err != nil {
			return summary, err
		}
		defer stopServer()
	}

	if err := initSink(ctx, deps.Sink); err != nil {
		return summary, err
	}
	ready.Store(true)
	if deps.OnReady != nil {
		deps.OnReady()
	}
	events.Emit(progress.Event{Stage: progress.StageRunStart, Note: string(mode)})

	var tasks []harvest.Task
	switch mode {
	case ModeDetails:
		tasks, err = detailTasks(ctx, deps.Sink)
		if err != nil {
			return summary, err
		}
		summary.Known = len(tasks)
	default:
		known, err := deps.Sink.LoadKnownKeys(ctx)
		if err != nil {
			return summary, fmt.Errorf("load known keys: %w", err)
		}
		summary.Known = known.Len()
		logger.Info("resume state loaded", zap.Int("known_keys", known.Len()))

		discoveryStart := deps.Now()
		keys, err := discover(ctx, cfg, deps, events, logger)
		summary.Discovery = deps.Now().Sub(discoveryStart)
		summary.Discovered = len(keys)
		if err != nil {
			if ctx.Err() != nil {
				return summary, err
			}
			logger.Warn("continuing with partial discovery", zap.Error(err))
		}
		tasks = harvest.NewTasks(known.Filter(keys))
	}
	summary.Scheduled = len(tasks)

	if len(tasks) == 0 {
		logger.Info("nothing to harvest",
			zap.Int("discovered", summary.Discovered), zap.Int("known", summary.Known))
		summary.Total = deps.Now().Sub(start)
		events.Emit(progress.Event{Stage: progress.StageRunDone, Dur: summary.Total})
		return summary, nil
	}

	scrapeStart := deps.Now()
	if err := harvestTasks(ctx, cfg, mode, deps, tasks, events, &summary, logger); err != nil {
		return summary, err
	}
	summary.Scraping = deps.Now().Sub(scrapeStart)
	summary.Total = deps.Now().Sub(start)
	events.Emit(progress.Event{Stage: progress.StageRunDone, Dur: summary.Total, Count: int64(summary.Succeeded)})

	logger.Info("run finished",
		zap.String("mode", string(mode)),
		zap.Int("scheduled", summary.Scheduled),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("rate_limited", summary.RateLimited),
		zap.Int("detail_rows", summary.Details),
		zap.Duration("discovery", summary.Discovery),
		zap.Duration("scraping", summary.Scraping),
		zap.Duration("total", summary.Total),
	)
	return summary, nil
}

func initSink(ctx context.Context, sink harvest.Sink) error {
	if err := sink.EnsureInitialized(ctx, harvest.StreamPrimary, site.PrimarySchema); err != nil {
		return fmt.Errorf("initialize primary output: %w", err)
	}
	if err := sink.EnsureInitialized(ctx, harvest.StreamDetail, site.DetailSchema); err != nil {
		return fmt.Errorf("initialize detail output: %w", err)
	}
	return nil
}

// detailTasks builds one task per stored primary row.
func detailTasks(ctx context.Context, sink harvest.Sink) ([]harvest.Task, error) {
	rows, err := sink.LoadRows(ctx, harvest.StreamPrimary, site.ColURL, site.ColProductName)
	if err != nil {
		return nil, fmt.Errorf("load primary rows: %w", err)
	}
	seen := make(map[string]struct{}, len(rows))
	tasks := make([]harvest.Task, 0, len(rows))
	for _, row := range rows {
		key := strings.TrimSpace(row[site.ColURL])
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		tasks = append(tasks, harvest.Task{Key: key, Name: row[site.ColProductName]})
	}
	for i := range tasks {
		tasks[i].Index = i + 1
		tasks[i].Total = len(tasks)
	}
	return tasks, nil
}

// discover runs the listing on a dedicated session that is closed afterwards.
func discover(ctx context.Context, cfg config.Config, deps Deps, events progress.Emitter, logger *zap.Logger) ([]string, error) {
	s, err := deps.Opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open discovery session: %w", harvest.ErrDiscoveryAborted, err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Debug("close discovery session", zap.Error(err))
		}
	}()
	if cfg.Browser.WarmupURL != "" {
		if err := s.Navigate(ctx, cfg.Browser.WarmupURL); err != nil {
			logger.Warn("warmup navigation failed", zap.String("url", cfg.Browser.WarmupURL), zap.Error(err))
		}
	}

	guard := newGuard(cfg, deps.Sleep, logger)
	src := site.NewListingSource(s, guard, cfg.Selectors, cfg.Run.StartURL, cfg.Discovery.WaitTimeout, logger.Named("listing"))
	d := discovery.New(discovery.Config{
		MaxSameRounds: cfg.Discovery.MaxSameRounds,
		MaxRounds:     cfg.Discovery.MaxRounds,
		MaxPages:      cfg.Discovery.MaxPages,
		SettleWait:    cfg.Discovery.SettleWait,
		StartLocator:  cfg.Run.StartURL,
	}, deps.Sleep, events, logger.Named("discovery"))
	res, err := d.Discover(ctx, src)
	return res.Keys, err
}

func harvestTasks(
	ctx context.Context,
	cfg config.Config,
	mode Mode,
	deps Deps,
	tasks []harvest.Task,
	events progress.Emitter,
	summary *Summary,
	logger *zap.Logger,
) error {
	size := min(cfg.Pool.Size, len(tasks))
	pool, err := session.New(ctx, session.Config{
		Size:           size,
		CreateInterval: cfg.Pool.CreateInterval,
		ProbeTimeout:   cfg.Pool.ProbeTimeout,
	}, deps.Opener, logger.Named("pool"), session.WithSleeper(deps.Sleep))
	if err != nil {
		return fmt.Errorf("start session pool: %w", err)
	}
	defer pool.Shutdown()

	guard := newGuard(cfg, deps.Sleep, logger)
	pipeline := site.NewPipeline(cfg.Selectors, guard, deps.Sink,
		site.WithSleeper(deps.Sleep),
		site.WithEmitter(events),
		site.WithLogger(logger.Named("pipeline")),
		site.WithDefaultBrand(titleCase(cfg.Run.Topic)),
	)
	var work scheduler.Pipeline = pipeline
	if mode == ModeDetails {
		work = scheduler.PipelineFunc(pipeline.ProcessDetails)
	}
	sched, err := scheduler.New(scheduler.Config{
		Concurrency:   cfg.Scheduler.Concurrency,
		CoolDownEvery: cfg.Scheduler.CoolDownEvery,
		CoolDownFor:   cfg.Scheduler.CoolDownFor,
		DelayMin:      cfg.Scheduler.DelayMin,
		DelayMax:      cfg.Scheduler.DelayMax,
		ErrorLimit:    cfg.Scheduler.ErrorLimit,
	}, scheduler.RetryPolicy{
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
		MinWait:      cfg.Scheduler.BackoffMin,
		MaxWait:      cfg.Scheduler.BackoffMax,
		MaxThrottles: guard.MaxThrottles(),
	}, pool, work, guard,
		scheduler.WithSleeper(deps.Sleep),
		scheduler.WithEmitter(events),
		scheduler.WithLogger(logger.Named("scheduler")),
	)
	if err != nil {
		return err
	}

	logger.Info("harvest started",
		zap.Int("tasks", len(tasks)), zap.Int("sessions", pool.Stats().Live), zap.Int("concurrency", cfg.Scheduler.Concurrency))
	for outcome := range sched.Run(ctx, tasks) {
		record(summary, outcome, logger)
	}
	return nil
}

func record(summary *Summary, o harvest.Outcome, logger *zap.Logger) {
	prefix := fmt.Sprintf("[%d/%d (%.1f%%)]", o.Task.Index, o.Task.Total, o.Task.Percent())
	if o.Succeeded() {
		summary.Succeeded++
		summary.Details += len(o.Result.Details)
		logger.Info(prefix+" done",
			zap.String("key", o.Key()),
			zap.String("name", o.Result.Name),
			zap.Int("details", len(o.Result.Details)),
			zap.Int("attempts", o.Attempts),
			zap.Duration("elapsed", o.Duration))
		return
	}
	summary.Failed++
	if o.Kind == harvest.KindRateLimited {
		summary.RateLimited++
	}
	logger.Warn(prefix+" failed",
		zap.String("key", o.Key()),
		zap.String("kind", string(o.Kind)),
		zap.String("error", o.Error),
		zap.Int("attempts", o.Attempts))
}

func newGuard(cfg config.Config, sleep harvest.Sleeper, logger *zap.Logger) *ratelimit.Guard {
	return ratelimit.NewGuard(ratelimit.GuardConfig{
		Signatures:   cfg.RateLimit.Signatures,
		CooldownMin:  cfg.RateLimit.CooldownMin,
		CooldownMax:  cfg.RateLimit.CooldownMax,
		MaxThrottles: cfg.RateLimit.MaxThrottles,
	}, sleep, logger.Named("ratelimit"))
}

func startStatusServer(
	ctx context.Context,
	cfg config.Config,
	reg *prometheus.Registry,
	stats *sinks.StatsSink,
	ready *atomic.Bool,
	logger *zap.Logger,
) (func(), error) {
	srv, err := api.NewServer(api.Options{
		Stats: stats,
		Ready: func() error {
			if !ready.Load() {
				return errors.New("run is initializing")
			}
			return nil
		},
		Gatherer:   reg,
		Registerer: reg,
		Logger:     logger.Named("api"),
	})
	if err != nil {
		return nil, fmt.Errorf("status server: %w", err)
	}
	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(srvCtx, fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
			logger.Error("status server stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func titleCase(s string) string {
	words := strings.Fields(strings.NewReplacer("-", " ", "_", " ").Replace(s))
	for i, w := range words {
		r := []rune(w)
		words[i] = strings.ToUpper(string(r[0])) + string(r[1:])
	}
	return strings.Join(words, " ")
}
