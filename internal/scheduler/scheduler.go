// Package scheduler runs tasks across a fixed set of workers with per-task
// retries, rate-limit cooldowns and pacing.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/harvester/internal/progress"
)

// Pool lends sessions to workers.
type Pool interface {
	Acquire(ctx context.Context) (harvest.Session, error)
	Release(ctx context.Context, s harvest.Session)
	// Replace discards s and lends a newly opened session in its place.
	Replace(ctx context.Context, s harvest.Session) (harvest.Session, error)
}

// Pipeline processes one task on a borrowed session.
type Pipeline interface {
	Process(ctx context.Context, s harvest.Session, task harvest.Task) (harvest.Result, error)
}

// PipelineFunc adapts a function to Pipeline.
type PipelineFunc func(ctx context.Context, s harvest.Session, task harvest.Task) (harvest.Result, error)

// Process implements Pipeline.
func (f PipelineFunc) Process(ctx context.Context, s harvest.Session, task harvest.Task) (harvest.Result, error) {
	return f(ctx, s, task)
}

// Cooler waits out a rate limit.
type Cooler interface {
	AwaitCooldown(ctx context.Context) error
}

// Config controls concurrency and pacing.
type Config struct {
	Concurrency int
	// CoolDownEvery pauses a worker for CoolDownFor before task indexes
	// 1+N, 1+2N, ... Zero disables the pause.
	CoolDownEvery int
	CoolDownFor   time.Duration
	// DelayMin and DelayMax bound the random pause after each success.
	DelayMin time.Duration
	DelayMax time.Duration
	// ErrorLimit truncates error text in outcomes. Zero means 120 runes.
	ErrorLimit int
}

// Scheduler dispatches tasks to workers.
type Scheduler struct {
	cfg      Config
	policy   RetryPolicy
	pool     Pool
	pipeline Pipeline
	cooler   Cooler
	sleep    harvest.Sleeper
	emitter  progress.Emitter
	logger   *zap.Logger
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithSleeper overrides the sleep used for backoff, pacing and cool-downs.
func WithSleeper(s harvest.Sleeper) Option {
	return func(sc *Scheduler) {
		if s != nil {
			sc.sleep = s
		}
	}
}

// WithEmitter routes task progress events.
func WithEmitter(e progress.Emitter) Option {
	return func(sc *Scheduler) {
		if e != nil {
			sc.emitter = e
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l *zap.Logger) Option {
	return func(sc *Scheduler) {
		if l != nil {
			sc.logger = l
		}
	}
}

// New builds a Scheduler.
func New(cfg Config, policy RetryPolicy, pool Pool, pipeline Pipeline, cooler Cooler, opts ...Option) (*Scheduler, error) {
	if pool == nil || pipeline == nil || cooler == nil {
		return nil, fmt.Errorf("scheduler requires a pool, a pipeline and a cooler")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ErrorLimit <= 0 {
		cfg.ErrorLimit = 120
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	s := &Scheduler{
		cfg:      cfg,
		policy:   policy,
		pool:     pool,
		pipeline: pipeline,
		cooler:   cooler,
		sleep:    harvest.Sleep,
		emitter:  progress.NopEmitter{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run processes tasks and streams one outcome per task in completion order.
// The channel closes after the last outcome.
func (s *Scheduler) Run(ctx context.Context, tasks []harvest.Task) <-chan harvest.Outcome {
	out := make(chan harvest.Outcome, len(tasks))
	queue := make(chan harvest.Task)

	workers := s.cfg.Concurrency
	if workers > len(tasks) {
		workers = len(tasks)
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			logger := s.logger.With(zap.Int("worker", worker))
			for task := range queue {
				out <- s.runTask(ctx, task, logger)
			}
		}(i + 1)
	}

	go func() {
		defer close(out)
		defer wg.Wait()
		defer close(queue)
		for _, task := range tasks {
			queue <- task
		}
	}()
	return out
}

func (s *Scheduler) runTask(ctx context.Context, task harvest.Task, logger *zap.Logger) harvest.Outcome {
	start := time.Now()
	logger = logger.With(zap.String("key", task.Key), zap.Int("index", task.Index))

	if s.coolDownDue(task) {
		logger.Info("taking periodic cool-down", zap.Duration("pause", s.cfg.CoolDownFor))
		s.emitter.Emit(progress.Event{Stage: progress.StageCoolDown, Index: task.Index, Total: task.Total, Dur: s.cfg.CoolDownFor})
		if err := s.sleep(ctx, s.cfg.CoolDownFor); err != nil {
			return s.fail(task, harvest.KindCanceled, err, 0, start)
		}
	}

	s.emitter.Emit(progress.Event{Stage: progress.StageTaskStart, Key: task.Key, Index: task.Index, Total: task.Total})

	var (
		attempts, throttles, tries int
		// fresh is the replacement handle the next attempt runs on.
		fresh harvest.Session
	)
	defer func() {
		if fresh != nil {
			s.pool.Release(context.WithoutCancel(ctx), fresh)
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			return s.fail(task, harvest.KindCanceled, err, tries, start)
		}
		session := fresh
		fresh = nil
		if session == nil {
			var err error
			session, err = s.pool.Acquire(ctx)
			if err != nil {
				d := s.policy.Decide(err, attempts, throttles)
				return s.fail(task, d.Kind, err, tries, start)
			}
		}

		tries++
		result, err := s.pipeline.Process(ctx, session, task)
		if err == nil {
			s.pace(ctx)
			s.pool.Release(ctx, session)
			outcome := harvest.Outcome{
				Status:   harvest.StatusSuccess,
				Task:     task,
				Result:   result,
				Attempts: tries,
				Duration: time.Since(start),
			}
			s.emitter.Emit(progress.Event{
				Stage: progress.StageTaskDone, Key: task.Key, Index: task.Index, Total: task.Total,
				Attempt: tries, Dur: outcome.Duration,
			})
			return outcome
		}

		if next, rerr := s.pool.Replace(ctx, session); rerr == nil {
			fresh = next
		} else {
			logger.Warn("session replacement failed", zap.Error(rerr))
		}
		if harvest.Classify(err) == harvest.KindRateLimited {
			throttles++
		} else {
			attempts++
			throttles = 0
		}
		d := s.policy.Decide(err, attempts, throttles)
		if d.Action == ActionAbandon {
			return s.fail(task, d.Kind, err, tries, start)
		}

		note := harvest.Truncate(err.Error(), s.cfg.ErrorLimit)
		if d.Cooldown {
			logger.Warn("throttled, cooling down before retry",
				zap.Int("throttles", throttles), zap.String("error", note))
			s.emitter.Emit(progress.Event{
				Stage: progress.StageTaskThrottled, Key: task.Key, Index: task.Index, Total: task.Total,
				Attempt: tries, Kind: string(d.Kind), Note: note,
			})
			if err := s.cooler.AwaitCooldown(ctx); err != nil {
				return s.fail(task, harvest.KindCanceled, err, tries, start)
			}
			continue
		}

		logger.Warn("attempt failed, retrying",
			zap.Int("attempt", attempts), zap.String("kind", string(d.Kind)),
			zap.Duration("backoff", d.Wait), zap.String("error", note))
		s.emitter.Emit(progress.Event{
			Stage: progress.StageTaskRetry, Key: task.Key, Index: task.Index, Total: task.Total,
			Attempt: tries, Kind: string(d.Kind), Dur: d.Wait, Note: note,
		})
		if d.Wait > 0 {
			if err := s.sleep(ctx, d.Wait); err != nil {
				return s.fail(task, harvest.KindCanceled, err, tries, start)
			}
		}
	}
}

func (s *Scheduler) fail(task harvest.Task, kind harvest.ErrorKind, err error, tries int, start time.Time) harvest.Outcome {
	if kind == harvest.KindNone {
		kind = harvest.Classify(err)
	}
	outcome := harvest.Outcome{
		Status:   harvest.StatusFailed,
		Task:     task,
		Kind:     kind,
		Error:    harvest.Truncate(err.Error(), s.cfg.ErrorLimit),
		Attempts: tries,
		Duration: time.Since(start),
	}
	s.emitter.Emit(progress.Event{
		Stage: progress.StageTaskFailed, Key: task.Key, Index: task.Index, Total: task.Total,
		Attempt: tries, Kind: string(kind), Dur: outcome.Duration, Note: outcome.Error,
	})
	return outcome
}

func (s *Scheduler) coolDownDue(task harvest.Task) bool {
	if s.cfg.CoolDownEvery <= 0 || s.cfg.CoolDownFor <= 0 {
		return false
	}
	done := task.Index - 1
	return done > 0 && done%s.cfg.CoolDownEvery == 0
}

func (s *Scheduler) pace(ctx context.Context) {
	if s.cfg.DelayMax <= 0 {
		return
	}
	// Cancellation only shortens the pause; the task already succeeded.
	_ = s.sleep(ctx, ratelimit.RandomBetween(s.cfg.DelayMin, s.cfg.DelayMax))
}
