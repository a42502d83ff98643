package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config sizes a Hub for one run. The config package supplies the defaults;
// NewHub only checks them.
type Config struct {
	// BufferSize is how many events may wait for the batcher before Emit
	// starts dropping.
	BufferSize int
	// MaxBatchEvents flushes a batch as soon as it holds this many events.
	MaxBatchEvents int
	// MaxBatchWait bounds how long the first event of a partial batch waits.
	// Zero holds partial batches until they fill or the hub closes.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call. Zero means no deadline.
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

func (c Config) validate() error {
	switch {
	case c.BufferSize <= 0:
		return errors.New("buffer size must be > 0")
	case c.MaxBatchEvents <= 0:
		return errors.New("max batch events must be > 0")
	case c.MaxBatchWait < 0:
		return errors.New("max batch wait must be >= 0")
	case c.SinkTimeout < 0:
		return errors.New("sink timeout must be >= 0")
	}
	return nil
}

// Hub batches run events and hands each batch to every sink from a single
// goroutine, so sinks see batches in emission order. Emit never blocks.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	queue chan Event
	stop  chan struct{}
	done  chan struct{}

	closed   atomic.Bool
	dropped  atomic.Int64
	dropWarn rate.Sometimes

	stopOnce sync.Once
	closeCtx context.Context
}

// NewHub validates cfg and starts the batcher. Nil sinks are skipped.
func NewHub(cfg Config, sinks ...Sink) (*Hub, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("progress hub: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan Event, cfg.BufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		dropWarn: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.loop()
	return h, nil
}

// Emit queues evt. Invalid events, events after Close and events that find the
// buffer full are discarded; the last kind is counted by Dropped.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.queue <- evt:
	default:
		n := h.dropped.Add(1)
		h.dropWarn.Do(func() {
			h.logger.Warn("progress buffer full, dropping events", zap.Int64("dropped_total", n))
		})
	}
}

// Dropped reports how many events this hub has discarded for lack of buffer.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close stops accepting events, flushes what is queued, closes the sinks with
// ctx and waits for the batcher. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
	case <-ctx.Done():
		return fmt.Errorf("progress hub close: %w", ctx.Err())
	}
	if n := h.dropped.Load(); n > 0 {
		h.logger.Warn("progress events dropped during run", zap.Int64("dropped_total", n))
	}
	return nil
}

// loop owns the pending batch. The deadline channel is nil while no partial
// batch is waiting.
func (h *Hub) loop() {
	defer close(h.done)

	var (
		pending  []Event
		timer    *time.Timer
		deadline <-chan time.Time
	)
	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, deadline = nil, nil
		}
		if len(pending) > 0 {
			h.deliver(pending)
			pending = nil
		}
	}
	add := func(evt Event) {
		pending = append(pending, evt)
		if len(pending) >= h.cfg.MaxBatchEvents {
			flush()
			return
		}
		if deadline == nil && h.cfg.MaxBatchWait > 0 {
			timer = time.NewTimer(h.cfg.MaxBatchWait)
			deadline = timer.C
		}
	}

	for {
		select {
		case evt := <-h.queue:
			add(evt)
		case <-deadline:
			timer, deadline = nil, nil
			flush()
		case <-h.stop:
		drain:
			for {
				select {
				case evt := <-h.queue:
					add(evt)
				default:
					break drain
				}
			}
			flush()
			h.closeSinks()
			return
		}
	}
}

// deliver hands batch to every sink. The batch is not reused afterwards.
func (h *Hub) deliver(batch []Event) {
	for _, s := range h.sinks {
		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if h.cfg.SinkTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, h.cfg.SinkTimeout)
		}
		if err := s.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	for _, s := range h.sinks {
		if err := s.Close(h.closeCtx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
