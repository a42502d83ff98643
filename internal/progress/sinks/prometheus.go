package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/harvester/internal/progress"
)

// PrometheusSink exports run and task metrics.
type PrometheusSink struct {
	runsStarted    prometheus.Counter
	runsRunning    prometheus.Gauge
	keysDiscovered prometheus.Gauge
	tasksCompleted *prometheus.CounterVec
	taskRetries    *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	tasksInFlight  prometheus.Gauge
	throttles      prometheus.Counter
	coolDowns      prometheus.Counter
	recordsWritten *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Total harvesting runs started.",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_running",
			Help: "Current number of running harvests.",
		}),
		keysDiscovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_keys_discovered",
			Help: "Keys found by the most recent discovery pass.",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_tasks_completed_total",
			Help: "Tasks finished partitioned by result and error kind.",
		}, []string{"result", "kind"}),
		taskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_task_retries_total",
			Help: "Task retries partitioned by error kind.",
		}, []string{"kind"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_task_duration_seconds",
			Help:    "Wall time per finished task including retries.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_tasks_in_flight",
			Help: "Tasks currently held by workers.",
		}),
		throttles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_throttles_total",
			Help: "Throttling pages encountered.",
		}),
		coolDowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_cool_downs_total",
			Help: "Periodic long pauses taken by the scheduler.",
		}),
		recordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_records_written_total",
			Help: "Rows appended partitioned by output stream.",
		}, []string{"stream"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsRunning,
		s.keysDiscovered,
		s.tasksCompleted,
		s.taskRetries,
		s.taskDuration,
		s.tasksInFlight,
		s.throttles,
		s.coolDowns,
		s.recordsWritten,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.StageDiscoveryDone:
		s.keysDiscovered.Set(float64(evt.Count))
	case progress.StageTaskStart:
		s.tasksInFlight.Inc()
	case progress.StageTaskRetry:
		s.taskRetries.WithLabelValues(kindLabel(evt.Kind)).Inc()
	case progress.StageTaskThrottled:
		s.throttles.Inc()
		s.taskRetries.WithLabelValues(kindLabel(evt.Kind)).Inc()
	case progress.StageTaskDone:
		s.finishTask(evt, "success")
	case progress.StageTaskFailed:
		s.finishTask(evt, "failed")
	case progress.StageCoolDown:
		s.coolDowns.Inc()
	case progress.StageRecordsWritten:
		s.recordsWritten.WithLabelValues(evt.Stream).Add(float64(evt.Count))
	}
}

func (s *PrometheusSink) finishTask(evt progress.Event, result string) {
	s.tasksInFlight.Dec()
	s.tasksCompleted.WithLabelValues(result, kindLabel(evt.Kind)).Inc()
	if evt.Dur > 0 {
		s.taskDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

func kindLabel(kind string) string {
	if kind == "" {
		return "none"
	}
	return kind
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
