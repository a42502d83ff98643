package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/harvester/internal/progress"
)

// Snapshot is the aggregated state of the current run.
type Snapshot struct {
	RunID       string           `json:"run_id,omitempty"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	FinishedAt  time.Time        `json:"finished_at,omitempty"`
	Running     bool             `json:"running"`
	Discovered  int64            `json:"discovered"`
	Total       int              `json:"total"`
	InFlight    int              `json:"in_flight"`
	Succeeded   int              `json:"succeeded"`
	Failed      int              `json:"failed"`
	RateLimited int              `json:"rate_limited"`
	Retries     int              `json:"retries"`
	Throttles   int              `json:"throttles"`
	CoolDowns   int              `json:"cool_downs"`
	Records     map[string]int64 `json:"records"`
	LastKey     string           `json:"last_key,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at,omitempty"`
}

// StatsSink keeps a live Snapshot for the status endpoint.
type StatsSink struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewStatsSink returns an empty StatsSink.
func NewStatsSink() *StatsSink {
	return &StatsSink{snap: Snapshot{Records: map[string]int64{}}}
}

// Consume folds the batch into the snapshot.
func (s *StatsSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.apply(evt)
	}
	return nil
}

func (s *StatsSink) apply(evt progress.Event) {
	snap := &s.snap
	switch evt.Stage {
	case progress.StageRunStart:
		*snap = Snapshot{
			RunID:     uuid.UUID(evt.RunID).String(),
			StartedAt: evt.TS,
			Running:   true,
			Records:   map[string]int64{},
		}
	case progress.StageRunDone:
		snap.Running = false
		snap.FinishedAt = evt.TS
	case progress.StageDiscoveryDone:
		snap.Discovered = evt.Count
	case progress.StageTaskStart:
		snap.InFlight++
		if evt.Total > 0 {
			snap.Total = evt.Total
		}
		snap.LastKey = evt.Key
	case progress.StageTaskRetry:
		snap.Retries++
	case progress.StageTaskThrottled:
		snap.Throttles++
		snap.Retries++
	case progress.StageTaskDone:
		snap.InFlight--
		snap.Succeeded++
	case progress.StageTaskFailed:
		snap.InFlight--
		snap.Failed++
		if evt.Kind == "rate_limited" {
			snap.RateLimited++
		}
		snap.LastError = evt.Note
	case progress.StageCoolDown:
		snap.CoolDowns++
	case progress.StageRecordsWritten:
		snap.Records[evt.Stream] += evt.Count
	}
	if snap.InFlight < 0 {
		snap.InFlight = 0
	}
	snap.UpdatedAt = evt.TS
}

// Snapshot returns a copy of the current state.
func (s *StatsSink) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	out.Records = make(map[string]int64, len(s.snap.Records))
	for k, v := range s.snap.Records {
		out.Records[k] = v
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *StatsSink) Close(context.Context) error {
	return nil
}
