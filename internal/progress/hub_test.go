package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHub(t *testing.T, cfg Config, sinks ...Sink) *Hub {
	t.Helper()
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 16
	}
	if cfg.MaxBatchEvents == 0 {
		cfg.MaxBatchEvents = 1
	}
	hub, err := NewHub(cfg, sinks...)
	require.NoError(t, err)
	return hub
}

func TestNewHubRejectsInvalidSizing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no buffer", Config{MaxBatchEvents: 1}, "buffer size"},
		{"no batch size", Config{BufferSize: 1}, "max batch events"},
		{"negative wait", Config{BufferSize: 1, MaxBatchEvents: 1, MaxBatchWait: -time.Second}, "max batch wait"},
		{"negative sink timeout", Config{BufferSize: 1, MaxBatchEvents: 1, SinkTimeout: -time.Second}, "sink timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, err := NewHub(tt.cfg)
			require.ErrorContains(t, err, tt.want)
			assert.Nil(t, hub)
		})
	}
}

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := newTestHub(t, Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	hub.Emit(sampleEvent(StageRunStart))
	hub.Emit(sampleEvent(StageRunStart))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushesPartialBatchAfterWait(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := newTestHub(t, Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	hub.Emit(sampleEvent(StageRunStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// A steady trickle must not keep postponing the flush.
func TestHubWaitCountsFromFirstEvent(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := newTestHub(t, Config{BufferSize: 64, MaxBatchEvents: 1000, MaxBatchWait: 50 * time.Millisecond}, sink)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				hub.Emit(sampleEvent(StageRunStart))
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	require.Eventually(t, func() bool {
		return len(sink.Batches()) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestHubCountsEventsDroppedWhileSinkIsBusy(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var mu sync.Mutex
	consumed := 0
	sink := sinkFunc(func(_ context.Context, batch []Event) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		mu.Lock()
		consumed += len(batch)
		mu.Unlock()
		return nil
	})
	hub := newTestHub(t, Config{BufferSize: 1, MaxBatchEvents: 1, Logger: zap.NewNop()}, sink)

	hub.Emit(sampleEvent(StageRunStart))
	<-entered
	hub.Emit(sampleEvent(StageRunStart))
	hub.Emit(sampleEvent(StageRunStart))
	hub.Emit(sampleEvent(StageRunStart))
	assert.Equal(t, int64(2), hub.Dropped())

	close(release)
	require.NoError(t, hub.Close(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, consumed)
}

func TestHubCloseDrainsQueuedEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := newTestHub(t, Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	hub.Emit(sampleEvent(StageRunStart))
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 1)
	assert.Equal(t, 1, sink.Closed())
}

func TestHubIgnoresEmitAfterClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := newTestHub(t, Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(sampleEvent(StageRunDone))
	assert.Empty(t, sink.Batches())
	assert.Zero(t, hub.Dropped())
	assert.Equal(t, 1, sink.Closed())
}

func TestNilHubIsInert(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(sampleEvent(StageRunStart))
	assert.Zero(t, hub.Dropped())
	assert.NoError(t, hub.Close(context.Background()))
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := newTestHub(t, Config{}, sink)
	hub.Emit(Event{Stage: StageRunStart})
	hub.Emit(Event{RunID: UUIDToBytes(uuid.New()), TS: time.Now(), Stage: StageTaskDone})
	require.NoError(t, hub.Close(context.Background()))
	assert.Empty(t, sink.Batches())
}

func TestRecorderStampsRunAndTime(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := newTestHub(t, Config{}, sink)
	runID := uuid.New()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := NewRecorder(hub, runID, func() time.Time { return fixed })

	rec.Emit(Event{Stage: StageTaskStart, Key: "k"})
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, runID, batches[0][0].RunUUID())
	assert.Equal(t, fixed, batches[0][0].TS)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	base := Event{RunID: UUIDToBytes(uuid.New()), TS: time.Now()}
	with := func(stage Stage, mutate func(*Event)) Event {
		e := base
		e.Stage = stage
		if mutate != nil {
			mutate(&e)
		}
		return e
	}
	tests := []struct {
		name string
		evt  Event
		ok   bool
	}{
		{"run start", with(StageRunStart, nil), true},
		{"task without key", with(StageTaskFailed, nil), false},
		{"records without stream", with(StageRecordsWritten, nil), false},
		{"unknown stage", with("NOPE", nil), false},
		{"negative duration", with(StageCoolDown, func(e *Event) { e.Dur = -1 }), false},
		{"missing run", Event{TS: time.Now(), Stage: StageRunDone}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.evt.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  int
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func (s *stubSink) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sampleEvent(stage Stage) Event {
	return Event{
		RunID: UUIDToBytes(uuid.New()),
		TS:    time.Now(),
		Stage: stage,
		Key:   "https://example.com/item/1",
	}
}
