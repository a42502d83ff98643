package progress

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so
// components can remain agnostic about how events are buffered or persisted.
type Emitter interface {
	Emit(evt Event)
}

// NopEmitter discards every event.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}

// Recorder stamps events with a run ID and timestamp before forwarding them.
type Recorder struct {
	next  Emitter
	runID [16]byte
	now   func() time.Time
}

// NewRecorder wraps next. A nil now uses time.Now.
func NewRecorder(next Emitter, runID uuid.UUID, now func() time.Time) *Recorder {
	if next == nil {
		next = NopEmitter{}
	}
	if now == nil {
		now = time.Now
	}
	return &Recorder{next: next, runID: UUIDToBytes(runID), now: now}
}

// Emit fills RunID and TS when unset and forwards the event.
func (r *Recorder) Emit(evt Event) {
	if evt.RunID == [16]byte{} {
		evt.RunID = r.runID
	}
	if evt.TS.IsZero() {
		evt.TS = r.now().UTC()
	}
	r.next.Emit(evt)
}
