package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageRunDone        Stage = "RUN_DONE"
	StageDiscoveryRound Stage = "DISCOVERY_ROUND"
	StageDiscoveryDone  Stage = "DISCOVERY_DONE"
	StageTaskStart      Stage = "TASK_START"
	StageTaskRetry      Stage = "TASK_RETRY"
	StageTaskThrottled  Stage = "TASK_THROTTLED"
	StageTaskDone       Stage = "TASK_DONE"
	StageTaskFailed     Stage = "TASK_FAILED"
	StageCoolDown       Stage = "COOL_DOWN"
	StageRecordsWritten Stage = "RECORDS_WRITTEN"
)

// Event captures a single milestone of a harvesting run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Key is the task key for task stages.
	Key string
	// Index and Total locate a task in the run, or a round in discovery.
	Index int
	Total int
	// Attempt is the 1-based attempt number for task stages.
	Attempt int
	// Kind classifies a failure or retry (transient, rate_limited, ...).
	Kind string
	// Stream names the output for RECORDS_WRITTEN.
	Stream string
	// Count carries a stage specific quantity: keys discovered, rows written.
	Count int64
	// Dur is the elapsed time for completions or the wait for retries/cool-downs.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. truncated error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageDiscoveryRound, StageDiscoveryDone, StageCoolDown:
	case StageTaskStart, StageTaskRetry, StageTaskThrottled, StageTaskDone, StageTaskFailed:
		if e.Key == "" {
			return fmt.Errorf("%s requires key", e.Stage)
		}
	case StageRecordsWritten:
		if e.Stream == "" {
			return errors.New("records written requires stream")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
