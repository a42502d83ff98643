// Package harvest defines core types shared across the harvesting subsystems.
package harvest

import (
	"strings"
	"time"
)

// Stream names one of the two append-only outputs of a run.
type Stream string

// Output streams written by every run.
const (
	StreamPrimary Stream = "primary"
	StreamDetail  Stream = "detail"
)

// Schema is the ordered column list of a stream.
type Schema []string

// Record is one row destined for a stream, keyed by column name.
// Columns missing from a Record are written as empty values.
type Record map[string]string

// Task is one unit of scheduled work. Index is 1-based.
type Task struct {
	Key   string
	Index int
	Total int
	// Name is optional display metadata (set by the detail-only mode).
	Name string
}

// Percent reports the task position as a percentage of the run.
func (t Task) Percent() float64 {
	if t.Total <= 0 {
		return 0
	}
	return float64(t.Index) / float64(t.Total) * 100
}

// OutcomeStatus is the terminal state of a task.
type OutcomeStatus string

// Outcome status values.
const (
	StatusSuccess OutcomeStatus = "success"
	StatusFailed  OutcomeStatus = "failed"
)

// ErrorKind coarsely classifies why a task failed.
type ErrorKind string

// Error kinds reported on failed outcomes.
const (
	KindNone               ErrorKind = ""
	KindTransient          ErrorKind = "transient"
	KindSessionInvalidated ErrorKind = "session_invalidated"
	KindRateLimited        ErrorKind = "rate_limited"
	KindPoolExhausted      ErrorKind = "pool_exhausted"
	KindCanceled           ErrorKind = "canceled"
)

// Result is what an extraction pipeline returns for one task.
type Result struct {
	// Name is the display name of the target (e.g. product name).
	Name    string
	Record  Record
	Details []Record
}

// Outcome is produced by exactly one worker per task.
type Outcome struct {
	Status   OutcomeStatus
	Task     Task
	Result   Result
	Kind     ErrorKind
	Error    string
	Attempts int
	Duration time.Duration
}

// Key returns the task key the outcome belongs to.
func (o Outcome) Key() string {
	return o.Task.Key
}

// Succeeded reports whether the task finished successfully.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// KnownKeySet is an immutable snapshot of keys already persisted in the
// primary output when the run started.
type KnownKeySet struct {
	keys map[string]struct{}
}

// NewKnownKeySet builds a snapshot from the provided keys. Empty keys are ignored.
func NewKnownKeySet(keys ...string) KnownKeySet {
	set := KnownKeySet{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		if k == "" {
			continue
		}
		set.keys[k] = struct{}{}
	}
	return set
}

// Contains reports whether key was already persisted.
func (s KnownKeySet) Contains(key string) bool {
	_, ok := s.keys[key]
	return ok
}

// Len returns the number of known keys.
func (s KnownKeySet) Len() int {
	return len(s.keys)
}

// Filter returns the keys not present in the set, preserving order.
func (s KnownKeySet) Filter(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if s.Contains(k) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// NewTasks numbers keys into tasks in the given order.
func NewTasks(keys []string) []Task {
	tasks := make([]Task, 0, len(keys))
	for i, k := range keys {
		tasks = append(tasks, Task{Key: k, Index: i + 1, Total: len(keys)})
	}
	return tasks
}

// Truncate shortens s to at most limit runes.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit])
}
