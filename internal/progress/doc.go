// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces used to report run, discovery, and task milestones. The hub
// batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics, the in-memory stats view, or the log.
package progress
