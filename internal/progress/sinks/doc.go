// Package sinks implements concrete progress consumers: Prometheus metrics,
// an in-memory stats view for the status server, and structured logging.
// Each sink satisfies progress.Sink.
package sinks
