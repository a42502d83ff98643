// Package api hosts the status HTTP server for a running harvest. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for a JSON snapshot of the current run.
package api
