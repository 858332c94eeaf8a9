// Package api hosts the read-only status server for a running corpus build.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for dispatcher counters and checkpoint size.
package api
