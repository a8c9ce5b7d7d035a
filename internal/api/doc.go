// Package api hosts the operator HTTP server of a crawl run. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for the live state of the current run, with finished
//     sites filterable by status.
//   - GET /v1/runs/{run_id} for persisted run progress via the
//     RunRepository interface.
package api
