// Package api hosts the HTTP server and middleware for operator access.
// Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/pipeline/runs to trigger a guarded pipeline run.
//   - GET /v1/pipeline/runs/last for the most recent run summary.
package api
