// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/workflows to list registered workflows and their state.
//   - POST /v1/workflows/{name}/run to seed a workflow's start URLs.
//   - POST /v1/workflows/{name}/crawl to dispatch a single URL.
//   - GET /v1/runs to query the run history.
package api
