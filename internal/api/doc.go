// Package api hosts the HTTP server, middleware, and REST handlers for batch
// fetching. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/fetch to run one batch through the engine.
//   - GET /v1/stats for the engine's counter snapshot.
package api
