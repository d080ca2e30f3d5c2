// Package api hosts the HTTP server, middleware, and REST handlers. Routes:
//   - GET /healthz and /readyz for probes; readyz pings the job store.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/analyses to start an analysis.
//   - GET /v1/analyses/{jobId} and /v1/analyses/by-url/{websiteUrl} for status.
//   - POST /v1/analyses/{jobId}/cancel to fail an active analysis.
//
// Every /v1 route requires a bearer token; the token subject is the owner.
package api
