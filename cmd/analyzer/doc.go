// Package main hosts the analyzer service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, readiness, metrics and the authenticated
//     /v1/analyses endpoints. Bearer tokens are HS256 JWTs whose subject is the owner id.
//   - Orchestrator: Start normalizes the URL, creates a pending job with an atomic conditional insert
//     (one active job per owner and URL) and enqueues it. Status, Get and Cancel read or transition
//     jobs owned by the caller.
//   - Dispatcher & queue: jobs flow through a bounded in-memory queue sized by pipeline.queue_depth and
//     are fanned out to a fixed worker pool sized by pipeline.workers.
//   - Stages: each worker runs Scan (colly probe, optional chromedp render, snapshot to the blob store),
//     Extract (goquery), Generate (template or OpenAI) and Publish (dry run or HTTP poster). Every
//     transition is a compare-and-set on the previous status.
//   - Persistence & fanout: jobs live in memory, SQLite or Postgres. Terminal transitions are announced
//     on Pub/Sub when configured. Progress events are batched by the progress hub into log and
//     Prometheus sinks.
//   - Reconciler: jobs idle longer than reconciler.stale_after are failed so a new attempt can start.
//
// Quick checklist:
//   - Configure env vars: ANALYZER_AUTH_JWT_SECRET (required), ANALYZER_STORE_BACKEND,
//     ANALYZER_BLOBS_BACKEND, ANALYZER_NOTIFIER_BACKEND, ANALYZER_GENERATE_PROVIDER and
//     ANALYZER_GENERATE_OPENAI_API_KEY when using OpenAI.
//   - Run locally: go run ./cmd/analyzer serve --config config.yaml
//   - Mint a token: go run ./cmd/analyzer token --owner acme
//   - Watch an analysis: go run ./cmd/analyzer watch --url https://example.com --token <token>
package main
