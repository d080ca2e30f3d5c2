// Package progress carries job lifecycle events from the workers to pluggable
// sinks. Workers emit into a non-blocking Hub that batches events on a
// background goroutine and fans them out to sinks such as structured logs and
// Prometheus collectors.
package progress
