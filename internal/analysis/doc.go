// Package analysis defines the core types shared across the website-analysis
// pipeline: the AnalysisJob record, its status state machine, the stage payloads
// exchanged between executors, the error taxonomy, and the collaborator
// interfaces (job store, stage executors, queue, clock, id generator) that the
// orchestrator and workers depend on. It must not import concrete adapters.
package analysis
