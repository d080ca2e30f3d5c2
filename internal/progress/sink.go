package progress

import "context"

// Sink receives batches of job events from a Hub. Consume may run
// concurrently with itself across sinks and must return by ctx's deadline.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// SinkFunc adapts a function to a Sink with a no-op Close.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error { return f(ctx, batch) }

// Close does nothing.
func (SinkFunc) Close(context.Context) error { return nil }

// Emitter is what the orchestrator and workers report milestones through.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
