package analysis

import (
	"context"
	"time"
)

// JobStore persists AnalysisJob records. Implementations must make CreateJob
// an atomic conditional insert: it fails with a *ConflictError when a
// non-terminal job already exists for the same (OwnerID, WebsiteURL).
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	// UpdateJob replaces the mutable fields of job when the persisted status
	// equals expected; otherwise it returns ErrStatusChanged.
	UpdateJob(ctx context.Context, job Job, expected Status) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// LatestJob returns the active job for the pair if one exists, else the
	// most recently created terminal job.
	LatestJob(ctx context.Context, ownerID, websiteURL string) (Job, error)
	// ListStale returns non-terminal jobs not updated since before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]Job, error)
	Ping(ctx context.Context) error
	Close() error
}

// Scanner fetches a website and captures its raw content.
type Scanner interface {
	Scan(ctx context.Context, url string) (RawContent, error)
}

// Extractor turns raw content into structured content.
type Extractor interface {
	Extract(ctx context.Context, raw RawContent) (StructuredContent, error)
}

// Generator drafts marketing copy from structured content.
type Generator interface {
	Generate(ctx context.Context, content StructuredContent) (MarketingCopy, error)
}

// Publisher posts marketing copy to the owner's connected accounts.
type Publisher interface {
	Publish(ctx context.Context, copy MarketingCopy, accounts []ConnectedAccount) ([]PublishReceipt, error)
}

// AccountDirectory resolves the social accounts an owner has connected.
type AccountDirectory interface {
	ConnectedAccounts(ctx context.Context, ownerID string) ([]ConnectedAccount, error)
}

// Notifier announces terminal job transitions to downstream consumers.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for jobs awaiting execution.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
