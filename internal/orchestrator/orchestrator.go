// Package orchestrator owns the synchronous side of the analysis pipeline:
// starting jobs with single-flight per (owner, URL), reading their status,
// cancelling them, and sweeping jobs that stopped making progress. Stage
// execution happens in the worker pool fed by the queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/progress"
)

// CancelReason is the error recorded on jobs cancelled by their owner.
const CancelReason = "cancelled"

const (
	defaultEnqueueTimeout = 5 * time.Second
	maxCancelAttempts     = 5
)

// Enqueuer hands jobs to the background worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item analysis.QueueItem) error
}

// Announcer is told about terminal transitions made outside the worker.
type Announcer interface {
	Announce(ctx context.Context, job analysis.Job)
}

// Config tunes orchestration.
type Config struct {
	// EnqueueTimeout bounds how long Start waits for queue capacity.
	EnqueueTimeout time.Duration
	// StaleAfter is the idle time after which a non-terminal job is failed
	// by the reconciler. Zero disables reconciliation.
	StaleAfter time.Duration
	// SweepBatch caps how many stale jobs one sweep handles.
	SweepBatch int
}

// Orchestrator implements start, status, get and cancel.
type Orchestrator struct {
	store     analysis.JobStore
	queue     Enqueuer
	ids       analysis.IDGenerator
	clock     analysis.Clock
	emitter   progress.Emitter
	announcer Announcer
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Orchestrator. emitter and announcer may be nil.
func New(
	store analysis.JobStore,
	queue Enqueuer,
	ids analysis.IDGenerator,
	clock analysis.Clock,
	emitter progress.Emitter,
	announcer Announcer,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     store,
		queue:     queue,
		ids:       ids,
		clock:     clock,
		emitter:   emitter,
		announcer: announcer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start creates a pending job for (ownerID, websiteURL) and hands it to the
// worker pool. It returns before any stage runs.
func (o *Orchestrator) Start(ctx context.Context, ownerID, websiteURL string) (analysis.JobHandle, error) {
	if err := requireOwner(ownerID); err != nil {
		return analysis.JobHandle{}, err
	}
	normalized, err := analysis.NormalizeURL(websiteURL)
	if err != nil {
		return analysis.JobHandle{}, err
	}

	attempt := 0
	prev, err := o.store.LatestJob(ctx, ownerID, normalized)
	switch {
	case err == nil && prev.Status.Active():
		return analysis.JobHandle{}, &analysis.ConflictError{ActiveJobID: prev.ID, WebsiteURL: normalized}
	case err == nil:
		attempt = prev.Attempt + 1
	case !errors.Is(err, analysis.ErrNotFound):
		return analysis.JobHandle{}, fmt.Errorf("lookup latest job: %w", err)
	}

	id, err := o.ids.NewID()
	if err != nil {
		return analysis.JobHandle{}, fmt.Errorf("generate job id: %w", err)
	}
	now := o.clock.Now()
	job := analysis.Job{
		ID:             id,
		OwnerID:        ownerID,
		WebsiteURL:     normalized,
		Status:         analysis.StatusPending,
		Attempt:        attempt,
		CreatedAt:      now,
		StageStartedAt: now,
		UpdatedAt:      now,
	}
	// The store's conditional insert is the only single-flight guarantee;
	// the lookup above just avoids burning an id on the common conflict.
	if err := o.store.CreateJob(ctx, job); err != nil {
		return analysis.JobHandle{}, fmt.Errorf("create job: %w", err)
	}
	logger := o.logger.With(zap.String("job_id", id), zap.String("website_url", normalized))
	logger.Info("analysis job created", zap.Int("attempt", attempt))
	o.emitter.Emit(progress.Event{
		JobID:  id,
		TS:     now,
		Kind:   progress.KindJobQueued,
		Status: analysis.StatusPending,
		Site:   progress.SiteOf(normalized),
	})

	// A client disconnect must not strand a pending job without a worker.
	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.EnqueueTimeout)
	defer cancel()
	item := analysis.QueueItem{JobID: id, OwnerID: ownerID, Attempt: attempt, Submitted: now.UnixNano()}
	if err := o.queue.Enqueue(enqueueCtx, item); err != nil {
		logger.Error("enqueue failed, failing job", zap.Error(err))
		o.failPending(context.WithoutCancel(ctx), job, fmt.Sprintf("enqueue: %v", err))
		return analysis.JobHandle{}, fmt.Errorf("enqueue job %s: %w", id, err)
	}
	return analysis.JobHandle{ID: id, WebsiteURL: normalized, Status: job.Status, Attempt: attempt}, nil
}

// Status returns the latest job for the owner's URL: the active one when
// present, else the newest terminal one.
func (o *Orchestrator) Status(ctx context.Context, ownerID, websiteURL string) (analysis.Job, error) {
	if err := requireOwner(ownerID); err != nil {
		return analysis.Job{}, err
	}
	normalized, err := analysis.NormalizeURL(websiteURL)
	if err != nil {
		return analysis.Job{}, err
	}
	job, err := o.store.LatestJob(ctx, ownerID, normalized)
	if err != nil {
		return analysis.Job{}, fmt.Errorf("status %s: %w", normalized, err)
	}
	return job, nil
}

// Get returns a job by id when it belongs to ownerID.
func (o *Orchestrator) Get(ctx context.Context, ownerID, jobID string) (analysis.Job, error) {
	if err := requireOwner(ownerID); err != nil {
		return analysis.Job{}, err
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return analysis.Job{}, fmt.Errorf("get job: %w", err)
	}
	if job.OwnerID != ownerID {
		return analysis.Job{}, fmt.Errorf("job %s: %w", jobID, analysis.ErrForbidden)
	}
	return job, nil
}

// Cancel fails a non-terminal job with reason "cancelled". A stage already
// running is left to finish; the worker discards its output because its
// compare-and-set no longer matches.
func (o *Orchestrator) Cancel(ctx context.Context, ownerID, jobID string) (analysis.Job, error) {
	for range maxCancelAttempts {
		job, err := o.Get(ctx, ownerID, jobID)
		if err != nil {
			return analysis.Job{}, err
		}
		if job.Status.Terminal() {
			return job, fmt.Errorf("job %s is %s: %w", jobID, job.Status, analysis.ErrInvalidTransition)
		}
		expected := job.Status
		o.markFailed(&job, CancelReason)
		err = o.store.UpdateJob(ctx, job, expected)
		if errors.Is(err, analysis.ErrStatusChanged) {
			// The worker advanced the job between read and write.
			continue
		}
		if err != nil {
			return analysis.Job{}, fmt.Errorf("cancel job: %w", err)
		}
		o.logger.Info("analysis job cancelled",
			zap.String("job_id", jobID),
			zap.String("from_status", string(expected)))
		o.finished(ctx, job, expected)
		return job, nil
	}
	return analysis.Job{}, fmt.Errorf("cancel job %s: %w", jobID, analysis.ErrStatusChanged)
}

func (o *Orchestrator) failPending(ctx context.Context, job analysis.Job, reason string) {
	o.markFailed(&job, reason)
	if err := o.store.UpdateJob(ctx, job, analysis.StatusPending); err != nil {
		o.logger.Error("mark unqueued job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	o.finished(ctx, job, analysis.StatusPending)
}

func (o *Orchestrator) markFailed(job *analysis.Job, reason string) {
	now := o.clock.Now()
	job.Status = analysis.StatusFailed
	job.Error = reason
	job.UpdatedAt = now
	job.FinishedAt = &now
}

func (o *Orchestrator) finished(ctx context.Context, job analysis.Job, from analysis.Status) {
	o.emitter.Emit(progress.Event{
		JobID:  job.ID,
		TS:     job.UpdatedAt,
		Kind:   progress.KindJobFailed,
		Status: job.Status,
		Site:   progress.SiteOf(job.WebsiteURL),
		Dur:    job.UpdatedAt.Sub(job.CreatedAt),
		Note:   fmt.Sprintf("%s (was %s)", job.Error, from),
	})
	if o.announcer != nil {
		o.announcer.Announce(ctx, job)
	}
}

func requireOwner(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return &analysis.ValidationError{Field: "ownerId", Message: "owner is required"}
	}
	return nil
}
