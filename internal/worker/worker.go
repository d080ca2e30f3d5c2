// Package worker executes analysis jobs: it pulls job ids from the queue and
// drives each job through scan, extract, generate and publish, persisting
// every transition with a compare-and-set on the previous status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/progress"
)

const (
	defaultStageTimeout = 2 * time.Minute
	shutdownWriteBudget = 5 * time.Second
	// InterruptedReason is recorded on jobs abandoned by a stopping worker.
	InterruptedReason = "interrupted: worker shutting down"
)

// Config controls Worker behavior.
type Config struct {
	// StageTimeout bounds each stage unless StageTimeouts overrides it.
	StageTimeout time.Duration
	// StageTimeouts holds per-stage overrides.
	StageTimeouts map[analysis.Stage]time.Duration
}

// Timeout returns the effective deadline for stage.
func (c Config) Timeout(stage analysis.Stage) time.Duration {
	if d, ok := c.StageTimeouts[stage]; ok && d > 0 {
		return d
	}
	if c.StageTimeout > 0 {
		return c.StageTimeout
	}
	return defaultStageTimeout
}

// Executors bundles the stage collaborators.
type Executors struct {
	Scanner   analysis.Scanner
	Extractor analysis.Extractor
	Generator analysis.Generator
	Publisher analysis.Publisher
	Accounts  analysis.AccountDirectory
}

// Announcer is told about terminal transitions.
type Announcer interface {
	Announce(ctx context.Context, job analysis.Job)
}

// Worker consumes queue items and executes the stage pipeline.
type Worker struct {
	queue     analysis.Queue
	store     analysis.JobStore
	exec      Executors
	clock     analysis.Clock
	emitter   progress.Emitter
	announcer Announcer
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. emitter and announcer may be nil.
func New(
	queue analysis.Queue,
	store analysis.JobStore,
	exec Executors,
	clock analysis.Clock,
	emitter progress.Emitter,
	announcer Announcer,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		store:     store,
		exec:      exec,
		clock:     clock,
		emitter:   emitter,
		announcer: announcer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

// errDiscarded marks a job whose stored status moved under the worker,
// usually a cancel. The worker drops its in-memory state and stops.
var errDiscarded = errors.New("job changed externally")

func (w *Worker) processJob(ctx context.Context, item analysis.QueueItem) {
	logger := w.logger.With(zap.String("job_id", item.JobID))
	job, err := w.store.GetJob(ctx, item.JobID)
	if err != nil {
		logger.Error("load job failed", zap.Error(err))
		return
	}
	if job.Status != analysis.StatusPending {
		logger.Info("skipping job that is no longer pending", zap.String("status", string(job.Status)))
		return
	}
	logger = logger.With(zap.String("website_url", job.WebsiteURL))

	for _, stage := range analysis.Stages {
		if err := w.runStage(ctx, &job, stage, logger); err != nil {
			if errors.Is(err, errDiscarded) {
				logger.Info("job changed while running, discarding stage output",
					zap.String("stage", string(stage)))
			}
			return
		}
	}

	now := w.clock.Now()
	job.Status = analysis.StatusCompleted
	job.UpdatedAt = now
	job.FinishedAt = &now
	if err := w.store.UpdateJob(ctx, job, analysis.StatusPublishing); err != nil {
		logger.Error("persist completion failed", zap.Error(err))
		return
	}
	logger.Info("analysis job completed", zap.Duration("elapsed", now.Sub(job.CreatedAt)))
	w.emit(job, progress.KindJobDone, "", now.Sub(job.CreatedAt), 0, "", false)
	w.announce(ctx, job)
}

// runStage moves job into stage, runs the executor under the stage deadline
// and persists the merged output. Any returned error ends the job run.
func (w *Worker) runStage(ctx context.Context, job *analysis.Job, stage analysis.Stage, logger *zap.Logger) error {
	expected := job.Status
	started := w.clock.Now()
	job.Status = stage.Status()
	job.StageStartedAt = started
	job.UpdatedAt = started
	if err := w.store.UpdateJob(ctx, *job, expected); err != nil {
		if errors.Is(err, analysis.ErrStatusChanged) {
			return errDiscarded
		}
		// Left for the reconciler: the status write never landed.
		logger.Error("persist stage transition failed", zap.String("stage", string(stage)), zap.Error(err))
		return err
	}
	w.emit(*job, progress.KindStageStart, stage, 0, 0, "", false)

	apply, err := w.execute(ctx, stage, *job)
	if apply != nil {
		apply(&job.Result)
	}
	elapsed := w.clock.Now().Sub(started)
	if err != nil {
		if ctx.Err() != nil {
			w.interrupt(ctx, *job, logger)
			return err
		}
		return w.fail(ctx, job, stage, err, elapsed, logger)
	}

	job.UpdatedAt = w.clock.Now()
	if err := w.store.UpdateJob(ctx, *job, job.Status); err != nil {
		if errors.Is(err, analysis.ErrStatusChanged) {
			return errDiscarded
		}
		logger.Error("persist stage result failed", zap.String("stage", string(stage)), zap.Error(err))
		return err
	}
	var bytes int64
	if stage == analysis.StageScan && job.Result.Scan != nil {
		bytes = int64(job.Result.Scan.Bytes)
	}
	w.emit(*job, progress.KindStageDone, stage, elapsed, bytes, "", false)
	logger.Debug("stage finished", zap.String("stage", string(stage)), zap.Duration("elapsed", elapsed))
	return nil
}

type outcome struct {
	apply func(*analysis.Result)
	err   error
}

// execute calls the stage executor in its own goroutine so an executor that
// ignores its context is abandoned at the deadline.
func (w *Worker) execute(ctx context.Context, stage analysis.Stage, job analysis.Job) (func(*analysis.Result), error) {
	timeout := w.cfg.Timeout(stage)
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		apply, err := w.invoke(stageCtx, stage, job)
		done <- outcome{apply: apply, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			return out.apply, nil
		}
		if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return out.apply, &analysis.StageError{Stage: stage, Timeout: timeout, Err: out.err}
		}
		return out.apply, &analysis.StageError{Stage: stage, Err: out.err}
	case <-stageCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s stage: %w", stage, ctx.Err())
		}
		return nil, &analysis.StageError{Stage: stage, Timeout: timeout, Err: stageCtx.Err()}
	}
}

func (w *Worker) invoke(ctx context.Context, stage analysis.Stage, job analysis.Job) (func(*analysis.Result), error) {
	res := job.Result
	switch stage {
	case analysis.StageScan:
		if w.exec.Scanner == nil {
			return nil, errors.New("no scanner configured")
		}
		raw, err := w.exec.Scanner.Scan(ctx, job.WebsiteURL)
		if err != nil {
			return nil, err
		}
		return func(r *analysis.Result) { r.Scan = &raw }, nil
	case analysis.StageExtract:
		if w.exec.Extractor == nil {
			return nil, errors.New("no extractor configured")
		}
		if res.Scan == nil {
			return nil, errors.New("missing scan output")
		}
		content, err := w.exec.Extractor.Extract(ctx, *res.Scan)
		if err != nil {
			return nil, err
		}
		return func(r *analysis.Result) { r.Content = &content }, nil
	case analysis.StageGenerate:
		if w.exec.Generator == nil {
			return nil, errors.New("no generator configured")
		}
		if res.Content == nil {
			return nil, errors.New("missing extracted content")
		}
		cp, err := w.exec.Generator.Generate(ctx, *res.Content)
		if err != nil {
			return nil, err
		}
		return func(r *analysis.Result) { r.Copy = &cp }, nil
	case analysis.StagePublish:
		if w.exec.Publisher == nil {
			return nil, errors.New("no publisher configured")
		}
		if res.Copy == nil {
			return nil, errors.New("missing marketing copy")
		}
		var accounts []analysis.ConnectedAccount
		if w.exec.Accounts != nil {
			var err error
			accounts, err = w.exec.Accounts.ConnectedAccounts(ctx, job.OwnerID)
			if err != nil {
				return nil, fmt.Errorf("load connected accounts: %w", err)
			}
		}
		receipts, err := w.exec.Publisher.Publish(ctx, *res.Copy, accounts)
		var apply func(*analysis.Result)
		if len(receipts) > 0 {
			apply = func(r *analysis.Result) { r.Receipts = append(r.Receipts, receipts...) }
		}
		return apply, err
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
}

func (w *Worker) fail(
	ctx context.Context,
	job *analysis.Job,
	stage analysis.Stage,
	stageErr error,
	elapsed time.Duration,
	logger *zap.Logger,
) error {
	expected := job.Status
	now := w.clock.Now()
	job.Status = analysis.StatusFailed
	job.Error = stageErr.Error()
	job.UpdatedAt = now
	job.FinishedAt = &now
	if err := w.store.UpdateJob(ctx, *job, expected); err != nil {
		if errors.Is(err, analysis.ErrStatusChanged) {
			return errDiscarded
		}
		logger.Error("persist stage failure failed", zap.String("stage", string(stage)), zap.Error(err))
		return err
	}
	var se *analysis.StageError
	timedOut := errors.As(stageErr, &se) && se.TimedOut()
	logger.Warn("analysis job failed",
		zap.String("stage", string(stage)),
		zap.Bool("timed_out", timedOut),
		zap.Error(stageErr))
	w.emit(*job, progress.KindJobFailed, stage, elapsed, 0, job.Error, timedOut)
	w.announce(ctx, *job)
	return stageErr
}

// interrupt fails a job whose stage was cut short by worker shutdown so it
// does not wait for the reconciler.
func (w *Worker) interrupt(ctx context.Context, job analysis.Job, logger *zap.Logger) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownWriteBudget)
	defer cancel()
	expected := job.Status
	now := w.clock.Now()
	job.Status = analysis.StatusFailed
	job.Error = InterruptedReason
	job.UpdatedAt = now
	job.FinishedAt = &now
	if err := w.store.UpdateJob(writeCtx, job, expected); err != nil {
		logger.Warn("mark interrupted job failed", zap.Error(err))
		return
	}
	w.emit(job, progress.KindJobFailed, "", 0, 0, job.Error, false)
	w.announce(writeCtx, job)
}

func (w *Worker) announce(ctx context.Context, job analysis.Job) {
	if w.announcer != nil {
		w.announcer.Announce(ctx, job)
	}
}

func (w *Worker) emit(
	job analysis.Job,
	kind progress.Kind,
	stage analysis.Stage,
	dur time.Duration,
	bytes int64,
	note string,
	timedOut bool,
) {
	w.emitter.Emit(progress.Event{
		JobID:    job.ID,
		TS:       job.UpdatedAt,
		Kind:     kind,
		Stage:    stage,
		Status:   job.Status,
		Site:     progress.SiteOf(job.WebsiteURL),
		Bytes:    bytes,
		Dur:      dur,
		TimedOut: timedOut,
		Note:     note,
	})
}
