package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

// Reconcile fails every non-terminal job whose last update is older than
// StaleAfter. It returns how many jobs it failed. Jobs that move while the
// sweep runs are skipped.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	if o.cfg.StaleAfter <= 0 {
		return 0, nil
	}
	cutoff := o.clock.Now().Add(-o.cfg.StaleAfter)
	stale, err := o.store.ListStale(ctx, cutoff, o.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}
	failed := 0
	for _, job := range stale {
		expected, lastUpdate := job.Status, job.UpdatedAt
		reason := fmt.Sprintf("stale: no progress since %s", lastUpdate.UTC().Format(time.RFC3339))
		o.markFailed(&job, reason)
		err := o.store.UpdateJob(ctx, job, expected)
		switch {
		case errors.Is(err, analysis.ErrStatusChanged):
			continue
		case err != nil:
			return failed, fmt.Errorf("fail stale job %s: %w", job.ID, err)
		}
		failed++
		o.logger.Warn("stale analysis job failed",
			zap.String("job_id", job.ID),
			zap.String("from_status", string(expected)),
			zap.Time("last_update", lastUpdate))
		o.finished(ctx, job, expected)
	}
	return failed, nil
}

// RunReconciler sweeps every interval until ctx ends.
func (o *Orchestrator) RunReconciler(ctx context.Context, interval time.Duration) {
	if o.cfg.StaleAfter <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.Reconcile(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				o.logger.Error("reconcile sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				o.logger.Info("reconcile sweep finished", zap.Int("failed_jobs", n))
			}
		}
	}
}
