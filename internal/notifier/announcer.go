package notifier

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

const announceTimeout = 10 * time.Second

// Announcer publishes a JobEvent for every terminal transition. Publish
// failures are logged and never propagate to the job.
type Announcer struct {
	notifier analysis.Notifier
	topic    string
	clock    analysis.Clock
	logger   *zap.Logger
}

// NewAnnouncer returns an Announcer. A nil notifier disables announcements.
func NewAnnouncer(n analysis.Notifier, topic string, clock analysis.Clock, logger *zap.Logger) *Announcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Announcer{notifier: n, topic: topic, clock: clock, logger: logger}
}

// Announce publishes job if it is terminal.
func (a *Announcer) Announce(ctx context.Context, job analysis.Job) {
	if a == nil || a.notifier == nil || !job.Status.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), announceTimeout)
	defer cancel()
	id, err := a.notifier.Publish(ctx, a.topic, FromJob(job, a.clock.Now()))
	if err != nil {
		a.logger.Warn("lifecycle notification failed",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Error(err))
		return
	}
	a.logger.Debug("lifecycle notification published",
		zap.String("job_id", job.ID),
		zap.String("message_id", id))
}
