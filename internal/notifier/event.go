// Package notifier defines the lifecycle message announced when an analysis
// job reaches a terminal status, plus publishers for it.
package notifier

import (
	"time"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

// JobEvent is the payload published on terminal transitions.
type JobEvent struct {
	JobID      string          `json:"jobId"`
	OwnerID    string          `json:"ownerId"`
	WebsiteURL string          `json:"websiteUrl"`
	Status     analysis.Status `json:"status"`
	Attempt    int             `json:"attempt"`
	Error      string          `json:"error,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// FromJob builds the lifecycle payload for job.
func FromJob(job analysis.Job, at time.Time) JobEvent {
	return JobEvent{
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		WebsiteURL: job.WebsiteURL,
		Status:     job.Status,
		Attempt:    job.Attempt,
		Error:      job.Error,
		OccurredAt: at.UTC(),
	}
}

// Attributes returns message attributes usable for subscription filters.
func (e JobEvent) Attributes() map[string]string {
	return map[string]string{
		"job_id":   e.JobID,
		"owner_id": e.OwnerID,
		"status":   string(e.Status),
	}
}
