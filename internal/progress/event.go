package progress

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

// Kind denotes the lifecycle milestone an Event represents.
type Kind string

// Supported event kinds.
const (
	KindJobQueued  Kind = "JOB_QUEUED"
	KindStageStart Kind = "STAGE_START"
	KindStageDone  Kind = "STAGE_DONE"
	KindJobDone    Kind = "JOB_DONE"
	KindJobFailed  Kind = "JOB_FAILED"
)

// Event captures a single step of an analysis job.
type Event struct {
	// JobID identifies the analysis job.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which milestone occurred.
	Kind Kind
	// Stage is set for stage events and for failures raised by a stage.
	Stage analysis.Stage
	// Status is the job status after the milestone.
	Status analysis.Status
	// Site is the host of the analyzed website.
	Site string
	// Bytes carries the scanned body size on a scan STAGE_DONE.
	Bytes int64
	// Dur is the stage latency for stage events and job wall time for
	// terminal events.
	Dur time.Duration
	// TimedOut marks failures caused by the stage deadline.
	TimedOut bool
	// Note lets emitters attach low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindJobQueued, KindJobDone, KindJobFailed:
	case KindStageStart, KindStageDone:
		if e.Stage == "" {
			return fmt.Errorf("%s requires stage", e.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes out a job.
func (e Event) Terminal() bool {
	return e.Kind == KindJobDone || e.Kind == KindJobFailed
}

// SiteOf extracts the host label for a website URL, or "unknown".
func SiteOf(websiteURL string) string {
	u, err := url.Parse(websiteURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
