// Package poller drives one analysis from start to a terminal status the way
// a progress UI does: start the job, poll on a fixed interval, map status to
// a percentage, and stop at the first terminal observation.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/api"
	"github.com/JakeFAU/site-analyzer/internal/auth"
)

// State is the poller's position in its state machine.
type State string

// Poller states.
const (
	StateIdle            State = "idle"
	StateRequestingStart State = "requesting-start"
	StatePolling         State = "polling"
	StateSuccess         State = "success"
	StateError           State = "error"
)

const (
	// DefaultInterval is the status polling period.
	DefaultInterval = 2 * time.Second
	// DefaultMaxFailures is how many consecutive failed polls are tolerated.
	DefaultMaxFailures = 5
)

// ErrInFlight rejects a second Watch for a URL this poller is already watching.
var ErrInFlight = errors.New("analysis already in flight for this url")

// API is the subset of the HTTP client the poller needs.
type API interface {
	Start(ctx context.Context, websiteURL string) (string, error)
	Get(ctx context.Context, jobID string) (api.AnalysisView, error)
}

// Update is one observable step of a watch.
type Update struct {
	WebsiteURL string
	JobID      string
	State      State
	Status     analysis.Status
	Progress   int
	// Alert is set when the watch ends in StateError.
	Alert    string
	Analysis *api.AnalysisView
}

// Ticker is the interval source; Stop must release it.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.Ticker.C }

// Config tunes a Poller.
type Config struct {
	Interval    time.Duration
	MaxFailures int
	// NewTicker overrides the interval source.
	NewTicker func(time.Duration) Ticker
}

// Poller watches analyses. One Poller may watch several URLs concurrently.
type Poller struct {
	api    API
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New builds a Poller.
func New(client API, cfg Config, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{api: client, cfg: cfg, logger: logger.Named("poller"), inFlight: map[string]struct{}{}}
}

// InFlight reports whether websiteURL is being watched.
func (p *Poller) InFlight(websiteURL string) bool {
	key, err := analysis.NormalizeURL(websiteURL)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[key]
	return ok
}

// Watch starts an analysis for websiteURL and polls it until it is terminal
// or ctx is done. notify, when non-nil, receives every update in order. The
// final update is returned; a failed analysis is not an error.
func (p *Poller) Watch(ctx context.Context, websiteURL string, notify func(Update)) (Update, error) {
	if notify == nil {
		notify = func(Update) {}
	}
	key, err := analysis.NormalizeURL(websiteURL)
	if err != nil {
		return Update{WebsiteURL: websiteURL, State: StateIdle}, err
	}
	if !p.acquire(key) {
		return Update{WebsiteURL: key, State: StateIdle}, ErrInFlight
	}
	defer p.release(key)

	u := Update{WebsiteURL: key, State: StateRequestingStart}
	notify(u)

	jobID, err := p.api.Start(ctx, key)
	if err != nil {
		var active interface{ ActiveJob() string }
		if errors.As(err, &active) && active.ActiveJob() != "" {
			jobID = active.ActiveJob()
			p.logger.Info("joining active analysis", zap.String("job_id", jobID), zap.String("website_url", key))
		} else {
			u.State = StateError
			u.Alert = fmt.Sprintf("could not start analysis: %v", err)
			notify(u)
			return u, nil
		}
	}

	u.JobID = jobID
	u.State = StatePolling
	u.Status = analysis.StatusPending
	notify(u)
	return p.poll(ctx, u, notify)
}

func (p *Poller) poll(ctx context.Context, u Update, notify func(Update)) (Update, error) {
	ticker := p.cfg.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return u, ctx.Err()
		case <-ticker.C():
		}

		view, err := p.api.Get(ctx, u.JobID)
		if err != nil {
			if ctx.Err() != nil {
				return u, ctx.Err()
			}
			failures++
			if permanent(err) || failures >= p.cfg.MaxFailures {
				u.State = StateError
				u.Alert = fmt.Sprintf("lost track of analysis: %v", err)
				notify(u)
				return u, nil
			}
			p.logger.Debug("status poll failed", zap.String("job_id", u.JobID), zap.Int("failures", failures), zap.Error(err))
			continue
		}
		failures = 0

		u.Status = view.Status
		u.Analysis = &view
		// failed keeps the last percentage shown
		if view.Status != analysis.StatusFailed {
			u.Progress = analysis.Progress(view.Status)
		}
		switch view.Status {
		case analysis.StatusCompleted:
			u.State = StateSuccess
			notify(u)
			return u, nil
		case analysis.StatusFailed:
			u.State = StateError
			u.Alert = view.Error
			if u.Alert == "" {
				u.Alert = "analysis failed"
			}
			notify(u)
			return u, nil
		default:
			notify(u)
		}
	}
}

func (p *Poller) acquire(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[key]; busy {
		return false
	}
	p.inFlight[key] = struct{}{}
	return true
}

func (p *Poller) release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, key)
}

// permanent reports errors that more polling cannot fix.
func permanent(err error) bool {
	return errors.Is(err, analysis.ErrNotFound) ||
		errors.Is(err, analysis.ErrForbidden) ||
		errors.Is(err, analysis.ErrValidation) ||
		errors.Is(err, auth.ErrUnauthenticated)
}
