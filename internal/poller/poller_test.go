package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/api"
)

type fakeTicker struct {
	ch    chan time.Time
	stops atomic.Int32
}

func newFakeTicker(ticks int) *fakeTicker {
	t := &fakeTicker{ch: make(chan time.Time, ticks)}
	for range ticks {
		t.ch <- time.Time{}
	}
	return t
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stops.Add(1) }

type step struct {
	status analysis.Status
	errMsg string
	err    error
}

type scriptedAPI struct {
	mu       sync.Mutex
	startErr error
	jobID    string
	steps    []step
	gets     []string
}

func (a *scriptedAPI) Start(context.Context, string) (string, error) {
	if a.startErr != nil {
		return "", a.startErr
	}
	return a.jobID, nil
}

func (a *scriptedAPI) Get(_ context.Context, jobID string) (api.AnalysisView, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gets = append(a.gets, jobID)
	if len(a.steps) == 0 {
		return api.AnalysisView{}, errors.New("script exhausted")
	}
	s := a.steps[0]
	a.steps = a.steps[1:]
	if s.err != nil {
		return api.AnalysisView{}, s.err
	}
	return api.AnalysisView{ID: jobID, Status: s.status, Error: s.errMsg}, nil
}

type conflictErr struct{ id string }

func (e conflictErr) Error() string     { return "conflict" }
func (e conflictErr) ActiveJob() string { return e.id }

func newPoller(a API, ticker *fakeTicker) *Poller {
	return New(a, Config{
		Interval:    time.Millisecond,
		MaxFailures: 3,
		NewTicker:   func(time.Duration) Ticker { return ticker },
	}, zap.NewNop())
}

func collect() (*[]Update, func(Update)) {
	var updates []Update
	return &updates, func(u Update) { updates = append(updates, u) }
}

func TestWatchReportsProgressUntilCompleted(t *testing.T) {
	t.Parallel()

	a := &scriptedAPI{jobID: "job-1", steps: []step{
		{status: analysis.StatusPending},
		{status: analysis.StatusScanning},
		{status: analysis.StatusScanning},
		{status: analysis.StatusExtracting},
		{status: analysis.StatusGenerating},
		{status: analysis.StatusPublishing},
		{status: analysis.StatusCompleted},
	}}
	ticker := newFakeTicker(20)
	p := newPoller(a, ticker)

	updates, notify := collect()
	final, err := p.Watch(context.Background(), "example.com", notify)
	require.NoError(t, err)

	require.Equal(t, StateSuccess, final.State)
	require.Equal(t, 100, final.Progress)
	require.Equal(t, "https://example.com", final.WebsiteURL)
	require.Equal(t, "job-1", final.JobID)

	var states []State
	var progress []int
	for _, u := range *updates {
		states = append(states, u.State)
		progress = append(progress, u.Progress)
	}
	require.Equal(t, StateRequestingStart, states[0])
	require.Equal(t, []int{0, 0, 0, 25, 25, 50, 75, 90, 100}, progress)
	require.Equal(t, int32(1), ticker.stops.Load())
	require.False(t, p.InFlight("example.com"))
	// Ticks left over after the terminal status are never consumed.
	require.Len(t, a.gets, 7)
}

func TestWatchAlertsOnFailure(t *testing.T) {
	t.Parallel()

	a := &scriptedAPI{jobID: "job-2", steps: []step{
		{status: analysis.StatusExtracting},
		{status: analysis.StatusFailed, errMsg: "generate stage timeout after 30s"},
	}}
	ticker := newFakeTicker(5)
	final, err := newPoller(a, ticker).Watch(context.Background(), "https://shop.example", nil)
	require.NoError(t, err)

	require.Equal(t, StateError, final.State)
	require.Equal(t, "generate stage timeout after 30s", final.Alert)
	require.Equal(t, 50, final.Progress)
	require.Equal(t, int32(1), ticker.stops.Load())
}

func TestWatchFailureWithoutMessageStillAlerts(t *testing.T) {
	t.Parallel()

	a := &scriptedAPI{jobID: "job-3", steps: []step{{status: analysis.StatusFailed}}}
	final, err := newPoller(a, newFakeTicker(1)).Watch(context.Background(), "example.com", nil)
	require.NoError(t, err)
	require.Equal(t, StateError, final.State)
	require.NotEmpty(t, final.Alert)
}

func TestWatchRejectsSecondStartForSameURL(t *testing.T) {
	t.Parallel()

	a := &scriptedAPI{jobID: "job-4"}
	ticker := newFakeTicker(0)
	p := newPoller(a, ticker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Watch(ctx, "example.com", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return p.InFlight("https://EXAMPLE.com") }, time.Second, time.Millisecond)

	final, err := p.Watch(context.Background(), "example.com", nil)
	require.ErrorIs(t, err, ErrInFlight)
	require.Equal(t, StateIdle, final.State)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, int32(1), ticker.stops.Load())
	require.False(t, p.InFlight("example.com"))
}

func TestWatchJoinsActiveJobOnConflict(t *testing.T) {
	t.Parallel()

	a := &scriptedAPI{startErr: conflictErr{id: "job-active"}, steps: []step{{status: analysis.StatusCompleted}}}
	final, err := newPoller(a, newFakeTicker(1)).Watch(context.Background(), "example.com", nil)
	require.NoError(t, err)
	require.Equal(t, StateSuccess, final.State)
	require.Equal(t, []string{"job-active"}, a.gets)
}

func TestWatchStartFailure(t *testing.T) {
	t.Parallel()

	a := &scriptedAPI{startErr: errors.New("connection refused")}
	ticker := newFakeTicker(1)
	updates, notify := collect()
	final, err := newPoller(a, ticker).Watch(context.Background(), "example.com", notify)
	require.NoError(t, err)
	require.Equal(t, StateError, final.State)
	require.Contains(t, final.Alert, "connection refused")
	require.Len(t, *updates, 2)
	require.Zero(t, ticker.stops.Load())
}

func TestWatchToleratesTransientErrors(t *testing.T) {
	t.Parallel()

	transient := errors.New("502 bad gateway")
	a := &scriptedAPI{jobID: "job-5", steps: []step{
		{err: transient},
		{err: transient},
		{status: analysis.StatusCompleted},
	}}
	final, err := newPoller(a, newFakeTicker(5)).Watch(context.Background(), "example.com", nil)
	require.NoError(t, err)
	require.Equal(t, StateSuccess, final.State)
}

func TestWatchGivesUp(t *testing.T) {
	t.Parallel()

	transient := errors.New("timeout")
	a := &scriptedAPI{jobID: "job-6", steps: []step{{err: transient}, {err: transient}, {err: transient}}}
	final, err := newPoller(a, newFakeTicker(5)).Watch(context.Background(), "example.com", nil)
	require.NoError(t, err)
	require.Equal(t, StateError, final.State)
	require.Len(t, a.gets, 3)

	a = &scriptedAPI{jobID: "job-7", steps: []step{{err: analysis.ErrForbidden}}}
	final, err = newPoller(a, newFakeTicker(5)).Watch(context.Background(), "example.com", nil)
	require.NoError(t, err)
	require.Equal(t, StateError, final.State)
	require.Len(t, a.gets, 1)
}

func TestWatchRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	_, err := newPoller(&scriptedAPI{}, newFakeTicker(0)).Watch(context.Background(), "", nil)
	require.ErrorIs(t, err, analysis.ErrValidation)
}
