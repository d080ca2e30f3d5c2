package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-analyzer/internal/fetch"
	"github.com/JakeFAU/site-analyzer/internal/metrics"
)

// scripted answers each RoundTrip with the next outcome, repeating the last.
type scripted struct {
	outcomes []outcome
	calls    int
}

type outcome struct {
	resp *http.Response
	err  error
}

func (s *scripted) RoundTrip(*http.Request) (*http.Response, error) {
	i := min(s.calls, len(s.outcomes)-1)
	s.calls++
	return s.outcomes[i].resp, s.outcomes[i].err
}

func instantGuard(next http.RoundTripper) *robotsGuard {
	g := newRobotsGuard(next)
	g.delays = []time.Duration{0, 0, 0}
	return g
}

func robotsRequest() *http.Request {
	return httptest.NewRequest(http.MethodGet, "https://harbor-coffee.example/robots.txt", nil)
}

func TestRobotsGuardFallsBackAfterRepeatedTimeouts(t *testing.T) {
	t.Parallel()
	metrics.Init()

	next := &scripted{outcomes: []outcome{{err: context.DeadlineExceeded}}}
	g := instantGuard(next)

	resp, err := g.RoundTrip(robotsRequest())
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, permissiveRobots, string(body))
	require.Equal(t, 4, next.calls, "first try plus one per delay")

	var out fetch.Response
	g.annotate(&out)
	require.Equal(t, fetch.RobotsStatusIndeterminate, out.RobotsStatus)
	require.Equal(t, handshakeTimeoutReason, out.RobotsReason)
}

func TestRobotsGuardRecoversOnRetry(t *testing.T) {
	t.Parallel()

	next := &scripted{outcomes: []outcome{
		{err: context.DeadlineExceeded},
		{resp: httptest.NewRecorder().Result()},
	}}
	g := instantGuard(next)

	resp, err := g.RoundTrip(robotsRequest())
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 2, next.calls)

	var out fetch.Response
	g.annotate(&out)
	require.Equal(t, fetch.RobotsStatusUnknown, out.RobotsStatus)
}

func TestRobotsGuardDoesNotRetryHardFailures(t *testing.T) {
	t.Parallel()

	next := &scripted{outcomes: []outcome{{err: errors.New("connection refused")}}}
	_, err := instantGuard(next).RoundTrip(robotsRequest())
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 1, next.calls)
}

func TestRobotsGuardIgnoresPageRequests(t *testing.T) {
	t.Parallel()

	next := &scripted{outcomes: []outcome{{err: context.DeadlineExceeded}}}
	req := httptest.NewRequest(http.MethodGet, "https://harbor-coffee.example/menu", nil)
	_, err := instantGuard(next).RoundTrip(req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, next.calls)
}

func TestRobotsGuardStopsWhenRequestCanceled(t *testing.T) {
	t.Parallel()

	next := &scripted{outcomes: []outcome{{err: context.DeadlineExceeded}}}
	g := newRobotsGuard(next)
	g.delays = []time.Duration{time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.RoundTrip(robotsRequest().WithContext(ctx))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, next.calls)
}

func TestNilGuardAnnotateIsNoop(t *testing.T) {
	t.Parallel()

	var g *robotsGuard
	out := fetch.Response{StatusCode: 200}
	g.annotate(&out)
	require.Equal(t, fetch.RobotsStatusUnknown, out.RobotsStatus)
}
