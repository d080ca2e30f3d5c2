package fetch

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedFetcher struct {
	responses []Response
	errs      []error
	calls     int
}

func (s *scriptedFetcher) Fetch(context.Context, Request) (Response, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], s.errs[i]
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func newTestRetrying(next Fetcher, attempts int) (*Retrying, *[]time.Duration) {
	r := NewRetrying(next, NewExponentialRetry(RetryConfig{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}))
	var waits []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return r, &waits
}

func TestRetryingRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{
		responses: []Response{{StatusCode: 503}, {StatusCode: 200, Body: []byte("ok")}},
		errs:      []error{nil, nil},
	}
	r, waits := newTestRetrying(next, 3)

	resp, err := r.Fetch(context.Background(), Request{URL: "https://example.com"})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 2, next.calls)
	require.Len(t, *waits, 1)
}

func TestRetryingReturnsLastStatusWhenExhausted(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{responses: []Response{{StatusCode: 429}}, errs: []error{nil}}
	r, _ := newTestRetrying(next, 2)

	resp, err := r.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 429, resp.StatusCode)
	require.Equal(t, 2, next.calls)
}

func TestRetryingDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{responses: []Response{{StatusCode: 404}}, errs: []error{nil}}
	r, _ := newTestRetrying(next, 3)

	resp, err := r.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 404, resp.StatusCode)
	require.Equal(t, 1, next.calls)
}

func TestRetryingRetriesTimeoutsButNotCancellation(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{
		responses: []Response{{}, {StatusCode: 200}},
		errs:      []error{timeoutErr{}, nil},
	}
	r, _ := newTestRetrying(next, 3)
	resp, err := r.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	canceled := &scriptedFetcher{responses: []Response{{}}, errs: []error{context.Canceled}}
	r, _ = newTestRetrying(canceled, 3)
	_, err = r.Fetch(context.Background(), Request{})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, canceled.calls)
}

func TestRetryingStopsWhenSleepIsInterrupted(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	next := &scriptedFetcher{responses: []Response{{}}, errs: []error{boom}}
	r, _ := newTestRetrying(next, 5)
	r.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	_, err := r.Fetch(context.Background(), Request{})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, next.calls)
}

func TestExponentialRetryBackoffIsBounded(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetry(RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond})
	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 400*time.Millisecond)
	}
	require.False(t, p.ShouldRetry(errors.New("x"), 3))
	require.True(t, p.ShouldRetry(errors.New("x"), 1))
	require.False(t, p.ShouldRetry(nil, 1))
}

func TestRetryingDoesNotRetryHTTPErrorsReportedAsErrors(t *testing.T) {
	t.Parallel()

	notFound := errors.New("Not Found")
	next := &scriptedFetcher{responses: []Response{{StatusCode: 404}}, errs: []error{notFound}}
	r, _ := newTestRetrying(next, 3)

	_, err := r.Fetch(context.Background(), Request{})
	require.ErrorIs(t, err, notFound)
	require.Equal(t, 1, next.calls)

	unavailable := errors.New("Service Unavailable")
	flaky := &scriptedFetcher{
		responses: []Response{{StatusCode: 503}, {StatusCode: 200}},
		errs:      []error{unavailable, nil},
	}
	r, _ = newTestRetrying(flaky, 3)
	resp, err := r.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
}
