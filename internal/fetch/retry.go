package fetch

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"
)

// RetryConfig tunes ExponentialRetry. Zero values fall back to defaults.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// RetryPolicy decides whether a failed fetch is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// ExponentialRetry implements RetryPolicy with jittered backoff.
type ExponentialRetry struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetry builds a policy; attempts count the first try.
func NewExponentialRetry(cfg RetryConfig) *ExponentialRetry {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	return &ExponentialRetry{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
}

// ShouldRetry retries network timeouts and non-network errors until the
// attempt budget is spent. Cancellation is never retried.
func (p *ExponentialRetry) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// Backoff returns the wait before the attempt after attempt.
func (p *ExponentialRetry) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// StatusError reports a response status worth retrying.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "retryable status " + http.StatusText(e.StatusCode)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Retrying wraps a Fetcher, repeating transport failures and 429/502/503/504
// responses per the policy. Any other status, with or without an error, is
// returned as is. When retries run out the last result is returned.
type Retrying struct {
	next   Fetcher
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrying builds a Retrying fetcher around next.
func NewRetrying(next Fetcher, policy RetryPolicy) *Retrying {
	return &Retrying{next: next, policy: policy, sleep: sleepCtx}
}

// Fetch implements Fetcher.
func (r *Retrying) Fetch(ctx context.Context, request Request) (Response, error) {
	for attempt := 1; ; attempt++ {
		resp, err := r.next.Fetch(ctx, request)
		cause := err
		switch {
		case resp.StatusCode != 0 && !retryableStatus(resp.StatusCode):
			return resp, err
		case err == nil && resp.StatusCode == 0:
			return resp, nil
		case err == nil:
			cause = &StatusError{StatusCode: resp.StatusCode}
		}
		if !r.policy.ShouldRetry(cause, attempt) {
			return resp, err
		}
		if serr := r.sleep(ctx, r.policy.Backoff(attempt-1)); serr != nil {
			if err != nil {
				return resp, err
			}
			return resp, serr
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
