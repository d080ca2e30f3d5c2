package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/site-analyzer/internal/fetch"
	"github.com/JakeFAU/site-analyzer/internal/metrics"
)

const handshakeTimeoutReason = "TLS handshake timeout"

// permissiveRobots stands in for a robots.txt that never answered.
const permissiveRobots = "User-agent: *\nAllow: /"

var robotsRetryDelays = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}

// robotsGuard is the transport for one robots-respecting fetch. Requests for
// /robots.txt that keep timing out are answered with permissiveRobots and the
// fetch is marked indeterminate instead of failing the scan. Every other
// request goes straight to next.
type robotsGuard struct {
	next   http.RoundTripper
	delays []time.Duration

	mu     sync.Mutex
	status fetch.RobotsStatus
	reason string
}

func newRobotsGuard(next http.RoundTripper) *robotsGuard {
	return &robotsGuard{next: next, delays: robotsRetryDelays}
}

func (g *robotsGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots guard: request has no URL")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return g.next.RoundTrip(req)
	}

	for attempt := 0; ; attempt++ {
		resp, err := g.next.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil:
			return resp, nil
		case !timedOut(err):
			return nil, fmt.Errorf("robots.txt: %w", err)
		case attempt == len(g.delays):
			g.giveUp(handshakeTimeoutReason)
			return permissiveResponse(req), nil
		}
		if err := pause(req.Context(), g.delays[attempt]); err != nil {
			return nil, fmt.Errorf("robots.txt retry: %w", err)
		}
	}
}

func (g *robotsGuard) giveUp(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status == fetch.RobotsStatusIndeterminate {
		return
	}
	g.status = fetch.RobotsStatusIndeterminate
	g.reason = reason
	metrics.ObserveProbeTLSHandshakeTimeout()
}

// annotate copies the robots outcome onto resp. A nil guard does nothing.
func (g *robotsGuard) annotate(resp *fetch.Response) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status != fetch.RobotsStatusUnknown {
		resp.RobotsStatus = g.status
		resp.RobotsReason = g.reason
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func permissiveResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(permissiveRobots)),
		ContentLength: int64(len(permissiveRobots)),
		Request:       req,
	}
}

func timedOut(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) ||
		strings.Contains(err.Error(), "tls: handshake timeout")
}
