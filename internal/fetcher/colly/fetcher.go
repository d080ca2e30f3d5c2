// Package collyfetcher implements fetch.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/site-analyzer/internal/fetch"
	"github.com/JakeFAU/site-analyzer/internal/metrics"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 5 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodySize   int           `mapstructure:"max_body_size"`
}

// Fetcher builds a fresh collector per scan so colly's visited-URL memory
// never blocks a re-analysis. Connections are pooled across scans.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

var _ fetch.Fetcher = (*Fetcher)(nil)

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	return &Fetcher{cfg: cfg, transport: pooledTransport()}
}

// Fetch GETs request.URL. HTTP error statuses come back as responses; only
// transport failures, robots denials and cancellation are errors. When an
// error follows a response, the status is kept on the returned Response.
func (f *Fetcher) Fetch(ctx context.Context, request fetch.Request) (fetch.Response, error) {
	v := &visit{request: request, started: time.Now()}
	c := f.collector(v)
	c.Context = ctx

	done := make(chan error, 1)
	go func() { done <- c.Visit(request.URL) }()

	select {
	case <-ctx.Done():
		metrics.ObserveFetch(request.URL, "colly", 0)
		return fetch.Response{URL: request.URL}, fmt.Errorf("fetch %s: %w", request.URL, ctx.Err())
	case err := <-done:
		if err == nil {
			err = v.err
		}
		metrics.ObserveFetch(request.URL, "colly", v.resp.StatusCode)
		if err != nil {
			return fetch.Response{URL: request.URL, StatusCode: v.resp.StatusCode}, fmt.Errorf("fetch %s: %w", request.URL, err)
		}
	}
	v.robots.annotate(&v.resp)
	return v.resp, nil
}

func (f *Fetcher) respectRobots(request fetch.Request) bool {
	if request.RespectRobots != nil {
		return *request.RespectRobots
	}
	return f.cfg.RespectRobots
}

func (f *Fetcher) collector(v *visit) *colly.Collector {
	c := colly.NewCollector(colly.Async(false))
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = f.cfg.MaxBodySize
	c.SetRequestTimeout(f.cfg.Timeout)

	c.IgnoreRobotsTxt = !f.respectRobots(v.request)
	if c.IgnoreRobotsTxt {
		c.WithTransport(f.transport)
	} else {
		v.robots = newRobotsGuard(f.transport)
		c.WithTransport(v.robots)
	}

	c.OnRequest(v.onRequest)
	c.OnResponse(v.onResponse)
	c.OnError(v.onError)
	return c
}

// visit accumulates the outcome of one Fetch.
type visit struct {
	request fetch.Request
	started time.Time
	robots  *robotsGuard

	resp fetch.Response
	err  error
}

func (v *visit) onRequest(r *colly.Request) {
	for key, values := range v.request.Headers {
		for _, value := range values {
			r.Headers.Add(key, value)
		}
	}
}

func (v *visit) onResponse(r *colly.Response) {
	v.resp = fetch.Response{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(v.started),
	}
	if r.Headers != nil {
		v.resp.Headers = r.Headers.Clone()
	}
}

func (v *visit) onError(r *colly.Response, err error) {
	if r != nil && r.StatusCode != 0 {
		v.resp.StatusCode = r.StatusCode
	}
	v.err = err
}

func pooledTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
