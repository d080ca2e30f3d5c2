// Package headless renders JavaScript-heavy landing pages in headless Chrome
// so the extract stage sees the DOM a visitor would see.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/site-analyzer/internal/fetch"
	"github.com/JakeFAU/site-analyzer/internal/metrics"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
	defaultWaitSelector      = "body"
	defaultMaxBodyBytes      = 5 << 20
)

// Images, fonts and video never reach the extractor, so renders skip them.
var defaultBlockedResources = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.avif", "*.ico",
	"*.woff", "*.woff2", "*.ttf", "*.otf",
	"*.mp4", "*.webm", "*.mp3",
}

// Config controls the renderer.
type Config struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// SettleDelay gives client-side rendering time to finish once
	// WaitSelector is ready.
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	WaitSelector string        `mapstructure:"wait_selector"`
	// BlockResources are URL patterns Chrome will not load.
	BlockResources []string `mapstructure:"block_resources"`
	MaxBodyBytes   int      `mapstructure:"max_body_bytes"`
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string `mapstructure:"exec_path"`
}

func (c Config) withDefaults() (Config, error) {
	if c.MaxParallel < 0 {
		return c, fmt.Errorf("max parallel must be >= 0")
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = defaultNavigationTimeout
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.WaitSelector == "" {
		c.WaitSelector = defaultWaitSelector
	}
	if c.BlockResources == nil {
		c.BlockResources = defaultBlockedResources
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	return c, nil
}

// Renderer implements fetch.Fetcher with one Chrome process and a tab per
// render. MaxParallel bounds open tabs; zero means unbounded.
type Renderer struct {
	cfg      Config
	slots    chan struct{}
	browser  context.Context
	shutdown context.CancelFunc
}

var _ fetch.Fetcher = (*Renderer)(nil)

// New creates a Renderer. Chrome starts lazily on the first render.
func New(cfg Config) (*Renderer, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	browser, shutdown := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{cfg: cfg, slots: slots, browser: browser, shutdown: shutdown}, nil
}

// Close stops Chrome.
func (r *Renderer) Close() error {
	r.shutdown()
	return nil
}

// Fetch renders request.URL and returns the serialized DOM. The tab closes
// when ctx ends or NavigationTimeout passes, whichever is first.
func (r *Renderer) Fetch(ctx context.Context, request fetch.Request) (fetch.Response, error) {
	if err := r.take(ctx); err != nil {
		return fetch.Response{}, err
	}
	defer r.give()

	tab, closeTab := chromedp.NewContext(r.browser)
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, r.cfg.NavigationTimeout)
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()

	doc := &mainDocument{}
	chromedp.ListenTarget(tab, doc.observe)

	started := time.Now()
	var html, location string
	err := chromedp.Run(tab,
		r.prepare(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(r.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(r.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		metrics.ObserveFetch(request.URL, "headless", 0)
		return fetch.Response{}, fmt.Errorf("render %s: %w", request.URL, err)
	}

	resp := doc.response(request.URL, location)
	resp.Body = clip([]byte(html), r.cfg.MaxBodyBytes)
	resp.Duration = time.Since(started)
	resp.UsedHeadless = true
	metrics.ObserveFetch(request.URL, "headless", resp.StatusCode)
	return resp, nil
}

func (r *Renderer) prepare(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if len(r.cfg.BlockResources) > 0 {
			if err := network.SetBlockedURLs(r.cfg.BlockResources).Do(ctx); err != nil {
				return fmt.Errorf("block resources: %w", err)
			}
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) take(ctx context.Context) error {
	if r.slots == nil {
		return nil
	}
	select {
	case r.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for a render slot: %w", ctx.Err())
	}
}

func (r *Renderer) give() {
	if r.slots == nil {
		return
	}
	select {
	case <-r.slots:
	default:
	}
}

// mainDocument keeps the first document response of a navigation. Later
// document responses belong to iframes.
type mainDocument struct {
	mu      sync.Mutex
	seen    bool
	status  int
	url     string
	headers http.Header
}

func (d *mainDocument) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	d.seen = true
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.headers = headersFrom(resp.Response.Headers)
}

// response builds the fetch result. Without a captured document (served
// from cache, for example) it assumes 200 at the browser's final location.
func (d *mainDocument) response(requestURL, location string) fetch.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp := fetch.Response{StatusCode: d.status, URL: d.url, Headers: http.Header{}}
	if d.headers != nil {
		resp.Headers = d.headers.Clone()
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if location != "" {
		resp.URL = location
	}
	if resp.URL == "" {
		resp.URL = requestURL
	}
	return resp
}

func headersFrom(src network.Headers) http.Header {
	out := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []string:
			for _, entry := range v {
				out.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

func toNetworkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}

func clip(body []byte, limit int) []byte {
	if limit > 0 && len(body) > limit {
		return body[:limit]
	}
	return body
}
