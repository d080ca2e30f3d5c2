// Package scan implements the Scan stage: a polite fetch of the submitted
// URL, optional headless re-render, and a content-addressed snapshot.
package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/fetch"
	"github.com/JakeFAU/site-analyzer/internal/hash/sha256"
	"github.com/JakeFAU/site-analyzer/internal/metrics"
	"github.com/JakeFAU/site-analyzer/internal/storage"
)

const defaultContentType = "text/html; charset=utf-8"

// ErrHostBlocked fails the stage for hosts operators have excluded.
var ErrHostBlocked = errors.New("host is blocked")

// Config controls snapshot placement.
type Config struct {
	BlobPrefix  string `mapstructure:"blob_prefix"`
	ContentType string `mapstructure:"content_type"`
}

// Hasher fingerprints page bodies.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// HostBlocker reports hosts that must not be fetched.
type HostBlocker interface {
	IsBlocked(host string) bool
}

// Deps are the collaborators the scanner uses. Probe is required; the rest
// are optional and skipped when nil.
type Deps struct {
	Probe    fetch.Fetcher
	Headless fetch.Fetcher
	Detector fetch.Detector
	Limiter  fetch.Limiter
	Blocked  HostBlocker
	Blobs    storage.BlobStore
	Hasher   Hasher
	Clock    analysis.Clock
}

// Scanner implements analysis.Scanner.
type Scanner struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

var _ analysis.Scanner = (*Scanner)(nil)

// New builds a Scanner.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Scanner, error) {
	if deps.Probe == nil {
		return nil, fmt.Errorf("scan: probe fetcher is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("scan: clock is required")
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{cfg: cfg, deps: deps, logger: logger.Named("scan")}, nil
}

// Scan fetches target and snapshots the body. Non-2xx responses fail the
// stage.
func (s *Scanner) Scan(ctx context.Context, target string) (analysis.RawContent, error) {
	if err := s.checkHost(target); err != nil {
		return analysis.RawContent{}, err
	}
	if s.deps.Limiter != nil {
		if err := s.deps.Limiter.Wait(ctx, target); err != nil {
			return analysis.RawContent{}, err
		}
	}

	resp, err := s.deps.Probe.Fetch(ctx, s.request(target))
	if err != nil {
		return analysis.RawContent{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	resp = s.maybePromote(ctx, target, resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return analysis.RawContent{}, fmt.Errorf("fetch %s: unexpected status %d", target, resp.StatusCode)
	}

	digest, err := s.deps.Hasher.Hash(resp.Body)
	if err != nil {
		return analysis.RawContent{}, fmt.Errorf("hash body: %w", err)
	}
	finalURL := resp.URL
	if finalURL == "" {
		finalURL = target
	}
	if err := s.checkHost(finalURL); err != nil {
		return analysis.RawContent{}, err
	}
	uri, err := s.snapshot(ctx, finalURL, digest, resp.Body)
	if err != nil {
		return analysis.RawContent{}, err
	}

	s.logger.Debug("page scanned",
		zap.String("url", target),
		zap.String("final_url", finalURL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(resp.Body)),
		zap.Bool("headless", resp.UsedHeadless),
	)
	return analysis.RawContent{
		URL:          target,
		FinalURL:     finalURL,
		StatusCode:   resp.StatusCode,
		ContentType:  resp.ContentType(),
		ContentHash:  digest,
		BlobURI:      uri,
		Bytes:        len(resp.Body),
		UsedHeadless: resp.UsedHeadless,
		FetchedAt:    s.deps.Clock.Now(),
		Duration:     resp.Duration,
		Body:         resp.Body,
	}, nil
}

func (s *Scanner) checkHost(target string) error {
	if s.deps.Blocked == nil {
		return nil
	}
	if host := hostOf(target); s.deps.Blocked.IsBlocked(host) {
		return fmt.Errorf("fetch %s: %w", host, ErrHostBlocked)
	}
	return nil
}

func (s *Scanner) request(target string) fetch.Request {
	return fetch.Request{URL: target}
}

func (s *Scanner) maybePromote(ctx context.Context, target string, resp fetch.Response) fetch.Response {
	if s.deps.Headless == nil || s.deps.Detector == nil || !s.deps.Detector.ShouldPromote(resp) {
		return resp
	}
	metrics.ObserveHeadlessPromotion()
	rendered, err := s.deps.Headless.Fetch(ctx, s.request(target))
	if err != nil {
		s.logger.Warn("headless promotion failed", zap.String("url", target), zap.Error(err))
		return resp
	}
	rendered.UsedHeadless = true
	return rendered
}

// snapshot writes body at <prefix>/<host>/<digest>.html unless an identical
// snapshot already exists.
func (s *Scanner) snapshot(ctx context.Context, pageURL, digest string, body []byte) (string, error) {
	if s.deps.Blobs == nil {
		return "", nil
	}
	path := sha256.ShardedPath(s.cfg.BlobPrefix, hostOf(pageURL), digest, "html")
	if uri, ok, err := s.deps.Blobs.Stat(ctx, path); err != nil {
		s.logger.Warn("snapshot stat failed", zap.String("path", path), zap.Error(err))
	} else if ok {
		return uri, nil
	}
	uri, err := s.deps.Blobs.PutObject(ctx, path, s.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("store snapshot: %w", err)
	}
	return uri, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
