// Package publish implements the Publish stage: one receipt per connected
// account, posted through a platform-specific Poster.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/metrics"
)

// Modes accepted in Config.Mode.
const (
	ModeDryRun = "dryrun"
	ModeHTTP   = "http"
)

// ErrNoPoster is recorded for accounts on a platform nothing can post to.
var ErrNoPoster = errors.New("no poster for platform")

// Posted identifies a post created on a platform.
type Posted struct {
	ID  string
	URL string
}

// Poster creates one post for one account.
type Poster interface {
	Post(ctx context.Context, account analysis.ConnectedAccount, post analysis.SocialPost) (Posted, error)
}

// Config selects the poster mode and, for http, the per-platform endpoints.
type Config struct {
	Mode      string            `mapstructure:"mode"`
	Endpoints map[string]string `mapstructure:"endpoints"`
	Timeout   time.Duration     `mapstructure:"timeout"`
}

// Publisher fans copy out to accounts.
type Publisher struct {
	posters  map[string]Poster
	fallback Poster
	clock    analysis.Clock
	logger   *zap.Logger
}

var _ analysis.Publisher = (*Publisher)(nil)

// NewPublisher builds a Publisher. fallback, when non-nil, handles platforms
// missing from posters.
func NewPublisher(posters map[string]Poster, fallback Poster, clock analysis.Clock, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized := make(map[string]Poster, len(posters))
	for platform, p := range posters {
		normalized[strings.ToLower(platform)] = p
	}
	return &Publisher{posters: normalized, fallback: fallback, clock: clock, logger: logger.Named("publish")}
}

// New builds the Publisher described by cfg.
func New(cfg Config, ids analysis.IDGenerator, clock analysis.Clock, logger *zap.Logger) (*Publisher, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", ModeDryRun:
		return NewPublisher(nil, NewDryRun(ids, logger), clock, logger), nil
	case ModeHTTP:
		if len(cfg.Endpoints) == 0 {
			return nil, errors.New("publish: http mode needs at least one endpoint")
		}
		posters := make(map[string]Poster, len(cfg.Endpoints))
		for platform, endpoint := range cfg.Endpoints {
			poster, err := NewHTTPPoster(endpoint, cfg.Timeout, nil)
			if err != nil {
				return nil, fmt.Errorf("publish: %s: %w", platform, err)
			}
			posters[platform] = poster
		}
		return NewPublisher(posters, nil, clock, logger), nil
	default:
		return nil, fmt.Errorf("publish: unknown mode %q", cfg.Mode)
	}
}

// Publish posts to every account. It fails only when every account failed;
// receipts are returned either way.
func (p *Publisher) Publish(
	ctx context.Context,
	mc analysis.MarketingCopy,
	accounts []analysis.ConnectedAccount,
) ([]analysis.PublishReceipt, error) {
	if len(accounts) == 0 {
		return nil, nil
	}
	receipts := make([]analysis.PublishReceipt, 0, len(accounts))
	var firstErr error
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return receipts, err
		}
		receipt, err := p.publishOne(ctx, mc, account)
		receipts = append(receipts, receipt)
		metrics.ObservePublishReceipt(receipt.Platform, receipt.Status)
		if err != nil {
			p.logger.Warn("post failed",
				zap.String("account_id", account.ID),
				zap.String("platform", account.Platform),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil && countPosted(receipts) == 0 {
		return receipts, fmt.Errorf("all %d accounts failed: %w", len(accounts), firstErr)
	}
	return receipts, nil
}

func (p *Publisher) publishOne(
	ctx context.Context,
	mc analysis.MarketingCopy,
	account analysis.ConnectedAccount,
) (analysis.PublishReceipt, error) {
	platform := strings.ToLower(account.Platform)
	receipt := analysis.PublishReceipt{
		AccountID: account.ID,
		Platform:  platform,
		Handle:    account.Handle,
		Status:    analysis.ReceiptFailed,
	}
	poster := p.posters[platform]
	if poster == nil {
		poster = p.fallback
	}
	post, ok := mc.PostFor(platform)
	var err error
	switch {
	case poster == nil:
		err = fmt.Errorf("%w %q", ErrNoPoster, platform)
	case !ok:
		err = errors.New("no post drafted")
	default:
		var posted Posted
		posted, err = poster.Post(ctx, account, post)
		if err == nil {
			receipt.Status = analysis.ReceiptPosted
			receipt.PostID = posted.ID
			receipt.PostURL = posted.URL
		}
	}
	if err != nil {
		receipt.Error = err.Error()
	}
	receipt.PublishedAt = p.clock.Now()
	return receipt, err
}

func countPosted(receipts []analysis.PublishReceipt) int {
	n := 0
	for _, r := range receipts {
		if r.Status == analysis.ReceiptPosted {
			n++
		}
	}
	return n
}
