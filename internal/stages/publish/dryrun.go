package publish

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

// DryRun logs posts instead of sending them.
type DryRun struct {
	ids    analysis.IDGenerator
	logger *zap.Logger
}

// NewDryRun builds a DryRun poster.
func NewDryRun(ids analysis.IDGenerator, logger *zap.Logger) *DryRun {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRun{ids: ids, logger: logger.Named("dryrun")}
}

// Post returns a synthetic receipt.
func (d *DryRun) Post(_ context.Context, account analysis.ConnectedAccount, post analysis.SocialPost) (Posted, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return Posted{}, err
	}
	d.logger.Info("dry run post",
		zap.String("account_id", account.ID),
		zap.String("platform", post.Platform),
		zap.String("handle", account.Handle),
		zap.Int("chars", len([]rune(post.Text))))
	return Posted{
		ID:  "dryrun-" + id,
		URL: fmt.Sprintf("dryrun://%s/%s/%s", account.Platform, account.Handle, id),
	}, nil
}
