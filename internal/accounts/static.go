// Package accounts resolves the social accounts owners have connected.
// OAuth token exchange happens outside this service; the directory only
// hands out the stored access tokens.
package accounts

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

// Entry is one configured account.
type Entry struct {
	ID          string `mapstructure:"id"`
	OwnerID     string `mapstructure:"owner_id"`
	Platform    string `mapstructure:"platform"`
	Handle      string `mapstructure:"handle"`
	AccessToken string `mapstructure:"access_token"`
}

// Static is an AccountDirectory backed by configuration.
type Static struct {
	byOwner map[string][]analysis.ConnectedAccount
}

var _ analysis.AccountDirectory = (*Static)(nil)

// NewStatic validates entries and indexes them by owner.
func NewStatic(entries []Entry) (*Static, error) {
	byOwner := make(map[string][]analysis.ConnectedAccount)
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if e.ID == "" || e.OwnerID == "" || e.Platform == "" {
			return nil, fmt.Errorf("account %d: id, owner_id and platform are required", i)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("account %q listed twice", e.ID)
		}
		seen[e.ID] = struct{}{}
		byOwner[e.OwnerID] = append(byOwner[e.OwnerID], analysis.ConnectedAccount{
			ID:          e.ID,
			OwnerID:     e.OwnerID,
			Platform:    strings.ToLower(e.Platform),
			Handle:      e.Handle,
			AccessToken: e.AccessToken,
		})
	}
	return &Static{byOwner: byOwner}, nil
}

// ConnectedAccounts returns a copy of the owner's accounts.
func (s *Static) ConnectedAccounts(ctx context.Context, ownerID string) ([]analysis.ConnectedAccount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	accounts := s.byOwner[ownerID]
	if len(accounts) == 0 {
		return nil, nil
	}
	return append([]analysis.ConnectedAccount(nil), accounts...), nil
}
