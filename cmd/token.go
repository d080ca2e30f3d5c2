package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/site-analyzer/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		owner string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an owner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if err := e.cfg.RequireAuthSecret(); err != nil {
				return err
			}
			verifier, err := auth.NewVerifier(e.cfg.Auth.JWTSecret, e.cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = e.cfg.Auth.TokenTTL
			}
			token, err := verifier.Issue(owner, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id placed in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
