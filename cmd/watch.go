package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/site-analyzer/internal/client"
	"github.com/JakeFAU/site-analyzer/internal/poller"
)

// errAnalysisFailed makes watch exit non-zero when the analysis fails.
var errAnalysisFailed = errors.New("analysis failed")

func newWatchCmd() *cobra.Command {
	var (
		websiteURL string
		token      string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Start an analysis and poll it until it finishes",
		Example: `  analyzer token --owner acme > token.txt
  analyzer watch --url https://example.com --token "$(cat token.txt)"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if token == "" {
				token = e.cfg.Client.Token
			}
			c, err := client.New(e.cfg.Client.BaseURL, token, client.WithTimeout(e.cfg.Client.Timeout))
			if err != nil {
				return err
			}
			p := poller.New(c, poller.Config{Interval: e.cfg.Client.Interval}, e.logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, p, websiteURL, cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().StringVar(&websiteURL, "url", "", "website to analyze")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default client.token)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the final analysis as JSON")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

type watcher interface {
	Watch(ctx context.Context, websiteURL string, notify func(poller.Update)) (poller.Update, error)
}

func runWatch(ctx context.Context, w watcher, websiteURL string, out io.Writer, asJSON bool) error {
	last := -1
	final, err := w.Watch(ctx, websiteURL, func(u poller.Update) {
		if asJSON {
			return
		}
		if u.State != poller.StatePolling {
			fmt.Fprintf(out, "%-12s %s\n", u.State, u.WebsiteURL)
			return
		}
		if u.Progress == last {
			return
		}
		last = u.Progress
		fmt.Fprintf(out, "%-12s %3d%%  %s\n", u.Status, u.Progress, u.JobID)
	})
	if err != nil {
		return err
	}

	if asJSON && final.Analysis != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(final.Analysis); err != nil {
			return fmt.Errorf("encode analysis: %w", err)
		}
	} else if final.State == poller.StateSuccess {
		printCopy(out, final)
	}
	if final.State == poller.StateError {
		return fmt.Errorf("%w: %s", errAnalysisFailed, final.Alert)
	}
	return nil
}

func printCopy(out io.Writer, u poller.Update) {
	if u.Analysis == nil || u.Analysis.Result == nil || u.Analysis.Result.Copy == nil {
		return
	}
	mc := u.Analysis.Result.Copy
	fmt.Fprintf(out, "\n%s\n", mc.Headline)
	for _, post := range mc.Posts {
		fmt.Fprintf(out, "\n[%s]\n%s\n", post.Platform, post.Text)
	}
	for _, r := range u.Analysis.Result.Receipts {
		fmt.Fprintf(out, "\npublished %s/%s: %s %s\n", r.Platform, r.Handle, r.Status, r.PostURL)
	}
}
