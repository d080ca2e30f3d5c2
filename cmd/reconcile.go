package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/server"
)

// newReconcileCmd runs one stale job sweep against the configured store and
// exits. It is meant for cron-style deployments where serve runs without the
// in-process reconciler.
func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Fail analyses that stopped making progress",
		RunE:  runReconcile,
	}
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	cfg := e.cfg
	cfg.Reconciler.Enabled = true
	app, err := server.Build(cmd.Context(), cfg, e.logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
			e.logger.Warn("failed to close infrastructure", zap.Error(cerr))
		}
	}()

	n, err := app.Reconcile(cmd.Context())
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "failed %d stale analyses\n", n)
	return nil
}
