package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/server"
)

// newServeCmd runs the HTTP API, the worker pool and the reconciler until
// SIGINT or SIGTERM.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis API and worker pool",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	app, err := server.Build(cmd.Context(), e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Server.ShutdownTimeout)
		defer cancel()
		if cerr := app.Close(closeCtx); cerr != nil {
			e.logger.Warn("failed to close infrastructure", zap.Error(cerr))
		}
	}()
	if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run server: %w", err)
	}
	e.logger.Info("server stopped")
	return nil
}
