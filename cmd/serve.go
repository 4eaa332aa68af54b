package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/feedmux/feedmux/internal/app"
)

// newServeCmd creates the 'serve' subcommand: the long-running service that
// accepts events, streams them to observers, and serves the snapshot API.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the progress service",
		Long: `Starts the HTTP server: event ingress, the SSE and WebSocket streams,
the active-jobs snapshot endpoint, health checks, and Prometheus metrics.
Shuts down gracefully on SIGINT or SIGTERM.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer a.Close()

	if err := a.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run server: %w", err)
	}
	a.Logger.Info("service stopped", zap.Int("port", cfg.Server.Port))
	return nil
}
