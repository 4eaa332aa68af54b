// Package cmd defines and implements the CLI commands for the feedmux
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/feedmux/feedmux/internal/config"
)

var cfgFile string

// newRootCmd creates and configures the root command. Configuration is
// loaded here so every subcommand sees the same validated Config.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedmux",
		Short: "Job-progress tracking and live-notification service",
		Long: `feedmux ingests job progress events from producers, coalesces bursts,
and fans them out to connected observers over SSE or WebSocket, with an
active-jobs snapshot for reconnecting clients.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables use the FEEDMUX_ prefix")

	cmd.AddCommand(newServeCmd())
	return cmd
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
