// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the queuesync command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-queuesync/internal/config"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	EntitiesFile string // overrides QS_ENTITIES_FILE when set
	Verbose      bool
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "queuesync",
		Short: "queuesync - offline-first sync backend",
		Long: `Server for offline-first clients that replay queued INSERT, UPDATE and
DELETE actions against an owned entity hierarchy.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.EntitiesFile, "entities", "", "entity declaration file (overrides QS_ENTITIES_FILE)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewPruneExportsCommand(opts))
	cmd.AddCommand(NewEntitiesCommand(opts))

	return cmd
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies flag overrides
func loadConfig(opts *RootOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.EntitiesFile != "" {
		cfg.EntitiesFile = opts.EntitiesFile
	}
	if opts.Verbose {
		cfg.LogLevel = slog.LevelDebug
	}
	return cfg, config.SetupLogger(cfg), nil
}
