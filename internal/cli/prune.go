// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-queuesync/internal/database"
	"github.com/mobiletoly/go-queuesync/internal/server"
)

// NewPruneExportsCommand creates the prune-exports command
func NewPruneExportsCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune-exports",
		Short: "Delete finished export snapshots and complete their jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("older-than") {
				olderThan = cfg.ExportRetention
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			mapper, err := server.LoadMapper(cfg.EntitiesFile)
			if err != nil {
				return err
			}
			pool, err := database.Connect(ctx, cfg.DatabaseURL, "go-queuesync-prune", logger)
			if err != nil {
				return err
			}
			components, err := server.NewServerComponents(ctx, pool, mapper, cfg, logger)
			if err != nil {
				pool.Close()
				return err
			}
			defer components.Close()

			n, err := components.SyncService.PruneExports(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "completed %d export job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "minimum age of a finished export (defaults to QS_EXPORT_RETENTION)")

	return cmd
}
