// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-queuesync/internal/server"
	"github.com/mobiletoly/go-queuesync/queuesync"
)

// NewEntitiesCommand creates the entities command, which validates a declaration
// and prints its hierarchy paths
func NewEntitiesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "entities [file]",
		Short: "Validate an entity declaration and print its hierarchy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := rootOpts.EntitiesFile
			if len(args) == 1 {
				file = args[0]
			}
			if file == "" {
				file = "entities.yaml"
			}
			mapper, err := server.LoadMapper(file)
			if err != nil {
				return err
			}
			printEntities(cmd.OutOrStdout(), mapper)
			return nil
		},
	}
}

func printEntities(w io.Writer, mapper *queuesync.EntityMapper) {
	for _, name := range mapper.EntityNames() {
		b, _ := mapper.EntityClass(name)
		kind := "dependent"
		if mapper.IsPrimaryEntity(name) {
			kind = "primary"
		}
		fmt.Fprintf(w, "%s (%s, table %s)\n", name, kind, b.Table)
	}
	for _, p := range mapper.Paths() {
		fmt.Fprintln(w, strings.Join(p, " > "))
	}
}
