package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Veraticus/merchantflow/internal/cli"
	"github.com/Veraticus/merchantflow/internal/config"
	"github.com/Veraticus/merchantflow/internal/storage"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent classification runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withStore(cmd, func(ctx context.Context, _ *config.Config, store *storage.SQLiteStorage) error {
				runs, err := store.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.RenderRuns(runs))
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 10, "number of runs to show (0 = all)")
	return cmd
}
