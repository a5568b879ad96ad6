package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/docsmith/pkg/ledger"
	"github.com/pario-ai/docsmith/pkg/report"
)

func newHistoryCmd() *cobra.Command {
	var (
		configPath string
		runID      string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs, or the file results of one run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			l, err := ledger.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer l.Close()

			ctx := context.Background()

			if runID != "" {
				results, err := l.RunResults(ctx, runID)
				if err != nil {
					return err
				}
				return report.Results(os.Stdout, results)
			}

			runs, err := l.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			return report.Runs(os.Stdout, runs)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&runID, "run", "", "show file results for a run ID")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list (0 for all)")
	return cmd
}
