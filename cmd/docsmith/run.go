package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/docsmith/pkg/report"
	"github.com/pario-ai/docsmith/pkg/walker"
)

func newRunCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run <path>",
		Short: "Document every matching file under path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			root := args[0]

			files, err := walker.Walk(root, cfg.Files)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Println("No files to document.")
				return nil
			}

			printer := report.NewPrinter(os.Stdout, root, f.verbose)
			d, cleanup, err := newDispatcher(cfg, root, &f, printer)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rep, err := d.Run(ctx, files)
			if err != nil {
				return err
			}
			if err := report.Summary(os.Stdout, rep); err != nil {
				return err
			}
			if rep.Failed > 0 {
				return fmt.Errorf("%w: %d of %d", errFilesFailed, rep.Failed, len(rep.Results))
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
