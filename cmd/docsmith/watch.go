package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/docsmith/pkg/dispatch"
	"github.com/pario-ai/docsmith/pkg/report"
	"github.com/pario-ai/docsmith/pkg/walker"
	"github.com/pario-ai/docsmith/pkg/watch"
)

func newWatchCmd() *cobra.Command {
	var (
		f        runFlags
		initial  bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Document files under dir whenever they change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			if debounce > 0 {
				cfg.Watch.Debounce = debounce
			}
			root := args[0]

			printer := report.NewPrinter(os.Stdout, root, f.verbose)
			d, cleanup, err := newDispatcher(cfg, root, &f, printer)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			onReport := func(rep *dispatch.Report, err error) {
				if err != nil {
					log.Printf("run: %v", err)
					return
				}
				if err := report.Summary(os.Stdout, rep); err != nil {
					log.Printf("summary: %v", err)
				}
			}

			w := watch.New(watch.Options{
				Root:     root,
				Filter:   cfg.Files,
				Debounce: cfg.Watch.Debounce,
				OnReport: onReport,
			}, d)

			if initial {
				files, err := walker.Walk(root, cfg.Files)
				if err != nil {
					return err
				}
				if len(files) > 0 {
					onReport(d.Run(ctx, files))
				}
			}

			log.Printf("watching %s (debounce %s)", root, cfg.Watch.Debounce)
			return w.Run(ctx)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&initial, "initial", false, "document every matching file once before watching")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before a batch runs (overrides config)")
	return cmd
}
