package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/docsmith/pkg/budget"
	cachepkg "github.com/pario-ai/docsmith/pkg/cache/sqlite"
	"github.com/pario-ai/docsmith/pkg/client"
	"github.com/pario-ai/docsmith/pkg/config"
	"github.com/pario-ai/docsmith/pkg/dispatch"
	"github.com/pario-ai/docsmith/pkg/ledger"
	"github.com/pario-ai/docsmith/pkg/writer"
)

// defaultConfigFile is read when --config is not given and the file exists.
const defaultConfigFile = "docsmith.yaml"

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	return config.Load(path)
}

// runFlags are shared by run and watch.
type runFlags struct {
	configPath string
	apiKey     string
	model      string
	noSkip     bool
	dryRun     bool
	verbose    bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to config file (default ./"+defaultConfigFile+" if present)")
	cmd.Flags().StringVarP(&f.apiKey, "key", "k", "", "API key (overrides config and $"+config.APIKeyEnv+")")
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "model name (overrides config)")
	cmd.Flags().BoolVar(&f.noSkip, "no-skip", false, "send files that may not fit the context window instead of skipping them")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "size every file without calling the service or writing")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "print progress and admission details")
}

// load reads the config and applies command line overrides.
func (f *runFlags) load() (*config.Config, error) {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.apiKey != "" {
		cfg.APIKey = f.apiKey
	}
	if f.model != "" {
		cfg.Model = f.model
	}
	if f.noSkip {
		cfg.Sizing.SkipOnOverflow = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if !f.dryRun {
		if err := cfg.RequireAPIKey(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newDispatcher wires a Dispatcher from cfg. The returned cleanup closes any
// databases it opened.
func newDispatcher(cfg *config.Config, root string, f *runFlags, observer dispatch.Observer) (*dispatch.Dispatcher, func(), error) {
	var closers []func() error
	cleanup := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Printf("close: %v", err)
			}
		}
	}
	fail := func(err error) (*dispatch.Dispatcher, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	model, err := cfg.ResolveModel()
	if err != nil {
		return fail(err)
	}
	builder, err := cfg.PromptBuilder()
	if err != nil {
		return fail(err)
	}

	settings := dispatch.Settings{
		Root:        root,
		Model:       model,
		Prompt:      builder,
		Sizing:      cfg.Sizing,
		Temperature: cfg.Request.Temperature,
		DryRun:      f.dryRun,
		Verbose:     f.verbose,
	}

	controller, err := budget.NewController(cfg.Limits)
	if err != nil {
		return fail(err)
	}

	opts := []dispatch.Option{dispatch.WithObserver(observer)}

	var completer dispatch.Completer
	var committer dispatch.Committer
	if !f.dryRun {
		c, err := client.New(client.Options{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Request.Timeout,
		})
		if err != nil {
			return fail(err)
		}
		completer = c
		committer = writer.New()

		if cfg.Ledger.Enabled {
			l, err := ledger.New(cfg.DBPath)
			if err != nil {
				return fail(err)
			}
			closers = append(closers, l.Close)
			opts = append(opts, dispatch.WithRecorder(l))
			if cfg.Budget.Enabled {
				opts = append(opts, dispatch.WithEnforcer(budget.New(cfg.Budget.Policies, l)))
			}
		}
		if cfg.Cache.Enabled {
			c, err := cachepkg.New(cfg.DBPath, cfg.Cache.TTL)
			if err != nil {
				return fail(err)
			}
			closers = append(closers, c.Close)
			opts = append(opts, dispatch.WithCache(c))
		}
	}

	d, err := dispatch.New(settings, completer, controller, committer, opts...)
	if err != nil {
		return fail(err)
	}
	if f.verbose {
		log.Printf("model %s (window %d), limits %d tokens / %d requests",
			model.Name, model.ContextWindow, cfg.Limits.Tokens, cfg.Limits.Requests)
	}
	return d, cleanup, nil
}

// errFilesFailed is returned so the process exits non-zero when any file
// failed; the per-file reasons have already been printed.
var errFilesFailed = errors.New("some files failed")
