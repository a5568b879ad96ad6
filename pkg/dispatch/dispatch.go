// Package dispatch runs one documentation job per file concurrently, gated by
// a shared budget.Controller.
//
// Each job moves through read, build, sizing, admission, completion and
// commit. Jobs are independent: a failure is recorded on the job's result and
// never cancels its siblings.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/docsmith/pkg/budget"
	"github.com/pario-ai/docsmith/pkg/client"
	"github.com/pario-ai/docsmith/pkg/job"
	"github.com/pario-ai/docsmith/pkg/models"
	"github.com/pario-ai/docsmith/pkg/prompt"
	"github.com/pario-ai/docsmith/pkg/tokens"
)

// Completer performs one completion exchange.
type Completer interface {
	Complete(ctx context.Context, req models.ChatCompletionRequest) (*client.Completion, error)
}

// Committer atomically replaces a file's contents.
type Committer interface {
	Commit(ctx context.Context, path, content string) error
}

// Recorder persists run history.
type Recorder interface {
	BeginRun(ctx context.Context, root, model string) (models.Run, error)
	RecordResult(ctx context.Context, runID string, res models.FileResult) error
	FinishRun(ctx context.Context, runID string) error
}

// Cache stores replies keyed by the exact prompt.
type Cache interface {
	Get(ctx context.Context, model string, messages []models.ChatMessage) (string, bool)
	Put(ctx context.Context, model string, messages []models.ChatMessage, content string) error
}

// Gate refuses a run before it starts, e.g. when a usage policy is spent.
type Gate interface {
	Check(ctx context.Context, model string) error
}

// Observer is told about job progress. Calls arrive from many goroutines.
type Observer interface {
	FileStarted(path string)
	FileFinished(res models.FileResult)
}

// Settings are the per-run parameters.
type Settings struct {
	// Root is recorded with the run for history.
	Root        string
	Model       models.Model
	Prompt      *prompt.Builder
	Sizing      job.Sizing
	Temperature float64
	// DryRun sizes every job without admission, network or commit.
	DryRun  bool
	Verbose bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCache enables the response cache.
func WithCache(c Cache) Option {
	return func(d *Dispatcher) { d.cache = c }
}

// WithRecorder records runs and results.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithObserver reports job progress.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithEnforcer checks usage policies before each run.
func WithEnforcer(g Gate) Option {
	return func(d *Dispatcher) { d.gate = g }
}

// WithLogger replaces the standard logger.
func WithLogger(l *log.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher runs batches of file jobs.
type Dispatcher struct {
	settings   Settings
	completer  Completer
	controller *budget.Controller
	committer  Committer
	cache      Cache
	recorder   Recorder
	observer   Observer
	gate       Gate
	logger     *log.Logger
}

// New creates a Dispatcher.
func New(s Settings, completer Completer, controller *budget.Controller, committer Committer, opts ...Option) (*Dispatcher, error) {
	if s.Prompt == nil {
		return nil, errors.New("dispatch: prompt builder is required")
	}
	if s.Model.ContextWindow <= 0 {
		return nil, fmt.Errorf("dispatch: model %q has no context window", s.Model.Name)
	}
	if !s.DryRun && (completer == nil || controller == nil || committer == nil) {
		return nil, errors.New("dispatch: completer, controller and committer are required")
	}
	d := &Dispatcher{
		settings:   s,
		completer:  completer,
		controller: controller,
		committer:  committer,
		observer:   nopObserver{},
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run processes every path concurrently and waits for all of them. The error
// is non-nil only when the run could not start; per-file failures are in the
// report.
func (d *Dispatcher) Run(ctx context.Context, paths []string) (*Report, error) {
	if d.gate != nil && !d.settings.DryRun {
		if err := d.gate.Check(ctx, d.settings.Model.Name); err != nil {
			return nil, err
		}
	}

	runID := uuid.NewString()
	recording := d.recorder != nil && !d.settings.DryRun
	if recording {
		run, err := d.recorder.BeginRun(ctx, d.settings.Root, d.settings.Model.Name)
		if err != nil {
			return nil, fmt.Errorf("begin run: %w", err)
		}
		runID = run.ID
	}

	started := time.Now()
	results := make([]models.FileResult, len(paths))
	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := d.process(ctx, path)
			if recording {
				if err := d.recorder.RecordResult(context.WithoutCancel(ctx), runID, res); err != nil {
					d.logger.Printf("record result for %s: %v", path, err)
				}
			}
			d.observer.FileFinished(res)
			results[i] = res
		}()
	}
	wg.Wait()

	if recording {
		if err := d.recorder.FinishRun(context.WithoutCancel(ctx), runID); err != nil {
			d.logger.Printf("finish run %s: %v", runID, err)
		}
	}

	return newReport(runID, d.settings.Model.Name, d.settings.DryRun, started, results), nil
}

func (d *Dispatcher) process(ctx context.Context, path string) models.FileResult {
	start := time.Now()
	res := models.FileResult{Path: path}
	finish := func() models.FileResult {
		res.Duration = time.Since(start)
		res.CreatedAt = time.Now().UTC()
		return res
	}
	fail := func(kind models.FailureKind, err error) models.FileResult {
		res.Outcome = models.OutcomeFailed
		res.Kind = kind
		res.Err = err
		res.Message = err.Error()
		return finish()
	}

	d.observer.FileStarted(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return fail(models.FailureRead, err)
	}
	body := string(data)
	if strings.TrimSpace(body) == "" {
		res.Outcome = models.OutcomeSkipped
		res.Message = "empty file"
		return finish()
	}

	j := job.New(path, body, d.settings.Prompt, d.settings.Model)
	plan := j.Plan(d.settings.Sizing)
	res.PromptTokens = j.PromptTokens
	res.Cost = j.Cost()
	res.Headroom = plan.Headroom
	res.NearLimit = plan.NearLimit

	if plan.Skip {
		res.Outcome = models.OutcomeSkipped
		res.Message = fmt.Sprintf("file needs %d tokens but only %d fit in %s's context window",
			j.InputTokens, max(plan.Headroom, 0), j.Model.Name)
		return finish()
	}

	if d.settings.DryRun {
		if d.controller != nil && res.Cost > d.controller.Limits().Tokens {
			return fail(models.FailureOversize, fmt.Errorf("%w: cost %d, limit %d",
				budget.ErrCostExceedsLimit, res.Cost, d.controller.Limits().Tokens))
		}
		res.Outcome = models.OutcomePlanned
		return finish()
	}

	// A reply that has arrived is applied even if the run is cancelled
	// meanwhile; the commit itself is atomic.
	commitCtx := context.WithoutCancel(ctx)

	if d.cache != nil {
		if content, ok := d.cache.Get(ctx, j.Model.Name, j.Messages); ok {
			if err := d.committer.Commit(commitCtx, path, content); err != nil {
				d.logger.Printf("ERROR %s: cached response found but not applied: %v", path, err)
				return fail(models.FailureCommit, err)
			}
			res.Cached = true
			res.CompletionTokens = tokens.Estimate(content)
			res.Outcome = models.OutcomeWritten
			return finish()
		}
	}

	lease, err := d.controller.Acquire(ctx, j.Cost())
	if err != nil {
		if errors.Is(err, budget.ErrCostExceedsLimit) {
			return fail(models.FailureOversize, err)
		}
		// Nothing left the process; any other admission error is the run ending.
		return fail(models.FailureCancelled, err)
	}
	defer lease.Release()
	if d.settings.Verbose {
		u := d.controller.Snapshot()
		d.logger.Printf("admitted %s: cost=%d in-flight tokens=%d/%d requests=%d/%d",
			path, j.Cost(), u.TokensInFlight, u.TokenLimit, u.RequestsInFlight, u.RequestLimit)
	}

	comp, err := d.completer.Complete(ctx, j.Request(d.settings.Temperature))
	lease.Release()
	if err != nil {
		var perr *client.ProtocolError
		if errors.As(err, &perr) && perr.Usage != nil {
			res.Bill(perr.Usage)
		}
		kind := Classify(err)
		if ctx.Err() != nil {
			kind = models.FailureCancelled
		}
		return fail(kind, err)
	}

	// The exchange is paid for whether or not the commit lands.
	if comp.Usage != nil {
		res.Bill(comp.Usage)
	} else {
		res.CompletionTokens = tokens.Estimate(comp.Content)
		res.Billed = true
	}

	if err := d.committer.Commit(commitCtx, path, comp.Content); err != nil {
		d.logger.Printf("ERROR %s: response received but not applied: %v", path, err)
		return fail(models.FailureCommit, err)
	}

	if d.cache != nil {
		if err := d.cache.Put(commitCtx, j.Model.Name, j.Messages, comp.Content); err != nil {
			d.logger.Printf("cache %s: %v", path, err)
		}
	}

	res.Outcome = models.OutcomeWritten
	return finish()
}

type nopObserver struct{}

func (nopObserver) FileStarted(string)             {}
func (nopObserver) FileFinished(models.FileResult) {}
