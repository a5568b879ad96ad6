package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pario-ai/docsmith/pkg/models"
)

// Report is the outcome of a run.
type Report struct {
	RunID   string
	Model   string
	DryRun  bool
	Results []models.FileResult
	Written int
	Skipped int
	Failed  int
	Planned int
	Cached  int
	// Tokens is the sum billed by the service, failed exchanges included.
	Tokens  int64
	Elapsed time.Duration
}

func newReport(runID, model string, dryRun bool, started time.Time, results []models.FileResult) *Report {
	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	r := &Report{
		RunID:   runID,
		Model:   model,
		DryRun:  dryRun,
		Results: results,
		Elapsed: time.Since(started),
	}
	for _, res := range results {
		switch res.Outcome {
		case models.OutcomeWritten:
			r.Written++
			if res.Cached {
				r.Cached++
			}
		case models.OutcomeSkipped:
			r.Skipped++
		case models.OutcomeFailed:
			r.Failed++
		case models.OutcomePlanned:
			r.Planned++
		}
		r.Tokens += int64(res.TotalTokens())
	}
	return r
}

// Failures returns the failed results.
func (r *Report) Failures() []models.FileResult {
	var out []models.FileResult
	for _, res := range r.Results {
		if res.Outcome == models.OutcomeFailed {
			out = append(out, res)
		}
	}
	return out
}

// Err joins every per-file failure, or returns nil when none failed.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Failures() {
		err := res.Err
		if err == nil {
			err = errors.New(res.Message)
		}
		errs = append(errs, fmt.Errorf("%s: %s: %w", res.Path, res.Kind, err))
	}
	return errors.Join(errs...)
}
