// Package report renders run progress and history for the terminal.
package report

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/pario-ai/docsmith/pkg/dispatch"
	"github.com/pario-ai/docsmith/pkg/models"
)

// Line markers.
const (
	markStarted = "᠅"
	markWritten = "✓"
	markSkipped = "⚠"
	markNear    = "!"
	markFailed  = "✗"
	markPlanned = "·"
)

// Printer writes one line per job event. It implements dispatch.Observer and
// is safe for concurrent use.
type Printer struct {
	mu      sync.Mutex
	w       io.Writer
	root    string
	verbose bool
}

// NewPrinter creates a Printer. Paths are shown relative to root when
// possible; started lines are only printed when verbose is set.
func NewPrinter(w io.Writer, root string, verbose bool) *Printer {
	return &Printer{w: w, root: root, verbose: verbose}
}

func (p *Printer) rel(path string) string {
	if p.root == "" {
		return path
	}
	if r, err := filepath.Rel(p.root, path); err == nil && r != "." {
		return r
	}
	return path
}

// FileStarted prints the documenting line.
func (p *Printer) FileStarted(path string) {
	if !p.verbose {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s documenting %s\n", markStarted, p.rel(path))
}

// FileFinished prints the outcome line and, for near-limit jobs, a warning.
func (p *Printer) FileFinished(res models.FileResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path := p.rel(res.Path)
	switch res.Outcome {
	case models.OutcomeWritten:
		suffix := ""
		if res.Cached {
			suffix = " (cached)"
		}
		fmt.Fprintf(p.w, "%s wrote %s%s\n", markWritten, path, suffix)
	case models.OutcomeSkipped:
		fmt.Fprintf(p.w, "%s skipped %s: %s\n", markSkipped, path, res.Message)
	case models.OutcomePlanned:
		fmt.Fprintf(p.w, "%s %s: cost %d, headroom %d\n", markPlanned, path, res.Cost, res.Headroom)
	case models.OutcomeFailed:
		fmt.Fprintf(p.w, "%s failed %s: %s: %s\n", markFailed, path, res.Kind, res.Message)
	}
	if res.NearLimit {
		fmt.Fprintf(p.w, "%s near limit %s: headroom %d tokens, the reply may be truncated\n", markNear, path, res.Headroom)
	}
}

// Summary writes the totals of a run.
func Summary(w io.Writer, rep *dispatch.Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "Run\t%s\n", rep.RunID)
	fmt.Fprintf(tw, "Model\t%s\n", rep.Model)
	if rep.DryRun {
		fmt.Fprintf(tw, "Planned\t%d\n", rep.Planned)
	} else {
		fmt.Fprintf(tw, "Written\t%d\n", rep.Written)
		if rep.Cached > 0 {
			fmt.Fprintf(tw, "  from cache\t%d\n", rep.Cached)
		}
	}
	fmt.Fprintf(tw, "Skipped\t%d\n", rep.Skipped)
	fmt.Fprintf(tw, "Failed\t%d\n", rep.Failed)
	if !rep.DryRun {
		fmt.Fprintf(tw, "Tokens\t%d\n", rep.Tokens)
	}
	fmt.Fprintf(tw, "Elapsed\t%s\n", rep.Elapsed.Round(time.Millisecond))
	return tw.Flush()
}

// Runs writes a table of past runs.
func Runs(w io.Writer, runs []models.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tMODEL\tFILES\tWRITTEN\tSKIPPED\tFAILED\tTOKENS\tROOT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02T15:04:05"), r.Model,
			r.Files, r.Written, r.Skipped, r.Failed, r.Tokens, r.Root)
	}
	return tw.Flush()
}

// Results writes a table of one run's file results.
func Results(w io.Writer, results []models.FileResult) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "No results found for run.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tOUTCOME\tKIND\tPROMPT\tCOMPLETION\tHEADROOM\tDURATION\tMESSAGE")
	for _, r := range results {
		kind := string(r.Kind)
		if kind == "" {
			kind = "-"
		}
		outcome := string(r.Outcome)
		if r.Cached {
			outcome += " (cached)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.Path, outcome, kind, r.PromptTokens, r.CompletionTokens, r.Headroom,
			r.Duration.Round(time.Millisecond), r.Message)
	}
	return tw.Flush()
}

// BudgetStatus writes usage against each policy.
func BudgetStatus(w io.Writer, statuses []models.BudgetStatus) error {
	if len(statuses) == 0 {
		_, err := fmt.Fprintln(w, "No budget policies configured.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tPERIOD\tMAX TOKENS\tUSED\tREMAINING\tUSAGE%")
	for _, s := range statuses {
		model := s.Policy.Model
		if model == "" {
			model = "*"
		}
		pct := 0.0
		if s.Policy.MaxTokens > 0 {
			pct = float64(s.Used) / float64(s.Policy.MaxTokens) * 100
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%.1f\n",
			model, s.Policy.Period, s.Policy.MaxTokens, s.Used, s.Remaining, pct)
	}
	return tw.Flush()
}

// Models writes the model catalog.
func Models(w io.Writer, ms []models.Model) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tCONTEXT WINDOW")
	for _, m := range ms {
		fmt.Fprintf(tw, "%s\t%d\n", m.Name, m.ContextWindow)
	}
	return tw.Flush()
}
