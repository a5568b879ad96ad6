// Package watch re-documents files as they change on disk.
package watch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pario-ai/docsmith/pkg/dispatch"
	"github.com/pario-ai/docsmith/pkg/models"
	"github.com/pario-ai/docsmith/pkg/walker"
)

// DefaultDebounce is the quiet period after the last event before a batch runs.
const DefaultDebounce = 750 * time.Millisecond

// Runner dispatches a batch of files. *dispatch.Dispatcher satisfies it.
type Runner interface {
	Run(ctx context.Context, paths []string) (*dispatch.Report, error)
}

// Options configures a Watcher.
type Options struct {
	Root     string
	Filter   walker.Filter
	Debounce time.Duration
	// OnReport receives every batch outcome. It may be nil.
	OnReport func(*dispatch.Report, error)
	Logger   *log.Logger
}

// Watcher batches file changes under a root and hands them to a Runner.
// Files the runner itself rewrote are recognised by content hash and do not
// trigger another batch.
type Watcher struct {
	opts   Options
	runner Runner
	ready  chan struct{}

	mu   sync.Mutex
	own  map[string][sha256.Size]byte
	runs int
}

// New creates a Watcher.
func New(opts Options, runner Runner) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Watcher{
		opts:   opts,
		runner: runner,
		ready:  make(chan struct{}),
		own:    make(map[string][sha256.Size]byte),
	}
}

// Ready is closed once the initial directory watches are in place.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Runs returns how many batches have been dispatched.
func (w *Watcher) Runs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs
}

// Run watches until ctx is done. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.opts.Root); err != nil {
		return err
	}
	close(w.ready)

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.handle(fw, event, pending) {
				timer.Reset(w.opts.Debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.opts.Logger.Printf("watch: %v", err)

		case <-timer.C:
			paths := w.drain(pending)
			if len(paths) == 0 {
				continue
			}
			w.dispatch(ctx, paths)
		}
	}
}

// handle folds an event into pending and reports whether it is relevant.
func (w *Watcher) handle(fw *fsnotify.Watcher, event fsnotify.Event, pending map[string]struct{}) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return false
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		// Renamed away or removed before we looked.
		return false
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) && !w.opts.Filter.ExcludedDir(w.opts.Root, event.Name) {
			if err := w.addTree(fw, event.Name); err != nil {
				w.opts.Logger.Printf("watch %s: %v", event.Name, err)
			}
			// Files may have landed before the watch was added.
			if files, err := walker.Walk(event.Name, w.opts.Filter); err == nil {
				for _, f := range files {
					pending[f] = struct{}{}
				}
				return len(files) > 0
			}
		}
		return false
	}
	if !info.Mode().IsRegular() || w.opts.Filter.Excluded(w.opts.Root, event.Name) {
		return false
	}
	pending[event.Name] = struct{}{}
	return true
}

// drain empties pending and drops files whose content is the runner's own
// output.
func (w *Watcher) drain(pending map[string]struct{}) []string {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		delete(pending, p)
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		sum := sha256.Sum256(data)

		w.mu.Lock()
		own, ok := w.own[p]
		w.mu.Unlock()
		if ok && own == sum {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (w *Watcher) dispatch(ctx context.Context, paths []string) {
	rep, err := w.runner.Run(ctx, paths)

	w.mu.Lock()
	w.runs++
	w.mu.Unlock()

	if rep != nil {
		for _, res := range rep.Results {
			if res.Outcome != models.OutcomeWritten {
				continue
			}
			data, err := os.ReadFile(res.Path)
			if err != nil {
				continue
			}
			w.mu.Lock()
			w.own[res.Path] = sha256.Sum256(data)
			w.mu.Unlock()
		}
	}
	if w.opts.OnReport != nil {
		w.opts.OnReport(rep, err)
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.opts.Root && !w.opts.Filter.MatchDir(path) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
