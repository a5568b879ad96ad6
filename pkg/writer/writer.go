// Package writer replaces files atomically.
package writer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Writer commits new file contents with a temp file in the target's
// directory followed by a rename, so readers see either the old or the new
// bytes and a failed commit leaves the original in place.
type Writer struct {
	// Sync fsyncs the temp file and parent directory before returning.
	Sync bool
}

// New returns a Writer that fsyncs before rename.
func New() *Writer {
	return &Writer{Sync: true}
}

// Commit replaces the file at path with content. A symlink is resolved and
// its target replaced; the link itself stays in place.
func (w *Writer) Commit(ctx context.Context, path string, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target, err := resolve(path)
	if err != nil {
		return fmt.Errorf("commit %s: %w", path, err)
	}

	perm := os.FileMode(0o644)
	info, err := os.Stat(target)
	switch {
	case err == nil:
		if !info.Mode().IsRegular() {
			return fmt.Errorf("commit %s: not a regular file", path)
		}
		perm = info.Mode().Perm()
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("commit %s: %w", path, err)
	}

	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("commit %s: create temp: %w", path, err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit %s: %w", path, err)
	}

	if _, err := tmp.WriteString(content); err != nil {
		return fail(err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fail(err)
	}
	if w.Sync {
		if err := tmp.Sync(); err != nil {
			return fail(err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit %s: replace: %w", path, err)
	}
	if w.Sync {
		_ = syncDir(dir)
	}
	return nil
}

// resolve follows symlinks in path. A path that does not exist yet is
// returned unchanged; a link whose target is missing is an error.
func resolve(path string) (string, error) {
	target, err := filepath.EvalSymlinks(path)
	if err == nil {
		return target, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if info, lerr := os.Lstat(path); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("dangling symlink: %w", err)
	}
	return path, nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
