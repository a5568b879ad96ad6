// Package walker discovers the source files a run should document.
package walker

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Filter selects files during a walk.
type Filter struct {
	// Extensions lists accepted file extensions including the dot.
	// An empty list accepts every extension.
	Extensions []string `yaml:"extensions"`
	// Ignore holds filepath.Match patterns tested against base names.
	Ignore []string `yaml:"ignore"`
	// IgnoreDirs names directories that are never descended into.
	IgnoreDirs []string `yaml:"ignore_dirs"`
	// SkipHidden skips dot files and dot directories.
	SkipHidden bool `yaml:"skip_hidden"`
}

// DefaultFilter returns the filter used for Go trees.
func DefaultFilter() Filter {
	return Filter{
		Extensions: []string{".go"},
		Ignore:     []string{"*_test.go", "*.pb.go", "*_gen.go"},
		IgnoreDirs: []string{".git", "vendor", "node_modules", "testdata"},
		SkipHidden: true,
	}
}

// FilterFor returns the default filter for a prompt language. Unknown
// languages get the Go filter.
func FilterFor(language string) Filter {
	switch strings.ToLower(language) {
	case "swift":
		return Filter{
			Extensions: []string{".swift"},
			Ignore:     []string{"Package.swift", "*Tests.swift"},
			IgnoreDirs: []string{".git", ".build", "Pods", "Carthage", "DerivedData"},
			SkipHidden: true,
		}
	default:
		return DefaultFilter()
	}
}

// Validate reports malformed ignore patterns.
func (f Filter) Validate() error {
	for _, p := range f.Ignore {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("ignore pattern %q: %w", p, err)
		}
	}
	return nil
}

// MatchFile reports whether a file at path passes the filter. Only the base
// name and extension are inspected.
func (f Filter) MatchFile(path string) bool {
	name := filepath.Base(path)
	if f.SkipHidden && strings.HasPrefix(name, ".") {
		return false
	}
	if len(f.Extensions) > 0 {
		ext := filepath.Ext(name)
		ok := false
		for _, e := range f.Extensions {
			if strings.EqualFold(ext, e) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, p := range f.Ignore {
		if m, _ := filepath.Match(p, name); m {
			return false
		}
	}
	return true
}

// MatchDir reports whether a directory should be descended into.
func (f Filter) MatchDir(path string) bool {
	name := filepath.Base(path)
	if f.SkipHidden && strings.HasPrefix(name, ".") && name != "." && name != ".." {
		return false
	}
	for _, d := range f.IgnoreDirs {
		if name == d {
			return false
		}
	}
	return true
}

// ExcludedDir reports whether dir is outside root or is, or lies in, an
// ignored directory.
func (f Filter) ExcludedDir(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return true
	}
	for rel != "." && rel != string(filepath.Separator) {
		if !f.MatchDir(rel) {
			return true
		}
		rel = filepath.Dir(rel)
	}
	return false
}

// Excluded reports whether path, relative to root, lies in an ignored
// directory or fails the file filter.
func (f Filter) Excluded(root, path string) bool {
	return f.ExcludedDir(root, filepath.Dir(path)) || !f.MatchFile(path)
}

// Walk returns the regular files under root accepted by f, sorted. A root
// that is itself a file is returned as is when it matches.
func Walk(root string, f Filter) ([]string, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	if !info.IsDir() {
		if info.Mode().IsRegular() && f.MatchFile(root) {
			return []string{root}, nil
		}
		return nil, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && !f.MatchDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if f.MatchFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}
