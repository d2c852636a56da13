package tree

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/majo/systemset/internal/platform"
)

// ErrEscapesRoot is returned for entries whose relative path leaves the source root
var ErrEscapesRoot = errors.New("path escapes source root")

// Entry is one deployable file of a source tree
type Entry struct {
	Source   string // absolute path in the source tree
	Relative string // slash-separated path with any platform tag removed
	Tag      string // platform name, empty for shared entries
}

// Shared reports whether the entry applies to every platform
func (e Entry) Shared() bool {
	return e.Tag == ""
}

// TopLevel returns the first component of the relative path ("etc", "home")
func (e Entry) TopLevel() string {
	first, _, _ := strings.Cut(e.Relative, "/")
	return first
}

// Discover walks root depth-first and returns every deployable file.
//
// Top-level files of root are not part of the tree. Anything inside a .git
// directory is skipped, as is any path matching one of the ignore globs.
// Other dotfiles (home/.zshrc) are kept.
func Discover(root string, ignore []string) ([]Entry, error) {
	root = filepath.Clean(root)

	var entries []Entry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)

		if d.Name() == ".git" || matchesAny(rel, ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		// top-level files are repository housekeeping (README, scripts)
		if !strings.Contains(rel, "/") {
			return nil
		}

		regular, err := isRegular(p, d)
		if err != nil {
			return err
		}
		if !regular {
			return nil
		}

		entry, err := newEntry(p, rel)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// newEntry splits a platform tag off rel and checks the remainder stays local.
func newEntry(source, rel string) (Entry, error) {
	entry := Entry{Source: source, Relative: rel}

	first, rest, _ := strings.Cut(rel, "/")
	if platform.IsTag(first) {
		entry.Tag = platform.TagName(first)
		entry.Relative = rest
	}

	if !filepath.IsLocal(filepath.FromSlash(entry.Relative)) {
		return Entry{}, fmt.Errorf("%s: %w", rel, ErrEscapesRoot)
	}
	entry.Relative = path.Clean(entry.Relative)
	return entry, nil
}

// isRegular follows symlinks so a linked file in the tree deploys its target.
func isRegular(p string, d fs.DirEntry) (bool, error) {
	if d.Type().IsRegular() {
		return true, nil
	}
	if d.Type()&fs.ModeSymlink == 0 {
		return false, nil
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// dangling link
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func matchesAny(rel string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	base := path.Base(rel)
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// ValidatePatterns reports the first malformed ignore glob
func ValidatePatterns(patterns []string) error {
	for _, pattern := range patterns {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid ignore pattern %q: %w", pattern, err)
		}
	}
	return nil
}
