package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jmylchreest/optimarr/internal/storage"
)

// Scanner enumerates candidate files under the watched root.
type Scanner struct {
	layout  *storage.Layout
	reverse bool
	logger  *slog.Logger
}

// NewScanner creates a Scanner. reverse flips the sorted order of every scan.
func NewScanner(layout *storage.Layout, reverse bool, logger *slog.Logger) *Scanner {
	return &Scanner{layout: layout, reverse: reverse, logger: logger}
}

// Scan walks the watched root, never descending into outcome directories, and returns every
// video file for which exclude returns false, sorted by relative path. A nil exclude keeps
// every file. Unreadable subdirectories are logged and skipped; only a failure to read the
// root itself is returned.
func (s *Scanner) Scan(exclude func(key string) bool) ([]Candidate, error) {
	root := s.layout.SourceRoot()
	var found []Candidate

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			s.logger.Warn("skipping unreadable path", slog.String("path", path), slog.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && s.layout.IsOutcomeDirName(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !isRegularFile(path, d) || !s.layout.IsVideoFile(path) {
			return nil
		}

		c := Candidate{Path: path}
		if rel, err := s.layout.RelativeIdentity(path); err == nil {
			c.Rel = rel
		}
		if exclude != nil && exclude(c.Key()) {
			return nil
		}
		found = append(found, c)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("watched root %s does not exist: %w", root, err)
		}
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}

	slices.SortFunc(found, func(a, b Candidate) int {
		return strings.Compare(a.Key(), b.Key())
	})
	if s.reverse {
		slices.Reverse(found)
	}
	return found, nil
}

// isRegularFile accepts regular files and symlinks that resolve to one. Symlinked directories
// are not followed.
func isRegularFile(path string, d fs.DirEntry) bool {
	if d.Type().IsRegular() {
		return true
	}
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
