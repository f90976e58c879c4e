// Package startup provides utilities for application startup tasks.
package startup

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/jmylchreest/optimarr/internal/config"
	"github.com/jmylchreest/optimarr/internal/observability"
	"github.com/jmylchreest/optimarr/internal/storage"
)

// CleanupStaging removes every file left in the staging tree by an earlier run that was
// killed mid-encode, then prunes the empty directories below root. Such files are partial
// and must never be promoted.
//
// Returns the number of files removed.
func CleanupStaging(logger *slog.Logger, root string) (int, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		logger.Debug("staging directory does not exist, skipping cleanup", "path", root)
		return 0, nil
	}

	var removed int
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn("failed to read staging path", "path", path, "error", err)
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path != root {
				dirs = append(dirs, path)
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.Warn("failed to get staging file info", "path", path, "error", err)
			return nil
		}
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove stale staging file", "path", path, "error", err)
			return nil
		}
		logger.Info("removed stale staging file",
			"path", path,
			"age", time.Since(info.ModTime()).Round(time.Second),
		)
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("cleaning staging directory: %w", err)
	}

	// Deepest first so parents are empty by the time they are reached.
	slices.Reverse(dirs)
	for _, dir := range dirs {
		_ = os.Remove(dir) // non-empty directories stay
	}
	return removed, nil
}

// Prepare runs every task needed before the first scan: it creates the watched root and the
// outcome trees, clears stale staging files and warns when the output volume is low on space.
// Only the directory creation can fail the startup.
func Prepare(ctx context.Context, layout *storage.Layout, cfg config.StartupConfig, logger *slog.Logger) (err error) {
	logger = observability.WithComponent(logger, "startup")
	done := observability.TimedOperationWithError(ctx, logger, "prepare directories", &err)
	defer done()

	if err = layout.EnsureDirs(); err != nil {
		return err
	}

	if cfg.CleanStaging {
		if _, cleanErr := CleanupStaging(logger, layout.Root(storage.OutcomeInProgress)); cleanErr != nil {
			logger.Warn("staging cleanup incomplete", slog.String("error", cleanErr.Error()))
		}
	}

	minFree, parseErr := cfg.MinFreeSpaceBytes()
	if parseErr != nil {
		logger.Warn("ignoring min_free_space", slog.String("error", parseErr.Error()))
		return nil
	}
	if _, diskErr := CheckFreeSpace(ctx, logger, layout.Root(storage.OutcomeOutput), minFree); diskErr != nil {
		logger.Warn("free space unknown", slog.String("error", diskErr.Error()))
	}
	return nil
}
