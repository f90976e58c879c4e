// Package journal keeps a durable record of every terminal decision, one row per file.
// It supports SQLite, PostgreSQL and MySQL through GORM.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/optimarr/internal/config"
	"github.com/jmylchreest/optimarr/internal/observability"
	"github.com/jmylchreest/optimarr/internal/pipeline"
	"github.com/jmylchreest/optimarr/internal/storage"
	"gorm.io/gorm"
)

// Journal writes entries for a run.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the configured database and migrates the journal table.
func Open(cfg config.JournalConfig, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "journal")

	db, err := openDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, errors.Join(fmt.Errorf("migrating journal: %w", err), closeDB(db))
	}
	logger.Info("journal opened", slog.String("driver", cfg.Driver), slog.String("dsn", cfg.DSN))
	return &Journal{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return closeDB(j.db)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Record stores one result.
func (j *Journal) Record(ctx context.Context, runID string, res pipeline.Result) error {
	entry := EntryFromResult(runID, res)
	if err := j.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("recording %s: %w", entry.RelPath, err)
	}
	return nil
}

// Observe implements pipeline.Observer. Write failures are logged; they never stop the run.
func (j *Journal) Observe(ctx context.Context, run *pipeline.RunContext, res pipeline.Result) {
	if err := j.Record(context.WithoutCancel(ctx), run.ID, res); err != nil {
		j.logger.Warn("journal write failed", slog.String("error", err.Error()))
	}
}

// Recent returns the newest entries first. A limit of zero or less returns every entry.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	q := j.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing journal: %w", err)
	}
	return entries, nil
}

// History returns every entry for rel, oldest first.
func (j *Journal) History(ctx context.Context, rel string) ([]Entry, error) {
	var entries []Entry
	if err := j.db.WithContext(ctx).Where("rel_path = ?", rel).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing history of %s: %w", rel, err)
	}
	return entries, nil
}

// KindCount is the number of entries of one kind.
type KindCount struct {
	Kind  string
	Count int64
}

// CountByKind returns per-kind totals, optionally restricted to one run.
func (j *Journal) CountByKind(ctx context.Context, runID string) ([]KindCount, error) {
	var counts []KindCount
	q := j.db.WithContext(ctx).Model(&Entry{}).Select("kind, count(*) as count").Group("kind").Order("kind")
	if runID != "" {
		q = q.Where("run_id = ?", runID)
	}
	if err := q.Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("counting journal: %w", err)
	}
	return counts, nil
}

// EntryFromResult converts a result to an entry. Destination is the tree that received the
// original, or the output for size-regressed results.
func EntryFromResult(runID string, res pipeline.Result) *Entry {
	rel := res.Rel
	if rel == "" {
		rel = res.Source
	}
	return &Entry{
		RunID:        runID,
		RelPath:      rel,
		Kind:         res.Kind.String(),
		Destination:  destination(res),
		OriginalSize: res.OriginalSize,
		OutputSize:   res.OutputSize,
		ExitCode:     res.ExitCode,
		Frames:       res.Frames,
		DurationMs:   res.Elapsed.Milliseconds(),
		Reason:       res.Reason(),
	}
}

func destination(res pipeline.Result) string {
	for _, o := range []storage.Outcome{
		storage.OutcomeErrored,
		storage.OutcomeDone,
		storage.OutcomeOptimizedOriginal,
		storage.OutcomeOptimizedBad,
		storage.OutcomeOutput,
	} {
		if dst, ok := res.Destinations[o]; ok {
			return dst
		}
	}
	return ""
}
