package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jmylchreest/optimarr/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sqlitePragmas are appended to file-backed sqlite DSNs.
var sqlitePragmas = []string{
	"busy_timeout(30000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

var dialectors = map[string]func(dsn string) gorm.Dialector{
	"sqlite":   openSQLite,
	"postgres": postgres.Open,
	"mysql":    mysql.Open,
}

// openDB opens the configured database with an slog-backed GORM logger.
func openDB(cfg config.JournalConfig, log *slog.Logger) (*gorm.DB, error) {
	open, ok := dialectors[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported journal driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(open(cfg.DSN), &gorm.Config{
		Logger:                 &gormLogger{logger: log, level: gormLogLevel(cfg.LogLevel)},
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
		}
		// Entries are written from the loop goroutine only.
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func openSQLite(dsn string) gorm.Dialector {
	if dsn == ":memory:" {
		return sqlite.Open(dsn)
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return sqlite.Open(dsn + sep + "_pragma=" + strings.Join(sqlitePragmas, "&_pragma="))
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

const (
	slowQueryThreshold = time.Second
	maxSQLLogLength    = 200
)

// gormLogger routes GORM's logging into slog. Statements are logged at debug only when the
// journal log level is info.
type gormLogger struct {
	logger *slog.Logger
	level  logger.LogLevel
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{logger: l.logger, level: level}
}

func (l *gormLogger) Info(ctx context.Context, msg string, args ...any) {
	l.printf(ctx, logger.Info, slog.LevelInfo, msg, args)
}

func (l *gormLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.printf(ctx, logger.Warn, slog.LevelWarn, msg, args)
}

func (l *gormLogger) Error(ctx context.Context, msg string, args ...any) {
	l.printf(ctx, logger.Error, slog.LevelError, msg, args)
}

func (l *gormLogger) printf(ctx context.Context, threshold logger.LogLevel, level slog.Level, msg string, args []any) {
	if l.level >= threshold {
		l.logger.Log(ctx, level, fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)

	var (
		level slog.Level
		msg   string
	)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		level, msg = slog.LevelError, "journal query failed"
	case elapsed > slowQueryThreshold && l.level >= logger.Warn:
		level, msg = slog.LevelWarn, "slow journal query"
	case l.level >= logger.Info && l.logger.Enabled(ctx, slog.LevelDebug):
		level, msg = slog.LevelDebug, "journal query"
	default:
		return
	}

	sql, rows := fc()
	if len(sql) > maxSQLLogLength {
		sql = sql[:maxSQLLogLength] + "..."
	}
	attrs := []any{
		slog.String("sql", sql),
		slog.Int64("rows", rows),
		slog.Duration("elapsed", elapsed),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.logger.Log(ctx, level, msg, attrs...)
}
