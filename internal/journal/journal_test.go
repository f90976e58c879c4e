package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jmylchreest/optimarr/internal/config"
	"github.com/jmylchreest/optimarr/internal/observability"
	"github.com/jmylchreest/optimarr/internal/pipeline"
	"github.com/jmylchreest/optimarr/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(config.JournalConfig{Driver: "sqlite", DSN: ":memory:", LogLevel: "silent"}, observability.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpen_InvalidDriver(t *testing.T) {
	j, err := Open(config.JournalConfig{Driver: "oracle", DSN: "x"}, nil)
	assert.Nil(t, j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported journal driver")
}

func TestOpenSQLite_Pragmas(t *testing.T) {
	d, ok := openSQLite("journal.db").(*sqlite.Dialector)
	require.True(t, ok)
	assert.Equal(t, "journal.db?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", d.DSN)

	d, ok = openSQLite("journal.db?cache=shared").(*sqlite.Dialector)
	require.True(t, ok)
	assert.Contains(t, d.DSN, "journal.db?cache=shared&_pragma=busy_timeout(30000)")

	d, ok = openSQLite(":memory:").(*sqlite.Dialector)
	require.True(t, ok)
	assert.Equal(t, ":memory:", d.DSN)
}

func TestOpen_SQLiteFile(t *testing.T) {
	dsn := t.TempDir() + "/journal.db"
	j, err := Open(config.JournalConfig{Driver: "sqlite", DSN: dsn, LogLevel: "warn"}, observability.Discard())
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), "run", pipeline.Result{Kind: pipeline.KindSkipped, Rel: "a.mkv"}))
	require.NoError(t, j.Close())

	j, err = Open(config.JournalConfig{Driver: "sqlite", DSN: dsn}, observability.Discard())
	require.NoError(t, err)
	defer j.Close()
	entries, err := j.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestJournal_RecordAndRecent(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, "run-1", pipeline.Result{
		Kind:         pipeline.KindKept,
		Rel:          "shows/ep1.mkv",
		OriginalSize: 100,
		OutputSize:   40,
		Elapsed:      1500 * time.Millisecond,
		Destinations: map[storage.Outcome]string{
			storage.OutcomeOutput: "/o/shows/ep1.mp4",
			storage.OutcomeDone:   "/d/shows/ep1.mkv",
		},
	}))
	require.NoError(t, j.Record(ctx, "run-1", pipeline.Result{
		Kind:     pipeline.KindToolFailed,
		Rel:      "shows/ep2.mkv",
		ExitCode: 1,
		Err:      errors.New("exit status 1"),
		Destinations: map[storage.Outcome]string{
			storage.OutcomeErrored: "/e/shows/ep2.mkv",
		},
	}))

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "shows/ep2.mkv", entries[0].RelPath)
	assert.Equal(t, "tool-failed", entries[0].Kind)
	assert.Equal(t, "/e/shows/ep2.mkv", entries[0].Destination)
	assert.Equal(t, "exit status 1", entries[0].Reason)
	assert.Equal(t, 1, entries[0].ExitCode)

	assert.Equal(t, "kept", entries[1].Kind)
	assert.Equal(t, "/d/shows/ep1.mkv", entries[1].Destination)
	assert.Equal(t, int64(1500), entries[1].DurationMs)
	assert.False(t, entries[1].ID.IsZero())

	limited, err := j.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestJournal_HistoryAndCounts(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, "run-1", pipeline.Result{Kind: pipeline.KindToolFailed, Rel: "a.mkv"}))
	require.NoError(t, j.Record(ctx, "run-2", pipeline.Result{Kind: pipeline.KindKept, Rel: "a.mkv"}))
	require.NoError(t, j.Record(ctx, "run-2", pipeline.Result{Kind: pipeline.KindKept, Rel: "b.mkv"}))

	history, err := j.History(ctx, "a.mkv")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "run-1", history[0].RunID)
	assert.Equal(t, "run-2", history[1].RunID)

	all, err := j.CountByKind(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []KindCount{{Kind: "kept", Count: 2}, {Kind: "tool-failed", Count: 1}}, all)

	run2, err := j.CountByKind(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, []KindCount{{Kind: "kept", Count: 2}}, run2)
}

func TestJournal_Observe(t *testing.T) {
	j := setupTestJournal(t)
	run := pipeline.NewRunContext()

	j.Observe(context.Background(), run, pipeline.Result{Kind: pipeline.KindPathError, Source: "/elsewhere/x.mkv"})

	entries, err := j.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, run.ID, entries[0].RunID)
	assert.Equal(t, "/elsewhere/x.mkv", entries[0].RelPath)
}

func TestULID_Scan(t *testing.T) {
	id := NewULID()

	var scanned ULID
	require.NoError(t, scanned.Scan(id.String()))
	assert.Equal(t, id, scanned)
	require.NoError(t, scanned.Scan([]byte(id.String())))
	assert.Equal(t, id, scanned)
	require.NoError(t, scanned.Scan(nil))
	assert.True(t, scanned.IsZero())
	assert.Error(t, scanned.Scan(42))

	_, err := ParseULID("nope")
	assert.Error(t, err)
}
