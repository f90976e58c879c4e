package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmylchreest/optimarr/internal/config"
	"github.com/jmylchreest/optimarr/internal/ffmpeg"
	"github.com/jmylchreest/optimarr/internal/observability"
	"github.com/jmylchreest/optimarr/internal/storage"
	"github.com/jmylchreest/optimarr/internal/transcode"
	"github.com/jmylchreest/optimarr/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTranscoder writes a staging file of outputSize bytes and ends with status.
type fakeTranscoder struct {
	status     transcode.Status
	outputSize int
	err        error
	calls      []string
	onInvoke   func(input string)
}

func (f *fakeTranscoder) Invoke(ctx context.Context, input, staging string) transcode.Outcome {
	f.calls = append(f.calls, input)
	if f.onInvoke != nil {
		f.onInvoke(input)
	}
	if err := ctx.Err(); err != nil {
		return transcode.Outcome{Status: transcode.StatusUnexpectedFailure, Err: err}
	}
	if f.status != transcode.StatusSucceeded {
		return transcode.Outcome{Status: f.status, Err: f.err, ExitCode: 1}
	}
	if err := os.MkdirAll(filepath.Dir(staging), 0o750); err != nil {
		return transcode.Outcome{Status: transcode.StatusUnexpectedFailure, Err: err}
	}
	if err := os.WriteFile(staging, []byte(strings.Repeat("o", f.outputSize)), 0o600); err != nil {
		return transcode.Outcome{Status: transcode.StatusUnexpectedFailure, Err: err}
	}
	return transcode.Outcome{Status: transcode.StatusSucceeded, Frames: 10}
}

type testEnv struct {
	base   string
	cfg    *config.Config
	layout *storage.Layout
	router *storage.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Config{
		Watch: config.WatchConfig{
			SourceRoot: filepath.Join(base, "to-convert"),
			Extensions: config.DefaultVideoExtensions,
		},
		Layout: config.LayoutConfig{
			OutputRoot:            filepath.Join(base, "optimized"),
			ErroredRoot:           filepath.Join(base, "errored"),
			InProgressRoot:        filepath.Join(base, "in-progress"),
			DoneRoot:              filepath.Join(base, "done"),
			OptimizedBadRoot:      filepath.Join(base, "optimized-bad"),
			OptimizedOriginalRoot: filepath.Join(base, "optimized-original"),
		},
		FFmpeg: config.FFmpegConfig{OutputExtension: ".mp4"},
	}
	layout, err := storage.NewLayout(cfg)
	require.NoError(t, err)
	require.NoError(t, layout.EnsureDirs())
	paths := observability.NewPathFormatter(base, false)
	return &testEnv{
		base:   base,
		cfg:    cfg,
		layout: layout,
		router: storage.NewRouter(layout, observability.Discard(), paths),
	}
}

// addSource writes a video of size bytes at rel under the watched root.
func (e *testEnv) addSource(t *testing.T, rel string, size int) string {
	t.Helper()
	path := filepath.Join(e.layout.SourceRoot(), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("i", size)), 0o600))
	return path
}

func (e *testEnv) processor(tr Transcoder) *Processor {
	return NewProcessor(e.router, tr, observability.Discard(), observability.NewPathFormatter(e.base, false))
}

func (e *testEnv) scanner(reverse bool) *Scanner {
	return NewScanner(e.layout, reverse, observability.Discard())
}

// locations lists every tree that holds a file for rel, under either name.
func (e *testEnv) locations(rel string) []string {
	var where []string
	if storage.Exists(e.layout.SourcePath(rel)) {
		where = append(where, "source")
	}
	for _, o := range storage.AllOutcomes {
		if storage.Exists(e.layout.DestinationPath(o, rel)) || storage.Exists(filepath.Join(e.layout.Root(o), rel)) {
			where = append(where, o.String())
		}
	}
	return where
}

func candidate(t *testing.T, e *testEnv, rel string) Candidate {
	t.Helper()
	return Candidate{Path: e.layout.SourcePath(rel), Rel: rel}
}

func TestKind_Bucket(t *testing.T) {
	want := map[Kind]Bucket{
		KindKept:              BucketKept,
		KindSizeRegressed:     BucketSizeRegressed,
		KindToolFailed:        BucketFailed,
		KindToolMissing:       BucketFailed,
		KindUnexpectedFailure: BucketFailed,
		KindPathError:         BucketFailed,
		KindSkipped:           BucketSkipped,
	}
	for _, k := range AllKinds {
		assert.Equal(t, want[k], k.Bucket(), k.String())
	}
	assert.Panics(t, func() { Kind(99).Bucket() })
}

func TestTally(t *testing.T) {
	var tally Tally
	for _, k := range AllKinds {
		tally.Add(Result{Kind: k})
	}
	assert.Equal(t, Tally{Kept: 1, SizeRegressed: 1, Failed: 4, Skipped: 1}, tally)
	assert.Equal(t, 7, tally.Total())
	assert.Equal(t, "kept=1 size_regressed=1 failed=4 skipped=1", tally.String())
}

func TestCandidate_Key(t *testing.T) {
	assert.Equal(t, "a/b.mkv", Candidate{Path: "/w/a/b.mkv", Rel: "a/b.mkv"}.Key())
	assert.Equal(t, "/elsewhere/b.mkv", Candidate{Path: "/elsewhere/b.mkv"}.Key())
}

func TestScanner_IdempotentRescan(t *testing.T) {
	e := newTestEnv(t)
	e.addSource(t, "b.mkv", 10)
	e.addSource(t, "a.mp4", 10)
	e.addSource(t, "shows/s1/ep1.avi", 10)
	e.addSource(t, "notes.txt", 10)

	s := e.scanner(false)
	found, err := s.Scan(nil)
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, "a.mp4", found[0].Rel)
	assert.Equal(t, "b.mkv", found[1].Rel)
	assert.Equal(t, filepath.Join("shows", "s1", "ep1.avi"), found[2].Rel)

	processed := map[string]bool{}
	for _, c := range found {
		processed[c.Key()] = true
	}
	again, err := s.Scan(func(key string) bool { return processed[key] })
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestScanner_ReverseOrder(t *testing.T) {
	e := newTestEnv(t)
	e.addSource(t, "a.mkv", 1)
	e.addSource(t, "b.mkv", 1)
	e.addSource(t, "c.mkv", 1)

	found, err := e.scanner(true).Scan(nil)
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, []string{"c.mkv", "b.mkv", "a.mkv"}, []string{found[0].Rel, found[1].Rel, found[2].Rel})
}

func TestScanner_PrunesOutcomeDirectories(t *testing.T) {
	e := newTestEnv(t)
	e.addSource(t, "done/old.mkv", 1)
	e.addSource(t, "shows/in-progress/partial.mp4", 1)
	e.addSource(t, "shows/errored/bad.mkv", 1)
	e.addSource(t, "shows/keep.mkv", 1)

	found, err := e.scanner(false).Scan(nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, filepath.Join("shows", "keep.mkv"), found[0].Rel)
}

func TestScanner_FollowsSymlinkedFiles(t *testing.T) {
	e := newTestEnv(t)
	outside := t.TempDir()
	target := filepath.Join(outside, "movie.mkv")
	require.NoError(t, os.WriteFile(target, []byte("video"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(outside, "dir.mkv"), 0o750))

	root := e.layout.SourceRoot()
	require.NoError(t, os.Symlink(target, filepath.Join(root, "linked.mkv")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "gone.mkv"), filepath.Join(root, "dangling.mkv")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "dir.mkv"), filepath.Join(root, "dir.mkv")))

	found, err := e.scanner(false).Scan(nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "linked.mkv", found[0].Rel)
}

func TestScanner_MissingRoot(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.RemoveAll(e.layout.SourceRoot()))

	_, err := e.scanner(false).Scan(nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestProcessor_OutcomePartition(t *testing.T) {
	tests := []struct {
		name       string
		transcoder *fakeTranscoder
		kind       Kind
		where      []string
	}{
		{
			name:       "smaller output is kept",
			transcoder: &fakeTranscoder{status: transcode.StatusSucceeded, outputSize: 10},
			kind:       KindKept,
			where:      []string{"optimized", "done"},
		},
		{
			name:       "larger output is size regressed",
			transcoder: &fakeTranscoder{status: transcode.StatusSucceeded, outputSize: 500},
			kind:       KindSizeRegressed,
			where:      []string{"optimized-bad", "optimized-original"},
		},
		{
			name:       "nonzero exit routes to errored",
			transcoder: &fakeTranscoder{status: transcode.StatusToolFailed, err: &ffmpeg.ExitError{Code: 1}},
			kind:       KindToolFailed,
			where:      []string{"errored"},
		},
		{
			name:       "missing tool routes to errored",
			transcoder: &fakeTranscoder{status: transcode.StatusToolMissing, err: util.ErrBinaryNotFound},
			kind:       KindToolMissing,
			where:      []string{"errored"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			rel := filepath.Join("shows", "ep1.mkv")
			e.addSource(t, rel, 100)

			res, err := e.processor(tt.transcoder).Process(context.Background(), candidate(t, e, rel))
			require.NoError(t, err)

			assert.Equal(t, tt.kind, res.Kind)
			assert.ElementsMatch(t, tt.where, e.locations(rel))
		})
	}
}

func TestProcessor_SizeRegression(t *testing.T) {
	e := newTestEnv(t)
	e.addSource(t, "clip.mkv", 100)

	res, err := e.processor(&fakeTranscoder{status: transcode.StatusSucceeded, outputSize: 101}).
		Process(context.Background(), candidate(t, e, "clip.mkv"))
	require.NoError(t, err)

	assert.Equal(t, KindSizeRegressed, res.Kind)
	assert.Equal(t, int64(100), res.OriginalSize)
	assert.Equal(t, int64(101), res.OutputSize)
	assert.FileExists(t, filepath.Join(e.layout.Root(storage.OutcomeOptimizedBad), "clip.mp4"))
	assert.FileExists(t, filepath.Join(e.layout.Root(storage.OutcomeOptimizedOriginal), "clip.mkv"))
	assert.NoFileExists(t, filepath.Join(e.layout.Root(storage.OutcomeOutput), "clip.mp4"))
	assert.NoFileExists(t, e.layout.SourcePath("clip.mkv"))
}

func TestProcessor_EqualSizeIsKept(t *testing.T) {
	e := newTestEnv(t)
	e.addSource(t, "clip.mkv", 100)

	res, err := e.processor(&fakeTranscoder{status: transcode.StatusSucceeded, outputSize: 100}).
		Process(context.Background(), candidate(t, e, "clip.mkv"))
	require.NoError(t, err)
	assert.Equal(t, KindKept, res.Kind)
	assert.Zero(t, res.Saved())
}

func TestProcessor_ExtensionNormalization(t *testing.T) {
	e := newTestEnv(t)
	e.addSource(t, "clip.mkv", 100)

	res, err := e.processor(&fakeTranscoder{status: transcode.StatusSucceeded, outputSize: 40}).
		Process(context.Background(), candidate(t, e, "clip.mkv"))
	require.NoError(t, err)

	require.Equal(t, KindKept, res.Kind)
	assert.Equal(t, filepath.Join(e.layout.Root(storage.OutcomeOutput), "clip.mp4"), res.Destinations[storage.OutcomeOutput])
	assert.Equal(t, filepath.Join(e.layout.Root(storage.OutcomeDone), "clip.mkv"), res.Destinations[storage.OutcomeDone])
	assert.Equal(t, int64(60), res.Saved())
}

func TestProcessor_PathError(t *testing.T) {
	e := newTestEnv(t)
	outside := filepath.Join(e.base, "elsewhere.mkv")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))
	tr := &fakeTranscoder{status: transcode.StatusSucceeded}

	res, err := e.processor(tr).Process(context.Background(), Candidate{Path: outside})
	require.NoError(t, err)

	assert.Equal(t, KindPathError, res.Kind)
	assert.ErrorIs(t, res.Err, storage.ErrNotUnderRoot)
	assert.Empty(t, tr.calls)
	assert.FileExists(t, outside)
}

func TestProcessor_SkipsOutcomeTreeCollision(t *testing.T) {
	e := newTestEnv(t)
	e.addSource(t, "done/x.mkv", 1)
	tr := &fakeTranscoder{status: transcode.StatusSucceeded}

	res, err := e.processor(tr).Process(context.Background(), candidate(t, e, filepath.Join("done", "x.mkv")))
	require.NoError(t, err)
	assert.Equal(t, KindSkipped, res.Kind)
	assert.Empty(t, tr.calls)
}

func TestProcessor_PartialSizeRegressedMove(t *testing.T) {
	e := newTestEnv(t)
	e.addSource(t, "clip.mkv", 10)
	// A directory where the original should land makes the second move fail.
	require.NoError(t, os.MkdirAll(filepath.Join(e.layout.Root(storage.OutcomeOptimizedOriginal), "clip.mkv"), 0o750))

	res, err := e.processor(&fakeTranscoder{status: transcode.StatusSucceeded, outputSize: 50}).
		Process(context.Background(), candidate(t, e, "clip.mkv"))
	require.NoError(t, err)

	assert.Equal(t, KindUnexpectedFailure, res.Kind)
	assert.ErrorIs(t, res.Err, storage.ErrRelocation)
	assert.FileExists(t, filepath.Join(e.layout.Root(storage.OutcomeOptimizedBad), "clip.mp4"))
	assert.FileExists(t, filepath.Join(e.layout.Root(storage.OutcomeErrored), "clip.mkv"))
	assert.NoFileExists(t, e.layout.SourcePath("clip.mkv"))
}

func TestProcessor_RegressedOutputCollision(t *testing.T) {
	e := newTestEnv(t)
	e.addSource(t, "clip.mkv", 10)
	bad := filepath.Join(e.layout.Root(storage.OutcomeOptimizedBad), "clip.mp4")
	require.NoError(t, os.WriteFile(bad, []byte("earlier"), 0o600))

	res, err := e.processor(&fakeTranscoder{status: transcode.StatusSucceeded, outputSize: 50}).
		Process(context.Background(), candidate(t, e, "clip.mkv"))
	require.NoError(t, err)

	assert.Equal(t, KindUnexpectedFailure, res.Kind)
	assert.ErrorIs(t, res.Err, ErrOutputCollision)
	data, err := os.ReadFile(bad)
	require.NoError(t, err)
	assert.Equal(t, "earlier", string(data))
	assert.NoFileExists(t, filepath.Join(e.layout.Root(storage.OutcomeOutput), "clip.mp4"))
	assert.FileExists(t, filepath.Join(e.layout.Root(storage.OutcomeErrored), "clip.mkv"))
}

func TestProcessor_ShutdownLeavesFileInPlace(t *testing.T) {
	e := newTestEnv(t)
	e.addSource(t, "clip.mkv", 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.processor(&fakeTranscoder{status: transcode.StatusSucceeded}).Process(ctx, candidate(t, e, "clip.mkv"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"source"}, e.locations("clip.mkv"))
}

func TestProcessor_UnexpectedFailureWithoutError(t *testing.T) {
	e := newTestEnv(t)
	e.addSource(t, "clip.mkv", 10)

	res, err := e.processor(&fakeTranscoder{status: transcode.StatusUnexpectedFailure, err: errors.New("boom")}).
		Process(context.Background(), candidate(t, e, "clip.mkv"))
	require.NoError(t, err)
	assert.Equal(t, KindUnexpectedFailure, res.Kind)
	assert.Equal(t, "boom", res.Reason())
	assert.Equal(t, []string{"errored"}, e.locations("clip.mkv"))
}
