package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmylchreest/optimarr/internal/config"
	"github.com/jmylchreest/optimarr/internal/ffmpeg"
	"github.com/jmylchreest/optimarr/internal/observability"
	"github.com/jmylchreest/optimarr/internal/progress"
	"github.com/jmylchreest/optimarr/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	frames    int64
	framesErr error
	width     int
	height    int
	resErr    error
}

func (p *fakeProber) FrameCount(context.Context, string) (int64, error) {
	return p.frames, p.framesErr
}

func (p *fakeProber) Resolution(context.Context, string) (int, int, error) {
	return p.width, p.height, p.resErr
}

type fakeEncoder struct {
	lines   []string
	content string
	err     error
	jobs    []Job
}

func (e *fakeEncoder) Encode(_ context.Context, job Job, onLine func(string)) (*ffmpeg.ProcessStats, error) {
	e.jobs = append(e.jobs, job)
	if e.content != "" {
		if err := os.WriteFile(job.Output, []byte(e.content), 0o600); err != nil {
			return nil, err
		}
	}
	for _, line := range e.lines {
		onLine(line)
	}
	return nil, e.err
}

type fakeTools struct {
	prober     *fakeProber
	proberErr  error
	encoder    *fakeEncoder
	encoderErr error
}

func (f *fakeTools) Prober() (Prober, error) {
	if f.proberErr != nil {
		return nil, f.proberErr
	}
	return f.prober, nil
}

func (f *fakeTools) Encoder() (Encoder, error) {
	if f.encoderErr != nil {
		return nil, f.encoderErr
	}
	return f.encoder, nil
}

func newTestInvoker(tools Tools, logBuf *bytes.Buffer) *Invoker {
	logger := observability.Discard()
	if logBuf != nil {
		logger = observability.NewLoggerWithWriter(config.LoggingConfig{Level: "debug", Format: "text"}, logBuf)
	}
	return NewInvoker(tools, 1080, logger, observability.NewPathFormatter("", false), nil)
}

func TestScaleFilter(t *testing.T) {
	assert.Empty(t, ScaleFilter(1080, 1080))
	assert.Empty(t, ScaleFilter(720, 1080))
	assert.Empty(t, ScaleFilter(0, 1080))
	assert.Equal(t, "scale=-2:1080", ScaleFilter(2160, 1080))
	assert.Empty(t, ScaleFilter(2160, 0))
}

func TestInvoke_Succeeded(t *testing.T) {
	dir := t.TempDir()
	staging := filepath.Join(dir, "in-progress", "shows", "ep1.mp4")
	enc := &fakeEncoder{
		content: "encoded",
		lines:   []string{"frame=    5 fps=1.0", "frame=    3 fps=1.0", "frame=    8 fps=1.0"},
	}
	tools := &fakeTools{prober: &fakeProber{frames: 8, width: 3840, height: 2160}, encoder: enc}

	out := newTestInvoker(tools, nil).Invoke(context.Background(), filepath.Join(dir, "ep1.mkv"), staging)

	require.NoError(t, out.Err)
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, int64(8), out.Frames)
	assert.Equal(t, int64(8), out.TotalFrames)
	assert.Equal(t, "scale=-2:1080", out.Filter)
	require.Len(t, enc.jobs, 1)
	assert.Equal(t, "scale=-2:1080", enc.jobs[0].Filter)
	assert.FileExists(t, staging)
}

func TestInvoke_ProbeFailuresDegrade(t *testing.T) {
	dir := t.TempDir()
	var logBuf bytes.Buffer
	tools := &fakeTools{
		prober:  &fakeProber{framesErr: errors.New("no frames"), resErr: errors.New("no stream")},
		encoder: &fakeEncoder{content: "encoded"},
	}

	out := newTestInvoker(tools, &logBuf).Invoke(context.Background(), filepath.Join(dir, "a.mkv"), filepath.Join(dir, "s", "a.mp4"))

	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Zero(t, out.TotalFrames)
	assert.Empty(t, out.Filter)
	assert.Contains(t, logBuf.String(), "resolution unknown")
	assert.Contains(t, logBuf.String(), "frame count unknown")
}

func TestInvoke_ProberMissingStillEncodes(t *testing.T) {
	dir := t.TempDir()
	tools := &fakeTools{
		proberErr: fmt.Errorf("ffprobe: %w", util.ErrBinaryNotFound),
		encoder:   &fakeEncoder{content: "encoded"},
	}

	out := newTestInvoker(tools, nil).Invoke(context.Background(), filepath.Join(dir, "a.mkv"), filepath.Join(dir, "s", "a.mp4"))

	assert.Equal(t, StatusSucceeded, out.Status)
}

func TestInvoke_ToolFailedRemovesStaging(t *testing.T) {
	dir := t.TempDir()
	staging := filepath.Join(dir, "s", "a.mp4")
	tools := &fakeTools{
		prober:  &fakeProber{},
		encoder: &fakeEncoder{content: "partial", err: &ffmpeg.ExitError{Code: 1}},
	}

	out := newTestInvoker(tools, nil).Invoke(context.Background(), filepath.Join(dir, "a.mkv"), staging)

	assert.Equal(t, StatusToolFailed, out.Status)
	assert.Equal(t, 1, out.ExitCode)
	assert.Error(t, out.Err)
	assert.NoFileExists(t, staging)
}

func TestInvoke_ToolMissing(t *testing.T) {
	dir := t.TempDir()
	var logBuf bytes.Buffer
	tools := &fakeTools{
		prober:     &fakeProber{},
		encoderErr: fmt.Errorf("ffmpeg: %w", util.ErrBinaryNotFound),
	}
	inv := newTestInvoker(tools, &logBuf)

	out := inv.Invoke(context.Background(), filepath.Join(dir, "a.mkv"), filepath.Join(dir, "s", "a.mp4"))
	assert.Equal(t, StatusToolMissing, out.Status)
	assert.ErrorIs(t, out.Err, util.ErrBinaryNotFound)

	out = inv.Invoke(context.Background(), filepath.Join(dir, "b.mkv"), filepath.Join(dir, "s", "b.mp4"))
	assert.Equal(t, StatusToolMissing, out.Status)
	assert.Equal(t, 1, bytes.Count(logBuf.Bytes(), []byte("transcoder executable not found")))
}

func TestInvoke_UnexpectedFailure(t *testing.T) {
	dir := t.TempDir()
	staging := filepath.Join(dir, "s", "a.mp4")
	tools := &fakeTools{
		prober:  &fakeProber{},
		encoder: &fakeEncoder{content: "partial", err: errors.New("pipe broke")},
	}

	out := newTestInvoker(tools, nil).Invoke(context.Background(), filepath.Join(dir, "a.mkv"), staging)

	assert.Equal(t, StatusUnexpectedFailure, out.Status)
	assert.NoFileExists(t, staging)
}

func TestInvoke_LinesLoggedAtDebug(t *testing.T) {
	dir := t.TempDir()
	var logBuf bytes.Buffer
	tools := &fakeTools{
		prober:  &fakeProber{},
		encoder: &fakeEncoder{content: "x", lines: []string{"frame=   12 fps=3.0 q=28.0 size=256kB"}},
	}

	newTestInvoker(tools, &logBuf).Invoke(context.Background(), filepath.Join(dir, "a.mkv"), filepath.Join(dir, "s", "a.mp4"))

	assert.Contains(t, logBuf.String(), "frame=   12")
}

// recordingBars hands out one recordingBar per file and keeps every advance it receives.
type recordingBars struct {
	name  string
	total int64
	adds  []int64
	done  bool
}

func (r *recordingBars) File(name string, total int64) progress.Bar {
	r.name, r.total = name, total
	return r
}

func (r *recordingBars) SetTotal(total int64) { r.total = total }
func (r *recordingBars) Add(n int64)          { r.adds = append(r.adds, n) }
func (r *recordingBars) Finish()              { r.done = true }

func TestInvoke_ProgressNeverMovesBackwards(t *testing.T) {
	dir := t.TempDir()
	enc := &fakeEncoder{content: "x", lines: []string{"frame=5", "frame=3", "frame=8"}}
	tools := &fakeTools{prober: &fakeProber{}, encoder: enc}
	bars := &recordingBars{}

	inv := NewInvoker(tools, 1080, observability.Discard(), observability.NewPathFormatter("", false), bars)
	out := inv.Invoke(context.Background(), filepath.Join(dir, "a.mkv"), filepath.Join(dir, "s", "a.mp4"))

	require.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, "a.mkv", bars.name)
	assert.Equal(t, []int64{5, 3}, bars.adds, "frame=3 after frame=5 must not advance the bar")
	assert.True(t, bars.done)
	assert.Equal(t, int64(8), out.Frames)
}

func TestStatus(t *testing.T) {
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusToolMissing.Terminal())
	assert.Equal(t, "tool-failed", StatusToolFailed.String())
}

func TestFFmpegEncoder_Command(t *testing.T) {
	enc := &ffmpegEncoder{binary: "/usr/bin/ffmpeg", cfg: config.FFmpegConfig{
		Preset: "veryslow", CRF: 26, AudioBitrate: "128k", VideoCodec: "libx265", AudioCodec: "aac", MovFlags: "+faststart",
	}}

	args := enc.Command(Job{Input: "in.mkv", Output: "out.mp4", Filter: "scale=-2:1080"}).Args
	assert.Contains(t, args, "libx265")
	assert.Contains(t, args, "veryslow")
	assert.Contains(t, args, "scale=-2:1080")
	assert.Equal(t, "out.mp4", args[len(args)-1])
}

func TestFFmpegTools_Missing(t *testing.T) {
	tools := NewFFmpegTools(config.FFmpegConfig{
		BinaryPath: filepath.Join(t.TempDir(), "ffmpeg"),
		ProbePath:  filepath.Join(t.TempDir(), "ffprobe"),
	}, 0)

	_, err := tools.Encoder()
	assert.ErrorIs(t, err, util.ErrBinaryNotFound)
	_, err = tools.Prober()
	assert.ErrorIs(t, err, util.ErrBinaryNotFound)
}
