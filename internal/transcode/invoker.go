// Package transcode runs one encode of a source file into a staging file and reports how it ended.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmylchreest/optimarr/internal/config"
	"github.com/jmylchreest/optimarr/internal/ffmpeg"
	"github.com/jmylchreest/optimarr/internal/observability"
	"github.com/jmylchreest/optimarr/internal/progress"
	"github.com/jmylchreest/optimarr/internal/util"
)

// Status is the state of one invocation.
type Status int

// Invocation states. Succeeded, ToolFailed, ToolMissing and UnexpectedFailure are terminal.
const (
	StatusNotStarted Status = iota
	StatusProbing
	StatusRunning
	StatusSucceeded
	StatusToolFailed
	StatusToolMissing
	StatusUnexpectedFailure
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not-started"
	case StatusProbing:
		return "probing"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusToolFailed:
		return "tool-failed"
	case StatusToolMissing:
		return "tool-missing"
	case StatusUnexpectedFailure:
		return "unexpected-failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether the invocation has ended.
func (s Status) Terminal() bool {
	return s >= StatusSucceeded
}

// Outcome describes how an invocation ended.
type Outcome struct {
	Status      Status
	ExitCode    int   // set for StatusToolFailed
	Err         error // nil only for StatusSucceeded
	Frames      int64 // highest frame number seen
	TotalFrames int64 // probed frame count, zero when unknown
	Filter      string
	Elapsed     time.Duration
	Stats       *ffmpeg.ProcessStats
}

// Prober answers the two pre-encode queries.
type Prober interface {
	FrameCount(ctx context.Context, path string) (int64, error)
	Resolution(ctx context.Context, path string) (width, height int, err error)
}

// Job is one encode request.
type Job struct {
	Input  string
	Output string
	Filter string
}

// Encoder runs an encode, passing every output line to onLine.
// A missing executable must yield an error wrapping util.ErrBinaryNotFound and a nonzero
// exit an *ffmpeg.ExitError.
type Encoder interface {
	Encode(ctx context.Context, job Job, onLine func(string)) (*ffmpeg.ProcessStats, error)
}

// Tools resolves the prober and encoder for each file.
type Tools interface {
	Prober() (Prober, error)
	Encoder() (Encoder, error)
}

// ScaleFilter returns the filter that limits output height to maxHeight, or "" when the
// source height is unknown (zero) or already within the limit.
func ScaleFilter(height, maxHeight int) string {
	if maxHeight <= 0 || height <= maxHeight {
		return ""
	}
	return fmt.Sprintf("scale=-2:%d", maxHeight)
}

// Bars creates the per-file progress bar. *progress.Reporter satisfies it.
type Bars interface {
	File(name string, total int64) progress.Bar
}

// Invoker encodes files into the staging tree.
type Invoker struct {
	tools     Tools
	maxHeight int
	logger    *slog.Logger
	paths     observability.PathFormatter
	bars      Bars

	missingReported bool
}

// NewInvoker creates an Invoker.
func NewInvoker(tools Tools, maxHeight int, logger *slog.Logger, paths observability.PathFormatter, bars Bars) *Invoker {
	if bars == nil {
		bars = progress.Disabled()
	}
	return &Invoker{
		tools:     tools,
		maxHeight: maxHeight,
		logger:    observability.WithComponent(logger, "transcode"),
		paths:     paths,
		bars:      bars,
	}
}

// Invoke encodes input into staging. On every outcome other than StatusSucceeded the staging
// file is removed before Invoke returns. When ctx is cancelled the encoder is killed and the
// outcome is StatusUnexpectedFailure with an error matching ctx.Err().
func (inv *Invoker) Invoke(ctx context.Context, input, staging string) Outcome {
	start := time.Now()
	out := Outcome{Status: StatusNotStarted}
	logger := inv.logger.With(slog.String("file", inv.paths.Format(input)))

	out.Status = StatusProbing
	out.TotalFrames, out.Filter = inv.probe(ctx, logger, input)

	out.Status = StatusRunning
	encoder, err := inv.tools.Encoder()
	if err != nil {
		return inv.fail(logger, staging, start, out, err)
	}

	if err := os.MkdirAll(filepath.Dir(staging), 0o750); err != nil {
		return inv.fail(logger, staging, start, out, fmt.Errorf("creating staging directory: %w", err))
	}

	logger.Info("encoding",
		slog.String("output", inv.paths.Format(staging)),
		slog.Int64("frames", out.TotalFrames),
		slog.String("filter", out.Filter),
	)

	bar := inv.bars.File(observability.ShortenName(filepath.Base(input)), out.TotalFrames)
	var (
		counter ffmpeg.FrameCounter
		speed   float64
	)
	onLine := func(line string) {
		logger.Debug(line)
		p, ok := ffmpeg.ParseProgress(line)
		if !ok {
			return
		}
		if p.Speed > 0 {
			speed = p.Speed
		}
		if _, delta := counter.Advance(p.Frame); delta > 0 {
			bar.Add(delta)
		}
	}

	stats, err := encoder.Encode(ctx, Job{Input: input, Output: staging, Filter: out.Filter}, onLine)
	bar.Finish()
	out.Frames = counter.Value()
	out.Stats = stats
	if err != nil {
		return inv.fail(logger, staging, start, out, err)
	}

	out.Status = StatusSucceeded
	out.Elapsed = time.Since(start)
	attrs := []any{
		slog.Duration("elapsed", out.Elapsed),
		slog.Int64("frames", out.Frames),
	}
	if speed > 0 {
		attrs = append(attrs, slog.String("speed", fmt.Sprintf("%.2fx", speed)))
	}
	if info, err := os.Stat(staging); err == nil {
		attrs = append(attrs, slog.String("size", humanize.Bytes(uint64(info.Size())))) //nolint:gosec // size is non-negative
	}
	if stats != nil {
		attrs = append(attrs,
			slog.Float64("peak_cpu_percent", stats.PeakCPUPercent),
			slog.String("peak_rss", humanize.Bytes(stats.PeakRSSBytes)),
		)
	}
	logger.Debug("encode finished", attrs...)
	return out
}

// probe runs both pre-encode queries. Failures only degrade the result.
func (inv *Invoker) probe(ctx context.Context, logger *slog.Logger, input string) (frames int64, filter string) {
	prober, err := inv.tools.Prober()
	if err != nil {
		logger.Warn("prober unavailable, frame count and resolution unknown", slog.String("error", err.Error()))
		return 0, ""
	}

	frames, err = prober.FrameCount(ctx, input)
	if err != nil {
		logger.Warn("frame count unknown, progress is indeterminate", slog.String("error", err.Error()))
		frames = 0
	}

	width, height, err := prober.Resolution(ctx, input)
	if err != nil {
		logger.Warn("resolution unknown, not scaling", slog.String("error", err.Error()))
		return frames, ""
	}

	filter = ScaleFilter(height, inv.maxHeight)
	if filter != "" {
		logger.Info("downscaling",
			slog.String("resolution", fmt.Sprintf("%dx%d", width, height)),
			slog.Int("max_height", inv.maxHeight),
		)
	}
	return frames, filter
}

// fail classifies err, removes the staging file and completes the outcome.
func (inv *Invoker) fail(logger *slog.Logger, staging string, start time.Time, out Outcome, err error) Outcome {
	out.Err = err
	out.Elapsed = time.Since(start)

	var exitErr *ffmpeg.ExitError
	switch {
	case errors.Is(err, util.ErrBinaryNotFound):
		out.Status = StatusToolMissing
		if !inv.missingReported {
			inv.missingReported = true
			logger.Error("transcoder executable not found; every file will fail until it is installed",
				slog.String("error", err.Error()))
		}
	case errors.As(err, &exitErr):
		out.Status = StatusToolFailed
		out.ExitCode = exitErr.Code
	default:
		out.Status = StatusUnexpectedFailure
	}

	if rmErr := os.Remove(staging); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		logger.Warn("removing staging file", slog.String("path", inv.paths.Format(staging)), slog.String("error", rmErr.Error()))
	}
	return out
}

// FFmpegTools resolves the real ffmpeg and ffprobe binaries for every file.
type FFmpegTools struct {
	toolchain       *ffmpeg.Toolchain
	cfg             config.FFmpegConfig
	monitorInterval time.Duration
}

// NewFFmpegTools creates Tools backed by the ffmpeg executables.
func NewFFmpegTools(cfg config.FFmpegConfig, monitorInterval time.Duration) *FFmpegTools {
	return &FFmpegTools{
		toolchain:       ffmpeg.NewToolchain(cfg.BinaryPath, cfg.ProbePath),
		cfg:             cfg,
		monitorInterval: monitorInterval,
	}
}

// Toolchain returns the underlying binary lookup.
func (t *FFmpegTools) Toolchain() *ffmpeg.Toolchain {
	return t.toolchain
}

// Prober implements Tools.
func (t *FFmpegTools) Prober() (Prober, error) {
	path, err := t.toolchain.FFprobe()
	if err != nil {
		return nil, err
	}
	return ffmpeg.NewProber(path), nil
}

// Encoder implements Tools.
func (t *FFmpegTools) Encoder() (Encoder, error) {
	path, err := t.toolchain.FFmpeg()
	if err != nil {
		return nil, err
	}
	return &ffmpegEncoder{binary: path, cfg: t.cfg, monitorInterval: t.monitorInterval}, nil
}

type ffmpegEncoder struct {
	binary          string
	cfg             config.FFmpegConfig
	monitorInterval time.Duration
}

// Command builds the ffmpeg invocation for job.
func (e *ffmpegEncoder) Command(job Job) *ffmpeg.Command {
	cmd := ffmpeg.NewCommandBuilder(e.binary).
		HideBanner().
		LogLevel("warning").
		Stats().
		Overwrite().
		Input(job.Input).
		VideoFilter(job.Filter).
		VideoCodec(e.cfg.VideoCodec).
		VideoPreset(e.cfg.Preset).
		CRF(e.cfg.CRF).
		AudioCodec(e.cfg.AudioCodec).
		AudioBitrate(e.cfg.AudioBitrate).
		MovFlags(e.cfg.MovFlags).
		Output(job.Output).
		Build()
	cmd.MonitorInterval = e.monitorInterval
	return cmd
}

func (e *ffmpegEncoder) Encode(ctx context.Context, job Job, onLine func(string)) (*ffmpeg.ProcessStats, error) {
	cmd := e.Command(job)
	err := cmd.Run(ctx, onLine)
	return cmd.ProcessStats(), err
}
