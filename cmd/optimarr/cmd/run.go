package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmylchreest/optimarr/internal/config"
	"github.com/jmylchreest/optimarr/internal/journal"
	"github.com/jmylchreest/optimarr/internal/metrics"
	"github.com/jmylchreest/optimarr/internal/observability"
	"github.com/jmylchreest/optimarr/internal/pipeline"
	"github.com/jmylchreest/optimarr/internal/progress"
	"github.com/jmylchreest/optimarr/internal/startup"
	"github.com/jmylchreest/optimarr/internal/storage"
	"github.com/jmylchreest/optimarr/internal/transcode"
	"github.com/jmylchreest/optimarr/internal/version"
	"github.com/jmylchreest/optimarr/internal/watch"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// monitorInterval is the ffmpeg resource sampling period used at debug level.
const monitorInterval = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the source directory and optimize every video that appears",
	Long: `Scan the source directory, transcode each video found and sort the results
into the outcome directories. When the queue is empty the directory is polled again
after the poll interval. Stop with Ctrl-C or SIGTERM; the file being encoded is left
where it is and picked up again on the next start.`,
	RunE: runOptimizer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("source", "", "directory to watch for videos (overrides watch.source_root)")
	runCmd.Flags().Duration("poll-interval", 0, "idle time between scans (overrides watch.poll_interval)")
	runCmd.Flags().Bool("reverse", false, "process files in descending path order")
	runCmd.Flags().Bool("once", false, "process what is present, then exit")
	runCmd.Flags().Bool("no-progress", false, "disable terminal progress bars")
	runCmd.Flags().Bool("no-notify", false, "disable filesystem notifications and rely on polling only")
	runCmd.Flags().String("metrics-textfile", "", "write prometheus metrics to this file (overrides metrics.textfile)")
	runCmd.Flags().Bool("journal", false, "record every outcome in the journal database")

	mustBindPFlag("watch.source_root", runCmd, "source")
	mustBindPFlag("watch.poll_interval", runCmd, "poll-interval")
	mustBindPFlag("watch.reverse_order", runCmd, "reverse")
	mustBindPFlag("metrics.textfile", runCmd, "metrics-textfile")
	mustBindPFlag("journal.enabled", runCmd, "journal")
}

// mustBindPFlag binds a flag to a viper key. Viper only prefers a bound flag over
// config and env when the flag was set explicitly.
func mustBindPFlag(key string, cmd *cobra.Command, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", flag, err))
	}
}

func runOptimizer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if noProgress, _ := cmd.Flags().GetBool("no-progress"); noProgress {
		cfg.Progress.Enabled = false
	}
	if noNotify, _ := cmd.Flags().GetBool("no-notify"); noNotify {
		cfg.Watch.Notify = false
	}
	once, _ := cmd.Flags().GetBool("once")

	logger := slog.Default()
	logger.Info("starting optimarr",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("source_root", cfg.Watch.SourceRoot),
		slog.Duration("poll_interval", cfg.Watch.PollInterval),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	layout, err := storage.NewLayout(cfg)
	if err != nil {
		return err
	}
	if err := startup.Prepare(ctx, layout, cfg.Startup, logger); err != nil {
		return err
	}

	paths := observability.NewPathFormatter(layout.SourceRoot(), cfg.Logging.ShortenPaths)
	router := storage.NewRouter(layout, logger, paths)

	tools := transcode.NewFFmpegTools(cfg.FFmpeg, resourceMonitorInterval(logger))
	detectToolchain(ctx, logger, tools, cfg.FFmpeg)

	bars := progress.New(cfg.Progress.Enabled, os.Stderr)
	invoker := transcode.NewInvoker(tools, cfg.FFmpeg.MaxHeight, logger, paths, bars)
	processor := pipeline.NewProcessor(router, invoker, logger, paths)
	scanner := pipeline.NewScanner(layout, cfg.Watch.ReverseOrder, logger)

	m := metrics.New(cfg.Metrics.Textfile, logger)
	observers := []pipeline.Observer{m}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				logger.Warn("closing journal", slog.String("error", err.Error()))
			}
		}()
		observers = append(observers, j)
	}

	opts := []pipeline.LoopOption{
		pipeline.WithObservers(observers...),
		pipeline.WithProgress(bars),
	}
	if cfg.Watch.Notify && !once {
		notifier, err := watch.New(layout, watch.DefaultSettle, logger)
		if err != nil {
			logger.Warn("filesystem notifications unavailable, polling only", slog.String("error", err.Error()))
		} else {
			defer func() { _ = notifier.Close() }()
			notifier.Start(ctx)
			opts = append(opts, pipeline.WithWaker(notifier))
		}
	}

	loop := pipeline.NewLoop(scanner, processor, cfg.Watch.PollInterval, logger, opts...)
	run := pipeline.NewRunContext()

	if once {
		err = loop.Drain(ctx, run)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	} else {
		err = loop.Run(ctx, run)
	}

	printSummary(cmd, run)
	return err
}

// resourceMonitorInterval enables ffmpeg CPU and memory sampling only when debug output is on.
func resourceMonitorInterval(logger *slog.Logger) time.Duration {
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		return monitorInterval
	}
	return 0
}

// detectToolchain reports the ffmpeg installation. Nothing here is fatal: a missing binary
// is reported per file so that installing it later recovers without a restart.
func detectToolchain(ctx context.Context, logger *slog.Logger, tools *transcode.FFmpegTools, cfg config.FFmpegConfig) {
	info, err := tools.Toolchain().Detect(ctx)
	if err != nil {
		logger.Warn("ffmpeg not available yet", slog.String("error", err.Error()))
		return
	}
	logger.Info("ffmpeg detected",
		slog.String("path", info.FFmpegPath),
		slog.String("version", info.Version),
		slog.String("ffprobe", info.FFprobePath),
	)
	if info.FFprobePath == "" {
		logger.Warn("ffprobe not found; progress totals and downscaling are disabled")
	}
	if len(info.Encoders) > 0 && !info.HasEncoder(cfg.VideoCodec) {
		logger.Warn("configured video encoder is not supported by this ffmpeg build",
			slog.String("video_codec", cfg.VideoCodec))
	}
}

func printSummary(cmd *cobra.Command, run *pipeline.RunContext) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s finished after %s\n", run.ID, time.Since(run.Started).Round(time.Second))
	fmt.Fprintf(out, "  kept:           %d\n", run.Tally.Kept)
	fmt.Fprintf(out, "  size regressed: %d\n", run.Tally.SizeRegressed)
	fmt.Fprintf(out, "  failed:         %d\n", run.Tally.Failed)
	fmt.Fprintf(out, "  skipped:        %d\n", run.Tally.Skipped)
	fmt.Fprintf(out, "  space saved:    %s\n", humanize.Bytes(uint64(max(run.BytesSaved, 0))))
}
