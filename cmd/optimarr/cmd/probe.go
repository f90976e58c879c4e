package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmylchreest/optimarr/internal/ffmpeg"
	"github.com/jmylchreest/optimarr/internal/transcode"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe <file>",
	Short: "Show what optimarr would do with a video",
	Long: `Run ffprobe on a file and print its frame count, resolution and the scale
filter that would be applied when it is optimized with the current configuration.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path, err := ffmpeg.NewToolchain(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath).FFprobe()
	if err != nil {
		return err
	}
	prober := ffmpeg.NewProber(path)

	result, err := prober.Probe(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("probing %s: %w", args[0], err)
	}
	video := result.GetVideoStream()
	if video == nil {
		return fmt.Errorf("probing %s: %w", args[0], ffmpeg.ErrNoVideoStream)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "file\t%s\n", args[0])
	fmt.Fprintf(w, "container\t%s\n", result.Format.FormatName)
	fmt.Fprintf(w, "duration\t%s\n", result.Duration().Round(time.Second))
	if size, err := humanize.ParseBytes(result.Format.Size); err == nil {
		fmt.Fprintf(w, "size\t%s\n", humanize.Bytes(size))
	}
	fmt.Fprintf(w, "video codec\t%s\n", video.CodecName)
	fmt.Fprintf(w, "resolution\t%dx%d\n", video.Width, video.Height)
	fmt.Fprintf(w, "frame rate\t%.3f\n", video.Framerate())

	if frames, err := result.FrameCount(); err == nil {
		fmt.Fprintf(w, "frames\t%s\n", humanize.Comma(frames))
	} else {
		fmt.Fprintf(w, "frames\tunknown (%v)\n", err)
	}

	filter := transcode.ScaleFilter(video.Height, cfg.FFmpeg.MaxHeight)
	if filter == "" {
		fmt.Fprintf(w, "scale\tnone (max height %d)\n", cfg.FFmpeg.MaxHeight)
	} else {
		fmt.Fprintf(w, "scale\t%s\n", filter)
	}
	fmt.Fprintf(w, "encode\t%s preset=%s crf=%d, %s %s\n",
		cfg.FFmpeg.VideoCodec, cfg.FFmpeg.Preset, cfg.FFmpeg.CRF, cfg.FFmpeg.AudioCodec, cfg.FFmpeg.AudioBitrate)
	return w.Flush()
}
