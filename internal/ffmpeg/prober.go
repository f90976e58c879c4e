package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/optimarr/internal/util"
)

// ErrNoVideoStream is returned when the probed file has no video stream.
var ErrNoVideoStream = errors.New("no video stream")

// ErrUnknownFrameCount is returned when neither the container nor the stream timing gives a frame count.
var ErrUnknownFrameCount = errors.New("frame count unknown")

// ProbeResult contains the ffprobe output.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	Filename   string `json:"filename,omitempty"`
	NumStreams int    `json:"nb_streams,omitempty"`
	FormatName string `json:"format_name,omitempty"`
	Duration   string `json:"duration,omitempty"`
	Size       string `json:"size,omitempty"`
	BitRate    string `json:"bit_rate,omitempty"`
}

// ProbeStream contains stream information.
type ProbeStream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name,omitempty"`
	CodecType    string `json:"codec_type,omitempty"` // video, audio, subtitle, data
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	PixFmt       string `json:"pix_fmt,omitempty"`
	RFrameRate   string `json:"r_frame_rate,omitempty"`
	AvgFrameRate string `json:"avg_frame_rate,omitempty"`
	Duration     string `json:"duration,omitempty"`
	BitRate      string `json:"bit_rate,omitempty"`
	NumFrames    string `json:"nb_frames,omitempty"`
}

// Prober handles ffprobe operations.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber creates a new prober.
func NewProber(ffprobePath string) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Probe returns format and stream information for every stream in path.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	return p.run(ctx, path, "-show_format", "-show_streams")
}

// FrameCount returns the number of frames in the first video stream. The container's
// nb_frames is used when present; otherwise the count is estimated from duration and
// average frame rate.
func (p *Prober) FrameCount(ctx context.Context, path string) (int64, error) {
	result, err := p.run(ctx, path,
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_type,nb_frames,avg_frame_rate,r_frame_rate,duration:format=duration",
	)
	if err != nil {
		return 0, err
	}
	return result.FrameCount()
}

// Resolution returns the width and height of the first video stream.
func (p *Prober) Resolution(ctx context.Context, path string) (width, height int, err error) {
	result, err := p.run(ctx, path,
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_type,width,height",
	)
	if err != nil {
		return 0, 0, err
	}
	s := result.GetVideoStream()
	if s == nil || s.Width <= 0 || s.Height <= 0 {
		return 0, 0, ErrNoVideoStream
	}
	return s.Width, s.Height, nil
}

func (p *Prober) run(ctx context.Context, path string, query ...string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{"-v", "error", "-print_format", "json"}
	args = append(args, query...)
	args = append(args, path)

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("probe timeout after %v", p.timeout)
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", util.ErrBinaryNotFound, p.ffprobePath)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("ffprobe failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	return &result, nil
}

// GetVideoStream returns the first video stream from probe result.
func (r *ProbeResult) GetVideoStream() *ProbeStream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == "video" || (r.Streams[i].CodecType == "" && r.Streams[i].Height > 0) {
			return &r.Streams[i]
		}
	}
	return nil
}

// FrameCount returns nb_frames of the first video stream, or an estimate from duration
// and frame rate when the container does not record it.
func (r *ProbeResult) FrameCount() (int64, error) {
	s := r.GetVideoStream()
	if s == nil {
		if len(r.Streams) == 0 {
			return 0, ErrNoVideoStream
		}
		s = &r.Streams[0]
	}

	if n, err := strconv.ParseInt(strings.TrimSpace(s.NumFrames), 10, 64); err == nil && n > 0 {
		return n, nil
	}

	duration := parseSeconds(s.Duration)
	if duration <= 0 {
		duration = parseSeconds(r.Format.Duration)
	}
	fps := s.Framerate()
	if duration > 0 && fps > 0 {
		return int64(math.Round(duration * fps)), nil
	}
	return 0, ErrUnknownFrameCount
}

// Duration returns the container duration.
func (r *ProbeResult) Duration() time.Duration {
	return time.Duration(parseSeconds(r.Format.Duration) * float64(time.Second))
}

// Framerate returns the framerate for a video stream.
func (s *ProbeStream) Framerate() float64 {
	if fr := parseFramerate(s.AvgFrameRate); fr > 0 {
		return fr
	}
	return parseFramerate(s.RFrameRate)
}

// parseFramerate parses a framerate string like "30000/1001" or "25/1".
func parseFramerate(fr string) float64 {
	parts := strings.Split(fr, "/")
	if len(parts) != 2 {
		if f, err := strconv.ParseFloat(fr, 64); err == nil {
			return f
		}
		return 0
	}

	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

func parseSeconds(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}
