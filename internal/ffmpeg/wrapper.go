// Package ffmpeg builds and runs ffmpeg and ffprobe invocations for file-to-file encodes.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/optimarr/internal/util"
)

// maxTailLines is the number of output lines kept for error reports.
const maxTailLines = 20

// ExitError reports an ffmpeg run that ended with a nonzero status.
type ExitError struct {
	Code int
	Tail []string
}

func (e *ExitError) Error() string {
	if len(e.Tail) > 0 {
		return fmt.Sprintf("ffmpeg exited with status %d: %s", e.Code, e.Tail[len(e.Tail)-1])
	}
	return fmt.Sprintf("ffmpeg exited with status %d", e.Code)
}

// Command represents an FFmpeg command to execute.
type Command struct {
	Binary string
	Args   []string
	Input  string
	Output string

	// MonitorInterval enables process sampling while the command runs. Zero disables it.
	MonitorInterval time.Duration

	mu      sync.RWMutex
	cmd     *exec.Cmd
	monitor *ProcessMonitor

	tailMu sync.RWMutex
	tail   []string
}

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	input      string
	filterArgs []string
	outputArgs []string
	output     string
	logLevel   string
	overwrite  bool
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "warning",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Stats enables progress stats output.
func (b *CommandBuilder) Stats() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-stats")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Input sets the input file.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// VideoPreset sets the encoding preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	if preset != "" {
		b.outputArgs = append(b.outputArgs, "-preset", preset)
	}
	return b
}

// CRF sets the constant rate factor.
func (b *CommandBuilder) CRF(crf int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-crf", strconv.Itoa(crf))
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// AudioBitrate sets the audio bitrate.
func (b *CommandBuilder) AudioBitrate(bitrate string) *CommandBuilder {
	if bitrate != "" {
		b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	}
	return b
}

// MovFlags sets the mp4 muxer flags, e.g. "+faststart".
func (b *CommandBuilder) MovFlags(flags string) *CommandBuilder {
	if flags != "" {
		b.outputArgs = append(b.outputArgs, "-movflags", flags)
	}
	return b
}

// VideoFilter adds a video filter. Filters are joined into one -vf chain.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	if filter != "" {
		b.filterArgs = append(b.filterArgs, filter)
	}
	return b
}

// Output sets the output file.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, b.globalArgs...)
	args = append(args, "-loglevel", b.logLevel)
	if b.overwrite {
		args = append(args, "-y")
	}

	args = append(args, "-i", b.input)

	if len(b.filterArgs) > 0 {
		args = append(args, "-vf", strings.Join(b.filterArgs, ","))
	}

	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary: b.binary,
		Args:   args,
		Input:  b.input,
		Output: b.output,
	}
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Run executes the command, calling onLine for every non-empty line of its combined
// stdout and stderr, and waits for it to exit. Progress lines terminated by a carriage
// return are delivered as separate lines.
//
// A missing executable yields an error wrapping util.ErrBinaryNotFound; a nonzero exit
// yields *ExitError; cancellation of ctx kills the process and returns ctx.Err().
func (c *Command) Run(ctx context.Context, onLine func(string)) error {
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating output pipe: %w", err)
	}

	c.mu.Lock()
	c.cmd = exec.CommandContext(ctx, c.Binary, c.Args...)
	c.cmd.Stdout = pw
	c.cmd.Stderr = pw
	c.cmd.WaitDelay = 5 * time.Second
	cmd := c.cmd
	c.mu.Unlock()

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s: %v", util.ErrBinaryNotFound, c.Binary, err)
		}
		return fmt.Errorf("starting ffmpeg: %w", err)
	}
	// The child holds its own copy of the write end; closing ours lets the reader see EOF.
	_ = pw.Close()

	c.startMonitor(cmd.Process.Pid)
	defer c.stopMonitor()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLinesOrReturns)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.remember(line)
		if onLine != nil {
			onLine(line)
		}
	}
	scanErr := scanner.Err()
	_ = pr.Close()

	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &ExitError{Code: exitErr.ExitCode(), Tail: c.Tail()}
		}
		return fmt.Errorf("waiting for ffmpeg: %w", waitErr)
	}
	if scanErr != nil {
		return fmt.Errorf("reading ffmpeg output: %w", scanErr)
	}
	return nil
}

// scanLinesOrReturns is bufio.ScanLines that also splits on a bare carriage return,
// which ffmpeg uses to redraw its -stats line.
func scanLinesOrReturns(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// remember stores a line in the bounded tail buffer.
func (c *Command) remember(line string) {
	c.tailMu.Lock()
	defer c.tailMu.Unlock()
	if len(c.tail) >= maxTailLines {
		c.tail = c.tail[1:]
	}
	c.tail = append(c.tail, line)
}

// Tail returns the most recent output lines.
func (c *Command) Tail() []string {
	c.tailMu.RLock()
	defer c.tailMu.RUnlock()
	lines := make([]string, len(c.tail))
	copy(lines, c.tail)
	return lines
}

func (c *Command) startMonitor(pid int) {
	if c.MonitorInterval <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitor = NewProcessMonitor(pid, c.MonitorInterval)
	c.monitor.Start()
}

func (c *Command) stopMonitor() {
	c.mu.RLock()
	monitor := c.monitor
	c.mu.RUnlock()

	if monitor != nil {
		monitor.Stop()
	}
}

// ProcessStats returns the latest process statistics, or nil when monitoring is disabled.
func (c *Command) ProcessStats() *ProcessStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.monitor == nil {
		return nil
	}
	stats := c.monitor.Stats()
	return &stats
}
