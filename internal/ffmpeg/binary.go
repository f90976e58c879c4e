package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/jmylchreest/optimarr/internal/util"
)

var versionRe = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// BinaryInfo describes an ffmpeg installation.
type BinaryInfo struct {
	FFmpegPath   string   `json:"ffmpeg_path" yaml:"ffmpeg_path"`
	FFprobePath  string   `json:"ffprobe_path,omitempty" yaml:"ffprobe_path,omitempty"`
	Version      string   `json:"version" yaml:"version"`
	MajorVersion int      `json:"major_version" yaml:"major_version"`
	MinorVersion int      `json:"minor_version" yaml:"minor_version"`
	Encoders     []string `json:"encoders,omitempty" yaml:"-"`
}

// Toolchain locates the ffmpeg and ffprobe executables. Lookups are repeated on every
// call so a binary installed while the process runs is picked up by the next file.
type Toolchain struct {
	ffmpegPath  string
	ffprobePath string
}

// NewToolchain creates a toolchain. Empty paths fall back to the environment, the working
// directory and PATH.
func NewToolchain(ffmpegPath, ffprobePath string) *Toolchain {
	return &Toolchain{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// FFmpeg returns the path of the ffmpeg executable.
func (t *Toolchain) FFmpeg() (string, error) {
	return util.FindBinary(t.ffmpegPath, "ffmpeg", util.FFmpegEnvVar)
}

// FFprobe returns the path of the ffprobe executable.
func (t *Toolchain) FFprobe() (string, error) {
	return util.FindBinary(t.ffprobePath, "ffprobe", util.FFprobeEnvVar)
}

// Detect resolves both binaries and reads the ffmpeg version and encoder list. A missing
// ffprobe is not an error; FFprobePath is left empty.
func (t *Toolchain) Detect(ctx context.Context) (*BinaryInfo, error) {
	ffmpegPath, err := t.FFmpeg()
	if err != nil {
		return nil, err
	}
	info := &BinaryInfo{FFmpegPath: ffmpegPath}

	if ffprobePath, err := t.FFprobe(); err == nil {
		info.FFprobePath = ffprobePath
	}

	out, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	if err := info.parseVersion(string(out)); err != nil {
		return nil, err
	}

	out, err = exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders").Output()
	if err == nil {
		info.Encoders = parseEncoders(string(out))
	}

	return info, nil
}

// parseVersion reads a line like "ffmpeg version 6.0 Copyright..." or "ffmpeg version n6.0-2-g...".
func (info *BinaryInfo) parseVersion(output string) error {
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			break
		}
		info.Version = parts[2]
		if m := versionRe.FindStringSubmatch(parts[2]); len(m) >= 3 {
			info.MajorVersion, _ = strconv.Atoi(m[1])
			info.MinorVersion, _ = strconv.Atoi(m[2])
		}
		return nil
	}
	return fmt.Errorf("failed to parse ffmpeg version")
}

// parseEncoders reads the table printed by "ffmpeg -encoders":
//
//	V....D libx265              libx265 H.265 / HEVC (codec hevc)
func parseEncoders(output string) []string {
	var encoders []string
	inList := false

	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		line = strings.TrimLeft(line, " ")
		if len(line) < 8 || (line[0] != 'V' && line[0] != 'A' && line[0] != 'S') {
			continue
		}
		if fields := strings.Fields(line[6:]); len(fields) > 0 {
			encoders = append(encoders, fields[0])
		}
	}
	return encoders
}

// HasEncoder returns true if the encoder is available.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}
