// Package util provides shared utility functions.
package util

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Environment variables that point at the transcoder binaries.
const (
	FFmpegEnvVar  = "OPTIMARR_FFMPEG_BINARY"
	FFprobeEnvVar = "OPTIMARR_FFPROBE_BINARY"
)

// ErrBinaryNotFound is returned when no executable can be located for a tool.
var ErrBinaryNotFound = errors.New("binary not found")

// FindBinary searches for an executable binary by name.
// Search order:
//  1. configured (if non-empty)
//  2. Environment variable (if envVar is non-empty and set)
//  3. ./name (current directory)
//  4. name on PATH (via exec.LookPath)
//
// A configured path that is not executable is an error; it is never silently skipped.
func FindBinary(configured, name, envVar string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		if path, err := exec.LookPath(configured); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("%w: %s (configured as %q)", ErrBinaryNotFound, name, configured)
	}

	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	localPath := "./" + name
	if isExecutable(localPath) {
		return localPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
}

// isExecutable checks if a file exists and is executable by the current user.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
