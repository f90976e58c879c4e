package storage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/jmylchreest/optimarr/internal/observability"
)

// renameFunc is swapped in tests to simulate cross-device moves.
var renameFunc = os.Rename

// ErrRelocation matches every *RelocationError.
var ErrRelocation = errors.New("relocation failed")

// RelocationError reports a failed move between two paths.
type RelocationError struct {
	Src         string
	Dst         string
	CrossDevice bool
	Err         error
}

func (e *RelocationError) Error() string {
	if e.CrossDevice {
		return fmt.Sprintf("relocating %s to %s (cross-device copy): %v", e.Src, e.Dst, e.Err)
	}
	return fmt.Sprintf("relocating %s to %s: %v", e.Src, e.Dst, e.Err)
}

func (e *RelocationError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRelocation) match any relocation failure.
func (e *RelocationError) Is(target error) bool { return target == ErrRelocation }

// Relocate moves src to dst, creating missing parent directories. An existing regular file at
// dst is replaced; a directory at dst is an error. When src and dst are on different
// filesystems the file is copied next to dst and then renamed into place before src is removed.
func Relocate(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return &RelocationError{Src: src, Dst: dst, Err: err}
	}

	if fi, err := os.Lstat(dst); err == nil && fi.IsDir() {
		return &RelocationError{Src: src, Dst: dst, Err: errors.New("destination is a directory")}
	}

	err := renameFunc(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return &RelocationError{Src: src, Dst: dst, Err: err}
	}

	if err := copyAcross(src, dst); err != nil {
		return &RelocationError{Src: src, Dst: dst, CrossDevice: true, Err: err}
	}
	if err := os.Remove(src); err != nil {
		return &RelocationError{Src: src, Dst: dst, CrossDevice: true, Err: fmt.Errorf("removing source after copy: %w", err)}
	}
	return nil
}

func isCrossDevice(err error) bool {
	if errors.Is(err, syscall.EXDEV) {
		return true
	}
	var le *os.LinkError
	return errors.As(err, &le) && errors.Is(le.Err, syscall.EXDEV)
}

// copyAcross copies src into a temporary file beside dst and renames it into place.
func copyAcross(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chtimes(tmpName, info.ModTime(), info.ModTime()); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}

// Router moves files into the outcome trees of a Layout and logs each move.
type Router struct {
	layout *Layout
	logger *slog.Logger
	paths  observability.PathFormatter
}

// NewRouter creates a Router.
func NewRouter(layout *Layout, logger *slog.Logger, paths observability.PathFormatter) *Router {
	return &Router{layout: layout, logger: logger, paths: paths}
}

// Layout returns the layout the router moves files within.
func (r *Router) Layout() *Layout {
	return r.layout
}

// Route moves src to the mirrored location of rel in the outcome tree o and returns the
// destination path.
func (r *Router) Route(src string, o Outcome, rel string) (string, error) {
	dst := r.layout.DestinationPath(o, rel)
	if err := Relocate(src, dst); err != nil {
		return "", err
	}
	r.logger.Debug("file relocated",
		slog.String("outcome", o.String()),
		slog.String("from", r.paths.Format(src)),
		slog.String("to", r.paths.Format(dst)),
	)
	return dst, nil
}

// Discard removes path if it exists. A missing file is not an error.
func (r *Router) Discard(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path is present on disk.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
