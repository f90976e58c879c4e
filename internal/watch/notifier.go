// Package watch turns filesystem events under the watched root into wakeups for the discovery loop.
// Events only shorten the idle sleep; the periodic scan still decides what gets processed.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jmylchreest/optimarr/internal/observability"
	"github.com/jmylchreest/optimarr/internal/storage"
)

// DefaultSettle is how long the tree must be quiet before a wakeup is sent.
const DefaultSettle = 2 * time.Second

// Notifier watches the watched root and every subdirectory outside the outcome trees.
type Notifier struct {
	watcher *fsnotify.Watcher
	layout  *storage.Layout
	settle  time.Duration
	logger  *slog.Logger

	wake chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Notifier and registers the existing directory tree.
func New(layout *storage.Layout, settle time.Duration, logger *slog.Logger) (*Notifier, error) {
	if settle <= 0 {
		settle = DefaultSettle
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	n := &Notifier{
		watcher: w,
		layout:  layout,
		settle:  settle,
		logger:  observability.WithComponent(logger, "watch"),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if err := n.addTree(layout.SourceRoot()); err != nil {
		_ = w.Close()
		return nil, err
	}
	return n, nil
}

// C delivers at most one pending wakeup.
func (n *Notifier) C() <-chan struct{} {
	return n.wake
}

// Start consumes events until ctx is done or Close is called.
func (n *Notifier) Start(ctx context.Context) {
	go n.run(ctx)
}

// Close stops watching.
func (n *Notifier) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		err = n.watcher.Close()
	})
	return err
}

func (n *Notifier) run(ctx context.Context) {
	timer := time.NewTimer(n.settle)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.done:
			return
		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if n.handle(event) {
				timer.Reset(n.settle)
			}
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.logger.Warn("watch error", slog.String("error", err.Error()))
		case <-timer.C:
			select {
			case n.wake <- struct{}{}:
			default:
			}
		}
	}
}

// handle registers new directories and reports whether the event is worth a wakeup.
func (n *Notifier) handle(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return false
	}
	if n.layout.IsOutcomeDirName(filepath.Base(event.Name)) {
		return false
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := n.addTree(event.Name); err != nil {
				n.logger.Warn("watching new directory", slog.String("path", event.Name), slog.String("error", err.Error()))
			}
			return true
		}
	}
	return event.Has(fsnotify.Rename) || n.layout.IsVideoFile(event.Name)
}

// addTree watches dir and its subdirectories, skipping outcome trees.
func (n *Notifier) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			n.logger.Debug("skipping unreadable path", slog.String("path", path), slog.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && n.layout.IsOutcomeDirName(d.Name()) {
			return filepath.SkipDir
		}
		if err := n.watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}
