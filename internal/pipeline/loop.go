package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jmylchreest/optimarr/internal/observability"
	"github.com/jmylchreest/optimarr/internal/progress"
	"github.com/oklog/ulid/v2"
)

// FileProcessor takes one candidate to a terminal state. *Processor satisfies it.
type FileProcessor interface {
	Process(ctx context.Context, c Candidate) (Result, error)
}

// Observer is told about every terminal decision, after the counters are updated.
type Observer interface {
	Observe(ctx context.Context, run *RunContext, res Result)
}

// ScanObserver is implemented by observers that also want to know about every scan.
type ScanObserver interface {
	ObserveScan(run *RunContext, found int, at time.Time)
}

// Waker cuts the idle sleep short when new files may have arrived.
type Waker interface {
	C() <-chan struct{}
}

// RunContext is the state of one run: its id, counters, processed set and queue.
// It is owned by the goroutine running the Loop.
type RunContext struct {
	ID         string
	Started    time.Time
	Tally      Tally
	BytesSaved int64

	processed map[string]struct{}
	queued    map[string]struct{}
	queue     []Candidate
}

// NewRunContext creates an empty run with a fresh id.
func NewRunContext() *RunContext {
	return &RunContext{
		ID:        ulid.Make().String(),
		Started:   time.Now(),
		processed: make(map[string]struct{}),
		queued:    make(map[string]struct{}),
	}
}

// Known reports whether key was already processed or is waiting in the queue.
func (r *RunContext) Known(key string) bool {
	if _, ok := r.processed[key]; ok {
		return true
	}
	_, ok := r.queued[key]
	return ok
}

// Processed reports whether key reached a terminal state in this run.
func (r *RunContext) Processed(key string) bool {
	_, ok := r.processed[key]
	return ok
}

// Enqueue appends every candidate not yet known and returns how many were added.
func (r *RunContext) Enqueue(candidates []Candidate) int {
	added := 0
	for _, c := range candidates {
		key := c.Key()
		if r.Known(key) {
			continue
		}
		r.queued[key] = struct{}{}
		r.queue = append(r.queue, c)
		added++
	}
	return added
}

// Next pops the head of the queue. The candidate stays known until Complete.
func (r *RunContext) Next() (Candidate, bool) {
	if len(r.queue) == 0 {
		return Candidate{}, false
	}
	c := r.queue[0]
	r.queue = r.queue[1:]
	return c, true
}

// Pending returns the number of queued candidates.
func (r *RunContext) Pending() int {
	return len(r.queue)
}

// Complete records the terminal result of c. It returns false, and counts nothing, when c
// was already completed.
func (r *RunContext) Complete(c Candidate, res Result) bool {
	key := c.Key()
	if _, ok := r.processed[key]; ok {
		return false
	}
	delete(r.queued, key)
	r.processed[key] = struct{}{}
	r.Tally.Add(res)
	r.BytesSaved += res.Saved()
	return true
}

// Loop discovers files and processes them one at a time until its context ends.
type Loop struct {
	scanner   *Scanner
	processor FileProcessor
	interval  time.Duration
	waker     Waker
	observers []Observer
	bars      *progress.Reporter
	logger    *slog.Logger
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithWaker sets the idle wakeup source.
func WithWaker(w Waker) LoopOption {
	return func(l *Loop) { l.waker = w }
}

// WithObservers adds observers.
func WithObservers(obs ...Observer) LoopOption {
	return func(l *Loop) { l.observers = append(l.observers, obs...) }
}

// WithProgress sets the progress reporter for the batch bar.
func WithProgress(r *progress.Reporter) LoopOption {
	return func(l *Loop) { l.bars = r }
}

// NewLoop creates a Loop that sleeps interval between empty scans.
func NewLoop(scanner *Scanner, processor FileProcessor, interval time.Duration, logger *slog.Logger, opts ...LoopOption) *Loop {
	l := &Loop{
		scanner:   scanner,
		processor: processor,
		interval:  interval,
		bars:      progress.Disabled(),
		logger:    observability.WithComponent(logger, "loop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run scans and processes until ctx is cancelled. Per-file failures never end the loop.
// Cancellation is a normal shutdown and returns nil.
func (l *Loop) Run(ctx context.Context, run *RunContext) error {
	logger := observability.WithRunID(l.logger, run.ID)
	logger.Info("watching for files",
		slog.String("root", l.scanner.layout.SourceRoot()),
		slog.Duration("poll_interval", l.interval),
	)

	for {
		if err := l.Drain(ctx, run); err != nil {
			if errors.Is(err, ctx.Err()) {
				logger.Info("shutting down", slog.String("tally", run.Tally.String()))
				return nil
			}
			return err
		}
		if !l.sleep(ctx) {
			logger.Info("shutting down", slog.String("tally", run.Tally.String()))
			return nil
		}
	}
}

// Drain scans once and processes the queue, rescanning after every file so new arrivals
// join the current batch. It returns when a rescan finds nothing left to do, or with
// ctx.Err() when the run is shutting down.
func (l *Loop) Drain(ctx context.Context, run *RunContext) error {
	logger := observability.WithRunID(l.logger, run.ID)

	l.scan(run, logger)
	if run.Pending() == 0 {
		return nil
	}

	batch := l.bars.Batch(int64(run.Pending()))
	defer batch.Finish()
	handled := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c, ok := run.Next()
		if !ok {
			return nil
		}

		res, err := l.processor.Process(ctx, c)
		if err != nil {
			return err
		}

		if run.Complete(c, res) {
			for _, obs := range l.observers {
				obs.Observe(ctx, run, res)
			}
		}
		handled++
		batch.Add(1)

		if added := l.scan(run, logger); added > 0 {
			batch.SetTotal(int64(handled + run.Pending()))
			logger.Info("new files queued", slog.Int("added", added), slog.Int("pending", run.Pending()))
		}

		logger.Debug("progress",
			slog.Int("kept", run.Tally.Kept),
			slog.Int("size_regressed", run.Tally.SizeRegressed),
			slog.Int("failed", run.Tally.Failed),
			slog.Int("skipped", run.Tally.Skipped),
			slog.Int("pending", run.Pending()),
		)
	}
}

// scan enqueues new candidates. Scan failures are logged and retried on the next pass.
func (l *Loop) scan(run *RunContext, logger *slog.Logger) int {
	found, err := l.scanner.Scan(run.Known)
	now := time.Now()
	if err != nil {
		logger.Error("scan failed", slog.String("error", err.Error()))
		return 0
	}

	added := run.Enqueue(found)
	for _, obs := range l.observers {
		if so, ok := obs.(ScanObserver); ok {
			so.ObserveScan(run, added, now)
		}
	}
	return added
}

// sleep waits one poll interval, or less when the waker fires. It returns false once ctx is done.
func (l *Loop) sleep(ctx context.Context) bool {
	timer := time.NewTimer(l.interval)
	defer timer.Stop()

	var wake <-chan struct{}
	if l.waker != nil {
		wake = l.waker.C()
	}

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-wake:
		l.logger.Debug("woken by filesystem event")
	}
	return true
}
