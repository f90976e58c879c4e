// Package progress renders terminal progress bars for the batch and for the file being encoded.
// Consumers only set totals and advance counters; rendering is skipped when stderr is not a terminal.
package progress

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/term"
	pb "gopkg.in/cheggaaa/pb.v1"
)

// Bar receives progress signals. A total of zero means the total is unknown.
type Bar interface {
	SetTotal(total int64)
	Add(n int64)
	Finish()
}

// Reporter creates bars. While a batch bar is open, file bars join its pool so that both
// are redrawn together on separate lines.
type Reporter struct {
	enabled bool
	out     io.Writer

	mu   sync.Mutex
	pool *pb.Pool
}

// New returns a Reporter that draws on out when enabled is true and out is a terminal.
func New(enabled bool, out *os.File) *Reporter {
	return &Reporter{
		enabled: enabled && out != nil && term.IsTerminal(int(out.Fd())), //nolint:gosec // fd fits in int
		out:     out,
	}
}

// NewWithWriter returns a Reporter that always draws on w. Used by tests.
func NewWithWriter(w io.Writer) *Reporter {
	return &Reporter{enabled: true, out: w}
}

// Disabled returns a Reporter whose bars do nothing.
func Disabled() *Reporter {
	return &Reporter{}
}

// Enabled reports whether bars are drawn.
func (r *Reporter) Enabled() bool {
	return r != nil && r.enabled
}

// Batch starts the bar counting files of the current queue. Finishing it closes the pool.
func (r *Reporter) Batch(total int64) Bar {
	if !r.Enabled() {
		return nopBar{}
	}
	bar := newBar("files ", total, false)
	pool := pb.NewPool(bar)
	pool.Output = r.out
	if err := pool.Start(); err != nil {
		return r.standalone("files ", total, false)
	}

	r.mu.Lock()
	r.pool = pool
	r.mu.Unlock()
	return &pbBar{bar: bar, done: func() { r.closePool(pool) }}
}

// File starts the bar counting frames of one encode.
func (r *Reporter) File(name string, total int64) Bar {
	if !r.Enabled() {
		return nopBar{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool == nil {
		return r.standalone(name+" ", total, true)
	}
	bar := newBar(name+" ", total, true)
	r.pool.Add(bar)
	return &pbBar{bar: bar}
}

func (r *Reporter) closePool(pool *pb.Pool) {
	r.mu.Lock()
	if r.pool == pool {
		r.pool = nil
	}
	r.mu.Unlock()
	_ = pool.Stop()
}

func (r *Reporter) standalone(prefix string, total int64, speed bool) Bar {
	bar := newBar(prefix, total, speed)
	bar.Output = r.out
	return &pbBar{bar: bar.Start()}
}

// newBar configures a bar that is not yet started. Display flags are only written here:
// once started they are read by the refresher.
func newBar(prefix string, total int64, speed bool) *pb.ProgressBar {
	bar := pb.New64(total)
	bar.ShowSpeed = speed
	bar.ShowTimeLeft = total > 0
	bar.ShowPercent = total > 0
	bar.Prefix(prefix)
	return bar
}

type pbBar struct {
	bar      *pb.ProgressBar
	done     func()
	finished atomic.Bool
}

func (b *pbBar) SetTotal(total int64) {
	b.bar.SetTotal64(total)
}

func (b *pbBar) Add(n int64) {
	if n != 0 {
		b.bar.Add64(n)
	}
}

func (b *pbBar) Finish() {
	if b.finished.CompareAndSwap(false, true) {
		b.bar.Finish()
		if b.done != nil {
			b.done()
		}
	}
}

type nopBar struct{}

func (nopBar) SetTotal(int64) {}
func (nopBar) Add(int64)      {}
func (nopBar) Finish()        {}

// Counter is a Bar that only records what it was told. It renders nothing.
type Counter struct {
	total    atomic.Int64
	current  atomic.Int64
	finished atomic.Bool
}

func (c *Counter) SetTotal(total int64) { c.total.Store(total) }
func (c *Counter) Add(n int64)          { c.current.Add(n) }
func (c *Counter) Finish()              { c.finished.Store(true) }

// Total returns the last total set.
func (c *Counter) Total() int64 { return c.total.Load() }

// Current returns the sum of all advances.
func (c *Counter) Current() int64 { return c.current.Load() }

// Finished reports whether Finish was called.
func (c *Counter) Finished() bool { return c.finished.Load() }
