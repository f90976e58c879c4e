// Package pipeline drives files from the watched root through the transcoder and into
// their outcome trees.
//
// The package is organized as:
//   - Scanner: finds candidate files under the watched root
//   - Processor: runs one candidate through the transcoder and the Resolver
//   - Resolver: routes a finished encode by comparing sizes
//   - Loop: the long running discover/process cycle with its RunContext
package pipeline

import (
	"fmt"
	"time"

	"github.com/jmylchreest/optimarr/internal/storage"
)

// Kind is the terminal state of one file.
type Kind int

// Terminal states.
const (
	KindKept Kind = iota
	KindSizeRegressed
	KindToolFailed
	KindToolMissing
	KindUnexpectedFailure
	KindSkipped
	KindPathError
)

// AllKinds lists every terminal state.
var AllKinds = []Kind{
	KindKept,
	KindSizeRegressed,
	KindToolFailed,
	KindToolMissing,
	KindUnexpectedFailure,
	KindSkipped,
	KindPathError,
}

func (k Kind) String() string {
	switch k {
	case KindKept:
		return "kept"
	case KindSizeRegressed:
		return "size-regressed"
	case KindToolFailed:
		return "tool-failed"
	case KindToolMissing:
		return "tool-missing"
	case KindUnexpectedFailure:
		return "unexpected-failure"
	case KindSkipped:
		return "skipped"
	case KindPathError:
		return "path-error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Bucket is one of the four running counters.
type Bucket int

// Counter buckets.
const (
	BucketKept Bucket = iota
	BucketSizeRegressed
	BucketFailed
	BucketSkipped
)

func (b Bucket) String() string {
	switch b {
	case BucketKept:
		return "kept"
	case BucketSizeRegressed:
		return "size_regressed"
	case BucketFailed:
		return "failed"
	case BucketSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("bucket(%d)", int(b))
	}
}

// Bucket maps a terminal state onto its counter.
func (k Kind) Bucket() Bucket {
	switch k {
	case KindKept:
		return BucketKept
	case KindSizeRegressed:
		return BucketSizeRegressed
	case KindToolFailed, KindToolMissing, KindUnexpectedFailure, KindPathError:
		return BucketFailed
	case KindSkipped:
		return BucketSkipped
	default:
		panic(fmt.Sprintf("pipeline: unknown result kind %d", int(k)))
	}
}

// Candidate is a file found under the watched root.
type Candidate struct {
	Path string // absolute
	Rel  string // relative to the watched root, empty when it could not be computed
}

// Key identifies the candidate in the processed and queued sets.
func (c Candidate) Key() string {
	if c.Rel != "" {
		return c.Rel
	}
	return c.Path
}

// Result is the terminal decision for one file.
type Result struct {
	Kind         Kind
	Source       string // absolute path the file was found at
	Rel          string
	Destinations map[storage.Outcome]string // where each artifact ended up
	OriginalSize int64
	OutputSize   int64
	ExitCode     int
	Frames       int64
	Elapsed      time.Duration
	Err          error
}

// Reason returns the failure reason, or "" for successful and skipped results.
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Saved returns the bytes saved by a kept encode. Other kinds save nothing.
func (r Result) Saved() int64 {
	if r.Kind != KindKept {
		return 0
	}
	return r.OriginalSize - r.OutputSize
}

// Tally holds the running counters of a run.
type Tally struct {
	Kept          int
	SizeRegressed int
	Failed        int
	Skipped       int
}

// Add counts one result.
func (t *Tally) Add(r Result) {
	switch r.Kind.Bucket() {
	case BucketKept:
		t.Kept++
	case BucketSizeRegressed:
		t.SizeRegressed++
	case BucketFailed:
		t.Failed++
	case BucketSkipped:
		t.Skipped++
	}
}

// Total returns the number of files that reached a terminal state.
func (t Tally) Total() int {
	return t.Kept + t.SizeRegressed + t.Failed + t.Skipped
}

func (t Tally) String() string {
	return fmt.Sprintf("kept=%d size_regressed=%d failed=%d skipped=%d", t.Kept, t.SizeRegressed, t.Failed, t.Skipped)
}
