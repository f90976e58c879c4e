package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jmylchreest/optimarr/internal/storage"
)

// ErrOutputCollision is returned when the encode would replace an output that already exists.
var ErrOutputCollision = errors.New("output already exists")

// Resolver routes the original and the finished encode of one file.
type Resolver struct {
	router *storage.Router
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(router *storage.Router, logger *slog.Logger) *Resolver {
	return &Resolver{router: router, logger: logger}
}

// Resolve promotes staging into the output tree and decides between kept and size-regressed.
// res carries the source, relative path and encode details and is completed in place.
func (r *Resolver) Resolve(staging string, res Result) Result {
	if res.Destinations == nil {
		res.Destinations = make(map[storage.Outcome]string)
	}

	originalSize, err := fileSize(res.Source)
	if err != nil {
		return r.Fail(res, KindUnexpectedFailure, fmt.Errorf("reading original size: %w", err), staging)
	}
	outputSize, err := fileSize(staging)
	if err != nil {
		return r.Fail(res, KindUnexpectedFailure, fmt.Errorf("reading output size: %w", err), staging)
	}
	res.OriginalSize = originalSize
	res.OutputSize = outputSize
	regressed := originalSize < outputSize

	// Sources that differ only by extension share one output name.
	targets := []storage.Outcome{storage.OutcomeOutput}
	if regressed {
		targets = append(targets, storage.OutcomeOptimizedBad)
	}
	for _, o := range targets {
		if dst := r.router.Layout().DestinationPath(o, res.Rel); storage.Exists(dst) {
			return r.Fail(res, KindUnexpectedFailure, fmt.Errorf("%w: %s", ErrOutputCollision, dst), staging)
		}
	}

	output, err := r.router.Route(staging, storage.OutcomeOutput, res.Rel)
	if err != nil {
		return r.Fail(res, KindUnexpectedFailure, fmt.Errorf("promoting output: %w", err), staging)
	}

	if regressed {
		return r.regressed(res, output)
	}

	done, err := r.router.Route(res.Source, storage.OutcomeDone, res.Rel)
	if err != nil {
		return r.Fail(res, KindUnexpectedFailure, fmt.Errorf("moving original to done: %w", err), output)
	}
	res.Destinations[storage.OutcomeOutput] = output
	res.Destinations[storage.OutcomeDone] = done
	res.Kind = KindKept
	return res
}

func (r *Resolver) regressed(res Result, output string) Result {
	r.logger.Warn("encoded file is larger than the original",
		slog.String("original_size", humanize.Bytes(uint64(res.OriginalSize))), //nolint:gosec // sizes are non-negative
		slog.String("output_size", humanize.Bytes(uint64(res.OutputSize))),     //nolint:gosec // sizes are non-negative
	)

	bad, err := r.router.Route(output, storage.OutcomeOptimizedBad, res.Rel)
	if err != nil {
		return r.Fail(res, KindUnexpectedFailure, fmt.Errorf("moving output to optimized-bad: %w", err), output)
	}
	res.Destinations[storage.OutcomeOptimizedBad] = bad

	original, err := r.router.Route(res.Source, storage.OutcomeOptimizedOriginal, res.Rel)
	if err != nil {
		r.logger.Error("size-regressed routing left partially applied",
			slog.String("output_moved_to", bad),
			slog.String("original_left_at", res.Source),
			slog.String("error", err.Error()),
		)
		return r.Fail(res, KindUnexpectedFailure, fmt.Errorf("moving original to optimized-original: %w", err), "")
	}
	res.Destinations[storage.OutcomeOptimizedOriginal] = original
	res.Kind = KindSizeRegressed
	return res
}

// Fail discards leftover, routes the original to errored when it still exists, and returns
// res with the failure recorded. A failure to route the original is joined into the error.
func (r *Resolver) Fail(res Result, kind Kind, cause error, leftover string) Result {
	res.Kind = kind
	res.Err = cause
	if res.Destinations == nil {
		res.Destinations = make(map[storage.Outcome]string)
	}

	if leftover != "" {
		if err := r.router.Discard(leftover); err != nil {
			r.logger.Warn("discarding partial output", slog.String("error", err.Error()))
		}
	}

	if !storage.Exists(res.Source) {
		return res
	}
	errored, err := r.router.Route(res.Source, storage.OutcomeErrored, res.Rel)
	if err != nil {
		res.Kind = KindUnexpectedFailure
		res.Err = errors.Join(cause, fmt.Errorf("moving original to errored: %w", err))
		return res
	}
	res.Destinations[storage.OutcomeErrored] = errored
	return res
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
