package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/optimarr/internal/observability"
	"github.com/jmylchreest/optimarr/internal/storage"
	"github.com/jmylchreest/optimarr/internal/transcode"
)

// Transcoder encodes input into staging. *transcode.Invoker satisfies it.
type Transcoder interface {
	Invoke(ctx context.Context, input, staging string) transcode.Outcome
}

// Processor runs one candidate through the transcoder and routes it.
type Processor struct {
	layout     *storage.Layout
	transcoder Transcoder
	resolver   *Resolver
	logger     *slog.Logger
	paths      observability.PathFormatter
}

// NewProcessor creates a Processor.
func NewProcessor(router *storage.Router, transcoder Transcoder, logger *slog.Logger, paths observability.PathFormatter) *Processor {
	logger = observability.WithComponent(logger, "pipeline")
	return &Processor{
		layout:     router.Layout(),
		transcoder: transcoder,
		resolver:   NewResolver(router, logger),
		logger:     logger,
		paths:      paths,
	}
}

// Process takes c to a terminal state and logs the decision. The only error returned is
// ctx.Err() when the run is shutting down; the file is then left where it was found and no
// result is produced.
func (p *Processor) Process(ctx context.Context, c Candidate) (Result, error) {
	res := Result{Source: c.Path, Rel: c.Rel}

	if c.Rel == "" {
		rel, err := p.layout.RelativeIdentity(c.Path)
		if err != nil {
			res.Kind = KindPathError
			res.Err = err
			p.report(res)
			return res, nil
		}
		res.Rel = rel
	}

	logger := observability.WithFile(p.logger, p.paths.Format(res.Rel))

	if p.layout.IsInsideOutcomeTree(res.Rel) {
		res.Kind = KindSkipped
		p.report(res)
		return res, nil
	}
	if !storage.Exists(c.Path) {
		res.Kind = KindSkipped
		logger.Debug("file disappeared before processing")
		p.report(res)
		return res, nil
	}

	staging := p.layout.DestinationPath(storage.OutcomeInProgress, res.Rel)
	out := p.transcoder.Invoke(ctx, c.Path, staging)
	res.Frames = out.Frames
	res.Elapsed = out.Elapsed
	res.ExitCode = out.ExitCode

	if ctx.Err() != nil && out.Status != transcode.StatusSucceeded {
		logger.Info("encode interrupted by shutdown, leaving file in place")
		return Result{}, ctx.Err()
	}

	switch out.Status {
	case transcode.StatusSucceeded:
		res = p.resolver.Resolve(staging, res)
	case transcode.StatusToolFailed:
		res = p.resolver.Fail(res, KindToolFailed, out.Err, staging)
	case transcode.StatusToolMissing:
		res = p.resolver.Fail(res, KindToolMissing, out.Err, staging)
	default:
		err := out.Err
		if err == nil {
			err = fmt.Errorf("transcoder ended in state %s", out.Status)
		}
		res = p.resolver.Fail(res, KindUnexpectedFailure, err, staging)
	}

	p.report(res)
	return res, nil
}

// report writes the one log line every terminal decision gets.
func (p *Processor) report(res Result) {
	attrs := []any{
		slog.String("source", p.paths.Format(res.Source)),
		slog.String("decision", res.Kind.String()),
	}
	if res.Elapsed > 0 {
		attrs = append(attrs, slog.Duration("elapsed", res.Elapsed))
	}

	switch res.Kind {
	case KindKept:
		attrs = append(attrs, slog.Int64("saved_bytes", res.Saved()))
		p.logger.Info("file optimized", attrs...)
	case KindSizeRegressed:
		attrs = append(attrs, slog.Int64("original_size", res.OriginalSize), slog.Int64("output_size", res.OutputSize))
		p.logger.Warn("file kept as original, encode was larger", attrs...)
	case KindSkipped:
		p.logger.Info("file skipped", attrs...)
	case KindToolFailed:
		attrs = append(attrs, slog.Int("exit_code", res.ExitCode), slog.String("reason", res.Reason()))
		p.logger.Error("file failed", attrs...)
	case KindToolMissing, KindUnexpectedFailure, KindPathError:
		attrs = append(attrs, slog.String("reason", res.Reason()))
		if errors.Is(res.Err, storage.ErrRelocation) {
			attrs = append(attrs, slog.Bool("relocation", true))
		}
		p.logger.Error("file failed", attrs...)
	}
}
