// Package storage classifies paths under the watched root and relocates files between the
// watched root and the outcome trees. Every outcome tree mirrors the relative structure a file
// had under the watched root.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/optimarr/internal/config"
)

// ErrNotUnderRoot is returned when a path cannot be expressed relative to the watched root.
var ErrNotUnderRoot = errors.New("path is not under the watched root")

// Outcome identifies one of the managed trees a file can be routed to.
type Outcome int

// Managed trees.
const (
	// OutcomeOutput holds transcoded files that were kept.
	OutcomeOutput Outcome = iota
	// OutcomeInProgress holds staging files while the transcoder writes them.
	OutcomeInProgress
	// OutcomeDone holds originals whose transcoded counterpart was kept.
	OutcomeDone
	// OutcomeErrored holds originals that failed to transcode.
	OutcomeErrored
	// OutcomeOptimizedBad holds transcoded files that came out larger than their original.
	OutcomeOptimizedBad
	// OutcomeOptimizedOriginal holds the originals paired with OutcomeOptimizedBad.
	OutcomeOptimizedOriginal
)

// Artifact says which file of a pair an outcome tree receives.
type Artifact int

const (
	// ArtifactOriginal is the input file found under the watched root.
	ArtifactOriginal Artifact = iota
	// ArtifactOutput is the file produced by the transcoder.
	ArtifactOutput
)

// outcomeSpec describes an outcome tree.
type outcomeSpec struct {
	name     string
	artifact Artifact
}

// outcomes maps each outcome to its name and the artifact it stores.
var outcomes = map[Outcome]outcomeSpec{
	OutcomeOutput:            {name: "optimized", artifact: ArtifactOutput},
	OutcomeInProgress:        {name: "in-progress", artifact: ArtifactOutput},
	OutcomeDone:              {name: "done", artifact: ArtifactOriginal},
	OutcomeErrored:           {name: "errored", artifact: ArtifactOriginal},
	OutcomeOptimizedBad:      {name: "optimized-bad", artifact: ArtifactOutput},
	OutcomeOptimizedOriginal: {name: "optimized-original", artifact: ArtifactOriginal},
}

// AllOutcomes lists every outcome in a stable order.
var AllOutcomes = []Outcome{
	OutcomeOutput,
	OutcomeInProgress,
	OutcomeDone,
	OutcomeErrored,
	OutcomeOptimizedBad,
	OutcomeOptimizedOriginal,
}

// String returns the default directory name of the outcome.
func (o Outcome) String() string {
	if spec, ok := outcomes[o]; ok {
		return spec.name
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Artifact returns which file of the pair the outcome tree stores.
func (o Outcome) Artifact() Artifact {
	return outcomes[o].artifact
}

// Layout resolves the watched root, the outcome roots and the video classifier.
type Layout struct {
	sourceRoot string
	roots      map[Outcome]string
	names      map[string]Outcome
	extensions map[string]bool
	outputExt  string
}

// NewLayout builds a Layout from configuration. Roots are made absolute against the working directory.
func NewLayout(cfg *config.Config) (*Layout, error) {
	source, err := filepath.Abs(cfg.Watch.SourceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving source root: %w", err)
	}

	configured := map[Outcome]string{
		OutcomeOutput:            cfg.Layout.OutputRoot,
		OutcomeInProgress:        cfg.Layout.InProgressRoot,
		OutcomeDone:              cfg.Layout.DoneRoot,
		OutcomeErrored:           cfg.Layout.ErroredRoot,
		OutcomeOptimizedBad:      cfg.Layout.OptimizedBadRoot,
		OutcomeOptimizedOriginal: cfg.Layout.OptimizedOriginalRoot,
	}

	l := &Layout{
		sourceRoot: source,
		roots:      make(map[Outcome]string, len(configured)),
		names:      make(map[string]Outcome, len(configured)),
		extensions: make(map[string]bool, len(cfg.Watch.Extensions)),
		outputExt:  cfg.FFmpeg.OutputExtension,
	}

	for _, o := range AllOutcomes {
		root := configured[o]
		if root == "" {
			root = o.String()
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolving %s root: %w", o, err)
		}
		l.roots[o] = abs
		l.names[filepath.Base(abs)] = o
	}

	for _, ext := range cfg.Watch.Extensions {
		l.extensions[strings.ToLower(ext)] = true
	}

	return l, nil
}

// SourceRoot returns the absolute watched root.
func (l *Layout) SourceRoot() string {
	return l.sourceRoot
}

// Root returns the absolute root of an outcome tree.
func (l *Layout) Root(o Outcome) string {
	return l.roots[o]
}

// OutputExtension returns the extension every transcoded file carries.
func (l *Layout) OutputExtension() string {
	return l.outputExt
}

// IsVideoFile reports whether path has one of the configured video extensions, ignoring case.
func (l *Layout) IsVideoFile(path string) bool {
	return l.extensions[strings.ToLower(filepath.Ext(path))]
}

// IsOutcomeDirName reports whether a directory name is reserved for an outcome tree.
// Discovery never descends into such directories.
func (l *Layout) IsOutcomeDirName(name string) bool {
	_, ok := l.names[name]
	return ok
}

// IsInsideOutcomeTree reports whether the first segment of rel names an outcome tree.
func (l *Layout) IsInsideOutcomeTree(rel string) bool {
	first, _, _ := strings.Cut(filepath.ToSlash(filepath.Clean(rel)), "/")
	return l.IsOutcomeDirName(first)
}

// RelativeIdentity returns the path of abs relative to the watched root.
func (l *Layout) RelativeIdentity(abs string) (string, error) {
	if !filepath.IsAbs(abs) {
		var err error
		if abs, err = filepath.Abs(abs); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrNotUnderRoot, abs, err)
		}
	}
	rel, err := filepath.Rel(l.sourceRoot, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotUnderRoot, abs, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrNotUnderRoot, abs)
	}
	return rel, nil
}

// SourcePath returns the absolute location of rel under the watched root.
func (l *Layout) SourcePath(rel string) string {
	return filepath.Join(l.sourceRoot, rel)
}

// OutputRel returns rel with its extension replaced by the transcoder's output extension.
func (l *Layout) OutputRel(rel string) string {
	return strings.TrimSuffix(rel, filepath.Ext(rel)) + l.outputExt
}

// DestinationPath joins an outcome root with rel. Trees that store transcoder output get the
// output extension; trees that store originals keep the original name.
func (l *Layout) DestinationPath(o Outcome, rel string) string {
	if o.Artifact() == ArtifactOutput {
		rel = l.OutputRel(rel)
	}
	return filepath.Join(l.roots[o], rel)
}

// EnsureDirs creates the watched root and every outcome root.
func (l *Layout) EnsureDirs() error {
	if err := os.MkdirAll(l.sourceRoot, 0o750); err != nil {
		return fmt.Errorf("creating source root: %w", err)
	}
	for _, o := range AllOutcomes {
		if err := os.MkdirAll(l.roots[o], 0o750); err != nil {
			return fmt.Errorf("creating %s root: %w", o, err)
		}
	}
	return nil
}
