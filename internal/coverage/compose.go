package coverage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Instrumenter provides static coverage information for a file without
// evaluating it.
type Instrumenter interface {
	Static(ctx context.Context, path string) (*FileCoverage, error)
}

// CompositionError means the same file was instrumented differently by two
// executions. It is a programmer or configuration error.
type CompositionError struct {
	Path string
	Diff string
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("can't compose coverage of %s: static maps differ: %s", e.Path, e.Diff)
}

var staticOpts = cmp.Options{
	cmpopts.EquateEmpty(),
}

// Compose merges coverage maps. A file present in several maps gets its
// counters summed index-wise, the static maps must be identical.
// Input maps are never modified.
func Compose(coverageMaps ...Map) (Map, error) {
	ret := make(Map)
	for _, m := range coverageMaps {
		for path, fc := range m {
			if fc == nil {
				continue
			}
			prev, ok := ret[path]
			if !ok {
				ret[path] = fc.Clone()
				continue
			}
			if err := merge(path, prev, fc); err != nil {
				return nil, err
			}
		}
	}
	return ret, nil
}

func merge(path string, dst, src *FileCoverage) error {
	if diff := staticDiff(dst, src); diff != "" {
		return &CompositionError{Path: path, Diff: diff}
	}
	for k, v := range src.S {
		dst.S[k] += v
	}
	for k, v := range src.F {
		dst.F[k] += v
	}
	for k, v := range src.B {
		counts := dst.B[k]
		if len(counts) < len(v) {
			grown := make([]int, len(v))
			copy(grown, counts)
			counts = grown
		}
		for i, n := range v {
			counts[i] += n
		}
		dst.B[k] = counts
	}
	return nil
}

func staticDiff(a, b *FileCoverage) string {
	if d := cmp.Diff(a.StatementMap, b.StatementMap, staticOpts); d != "" {
		return "statementMap: " + d
	}
	if d := cmp.Diff(a.FnMap, b.FnMap, staticOpts); d != "" {
		return "fnMap: " + d
	}
	if d := cmp.Diff(a.BranchMap, b.BranchMap, staticOpts); d != "" {
		return "branchMap: " + d
	}
	return ""
}

// FillMissing adds a zero coverage entry for every file in filesToCover absent
// from composed. Files which can't be instrumented get an empty entry.
// Instrumentation only parses sources, it runs even when ctx is cancelled.
func FillMissing(ctx context.Context, composed Map, filesToCover []string, instrumenter Instrumenter) Map {
	ctx = context.WithoutCancel(ctx)
	ret := make(Map, len(composed)+len(filesToCover))
	for path, fc := range composed {
		ret[path] = fc
	}
	for _, path := range filesToCover {
		if _, ok := ret[path]; ok {
			continue
		}
		fc, err := instrumenter.Static(ctx, path)
		if err != nil {
			// TODO: an empty entry under-reports unparsable files, report them as zeroed structure once the instrumenter can recover.
			slog.WarnContext(ctx, "instrumentation failed: reporting empty coverage", "path", path, "error", err)
			ret[path] = Empty(path)
			continue
		}
		zero := fc.Zero()
		zero.Path = path
		ret[path] = zero
	}
	return ret
}
