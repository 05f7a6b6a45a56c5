// Package plan runs an execution plan: files assigned to platforms, each
// platform with its own launcher. Platforms run concurrently, files of one
// platform go through a bounded worker pool.
package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/jsexec/internal/cancellation"
	"github.com/CZERTAINLY/jsexec/internal/coverage"
	"github.com/CZERTAINLY/jsexec/internal/log"
	"github.com/CZERTAINLY/jsexec/internal/model"
	"github.com/CZERTAINLY/jsexec/internal/parallel"
	"github.com/CZERTAINLY/jsexec/internal/platform"
	"github.com/CZERTAINLY/jsexec/internal/supervisor"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const DefaultMaxParallelExecution = 5

var ErrFileCoveredAndExecuted = errors.New("file is both executed and covered")

type Entry struct {
	Files  []string
	Launch platform.Launcher
}

// Plan maps a platform name to its entry
type Plan map[string]Entry

type Options struct {
	Cancellation cancellation.Token
	// Restarts enables restarts of in-flight executions, nil disables them
	Restarts             *supervisor.RestartGroup
	Supervisor           *supervisor.Supervisor
	MaxParallelExecution int
	// Timeout of a single execution, zero means no timeout
	Timeout          time.Duration
	StopOnceExecuted bool
	Verbose          bool
	Execute          platform.ExecuteOptions
	// FilesToCover are reported in the coverage even if no execution loaded them
	FilesToCover []string
	Instrumenter coverage.Instrumenter
}

type Report struct {
	// Results[platform][file]
	Results  map[string]map[string]model.Outcome
	Coverage coverage.Map
}

// Outcomes returns all outcomes sorted by platform and file
func (r Report) Outcomes() []model.Outcome {
	var ret []model.Outcome
	for _, name := range slices.Sorted(maps.Keys(r.Results)) {
		files := r.Results[name]
		for _, file := range slices.Sorted(maps.Keys(files)) {
			ret = append(ret, files[file])
		}
	}
	return ret
}

// Failed returns user visible failures: errored, disconnected and timedout
func (r Report) Failed() []model.Outcome {
	return lo.Filter(r.Outcomes(), func(o model.Outcome, _ int) bool {
		return o.Status.Failed()
	})
}

// Validate checks the plan is runnable. A file can't be executed and covered
// at the same time.
func Validate(p Plan, filesToCover []string) error {
	if len(p) == 0 {
		return errors.New("plan: no platform")
	}
	var errs []error
	var executed []string
	for _, name := range slices.Sorted(maps.Keys(p)) {
		e := p[name]
		if name == "" {
			errs = append(errs, errors.New("plan: empty platform name"))
		}
		if e.Launch == nil {
			errs = append(errs, fmt.Errorf("plan: platform %q: no launcher", name))
		}
		if dups := lo.FindDuplicates(e.Files); len(dups) > 0 {
			errs = append(errs, fmt.Errorf("plan: platform %q: duplicate files: %s", name, strings.Join(dups, ", ")))
		}
		executed = append(executed, e.Files...)
	}
	if both := lo.Intersect(lo.Uniq(executed), filesToCover); len(both) > 0 {
		slices.Sort(both)
		errs = append(errs, fmt.Errorf("%w: %s", ErrFileCoveredAndExecuted, strings.Join(both, ", ")))
	}
	return errors.Join(errs...)
}

// Run executes the plan and composes the coverage. A failure of one file is
// recorded in the report and never aborts the others. Cancellation aborts
// in-flight executions and the files not started yet are reported as aborted.
// Returned error is a validation or a coverage composition error.
func Run(ctx context.Context, p Plan, opts Options) (Report, error) {
	if err := Validate(p, opts.FilesToCover); err != nil {
		return Report{}, err
	}
	if opts.Supervisor == nil {
		opts.Supervisor = supervisor.New()
	}
	if opts.MaxParallelExecution <= 0 {
		opts.MaxParallelExecution = DefaultMaxParallelExecution
	}

	report := Report{
		Results: make(map[string]map[string]model.Outcome, len(p)),
	}
	var mx sync.Mutex

	var g errgroup.Group
	for _, name := range slices.Sorted(maps.Keys(p)) {
		entry := p[name]
		g.Go(func() error {
			results := runPlatform(ctx, name, entry, opts)
			mx.Lock()
			report.Results[name] = results
			mx.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var covs []coverage.Map
	for _, o := range report.Outcomes() {
		if o.Coverage != nil {
			covs = append(covs, o.Coverage)
		}
	}
	composed, err := coverage.Compose(covs...)
	if len(opts.FilesToCover) > 0 {
		composed = lo.PickByKeys(composed, opts.FilesToCover)
		if opts.Instrumenter != nil {
			composed = coverage.FillMissing(ctx, composed, opts.FilesToCover, opts.Instrumenter)
		}
	}
	report.Coverage = composed
	return report, err
}

func runPlatform(ctx context.Context, name string, entry Entry, opts Options) map[string]model.Outcome {
	ctx = log.ContextAttrs(ctx, slog.String("platform", name))
	slog.DebugContext(ctx, "running platform", "files", len(entry.Files), "max_parallel", opts.MaxParallelExecution)

	// stop pulling new files once the run is cancelled
	if opts.Cancellation != nil {
		var cancel context.CancelFunc
		ctx, cancel = cancellation.Context(ctx, opts.Cancellation)
		defer cancel()
	}

	exec := func(ctx context.Context, file string) (model.Outcome, error) {
		return executeFile(ctx, name, entry, file, opts)
	}

	ret := make(map[string]model.Outcome, len(entry.Files))
	for r := range parallel.NewMap(opts.MaxParallelExecution, exec).Iter(ctx, entry.Files) {
		outcome := r.Value
		if !r.Started {
			outcome = model.Aborted(abortReason(ctx, opts.Cancellation))
			outcome.File = r.Item
			outcome.Platform = name
		}
		ret[r.Item] = outcome
	}
	return ret
}

func executeFile(ctx context.Context, name string, entry Entry, file string, opts Options) (model.Outcome, error) {
	fileSrc := cancellation.NewSource()
	token := cancellation.Compose(opts.Cancellation, fileSrc.Token())
	defer token.Release()

	var timedOut atomic.Bool
	if opts.Timeout > 0 {
		timer := time.AfterFunc(opts.Timeout, func() {
			timedOut.Store(true)
			fileSrc.Cancel("timeout")
		})
		defer timer.Stop()
	}

	// without a run token nothing would stop a platform kept alive
	stopOnceExecuted := opts.StopOnceExecuted || opts.Cancellation == nil
	sopts := supervisor.Options{
		Cancellation:     token,
		KeepAliveUntil:   opts.Cancellation,
		PlatformType:     name,
		Verbose:          opts.Verbose,
		StopOnceExecuted: stopOnceExecuted,
		Execute:          opts.Execute,
	}
	if opts.Restarts != nil {
		tok, release := opts.Restarts.Token()
		defer release()
		sopts.Restart = tok
	}

	outcome, err := opts.Supervisor.LaunchAndExecute(ctx, entry.Launch, file, sopts)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrCancelled) && timedOut.Load():
		outcome = model.Timedout(&model.ExecutionTimeoutError{File: file, After: opts.Timeout})
	case errors.Is(err, model.ErrCancelled):
		outcome = model.Aborted(token.Reason())
	default:
		// launch errors are per file failures
		outcome = model.Errored(err)
	}
	if outcome.File == "" {
		outcome.File = file
		outcome.Platform = name
	}
	if outcome.Status.Failed() {
		slog.WarnContext(ctx, "execution failed", "outcome", outcome)
	}
	return outcome, nil
}

func abortReason(ctx context.Context, token cancellation.Token) string {
	if token != nil && token.Requested() {
		return token.Reason()
	}
	if err := context.Cause(ctx); err != nil {
		return err.Error()
	}
	return "not started"
}
