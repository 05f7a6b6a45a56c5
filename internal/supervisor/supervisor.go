package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/jsexec/internal/cancellation"
	"github.com/CZERTAINLY/jsexec/internal/log"
	"github.com/CZERTAINLY/jsexec/internal/model"
	"github.com/CZERTAINLY/jsexec/internal/platform"
	"github.com/CZERTAINLY/jsexec/internal/race"
	"github.com/CZERTAINLY/jsexec/internal/restart"
)

// DefaultForceStopAfter is a grace period given to a platform to close
// gracefully before it gets force stopped.
const DefaultForceStopAfter = 10 * time.Minute

type Options struct {
	Cancellation     cancellation.Token
	// KeepAliveUntil stops platforms kept alive after the execution, it is
	// Cancellation when nil
	KeepAliveUntil   cancellation.Token
	Restart          restart.Token[*Rerun]
	PlatformType     string
	Verbose          bool
	StopOnceExecuted bool
	Execute          platform.ExecuteOptions
}

// Supervisor drives (file, platform) pairs through their lifecycle. It owns a
// table of active platforms, every platform belongs to exactly one attempt.
type Supervisor struct {
	forceStopAfter time.Duration
	seq            atomic.Uint64
	mx             sync.Mutex
	active         map[uint64]Active
}

type Active struct {
	ID           uint64
	PlatformType string
	File         string
	Attempt      int
	Since        time.Time
}

type Option func(*Supervisor)

func WithForceStopAfter(d time.Duration) Option {
	return func(s *Supervisor) {
		s.forceStopAfter = d
	}
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		forceStopAfter: DefaultForceStopAfter,
		active:         make(map[uint64]Active),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Active returns platforms currently owned by running attempts sorted by id
func (s *Supervisor) Active() []Active {
	s.mx.Lock()
	defer s.mx.Unlock()
	ret := make([]Active, 0, len(s.active))
	for _, id := range slices.Sorted(maps.Keys(s.active)) {
		ret = append(ret, s.active[id])
	}
	return ret
}

func (s *Supervisor) track(a Active) uint64 {
	id := s.seq.Add(1)
	a.ID = id
	a.Since = time.Now().UTC()
	s.mx.Lock()
	s.active[id] = a
	s.mx.Unlock()
	return id
}

func (s *Supervisor) untrack(id uint64) {
	s.mx.Lock()
	delete(s.active, id)
	s.mx.Unlock()
}

// LaunchAndExecute launches a platform, executes file on it and returns the
// outcome. A restart requested through opts.Restart tears the platform down and
// runs the file again on a fresh one; the caller only observes a delay.
//
// Returned error is *model.CancelledError when cancellation was requested, or
// *model.PlatformLaunchError when the platform did not start. Failures of the
// execution itself are reported in the Outcome.
func (s *Supervisor) LaunchAndExecute(ctx context.Context, launch platform.Launcher, file string, opts Options) (model.Outcome, error) {
	ctxToken, stop := cancellation.FromContext(ctx)
	defer stop()
	token := cancellation.Compose(opts.Cancellation, ctxToken)
	defer token.Release()

	ctx = log.ContextAttrs(ctx,
		slog.String("file", file),
		slog.String("platform", opts.PlatformType),
	)

	a := &attempt{
		s:      s,
		launch: launch,
		file:   file,
		opts:   opts,
		token:  token,
	}
	started := time.Now().UTC()
	outcome, err := a.run(ctx)
	outcome.File = file
	outcome.Platform = opts.PlatformType
	outcome.Started = started
	outcome.Stopped = time.Now().UTC()
	if err != nil {
		slog.DebugContext(ctx, "execution not finished", "error", err)
		return outcome, err
	}
	if opts.Verbose {
		slog.InfoContext(ctx, "file executed", "outcome", outcome)
	} else {
		slog.DebugContext(ctx, "file executed", "outcome", outcome)
	}
	return outcome, nil
}

type attempt struct {
	s      *Supervisor
	launch platform.Launcher
	file   string
	opts   Options
	token  cancellation.Token
	n      int
}

type verdict struct {
	outcome   model.Outcome
	rerun     *Rerun
	cancelled bool
	// platform went away, which may be caused by a concurrent cancellation
	gone bool
}

type executed struct {
	res platform.Executed
	err error
}

func (a *attempt) run(base context.Context) (model.Outcome, error) {
	if err := a.token.Err(); err != nil {
		return model.Outcome{}, err
	}
	a.n++
	ctx := log.ContextAttrs(base, slog.Int("attempt", a.n))

	slog.DebugContext(ctx, "launching platform")
	p, err := a.launch(ctx)
	if err != nil {
		return model.Outcome{}, &model.PlatformLaunchError{PlatformType: a.opts.PlatformType, Err: err}
	}
	id := a.s.track(Active{PlatformType: a.opts.PlatformType, File: a.file, Attempt: a.n})
	kept := false
	defer func() {
		if !kept {
			a.s.untrack(id)
		}
	}()

	st := newStopper(p, a.opts.PlatformType, a.s.forceStopAfter)
	unregister := a.token.Register(func(reason string) error {
		return st.stop(ctx, reason)
	})

	select {
	case <-p.Started():
	case <-p.Errored():
		unregister()
		return model.Outcome{}, &model.PlatformLaunchError{PlatformType: a.opts.PlatformType, Err: p.Err()}
	case <-p.Closed():
		unregister()
		return model.Outcome{}, &model.PlatformLaunchError{PlatformType: a.opts.PlatformType, Err: errors.New("closed before started")}
	case <-a.token.Done():
		// the cancellation callback stops the platform
		<-st.done
		return model.Outcome{}, a.token.Err()
	}
	slog.DebugContext(ctx, "platform started")

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()
	results := make(chan executed, 1)
	go func() {
		res, err := p.Execute(execCtx, a.file, a.opts.Execute)
		results <- executed{res: res, err: err}
	}()

	verdicts := make(chan verdict, 1)
	send := func(v verdict) { verdicts <- v }
	sources := map[string]race.Source[verdict]{
		"errored": {
			Register: race.Signal(p.Errored(), func() verdict {
				return verdict{outcome: model.Errored(p.Err()), gone: true}
			}),
			Callback: send,
		},
		"disconnected": {
			Register: race.Signal(p.Closed(), func() verdict {
				return verdict{outcome: model.Disconnected(&model.PlatformDisconnectedError{
					File:         a.file,
					PlatformType: a.opts.PlatformType,
				}), gone: true}
			}),
			Callback: send,
		},
		"cancelled": {
			Register: race.Signal(a.token.Done(), func() verdict {
				return verdict{cancelled: true}
			}),
			Callback: send,
		},
		"executed": {
			Register: race.Chan(results, a.toVerdict),
			Callback: send,
		},
	}
	if a.opts.Restart != nil {
		sources["restarted"] = race.Source[verdict]{
			Register: func(fire func(verdict)) func() {
				return a.opts.Restart.Open(func(reason string) *Rerun {
					r := newRerun(reason)
					fire(verdict{rerun: r})
					return r
				})
			},
			Callback: send,
		}
	}
	race.Run(sources)
	v := <-verdicts
	if v.gone && a.token.Requested() {
		v = verdict{cancelled: true}
	}

	switch {
	case v.cancelled:
		<-st.done
		return model.Outcome{}, a.token.Err()
	case v.rerun != nil:
		slog.InfoContext(ctx, "restarting execution", "reason", v.rerun.Reason())
		cancelExec()
		if err := st.stop(ctx, "restart: "+v.rerun.Reason()); err != nil {
			slog.WarnContext(ctx, "stopping platform for restart", "error", err)
		}
		unregister()
		outcome, err := a.run(base)
		outcome.File = a.file
		outcome.Platform = a.opts.PlatformType
		v.rerun.resolve(outcome, err)
		return outcome, err
	}

	switch {
	case v.outcome.Status == model.StatusDisconnected:
		unregister()
	case a.opts.StopOnceExecuted:
		go func() {
			if err := st.stop(ctx, "stopOnceExecuted"); err != nil {
				slog.WarnContext(ctx, "stopping executed platform", "error", err)
			}
			unregister()
		}()
	default:
		unregister()
		kept = a.keepAlive(ctx, p, st, id)
	}
	return v.outcome, nil
}

// keepAlive hands the platform over to the KeepAliveUntil token. The platform
// stays in the active table until it is stopped or goes away on its own.
func (a *attempt) keepAlive(ctx context.Context, p platform.Platform, st *stopper, id uint64) bool {
	ctx = context.WithoutCancel(ctx)
	until := a.opts.KeepAliveUntil
	if until == nil {
		until = a.opts.Cancellation
	}
	if until == nil {
		slog.DebugContext(ctx, "nothing keeps the platform alive")
		go func() {
			if err := st.stop(ctx, "no cancellation"); err != nil {
				slog.WarnContext(ctx, "stopping executed platform", "error", err)
			}
		}()
		return false
	}

	slog.DebugContext(ctx, "platform kept alive")
	unregister := until.Register(func(reason string) error {
		defer a.s.untrack(id)
		return st.stop(ctx, reason)
	})
	go func() {
		select {
		case <-p.Closed():
		case <-p.Errored():
		case <-st.done:
		}
		unregister()
		a.s.untrack(id)
	}()
	return true
}

func (a *attempt) toVerdict(e executed) (verdict, bool) {
	if e.err != nil {
		if errors.Is(e.err, platform.ErrClosed) || errors.Is(e.err, context.Canceled) {
			// let disconnected or cancelled decide
			return verdict{}, false
		}
		return verdict{outcome: model.Errored(&model.ExecutionError{File: a.file, Cause: e.err})}, true
	}
	switch e.res.Status {
	case model.StatusErrored:
		err := e.res.Error
		if err == nil {
			err = fmt.Errorf("%s errored", a.file)
		}
		outcome := model.Errored(&model.ExecutionError{File: a.file, Cause: err})
		outcome.Value = e.res.Value
		outcome.Coverage = e.res.Coverage
		return verdict{outcome: outcome}, true
	default:
		return verdict{outcome: model.Completed(e.res.Value, e.res.Coverage)}, true
	}
}
