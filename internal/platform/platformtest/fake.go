// Package platformtest provides a scriptable in-memory platform for tests.
package platformtest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/jsexec/internal/coverage"
	"github.com/CZERTAINLY/jsexec/internal/model"
	"github.com/CZERTAINLY/jsexec/internal/platform"
)

// ExecuteFunc scripts Execute of a Fake
type ExecuteFunc func(ctx context.Context, p *Fake, file string) (platform.Executed, error)

type Config struct {
	// NoStart keeps the platform from ever becoming started
	NoStart bool
	// IgnoreClose makes Close a no-op, only CloseForce closes the platform
	IgnoreClose bool
	// Execute defaults to Block
	Execute ExecuteFunc
}

type Fake struct {
	*platform.Signals
	Index int

	cfg        Config
	closeCalls atomic.Int32
	forceCalls atomic.Int32
	execCalls  atomic.Int32
	mx         sync.Mutex
	reasons    []string
}

var _ platform.Platform = (*Fake)(nil)

func New(cfg Config) *Fake {
	f := &Fake{
		Signals: platform.NewSignals(),
		cfg:     cfg,
	}
	if !cfg.NoStart {
		f.MarkStarted()
	}
	return f
}

func (f *Fake) Close(reason string) error {
	f.closeCalls.Add(1)
	f.mx.Lock()
	f.reasons = append(f.reasons, reason)
	f.mx.Unlock()
	if !f.cfg.IgnoreClose {
		f.MarkClosed()
	}
	return nil
}

func (f *Fake) CloseForce() error {
	f.forceCalls.Add(1)
	f.MarkClosed()
	return nil
}

func (f *Fake) Execute(ctx context.Context, file string, _ platform.ExecuteOptions) (platform.Executed, error) {
	f.execCalls.Add(1)
	exec := f.cfg.Execute
	if exec == nil {
		exec = Block
	}
	return exec(ctx, f, file)
}

func (f *Fake) CloseCalls() int   { return int(f.closeCalls.Load()) }
func (f *Fake) ForceCalls() int   { return int(f.forceCalls.Load()) }
func (f *Fake) ExecuteCalls() int { return int(f.execCalls.Load()) }

func (f *Fake) CloseReasons() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]string(nil), f.reasons...)
}

// Block waits until the execution is abandoned or the platform goes away
func Block(ctx context.Context, p *Fake, _ string) (platform.Executed, error) {
	select {
	case <-ctx.Done():
		return platform.Executed{}, ctx.Err()
	case <-p.Closed():
		return platform.Executed{}, platform.ErrClosed
	}
}

// Value completes every execution with v
func Value(v any) ExecuteFunc {
	return func(context.Context, *Fake, string) (platform.Executed, error) {
		return platform.Executed{Status: model.StatusCompleted, Value: v}, nil
	}
}

// Covered completes every execution with v and coverage cov
func Covered(v any, cov coverage.Map) ExecuteFunc {
	return func(context.Context, *Fake, string) (platform.Executed, error) {
		return platform.Executed{Status: model.StatusCompleted, Value: v, Coverage: cov}, nil
	}
}

// Fail reports every execution as errored with err
func Fail(err error) ExecuteFunc {
	return func(context.Context, *Fake, string) (platform.Executed, error) {
		return platform.Executed{Status: model.StatusErrored, Error: err}, nil
	}
}

// Disconnect closes the platform in the middle of an execution
func Disconnect(_ context.Context, p *Fake, _ string) (platform.Executed, error) {
	p.MarkClosed()
	return platform.Executed{}, platform.ErrClosed
}

// Crash makes the platform error in the middle of an execution
func Crash(err error) ExecuteFunc {
	return func(ctx context.Context, p *Fake, file string) (platform.Executed, error) {
		p.MarkErrored(err)
		return Block(ctx, p, file)
	}
}

// Launcher creates a Fake per launch, configured by the launch index
type Launcher struct {
	// Err makes every launch fail
	Err error

	cfg      func(i int) Config
	mx       sync.Mutex
	launched []*Fake
	notify   chan struct{}
}

func NewLauncher(cfg func(i int) Config) *Launcher {
	return &Launcher{
		cfg:    cfg,
		notify: make(chan struct{}, 64),
	}
}

// Same returns a launcher, which always uses the same configuration
func Same(cfg Config) *Launcher {
	return NewLauncher(func(int) Config { return cfg })
}

func (l *Launcher) Launch(ctx context.Context) (platform.Platform, error) {
	if l.Err != nil {
		return nil, l.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(errors.New("launch"), err)
	}
	l.mx.Lock()
	i := len(l.launched)
	f := New(l.cfg(i))
	f.Index = i
	l.launched = append(l.launched, f)
	l.mx.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return f, nil
}

func (l *Launcher) Launched() []*Fake {
	l.mx.Lock()
	defer l.mx.Unlock()
	return append([]*Fake(nil), l.launched...)
}

// Launches is signalled after every launch
func (l *Launcher) Launches() <-chan struct{} {
	return l.notify
}
