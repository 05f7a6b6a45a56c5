// Package platform defines the contract a runtime launcher (an OS process, an
// embedded JS engine, a browser tab) implements to execute files.
//
// The supervisor never assumes more than this interface:
//   - Started is closed once the platform is ready
//   - Errored is closed on a fatal platform error, Err returns it
//   - Closed is closed once the platform is fully shut down
//   - Close requests a graceful stop, which must eventually close Closed or Errored
//   - CloseForce terminates the platform immediately, best effort
//   - Execute runs one file and returns its raw outcome
package platform

import (
	"context"
	"errors"
	"sync"

	"github.com/CZERTAINLY/jsexec/internal/coverage"
	"github.com/CZERTAINLY/jsexec/internal/model"
)

// ErrClosed is returned by Execute when the platform went away before the
// file finished. The supervisor treats it as a disconnect.
var ErrClosed = model.ErrPlatformClosed

type Platform interface {
	Started() <-chan struct{}
	Errored() <-chan struct{}
	Err() error
	Closed() <-chan struct{}
	Close(reason string) error
	CloseForce() error
	Execute(ctx context.Context, file string, opts ExecuteOptions) (Executed, error)
}

// Launcher creates a new platform instance. Each call must return a fresh one.
type Launcher func(ctx context.Context) (Platform, error)

type ExecuteOptions struct {
	// Root is a directory file paths are relative to
	Root string
	// CollectCoverage enables instrumentation of files matched by Cover
	CollectCoverage bool
	// Cover reports if a file relative to Root should be instrumented
	Cover func(path string) bool
}

func (o ExecuteOptions) Covers(path string) bool {
	return o.CollectCoverage && o.Cover != nil && o.Cover(path)
}

// Executed is a raw result of an execution as reported by a platform
type Executed struct {
	Status   model.Status // completed or errored
	Value    any
	Error    error
	Coverage coverage.Map
}

// Signals implements the lifecycle channels of a Platform. Every signal fires
// at most once and it's safe to fire them concurrently.
type Signals struct {
	started     chan struct{}
	errored     chan struct{}
	closed      chan struct{}
	startedOnce sync.Once
	erroredOnce sync.Once
	closedOnce  sync.Once
	mx          sync.Mutex
	err         error
}

func NewSignals() *Signals {
	return &Signals{
		started: make(chan struct{}),
		errored: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (s *Signals) Started() <-chan struct{} { return s.started }
func (s *Signals) Errored() <-chan struct{} { return s.errored }
func (s *Signals) Closed() <-chan struct{}  { return s.closed }

func (s *Signals) Err() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.err
}

func (s *Signals) MarkStarted() {
	s.startedOnce.Do(func() { close(s.started) })
}

// MarkErrored records err and closes Errored. Only the first error is kept.
func (s *Signals) MarkErrored(err error) {
	if err == nil {
		err = errors.New("platform errored")
	}
	s.erroredOnce.Do(func() {
		s.mx.Lock()
		s.err = err
		s.mx.Unlock()
		close(s.errored)
	})
}

func (s *Signals) MarkClosed() {
	s.closedOnce.Do(func() { close(s.closed) })
}

func (s *Signals) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
