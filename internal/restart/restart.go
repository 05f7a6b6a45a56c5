// Package restart lets an external trigger (a watched file changed) request
// that the current execution is torn down and run again on a fresh platform.
//
// A token is live only while an execution holds it open with its restart
// implementation:
//
//	Idle --Open(impl)--> Open --Restart(reason)--> Restarting --impl returned--> Idle
//	 ^                    |
//	 +------close()-------+
//
// Restart on an Idle or Restarting token is a no-op. Restart is one-shot per
// open cycle, the implementation is consumed before it is called.
package restart

import (
	"sync"
)

// Func is an implementation of a restart. Its result is returned by
// Source.Restart.
type Func[T any] func(reason string) T

type State int

const (
	StateIdle State = iota
	StateOpen
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

type Token[T any] interface {
	Opened() bool
	// Open installs impl as the active implementation, replacing the previous
	// one. The returned function closes the token if impl is still active.
	Open(impl Func[T]) (close func())
	// Register adds a listener called with a reason of every effective restart.
	Register(fn func(reason string)) (unregister func())
	// Restart is available on tokens too, so composed tokens can be restarted
	// by any of the sources.
	Restart(reason string) (T, bool)
}

type listener struct {
	fn func(reason string)
}

type Source[T any] struct {
	mx        sync.Mutex
	state     State
	impl      Func[T]
	gen       uint64
	listeners []*listener
}

func NewSource[T any]() *Source[T] {
	return &Source[T]{}
}

func (s *Source[T]) Token() Token[T] {
	return s
}

func (s *Source[T]) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

func (s *Source[T]) Opened() bool {
	return s.State() == StateOpen
}

func (s *Source[T]) Open(impl Func[T]) func() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.gen++
	gen := s.gen
	s.state = StateOpen
	s.impl = impl
	return func() {
		s.mx.Lock()
		defer s.mx.Unlock()
		if s.gen != gen || s.state != StateOpen {
			return
		}
		s.state = StateIdle
		s.impl = nil
	}
}

func (s *Source[T]) Register(fn func(reason string)) func() {
	l := &listener{fn: fn}
	s.mx.Lock()
	s.listeners = append(s.listeners, l)
	s.mx.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mx.Lock()
			defer s.mx.Unlock()
			for i, x := range s.listeners {
				if x == l {
					s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Restart invokes the active implementation and returns its result. When the
// token is not open, it returns false and nothing happens.
func (s *Source[T]) Restart(reason string) (T, bool) {
	var zero T
	s.mx.Lock()
	if s.state != StateOpen {
		s.mx.Unlock()
		return zero, false
	}
	impl := s.impl
	s.state = StateRestarting
	s.impl = nil
	s.gen++
	gen := s.gen
	listeners := make([]*listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mx.Unlock()

	for _, l := range listeners {
		l.fn(reason)
	}

	ret := impl(reason)

	s.mx.Lock()
	// impl may have opened the token again
	if s.gen == gen && s.state == StateRestarting {
		s.state = StateIdle
	}
	s.mx.Unlock()
	return ret, true
}
