// Package cancellation implements cooperative cancellation shared by
// independent parties.
//
// A Source is cancelled once, with a reason. Every party holding its Token can
// check whether the cancellation was requested (Err is the preemption point used
// right before any blocking step) or Register a callback. On Cancel the
// callbacks run sequentially, in registration order, and the returned
// Cancellation is done once all of them returned.
//
// Tokens compose: a composed token is requested as soon as any underlying token
// is, and the first reason wins.
package cancellation

import (
	"context"
	"errors"
	"sync"

	"github.com/CZERTAINLY/jsexec/internal/model"
)

// Callback is called with a reason of a cancellation. Returned errors are
// reported by Cancellation.Wait.
type Callback func(reason string) error

type Token interface {
	Requested() bool
	Reason() string
	// Err returns *model.CancelledError when cancellation was requested
	Err() error
	Done() <-chan struct{}
	// Register adds a callback. If the token is already requested, the
	// callback runs immediately.
	Register(cb Callback) (unregister func())

	source() *Source
}

type registration struct {
	cb Callback
}

type Source struct {
	mx        sync.Mutex
	requested bool
	reason    string
	done      chan struct{}
	callbacks []*registration
	children  []*Source
	running   *Cancellation
}

func NewSource() *Source {
	return &Source{
		done: make(chan struct{}),
	}
}

// Token returns a view of the source, which can't cancel it.
func (s *Source) Token() Token {
	return token{s: s}
}

// Cancel requests the cancellation and runs registered callbacks in a new
// goroutine. Second and later calls return the first Cancellation.
func (s *Source) Cancel(reason string) *Cancellation {
	s.mx.Lock()
	if s.running != nil {
		c := s.running
		s.mx.Unlock()
		return c
	}
	s.mx.Unlock()

	s.request(reason)

	s.mx.Lock()
	if s.running != nil {
		c := s.running
		s.mx.Unlock()
		return c
	}
	c := &Cancellation{
		reason: s.reason,
		done:   make(chan struct{}),
	}
	s.running = c
	callbacks := make([]*registration, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mx.Unlock()

	go c.run(callbacks)
	return c
}

// request marks the source and its children as requested without running
// any callback. Children get their callbacks run by the parent callback
// installed in Compose.
func (s *Source) request(reason string) {
	s.mx.Lock()
	if s.requested {
		s.mx.Unlock()
		return
	}
	s.requested = true
	s.reason = reason
	close(s.done)
	children := s.children
	s.mx.Unlock()

	for _, child := range children {
		child.request(reason)
	}
}

func (s *Source) register(cb Callback) func() {
	s.mx.Lock()
	if s.requested {
		reason := s.reason
		s.mx.Unlock()
		_ = cb(reason)
		return func() {}
	}
	r := &registration{cb: cb}
	s.callbacks = append(s.callbacks, r)
	s.mx.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mx.Lock()
			defer s.mx.Unlock()
			for i, x := range s.callbacks {
				if x == r {
					s.callbacks = append(s.callbacks[:i], s.callbacks[i+1:]...)
					break
				}
			}
		})
	}
}

// link makes child requested synchronously whenever s is requested
func (s *Source) link(child *Source) {
	s.mx.Lock()
	if !s.requested {
		s.children = append(s.children, child)
		s.mx.Unlock()
		return
	}
	reason := s.reason
	s.mx.Unlock()
	child.request(reason)
}

func (s *Source) isRequested() (bool, string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.requested, s.reason
}

type token struct {
	s *Source
}

func (t token) Requested() bool {
	ok, _ := t.s.isRequested()
	return ok
}

func (t token) Reason() string {
	_, reason := t.s.isRequested()
	return reason
}

func (t token) Err() error {
	ok, reason := t.s.isRequested()
	if !ok {
		return nil
	}
	return &model.CancelledError{Reason: reason}
}

func (t token) Done() <-chan struct{} {
	return t.s.done
}

func (t token) Register(cb Callback) func() {
	return t.s.register(cb)
}

func (t token) source() *Source {
	return t.s
}

// Cancellation is a handle of a requested cancellation
type Cancellation struct {
	reason string
	done   chan struct{}
	err    error
}

func (c *Cancellation) run(callbacks []*registration) {
	var errs []error
	for _, r := range callbacks {
		if err := r.cb(c.reason); err != nil {
			errs = append(errs, err)
		}
	}
	c.err = errors.Join(errs...)
	close(c.done)
}

func (c *Cancellation) Reason() string {
	return c.reason
}

// Done is closed once every callback returned
func (c *Cancellation) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until all callbacks returned and reports their errors joined.
func (c *Cancellation) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// None returns a token which is never requested
func None() Token {
	return NewSource().Token()
}
