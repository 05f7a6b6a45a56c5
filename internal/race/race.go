// Package race waits on several named asynchronous sources and lets exactly
// one of them win.
package race

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Register subscribes fire to a source and returns a function unsubscribing
// it. fire may be called from any goroutine, also synchronously from Register.
type Register[T any] func(fire func(T)) (unregister func())

type Source[T any] struct {
	Register Register[T]
	Callback func(T)
}

type state struct {
	mx          sync.Mutex
	done        bool
	unregisters []func()
}

func (s *state) cancelAll() {
	s.mx.Lock()
	s.done = true
	unregisters := s.unregisters
	s.unregisters = nil
	s.mx.Unlock()
	for _, u := range unregisters {
		u()
	}
}

// Run registers all sources in name order. The first source firing unregisters
// every source, itself included, and only then calls its Callback, so a
// callback can't make another source fire into a resolved race. The returned
// function cancels the race.
func Run[T any](sources map[string]Source[T]) (cancelAll func()) {
	st := &state{}
	for _, name := range slices.Sorted(maps.Keys(sources)) {
		src := sources[name]
		fire := func(v T) {
			st.mx.Lock()
			if st.done {
				st.mx.Unlock()
				return
			}
			st.done = true
			st.mx.Unlock()
			st.cancelAll()
			if src.Callback != nil {
				src.Callback(v)
			}
		}

		st.mx.Lock()
		done := st.done
		st.mx.Unlock()
		if done {
			break
		}

		unregister := src.Register(fire)
		st.mx.Lock()
		if st.done {
			st.mx.Unlock()
			unregister()
			break
		}
		st.unregisters = append(st.unregisters, unregister)
		st.mx.Unlock()
	}
	return st.cancelAll
}

// Await runs the race and blocks until a source fires or ctx is done.
func Await[T any](ctx context.Context, registers map[string]Register[T]) (string, T, error) {
	type winner struct {
		name  string
		value T
	}
	ch := make(chan winner, 1)
	sources := make(map[string]Source[T], len(registers))
	for name, reg := range registers {
		sources[name] = Source[T]{
			Register: reg,
			Callback: func(v T) { ch <- winner{name: name, value: v} },
		}
	}
	cancelAll := Run(sources)
	select {
	case w := <-ch:
		return w.name, w.value, nil
	case <-ctx.Done():
		cancelAll()
		var zero T
		return "", zero, ctx.Err()
	}
}

// Chan adapts a channel to a Register. The value received is passed through
// fn and fires only when fn returns true.
func Chan[E, T any](ch <-chan E, fn func(E) (T, bool)) Register[T] {
	return func(fire func(T)) func() {
		stop := make(chan struct{})
		var once sync.Once
		go func() {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				if v, ok := fn(e); ok {
					fire(v)
				}
			case <-stop:
			}
		}()
		return func() { once.Do(func() { close(stop) }) }
	}
}

// Signal adapts a channel, which is only closed, to a Register firing value.
func Signal[T any](ch <-chan struct{}, value func() T) Register[T] {
	return func(fire func(T)) func() {
		stop := make(chan struct{})
		var once sync.Once
		go func() {
			select {
			case <-ch:
				fire(value())
			case <-stop:
			}
		}()
		return func() { once.Do(func() { close(stop) }) }
	}
}
