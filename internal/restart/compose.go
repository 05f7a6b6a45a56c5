package restart

import "sync"

type composed[T any] struct {
	tokens []Token[T]
}

// Compose returns a token restarted by any of tokens, for example a hot reload
// trigger and a manual one. Open opens every underlying token with a shared
// implementation, the first restart closes all the others.
func Compose[T any](tokens ...Token[T]) Token[T] {
	return composed[T]{tokens: tokens}
}

func (c composed[T]) Opened() bool {
	for _, t := range c.tokens {
		if t.Opened() {
			return true
		}
	}
	return false
}

func (c composed[T]) Open(impl Func[T]) func() {
	closers := make([]func(), len(c.tokens))
	var mx sync.Mutex
	closeAll := func() {
		mx.Lock()
		defer mx.Unlock()
		for _, fn := range closers {
			if fn != nil {
				fn()
			}
		}
	}
	var once sync.Once
	shared := func(reason string) T {
		var ret T
		fired := false
		once.Do(func() {
			fired = true
			closeAll()
			ret = impl(reason)
		})
		if !fired {
			var zero T
			return zero
		}
		return ret
	}
	mx.Lock()
	for i, t := range c.tokens {
		closers[i] = t.Open(shared)
	}
	mx.Unlock()
	return closeAll
}

func (c composed[T]) Register(fn func(reason string)) func() {
	unregisters := make([]func(), 0, len(c.tokens))
	for _, t := range c.tokens {
		unregisters = append(unregisters, t.Register(fn))
	}
	return func() {
		for _, u := range unregisters {
			u()
		}
	}
}

func (c composed[T]) Restart(reason string) (T, bool) {
	for _, t := range c.tokens {
		if ret, ok := t.Restart(reason); ok {
			return ret, true
		}
	}
	var zero T
	return zero, false
}
