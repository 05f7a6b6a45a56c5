package cancellation

import (
	"context"
	"sync"
)

// Composed is a token requested by the first of the underlying tokens.
type Composed struct {
	token
	parents    []Token
	unregister []func()
	once       sync.Once
}

// Compose returns a token, which is requested as soon as any of tokens is
// requested. Only the first reason is propagated. Callbacks registered on the
// composed token run once, in their registration order, and the underlying
// Cancel waits for them.
// Release must be called when the composed token is no longer used, so the
// underlying tokens do not keep it alive.
func Compose(tokens ...Token) *Composed {
	child := NewSource()
	c := &Composed{
		token:   token{s: child},
		parents: tokens,
	}
	for _, t := range tokens {
		if t == nil {
			continue
		}
		t.source().link(child)
		unregister := t.Register(func(reason string) error {
			return child.Cancel(reason).Wait(context.Background())
		})
		c.unregister = append(c.unregister, unregister)
	}
	return c
}

// Release detaches the composed token from the underlying ones.
func (c *Composed) Release() {
	c.once.Do(func() {
		for _, unregister := range c.unregister {
			unregister()
		}
		for _, t := range c.parents {
			if t == nil {
				continue
			}
			t.source().unlink(c.s)
		}
	})
}

func (s *Source) unlink(child *Source) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for i, x := range s.children {
		if x == child {
			s.children = append(s.children[:i], s.children[i+1:]...)
			return
		}
	}
}

// FromContext returns a token requested once ctx is done. The returned stop
// function detaches it from ctx.
func FromContext(ctx context.Context) (Token, func() bool) {
	s := NewSource()
	stop := context.AfterFunc(ctx, func() {
		s.Cancel(context.Cause(ctx).Error())
	})
	return s.Token(), stop
}

// Context derives a context from parent, which is cancelled when t is
// requested. Cause of the context is then the *model.CancelledError.
func Context(parent context.Context, t Token) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-t.Done():
			cancel(t.Err())
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}
