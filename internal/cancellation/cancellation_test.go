package cancellation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/jsexec/internal/cancellation"
	"github.com/CZERTAINLY/jsexec/internal/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSource(t *testing.T) {
	t.Parallel()

	t.Run("not requested", func(t *testing.T) {
		token := cancellation.NewSource().Token()
		require.False(t, token.Requested())
		require.NoError(t, token.Err())
		require.Empty(t, token.Reason())
		select {
		case <-token.Done():
			t.Fatal("token must not be done")
		default:
		}
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		source := cancellation.NewSource()
		first := source.Cancel("first")
		second := source.Cancel("second")
		require.Same(t, first, second)
		require.NoError(t, first.Wait(t.Context()))
		require.Same(t, first, source.Cancel("third"))
		require.Equal(t, "first", source.Token().Reason())
	})

	t.Run("err", func(t *testing.T) {
		source := cancellation.NewSource()
		source.Cancel("file changed")
		err := source.Token().Err()
		require.Error(t, err)
		require.ErrorIs(t, err, model.ErrCancelled)
		var cancelled *model.CancelledError
		require.ErrorAs(t, err, &cancelled)
		require.Equal(t, "file changed", cancelled.Reason)
		require.EqualError(t, err, "cancelled: file changed")
	})

	t.Run("callbacks in registration order", func(t *testing.T) {
		source := cancellation.NewSource()
		token := source.Token()

		var mx sync.Mutex
		var calls []string
		record := func(name string, d time.Duration) cancellation.Callback {
			return func(reason string) error {
				time.Sleep(d)
				mx.Lock()
				defer mx.Unlock()
				calls = append(calls, name+":"+reason)
				return nil
			}
		}
		token.Register(record("slow", 20*time.Millisecond))
		unregister := token.Register(record("removed", 0))
		token.Register(record("fast", 0))
		unregister()

		c := source.Cancel("stop")
		require.NoError(t, c.Wait(t.Context()))
		require.Equal(t, []string{"slow:stop", "fast:stop"}, calls)
	})

	t.Run("callback errors joined", func(t *testing.T) {
		source := cancellation.NewSource()
		errA := errors.New("a")
		errB := errors.New("b")
		source.Token().Register(func(string) error { return errA })
		source.Token().Register(func(string) error { return nil })
		source.Token().Register(func(string) error { return errB })
		err := source.Cancel("x").Wait(t.Context())
		require.ErrorIs(t, err, errA)
		require.ErrorIs(t, err, errB)
	})

	t.Run("register after cancel runs immediately", func(t *testing.T) {
		source := cancellation.NewSource()
		require.NoError(t, source.Cancel("late").Wait(t.Context()))
		var got string
		unregister := source.Token().Register(func(reason string) error {
			got = reason
			return nil
		})
		require.Equal(t, "late", got)
		unregister()
	})

	t.Run("wait honors context", func(t *testing.T) {
		source := cancellation.NewSource()
		release := make(chan struct{})
		source.Token().Register(func(string) error {
			<-release
			return nil
		})
		c := source.Cancel("blocked")
		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)
		close(release)
		require.NoError(t, c.Wait(t.Context()))
	})
}

func TestCompose(t *testing.T) {
	t.Parallel()

	t.Run("requested iff any underlying is", func(t *testing.T) {
		a := cancellation.NewSource()
		b := cancellation.NewSource()
		c := cancellation.NewSource()
		composed := cancellation.Compose(a.Token(), b.Token(), c.Token())
		t.Cleanup(composed.Release)

		require.False(t, composed.Requested())
		b.Cancel("b")
		require.True(t, composed.Requested())
		require.Equal(t, "b", composed.Reason())
		<-composed.Done()

		a.Cancel("a")
		require.Equal(t, "b", composed.Reason(), "first reason wins")
	})

	t.Run("callbacks fire once and underlying cancel waits", func(t *testing.T) {
		a := cancellation.NewSource()
		b := cancellation.NewSource()
		composed := cancellation.Compose(a.Token(), b.Token())
		t.Cleanup(composed.Release)

		var mx sync.Mutex
		var calls []string
		composed.Register(func(reason string) error {
			time.Sleep(10 * time.Millisecond)
			mx.Lock()
			defer mx.Unlock()
			calls = append(calls, "first:"+reason)
			return nil
		})
		composed.Register(func(reason string) error {
			mx.Lock()
			defer mx.Unlock()
			calls = append(calls, "second:"+reason)
			return nil
		})

		require.NoError(t, a.Cancel("a").Wait(t.Context()))
		mx.Lock()
		require.Equal(t, []string{"first:a", "second:a"}, calls)
		mx.Unlock()

		require.NoError(t, b.Cancel("b").Wait(t.Context()))
		mx.Lock()
		require.Len(t, calls, 2)
		mx.Unlock()
	})

	t.Run("already requested", func(t *testing.T) {
		a := cancellation.NewSource()
		a.Cancel("early")
		composed := cancellation.Compose(cancellation.None(), a.Token())
		t.Cleanup(composed.Release)
		require.True(t, composed.Requested())
		require.ErrorIs(t, composed.Err(), model.ErrCancelled)
		require.Equal(t, "early", composed.Reason())
	})

	t.Run("nested", func(t *testing.T) {
		a := cancellation.NewSource()
		inner := cancellation.Compose(a.Token())
		t.Cleanup(inner.Release)
		outer := cancellation.Compose(inner, cancellation.None())
		t.Cleanup(outer.Release)

		called := make(chan string, 1)
		outer.Register(func(reason string) error {
			called <- reason
			return nil
		})
		a.Cancel("deep")
		require.Equal(t, "deep", <-called)
		require.True(t, outer.Requested())
	})

	t.Run("release", func(t *testing.T) {
		a := cancellation.NewSource()
		composed := cancellation.Compose(a.Token())
		composed.Release()
		a.Cancel("after release")
		require.False(t, composed.Requested())
	})
}

func TestContext(t *testing.T) {
	t.Parallel()

	t.Run("from context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		token, stop := cancellation.FromContext(ctx)
		defer stop()
		require.False(t, token.Requested())
		cancel()
		<-token.Done()
		require.Equal(t, context.Canceled.Error(), token.Reason())
	})

	t.Run("to context", func(t *testing.T) {
		source := cancellation.NewSource()
		ctx, cancel := cancellation.Context(t.Context(), source.Token())
		defer cancel()
		source.Cancel("bye")
		<-ctx.Done()
		require.ErrorIs(t, context.Cause(ctx), model.ErrCancelled)
	})
}
