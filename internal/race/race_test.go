package race_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/jsexec/internal/race"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// manual is a source fired by the test
type manual struct {
	mx           sync.Mutex
	fire         func(int)
	unregistered bool
}

func (m *manual) register(fire func(int)) func() {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.fire = fire
	return func() {
		m.mx.Lock()
		defer m.mx.Unlock()
		m.unregistered = true
	}
}

func (m *manual) trigger(v int) {
	m.mx.Lock()
	fire := m.fire
	m.mx.Unlock()
	fire(v)
}

func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("exactly one callback", func(t *testing.T) {
		var calls atomic.Int32
		var got atomic.Int32
		sources := map[string]race.Source[int]{}
		manuals := make([]*manual, 5)
		for i := range manuals {
			m := &manual{}
			manuals[i] = m
			sources[string(rune('a'+i))] = race.Source[int]{
				Register: m.register,
				Callback: func(v int) {
					calls.Add(1)
					got.Store(int32(v))
				},
			}
		}
		race.Run(sources)

		manuals[2].trigger(42)
		// late fires are ignored
		manuals[0].trigger(1)
		manuals[4].trigger(2)
		manuals[2].trigger(3)

		require.Equal(t, int32(1), calls.Load())
		require.Equal(t, int32(42), got.Load())
		for _, m := range manuals {
			require.True(t, m.unregistered)
		}
	})

	t.Run("unregister before callback", func(t *testing.T) {
		first := &manual{}
		second := &manual{}
		var calls atomic.Int32
		race.Run(map[string]race.Source[int]{
			"first": {
				Register: first.register,
				Callback: func(int) {
					calls.Add(1)
					require.True(t, first.unregistered)
					require.True(t, second.unregistered)
					// a callback firing another source must not resolve the race twice
					second.trigger(2)
				},
			},
			"second": {
				Register: second.register,
				Callback: func(int) { calls.Add(1) },
			},
		})
		first.trigger(1)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("fire during register", func(t *testing.T) {
		var registered []string
		var calls atomic.Int32
		sources := map[string]race.Source[string]{
			"a": {
				Register: func(fire func(string)) func() {
					registered = append(registered, "a")
					fire("a")
					return func() {}
				},
				Callback: func(string) { calls.Add(1) },
			},
			"b": {
				Register: func(fire func(string)) func() {
					registered = append(registered, "b")
					return func() {}
				},
				Callback: func(string) { calls.Add(1) },
			},
		}
		race.Run(sources)
		require.Equal(t, []string{"a"}, registered)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("cancel all", func(t *testing.T) {
		m := &manual{}
		var calls atomic.Int32
		cancelAll := race.Run(map[string]race.Source[int]{
			"m": {Register: m.register, Callback: func(int) { calls.Add(1) }},
		})
		cancelAll()
		require.True(t, m.unregistered)
		m.trigger(1)
		require.Zero(t, calls.Load())
	})
}

func TestAwait(t *testing.T) {
	t.Parallel()

	t.Run("channels", func(t *testing.T) {
		values := make(chan int, 1)
		closed := make(chan struct{})
		never := make(chan int)
		values <- 7
		name, v, err := race.Await(t.Context(), map[string]race.Register[int]{
			"value": race.Chan(values, func(i int) (int, bool) { return i * 2, true }),
			"never": race.Chan(never, func(i int) (int, bool) { return i, true }),
		})
		require.NoError(t, err)
		require.Equal(t, "value", name)
		require.Equal(t, 14, v)

		close(closed)
		name, v, err = race.Await(t.Context(), map[string]race.Register[int]{
			"closed": race.Signal(closed, func() int { return -1 }),
			"never":  race.Chan(never, func(i int) (int, bool) { return i, true }),
		})
		require.NoError(t, err)
		require.Equal(t, "closed", name)
		require.Equal(t, -1, v)
	})

	t.Run("filtered value does not fire", func(t *testing.T) {
		values := make(chan int, 1)
		values <- 1
		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		_, _, err := race.Await(ctx, map[string]race.Register[int]{
			"odd": race.Chan(values, func(i int) (int, bool) { return i, i%2 == 0 }),
		})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
