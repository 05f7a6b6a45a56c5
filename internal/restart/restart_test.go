package restart_test

import (
	"testing"

	"github.com/CZERTAINLY/jsexec/internal/restart"
	"github.com/stretchr/testify/require"
)

func TestRestart(t *testing.T) {
	t.Parallel()

	t.Run("closed token is a no-op", func(t *testing.T) {
		source := restart.NewSource[int]()
		var notified int
		source.Register(func(string) { notified++ })
		ret, ok := source.Restart("file changed")
		require.False(t, ok)
		require.Zero(t, ret)
		require.Zero(t, notified)
		require.Equal(t, restart.StateIdle, source.State())
	})

	t.Run("open restart is one shot", func(t *testing.T) {
		source := restart.NewSource[string]()
		var calls []string
		source.Token().Open(func(reason string) string {
			calls = append(calls, reason)
			return "restarted:" + reason
		})
		require.True(t, source.Opened())

		var notified []string
		source.Register(func(reason string) { notified = append(notified, reason) })

		ret, ok := source.Restart("a.js")
		require.True(t, ok)
		require.Equal(t, "restarted:a.js", ret)
		require.Equal(t, restart.StateIdle, source.State())

		_, ok = source.Restart("b.js")
		require.False(t, ok)
		require.Equal(t, []string{"a.js"}, calls)
		require.Equal(t, []string{"a.js"}, notified)
	})

	t.Run("open replaces implementation", func(t *testing.T) {
		source := restart.NewSource[int]()
		closeFirst := source.Open(func(string) int { return 1 })
		source.Open(func(string) int { return 2 })
		// closing a replaced implementation does nothing
		closeFirst()
		require.True(t, source.Opened())
		ret, ok := source.Restart("x")
		require.True(t, ok)
		require.Equal(t, 2, ret)
	})

	t.Run("close", func(t *testing.T) {
		source := restart.NewSource[int]()
		closeFn := source.Open(func(string) int { return 1 })
		closeFn()
		require.False(t, source.Opened())
		_, ok := source.Restart("x")
		require.False(t, ok)
	})

	t.Run("restarting state and reopen", func(t *testing.T) {
		source := restart.NewSource[int]()
		var during restart.State
		source.Open(func(string) int {
			during = source.State()
			_, ok := source.Restart("nested")
			require.False(t, ok, "restart while restarting is a no-op")
			source.Open(func(string) int { return 42 })
			return 1
		})
		ret, ok := source.Restart("x")
		require.True(t, ok)
		require.Equal(t, 1, ret)
		require.Equal(t, restart.StateRestarting, during)
		require.Equal(t, restart.StateOpen, source.State())

		ret, ok = source.Restart("y")
		require.True(t, ok)
		require.Equal(t, 42, ret)
	})

	t.Run("unregister", func(t *testing.T) {
		source := restart.NewSource[int]()
		var notified int
		unregister := source.Register(func(string) { notified++ })
		unregister()
		source.Open(func(string) int { return 0 })
		source.Restart("x")
		require.Zero(t, notified)
	})
}

func TestCompose(t *testing.T) {
	t.Parallel()

	hotReload := restart.NewSource[string]()
	manual := restart.NewSource[string]()
	composed := restart.Compose(hotReload.Token(), manual.Token())
	require.False(t, composed.Opened())

	_, ok := composed.Restart("nobody listens")
	require.False(t, ok)

	var calls int
	composed.Open(func(reason string) string {
		calls++
		return "via " + reason
	})
	require.True(t, hotReload.Opened())
	require.True(t, manual.Opened())
	require.True(t, composed.Opened())

	ret, ok := manual.Restart("manual")
	require.True(t, ok)
	require.Equal(t, "via manual", ret)
	require.False(t, hotReload.Opened(), "first restart closes the others")
	require.False(t, manual.Opened())

	_, ok = hotReload.Restart("hot reload")
	require.False(t, ok)
	require.Equal(t, 1, calls)

	closeAll := composed.Open(func(reason string) string { return reason })
	ret, ok = composed.Restart("composed")
	require.True(t, ok)
	require.Equal(t, "composed", ret)
	closeAll()
	require.False(t, composed.Opened())
}
