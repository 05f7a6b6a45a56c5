package node_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/jsexec/internal/model"
	"github.com/CZERTAINLY/jsexec/internal/platform"
	"github.com/CZERTAINLY/jsexec/internal/platform/node"
	"github.com/stretchr/testify/require"
)

func launch(t *testing.T) *node.Process {
	t.Helper()
	if _, err := exec.LookPath(node.DefaultBinary); err != nil {
		t.Skipf("skipped, binary node not available: %v", err)
	}
	p, err := node.Launch(t.Context(), node.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.CloseForce()
		<-p.Closed()
	})
	select {
	case <-p.Started():
	case <-p.Errored():
		t.Fatalf("node errored: %v", p.Err())
	case <-time.After(10 * time.Second):
		t.Fatal("node not started")
	}
	return p
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, src := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
	}
	return root
}

func TestExecute(t *testing.T) {
	t.Parallel()
	root := writeFiles(t, map[string]string{
		"value.js":  "module.exports = async () => ({ sum: 1 + 2 });\n",
		"throw.js":  "throw new Error('boom');\n",
		"typed.ts":  "export default function (): string { return 'typed' }\n",
		"logged.js": "console.log('hello'); module.exports = null;\n",
	})
	p := launch(t)
	opts := platform.ExecuteOptions{Root: root}

	ex, err := p.Execute(t.Context(), "value.js", opts)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, ex.Status)
	require.Equal(t, map[string]any{"sum": float64(3)}, ex.Value)

	ex, err = p.Execute(t.Context(), "throw.js", opts)
	require.NoError(t, err)
	require.Equal(t, model.StatusErrored, ex.Status)
	require.ErrorContains(t, ex.Error, "boom")

	ex, err = p.Execute(t.Context(), "typed.ts", opts)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, ex.Status)
	require.Equal(t, "typed", ex.Value)

	ex, err = p.Execute(t.Context(), "logged.js", opts)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, ex.Status)
	require.Nil(t, ex.Value)
}

func TestCoverage(t *testing.T) {
	t.Parallel()
	root := writeFiles(t, map[string]string{
		"x.test.js": "module.exports = require('./lib.js')(1);\n",
		"lib.js":    "module.exports = function (n) {\n  return n > 0 ? 'pos' : 'neg';\n};\n",
	})
	p := launch(t)

	ex, err := p.Execute(t.Context(), "x.test.js", platform.ExecuteOptions{
		Root:            root,
		CollectCoverage: true,
		Cover:           func(path string) bool { return path == "lib.js" },
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, ex.Status)
	require.Equal(t, "pos", ex.Value)

	require.Equal(t, []string{"lib.js"}, ex.Coverage.Files())
	fc := ex.Coverage["lib.js"]
	require.Equal(t, map[string]int{"0": 1, "1": 1}, fc.S)
	require.Equal(t, []int{1, 0}, fc.B["0"])
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	root := writeFiles(t, map[string]string{
		"exit.js": "process.exit(3);\n",
	})
	p := launch(t)

	_, err := p.Execute(t.Context(), "exit.js", platform.ExecuteOptions{Root: root})
	require.ErrorIs(t, err, platform.ErrClosed)
	<-p.Closed()
}

func TestUncaught(t *testing.T) {
	t.Parallel()
	root := writeFiles(t, map[string]string{
		"late.js": "setTimeout(() => { throw new Error('late failure'); }, 1);\nmodule.exports = new Promise(() => {});\n",
	})
	p := launch(t)

	_, err := p.Execute(t.Context(), "late.js", platform.ExecuteOptions{Root: root})
	require.Error(t, err)
	select {
	case <-p.Errored():
		require.ErrorContains(t, p.Err(), "late failure")
	case <-time.After(10 * time.Second):
		t.Fatal("node not errored")
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	p := launch(t)
	require.NoError(t, p.Close("test"))
	select {
	case <-p.Closed():
	case <-time.After(10 * time.Second):
		t.Fatal("node not closed")
	}
	require.NoError(t, p.Close("again"))
	require.NoError(t, p.CloseForce())
}

func TestLaunchError(t *testing.T) {
	t.Parallel()
	_, err := node.Launch(t.Context(), node.Config{Binary: "does-not-exist-node"})
	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)
}

func TestExitBeforeReady(t *testing.T) {
	t.Parallel()
	bin, err := exec.LookPath("false")
	if err != nil {
		t.Skipf("skipped, binary false not available: %v", err)
	}
	p, err := node.Launch(t.Context(), node.Config{Binary: bin})
	require.NoError(t, err)
	<-p.Closed()
	select {
	case <-p.Errored():
		var exitErr *node.ExitError
		require.ErrorAs(t, p.Err(), &exitErr)
	default:
		t.Fatal("exit before ready is an error")
	}
}
