package watch_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/jsexec/internal/walk"
	"github.com/CZERTAINLY/jsexec/internal/watch"
	"github.com/stretchr/testify/require"
)

var jsFiles = walk.Patterns{Include: []string{"**/*.js"}}

func write(t *testing.T, root, name, content string) {
	t.Helper()
	p := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

type recorder struct {
	mx    sync.Mutex
	calls [][]string
}

func (r *recorder) onChange(_ context.Context, paths []string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.calls = append(r.calls, paths)
}

func (r *recorder) len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.calls)
}

func TestPoll(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, "src/a.js", "1")
	write(t, root, "src/b.js", "2")
	write(t, root, "README.md", "readme")

	var rec recorder
	w, err := watch.New(os.DirFS(root), jsFiles, time.Hour, rec.onChange)
	require.NoError(t, err)

	// the first poll is a snapshot
	require.Nil(t, w.Poll(t.Context()))
	require.Equal(t, []string{"src/a.js", "src/b.js"}, w.Paths())
	require.Nil(t, w.Poll(t.Context()))

	write(t, root, "src/a.js", "changed")
	write(t, root, "src/c.js", "3")
	require.NoError(t, os.Remove(filepath.Join(root, "src/b.js")))
	write(t, root, "README.md", "ignored change")

	require.Equal(t, []string{"src/a.js", "src/b.js", "src/c.js"}, w.Poll(t.Context()))
	require.Equal(t, [][]string{{"src/a.js", "src/b.js", "src/c.js"}}, rec.calls)
	require.Nil(t, w.Poll(t.Context()))
}

func TestStart(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, "a.js", "1")

	var rec recorder
	w, err := watch.New(os.DirFS(root), jsFiles, 10*time.Millisecond, rec.onChange)
	require.NoError(t, err)
	require.NoError(t, w.Start(t.Context()))
	t.Cleanup(func() { _ = w.Stop() })
	require.Error(t, w.Start(t.Context()))

	write(t, root, "a.js", "changed")
	require.Eventually(t, func() bool { return rec.len() > 0 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestNew(t *testing.T) {
	t.Parallel()
	noop := func(context.Context, []string) {}
	_, err := watch.New(nil, jsFiles, 0, noop)
	require.Error(t, err)
	_, err = watch.New(os.DirFS(t.TempDir()), jsFiles, 0, nil)
	require.Error(t, err)
	_, err = watch.New(os.DirFS(t.TempDir()), walk.Patterns{Include: []string{"[.js"}}, 0, noop)
	var perr *walk.PatternError
	require.ErrorAs(t, err, &perr)
}
