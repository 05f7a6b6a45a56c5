// Package watch polls a directory tree and reports changed files. It drives
// restarts of in-flight executions in the watch mode.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/jsexec/internal/walk"
)

const DefaultInterval = time.Second

// OnChange receives sorted paths of files added, modified or removed since
// the last poll
type OnChange func(ctx context.Context, paths []string)

type stamp struct {
	modTime time.Time
	size    int64
}

type Watcher struct {
	root     fs.FS
	patterns walk.Patterns
	interval time.Duration
	onChange OnChange

	mx        sync.Mutex
	last      map[string]stamp
	scheduler gocron.Scheduler
}

func New(root fs.FS, patterns walk.Patterns, interval time.Duration, onChange OnChange) (*Watcher, error) {
	if root == nil {
		return nil, errors.New("watch: root is nil")
	}
	if onChange == nil {
		return nil, errors.New("watch: onChange is nil")
	}
	if err := patterns.Validate(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{
		root:     root,
		patterns: patterns,
		interval: interval,
		onChange: onChange,
	}, nil
}

// Start takes the initial snapshot and polls every interval until Stop
func (w *Watcher) Start(ctx context.Context) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.scheduler != nil {
		return errors.New("watch: already started")
	}
	w.last = w.snapshot(ctx)

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(func() { w.Poll(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}
	s.Start()
	w.scheduler = s
	slog.DebugContext(ctx, "watching", "interval", w.interval.String(), "include", w.patterns.Include)
	return nil
}

func (w *Watcher) Stop() error {
	w.mx.Lock()
	s := w.scheduler
	w.scheduler = nil
	w.mx.Unlock()
	if s == nil {
		return nil
	}
	return s.Shutdown()
}

// Poll compares the tree with the previous snapshot and calls OnChange when
// anything differs. It returns the changed paths.
func (w *Watcher) Poll(ctx context.Context) []string {
	current := w.snapshot(ctx)
	if ctx.Err() != nil {
		return nil
	}

	w.mx.Lock()
	prev := w.last
	w.last = current
	w.mx.Unlock()
	if prev == nil {
		return nil
	}

	changed := diff(prev, current)
	if len(changed) == 0 {
		return nil
	}
	slog.DebugContext(ctx, "files changed", "paths", changed)
	w.onChange(ctx, changed)
	return changed
}

func (w *Watcher) snapshot(ctx context.Context) map[string]stamp {
	ret := make(map[string]stamp)
	for entry, err := range walk.FS(ctx, w.root) {
		if err != nil {
			continue
		}
		if !w.patterns.Match(entry.Path()) {
			continue
		}
		info, err := entry.Stat()
		if err != nil {
			continue
		}
		ret[entry.Path()] = stamp{modTime: info.ModTime(), size: info.Size()}
	}
	return ret
}

func diff(prev, current map[string]stamp) []string {
	var ret []string
	for path, s := range current {
		if p, ok := prev[path]; !ok || !p.modTime.Equal(s.modTime) || p.size != s.size {
			ret = append(ret, path)
		}
	}
	for path := range prev {
		if _, ok := current[path]; !ok {
			ret = append(ret, path)
		}
	}
	slices.Sort(ret)
	return slices.Compact(ret)
}

// Paths returns the sorted paths of the last snapshot
func (w *Watcher) Paths() []string {
	w.mx.Lock()
	defer w.mx.Unlock()
	return slices.Sorted(maps.Keys(w.last))
}
