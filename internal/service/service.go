package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/CZERTAINLY/jsexec/internal/cancellation"
	"github.com/CZERTAINLY/jsexec/internal/compile"
	"github.com/CZERTAINLY/jsexec/internal/instrument"
	"github.com/CZERTAINLY/jsexec/internal/log"
	"github.com/CZERTAINLY/jsexec/internal/model"
	"github.com/CZERTAINLY/jsexec/internal/plan"
	"github.com/CZERTAINLY/jsexec/internal/platform"
	"github.com/CZERTAINLY/jsexec/internal/report"
	"github.com/CZERTAINLY/jsexec/internal/store"
	"github.com/CZERTAINLY/jsexec/internal/supervisor"
	"github.com/CZERTAINLY/jsexec/internal/walk"
	"github.com/CZERTAINLY/jsexec/internal/watch"
)

// ErrFailed is returned by a run with errored, disconnected or timed out
// executions
var ErrFailed = errors.New("executions failed")

type Service struct {
	cfg      model.Config
	root     string
	oneshot  bool
	compiler *compile.Compiler

	uploaders  []report.Uploader
	validator  report.Validator
	db         *sql.DB
	supervisor *supervisor.Supervisor
	restarts   *supervisor.RestartGroup
	scheduler  gocron.Scheduler
	watcher    *watch.Watcher

	start   chan struct{}
	running atomic.Bool
	runMx   sync.Mutex
}

func New(ctx context.Context, cfg model.Config) (*Service, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}

	validator, err := report.NewValidator()
	if err != nil {
		return nil, err
	}
	uploaders, err := report.Uploaders(cfg.Service.Dir, cfg.Service.RepositoryURL())
	if err != nil {
		return nil, fmt.Errorf("initializing uploaders: %w", err)
	}

	s := &Service{
		cfg:        cfg,
		root:       root,
		oneshot:    cfg.Service.Mode == model.ServiceModeManual,
		compiler:   compile.New(),
		uploaders:  uploaders,
		validator:  validator,
		supervisor: supervisor.New(supervisor.WithForceStopAfter(cfg.Execution.ForceStopAfterDuration())),
		start:      make(chan struct{}, 1),
	}

	if cfg.Service.History != "" {
		s.db, err = store.InitDB(ctx, cfg.Service.History)
		if err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("initializing history: %w", err)
		}
	}

	switch cfg.Service.Mode {
	case model.ServiceModeTimer:
		s.scheduler, err = newScheduler(ctx, cfg.Service.Schedule, s.Start)
		if err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
	case model.ServiceModeWatch:
		s.restarts = supervisor.NewRestartGroup()
		s.watcher, err = watch.New(os.DirFS(root), watchPatterns(cfg), cfg.Service.WatchInterval(), s.changed)
		if err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("watch mode failed: %w", err)
		}
	}
	return s, nil
}

// WithUploaders replaces uploaders of an initialized Service.
// This method exists for a unit testing only.
func (s *Service) WithUploaders(ctx context.Context, uploaders ...report.Uploader) *Service {
	report.CloseAll(ctx, s.uploaders)
	s.uploaders = uploaders
	return s
}

// Start asks for a new run. It never blocks, a request made while another
// one is pending is dropped.
func (s *Service) Start() {
	select {
	case s.start <- struct{}{}:
	default:
	}
}

// Do runs the service loop until ctx is cancelled. In manual mode it runs the
// plan once and returns its error.
func (s *Service) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a service", "mode", s.cfg.Service.Mode, "root", s.root)
	defer s.Close(ctx)

	if s.oneshot {
		_, err := s.Run(ctx)
		return err
	}

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			if err := s.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}
	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := s.watcher.Stop(); err != nil {
				slog.ErrorContext(ctx, "stopping watcher has failed", "error", err)
			}
		}()
		slog.InfoContext(ctx, "watching files", "count", len(s.watcher.Paths()))
		s.Start()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			_, err := s.Run(ctx)
			if err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "run failed", "error", err)
			}
		}
	}
}

// Run executes the plan once, uploads the report and records the run in the
// history. The document is returned even if some executions failed.
func (s *Service) Run(ctx context.Context) (report.Document, error) {
	s.runMx.Lock()
	defer s.runMx.Unlock()
	s.running.Store(true)
	defer s.running.Store(false)

	runID := uuid.NewString()
	ctx = log.ContextAttrs(ctx, slog.String("run_id", runID))
	s.historyStart(ctx, runID)

	doc, err := s.run(ctx, runID)
	if err != nil {
		s.historyErr(ctx, runID, err)
		return doc, err
	}

	var buf bytes.Buffer
	if err := doc.AsJSON(&buf); err != nil {
		s.historyErr(ctx, runID, err)
		return doc, fmt.Errorf("encoding report: %w", err)
	}
	if err := report.UploadAll(ctx, s.uploaders, buf.Bytes()); err != nil {
		s.historyErr(ctx, runID, err)
		return doc, fmt.Errorf("uploading report: %w", err)
	}

	pct := 100.0
	if doc.Summary != nil {
		pct = doc.Summary.Statements.Pct()
	}
	if s.db != nil {
		if err := store.FinishOK(context.WithoutCancel(ctx), s.db, runID, doc.Failed, pct); err != nil {
			slog.ErrorContext(ctx, "recording run has failed", "error", err)
		}
	}
	if doc.Failed > 0 {
		return doc, fmt.Errorf("%w: %d of %d", ErrFailed, doc.Failed, len(doc.Outcomes))
	}
	return doc, nil
}

func (s *Service) run(ctx context.Context, runID string) (report.Document, error) {
	started := time.Now()
	p, filesToCover, err := BuildPlan(ctx, s.cfg, s.root, s.compiler)
	if err != nil {
		return report.Document{}, err
	}
	slog.InfoContext(ctx, "running plan", "platforms", len(p), "files_to_cover", len(filesToCover))

	// platforms kept alive after their execution are stopped with the run
	runSrc := cancellation.NewSource()
	stop := context.AfterFunc(ctx, func() {
		runSrc.Cancel(context.Cause(ctx).Error())
	})
	defer stop()
	defer func() {
		if err := runSrc.Cancel("run finished").Wait(context.WithoutCancel(ctx)); err != nil {
			slog.WarnContext(ctx, "stopping platforms", "error", err)
		}
	}()
	token := runSrc.Token()

	slices.Sort(filesToCover)
	opts := plan.Options{
		Cancellation:         token,
		Restarts:             s.restarts,
		Supervisor:           s.supervisor,
		MaxParallelExecution: s.cfg.Execution.MaxParallel,
		Timeout:              s.cfg.Execution.TimeoutDuration(),
		StopOnceExecuted:     s.cfg.Execution.StopOnceExecuted,
		Verbose:              s.cfg.Service.Verbose,
		Execute: platform.ExecuteOptions{
			Root:            s.root,
			CollectCoverage: len(filesToCover) > 0,
			Cover: func(path string) bool {
				_, ok := slices.BinarySearch(filesToCover, path)
				return ok
			},
		},
		FilesToCover: filesToCover,
		Instrumenter: instrument.New(s.root, s.compiler),
	}
	rep, err := plan.Run(ctx, p, opts)
	if err != nil {
		return report.Document{}, err
	}

	doc := report.New(runID, started, time.Now(), rep)
	if doc.Summary != nil {
		if err := s.validator.Validate(ctx, doc.Coverage); err != nil {
			return doc, err
		}
		slog.InfoContext(ctx, "coverage", "summary", *doc.Summary)
	}
	slog.InfoContext(ctx, "plan finished", "executions", len(doc.Outcomes), "failed", doc.Failed)
	return doc, nil
}

// changed restarts executions in flight, a new run is started when there are
// none
func (s *Service) changed(ctx context.Context, paths []string) {
	reason := "changed: " + strings.Join(paths, ", ")
	if s.running.Load() && s.restarts != nil {
		if reruns := s.restarts.RestartAll(reason); len(reruns) > 0 {
			slog.InfoContext(ctx, "restarting executions", "count", len(reruns), "reason", reason)
			return
		}
	}
	slog.InfoContext(ctx, "starting a run", "reason", reason)
	s.Start()
}

func (s *Service) historyStart(ctx context.Context, runID string) {
	if s.db == nil {
		return
	}
	if err := store.Start(ctx, s.db, runID); err != nil {
		slog.ErrorContext(ctx, "recording run has failed", "error", err)
	}
}

func (s *Service) historyErr(ctx context.Context, runID string, cause error) {
	if s.db == nil {
		return
	}
	// a cancelled run is recorded too
	if err := store.FinishErr(context.WithoutCancel(ctx), s.db, runID, cause.Error()); err != nil {
		slog.ErrorContext(ctx, "recording run has failed", "error", err)
	}
}

// History returns the latest runs, newest first. It is empty without a
// configured history.
func (s *Service) History(ctx context.Context, limit int) ([]store.RunRow, error) {
	if s.db == nil {
		return nil, nil
	}
	return store.Latest(ctx, s.db, limit)
}

// Close releases uploaders and the history, it is called by Do
func (s *Service) Close(ctx context.Context) {
	report.CloseAll(ctx, s.uploaders)
	s.uploaders = nil
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.ErrorContext(ctx, "closing history has failed", "error", err)
		}
		s.db = nil
	}
}

func watchPatterns(cfg model.Config) walk.Patterns {
	var include []string
	for _, e := range cfg.Plan {
		include = append(include, e.Files...)
	}
	if cfg.Coverage != nil {
		include = append(include, cfg.Coverage.Include...)
	}
	return walk.Patterns{Include: include}
}
