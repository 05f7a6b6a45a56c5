// Package gojavm is an in-process platform executing CommonJS files in an
// embedded goja runtime driven by an event loop.
package gojavm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/jsexec/internal/compile"
	"github.com/CZERTAINLY/jsexec/internal/coverage"
	"github.com/CZERTAINLY/jsexec/internal/instrument"
	"github.com/CZERTAINLY/jsexec/internal/model"
	"github.com/CZERTAINLY/jsexec/internal/platform"
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
)

const Name = "goja"

// settle resolves a module value: the default export or the exports object, a
// function is called and a thenable awaited. The value is passed as JSON.
const settleSrc = `(function (exports, ok, fail) {
	function coverage() {
		return JSON.stringify(globalThis.__coverage__ || {});
	}
	function failed(e) {
		fail(e instanceof Error ? (e.stack || String(e)) : String(e), coverage());
	}
	try {
		var v = exports != null && exports.default !== undefined ? exports.default : exports;
		if (typeof v === "function") {
			v = v();
		}
		Promise.resolve(v).then(function (r) {
			var s;
			try {
				s = JSON.stringify(r === undefined ? null : r);
			} catch (e) {
				failed(e);
				return;
			}
			ok(s, coverage());
		}, failed);
	} catch (e) {
		failed(e);
	}
})`

var settleProg = goja.MustCompile("settle.js", settleSrc, false)

// ExitError is reported when an executed file called process.exit
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process.exit(%d)", e.Code)
}

type Config struct {
	Compiler *compile.Compiler
}

// VM is a platform backed by a single goja runtime
type VM struct {
	*platform.Signals

	loop     *eventloop.EventLoop
	req      *require.RequireModule
	vm       atomic.Pointer[goja.Runtime]
	compiler *compile.Compiler
	logger   *slog.Logger

	prep      atomic.Pointer[preparer]
	closeOnce sync.Once
}

var _ platform.Platform = (*VM)(nil)

type preparer struct {
	opts platform.ExecuteOptions
	in   *instrument.Instrumenter
}

// NewLauncher returns a launcher creating a new runtime per call
func NewLauncher(cfg Config) platform.Launcher {
	if cfg.Compiler == nil {
		cfg.Compiler = compile.New()
	}
	return func(ctx context.Context) (platform.Platform, error) {
		return Launch(ctx, cfg)
	}
}

func Launch(ctx context.Context, cfg Config) (*VM, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := &VM{
		Signals:  platform.NewSignals(),
		compiler: cfg.Compiler,
		logger:   slog.Default().With("platform", Name),
	}
	if p.compiler == nil {
		p.compiler = compile.New()
	}

	reg := require.NewRegistry(require.WithLoader(p.load))
	reg.RegisterNativeModule("console", console.RequireWithPrinter(printer{logger: p.logger}))
	p.loop = eventloop.NewEventLoop(eventloop.EnableConsole(false), eventloop.WithRegistry(reg))
	p.loop.Start()

	ok := p.loop.RunOnLoop(func(vm *goja.Runtime) {
		p.vm.Store(vm)
		p.req = reg.Enable(vm)
		console.Enable(vm)

		process := vm.NewObject()
		if err := process.Set("exit", p.exit); err != nil {
			p.MarkErrored(err)
			return
		}
		if err := vm.Set("process", process); err != nil {
			p.MarkErrored(err)
			return
		}
		p.MarkStarted()
	})
	if !ok {
		return nil, errors.New("event loop not running")
	}
	return p, nil
}

// exit ends the runtime as if the process went away
func (p *VM) exit(call goja.FunctionCall) goja.Value {
	code := int(call.Argument(0).ToInteger())
	p.logger.Debug("process.exit called", "code", code)
	p.vm.Load().Interrupt(&ExitError{Code: code})
	p.loop.StopNoWait()
	p.MarkClosed()
	return goja.Undefined()
}

func (p *VM) Close(reason string) error {
	p.logger.Debug("closing", "reason", reason)
	p.closeOnce.Do(func() {
		go func() {
			p.loop.Terminate()
			p.MarkClosed()
		}()
	})
	return nil
}

func (p *VM) CloseForce() error {
	if vm := p.vm.Load(); vm != nil {
		vm.Interrupt(errors.New("closed by force"))
	}
	p.loop.StopNoWait()
	p.MarkClosed()
	return nil
}

type settled struct {
	value    string
	errText  string
	failed   bool
	coverage string
	err      error
}

func (p *VM) Execute(ctx context.Context, file string, opts platform.ExecuteOptions) (platform.Executed, error) {
	p.prep.Store(&preparer{
		opts: opts,
		in:   instrument.New(opts.Root, p.compiler),
	})

	done := make(chan settled, 1)
	send := func(s settled) {
		select {
		case done <- s:
		default:
		}
	}
	ok := p.loop.RunOnLoop(func(vm *goja.Runtime) {
		exports, err := p.req.Require("./" + path.Clean(filepath.ToSlash(file)))
		if err != nil {
			send(settled{err: err, coverage: coverageJSON(vm)})
			return
		}
		fn, err := vm.RunProgram(settleProg)
		if err != nil {
			send(settled{err: err})
			return
		}
		settle, _ := goja.AssertFunction(fn)
		_, err = settle(goja.Undefined(), exports,
			vm.ToValue(func(value, cov string) {
				send(settled{value: value, coverage: cov})
			}),
			vm.ToValue(func(errText, cov string) {
				send(settled{failed: true, errText: errText, coverage: cov})
			}),
		)
		if err != nil {
			send(settled{err: err})
		}
	})
	if !ok {
		return platform.Executed{}, platform.ErrClosed
	}

	select {
	case <-ctx.Done():
		return platform.Executed{}, ctx.Err()
	case <-p.Closed():
		return platform.Executed{}, platform.ErrClosed
	case s := <-done:
		return p.executed(file, s)
	}
}

func (p *VM) executed(file string, s settled) (platform.Executed, error) {
	var interrupted *goja.InterruptedError
	if errors.As(s.err, &interrupted) {
		return platform.Executed{}, platform.ErrClosed
	}

	var cov coverage.Map
	if s.coverage != "" && s.coverage != "{}" {
		if err := json.Unmarshal([]byte(s.coverage), &cov); err != nil {
			return platform.Executed{}, fmt.Errorf("decoding coverage: %w", err)
		}
	}

	switch {
	case s.err != nil:
		return platform.Executed{
			Status:   model.StatusErrored,
			Error:    &model.ExecutionError{File: file, Cause: s.err},
			Coverage: cov,
		}, nil
	case s.failed:
		return platform.Executed{
			Status:   model.StatusErrored,
			Error:    &model.ExecutionError{File: file, Cause: errors.New(s.errText)},
			Coverage: cov,
		}, nil
	}

	var value any
	if err := json.Unmarshal([]byte(s.value), &value); err != nil {
		return platform.Executed{}, fmt.Errorf("decoding value: %w", err)
	}
	return platform.Executed{
		Status:   model.StatusCompleted,
		Value:    value,
		Coverage: cov,
	}, nil
}

func coverageJSON(vm *goja.Runtime) string {
	v, err := vm.RunString("JSON.stringify(globalThis.__coverage__ || {})")
	if err != nil {
		return ""
	}
	return v.String()
}

// load reads modules from the execution root, compiling and instrumenting
// them on the way
func (p *VM) load(name string) ([]byte, error) {
	prep := p.prep.Load()
	if prep == nil {
		return nil, require.ModuleFileDoesNotExistError
	}
	rel := strings.TrimPrefix(path.Clean(filepath.ToSlash(name)), "/")

	root, err := os.OpenRoot(prep.opts.Root)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	info, err := root.Stat(filepath.FromSlash(rel))
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return nil, require.ModuleFileDoesNotExistError
	}
	if err != nil {
		return nil, err
	}
	src, err := root.ReadFile(filepath.FromSlash(rel))
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(path.Ext(rel), ".json") {
		return src, nil
	}
	return prep.in.Prepare(rel, src, prep.opts.Covers(rel))
}

// printer sends console output to the logger
type printer struct {
	logger *slog.Logger
}

func (p printer) Log(s string)   { p.logger.Info(s, "source", "console") }
func (p printer) Warn(s string)  { p.logger.Warn(s, "source", "console") }
func (p printer) Error(s string) { p.logger.Error(s, "source", "console") }
