// Package node is a platform executing files in a Node.js child process.
// The process is driven through a JSON lines protocol on extra file
// descriptors, stdout and stderr of the process go to the log.
package node

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/CZERTAINLY/jsexec/internal/compile"
	"github.com/CZERTAINLY/jsexec/internal/coverage"
	"github.com/CZERTAINLY/jsexec/internal/instrument"
	"github.com/CZERTAINLY/jsexec/internal/model"
	"github.com/CZERTAINLY/jsexec/internal/platform"
	"github.com/CZERTAINLY/jsexec/internal/walk"
)

const (
	Name          = "node"
	DefaultBinary = "node"
)

type Config struct {
	// Binary defaults to node found in $PATH
	Binary string
	// Args are passed to node before the harness
	Args     []string
	Env      []string
	Compiler *compile.Compiler
}

// ExitError means node went away before it was ready
type ExitError struct {
	Err error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("node exited before ready: %v", e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

type message struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	File      string            `json:"file,omitempty"`
	Overrides map[string]string `json:"overrides,omitempty"`
	Status    string            `json:"status,omitempty"`
	Value     json.RawMessage   `json:"value,omitempty"`
	ErrText   string            `json:"errtext,omitempty"`
	Coverage  coverage.Map      `json:"coverage,omitempty"`
}

// Process is a platform backed by a node child process
type Process struct {
	*platform.Signals

	cmd      *exec.Cmd
	compiler *compile.Compiler
	logger   *slog.Logger

	mx         sync.Mutex
	localWrite *os.File
	localRead  *os.File
	enc        *json.Encoder
	seq        int
	waiters    map[string]chan<- message
	closing    bool
	readDone   chan struct{}
}

var _ platform.Platform = (*Process)(nil)

func NewLauncher(cfg Config) platform.Launcher {
	if cfg.Compiler == nil {
		cfg.Compiler = compile.New()
	}
	return func(ctx context.Context) (platform.Platform, error) {
		return Launch(ctx, cfg)
	}
}

// Launch starts node. The process is owned by the returned platform and
// outlives ctx, use Close or CloseForce to stop it.
func Launch(ctx context.Context, cfg Config) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	binary := cfg.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	if cfg.Compiler == nil {
		cfg.Compiler = compile.New()
	}

	args := append(append([]string(nil), cfg.Args...), "-e", harness)
	cmd := exec.Command(binary, args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	p := &Process{
		Signals:  platform.NewSignals(),
		cmd:      cmd,
		compiler: cfg.Compiler,
		logger:   slog.Default().With("platform", Name),
		waiters:  make(map[string]chan<- message),
		readDone: make(chan struct{}),
	}
	cmd.Stdout = &lineWriter{log: func(line string) {
		p.logger.InfoContext(ctx, line, "source", "stdout")
	}}
	cmd.Stderr = &lineWriter{log: func(line string) {
		p.logger.WarnContext(ctx, line, "source", "stderr")
	}}
	cmd.WaitDelay = time.Second

	// fd 3 is read by node, fd 4 is written by node
	remoteRead, localWrite, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	localRead, remoteWrite, err := os.Pipe()
	if err != nil {
		_ = remoteRead.Close()
		_ = localWrite.Close()
		return nil, err
	}
	cmd.ExtraFiles = []*os.File{remoteRead, remoteWrite}

	err = cmd.Start()
	// the child holds its own copies
	_ = remoteRead.Close()
	_ = remoteWrite.Close()
	if err != nil {
		_ = localRead.Close()
		_ = localWrite.Close()
		return nil, err
	}
	p.localRead = localRead
	p.localWrite = localWrite
	p.enc = json.NewEncoder(localWrite)

	slog.DebugContext(ctx, "node started", "pid", cmd.Process.Pid, "binary", binary)
	go p.read()
	go p.wait()
	return p, nil
}

func (p *Process) read() {
	defer close(p.readDone)
	defer p.localRead.Close()
	scanner := bufio.NewScanner(p.localRead)
	scanner.Buffer(make([]byte, 64*1024), 256*1024*1024)
	for scanner.Scan() {
		var msg message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			p.logger.Error("decoding message from node", "error", err)
			continue
		}
		switch msg.Type {
		case "ready":
			p.MarkStarted()
		case "error":
			p.MarkErrored(errors.New(msg.ErrText))
		case "result":
			p.handleResult(msg)
		default:
			p.logger.Warn("unknown message from node", "type", msg.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Error("reading from node", "error", err)
	}
}

func (p *Process) handleResult(msg message) {
	p.mx.Lock()
	defer p.mx.Unlock()
	w, ok := p.waiters[msg.ID]
	if !ok {
		p.logger.Warn("result of unknown execution", "id", msg.ID)
		return
	}
	delete(p.waiters, msg.ID)
	w <- msg
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	// messages written before the exit are handled first
	<-p.readDone
	p.mx.Lock()
	_ = p.localWrite.Close()
	closing := p.closing
	p.mx.Unlock()

	select {
	case <-p.Started():
	default:
		p.MarkErrored(&ExitError{Err: err})
	}
	if err != nil && !closing {
		p.logger.Debug("node exited", "error", err)
	}
	p.MarkClosed()
}

// sendLocked writes a message, it is ErrClosed once the process is gone
func (p *Process) sendLocked(msg message) error {
	if p.IsClosed() {
		return platform.ErrClosed
	}
	if err := p.enc.Encode(msg); err != nil {
		return fmt.Errorf("%w: %w", platform.ErrClosed, err)
	}
	return nil
}

func (p *Process) Close(reason string) error {
	p.logger.Debug("closing", "reason", reason)
	p.mx.Lock()
	defer p.mx.Unlock()
	p.closing = true
	// a process already gone is closed
	_ = p.sendLocked(message{Type: "close"})
	return nil
}

func (p *Process) CloseForce() error {
	p.mx.Lock()
	p.closing = true
	p.mx.Unlock()
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *Process) Execute(ctx context.Context, file string, opts platform.ExecuteOptions) (platform.Executed, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return platform.Executed{}, err
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	overrides, err := p.overrides(ctx, root, opts)
	if err != nil {
		return platform.Executed{}, err
	}

	ch := make(chan message, 1)
	p.mx.Lock()
	p.seq++
	id := strconv.Itoa(p.seq)
	p.waiters[id] = ch
	err = p.sendLocked(message{
		Type:      "execute",
		ID:        id,
		File:      filepath.Join(root, filepath.FromSlash(file)),
		Overrides: overrides,
	})
	p.mx.Unlock()
	defer func() {
		p.mx.Lock()
		delete(p.waiters, id)
		p.mx.Unlock()
	}()
	if err != nil {
		return platform.Executed{}, err
	}

	select {
	case <-ctx.Done():
		return platform.Executed{}, ctx.Err()
	case <-p.Closed():
		return platform.Executed{}, platform.ErrClosed
	case msg := <-ch:
		return executed(file, msg)
	}
}

// overrides prepares sources node can't load by itself or which are covered,
// keyed by an absolute path
func (p *Process) overrides(ctx context.Context, root string, opts platform.ExecuteOptions) (map[string]string, error) {
	r, err := os.OpenRoot(root)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	in := instrument.New(root, p.compiler)
	ret := make(map[string]string)
	for entry, err := range walk.Root(ctx, r) {
		if err != nil {
			continue
		}
		rel := entry.Path()
		cover := opts.Covers(rel)
		if !cover && !compile.Needed(rel) {
			continue
		}
		src, err := r.ReadFile(filepath.FromSlash(rel))
		if err != nil {
			return nil, err
		}
		code, err := in.Prepare(rel, src, cover)
		if err != nil {
			// node reports the error once the file is required
			p.logger.DebugContext(ctx, "can't prepare source", "path", rel, "error", err)
			continue
		}
		ret[filepath.Join(root, filepath.FromSlash(rel))] = string(code)
	}
	return ret, ctx.Err()
}

func executed(file string, msg message) (platform.Executed, error) {
	cov := msg.Coverage
	if len(cov) == 0 {
		cov = nil
	}
	if msg.Status != "ok" {
		return platform.Executed{
			Status:   model.StatusErrored,
			Error:    &model.ExecutionError{File: file, Cause: errors.New(msg.ErrText)},
			Coverage: cov,
		}, nil
	}
	var value any
	if len(msg.Value) > 0 {
		if err := json.Unmarshal(msg.Value, &value); err != nil {
			return platform.Executed{}, fmt.Errorf("decoding value: %w", err)
		}
	}
	return platform.Executed{
		Status:   model.StatusCompleted,
		Value:    value,
		Coverage: cov,
	}, nil
}

// lineWriter calls log for every complete line written
type lineWriter struct {
	mx  sync.Mutex
	buf []byte
	log func(line string)
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.log(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(b), nil
}

var _ io.Writer = (*lineWriter)(nil)
