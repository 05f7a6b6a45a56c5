package instrument

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/jsexec/internal/compile"
	"github.com/CZERTAINLY/jsexec/internal/coverage"
)

// Instrumenter compiles and instruments files under a root directory
type Instrumenter struct {
	root     string
	compiler *compile.Compiler
}

func New(root string, compiler *compile.Compiler) *Instrumenter {
	if compiler == nil {
		compiler = compile.New()
	}
	return &Instrumenter{
		root:     root,
		compiler: compiler,
	}
}

// Prepare turns a source into code a platform can load: compiled to CommonJS
// and with coverage counters when cover is true.
func (i *Instrumenter) Prepare(path string, src []byte, cover bool) ([]byte, error) {
	code, err := i.compiler.Compile(path, src)
	if err != nil {
		return nil, err
	}
	if !cover {
		return code, nil
	}
	code, _, err = Instrument(path, code)
	return code, err
}

// Static returns the zero coverage of a file relative to the root. The file
// is never evaluated.
func (i *Instrumenter) Static(ctx context.Context, path string) (*coverage.FileCoverage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(i.root)
	if err != nil {
		return nil, fmt.Errorf("opening root %s: %w", i.root, err)
	}
	defer root.Close()

	src, err := root.ReadFile(filepath.FromSlash(path))
	if err != nil {
		return nil, err
	}
	code, err := i.compiler.Compile(path, src)
	if err != nil {
		return nil, err
	}
	_, fc, err := Instrument(path, code)
	return fc, err
}

var _ coverage.Instrumenter = (*Instrumenter)(nil)
