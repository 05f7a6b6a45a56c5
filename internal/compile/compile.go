// Package compile turns TypeScript, JSX and ES modules into CommonJS both
// platforms can load. Plain CommonJS sources are passed through untouched, so
// coverage locations match the files on disk.
package compile

import (
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

type Error struct {
	Path     string
	Messages []api.Message
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compiling %s:", e.Path)
	for _, m := range e.Messages {
		b.WriteString("\n\t")
		if l := m.Location; l != nil {
			fmt.Fprintf(&b, "%d:%d: ", l.Line, l.Column)
		}
		b.WriteString(m.Text)
	}
	return b.String()
}

type Compiler struct {
	target api.Target
}

func New() *Compiler {
	return &Compiler{
		target: api.ES2017,
	}
}

var loaders = map[string]api.Loader{
	".ts":  api.LoaderTS,
	".mts": api.LoaderTS,
	".cts": api.LoaderTS,
	".tsx": api.LoaderTSX,
	".jsx": api.LoaderJSX,
	".mjs": api.LoaderJS,
}

// Needed reports if a file must be compiled before execution
func Needed(file string) bool {
	_, ok := loaders[strings.ToLower(path.Ext(file))]
	return ok
}

// Extensions returns file extensions the compiler handles
func Extensions() []string {
	return []string{".ts", ".mts", ".cts", ".tsx", ".jsx", ".mjs"}
}

func (c *Compiler) Compile(file string, src []byte) ([]byte, error) {
	loader, ok := loaders[strings.ToLower(path.Ext(file))]
	if !ok {
		return src, nil
	}
	res := api.Transform(string(src), api.TransformOptions{
		Loader:     loader,
		Format:     api.FormatCommonJS,
		Target:     c.target,
		Sourcefile: file,
	})
	if len(res.Errors) > 0 {
		return nil, &Error{Path: file, Messages: res.Errors}
	}
	for _, w := range res.Warnings {
		slog.Debug("compile warning", "path", file, "warning", w.Text)
	}
	return res.Code, nil
}
