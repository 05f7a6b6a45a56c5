package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
)

// Entry is a regular file found by a walk
type Entry interface {
	// Path is a slash separated path relative to the walked root
	Path() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// DefaultExclude are never executed nor covered
var DefaultExclude = []string{"**/node_modules/**", "**/.git/**"}

// Patterns select files by doublestar globs. A file matches when it matches
// at least one include and no exclude pattern.
type Patterns struct {
	Include []string
	Exclude []string
}

func (p Patterns) Validate() error {
	for _, pattern := range slices.Concat(p.Include, p.Exclude) {
		if !doublestar.ValidatePattern(pattern) {
			return &PatternError{Pattern: pattern}
		}
	}
	return nil
}

func (p Patterns) Match(name string) bool {
	return matchAny(p.Include, name) && !matchAny(p.Exclude, name)
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

type PatternError struct {
	Pattern string
}

func (e *PatternError) Error() string {
	return "invalid glob pattern: " + e.Pattern
}

// Root is a convenience wrapper around FS for os.Root. See FS for details.
func Root(ctx context.Context, root *os.Root) iter.Seq2[Entry, error] {
	return FS(ctx, root.FS())
}

// FS recursively walks the filesystem and returns a handle for every regular
// file found or an error if file information retrieval fails. Directories
// matching DefaultExclude are skipped. It does not follow symlinks.
func FS(ctx context.Context, root fs.FS) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Entry, error) bool) {
		fn := func(name string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err == nil && d.IsDir() {
				// a directory is skipped when anything below it is excluded
				if name != "." && matchAny(DefaultExclude, name+"/-") {
					return fs.SkipDir
				}
				return nil
			}
			var entry = fsEntry{
				root: root,
				path: name,
			}
			var yieldErr error
			if err != nil {
				yieldErr = err
			} else {
				info, err := d.Info()
				if err != nil {
					entry.infoErr = err
					yieldErr = err
				} else {
					if !info.Mode().IsRegular() {
						return nil
					}
					entry.info = info
				}
			}

			if !yield(entry, yieldErr) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

// Glob returns sorted paths of files matching the patterns. Unreadable
// entries are skipped.
func Glob(ctx context.Context, root fs.FS, patterns Patterns) ([]string, error) {
	if err := patterns.Validate(); err != nil {
		return nil, err
	}
	var ret []string
	for entry, err := range FS(ctx, root) {
		if err != nil {
			continue
		}
		if patterns.Match(entry.Path()) {
			ret = append(ret, entry.Path())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slices.Sort(ret)
	return ret, nil
}

// fsEntry implements Entry for a filesystem
// it uses root.Open to open the file
type fsEntry struct {
	root    fs.FS
	path    string
	info    fs.FileInfo
	infoErr error
}

func (e fsEntry) Path() string {
	return path.Clean(e.path)
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.root.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
