// Package instrument inserts Istanbul compatible coverage counters into
// JavaScript sources. Counters are plain text insertions at byte offsets taken
// from the goja parser, the rest of the source is kept byte for byte, so line
// numbers of stack traces stay the same.
package instrument

import (
	"cmp"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"slices"
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/CZERTAINLY/jsexec/internal/coverage"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"
)

// sources are parsed as a function body, CommonJS modules may return from
// the top level
const (
	wrapPrefix = "(function () {"
	wrapSuffix = "\n})"
)

type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Instrument returns src with coverage counters and the static coverage of
// the file with zero counters. Counters are stored in
// globalThis.__coverage__[path].
func Instrument(path string, src []byte) ([]byte, *coverage.FileCoverage, error) {
	prog, err := parser.ParseFile(nil, path, wrapPrefix+string(src)+wrapSuffix, 0)
	if err != nil {
		return nil, nil, &ParseError{Path: path, Err: err}
	}
	module := firstFunction(prog)
	if module == nil || module.Body == nil {
		return nil, nil, &ParseError{Path: path, Err: fmt.Errorf("no module body")}
	}

	in := newInstrumenter(path, string(src))
	headerAt := 0
	if end := in.directives(module.Body.List); end > 0 {
		headerAt = end
	}
	for _, s := range module.Body.List {
		walk(s, in.visit)
	}

	header, err := in.header()
	if err != nil {
		return nil, nil, err
	}
	return in.apply(headerAt, header), in.fc, nil
}

// VarName returns a name of the variable holding counters of path
func VarName(path string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return fmt.Sprintf("__cov_%08x", h.Sum32())
}

type insertion struct {
	offset  int
	seq     int
	closing bool
	text    string
}

type instrumenter struct {
	src   string
	lines []int
	name  string
	fc    *coverage.FileCoverage
	ins   []insertion
	// statements not counted: directives and labelled statements
	skip map[any]bool
	// logical expressions flattened into an outer branch
	handled map[any]bool
	// names of anonymous functions assigned to a binding or a method
	names map[any]string
	nS    int
	nF    int
	nB    int
}

func newInstrumenter(path, src string) *instrumenter {
	lines := []int{0}
	for i := range len(src) {
		if src[i] == '\n' {
			lines = append(lines, i+1)
		}
	}
	return &instrumenter{
		src:     src,
		lines:   lines,
		name:    VarName(path),
		fc:      coverage.Empty(path),
		skip:    make(map[any]bool),
		handled: make(map[any]bool),
		names:   make(map[any]string),
	}
}

func (in *instrumenter) off(idx file.Idx) int {
	o := int(idx) - 1 - len(wrapPrefix)
	return max(0, min(o, len(in.src)))
}

func (in *instrumenter) pos(offset int) coverage.Location {
	line := sort.Search(len(in.lines), func(i int) bool { return in.lines[i] > offset }) - 1
	start := in.lines[line]
	return coverage.Location{
		Line:   line + 1,
		Column: utf16Len(in.src[start:offset]),
	}
}

// utf16Len counts UTF-16 code units, columns of JavaScript tooling use them
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

func (in *instrumenter) rng(start, end int) coverage.Range {
	return coverage.Range{Start: in.pos(start), End: in.pos(end)}
}

func (in *instrumenter) text(n ast.Node) string {
	return in.src[in.off(n.Idx0()):in.off(n.Idx1())]
}

func (in *instrumenter) insert(offset int, closing bool, text string) {
	in.ins = append(in.ins, insertion{
		offset:  offset,
		seq:     len(in.ins) + 1,
		closing: closing,
		text:    text,
	})
}

// wrap surrounds [start, end) by open and close
func (in *instrumenter) wrap(start, end int, open, close string) {
	in.insert(start, false, open)
	in.insert(end, true, close)
}

// apply merges insertions into the source. At the same offset closing texts
// go first, the inner (later created) ones before the outer ones; opening
// texts follow with the outer ones first.
func (in *instrumenter) apply(headerAt int, header string) []byte {
	ins := append(in.ins, insertion{offset: headerAt, text: header})
	slices.SortFunc(ins, func(a, b insertion) int {
		if c := cmp.Compare(a.offset, b.offset); c != 0 {
			return c
		}
		if a.closing != b.closing {
			if a.closing {
				return -1
			}
			return 1
		}
		if a.closing {
			return cmp.Compare(b.seq, a.seq)
		}
		return cmp.Compare(a.seq, b.seq)
	})

	var b strings.Builder
	b.Grow(len(in.src) + len(header) + 24*len(ins))
	prev := 0
	for _, x := range ins {
		b.WriteString(in.src[prev:x.offset])
		b.WriteString(x.text)
		prev = x.offset
	}
	b.WriteString(in.src[prev:])
	return []byte(b.String())
}

func (in *instrumenter) header() (string, error) {
	data, err := json.Marshal(in.fc)
	if err != nil {
		return "", err
	}
	path, err := json.Marshal(in.fc.Path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"var %s = (function () { var g = globalThis.__coverage__ = globalThis.__coverage__ || {}; return g[%s] || (g[%s] = %s); })();",
		in.name, path, path, data), nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// span returns byte offsets of a statement. Parentheses around a leading
// expression and a trailing semicolon are included, the parser leaves both
// out.
func (in *instrumenter) span(s ast.Statement) (int, int) {
	start, end := in.off(s.Idx0()), in.off(s.Idx1())
	if _, ok := s.(*ast.BlockStatement); ok {
		return start, end
	}
	opened := 0
	for j := start - 1; j >= 0; j-- {
		c := in.src[j]
		if c == '(' {
			opened++
			start = j
			continue
		}
		if !isSpace(c) {
			break
		}
	}
	for j := end; opened > 0 && j < len(in.src); j++ {
		c := in.src[j]
		if c == ')' {
			opened--
			end = j + 1
			continue
		}
		if !isSpace(c) {
			break
		}
	}
	for j := end; j < len(in.src); j++ {
		c := in.src[j]
		if c == ';' {
			end = j + 1
			break
		}
		if c != ' ' && c != '\t' {
			break
		}
	}
	return start, end
}

// directives marks the directive prologue of a body and returns its end or -1
func (in *instrumenter) directives(list []ast.Statement) int {
	end := -1
	for _, s := range list {
		es, ok := s.(*ast.ExpressionStatement)
		if !ok {
			break
		}
		if _, ok := es.Expression.(*ast.StringLiteral); !ok {
			break
		}
		in.skip[s] = true
		_, end = in.span(s)
	}
	return end
}

func (in *instrumenter) sInc(k int) string {
	return fmt.Sprintf("%s.s[%d]++;", in.name, k)
}

func (in *instrumenter) fInc(k int) string {
	return fmt.Sprintf("%s.f[%d]++", in.name, k)
}

func (in *instrumenter) bInc(k, i int) string {
	return fmt.Sprintf("%s.b[%d][%d]++", in.name, k, i)
}

func (in *instrumenter) statement(s ast.Statement) {
	switch any(s).(type) {
	case *ast.BlockStatement, *ast.EmptyStatement, *ast.FunctionDeclaration,
		*ast.ClassDeclaration, *ast.CaseStatement, *ast.CatchStatement, *ast.BadStatement:
		return
	}
	if in.skip[s] {
		return
	}
	start, end := in.span(s)
	k := in.nS
	in.nS++
	in.fc.StatementMap[coverage.Key(k)] = in.rng(start, end)
	in.fc.S[coverage.Key(k)] = 0
	in.insert(start, false, in.sInc(k))
}

func (in *instrumenter) function(name string, decl, loc coverage.Range) int {
	k := in.nF
	in.nF++
	if name == "" {
		name = fmt.Sprintf("(anonymous_%d)", k)
	}
	in.fc.FnMap[coverage.Key(k)] = coverage.Function{
		Name: name,
		Decl: decl,
		Loc:  loc,
		Line: loc.Start.Line,
	}
	in.fc.F[coverage.Key(k)] = 0
	return k
}

func (in *instrumenter) branch(typ string, loc coverage.Range, locations []coverage.Range) int {
	k := in.nB
	in.nB++
	in.fc.BranchMap[coverage.Key(k)] = coverage.Branch{
		Type:      typ,
		Loc:       loc,
		Locations: locations,
		Line:      loc.Start.Line,
	}
	in.fc.B[coverage.Key(k)] = make([]int, len(locations))
	return k
}

// functionBody counts a function call at the start of its body, after the
// directive prologue
func (in *instrumenter) functionBody(k int, body *ast.BlockStatement) {
	at := in.off(body.LeftBrace) + 1
	if end := in.directives(body.List); end > at {
		at = end
	}
	in.insert(at, false, in.fInc(k)+";")
}

// body prepends counter to a statement body, a non block body is wrapped in
// a block first
func (in *instrumenter) body(s ast.Statement, counter string) {
	if b, ok := s.(*ast.BlockStatement); ok {
		if counter != "" {
			in.insert(in.off(b.LeftBrace)+1, false, " "+counter)
		}
		return
	}
	start, end := in.span(s)
	in.wrap(start, end, "{ "+counter+" ", " }")
}

// expr prepends counter to an expression using the comma operator
func (in *instrumenter) expr(e ast.Expression, counter string) {
	in.wrap(in.off(e.Idx0()), in.off(e.Idx1()), "("+counter+", ", ")")
}

func (in *instrumenter) exprRange(e ast.Expression) coverage.Range {
	return in.rng(in.off(e.Idx0()), in.off(e.Idx1()))
}

func isLogical(op token.Token) bool {
	return op == token.LOGICAL_AND || op == token.LOGICAL_OR || op == token.COALESCE
}

func (in *instrumenter) leaves(e ast.Expression, ret []ast.Expression) []ast.Expression {
	if b, ok := e.(*ast.BinaryExpression); ok && isLogical(b.Operator) {
		in.handled[b] = true
		ret = in.leaves(b.Left, ret)
		return in.leaves(b.Right, ret)
	}
	return append(ret, e)
}

// colon returns the offset right after the colon of a switch case
func (in *instrumenter) colon(c *ast.CaseStatement) int {
	from := in.off(c.Case) + len("default")
	if c.Test != nil {
		from = in.off(c.Test.Idx1())
	}
	for j := from; j < len(in.src); j++ {
		switch {
		case in.src[j] == ':':
			return j + 1
		case isSpace(in.src[j]) || in.src[j] == ')':
		case strings.HasPrefix(in.src[j:], "/*"):
			end := strings.Index(in.src[j+2:], "*/")
			if end < 0 {
				return len(in.src)
			}
			j += end + 3
		case strings.HasPrefix(in.src[j:], "//"):
			end := strings.IndexByte(in.src[j:], '\n')
			if end < 0 {
				return len(in.src)
			}
			j += end
		default:
			if i := strings.IndexByte(in.src[j:], ':'); i >= 0 {
				return j + i + 1
			}
			return len(in.src)
		}
	}
	return len(in.src)
}

func (in *instrumenter) visit(n any) bool {
	if s, ok := n.(ast.Statement); ok {
		in.statement(s)
	}

	switch n := n.(type) {
	case *ast.LabelledStatement:
		in.skip[n.Statement] = true

	case *ast.Binding:
		id, ok := n.Target.(*ast.Identifier)
		if !ok || n.Initializer == nil {
			break
		}
		switch fn := n.Initializer.(type) {
		case *ast.FunctionLiteral:
			if fn.Name == nil {
				in.names[fn] = string(id.Name)
			}
		case *ast.ArrowFunctionLiteral:
			in.names[fn] = string(id.Name)
		}

	case *ast.MethodDefinition:
		if n.Body != nil && n.Key != nil {
			in.names[n.Body] = strings.Trim(in.text(n.Key), `"'`)
		}

	case *ast.PropertyKeyed:
		if fn, ok := n.Value.(*ast.FunctionLiteral); ok && fn.Name == nil && n.Key != nil {
			in.names[fn] = strings.Trim(in.text(n.Key), `"'`)
		}

	case *ast.FunctionLiteral:
		if n.Body == nil {
			break
		}
		name := in.names[n]
		start := in.off(n.Function)
		decl := in.rng(start, start+len("function"))
		if n.Name != nil {
			name = string(n.Name.Name)
			decl = in.rng(in.off(n.Name.Idx0()), in.off(n.Name.Idx1()))
		}
		loc := in.rng(in.off(n.Idx0()), in.off(n.Idx1()))
		k := in.function(name, decl, loc)
		in.functionBody(k, n.Body)

	case *ast.ArrowFunctionLiteral:
		loc := in.rng(in.off(n.Idx0()), in.off(n.Idx1()))
		k := in.function(in.names[n], loc, loc)
		switch b := n.Body.(type) {
		case *ast.BlockStatement:
			in.functionBody(k, b)
		case *ast.ExpressionBody:
			in.expr(b.Expression, in.fInc(k))
		}

	case *ast.IfStatement:
		start, end := in.span(n)
		consStart, consEnd := in.span(n.Consequent)
		locations := []coverage.Range{in.rng(consStart, consEnd)}
		if n.Alternate != nil {
			altStart, altEnd := in.span(n.Alternate)
			locations = append(locations, in.rng(altStart, altEnd))
		} else {
			locations = append(locations, in.rng(start, end))
		}
		k := in.branch("if", in.rng(start, end), locations)
		if n.Alternate == nil {
			// created before the consequent is wrapped, so it's placed after its closing brace
			in.insert(consEnd, true, " else { "+in.bInc(k, 1)+"; }")
		}
		in.body(n.Consequent, in.bInc(k, 0)+";")
		if n.Alternate != nil {
			in.body(n.Alternate, in.bInc(k, 1)+";")
		}

	case *ast.ForStatement:
		in.body(n.Body, "")
	case *ast.ForInStatement:
		in.body(n.Body, "")
	case *ast.ForOfStatement:
		in.body(n.Body, "")
	case *ast.WhileStatement:
		in.body(n.Body, "")
	case *ast.DoWhileStatement:
		in.body(n.Body, "")
	case *ast.WithStatement:
		in.body(n.Body, "")

	case *ast.SwitchStatement:
		start, end := in.span(n)
		locations := make([]coverage.Range, len(n.Body))
		colons := make([]int, len(n.Body))
		for i, c := range n.Body {
			colons[i] = in.colon(c)
			caseEnd := colons[i]
			if len(c.Consequent) > 0 {
				_, caseEnd = in.span(c.Consequent[len(c.Consequent)-1])
			}
			locations[i] = in.rng(in.off(c.Case), caseEnd)
		}
		k := in.branch("switch", in.rng(start, end), locations)
		for i := range n.Body {
			in.insert(colons[i], false, " "+in.bInc(k, i)+";")
		}

	case *ast.ConditionalExpression:
		k := in.branch("cond-expr", in.exprRange(n), []coverage.Range{
			in.exprRange(n.Consequent),
			in.exprRange(n.Alternate),
		})
		in.expr(n.Consequent, in.bInc(k, 0))
		in.expr(n.Alternate, in.bInc(k, 1))

	case *ast.BinaryExpression:
		if !isLogical(n.Operator) || in.handled[n] {
			break
		}
		leaves := in.leaves(n, nil)
		locations := make([]coverage.Range, len(leaves))
		for i, l := range leaves {
			locations[i] = in.exprRange(l)
		}
		k := in.branch("binary-expr", in.exprRange(n), locations)
		for i, l := range leaves {
			in.expr(l, in.bInc(k, i))
		}
	}
	return true
}
