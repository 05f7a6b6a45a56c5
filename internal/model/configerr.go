package model

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

const (
	codeUnknownField = "unknown_field"
	codeMissing      = "missing_required"
	codeConflict     = "conflicting_values"
	codeEnum         = "invalid_enum"
	codeType         = "type_mismatch"
	codeInvalid      = "validation_error"
)

// CueErrorDetail is one problem of a configuration file
type CueErrorDetail struct {
	// Path is dot separated, like service.repository.url
	Path    string
	Code    string
	Message string
	Pos     CueErrorPosition
	// Raw is the error as reported by cue
	Raw string
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

// rules are tried in order, the first match wins
var rules = []struct {
	code   string
	format string
	match  func(msg string) bool
}{
	{codeUnknownField, "Field %s is not allowed", containsAny("not allowed", "unknown field")},
	{codeMissing, "Field %s is required", containsAny("incomplete value")},
	{codeConflict, "Conflicting values for %s", containsAny("conflicting values", "cannot unify", "incompatible")},
	{codeEnum, "Field %s has invalid value", containsAny("must be one of", "expected one of")},
	{codeType, "Field %s has wrong type/value", func(msg string) bool {
		_, got, ok := strings.Cut(msg, "expected ")
		return ok && strings.Contains(got, " got ")
	}},
}

func containsAny(markers ...string) func(string) bool {
	return func(msg string) bool {
		return slices.ContainsFunc(markers, func(m string) bool {
			return strings.Contains(msg, m)
		})
	}
}

// CueErrDetails turns a LoadConfig error into a list of human readable
// details. Errors not coming from the schema are returned as one detail.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		pos, ok := position(e)
		// cue reports a conflict once per side, keep the first one
		if !ok || slices.ContainsFunc(out, func(d CueErrorDetail) bool { return d.Pos == pos }) {
			continue
		}
		format, args := e.Msg()
		d := detail(fieldPath(e.Path()), fmt.Sprintf(format, args...))
		d.Pos = pos
		d.Raw = e.Error()
		out = append(out, d)
	}
	if len(out) == 0 {
		return []CueErrorDetail{{
			Code:    codeInvalid,
			Message: err.Error(),
			Raw:     err.Error(),
		}}
	}
	return out
}

func detail(path, msg string) CueErrorDetail {
	d := CueErrorDetail{Path: path, Code: codeInvalid, Message: msg}
	lower := strings.ToLower(msg)
	field := path[strings.LastIndexByte(path, '.')+1:]
	for _, r := range rules {
		if r.match(lower) {
			d.Code = r.code
			d.Message = fmt.Sprintf(r.format, field)
			break
		}
	}

	if def, ok := enumDefinition(path); ok {
		values, dflt := choices(definitions.LookupPath(cue.ParsePath(def)))
		if len(values) > 0 {
			d.Message += ", one of " + strings.Join(values, ", ")
		}
		if dflt != "" {
			d.Message += " (default " + dflt + ")"
		}
	}
	return d
}

// enumDefinition returns the schema definition holding the allowed values
func enumDefinition(path string) (string, bool) {
	switch {
	case path == "service.mode":
		return "#Service.mode", true
	case strings.HasPrefix(path, "plan.") && strings.HasSuffix(path, ".platform"):
		return "#PlanEntry.platform", true
	}
	return "", false
}

// choices lists string alternatives of a disjunction and its default
func choices(v cue.Value) (values []string, dflt string) {
	if d, ok := v.Default(); ok {
		dflt, _ = d.String()
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		args = []cue.Value{v}
	}
	for _, a := range args {
		s, err := a.String()
		if err != nil || slices.Contains(values, s) {
			continue
		}
		values = append(values, s)
	}
	return values, dflt
}

func position(err cueerrors.Error) (CueErrorPosition, bool) {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() != "" {
			return CueErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}, true
		}
	}
	return CueErrorPosition{}, false
}

// fieldPath joins selectors without the leading #Config definition
func fieldPath(sel []string) string {
	if len(sel) > 0 && strings.HasPrefix(sel[0], "#") {
		sel = sel[1:]
	}
	return strings.Join(sel, ".")
}
