// Package coverage holds Istanbul compatible coverage data and the algorithms
// composing them across executions and platforms.
package coverage

import (
	"maps"
	"slices"
	"strconv"
)

type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Range struct {
	Start Location `json:"start"`
	End   Location `json:"end"`
}

type Function struct {
	Name string `json:"name"`
	Decl Range  `json:"decl"`
	Loc  Range  `json:"loc"`
	Line int    `json:"line"`
}

type Branch struct {
	Type      string  `json:"type"`
	Loc       Range   `json:"loc"`
	Locations []Range `json:"locations"`
	Line      int     `json:"line"`
}

// FileCoverage is a coverage of a single source file. Static maps are derived
// from instrumentation only, counters are incremented by executions.
type FileCoverage struct {
	Path         string              `json:"path"`
	StatementMap map[string]Range    `json:"statementMap"`
	FnMap        map[string]Function `json:"fnMap"`
	BranchMap    map[string]Branch   `json:"branchMap"`
	S            map[string]int      `json:"s"`
	F            map[string]int      `json:"f"`
	B            map[string][]int    `json:"b"`
}

// Map is a coverage keyed by a file path
type Map map[string]*FileCoverage

// Empty returns an entry without any static information. Used for files,
// which can't be instrumented.
func Empty(path string) *FileCoverage {
	return &FileCoverage{
		Path:         path,
		StatementMap: map[string]Range{},
		FnMap:        map[string]Function{},
		BranchMap:    map[string]Branch{},
		S:            map[string]int{},
		F:            map[string]int{},
		B:            map[string][]int{},
	}
}

// Clone returns a deep copy of the file coverage
func (fc *FileCoverage) Clone() *FileCoverage {
	if fc == nil {
		return nil
	}
	ret := &FileCoverage{
		Path:         fc.Path,
		StatementMap: maps.Clone(fc.StatementMap),
		FnMap:        make(map[string]Function, len(fc.FnMap)),
		BranchMap:    make(map[string]Branch, len(fc.BranchMap)),
		S:            maps.Clone(fc.S),
		F:            maps.Clone(fc.F),
		B:            make(map[string][]int, len(fc.B)),
	}
	for k, v := range fc.FnMap {
		ret.FnMap[k] = v
	}
	for k, v := range fc.BranchMap {
		v.Locations = slices.Clone(v.Locations)
		ret.BranchMap[k] = v
	}
	for k, v := range fc.B {
		ret.B[k] = slices.Clone(v)
	}
	ensureMaps(ret)
	return ret
}

// Zero returns a copy with static maps preserved and every counter set to 0.
func (fc *FileCoverage) Zero() *FileCoverage {
	ret := fc.Clone()
	for k := range ret.S {
		ret.S[k] = 0
	}
	for k := range ret.F {
		ret.F[k] = 0
	}
	for k, v := range ret.B {
		ret.B[k] = make([]int, len(v))
	}
	return ret
}

// Files returns sorted keys of a map
func (m Map) Files() []string {
	return slices.Sorted(maps.Keys(m))
}

func ensureMaps(fc *FileCoverage) {
	if fc.StatementMap == nil {
		fc.StatementMap = map[string]Range{}
	}
	if fc.FnMap == nil {
		fc.FnMap = map[string]Function{}
	}
	if fc.BranchMap == nil {
		fc.BranchMap = map[string]Branch{}
	}
	if fc.S == nil {
		fc.S = map[string]int{}
	}
	if fc.F == nil {
		fc.F = map[string]int{}
	}
	if fc.B == nil {
		fc.B = map[string][]int{}
	}
}

// Key formats a counter index the way Istanbul does
func Key(i int) string {
	return strconv.Itoa(i)
}
