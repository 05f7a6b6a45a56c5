package coverage

import (
	"fmt"
	"log/slog"
)

type Ratio struct {
	Covered int `json:"covered"`
	Total   int `json:"total"`
}

func (r Ratio) Pct() float64 {
	if r.Total == 0 {
		return 100
	}
	return float64(r.Covered) * 100 / float64(r.Total)
}

func (r Ratio) String() string {
	return fmt.Sprintf("%.2f%% (%d/%d)", r.Pct(), r.Covered, r.Total)
}

func (r *Ratio) add(o Ratio) {
	r.Covered += o.Covered
	r.Total += o.Total
}

type Summary struct {
	Statements Ratio `json:"statements"`
	Functions  Ratio `json:"functions"`
	Branches   Ratio `json:"branches"`
	Lines      Ratio `json:"lines"`
}

func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("statements", s.Statements.String()),
		slog.String("functions", s.Functions.String()),
		slog.String("branches", s.Branches.String()),
		slog.String("lines", s.Lines.String()),
	)
}

// Summarize computes totals of a file coverage. A line is covered when any
// statement starting on it was hit.
func (fc *FileCoverage) Summarize() Summary {
	var s Summary
	lines := make(map[int]bool)
	for id, rng := range fc.StatementMap {
		hit := fc.S[id] > 0
		s.Statements.Total++
		if hit {
			s.Statements.Covered++
		}
		line := rng.Start.Line
		lines[line] = lines[line] || hit
	}
	for id := range fc.FnMap {
		s.Functions.Total++
		if fc.F[id] > 0 {
			s.Functions.Covered++
		}
	}
	for id, br := range fc.BranchMap {
		counts := fc.B[id]
		for i := range br.Locations {
			s.Branches.Total++
			if i < len(counts) && counts[i] > 0 {
				s.Branches.Covered++
			}
		}
	}
	for _, hit := range lines {
		s.Lines.Total++
		if hit {
			s.Lines.Covered++
		}
	}
	return s
}

func (m Map) Summarize() Summary {
	var total Summary
	for _, fc := range m {
		s := fc.Summarize()
		total.Statements.add(s.Statements)
		total.Functions.add(s.Functions)
		total.Branches.add(s.Branches)
		total.Lines.add(s.Lines)
	}
	return total
}
