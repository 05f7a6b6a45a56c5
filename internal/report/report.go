// Package report turns a plan report into a JSON document and delivers it
// to the configured sinks.
package report

import (
	"encoding/json"
	"io"
	"time"

	"github.com/CZERTAINLY/jsexec/internal/coverage"
	"github.com/CZERTAINLY/jsexec/internal/model"
	"github.com/CZERTAINLY/jsexec/internal/plan"
)

type Outcome struct {
	Platform   string       `json:"platform"`
	File       string       `json:"file"`
	Status     model.Status `json:"status"`
	Value      any          `json:"value,omitempty"`
	Error      string       `json:"error,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	DurationMS int64        `json:"duration_ms,omitempty"`
}

// Document is the result of a single run
type Document struct {
	RunID    string            `json:"run_id"`
	Started  time.Time         `json:"started"`
	Stopped  time.Time         `json:"stopped"`
	Outcomes []Outcome         `json:"outcomes"`
	Failed   int               `json:"failed"`
	Summary  *coverage.Summary `json:"summary,omitempty"`
	Coverage coverage.Map      `json:"coverage,omitempty"`
}

func New(runID string, started, stopped time.Time, r plan.Report) Document {
	doc := Document{
		RunID:    runID,
		Started:  started.UTC(),
		Stopped:  stopped.UTC(),
		Outcomes: []Outcome{},
		Failed:   len(r.Failed()),
		Coverage: r.Coverage,
	}
	for _, o := range r.Outcomes() {
		out := Outcome{
			Platform: o.Platform,
			File:     o.File,
			Status:   o.Status,
			Value:    o.Value,
			Reason:   o.Reason,
		}
		if o.Error != nil {
			out.Error = o.Error.Error()
		}
		if !o.Started.IsZero() && !o.Stopped.IsZero() {
			out.DurationMS = o.Stopped.Sub(o.Started).Milliseconds()
		}
		doc.Outcomes = append(doc.Outcomes, out)
	}
	if r.Coverage != nil {
		s := r.Coverage.Summarize()
		doc.Summary = &s
	}
	return doc
}

func (d Document) AsJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}
