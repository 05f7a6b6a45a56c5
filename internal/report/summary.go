package report

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// WriteSummary writes a human readable table of outcomes and per file
// coverage
func WriteSummary(w io.Writer, doc Document) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PLATFORM\tFILE\tSTATUS\tDETAIL")
	for _, o := range doc.Outcomes {
		detail := o.Error
		if detail == "" {
			detail = o.Reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.Platform, o.File, o.Status, firstLine(detail))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if doc.Summary == nil {
		return nil
	}

	fmt.Fprintln(w)
	fmt.Fprintln(tw, "FILE\tSTATEMENTS\tBRANCHES\tFUNCTIONS\tLINES")
	for _, path := range doc.Coverage.Files() {
		s := doc.Coverage[path].Summarize()
		fmt.Fprintf(tw, "%s\t%.2f%%\t%.2f%%\t%.2f%%\t%.2f%%\n", path,
			s.Statements.Pct(), s.Branches.Pct(), s.Functions.Pct(), s.Lines.Pct())
	}
	s := *doc.Summary
	fmt.Fprintf(tw, "All files\t%.2f%%\t%.2f%%\t%.2f%%\t%.2f%%\n",
		s.Statements.Pct(), s.Branches.Pct(), s.Functions.Pct(), s.Lines.Pct())
	return tw.Flush()
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
