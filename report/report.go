// Package report renders analysis results in the text format consumed by
// downstream tooling. The format is a compatibility contract: the header
// lines are byte-exact and must not be reworded.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"concheck/ticket"
)

// ExportError is a failure of the reporting step only. The in-memory
// results behind it are intact; callers may retry with another sink.
type ExportError struct {
	Path string
	Err  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("report: exporting to %q: %v", e.Path, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

// Text renders the report as a string.
func Text(runCount, blockedCount int, tickets []*ticket.Ticket) string {
	var b strings.Builder

	if len(tickets) == 0 {
		fmt.Fprintf(&b, "Checked %d interleaving(s). No errors found.\n", runCount)
	} else {
		fmt.Fprintf(&b, "Checked %d interleaving(s). %d errors found.\n", runCount, len(tickets))
	}
	if blockedCount > 0 {
		fmt.Fprintf(&b, "  Encountered %d sleep-set blocked trace(s).\n", blockedCount)
	}

	for i, t := range tickets {
		fmt.Fprintf(&b, "\n%d.\n%s\n", i+1, t.Long())
		for _, line := range t.Details() {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	return b.String()
}

// Write renders the report to w.
func Write(w io.Writer, runCount, blockedCount int, tickets []*ticket.Ticket) error {
	if _, err := io.WriteString(w, Text(runCount, blockedCount, tickets)); err != nil {
		return &ExportError{Path: "<writer>", Err: err}
	}
	return nil
}

// ToFile renders the report to the named file.
func ToFile(path string, runCount, blockedCount int, tickets []*ticket.Ticket) error {
	f, err := os.Create(path)
	if err != nil {
		return &ExportError{Path: path, Err: err}
	}
	if _, err := io.WriteString(f, Text(runCount, blockedCount, tickets)); err != nil {
		f.Close()
		return &ExportError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &ExportError{Path: path, Err: err}
	}
	return nil
}
