package concheck

import (
	"fmt"
	"io"

	"concheck/config"
	"concheck/report"
	"concheck/ticket"
)

// VerdictKind is the shape of an analysis result.
type VerdictKind int

const (
	// VerdictOK: exploration completed and found nothing.
	VerdictOK VerdictKind = iota
	// VerdictInstr: the target could not be driven; counts cover what ran
	// before the failure.
	VerdictInstr
	// VerdictAnalysis: exploration completed and produced tickets.
	VerdictAnalysis
)

func (v VerdictKind) String() string {
	switch v {
	case VerdictOK:
		return "ok"
	case VerdictInstr:
		return "error-instr"
	case VerdictAnalysis:
		return "error-analysis"
	default:
		return "unknown"
	}
}

// Result is the outcome of one analysis.
type Result struct {
	Target       config.Target
	Verdict      VerdictKind
	RunCount     int
	BlockedCount int
	Tickets      []*ticket.Ticket

	// InstrFailure carries the failure behind an error-instr verdict.
	InstrFailure error
}

func (r *Result) String() string {
	return fmt.Sprintf("%v {target: %v, runs: %d, blocked: %d, tickets: %d}",
		r.Verdict, r.Target, r.RunCount, r.BlockedCount, len(r.Tickets))
}

// Report renders the result in the text report format.
func (r *Result) Report(w io.Writer) error {
	return report.Write(w, r.RunCount, r.BlockedCount, r.Tickets)
}

// ReportFile renders the result to the named file.
func (r *Result) ReportFile(path string) error {
	return report.ToFile(path, r.RunCount, r.BlockedCount, r.Tickets)
}
