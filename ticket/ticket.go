// Package ticket classifies run-ending conditions into errors and packages
// them as reproducible bug reports. A ticket carries the full trace of the
// run that triggered it, so replaying its choice sequence reproduces the
// bug bit-exactly.
package ticket

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"concheck/event"
	"concheck/trace"
)

// Kind is the error classification of a ticket. The numeric order is the
// severity order used when reports are sorted.
type Kind int

const (
	AssertionViolation Kind = iota + 1
	UncaughtFault
	Deadlock
)

func (k Kind) String() string {
	switch k {
	case AssertionViolation:
		return "assertion violation"
	case UncaughtFault:
		return "uncaught fault"
	case Deadlock:
		return "deadlock"
	default:
		return "unknown error"
	}
}

// Error is one classified run-ending condition.
type Error struct {
	Kind    Kind
	PID     event.PID
	Detail  string
	Blocked []event.PID
}

func (e *Error) Error() string {
	switch e.Kind {
	case Deadlock:
		return fmt.Sprintf("deadlock: %s blocked with no enabled process", pidList(e.Blocked))
	case UncaughtFault:
		return fmt.Sprintf("uncaught fault in %v: %s", e.PID, e.Detail)
	case AssertionViolation:
		return fmt.Sprintf("assertion violation in %v: %s", e.PID, e.Detail)
	default:
		return "unknown error"
	}
}

func pidList(pids []event.PID) string {
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}

// Ticket is an Error bundled with the run that triggered it.
type Ticket struct {
	ID        uuid.UUID
	Err       *Error
	StepIndex int
	Run       *trace.Run

	seq int
}

// Short returns the one-line summary of the ticket.
func (t *Ticket) Short() string {
	if t.Err.Kind == Deadlock {
		return fmt.Sprintf("%v (%s)", t.Err.Kind, pidList(t.Err.Blocked))
	}
	return fmt.Sprintf("%v in %v", t.Err.Kind, t.Err.PID)
}

// Long returns the full error description.
func (t *Ticket) Long() string {
	return t.Err.Error()
}

// Details returns one line per step of the triggering run, in execution
// order, followed by the blocked processes of a deadlock.
func (t *Ticket) Details() []string {
	out := make([]string, 0, len(t.Run.Steps)+len(t.Err.Blocked))
	for _, s := range t.Run.Steps {
		out = append(out, fmt.Sprintf("#%d  %s", s.Index, s.Evt.Describe()))
	}
	for _, p := range t.Err.Blocked {
		out = append(out, fmt.Sprintf("%v is blocked at the end of the interleaving", p))
	}
	return out
}

// Choices returns the process-choice sequence that reproduces the ticket.
func (t *Ticket) Choices() []event.PID {
	return t.Run.Choices()
}

// FromRun classifies a completed run. ok=false means the run ended without
// a reportable error.
func FromRun(run *trace.Run) (*Ticket, bool) {
	switch run.Cause {
	case trace.CauseDeadlock:
		// A target can deadlock before any step executes (the entry
		// process blocks immediately), so the reference never goes
		// below the first index.
		idx := len(run.Steps) - 1
		if idx < 0 {
			idx = 0
		}
		return &Ticket{
			ID:        uuid.New(),
			Err:       &Error{Kind: Deadlock, Blocked: run.Blocked},
			StepIndex: idx,
			Run:       run,
		}, true
	case trace.CauseFault, trace.CauseAssert:
		last := run.Steps[len(run.Steps)-1]
		kind := UncaughtFault
		if run.Cause == trace.CauseAssert {
			kind = AssertionViolation
		}
		return &Ticket{
			ID:        uuid.New(),
			Err:       &Error{Kind: kind, PID: last.PID, Detail: last.Evt.Detail},
			StepIndex: last.Index,
			Run:       run,
		}, true
	default:
		return nil, false
	}
}

// Collector accumulates tickets across runs and surfaces them in the
// deterministic report order: by severity, then by discovery order.
type Collector struct {
	tickets []*Ticket
	nextSeq int
}

// Add records a ticket in discovery order.
func (c *Collector) Add(t *Ticket) {
	t.seq = c.nextSeq
	c.nextSeq++
	c.tickets = append(c.tickets, t)
}

// Len returns the number of collected tickets.
func (c *Collector) Len() int {
	return len(c.tickets)
}

// Sorted returns the tickets in report order.
func (c *Collector) Sorted() []*Ticket {
	out := slices.Clone(c.tickets)
	slices.SortStableFunc(out, func(a, b *Ticket) bool {
		if a.Err.Kind != b.Err.Kind {
			return a.Err.Kind < b.Err.Kind
		}
		return a.seq < b.seq
	})
	return out
}
