package trace

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"concheck/event"
)

// A Step is one scheduling decision of a run: at Index the process PID was
// granted its pending event. The enabled set, the sleep set and the
// cumulative preemption count at that index are recorded alongside so the
// analysis never has to re-derive which alternatives existed there.
type Step struct {
	Index int
	PID   event.PID
	Evt   event.Event

	// Enabled lists the processes whose pending event was enabled at this
	// index, in increasing pid order. Backtrack candidates are always drawn
	// from this set.
	Enabled []event.PID
	// Sleep lists the processes that were asleep at this index.
	Sleep []event.PID
	// Preemptions is the number of true preemptive switches performed up to
	// and including the switch into this step.
	Preemptions int
}

// Cause classifies how a run ended.
type Cause int

const (
	// CauseNormal: every process exited.
	CauseNormal Cause = iota
	// CauseDeadlock: no process was enabled while at least one was blocked.
	CauseDeadlock
	// CauseSleepBlocked: every enabled process was asleep; the prefix is
	// counted separately and is not a new interleaving.
	CauseSleepBlocked
	// CauseFault: a process raised an uncaught fault.
	CauseFault
	// CauseAssert: a process failed an assertion.
	CauseAssert
	// CauseDepth: the per-run step cap was reached.
	CauseDepth
	// CauseHang: a process produced no event within the step timeout.
	CauseHang
)

func (c Cause) String() string {
	switch c {
	case CauseNormal:
		return "normal"
	case CauseDeadlock:
		return "deadlock"
	case CauseSleepBlocked:
		return "sleep-set blocked"
	case CauseFault:
		return "fault"
	case CauseAssert:
		return "assertion violation"
	case CauseDepth:
		return "depth exceeded"
	case CauseHang:
		return "hang"
	default:
		return "unknown"
	}
}

// A Run is the immutable record of one completed exploration of the target:
// the ordered steps plus the cause of termination. Runs are discarded after
// analysis unless they back a ticket.
type Run struct {
	Steps []Step
	Cause Cause

	// Blocked lists the processes still blocked at the end of a deadlocked
	// run, in increasing pid order.
	Blocked []event.PID
	// BoundExceededAt is the index of the first step whose switch pushed
	// the preemption count past the bound, or -1. No backtrack may be
	// registered at or past this index.
	BoundExceededAt int
}

// Choices returns the process-choice sequence of the run. Replaying this
// sequence against the same target reproduces the run bit-exactly.
func (r *Run) Choices() []event.PID {
	out := make([]event.PID, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = s.PID
	}
	return out
}

func (r *Run) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run(%v, %d steps)", r.Cause, len(r.Steps))
	return b.String()
}

// A Relation is the happens-before relation of one run, closed over
// program-order edges, spawn edges and dependency edges. Step indices are
// already a topological order (every edge points forward), which keeps the
// closure a single backward sweep.
type Relation struct {
	n     int
	words int
	reach []uint64
}

// NewRelation computes the happens-before closure of the run.
func NewRelation(r *Run) *Relation {
	n := len(r.Steps)
	rel := &Relation{n: n, words: (n + 63) / 64}
	rel.reach = make([]uint64, n*rel.words)

	succs := make([][]int, n)
	addEdge := func(i, j int) {
		succs[i] = append(succs[i], j)
	}

	last := map[event.PID]int{}
	firstOf := map[event.PID]int{}
	for j, s := range r.Steps {
		if i, ok := last[s.PID]; ok {
			addEdge(i, j)
		} else {
			firstOf[s.PID] = j
		}
		last[s.PID] = j
	}
	for j := 0; j < n; j++ {
		if r.Steps[j].Evt.Kind == event.Spawn {
			if k, ok := firstOf[r.Steps[j].Evt.Child]; ok && k > j {
				addEdge(j, k)
			}
		}
		for i := 0; i < j; i++ {
			if r.Steps[i].Evt.Dependent(r.Steps[j].Evt) {
				addEdge(i, j)
			}
		}
	}

	for i := n - 1; i >= 0; i-- {
		row := rel.row(i)
		for _, j := range succs[i] {
			row[j/64] |= 1 << uint(j%64)
			src := rel.row(j)
			for w := range row {
				row[w] |= src[w]
			}
		}
	}
	return rel
}

func (rel *Relation) row(i int) []uint64 {
	return rel.reach[i*rel.words : (i+1)*rel.words]
}

// HappensBefore reports whether step i is ordered before step j by a chain
// of program-order, spawn or dependency edges.
func (rel *Relation) HappensBefore(i, j int) bool {
	if i < 0 || j < 0 || i >= rel.n || j >= rel.n {
		return false
	}
	return rel.row(i)[j/64]&(1<<uint(j%64)) != 0
}

// A Race is a pair of dependent steps of different processes whose relative
// order is constrained only by their direct conflict: no intervening
// dependent chain orders them, so swapping them yields a distinct
// interleaving that must still be explored.
type Race struct {
	I, J int
}

// Races enumerates the races of the run in increasing (I, J) order.
func Races(r *Run, rel *Relation) []Race {
	var out []Race
	n := len(r.Steps)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			si, sj := r.Steps[i], r.Steps[j]
			if si.PID == sj.PID || !si.Evt.Dependent(sj.Evt) {
				continue
			}
			if ordered(rel, i, j) {
				continue
			}
			out = append(out, Race{I: i, J: j})
		}
	}
	return out
}

// ordered reports whether some intermediate step chains i to j, making the
// direct conflict redundant.
func ordered(rel *Relation, i, j int) bool {
	for k := i + 1; k < j; k++ {
		if rel.HappensBefore(i, k) && rel.HappensBefore(k, j) {
			return true
		}
	}
	return false
}

// EnabledAt returns the enabled set recorded at the given index.
func (r *Run) EnabledAt(i int) []event.PID {
	return r.Steps[i].Enabled
}

// SleepAt returns the sleep set recorded at the given index.
func (r *Run) SleepAt(i int) []event.PID {
	return r.Steps[i].Sleep
}

// Asleep reports whether p was asleep at index i.
func (r *Run) Asleep(i int, p event.PID) bool {
	return slices.Contains(r.Steps[i].Sleep, p)
}
