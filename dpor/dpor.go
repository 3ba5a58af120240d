// Package dpor analyzes completed runs for races and derives the
// alternative schedules still owed exploration. Three interchangeable
// policies govern which backtrack points are added: the classic
// per-race insertion, source sets, and full wakeup sequences. The outer
// exploration loop is identical across flavors.
package dpor

import (
	"golang.org/x/exp/slices"

	"concheck/config"
	"concheck/event"
	"concheck/trace"
)

// Pending is one schedule owed exploration: replay Prefix, execute Forced,
// then schedule freely with Sleep as the initial sleep set.
type Pending struct {
	Prefix []event.PID
	Forced []event.PID
	Sleep  []event.PID
}

// Engine derives pending schedules from completed runs.
type Engine struct {
	flavor config.Flavor
	bound  config.Bound
}

// New creates an engine for the given flavor and preemption bound.
func New(flavor config.Flavor, bound config.Bound) *Engine {
	return &Engine{flavor: flavor, bound: bound}
}

// Analyze enumerates the races of the run and returns the schedules that
// reverse them, in increasing order of the index they branch at. Races at
// or past the run's bound-exceeded index register nothing.
func (e *Engine) Analyze(run *trace.Run) []Pending {
	rel := trace.NewRelation(run)
	races := trace.Races(run, rel)
	if len(races) == 0 {
		return nil
	}

	// Per-index record of what this analysis already scheduled, so two
	// races branching at the same index do not produce the same pending
	// twice.
	inserted := map[int][][]event.PID{}
	var out []Pending

	for _, race := range races {
		if run.BoundExceededAt != -1 && race.I >= run.BoundExceededAt {
			continue
		}
		var forced [][]event.PID
		switch e.flavor {
		case config.FlavorClassic:
			forced = e.classic(run, race)
		case config.FlavorSource:
			forced = e.source(run, rel, race)
		case config.FlavorFull:
			forced = e.optimal(run, rel, race)
		}
		for _, seq := range forced {
			if len(seq) == 0 || !e.admissible(run, race.I, seq[0]) {
				continue
			}
			if containsSeq(inserted[race.I], seq) {
				continue
			}
			inserted[race.I] = append(inserted[race.I], seq)
			out = append(out, Pending{
				Prefix: prefixOf(run, race.I),
				Forced: seq,
				Sleep:  branchSleep(run, race.I),
			})
		}
	}

	slices.SortStableFunc(out, func(a, b Pending) bool {
		return len(a.Prefix) < len(b.Prefix)
	})
	return out
}

// classic inserts the second racing process at the branch point, or every
// other enabled process when it is not itself enabled there.
func (e *Engine) classic(run *trace.Run, race trace.Race) [][]event.PID {
	p := run.Steps[race.J].PID
	if slices.Contains(run.EnabledAt(race.I), p) {
		return [][]event.PID{{p}}
	}
	var out [][]event.PID
	for _, q := range run.EnabledAt(race.I) {
		if q == run.Steps[race.I].PID {
			continue
		}
		out = append(out, []event.PID{q})
	}
	return out
}

// source inserts a single representative of the initials of the reversed
// segment, and nothing when an initial was already scheduled at the branch
// point: one initial suffices to surface every race reachable from there.
func (e *Engine) source(run *trace.Run, rel *trace.Relation, race trace.Race) [][]event.PID {
	seq := reversedSegment(run, rel, race)
	initials := initialsOf(run, rel, seq)
	if len(initials) == 0 {
		return e.classic(run, race)
	}

	covered := []event.PID{run.Steps[race.I].PID}
	for _, s := range run.SleepAt(race.I) {
		covered = append(covered, s)
	}
	for _, p := range initials {
		if slices.Contains(covered, p) {
			return nil
		}
	}
	for _, p := range initials {
		if slices.Contains(run.EnabledAt(race.I), p) {
			return [][]event.PID{{p}}
		}
	}
	return e.classic(run, race)
}

// optimal inserts the whole reversed segment as a wakeup sequence, so the
// continuation after the branch is pinned down to exactly one member of
// the target equivalence class.
func (e *Engine) optimal(run *trace.Run, rel *trace.Relation, race trace.Race) [][]event.PID {
	seq := reversedSegment(run, rel, race)
	pids := make([]event.PID, len(seq))
	for i, k := range seq {
		pids[i] = run.Steps[k].PID
	}
	if len(pids) == 0 || !slices.Contains(run.EnabledAt(race.I), pids[0]) {
		return e.classic(run, race)
	}
	return [][]event.PID{pids}
}

// reversedSegment returns the step indices of the schedule that reverses
// the race: every step between the racing pair not ordered after the first
// one, then the second racing step itself.
func reversedSegment(run *trace.Run, rel *trace.Relation, race trace.Race) []int {
	var out []int
	for k := race.I + 1; k < race.J; k++ {
		if !rel.HappensBefore(race.I, k) {
			out = append(out, k)
		}
	}
	return append(out, race.J)
}

// initialsOf returns the processes whose first step in the segment is not
// ordered after any earlier step of the segment.
func initialsOf(run *trace.Run, rel *trace.Relation, seq []int) []event.PID {
	var out []event.PID
	for n, k := range seq {
		p := run.Steps[k].PID
		if slices.Contains(out, p) {
			continue
		}
		free := true
		for _, m := range seq[:n] {
			if rel.HappensBefore(m, k) {
				free = false
				break
			}
		}
		if free {
			out = append(out, p)
		}
	}
	return out
}

// admissible reports whether branching to p at index i stays within the
// preemption bound and is not already pruned by the sleep set there.
func (e *Engine) admissible(run *trace.Run, i int, p event.PID) bool {
	if p == run.Steps[i].PID {
		return false
	}
	if slices.Contains(run.SleepAt(i), p) {
		return false
	}
	if !slices.Contains(run.EnabledAt(i), p) {
		return false
	}
	if e.bound.Infinite {
		return true
	}
	charge := 0
	if i > 0 {
		charge = run.Steps[i-1].Preemptions
		prev := run.Steps[i-1].PID
		if prev != p && slices.Contains(run.EnabledAt(i), prev) {
			charge++
		}
	}
	return charge <= e.bound.N
}

func prefixOf(run *trace.Run, i int) []event.PID {
	out := make([]event.PID, i)
	for k := 0; k < i; k++ {
		out[k] = run.Steps[k].PID
	}
	return out
}

// branchSleep is the initial sleep set of a new branch at index i: whatever
// was asleep there plus the choice this run already explored.
func branchSleep(run *trace.Run, i int) []event.PID {
	out := slices.Clone(run.SleepAt(i))
	if !slices.Contains(out, run.Steps[i].PID) {
		out = append(out, run.Steps[i].PID)
	}
	return out
}

func containsSeq(have [][]event.PID, seq []event.PID) bool {
	for _, h := range have {
		if slices.Equal(h, seq) {
			return true
		}
	}
	return false
}
