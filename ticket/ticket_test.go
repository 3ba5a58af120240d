package ticket

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"concheck/event"
	"concheck/trace"
)

func deadlockRun() *trace.Run {
	return &trace.Run{
		Steps: []trace.Step{
			{Index: 0, PID: 1, Evt: event.Event{Actor: 1, Kind: event.Spawn, Child: 2}},
		},
		Cause:           trace.CauseDeadlock,
		Blocked:         []event.PID{1, 2},
		BoundExceededAt: -1,
	}
}

func assertRun() *trace.Run {
	return &trace.Run{
		Steps: []trace.Step{
			{Index: 0, PID: 1, Evt: event.Event{Actor: 1, Kind: event.AssertFailed, Detail: "broken"}},
		},
		Cause:           trace.CauseAssert,
		BoundExceededAt: -1,
	}
}

func faultRun() *trace.Run {
	return &trace.Run{
		Steps: []trace.Step{
			{Index: 0, PID: 1, Evt: event.Event{Actor: 1, Kind: event.Fault, Detail: "boom"}},
		},
		Cause:           trace.CauseFault,
		BoundExceededAt: -1,
	}
}

func TestFromRunClassification(t *testing.T) {
	tk, ok := FromRun(deadlockRun())
	if !ok || tk.Err.Kind != Deadlock {
		t.Errorf("Expected a deadlock ticket, got %v (ok=%v)", tk, ok)
	}
	tk, ok = FromRun(assertRun())
	if !ok || tk.Err.Kind != AssertionViolation || tk.Err.PID != 1 {
		t.Errorf("Expected an assertion ticket on P1, got %v (ok=%v)", tk, ok)
	}
	tk, ok = FromRun(faultRun())
	if !ok || tk.Err.Kind != UncaughtFault || tk.Err.Detail != "boom" {
		t.Errorf("Expected a fault ticket, got %v (ok=%v)", tk, ok)
	}
	if _, ok := FromRun(&trace.Run{Cause: trace.CauseNormal, BoundExceededAt: -1}); ok {
		t.Errorf("A normal run must not produce a ticket")
	}
	if _, ok := FromRun(&trace.Run{Cause: trace.CauseSleepBlocked, BoundExceededAt: -1}); ok {
		t.Errorf("A sleep-set blocked run must not produce a ticket")
	}
}

func TestDescriptions(t *testing.T) {
	tk, _ := FromRun(deadlockRun())
	if got := tk.Long(); got != "deadlock: P1, P2 blocked with no enabled process" {
		t.Errorf("Unexpected long description: %q", got)
	}
	if got := tk.Short(); got != "deadlock (P1, P2)" {
		t.Errorf("Unexpected short description: %q", got)
	}

	details := tk.Details()
	if len(details) != 3 {
		t.Fatalf("Expected a step line and two blocked lines, got %v", details)
	}
	if details[0] != "#0  P1: spawn P2" {
		t.Errorf("Unexpected step detail: %q", details[0])
	}
	if !strings.Contains(details[1], "P1 is blocked") {
		t.Errorf("Unexpected blocked detail: %q", details[1])
	}
}

func TestTicketsCarryDistinctIDs(t *testing.T) {
	a, _ := FromRun(assertRun())
	b, _ := FromRun(faultRun())
	if a.ID == uuid.Nil || b.ID == uuid.Nil {
		t.Fatalf("Expected every ticket to carry an identifier, got %v and %v", a.ID, b.ID)
	}
	if a.ID == b.ID {
		t.Errorf("Expected distinct identifiers, got %v twice", a.ID)
	}
}

func TestImmediateDeadlockReferencesFirstStep(t *testing.T) {
	// The entry process can block before a single step executes; the
	// ticket must still carry a valid step reference.
	run := &trace.Run{
		Cause:           trace.CauseDeadlock,
		Blocked:         []event.PID{1},
		BoundExceededAt: -1,
	}
	tk, ok := FromRun(run)
	if !ok {
		t.Fatalf("Expected a deadlock ticket")
	}
	if tk.StepIndex != 0 {
		t.Errorf("Expected step index 0 for a zero-step run, got %d", tk.StepIndex)
	}
	if details := tk.Details(); len(details) != 1 || !strings.Contains(details[0], "P1 is blocked") {
		t.Errorf("Unexpected details for a zero-step deadlock: %v", details)
	}
}

func TestCollectorOrdering(t *testing.T) {
	var c Collector
	d1, _ := FromRun(deadlockRun())
	a1, _ := FromRun(assertRun())
	f1, _ := FromRun(faultRun())
	d2, _ := FromRun(deadlockRun())
	c.Add(d1)
	c.Add(a1)
	c.Add(f1)
	c.Add(d2)

	sorted := c.Sorted()
	wantKinds := []Kind{AssertionViolation, UncaughtFault, Deadlock, Deadlock}
	for i, tk := range sorted {
		if tk.Err.Kind != wantKinds[i] {
			t.Errorf("Position %d: expected %v, got %v", i, wantKinds[i], tk.Err.Kind)
		}
	}
	// Equal severity keeps discovery order.
	if sorted[2] != d1 || sorted[3] != d2 {
		t.Errorf("Deadlocks not in discovery order")
	}

	again := c.Sorted()
	for i := range sorted {
		if sorted[i] != again[i] {
			t.Fatalf("Sorted order is not reproducible")
		}
	}
}
