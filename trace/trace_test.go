package trace

import (
	"testing"

	"concheck/event"
)

// Builds the canonical two-process run: P1 spawns P2, sends it a value and
// exits; P2 receives with a timeout and exits.
func sendRecvRun() *Run {
	steps := []Step{
		{Index: 0, PID: 1, Evt: event.Event{Actor: 1, Kind: event.Spawn, Child: 2}, Enabled: []event.PID{1}},
		{Index: 1, PID: 1, Evt: event.Event{Actor: 1, Kind: event.Send, To: 2, Payload: "v"}, Enabled: []event.PID{1, 2}},
		{Index: 2, PID: 1, Evt: event.Event{Actor: 1, Kind: event.Exit}, Enabled: []event.PID{1, 2}},
		{Index: 3, PID: 2, Evt: event.Event{Actor: 2, Kind: event.Receive, HasTimeout: true, From: 1, Payload: "v"}, Enabled: []event.PID{2}},
		{Index: 4, PID: 2, Evt: event.Event{Actor: 2, Kind: event.Exit}, Enabled: []event.PID{2}},
	}
	return &Run{Steps: steps, Cause: CauseNormal, BoundExceededAt: -1}
}

func TestHappensBeforeProgramOrder(t *testing.T) {
	r := sendRecvRun()
	rel := NewRelation(r)

	if !rel.HappensBefore(0, 1) {
		t.Errorf("Program order should order consecutive steps of the same process")
	}
	if !rel.HappensBefore(0, 2) {
		t.Errorf("Program order should be transitive")
	}
	if rel.HappensBefore(1, 0) {
		t.Errorf("Happens-before should never point backwards")
	}
}

func TestHappensBeforeSpawnEdge(t *testing.T) {
	r := sendRecvRun()
	rel := NewRelation(r)

	if !rel.HappensBefore(0, 3) {
		t.Errorf("A spawn should order the parent before every step of the child")
	}
	if !rel.HappensBefore(0, 4) {
		t.Errorf("The spawn edge should close transitively over the child's program order")
	}
}

func TestHappensBeforeDependency(t *testing.T) {
	r := sendRecvRun()
	rel := NewRelation(r)

	// The send at 1 and the receive at 3 conflict on P2's mailbox.
	if !rel.HappensBefore(1, 3) {
		t.Errorf("A dependency edge should order the send before the receive")
	}
	if rel.HappensBefore(2, 3) {
		t.Errorf("An exit does not order the receive")
	}
}

func TestRacesSendReceive(t *testing.T) {
	r := sendRecvRun()
	rel := NewRelation(r)

	races := Races(r, rel)
	if len(races) != 1 {
		t.Fatalf("Expected exactly one race, got %v", races)
	}
	if races[0].I != 1 || races[0].J != 3 {
		t.Errorf("Expected the send/receive race (1, 3), got (%d, %d)", races[0].I, races[0].J)
	}
}

func TestRacesSubsumedByIntermediateChain(t *testing.T) {
	// Three sends to the same mailbox on three processes: (0,1) and (1,2)
	// are races, but (0,2) is ordered through the middle send.
	steps := []Step{
		{Index: 0, PID: 1, Evt: event.Event{Actor: 1, Kind: event.Send, To: 4}, Enabled: []event.PID{1, 2, 3}},
		{Index: 1, PID: 2, Evt: event.Event{Actor: 2, Kind: event.Send, To: 4}, Enabled: []event.PID{2, 3}},
		{Index: 2, PID: 3, Evt: event.Event{Actor: 3, Kind: event.Send, To: 4}, Enabled: []event.PID{3}},
	}
	r := &Run{Steps: steps, Cause: CauseNormal, BoundExceededAt: -1}
	rel := NewRelation(r)

	races := Races(r, rel)
	want := []Race{{I: 0, J: 1}, {I: 1, J: 2}}
	if len(races) != len(want) {
		t.Fatalf("Expected races %v, got %v", want, races)
	}
	for i := range want {
		if races[i] != want[i] {
			t.Errorf("Race %d: expected %v, got %v", i, want[i], races[i])
		}
	}
}

func TestChoices(t *testing.T) {
	r := sendRecvRun()
	choices := r.Choices()
	want := []event.PID{1, 1, 1, 2, 2}
	if len(choices) != len(want) {
		t.Fatalf("Expected %v choices, got %v", want, choices)
	}
	for i := range want {
		if choices[i] != want[i] {
			t.Errorf("Choice %d: expected %v, got %v", i, want[i], choices[i])
		}
	}
}
