package event

import "testing"

type mockView struct {
	mailbox map[PID]int
	locks   map[string]PID
}

func (v mockView) MailboxLen(p PID) int {
	return v.mailbox[p]
}

func (v mockView) LockHolder(name string) (PID, bool) {
	p, ok := v.locks[name]
	return p, ok
}

func TestDependentMailbox(t *testing.T) {
	sendA := Event{Actor: 1, Kind: Send, To: 3, Payload: "a"}
	sendB := Event{Actor: 2, Kind: Send, To: 3, Payload: "b"}
	sendOther := Event{Actor: 2, Kind: Send, To: 4}
	recv := Event{Actor: 3, Kind: Receive}

	if !sendA.Dependent(sendB) {
		t.Errorf("Two sends to the same mailbox should be dependent")
	}
	if !sendB.Dependent(sendA) {
		t.Errorf("Dependency should be symmetric")
	}
	if sendA.Dependent(sendOther) {
		t.Errorf("Sends to different mailboxes should be independent")
	}
	if !sendA.Dependent(recv) {
		t.Errorf("A send and a receive on the same mailbox should be dependent")
	}
	if recv.Dependent(Event{Actor: 4, Kind: Receive}) {
		t.Errorf("Receives on different mailboxes should be independent")
	}
}

func TestDependentSameActor(t *testing.T) {
	a := Event{Actor: 1, Kind: Send, To: 2}
	b := Event{Actor: 1, Kind: Receive}
	if a.Dependent(b) {
		t.Errorf("Events of the same process are ordered by the program, not dependent")
	}
}

func TestDependentLocks(t *testing.T) {
	acq1 := Event{Actor: 1, Kind: Acquire, Lock: "x"}
	acq2 := Event{Actor: 2, Kind: Acquire, Lock: "x"}
	rel2 := Event{Actor: 2, Kind: Release, Lock: "x"}
	acqOther := Event{Actor: 2, Kind: Acquire, Lock: "y"}

	if !acq1.Dependent(acq2) {
		t.Errorf("Two acquires of the same lock should be dependent")
	}
	if acq1.Dependent(rel2) || rel2.Dependent(acq1) {
		t.Errorf("Acquire and release of the same lock are never co-enabled")
	}
	if acq1.Dependent(acqOther) {
		t.Errorf("Acquires of different locks should be independent")
	}
}

func TestEnabledIn(t *testing.T) {
	v := mockView{
		mailbox: map[PID]int{2: 1},
		locks:   map[string]PID{"held": 1},
	}

	recvFull := Event{Actor: 2, Kind: Receive}
	recvEmpty := Event{Actor: 3, Kind: Receive}
	recvTimeout := Event{Actor: 3, Kind: Receive, HasTimeout: true}
	acqFree := Event{Actor: 2, Kind: Acquire, Lock: "free"}
	acqHeld := Event{Actor: 2, Kind: Acquire, Lock: "held"}
	send := Event{Actor: 3, Kind: Send, To: 2}

	if !recvFull.EnabledIn(v) {
		t.Errorf("Receive with a queued message should be enabled")
	}
	if recvEmpty.EnabledIn(v) {
		t.Errorf("Receive on an empty mailbox should be blocked")
	}
	if !recvTimeout.EnabledIn(v) {
		t.Errorf("Receive with a timeout branch is always enabled")
	}
	if !acqFree.EnabledIn(v) {
		t.Errorf("Acquire of a free lock should be enabled")
	}
	if acqHeld.EnabledIn(v) {
		t.Errorf("Acquire of a held lock should be blocked")
	}
	if !send.EnabledIn(v) {
		t.Errorf("Send is always enabled")
	}
}

func TestDescribe(t *testing.T) {
	evt := Event{Actor: 1, Kind: Send, To: 2, Payload: 42}
	if got, want := evt.Describe(), "P1: send 42 to P2"; got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}
	timeout := Event{Actor: 2, Kind: Receive, HasTimeout: true, TimedOut: true}
	if got, want := timeout.Describe(), "P2: receive timed out"; got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}
}
