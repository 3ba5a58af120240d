// Package driver executes target code one visible event at a time.
//
// Every logical process of the target runs on its own goroutine but is kept
// under a cooperative single-stepping discipline: at each visible action the
// process posts the event it wants to perform and suspends on a one-shot
// permission channel. The driver gathers one pending event per live process,
// lets the scheduler pick, applies the chosen event's effect and wakes
// exactly that process. The underlying runtime never gets to order anything.
package driver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"concheck/event"
)

// Policy carries the per-run driver configuration, derived from the
// analysis options. It is read-only for the lifetime of the driver.
type Policy struct {
	// Instrumented is the set of unit names whose events can be
	// intercepted.
	Instrumented map[string]bool
	// Ignored is the set of units allowed to remain uninstrumented.
	Ignored map[string]bool
	// FailOnUninstrumented aborts the run when an event arrives from a unit
	// that is neither instrumented nor ignored.
	FailOnUninstrumented bool
	// StepTimeout bounds how long the driver waits for a process to produce
	// its next event before declaring the target uninterceptable.
	StepTimeout time.Duration
}

const defaultStepTimeout = 5 * time.Second

// Status of a logical process.
type Status int

const (
	StatusRunnable Status = iota
	StatusBlocked
	StatusExited
)

// Message is a value queued in a process mailbox.
type Message struct {
	From  event.PID
	Value any
}

// Error is a driver-level failure: an event that could not be intercepted,
// or a process that produced no event within the step timeout. Driver
// errors abort the run; whether they abort the whole analysis is decided by
// the caller's fail-on-uninstrumented policy.
type Error struct {
	PID    event.PID
	Unit   string
	Reason string
}

func (e *Error) Error() string {
	if e.Unit != "" {
		return fmt.Sprintf("driver: %v (unit %q): %s", e.PID, e.Unit, e.Reason)
	}
	return fmt.Sprintf("driver: %v: %s", e.PID, e.Reason)
}

// grant is the value delivered on a process's permission channel. It
// carries the outcome of the granted event back to the acting process.
type grant struct {
	msg       Message
	delivered bool
	timedOut  bool
	child     event.PID
}

type request struct {
	pid   event.PID
	evt   event.Event
	reply chan grant
}

type procState struct {
	id      event.PID
	unit    string
	status  Status
	pending *event.Event
	reply   chan grant
}

// spawnPayload rides in the Payload of a Spawn event until the driver
// creates the child at grant time.
type spawnPayload struct {
	unit string
	fn   func(*Proc)
}

// Driver owns the logical processes, mailboxes and locks of one run.
// Collect and Grant must be called from a single goroutine; the target
// processes interact with the driver only through their Proc handles.
type Driver struct {
	policy Policy

	requests chan request
	aborted  chan struct{}

	procs   map[event.PID]*procState
	nextPID event.PID
	live    int

	mu        sync.Mutex
	mailboxes map[event.PID][]Message
	locks     map[string]event.PID

	inflight atomic.Int64
	wg       sync.WaitGroup
	torn     bool
}

// New creates a driver for one run.
func New(policy Policy) *Driver {
	if policy.StepTimeout <= 0 {
		policy.StepTimeout = defaultStepTimeout
	}
	return &Driver{
		policy:    policy,
		requests:  make(chan request),
		aborted:   make(chan struct{}),
		procs:     make(map[event.PID]*procState),
		nextPID:   1,
		mailboxes: make(map[event.PID][]Message),
		locks:     make(map[string]event.PID),
	}
}

// Start launches the entry process. Must be called exactly once, before the
// first Collect.
func (d *Driver) Start(unit string, fn func(*Proc)) event.PID {
	return d.startProcess(unit, fn)
}

func (d *Driver) startProcess(unit string, fn func(*Proc)) event.PID {
	id := d.nextPID
	d.nextPID++
	d.procs[id] = &procState{id: id, unit: unit}
	d.live++
	d.wg.Add(1)
	p := &Proc{d: d, id: id, unit: unit}
	go d.runProcess(p, fn)
	return id
}

// Collect waits until every live process is suspended on a pending event.
// A process that stays silent past the step timeout is treated as
// uninterceptable code and reported as a driver error, not as a deadlock:
// an instrumented process that cannot proceed is always suspended at an
// event.
func (d *Driver) Collect() error {
	timer := time.NewTimer(d.policy.StepTimeout)
	defer timer.Stop()
	for d.outstanding() > 0 {
		select {
		case req := <-d.requests:
			if err := d.admit(req); err != nil {
				return err
			}
		case <-timer.C:
			return &Error{PID: d.silentPID(), Reason: "no event produced within the step timeout"}
		}
	}
	return nil
}

func (d *Driver) outstanding() int {
	n := 0
	for _, ps := range d.procs {
		if ps.status != StatusExited && ps.pending == nil {
			n++
		}
	}
	return n
}

func (d *Driver) silentPID() event.PID {
	for _, id := range d.pids() {
		ps := d.procs[id]
		if ps.status != StatusExited && ps.pending == nil {
			return id
		}
	}
	return 0
}

func (d *Driver) admit(req request) error {
	ps, ok := d.procs[req.pid]
	if !ok {
		return &Error{PID: req.pid, Reason: "event from an unknown process"}
	}
	if !d.policy.Instrumented[ps.unit] && !d.policy.Ignored[ps.unit] && d.policy.FailOnUninstrumented {
		return &Error{PID: req.pid, Unit: ps.unit, Reason: "event from an uninstrumented unit"}
	}
	evt := req.evt
	ps.pending = &evt
	ps.reply = req.reply
	return nil
}

// Grant applies the pending event of the given process, wakes it and
// returns the recorded event with its outcome filled in. Only the granted
// process (plus the single resource its event names) is mutated.
func (d *Driver) Grant(pid event.PID) (event.Event, error) {
	ps, ok := d.procs[pid]
	if !ok || ps.pending == nil {
		return event.Event{}, &Error{PID: pid, Reason: "granted a process with no pending event"}
	}
	evt := *ps.pending
	var g grant

	switch evt.Kind {
	case event.Send:
		d.mu.Lock()
		d.mailboxes[evt.To] = append(d.mailboxes[evt.To], Message{From: pid, Value: evt.Payload})
		d.mu.Unlock()
	case event.Receive:
		d.mu.Lock()
		q := d.mailboxes[pid]
		switch {
		case len(q) > 0:
			m := q[0]
			d.mailboxes[pid] = q[1:]
			g.msg = m
			g.delivered = true
			evt.From = m.From
			evt.Payload = m.Value
		case evt.HasTimeout:
			g.timedOut = true
			evt.TimedOut = true
		default:
			d.mu.Unlock()
			return event.Event{}, &Error{PID: pid, Reason: "granted a receive with an empty mailbox"}
		}
		d.mu.Unlock()
	case event.Acquire:
		if holder, held := d.locks[evt.Lock]; held {
			return event.Event{}, &Error{PID: pid, Reason: fmt.Sprintf("granted acquire of %q held by %v", evt.Lock, holder)}
		}
		d.locks[evt.Lock] = pid
	case event.Release:
		delete(d.locks, evt.Lock)
	case event.Spawn:
		sp := evt.Payload.(spawnPayload)
		child := d.startProcess(sp.unit, sp.fn)
		g.child = child
		evt.Child = child
		evt.Payload = nil
	case event.Exit, event.AssertFailed, event.Fault:
		ps.status = StatusExited
		d.live--
	}

	ps.pending = nil
	reply := ps.reply
	ps.reply = nil
	reply <- g
	return evt, nil
}

// pids returns all process ids in increasing order.
func (d *Driver) pids() []event.PID {
	out := maps.Keys(d.procs)
	slices.Sort(out)
	return out
}

// Enabled returns the processes whose pending event is enabled, in
// increasing pid order. Valid only after a successful Collect.
func (d *Driver) Enabled() []event.PID {
	var out []event.PID
	for _, id := range d.pids() {
		ps := d.procs[id]
		if ps.status == StatusExited || ps.pending == nil {
			continue
		}
		if ps.pending.EnabledIn(d) {
			out = append(out, id)
		}
	}
	return out
}

// Blocked returns the live processes whose pending event is not enabled,
// in increasing pid order.
func (d *Driver) Blocked() []event.PID {
	var out []event.PID
	for _, id := range d.pids() {
		ps := d.procs[id]
		if ps.status == StatusExited || ps.pending == nil {
			continue
		}
		if !ps.pending.EnabledIn(d) {
			out = append(out, id)
		}
	}
	return out
}

// Pending returns the pending event of the process, if any.
func (d *Driver) Pending(pid event.PID) (event.Event, bool) {
	ps, ok := d.procs[pid]
	if !ok || ps.pending == nil {
		return event.Event{}, false
	}
	return *ps.pending, true
}

// FaultPending returns the lowest process suspended on a run-ending event
// (uncaught fault or failed assertion).
func (d *Driver) FaultPending() (event.PID, bool) {
	for _, id := range d.pids() {
		ps := d.procs[id]
		if ps.pending != nil && ps.pending.Fatal() {
			return id, true
		}
	}
	return 0, false
}

// Live returns the number of processes that have not exited.
func (d *Driver) Live() int {
	return d.live
}

// MailboxLen implements event.View.
func (d *Driver) MailboxLen(p event.PID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mailboxes[p])
}

// LockHolder implements event.View.
func (d *Driver) LockHolder(name string) (event.PID, bool) {
	p, ok := d.locks[name]
	return p, ok
}

// Inject appends a message that originated outside the instrumented target
// (e.g. intercepted grpc traffic) to the destination mailbox.
func (d *Driver) Inject(from, to event.PID, msg any) {
	d.mu.Lock()
	d.mailboxes[to] = append(d.mailboxes[to], Message{From: from, Value: msg})
	d.mu.Unlock()
}

// NoteInFlight records a message sent by uninstrumented code that has not
// been delivered yet.
func (d *Driver) NoteInFlight() {
	d.inflight.Add(1)
}

// NoteDelivered records the delivery of a previously in-flight message.
func (d *Driver) NoteDelivered() {
	d.inflight.Add(-1)
}

// InFlight returns the number of undelivered external messages.
func (d *Driver) InFlight() int64 {
	return d.inflight.Load()
}

// Quiesce waits until no external messages are in flight, polling up to the
// given duration. Used by the wait-for-messages policy to avoid spurious
// nondeterminism from uninstrumented senders.
func (d *Driver) Quiesce(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for d.inflight.Load() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

// Teardown releases every suspended process and waits for the target's
// goroutines to finish. Safe to call multiple times; no partial run state
// survives it.
func (d *Driver) Teardown() error {
	if !d.torn {
		d.torn = true
		close(d.aborted)
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	// Drain late posts so no process stays wedged on the request channel.
	timer := time.NewTimer(d.policy.StepTimeout)
	defer timer.Stop()
	for {
		select {
		case <-d.requests:
		case <-done:
			return nil
		case <-timer.C:
			return &Error{Reason: "target processes did not stop during teardown"}
		}
	}
}
