package driver

import (
	"errors"
	"fmt"

	"concheck/event"
)

// errKilled is panicked through target code when the run is torn down or a
// process is terminated after a run-ending event. It never escapes the
// process wrapper.
var errKilled = errors.New("driver: process killed")

// A Proc is the handle instrumented target code uses to perform visible
// actions. Every method suspends the calling goroutine until the scheduler
// grants the action.
type Proc struct {
	d    *Driver
	id   event.PID
	unit string
}

// ID returns the process id.
func (p *Proc) ID() event.PID {
	return p.id
}

// Send queues msg in the mailbox of to. Send never blocks the logical
// process beyond the scheduling suspension itself.
func (p *Proc) Send(to event.PID, msg any) {
	p.post(event.Event{Actor: p.id, Kind: event.Send, Unit: p.unit, To: to, Payload: msg})
}

// Receive consumes the next message from the process mailbox, blocking the
// logical process until one is available.
func (p *Proc) Receive() (any, event.PID) {
	g := p.post(event.Event{Actor: p.id, Kind: event.Receive, Unit: p.unit})
	return g.msg.Value, g.msg.From
}

// ReceiveTimeout consumes the next message if one is queued when the
// receive is scheduled; otherwise it takes the timeout branch and reports
// ok=false. Both branches are legal outcomes and both orderings relative to
// a racing send are explored.
func (p *Proc) ReceiveTimeout() (any, event.PID, bool) {
	g := p.post(event.Event{Actor: p.id, Kind: event.Receive, Unit: p.unit, HasTimeout: true})
	if g.timedOut {
		return nil, 0, false
	}
	return g.msg.Value, g.msg.From, true
}

// Spawn starts fn as a new logical process in the same unit and returns its
// pid.
func (p *Proc) Spawn(fn func(*Proc)) event.PID {
	return p.SpawnIn(p.unit, fn)
}

// SpawnIn starts fn as a new logical process belonging to the named unit.
func (p *Proc) SpawnIn(unit string, fn func(*Proc)) event.PID {
	g := p.post(event.Event{
		Actor:   p.id,
		Kind:    event.Spawn,
		Unit:    p.unit,
		Payload: spawnPayload{unit: unit, fn: fn},
	})
	return g.child
}

// Acquire takes the named lock, blocking the logical process while it is
// held elsewhere.
func (p *Proc) Acquire(name string) {
	p.post(event.Event{Actor: p.id, Kind: event.Acquire, Unit: p.unit, Lock: name})
}

// Release gives up the named lock.
func (p *Proc) Release(name string) {
	p.post(event.Event{Actor: p.id, Kind: event.Release, Unit: p.unit, Lock: name})
}

// Yield marks a scheduling point with no resource effect.
func (p *Proc) Yield() {
	p.post(event.Event{Actor: p.id, Kind: event.Other, Unit: p.unit})
}

// Assert checks an invariant of the target. A failed assertion ends the
// process and surfaces as an AssertionViolation ticket for the current run.
func (p *Proc) Assert(cond bool, format string, args ...any) {
	if cond {
		return
	}
	p.post(event.Event{
		Actor:  p.id,
		Kind:   event.AssertFailed,
		Unit:   p.unit,
		Detail: fmt.Sprintf(format, args...),
	})
	panic(errKilled)
}

// post registers the event with the driver and suspends until it is
// granted. Teardown releases the suspension by aborting the process.
func (p *Proc) post(evt event.Event) grant {
	reply := make(chan grant)
	select {
	case p.d.requests <- request{pid: p.id, evt: evt, reply: reply}:
	case <-p.d.aborted:
		panic(errKilled)
	}
	select {
	case g := <-reply:
		return g
	case <-p.d.aborted:
		panic(errKilled)
	}
}

// runProcess wraps one target process: it posts the implicit exit event on
// return and converts panics into fault events the scheduler can surface.
func (d *Driver) runProcess(p *Proc, fn func(*Proc)) {
	defer d.wg.Done()
	defer func() {
		r := recover()
		if r == nil || r == errKilled {
			return
		}
		func() {
			// The fault post itself races with teardown.
			defer func() { _ = recover() }()
			p.post(event.Event{
				Actor:   p.id,
				Kind:    event.Fault,
				Unit:    p.unit,
				Detail:  fmt.Sprintf("%v", r),
				Payload: r,
			})
		}()
	}()
	fn(p)
	p.post(event.Event{Actor: p.id, Kind: event.Exit, Unit: p.unit})
}
