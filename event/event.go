package event

import (
	"fmt"
	"strings"
)

// PID identifies a logical process within a single run.
// Process ids are assigned in spawn order starting at 1, so an identical
// scheduling prefix always yields identical ids.
type PID int

func (p PID) String() string {
	return fmt.Sprintf("P%d", int(p))
}

// Kind identifies the kind of visible action an event represents.
type Kind int

const (
	Send Kind = iota
	Receive
	Spawn
	Exit
	Acquire
	Release
	AssertFailed
	Fault
	Other
)

func (k Kind) String() string {
	switch k {
	case Send:
		return "send"
	case Receive:
		return "receive"
	case Spawn:
		return "spawn"
	case Exit:
		return "exit"
	case Acquire:
		return "acquire"
	case Release:
		return "release"
	case AssertFailed:
		return "assertion"
	case Fault:
		return "fault"
	default:
		return "other"
	}
}

// An Event records one visible action of a logical process: who acted, what
// kind of action it was and which resources it touched. Events are built by
// the driver while the acting process is suspended and are immutable once
// they have been recorded into a step.
type Event struct {
	// Actor is the process performing the action.
	Actor PID
	Kind  Kind
	// Unit names the instrumented unit the actor belongs to.
	Unit string

	// To is the destination process of a Send.
	To PID
	// From is the sender of the message consumed by a Receive. Filled in
	// when the receive is granted.
	From PID
	// Child is the process created by a Spawn. Filled in when the spawn is
	// granted.
	Child PID
	// Lock names the resource of an Acquire or Release.
	Lock string
	// HasTimeout marks a Receive that is allowed to take the timeout
	// branch. A receive without a timeout blocks on an empty mailbox.
	HasTimeout bool
	// TimedOut marks a Receive that took its timeout branch instead of
	// consuming a message.
	TimedOut bool

	// Detail carries a human-readable description for assertion failures
	// and faults.
	Detail string
	// Payload carries the message value of a Send or Receive, the fault
	// value of a Fault, or the entry function of a Spawn.
	Payload any
}

// A Resource is an opaque key naming a shared object two events can
// conflict on. Mailboxes and named locks map to distinct key spaces.
type Resource string

func MailboxResource(p PID) Resource {
	return Resource(fmt.Sprintf("mailbox/%d", int(p)))
}

func LockResource(name string) Resource {
	return Resource("lock/" + name)
}

// ReadSet returns the resources this event reads.
func (e Event) ReadSet() []Resource {
	if e.Kind == Receive {
		return []Resource{MailboxResource(e.Actor)}
	}
	return nil
}

// WriteSet returns the resources this event writes. A receive both reads
// and writes its own mailbox since it consumes the head message.
func (e Event) WriteSet() []Resource {
	switch e.Kind {
	case Send:
		return []Resource{MailboxResource(e.To)}
	case Receive:
		return []Resource{MailboxResource(e.Actor)}
	case Acquire, Release:
		return []Resource{LockResource(e.Lock)}
	}
	return nil
}

// Dependent reports whether the two events are dependent: performed by
// different processes and touching a common resource such that swapping
// their order could change behavior. The relation is symmetric and
// deliberately over-approximates (every shared mailbox or lock access
// conflicts) so that no real race is missed.
//
// Acquire and release of the same lock are never co-enabled (a lock is
// acquired only while free and released only by its holder), so that pair
// is excluded.
func (e Event) Dependent(o Event) bool {
	if e.Actor == o.Actor {
		return false
	}
	if e.Kind == Acquire && o.Kind == Release && e.Lock == o.Lock {
		return false
	}
	if e.Kind == Release && o.Kind == Acquire && e.Lock == o.Lock {
		return false
	}
	if intersects(e.WriteSet(), o.ReadSet()) {
		return true
	}
	if intersects(e.WriteSet(), o.WriteSet()) {
		return true
	}
	return intersects(e.ReadSet(), o.WriteSet())
}

func intersects(a, b []Resource) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// A View exposes the shared state an enabled predicate may consult.
type View interface {
	// MailboxLen returns the number of messages queued for the process.
	MailboxLen(p PID) int
	// LockHolder returns the current holder of the named lock, if any.
	LockHolder(name string) (PID, bool)
}

// EnabledIn reports whether the event can execute against the given state.
// A receive without a timeout needs a queued message; an acquire needs the
// lock to be free. Everything else is always enabled.
func (e Event) EnabledIn(v View) bool {
	switch e.Kind {
	case Receive:
		if e.HasTimeout {
			return true
		}
		return v.MailboxLen(e.Actor) > 0
	case Acquire:
		_, held := v.LockHolder(e.Lock)
		return !held
	}
	return true
}

// Describe renders the event for trace detail lines.
func (e Event) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: ", e.Actor)
	switch e.Kind {
	case Send:
		fmt.Fprintf(&b, "send %v to %v", e.Payload, e.To)
	case Receive:
		if e.TimedOut {
			b.WriteString("receive timed out")
		} else {
			fmt.Fprintf(&b, "receive %v from %v", e.Payload, e.From)
		}
	case Spawn:
		fmt.Fprintf(&b, "spawn %v", e.Child)
	case Exit:
		b.WriteString("exit")
	case Acquire:
		fmt.Fprintf(&b, "acquire %q", e.Lock)
	case Release:
		fmt.Fprintf(&b, "release %q", e.Lock)
	case AssertFailed:
		fmt.Fprintf(&b, "assertion failed: %s", e.Detail)
	case Fault:
		fmt.Fprintf(&b, "uncaught fault: %s", e.Detail)
	default:
		b.WriteString("step")
	}
	return b.String()
}

// Fatal reports whether the event ends its run with an error condition.
func (e Event) Fatal() bool {
	return e.Kind == AssertFailed || e.Kind == Fault
}
