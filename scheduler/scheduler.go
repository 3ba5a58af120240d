// Package scheduler turns one schedule decision sequence into one recorded
// run. It owns the choice policy of a single run: replay a prefix, then
// follow a forced wakeup sequence, then fall back to the default rule of
// running the current process until it blocks.
//
// The default rule deliberately sticks to the current process instead of
// always taking the lowest eligible pid: default runs then carry zero
// preemptions, and the preemption bound constrains exactly the switches
// the race analysis asks for. Race analysis across runs lives elsewhere;
// the scheduler only records what the analysis needs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/exp/slices"

	"concheck/config"
	"concheck/driver"
	"concheck/event"
	"concheck/trace"
)

// Config fixes the decisions of one run before it starts.
type Config struct {
	// Prefix is replayed verbatim before any free choice is made.
	Prefix []event.PID
	// Forced is the wakeup sequence executed after the prefix. It is
	// guidance, not a replay: a forced pid whose event is not yet enabled
	// is deferred until an executed step enables it, and the default rule
	// fills the steps in between.
	Forced []event.PID
	// Sleep is the initial sleep set, active from the first post-prefix
	// step. Sleeping processes are not scheduled until an executed step
	// conflicts with their pending event.
	Sleep []event.PID
	// Bound is the preemption bound in force for this run.
	Bound config.Bound
	// MaxDepth caps the number of steps; 0 means unlimited.
	MaxDepth int
	// WaitForMessages makes the scheduler wait for external traffic to
	// settle before every collection.
	WaitForMessages bool
	// QuiesceTimeout bounds each wait-for-messages pause.
	QuiesceTimeout time.Duration
	// Log receives run-level diagnostics. Nil falls back to the default
	// logger.
	Log *slog.Logger
}

const defaultQuiesceTimeout = time.Second

// DivergenceError reports a prefix replay that could not follow its
// recorded choices: the process the prefix names is not enabled at the
// step. A prefix is a sequence of already-executed choices, so divergence
// indicates a nondeterministic target, which voids the soundness of the
// analysis. Wakeup pids are never the subject of this error; a disabled
// wakeup pid is deferred, not failed.
type DivergenceError struct {
	Index int
	Want  event.PID
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("scheduler: replay diverged at step %d, %v is not enabled", e.Index, e.Want)
}

// Scheduler executes one run against a fresh driver.
type Scheduler struct {
	d   *driver.Driver
	cfg Config
	log *slog.Logger

	steps       []trace.Step
	forced      []event.PID
	sleep       []event.PID
	preemptions int
	exceededAt  int
}

// New creates a scheduler for one run. The driver must be freshly started
// and is not torn down by the scheduler.
func New(d *driver.Driver, cfg Config) *Scheduler {
	if cfg.QuiesceTimeout <= 0 {
		cfg.QuiesceTimeout = defaultQuiesceTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		d:          d,
		cfg:        cfg,
		log:        log,
		forced:     slices.Clone(cfg.Forced),
		sleep:      slices.Clone(cfg.Sleep),
		exceededAt: -1,
	}
}

// Run drives the target to completion and returns the recorded run. A
// returned error means the run itself could not be carried out (divergence
// or uninterceptable target code); target misbehavior such as deadlocks and
// faults is a run outcome, not an error.
func (s *Scheduler) Run(ctx context.Context) (*trace.Run, error) {
	for {
		if err := ctx.Err(); err != nil {
			return s.finish(trace.CauseHang), err
		}
		if s.cfg.MaxDepth > 0 && len(s.steps) >= s.cfg.MaxDepth {
			return s.finish(trace.CauseDepth), nil
		}
		if s.cfg.WaitForMessages && !s.d.Quiesce(s.cfg.QuiesceTimeout) {
			s.log.Warn("external messages still in flight after the quiesce timeout",
				slog.Int64("in_flight", s.d.InFlight()),
				slog.Int("step", len(s.steps)))
		}
		if err := s.d.Collect(); err != nil {
			return s.finish(trace.CauseHang), err
		}

		// A process suspended on a run-ending event preempts every other
		// choice: the run stops here and the event becomes the ticket.
		if pid, ok := s.d.FaultPending(); ok {
			evt, err := s.step(pid, s.d.Enabled())
			if err != nil {
				return s.finish(trace.CauseHang), err
			}
			if evt.Kind == event.AssertFailed {
				return s.finish(trace.CauseAssert), nil
			}
			return s.finish(trace.CauseFault), nil
		}

		enabled := s.d.Enabled()
		if len(enabled) == 0 {
			if s.d.Live() > 0 {
				run := s.finish(trace.CauseDeadlock)
				run.Blocked = s.d.Blocked()
				return run, nil
			}
			return s.finish(trace.CauseNormal), nil
		}

		pid, ok, err := s.choose(enabled)
		if err != nil {
			return s.finish(trace.CauseHang), err
		}
		if !ok {
			return s.finish(trace.CauseSleepBlocked), nil
		}
		if _, err := s.step(pid, enabled); err != nil {
			return s.finish(trace.CauseHang), err
		}
	}
}

// choose picks the next process. ok=false means every enabled process is
// asleep and the run is sleep-set blocked.
func (s *Scheduler) choose(enabled []event.PID) (event.PID, bool, error) {
	idx := len(s.steps)

	if idx < len(s.cfg.Prefix) {
		want := s.cfg.Prefix[idx]
		if !slices.Contains(enabled, want) {
			return 0, false, &DivergenceError{Index: idx, Want: want}
		}
		return want, true, nil
	}

	// Take the first wakeup pid that can actually run. The rest stay
	// queued: a wakeup sequence is derived without enabling information,
	// so a later element may need an intervening step (e.g. the send that
	// feeds a blocking receive) before it becomes enabled.
	for n, want := range s.forced {
		if slices.Contains(enabled, want) {
			s.forced = slices.Delete(s.forced, n, n+1)
			return want, true, nil
		}
	}

	eligible := make([]event.PID, 0, len(enabled))
	for _, p := range enabled {
		if !slices.Contains(s.sleep, p) {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return 0, false, nil
	}
	// Keep running the current process while it can proceed; switch only
	// when it blocks or exits. The default run therefore carries zero
	// preemptions and every preemption is one the analysis asked for.
	if idx > 0 {
		prev := s.steps[idx-1].PID
		if slices.Contains(eligible, prev) {
			return prev, true, nil
		}
	}
	return eligible[0], true, nil
}

// step grants the event of pid and records the step.
func (s *Scheduler) step(pid event.PID, enabled []event.PID) (event.Event, error) {
	idx := len(s.steps)

	preemptive := idx > 0 &&
		s.steps[idx-1].PID != pid &&
		slices.Contains(enabled, s.steps[idx-1].PID)
	if preemptive {
		s.preemptions++
	}
	if !s.cfg.Bound.Infinite && s.preemptions > s.cfg.Bound.N && s.exceededAt == -1 {
		s.exceededAt = idx
	}

	var sleepHere []event.PID
	if idx >= len(s.cfg.Prefix) {
		sleepHere = slices.Clone(s.sleep)
	}

	evt, err := s.d.Grant(pid)
	if err != nil {
		return event.Event{}, err
	}

	s.steps = append(s.steps, trace.Step{
		Index:       idx,
		PID:         pid,
		Evt:         evt,
		Enabled:     enabled,
		Sleep:       sleepHere,
		Preemptions: s.preemptions,
	})

	s.wake(evt)
	return evt, nil
}

// wake removes from the sleep set every process whose pending event
// conflicts with the executed one: its next step is no longer redundant.
func (s *Scheduler) wake(evt event.Event) {
	if len(s.sleep) == 0 {
		return
	}
	kept := s.sleep[:0]
	for _, p := range s.sleep {
		pending, ok := s.d.Pending(p)
		if ok && evt.Dependent(pending) {
			continue
		}
		kept = append(kept, p)
	}
	s.sleep = kept
}

func (s *Scheduler) finish(cause trace.Cause) *trace.Run {
	return &trace.Run{
		Steps:           s.steps,
		Cause:           cause,
		BoundExceededAt: s.exceededAt,
	}
}
