package concheck

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"concheck/config"
	"concheck/dpor"
	"concheck/driver"
	"concheck/event"
	"concheck/scheduler"
	"concheck/ticket"
	"concheck/trace"
)

// aggregator owns the exploration worklist and all cross-run state. It is
// the only mutator of counts, tickets and the pending stack; runs execute
// strictly one at a time.
type aggregator struct {
	opts  *config.Options
	inst  Instrumenter
	entry EntryFunc
	log   *slog.Logger

	engine *dpor.Engine

	stack []dpor.Pending
	seen  map[string]bool

	runCount     int
	blockedCount int
	tickets      ticket.Collector
	instrFailure error
}

func newAggregator(opts *config.Options, inst Instrumenter, entry EntryFunc, log *slog.Logger) *aggregator {
	return &aggregator{
		opts:   opts,
		inst:   inst,
		entry:  entry,
		log:    log,
		engine: dpor.New(opts.Flavor, opts.Bound),
		seen:   make(map[string]bool),
	}
}

// explore drains the worklist. Cancellation is honored at run boundaries
// only; a cancelled run is discarded, never counted or ticketed.
func (a *aggregator) explore(ctx context.Context) {
	first := dpor.Pending{}
	a.seen[signature(first)] = true
	a.stack = append(a.stack, first)

	for len(a.stack) > 0 {
		if ctx.Err() != nil {
			a.log.Warn("exploration cancelled",
				slog.Int("runs", a.runCount), slog.Int("pending", len(a.stack)))
			return
		}
		if a.runCount >= a.opts.MaxRuns {
			a.log.Warn("run budget exhausted",
				slog.Int("runs", a.runCount), slog.Int("pending", len(a.stack)))
			return
		}

		pending := a.stack[len(a.stack)-1]
		a.stack = a.stack[:len(a.stack)-1]

		run, err := a.executeOne(ctx, pending)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Error("run aborted", slog.Any("error", err))
			a.instrFailure = err
			return
		}
		a.account(run)
	}
	a.log.Info("exploration finished",
		slog.Int("runs", a.runCount),
		slog.Int("blocked", a.blockedCount),
		slog.Int("tickets", a.tickets.Len()))
}

// executeOne drives a single run from a fresh driver.
func (a *aggregator) executeOne(ctx context.Context, pending dpor.Pending) (*trace.Run, error) {
	d := driver.New(driver.Policy{
		Instrumented:         a.inst.Units(),
		Ignored:              a.opts.IgnoredSet(),
		FailOnUninstrumented: a.opts.FailOnUninstrumented,
		StepTimeout:          stepTimeout(a.opts),
	})
	defer d.Teardown()

	args := a.opts.Target.Args
	d.Start(a.opts.Target.Unit, func(p *driver.Proc) {
		a.entry(p, args)
	})

	sched := scheduler.New(d, scheduler.Config{
		Prefix:          pending.Prefix,
		Forced:          pending.Forced,
		Sleep:           pending.Sleep,
		Bound:           a.opts.Bound,
		MaxDepth:        a.opts.MaxDepth,
		WaitForMessages: a.opts.WaitForMessages,
		Log:             a.log,
	})
	return sched.Run(ctx)
}

// account folds one completed run into the aggregate state and schedules
// the race reversals it exposes. Interleavings and sleep-set blocked
// prefixes are counted disjointly.
func (a *aggregator) account(run *trace.Run) {
	if run.Cause == trace.CauseSleepBlocked {
		a.blockedCount++
		a.log.Debug("sleep-set blocked prefix", slog.Int("blocked", a.blockedCount))
		return
	}
	a.runCount++
	a.log.Debug("interleaving explored",
		slog.Int("run", a.runCount),
		slog.String("cause", run.Cause.String()),
		slog.Int("steps", len(run.Steps)))

	if tk, ok := ticket.FromRun(run); ok {
		a.tickets.Add(tk)
		a.log.Info("ticket",
			slog.String("id", tk.ID.String()),
			slog.String("summary", tk.Short()))
	}

	for _, p := range a.engine.Analyze(run) {
		sig := signature(p)
		if a.seen[sig] {
			continue
		}
		a.seen[sig] = true
		a.stack = append(a.stack, p)
	}
}

// signature keys a pending schedule for deduplication, on purpose without
// the sleep set. A duplicate (prefix, forced) pair only arises when a race
// is rediscovered inside a replayed prefix; the run that first established
// that prefix already registered the same divergence with the sleep set
// derived at discovery time, while the rediscovery carries no sleep
// information for prefix indices. Keeping the first-seen pending keeps the
// better-informed sleep set; admitting the second would re-run the same
// schedule with pruning disabled.
func signature(p dpor.Pending) string {
	var b strings.Builder
	writePids(&b, p.Prefix)
	b.WriteByte('|')
	writePids(&b, p.Forced)
	return b.String()
}

func writePids(b *strings.Builder, pids []event.PID) {
	for i, p := range pids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(p)))
	}
}

func stepTimeout(opts *config.Options) time.Duration {
	if opts.IgnoreTimeout > 0 {
		return time.Duration(opts.IgnoreTimeout) * time.Second
	}
	return 0
}
