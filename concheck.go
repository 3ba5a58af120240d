// Package concheck systematically tests concurrent message-passing
// programs: it explores the orderings in which their logical processes can
// execute, prunes equivalent interleavings with dynamic partial-order
// reduction, and reports the deadlocks, uncaught faults and assertion
// violations that only specific interleavings expose.
package concheck

import (
	"context"
	"log/slog"
	"os"

	"concheck/config"
	"concheck/ticket"
)

// Analyze explores the target exhaustively (or up to the configured
// bounds) and returns the aggregated result.
//
// A configuration problem is returned as an error with no result. An
// instrumentation failure yields an error-instr result carrying the counts
// accumulated before the failure. Target misbehavior never aborts the
// analysis; it accumulates as tickets on an error-analysis result.
func Analyze(ctx context.Context, inst Instrumenter, target config.Target, files []string, opts *config.Options) (*Result, error) {
	if opts == nil {
		opts = config.Default()
	}
	effective := *opts
	effective.Target = target
	effective.Files = files
	if err := effective.Validate(); err != nil {
		return nil, err
	}

	res := &Result{Target: target}

	if err := inst.Instrument(files, &effective); err != nil {
		res.Verdict = VerdictInstr
		res.InstrFailure = err
		return res, nil
	}
	entry, ok := inst.Entry(target.Unit, target.Entry)
	if !ok {
		res.Verdict = VerdictInstr
		res.InstrFailure = &InstrumentationError{
			Reason: "entry point " + target.String() + " is not registered",
		}
		return res, nil
	}

	agg := newAggregator(&effective, inst, entry, analysisLogger(&effective))
	agg.explore(ctx)

	res.RunCount = agg.runCount
	res.BlockedCount = agg.blockedCount
	res.Tickets = agg.tickets.Sorted()
	switch {
	case agg.instrFailure != nil:
		res.Verdict = VerdictInstr
		res.InstrFailure = agg.instrFailure
	case len(res.Tickets) > 0:
		res.Verdict = VerdictAnalysis
	default:
		res.Verdict = VerdictOK
	}
	return res, ctx.Err()
}

// analysisLogger derives the logger of one analysis from the verbosity
// options. Quiet suppresses everything below errors.
func analysisLogger(opts *config.Options) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case opts.Quiet:
		level = slog.LevelError
	case opts.Verbosity >= 2:
		level = slog.LevelDebug
	case opts.NoProgress:
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Ticket re-exported kinds, so callers matching on severity do not need to
// import the ticket package separately.
const (
	AssertionViolation = ticket.AssertionViolation
	UncaughtFault      = ticket.UncaughtFault
	Deadlock           = ticket.Deadlock
)
