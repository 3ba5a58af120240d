// Command concheck explores the interleavings of an instrumented
// message-passing program and reports the concurrency bugs it finds.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"concheck"
	"concheck/appcontrol"
	"concheck/config"
	"concheck/report"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type flags struct {
	configFile string
	target     string
	args       []string

	output      string
	includeDirs []string
	defines     []string

	full    bool
	source  bool
	classic bool
	bound   string

	maxRuns  int
	maxDepth int

	verbosity  int
	quiet      bool
	noProgress bool

	keepTempFiles    bool
	showTargetOutput bool

	failOnUninstrumented bool
	waitForMessages      bool
	ignoreTimeout        int
	ignored              []string

	appControllerStart bool
	appControllerAddr  string
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:           "concheck [flags] artifact...",
		Short:         "Systematic concurrency testing for message-passing programs",
		Long:          "concheck drives an instrumented program through every relevant interleaving of its logical processes, pruning equivalent schedules with dynamic partial-order reduction, and reports deadlocks, uncaught faults and assertion violations.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &f, args)
		},
	}

	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "yaml configuration file")
	cmd.Flags().StringVarP(&f.target, "target", "t", "", "entry point as unit:entry")
	cmd.Flags().StringArrayVar(&f.args, "arg", nil, "entry point argument literal (repeatable)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "write the report to this file instead of stdout")
	cmd.Flags().StringArrayVarP(&f.includeDirs, "include", "I", nil, "artifact include directory")
	cmd.Flags().StringArrayVarP(&f.defines, "define", "D", nil, "macro define as key=value")
	cmd.Flags().BoolVar(&f.full, "full", false, "use the full (optimal) dpor flavor")
	cmd.Flags().BoolVar(&f.source, "source", false, "use the source-set dpor flavor")
	cmd.Flags().BoolVar(&f.classic, "classic", false, "use the classic dpor flavor")
	cmd.Flags().StringVarP(&f.bound, "bound", "b", "infinite", "preemption bound, a non-negative integer or \"infinite\"")
	cmd.Flags().IntVar(&f.maxRuns, "max-runs", 0, "cap on explored interleavings (0 keeps the default)")
	cmd.Flags().IntVar(&f.maxDepth, "max-depth", 0, "cap on steps per run (0 keeps the default)")
	cmd.Flags().CountVarP(&f.verbosity, "verbose", "v", "increase verbosity (repeatable)")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "suppress everything except errors and the report")
	cmd.Flags().BoolVar(&f.noProgress, "no-progress", false, "suppress progress output")
	cmd.Flags().BoolVar(&f.keepTempFiles, "keep-temp-files", false, "keep instrumentation byproducts")
	cmd.Flags().BoolVar(&f.showTargetOutput, "show-target-output", false, "pass target output through")
	cmd.Flags().BoolVar(&f.failOnUninstrumented, "fail-on-uninstrumented", false, "abort when an uninstrumented unit produces an event")
	cmd.Flags().BoolVar(&f.waitForMessages, "wait-for-messages", false, "hold scheduling while external messages are in flight")
	cmd.Flags().IntVar(&f.ignoreTimeout, "ignore-timeout", 0, "seconds to wait for a silent process before giving up")
	cmd.Flags().StringArrayVar(&f.ignored, "ignore", nil, "unit allowed to remain uninstrumented (repeatable)")
	cmd.Flags().BoolVar(&f.appControllerStart, "app-controller-start", false, "start the system under test through the application controller")
	cmd.Flags().StringVar(&f.appControllerAddr, "app-controller-addr", "localhost:50051", "application controller address")

	return cmd
}

func run(ctx context.Context, f *flags, files []string) error {
	opts, err := buildOptions(f, files)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ctrl *appcontrol.Client
	if opts.AppControllerStart {
		ctrl, err = appcontrol.Dial(ctx, opts.AppControllerAddr)
		if err != nil {
			return err
		}
		defer func() {
			ctrl.Stop(context.Background())
			ctrl.Close()
		}()
	}

	var res *concheck.Result
	g, gctx := errgroup.WithContext(ctx)
	if ctrl != nil {
		g.Go(func() error {
			return ctrl.Start(gctx)
		})
	}
	g.Go(func() error {
		var err error
		res, err = concheck.Analyze(gctx, concheck.NewPluginInstrumenter(),
			opts.Target, opts.Files, opts)
		return err
	})
	werr := g.Wait()
	if res == nil {
		return werr
	}

	if res.Verdict == concheck.VerdictInstr {
		fmt.Fprintln(os.Stderr, res.InstrFailure)
	}
	if opts.Output != "" {
		if err := res.ReportFile(opts.Output); err != nil {
			return err
		}
	} else if err := report.Write(os.Stdout, res.RunCount, res.BlockedCount, res.Tickets); err != nil {
		return err
	}
	return werr
}

func buildOptions(f *flags, files []string) (*config.Options, error) {
	opts := config.Default()
	if f.configFile != "" {
		loaded, err := config.LoadFile(f.configFile)
		if err != nil {
			return nil, err
		}
		opts = loaded
	}

	if f.target != "" {
		unit, entry, ok := strings.Cut(f.target, ":")
		if !ok {
			return nil, &config.ArgumentError{Key: "target", Reason: "expected unit:entry"}
		}
		opts.Target.Unit = unit
		opts.Target.Entry = entry
	}
	for _, raw := range f.args {
		v, err := config.ParseValue(raw)
		if err != nil {
			return nil, err
		}
		opts.Target.Args = append(opts.Target.Args, v)
	}
	if len(files) > 0 {
		opts.Files = files
	}

	flavor, err := config.PickFlavor(f.full, f.source, f.classic)
	if err != nil {
		return nil, err
	}
	if f.full || f.source || f.classic {
		opts.Flavor = flavor
	}
	if f.bound != "" && f.bound != "infinite" {
		if opts.Bound, err = config.ParseBound(f.bound); err != nil {
			return nil, err
		}
	}

	if f.output != "" {
		opts.Output = f.output
	}
	opts.IncludeDirs = append(opts.IncludeDirs, f.includeDirs...)
	if len(f.defines) > 0 {
		if opts.Defines == nil {
			opts.Defines = make(map[string]string)
		}
		for _, d := range f.defines {
			k, v, _ := strings.Cut(d, "=")
			opts.Defines[k] = v
		}
	}
	if f.maxRuns > 0 {
		opts.MaxRuns = f.maxRuns
	}
	if f.maxDepth > 0 {
		opts.MaxDepth = f.maxDepth
	}

	opts.Verbosity += f.verbosity
	opts.Quiet = opts.Quiet || f.quiet
	opts.NoProgress = opts.NoProgress || f.noProgress
	opts.KeepTempFiles = opts.KeepTempFiles || f.keepTempFiles
	opts.ShowTargetOutput = opts.ShowTargetOutput || f.showTargetOutput
	opts.FailOnUninstrumented = opts.FailOnUninstrumented || f.failOnUninstrumented
	opts.WaitForMessages = opts.WaitForMessages || f.waitForMessages
	if f.ignoreTimeout > 0 {
		opts.IgnoreTimeout = f.ignoreTimeout
	}
	opts.Ignored = append(opts.Ignored, f.ignored...)
	opts.AppControllerStart = opts.AppControllerStart || f.appControllerStart
	if f.appControllerAddr != "" {
		opts.AppControllerAddr = f.appControllerAddr
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}
