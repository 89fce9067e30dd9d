// Binary rr-replay drives the replay-time half of the engine: for a single
// already-attached traced thread, it reads recorded events from a
// trace.Reader and feeds each one through replay.SignalPositioner.Dispatch,
// halting immediately (spec.md §7) on the first divergence from the
// recorded trace. Supplying an actual trace.Reader backed by a recorded
// file is an external collaborator per spec.md §1; this binary wires the
// dispatch loop and expects a Reader implementation to be plugged in by
// whatever produces the trace.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/sanyaade-mobiledev/rr/pkg/rrconfig"
	"github.com/sanyaade-mobiledev/rr/pkg/rrlog"
	"github.com/sanyaade-mobiledev/rr/pkg/replay"
	"github.com/sanyaade-mobiledev/rr/pkg/tcontext"
	"github.com/sanyaade-mobiledev/rr/pkg/trace"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&replayCmd{}, "")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// replayCmd implements subcommands.Command, mirroring recordCmd's shape in
// cmd/rr-record.
type replayCmd struct {
	configPath string
	lockPath   string
	debug      bool
	tid        int
}

func (*replayCmd) Name() string     { return "replay" }
func (*replayCmd) Synopsis() string { return "replay a recorded event stream against an attached thread" }
func (*replayCmd) Usage() string {
	return "replay -tid=<already-stopped tid> [-config=rr.toml]\n"
}

func (c *replayCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML config file (defaults compiled in if unset)")
	f.StringVar(&c.lockPath, "lock", "/var/run/rr-replay.lock", "path to the exclusive lock file")
	f.BoolVar(&c.debug, "debug", false, "enable debug logging")
	f.IntVar(&c.tid, "tid", 0, "tid of the already-stopped thread to attach to and replay against")
}

func (c *replayCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	rrlog.SetLevel(c.debug)

	lock := flock.New(c.lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		rrlog.Warningf("rr-replay: acquire lock %s: %v", c.lockPath, err)
		return subcommands.ExitFailure
	}
	if !locked {
		rrlog.Warningf("rr-replay: lock %s held by another rr-replay instance", c.lockPath)
		return subcommands.ExitFailure
	}
	defer lock.Unlock()

	cfg := rrconfig.Default()
	if c.configPath != "" {
		loaded, err := rrconfig.Load(c.configPath)
		if err != nil {
			rrlog.Warningf("rr-replay: load config %s: %v", c.configPath, err)
			return subcommands.ExitFailure
		}
		cfg = loaded
	}

	if c.tid <= 0 {
		rrlog.Warningf("rr-replay: -tid is required")
		return subcommands.ExitUsageError
	}

	registry := tcontext.NewRegistry(cfg.NumMaxThreads, cfg.MaxTID)
	tctx, err := registry.Register(int32(c.tid), uint64(cfg.MaxRecordInterval))
	if err != nil {
		rrlog.Warningf("rr-replay: register tid %d: %v", c.tid, err)
		return subcommands.ExitFailure
	}

	// No event source is wired in by default; a caller embedding this
	// binary's logic supplies its own trace.Reader. An empty SliceReader
	// lets the subcommand still exercise the dispatch loop's shutdown path
	// end to end.
	var reader trace.Reader = trace.NewSliceReader(nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return handleReplaySignals(gctx, registry, tctx) })
	g.Go(func() error { return replayLoop(gctx, tctx, reader, cfg) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		rrlog.Warningf("rr-replay: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func handleReplaySignals(ctx context.Context, registry *tcontext.Registry, tctx *tcontext.ThreadContext) error {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigc)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigc:
		rrlog.Infof("rr-replay: received %v, tearing down", sig)
		if err := registry.Deregister(tctx); err != nil {
			rrlog.Warningf("rr-replay: deregister tid %d: %v", tctx.ChildTID, err)
		}
		return context.Canceled
	}
}

// replayLoop feeds each recorded event in order through the positioner,
// tracking a Ledger purely as a total-order sanity check (SPEC_FULL.md
// §4.3's addition; spec.md §5's ordering guarantee).
func replayLoop(ctx context.Context, tctx *tcontext.ThreadContext, reader trace.Reader, cfg rrconfig.Config) error {
	backend := replay.NewPtraceBackend()
	positioner := replay.New(backend, uint64(cfg.SkidSize), uint64(cfg.SlowPathThreshold))
	ledger := replay.NewLedger()

	goNextEvent := func(c *tcontext.ThreadContext) unix.WaitStatus {
		ws, err := backend.ResumeSyscall(c.ChildTID, 0)
		if err != nil {
			rrlog.Fatalf("rr-replay: resume tid %d: %v", c.ChildTID, err)
		}
		c.Status = ws
		return ws
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := reader.Next()
		if err == trace.ErrExhausted {
			rrlog.Infof("rr-replay: trace exhausted for tid %d", tctx.ChildTID)
			return nil
		}
		if err != nil {
			return err
		}

		if err := ledger.Record(rec.GlobalTime, tctx.ChildTID); err != nil {
			rrlog.Fatalf("rr-replay: %v", err)
			return err
		}

		tctx.Trace = rec
		positioner.Dispatch(tctx, goNextEvent)
	}
}
