// Binary rr-record drives the record-time half of the engine: it owns a
// tcontext.Registry and sched.Scheduler and round-robins already-running
// traced threads, registering them as they are discovered and deregistering
// them as they exit. Process creation (forking/execing the traced program)
// is an external collaborator per spec.md §1; this binary's "record"
// subcommand expects the tids of already-stopped children to attach to.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/sanyaade-mobiledev/rr/pkg/rrconfig"
	"github.com/sanyaade-mobiledev/rr/pkg/rrlog"
	"github.com/sanyaade-mobiledev/rr/pkg/sched"
	"github.com/sanyaade-mobiledev/rr/pkg/tcontext"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&recordCmd{}, "")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// recordCmd implements subcommands.Command, in the style of
// runsc/cli/main.go's registration of gVisor's own OCI subcommands.
type recordCmd struct {
	configPath string
	lockPath   string
	debug      bool
	tidsFlag   string
}

func (*recordCmd) Name() string     { return "record" }
func (*recordCmd) Synopsis() string { return "round-robin record already-stopped traced threads" }
func (*recordCmd) Usage() string {
	return "record -tids=<comma-separated tids> [-config=rr.toml]\n"
}

func (c *recordCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML config file (defaults compiled in if unset)")
	f.StringVar(&c.lockPath, "lock", "/var/run/rr-record.lock", "path to the exclusive lock file")
	f.BoolVar(&c.debug, "debug", false, "enable debug logging")
	f.StringVar(&c.tidsFlag, "tids", "", "comma-separated list of already-stopped tids to register and record")
}

func (c *recordCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	rrlog.SetLevel(c.debug)

	lock := flock.New(c.lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		rrlog.Warningf("rr-record: acquire lock %s: %v", c.lockPath, err)
		return subcommands.ExitFailure
	}
	if !locked {
		rrlog.Warningf("rr-record: lock %s held by another rr-record instance", c.lockPath)
		return subcommands.ExitFailure
	}
	defer lock.Unlock()

	cfg := rrconfig.Default()
	if c.configPath != "" {
		loaded, err := rrconfig.Load(c.configPath)
		if err != nil {
			rrlog.Warningf("rr-record: load config %s: %v", c.configPath, err)
			return subcommands.ExitFailure
		}
		cfg = loaded
	}

	tids, err := parseTIDs(c.tidsFlag)
	if err != nil {
		rrlog.Warningf("rr-record: %v", err)
		return subcommands.ExitUsageError
	}
	if len(tids) == 0 {
		rrlog.Warningf("rr-record: no -tids given; nothing to record")
		return subcommands.ExitUsageError
	}

	registry := tcontext.NewRegistry(cfg.NumMaxThreads, cfg.MaxTID)
	scheduler := sched.New(registry, cfg.MaxSwitchCounter)

	for _, tid := range tids {
		if _, err := registry.Register(tid, uint64(cfg.MaxRecordInterval)); err != nil {
			rrlog.Warningf("rr-record: register tid %d: %v", tid, err)
			return subcommands.ExitFailure
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return handleSignals(gctx, scheduler) })
	g.Go(func() error { return recordLoop(gctx, registry, scheduler) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		rrlog.Warningf("rr-record: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// handleSignals is the sole extra goroutine spec.md's ambient concurrency
// allows (SPEC_FULL.md §5): it never touches the registry's mutation
// points, only Scheduler.ExitAll.
func handleSignals(ctx context.Context, scheduler *sched.Scheduler) error {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigc)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigc:
		rrlog.Infof("rr-record: received %v, tearing down", sig)
		scheduler.ExitAll()
		return context.Canceled
	}
}

// recordLoop round-robins the registered threads, deregistering any that
// have exited, until the registry is empty.
func recordLoop(ctx context.Context, registry *tcontext.Registry, scheduler *sched.Scheduler) error {
	var current *tcontext.ThreadContext
	for registry.ActiveCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		current = scheduler.SelectNext(current)

		var ws unix.WaitStatus
		if _, err := unix.Wait4(int(current.ChildTID), &ws, unix.WALL|unix.WCLONE, nil); err != nil {
			if err == unix.ECHILD {
				if err := registry.Deregister(current); err != nil {
					return fmt.Errorf("deregister tid %d: %w", current.ChildTID, err)
				}
				current = nil
				continue
			}
			return fmt.Errorf("wait4(tid=%d): %w", current.ChildTID, err)
		}
		current.Status = ws

		if ws.Exited() || ws.Signaled() {
			rrlog.Infof("rr-record: tid %d exited (%v)", current.ChildTID, ws)
			if err := registry.Deregister(current); err != nil {
				return fmt.Errorf("deregister tid %d: %w", current.ChildTID, err)
			}
			current = nil
		}
	}
	return nil
}

func parseTIDs(flagVal string) ([]int32, error) {
	if flagVal == "" {
		return nil, nil
	}
	var tids []int32
	for _, s := range strings.Split(flagVal, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid tid %q: %w", s, err)
		}
		tids = append(tids, int32(n))
	}
	return tids, nil
}
