package tcontext

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sanyaade-mobiledev/rr/pkg/rrlog"
)

// Registry is the fixed-capacity, direct-mapped table of spec.md §3/§4.4:
// "a fixed-capacity direct-mapped table of Thread Contexts indexed by
// HASH(tid)". Per spec.md §9's design note ("Global registry → explicit
// ownership"), this is an explicit object owned by the record/replay
// driver and passed into Scheduler, not a package global — unlike
// rec_sched.c's static registered_threads array. SignalPositioner does not
// take a Registry; it works on the ThreadContext it is handed.
type Registry struct {
	slots  []*ThreadContext
	active int
	maxTID int32

	// Cursor is the scheduler's round-robin position into slots. It lives
	// here, not in the scheduler, because spec.md §9 describes "the cursor
	// moves into the same object" as the registry.
	Cursor int
}

// NewRegistry returns an empty registry sized for numMaxThreads live
// threads, hashing tids in [0, maxTID).
func NewRegistry(numMaxThreads int, maxTID int32) *Registry {
	return &Registry{
		slots:  make([]*ThreadContext, numMaxThreads),
		maxTID: maxTID,
	}
}

// Hash maps a tid into [0, len(slots)) as tid modulo the table size, for a
// direct-mapped (not chained) table. It is not injective over the legal
// tid range whenever that range is larger than the table: two tids that
// differ by a multiple of the table size share a slot. Insert and Register
// reject such a collision with a live entry as a contract violation; they
// do not probe for another slot.
func (r *Registry) Hash(tid int32) int {
	return int(tid) % len(r.slots)
}

// Len reports the registry's capacity (NUM_MAX_THREADS).
func (r *Registry) Len() int { return len(r.slots) }

// At returns the context occupying slot i, or nil if the slot is empty.
func (r *Registry) At(i int) *ThreadContext { return r.slots[i] }

// ActiveCount returns the number of populated slots. It is maintained
// alongside the table and never goes negative (spec.md §3).
func (r *Registry) ActiveCount() int { return r.active }

// Insert installs an already-constructed ThreadContext (as returned by
// RegisterThread) into the registry, asserting the slot is free. This is
// the registration half of spec.md §4.4's RegisterThread operation, split
// out so RegisterThread (above, in context.go) can build the context
// without needing a *Registry, and callers that already have a context
// (e.g. from a test fixture) can register it directly.
func (r *Registry) Insert(ctx *ThreadContext) {
	slot := r.Hash(ctx.ChildTID)
	if r.slots[slot] != nil {
		rrlog.Fatalf("tcontext: register_thread: slot %d already occupied (tid %d colliding with tid %d)",
			slot, ctx.ChildTID, r.slots[slot].ChildTID)
		return
	}
	r.slots[slot] = ctx
	r.active++
}

// Register is the full spec.md §4.4 RegisterThread operation: construct a
// context for child (already ptrace-attachable, per spec.md §1's
// process-creation Non-goal) and install it.
func (r *Registry) Register(child int32, maxRecordInterval uint64) (*ThreadContext, error) {
	if child <= 0 || child >= r.maxTID {
		rrlog.Fatalf("tcontext: register_thread: tid %d out of range (0, %d)", child, r.maxTID)
		return nil, fmt.Errorf("tcontext: tid %d out of range", child)
	}
	if existing := r.slots[r.Hash(child)]; existing != nil {
		rrlog.Fatalf("tcontext: register_thread: slot %d already occupied (tid %d colliding with tid %d)",
			r.Hash(child), child, existing.ChildTID)
		return nil, fmt.Errorf("tcontext: slot collision for tid %d", child)
	}
	ctx, err := RegisterThread(child, maxRecordInterval)
	if err != nil {
		return nil, err
	}
	r.Insert(ctx)
	return ctx, nil
}

// Deregister tears a context down in the fixed order of spec.md §4.4:
// stop HPC, close the memory fd, ptrace-detach, then drain waitpid until
// the kernel has fully reaped the thread, guaranteeing no late wait
// notification can reference freed context memory.
func (r *Registry) Deregister(ctx *ThreadContext) error {
	slot := r.Hash(ctx.ChildTID)
	if r.slots[slot] != ctx {
		rrlog.Fatalf("tcontext: deregister_thread: slot %d does not hold tid %d", slot, ctx.ChildTID)
		return fmt.Errorf("tcontext: deregister_thread: slot mismatch")
	}
	r.slots[slot] = nil
	r.active--
	if r.active < 0 {
		rrlog.Fatalf("tcontext: active_count went negative after deregistering tid %d", ctx.ChildTID)
	}

	var firstErr error
	if ctx.HPC != nil {
		if err := ctx.HPC.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := ctx.HPC.Cleanup(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if ctx.memFile != nil {
		if err := ctx.memFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := unix.PtraceDetach(int(ctx.ChildTID)); err != nil && firstErr == nil {
		firstErr = err
	}

	// Drain the OS until the thread truly exits: waitpid keeps succeeding
	// (the thread may still be delivering final stop notifications to a
	// detached tracer) until it finally returns ESRCH/-1.
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(int(ctx.ChildTID), &ws, unix.WALL|unix.WCLONE, nil)
		if err != nil {
			break
		}
	}

	return firstErr
}

// ExitAll sends SIGINT to every registered thread's tid, the sole
// termination primitive of spec.md §5: "exit_all is the sole termination
// primitive: it signals all tids with SIGINT."
func (r *Registry) ExitAll() {
	for _, ctx := range r.slots {
		if ctx == nil {
			continue
		}
		if err := unix.Kill(int(ctx.ChildTID), unix.SIGINT); err != nil {
			rrlog.Warningf("tcontext: exit_all: kill(%d, SIGINT): %v", ctx.ChildTID, err)
		}
	}
}
