// Package sched implements the record-time Scheduler of spec.md §4.2: a
// round-robin thread selector that interleaves traced threads at HPC
// quantum boundaries, with special handling for threads parked in
// syscalls. It is a direct generalization of
// original_source/src/recorder/rec_sched.c's get_active_thread, turned
// into a method on an explicitly-owned *tcontext.Registry per spec.md §9's
// design note.
package sched

import (
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/sanyaade-mobiledev/rr/pkg/rrlog"
	"github.com/sanyaade-mobiledev/rr/pkg/tcontext"
)

// SyscallProbe non-blockingly checks whether a tid parked in a syscall has
// had it complete. It is a seam so tests can fake the OS response; the
// production implementation is waitpidNonblock below.
type SyscallProbe func(tid int32) (ready bool, status unix.WaitStatus, err error)

// Scheduler selects which registered thread should run next during
// recording.
type Scheduler struct {
	registry *tcontext.Registry
	probe    SyscallProbe

	maxSwitchCounter int

	// wedgeLog rate-limits the diagnostic emitted when a full scan of the
	// table finds nothing runnable; this is expected to be transient (a
	// thread about to leave a syscall) but, if it persists, is the one
	// signal an operator gets that every thread is parked.
	wedgeLog rate.Sometimes
}

// New returns a Scheduler over registry. maxSwitchCounter is the quantum
// budget (MAX_SWITCH_COUNTER of spec.md §6) granted to a thread each time
// it is switched to.
func New(registry *tcontext.Registry, maxSwitchCounter int) *Scheduler {
	return &Scheduler{
		registry:         registry,
		probe:            waitpidNonblock,
		maxSwitchCounter: maxSwitchCounter,
		wedgeLog:         rate.Sometimes{Interval: time.Second},
	}
}

// SetProbe overrides the non-blocking syscall probe, for tests.
func (s *Scheduler) SetProbe(p SyscallProbe) { s.probe = p }

// waitpidNonblock is the production SyscallProbe: a non-blocking waitpid,
// exactly sys_waitpid_nonblock's role in rec_sched.c.
func waitpidNonblock(tid int32) (bool, unix.WaitStatus, error) {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(int(tid), &ws, unix.WNOHANG, nil)
	if err != nil {
		return false, ws, err
	}
	return pid == int(tid), ws, nil
}

// setSwitchCounter implements the switch-counter update rule of spec.md
// §4.2: comparing the slot index being returned against the cursor's value
// on entry to select_next.
func setSwitchCounter(returnedSlot, entrySlot int, ctx *tcontext.ThreadContext, maxSwitchCounter int) {
	if returnedSlot == entrySlot {
		ctx.SwitchCounter--
	} else {
		ctx.SwitchCounter = maxSwitchCounter
	}
}

// SelectNext implements select_next of spec.md §4.2. current may be nil
// (no thread has run yet).
func (s *Scheduler) SelectNext(current *tcontext.ThreadContext) *tcontext.ThreadContext {
	entrySlot := s.registry.Cursor

	if current != nil {
		// Sticky case: some syscalls or critical sections forbid switching
		// mid-way.
		if !current.AllowCtxSwitch {
			return current
		}
		// Quantum expiry: advance the cursor and re-grant a full quantum
		// to the thread whose quantum just expired.
		if current.SwitchCounter < 0 {
			s.registry.Cursor++
			current.SwitchCounter = s.maxSwitchCounter
		}
	}

	wrapped := false
	for {
		for ; s.registry.Cursor < s.registry.Len(); s.registry.Cursor++ {
			ctx := s.registry.At(s.registry.Cursor)
			if ctx == nil {
				continue
			}

			if ctx.ExecState == tcontext.InSyscall {
				ready, status, err := s.probe(ctx.ChildTID)
				if err != nil {
					rrlog.Warningf("sched: probe(tid=%d) failed: %v", ctx.ChildTID, err)
					continue
				}
				if !ready {
					continue
				}
				ctx.Status = status
				ctx.ExecState = tcontext.InSyscallDone
				setSwitchCounter(s.registry.Cursor, entrySlot, ctx, s.maxSwitchCounter)
				return ctx
			}

			setSwitchCounter(s.registry.Cursor, entrySlot, ctx, s.maxSwitchCounter)
			return ctx
		}

		// The scan is infinite by design: it guarantees progress only if
		// at least one context is runnable (spec.md §4.2). A caller that
		// deregisters every thread must not invoke SelectNext again.
		s.registry.Cursor = 0
		if wrapped {
			s.wedgeLog.Do(func() {
				rrlog.Debugf("sched: select_next: full scan found nothing runnable (active=%d)", s.registry.ActiveCount())
			})
		}
		wrapped = true
	}
}

// ExitAll sends SIGINT to every registered thread, tearing down the
// traced group (spec.md §4.2, §5).
func (s *Scheduler) ExitAll() {
	s.registry.ExitAll()
}
