// Package tcontext implements the Thread Context data model and Registry
// of spec.md §3 and §4.4: the per-thread state the record and replay
// pipelines share, and the fixed-capacity, direct-mapped table that owns
// it.
package tcontext

import (
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/sanyaade-mobiledev/rr/pkg/hpc"
	"github.com/sanyaade-mobiledev/rr/pkg/trace"
)

// ExecState is one of the four states a thread context can be in, per
// spec.md §3.
type ExecState int

const (
	// Start is the state a freshly registered context begins in.
	Start ExecState = iota
	// InSyscall means the thread is parked inside a blocking syscall and
	// must be probed non-blockingly before it can be selected again.
	InSyscall
	// InSyscallDone means the kernel has already reported the syscall's
	// completion (a non-blocking wait succeeded).
	InSyscallDone
	// Running means the thread is eligible for immediate selection.
	Running
)

func (s ExecState) String() string {
	switch s {
	case Start:
		return "Start"
	case InSyscall:
		return "InSyscall"
	case InSyscallDone:
		return "InSyscallDone"
	case Running:
		return "Running"
	default:
		return fmt.Sprintf("ExecState(%d)", int(s))
	}
}

// ThreadContext is the per-traced-thread state of spec.md §3.
type ThreadContext struct {
	ChildTID   int32
	ChildMemFD int
	Status     unix.WaitStatus
	ExecState  ExecState

	// SwitchCounter governs round-robin pressure; see pkg/sched.
	SwitchCounter int

	// AllowCtxSwitch, when false, pins the scheduler to this thread.
	AllowCtxSwitch bool

	HPC hpc.Interface

	// Trace is the trace record currently being replayed. Unused during
	// recording.
	Trace trace.Record

	// ChildSig is the signal pending delivery to the child (0 = none).
	ChildSig int32

	// ReplaySig is a signal deferred to the next syscall boundary, set by
	// the SIGIO/SIGCHLD/SIGSEGV replay paths when rbc_up == 0 indicates
	// the signal was delivered synchronously at a syscall boundary.
	ReplaySig int32

	// memFile backs ChildMemFD; kept only so Registry.Deregister can close it.
	memFile *os.File
}

// memPath returns the /proc file giving direct read/write access to tid's
// address space, the per-thread child-memory fd of spec.md §3.
func memPath(tid int32) string {
	return fmt.Sprintf("/proc/%d/mem", tid)
}

// attachBackoff bounds the retries attachThread performs against a
// just-created child: ptrace's interaction with a thread mid-clone is
// documented (by the teacher's own subprocess_linux.go) as timing
// sensitive, and unlike the teacher we don't control the fork ourselves
// (process creation is out of scope per spec.md §1), so a transient
// ESRCH/EPERM here is expected rather than a contract violation.
func attachBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 500 * time.Millisecond
	return b
}

// attachThread performs the ptrace-attach-and-wait-for-stop dance,
// generalized from the teacher's attachedThread/forkStub parent-side logic
// (subprocess_linux.go) to an already-existing child tid, since this
// engine does not itself fork the traced child.
func attachThread(tid int32) error {
	op := func() error {
		if err := unix.PtraceAttach(int(tid)); err != nil {
			return err
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(int(tid), &ws, 0, nil); err != nil {
			return err
		}
		if !ws.Stopped() || ws.StopSignal() != unix.SIGSTOP {
			return fmt.Errorf("tcontext: attach(%d): expected SIGSTOP, got %v", tid, ws)
		}
		return nil
	}
	return backoff.Retry(op, attachBackoff())
}

// RegisterThread creates a Thread Context for an already-running child,
// mirroring rec_sched_register_thread: the memory fd is opened, ptrace
// attach is completed, and HPC is initialized and started at
// maxRecordInterval. Process creation itself (forking/execing child) is an
// external collaborator per spec.md §1.
func RegisterThread(child int32, maxRecordInterval uint64) (*ThreadContext, error) {
	memFD, err := os.OpenFile(memPath(child), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tcontext: open %s: %w", memPath(child), err)
	}

	if err := attachThread(child); err != nil {
		memFD.Close()
		return nil, err
	}

	h := hpc.New(child)
	if err := h.Init(); err != nil {
		memFD.Close()
		return nil, err
	}
	if err := h.Start(maxRecordInterval); err != nil {
		h.Cleanup()
		memFD.Close()
		return nil, err
	}

	return &ThreadContext{
		ChildTID:       child,
		ChildMemFD:     int(memFD.Fd()),
		ExecState:      Start,
		AllowCtxSwitch: true,
		HPC:            h,
		memFile:        memFD,
	}, nil
}
