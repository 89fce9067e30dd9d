// Package hpc implements the hardware-performance-counter quantum
// primitive of spec.md §4.1: two retired-conditional-branch counters per
// traced thread, rbc_up (read continuously) and rbc_down (a throttled
// companion that signals the owning tid when a threshold is crossed).
//
// Both counters are backed by perf_event_open, matching the counter this
// spec's distillation source (original_source/, not included in the
// retrieval pack's Go code but referenced by spec.md's GLOSSARY) drives
// through its own HPC abstraction.
package hpc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// rbcConditionalBranch is the raw perf event encoding for
// "retired conditional branch instructions" on Intel x86: event select
// 0xc4 (BR_INST_RETIRED), unit mask 0x01 (CONDITIONAL). AMD's equivalent
// raw encoding differs; spec.md's portability Non-goal ("x86-family ISA
// with ... a hardware retired-conditional-branch counter") is intentional
// and this is the one place that assumption becomes concrete.
const rbcConditionalBranch = 0x01c4

// Interface is the per-thread HPC handle contract tcontext.ThreadContext and
// pkg/replay program against, mirroring replay.Backend's seam: *Counter is
// the real perf_event_open-backed implementation, and pkg/replay's tests
// substitute a fake to drive the branch-count catch-up loop, the
// USR_SCHED/SIGIO/SIGCHLD protocols, and the fast/slow-path split (spec.md
// §8 scenarios 4-6) without real hardware counters.
type Interface interface {
	// ReadRBCUp reads the current retired-conditional-branch count.
	ReadRBCUp() (uint64, error)
	// Reset re-arms both counters at a new threshold.
	Reset(threshold uint64) error
	// Stop disables the rbc_up counter.
	Stop() error
	// StopDown disables the rbc_down counter.
	StopDown() error
	// Owner returns the tid fcntl(F_GETOWN) reports for the down-counter.
	Owner() (int32, error)
	// Cleanup releases both perf event file descriptors.
	Cleanup() error
}

// Counter is the per-thread HPC handle referenced by tcontext.ThreadContext.
type Counter struct {
	tid     int32
	upFD    int
	downFD  int
	started bool
}

var _ Interface = (*Counter)(nil)

// New returns an uninitialized Counter for the given tid. Init must be
// called before use.
func New(tid int32) *Counter {
	return &Counter{tid: tid, upFD: -1, downFD: -1}
}

func openRaw(tid int32, sampleEvery uint64, wantSignal bool) (int, error) {
	attr := &unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_RAW,
		Size:   uint32(unsafeSizeofPerfEventAttr),
		Config: rbcConditionalBranch,
		Bits:   unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
	}
	if wantSignal {
		attr.Sample = sampleEvery
		attr.Bits |= unix.PerfBitWatermark
	}
	fd, err := unix.PerfEventOpen(attr, int(tid), -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("hpc: perf_event_open(tid=%d): %w", tid, err)
	}
	return fd, nil
}

// unsafeSizeofPerfEventAttr is the wire size of unix.PerfEventAttr on the
// running kernel's ABI; the kernel accepts any size >= its own idea of the
// struct as long as Size correctly reports what the caller actually filled
// in, so a fixed constant sized to the common struct works across the
// kernel versions this engine targets.
const unsafeSizeofPerfEventAttr = 112

// Init opens both the rbc_up and rbc_down perf events for the counter's
// tid. Neither is started; Start arms them.
func (c *Counter) Init() error {
	up, err := openRaw(c.tid, 0, false)
	if err != nil {
		return err
	}
	down, err := openRaw(c.tid, 0, true)
	if err != nil {
		unix.Close(up)
		return err
	}
	c.upFD, c.downFD = up, down
	return nil
}

// Start arms both counters at the given threshold: rbc_up begins counting
// from zero, and rbc_down is configured to deliver SIGIO to c.tid after
// threshold branches have retired.
func (c *Counter) Start(threshold uint64) error {
	if err := c.arm(threshold); err != nil {
		return err
	}
	c.started = true
	return nil
}

// Reset re-arms the counters at a new threshold without reopening the
// underlying file descriptors, matching reset_hpc's role in spec.md
// §4.3.3 (USR_SCHED and SIGIO/SIGCHLD both reset to rbc_up - SKID_SIZE
// before redriving the child).
func (c *Counter) Reset(threshold uint64) error {
	return c.arm(threshold)
}

func (c *Counter) arm(threshold uint64) error {
	if err := unix.IoctlSetInt(c.upFD, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
		return fmt.Errorf("hpc: reset rbc_up: %w", err)
	}
	if err := unix.IoctlSetInt(c.upFD, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("hpc: enable rbc_up: %w", err)
	}

	if err := unix.IoctlSetInt(c.downFD, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
		return fmt.Errorf("hpc: reset rbc_down: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(c.downFD), unix.F_SETOWN, int(c.tid)); err != nil {
		return fmt.Errorf("hpc: F_SETOWN rbc_down: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(c.downFD), unix.F_SETSIG, int(unix.SIGIO)); err != nil {
		return fmt.Errorf("hpc: F_SETSIG rbc_down: %w", err)
	}
	flags, err := unix.FcntlInt(uintptr(c.downFD), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("hpc: F_GETFL rbc_down: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(c.downFD), unix.F_SETFL, flags|unix.O_ASYNC); err != nil {
		return fmt.Errorf("hpc: F_SETFL O_ASYNC rbc_down: %w", err)
	}
	if err := unix.IoctlSetInt(c.downFD, unix.PERF_EVENT_IOC_REFRESH, int(threshold)); err != nil {
		return fmt.Errorf("hpc: refresh rbc_down: %w", err)
	}
	if err := unix.IoctlSetInt(c.downFD, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("hpc: enable rbc_down: %w", err)
	}
	return nil
}

// ReadRBCUp reads the current retired-conditional-branch count.
func (c *Counter) ReadRBCUp() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(c.upFD, buf[:])
	if err != nil {
		return 0, fmt.Errorf("hpc: read rbc_up: %w", err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("hpc: short read of rbc_up: %d bytes", n)
	}
	return leUint64(buf[:]), nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Stop disables the rbc_up counter.
func (c *Counter) Stop() error {
	if err := unix.IoctlSetInt(c.upFD, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
		return fmt.Errorf("hpc: disable rbc_up: %w", err)
	}
	return nil
}

// StopDown disables the rbc_down counter.
func (c *Counter) StopDown() error {
	if err := unix.IoctlSetInt(c.downFD, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
		return fmt.Errorf("hpc: disable rbc_down: %w", err)
	}
	return nil
}

// Owner returns the tid fcntl(F_GETOWN) reports for the down-counter's fd.
// This is the sole signal-provenance check spec.md §4.1 requires: the
// replayer uses it to confirm an asynchronous SIGIO actually came from
// this thread's own HPC, not some unrelated source.
func (c *Counter) Owner() (int32, error) {
	owner, err := unix.FcntlInt(uintptr(c.downFD), unix.F_GETOWN, 0)
	if err != nil {
		return 0, fmt.Errorf("hpc: F_GETOWN rbc_down: %w", err)
	}
	return int32(owner), nil
}

// DownFD exposes the raw down-counter file descriptor, for callers that
// need to issue Owner-equivalent fcntl calls of their own.
func (c *Counter) DownFD() int { return c.downFD }

// Cleanup releases both perf event file descriptors. Safe to call once,
// after Stop/StopDown.
func (c *Counter) Cleanup() error {
	var firstErr error
	if c.upFD >= 0 {
		if err := unix.Close(c.upFD); err != nil {
			firstErr = err
		}
		c.upFD = -1
	}
	if c.downFD >= 0 {
		if err := unix.Close(c.downFD); err != nil && firstErr == nil {
			firstErr = err
		}
		c.downFD = -1
	}
	return firstErr
}
