package replay

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/sanyaade-mobiledev/rr/pkg/arch"
	"github.com/sanyaade-mobiledev/rr/pkg/rrlog"
	"github.com/sanyaade-mobiledev/rr/pkg/tcontext"
	"github.com/sanyaade-mobiledev/rr/pkg/trace"
)

// withFatalHook installs a Fatalf hook that records the message instead of
// calling os.Exit, for tests that exercise contract-violation paths.
func withFatalHook(t *testing.T) *string {
	t.Helper()
	var msg string
	rrlog.SetFatalHook(func(m string) { msg = m })
	t.Cleanup(func() { rrlog.SetFatalHook(nil) })
	return &msg
}

func TestSinglestepClearsStatusOnExpectedMatch(t *testing.T) {
	backend := newFakeBackend()
	backend.singlestepStatuses = []unix.WaitStatus{statusPlainTrap}
	p := New(backend, 0, 0)

	ctx := &tcontext.ThreadContext{ChildTID: 1, Status: 0x1234, ChildSig: 5}
	p.Singlestep(ctx, 0, statusPlainTrap)

	if ctx.Status != 0 {
		t.Errorf("Status after matching singlestep = %#x, want 0", int(ctx.Status))
	}
	if ctx.ChildSig != 0 {
		t.Errorf("ChildSig after matching singlestep = %d, want 0", ctx.ChildSig)
	}
}

func TestSinglestepFatalOnStatusMismatch(t *testing.T) {
	backend := newFakeBackend()
	backend.singlestepStatuses = []unix.WaitStatus{statusSigSegV}
	p := New(backend, 0, 0)

	fatalMsg := withFatalHook(t)
	ctx := &tcontext.ThreadContext{ChildTID: 1}
	p.Singlestep(ctx, 0, statusPlainTrap)

	if *fatalMsg == "" {
		t.Fatal("Singlestep with mismatched status did not report a contract violation")
	}
}

// stoppedOn builds the wait-status Linux reports for a thread stopped by
// sig: WSTOPSIG bits (8-15) holding sig, the low byte fixed at 0x7f.
func stoppedOn(sig unix.Signal) unix.WaitStatus {
	return unix.WaitStatus(uint32(sig)<<8 | 0x7f)
}

func rdtscRegs() arch.Registers {
	var r arch.Registers
	arch.SetEIP(&r, 0x400000)
	return r
}

func TestDispatchRdtscPatchesRegistersAndAdvancesEIP(t *testing.T) {
	backend := newFakeBackend()
	backend.regs = rdtscRegs()
	backend.mem[0x400000] = []byte{0x0f, 0x31}

	recorded := rdtscRegs()
	arch.SetEAX(&recorded, 0x11111111)
	arch.SetEDX(&recorded, 0x22222222)
	arch.SetEIP(&recorded, 0x400000+uint64(arch.RdtscLen))

	p := New(backend, 0, 0)
	ctx := &tcontext.ThreadContext{
		ChildTID: 1,
		ChildSig: 0,
		Trace: trace.Record{
			StopReason:   trace.SigSegVRdtsc,
			RecordedRegs: recorded,
		},
	}

	p.Dispatch(ctx, func(*tcontext.ThreadContext) unix.WaitStatus { return statusSigSegV })

	if got := arch.EAX(&backend.regs); got != 0x11111111 {
		t.Errorf("EAX after rdtsc dispatch = %#x, want 0x11111111", got)
	}
	if got := arch.EDX(&backend.regs); got != 0x22222222 {
		t.Errorf("EDX after rdtsc dispatch = %#x, want 0x22222222", got)
	}
	if got, want := arch.EIP(&backend.regs), uint64(0x400000+arch.RdtscLen); got != want {
		t.Errorf("EIP after rdtsc dispatch = %#x, want %#x", got, want)
	}
	if ctx.ChildSig != 0 {
		t.Errorf("ChildSig after rdtsc dispatch = %d, want 0", ctx.ChildSig)
	}
}

func TestDispatchRdtscFatalOnNonRdtscInstruction(t *testing.T) {
	backend := newFakeBackend()
	backend.regs = rdtscRegs()
	backend.mem[0x400000] = []byte{0x90, 0x90} // nop nop, not rdtsc

	p := New(backend, 0, 0)
	ctx := &tcontext.ThreadContext{
		ChildTID: 1,
		Trace:    trace.Record{StopReason: trace.SigSegVRdtsc},
	}

	fatalMsg := withFatalHook(t)
	p.Dispatch(ctx, func(*tcontext.ThreadContext) unix.WaitStatus { return statusSigSegV })

	if *fatalMsg == "" {
		t.Fatal("dispatchRdtsc on a non-rdtsc instruction did not report a contract violation")
	}
}

func TestDispatchSigSegVDefersWhenNoBranchesOrFaultsRecorded(t *testing.T) {
	backend := newFakeBackend()
	p := New(backend, 0, 0)

	ctx := &tcontext.ThreadContext{
		ChildTID: 1,
		Trace: trace.Record{
			StopReason: trace.StopReason(unix.SIGSEGV),
			RBCUp:      0,
			PageFaults: 0,
		},
	}

	p.Dispatch(ctx, func(*tcontext.ThreadContext) unix.WaitStatus { return 0 })

	if ctx.ReplaySig != int32(unix.SIGSEGV) {
		t.Fatalf("ReplaySig after deferred SIGSEGV = %d, want %d", ctx.ReplaySig, unix.SIGSEGV)
	}
}

func TestDispatchSigSegVDeliversOnExactRegisterMatch(t *testing.T) {
	backend := newFakeBackend()
	recorded := rdtscRegs()
	backend.regs = recorded
	backend.resumeStatuses = []unix.WaitStatus{statusSigSegV}
	backend.singlestepStatuses = []unix.WaitStatus{statusPlainTrap}

	p := New(backend, 0, 0)
	ctx := &tcontext.ThreadContext{
		ChildTID: 1,
		Trace: trace.Record{
			StopReason:   trace.StopReason(unix.SIGSEGV),
			PageFaults:   1,
			RecordedRegs: recorded,
		},
	}

	p.Dispatch(ctx, nil)

	if ctx.ReplaySig != 0 {
		t.Fatalf("ReplaySig after immediate SIGSEGV delivery = %d, want 0 (not deferred)", ctx.ReplaySig)
	}
}

func TestDispatchUnknownSignalIsFatal(t *testing.T) {
	backend := newFakeBackend()
	p := New(backend, 0, 0)
	ctx := &tcontext.ThreadContext{
		ChildTID: 1,
		Trace:    trace.Record{StopReason: trace.StopReason(unix.SIGWINCH)},
	}

	fatalMsg := withFatalHook(t)
	p.Dispatch(ctx, func(*tcontext.ThreadContext) unix.WaitStatus { return 0 })

	if *fatalMsg == "" {
		t.Fatal("Dispatch on an unrecognized signal did not report a contract violation")
	}
}

func TestCompensateBranchCountCatchesUpAndFindsSpot(t *testing.T) {
	backend := newFakeBackend()
	recorded := rdtscRegs()
	backend.regs = recorded
	backend.singlestepStatuses = []unix.WaitStatus{statusPlainTrap, statusPlainTrap}

	p := New(backend, 0, 0)
	hpcFake := newFakeHPC(1)
	hpcFake.rbcUpValues = []uint64{8, 9, 10}

	ctx := &tcontext.ThreadContext{
		ChildTID: 1,
		HPC:      hpcFake,
		Trace:    trace.Record{RBCUp: 10, RecordedRegs: recorded},
	}

	p.CompensateBranchCount(ctx, 0)

	if backend.singlestepCalls != 2 {
		t.Errorf("singlestep calls = %d, want 2 (catch-up to rbc_up=10)", backend.singlestepCalls)
	}
}

func TestCompensateBranchCountFatalOnOvershoot(t *testing.T) {
	backend := newFakeBackend()
	p := New(backend, 0, 0)
	hpcFake := newFakeHPC(1)
	hpcFake.rbcUpValues = []uint64{20}

	ctx := &tcontext.ThreadContext{
		ChildTID: 1,
		HPC:      hpcFake,
		Trace:    trace.Record{RBCUp: 10},
	}

	fatalMsg := withFatalHook(t)
	p.CompensateBranchCount(ctx, 0)

	if *fatalMsg == "" {
		t.Fatal("CompensateBranchCount with rbc_now > rbc_rec did not report a contract violation")
	}
}

func TestCompensateBranchCountFatalWhenSpotNeverFound(t *testing.T) {
	backend := newFakeBackend()
	recorded := rdtscRegs()
	other := rdtscRegs()
	arch.SetEAX(&other, 0xdeadbeef)
	backend.regs = other // never matches recorded
	// one singlestep to leave the rbc_now == rbc_rec loop, then counter
	// advances past rbc_rec so the register-match loop terminates without
	// ever matching.
	backend.singlestepStatuses = []unix.WaitStatus{statusPlainTrap}

	p := New(backend, 0, 0)
	hpcFake := newFakeHPC(1)
	hpcFake.rbcUpValues = []uint64{10, 11}

	ctx := &tcontext.ThreadContext{
		ChildTID: 1,
		HPC:      hpcFake,
		Trace:    trace.Record{RBCUp: 10, RecordedRegs: recorded},
	}

	fatalMsg := withFatalHook(t)
	p.CompensateBranchCount(ctx, 0)

	if *fatalMsg == "" {
		t.Fatal("CompensateBranchCount that never matches registers did not report a contract violation")
	}
}

func TestDispatchUsrSchedResetsAndCompensates(t *testing.T) {
	backend := newFakeBackend()
	recorded := rdtscRegs()
	backend.regs = recorded
	backend.singlestepStatuses = []unix.WaitStatus{statusPlainTrap}

	p := New(backend, 0, 0)
	hpcFake := newFakeHPC(1)
	hpcFake.rbcUpValues = []uint64{999, 1000}

	ctx := &tcontext.ThreadContext{
		ChildTID: 1,
		HPC:      hpcFake,
		Trace:    trace.Record{StopReason: trace.UsrSched, RBCUp: 1000, RecordedRegs: recorded},
	}

	nextEventCalls := 0
	p.Dispatch(ctx, func(*tcontext.ThreadContext) unix.WaitStatus {
		nextEventCalls++
		return statusPlainTrap
	})

	if nextEventCalls != 1 {
		t.Errorf("goNextEvent calls = %d, want 1", nextEventCalls)
	}
	if len(hpcFake.resetCalls) != 1 || hpcFake.resetCalls[0] != 1000-DefaultSkidSize {
		t.Errorf("Reset calls = %v, want one call with threshold %d", hpcFake.resetCalls, 1000-DefaultSkidSize)
	}
	if hpcFake.stopDownCalls != 1 {
		t.Errorf("StopDown calls = %d, want 1", hpcFake.stopDownCalls)
	}
	if hpcFake.stopCalls != 1 {
		t.Errorf("Stop calls = %d, want 1", hpcFake.stopCalls)
	}
	if ctx.ChildSig != 0 {
		t.Errorf("ChildSig after usr_sched dispatch = %d, want 0", ctx.ChildSig)
	}
}

func TestDispatchUsrSchedFatalOnWrongOwner(t *testing.T) {
	backend := newFakeBackend()
	p := New(backend, 0, 0)
	hpcFake := newFakeHPC(99) // owned by a different tid
	hpcFake.rbcUpValues = []uint64{10}

	ctx := &tcontext.ThreadContext{
		ChildTID: 1,
		HPC:      hpcFake,
		Trace:    trace.Record{StopReason: trace.UsrSched, RBCUp: 10},
	}

	fatalMsg := withFatalHook(t)
	p.Dispatch(ctx, func(*tcontext.ThreadContext) unix.WaitStatus { return statusPlainTrap })

	if *fatalMsg == "" {
		t.Fatal("dispatchUsrSched with a mismatched HPC owner did not report a contract violation")
	}
}

func TestDispatchAsyncSignalDefersWhenNoBranchesRecorded(t *testing.T) {
	backend := newFakeBackend()
	p := New(backend, 0, 0)
	hpcFake := newFakeHPC(1)

	ctx := &tcontext.ThreadContext{
		ChildTID: 1,
		HPC:      hpcFake,
		Trace:    trace.Record{StopReason: trace.StopReason(unix.SIGIO), RBCUp: 0},
	}

	p.Dispatch(ctx, func(*tcontext.ThreadContext) unix.WaitStatus { return 0 })

	if ctx.ReplaySig != int32(unix.SIGIO) {
		t.Fatalf("ReplaySig after deferred async signal = %d, want %d", ctx.ReplaySig, unix.SIGIO)
	}
	if len(hpcFake.resetCalls) != 0 {
		t.Errorf("Reset called %d times for a deferred signal, want 0", len(hpcFake.resetCalls))
	}
}

func TestDispatchAsyncSignalFastPathUnderThreshold(t *testing.T) {
	backend := newFakeBackend()
	recorded := rdtscRegs()
	backend.regs = recorded
	backend.singlestepStatuses = []unix.WaitStatus{statusPlainTrap}

	p := New(backend, 0, 0)
	hpcFake := newFakeHPC(1)
	hpcFake.rbcUpValues = []uint64{99, 100}

	ctx := &tcontext.ThreadContext{
		ChildTID: 1,
		HPC:      hpcFake,
		Trace: trace.Record{
			StopReason:   trace.StopReason(unix.SIGIO),
			RBCUp:        100,
			RecordedRegs: recorded,
		},
	}

	p.Dispatch(ctx, nil)

	if hpcFake.stopDownCalls != 1 {
		t.Errorf("fast path StopDown calls = %d, want 1", hpcFake.stopDownCalls)
	}
	if hpcFake.stopCalls != 1 {
		t.Errorf("fast path Stop calls = %d, want 1", hpcFake.stopCalls)
	}
	if backend.resumeCalls != 0 {
		t.Errorf("fast path issued %d ResumeSyscall calls, want 0 (PTRACE_SYSCALL is the slow-path-only resume)", backend.resumeCalls)
	}
}

func TestDispatchAsyncSignalSlowPathOverThreshold(t *testing.T) {
	backend := newFakeBackend()
	recorded := rdtscRegs()
	backend.regs = recorded
	backend.singlestepStatuses = []unix.WaitStatus{statusPlainTrap}
	backend.resumeStatuses = []unix.WaitStatus{stoppedOn(unix.SIGIO)}

	p := New(backend, 0, 5) // slowPathThreshold=5, well under RBCUp below
	hpcFake := newFakeHPC(1)
	hpcFake.rbcUpValues = []uint64{99, 100}

	ctx := &tcontext.ThreadContext{
		ChildTID: 1,
		HPC:      hpcFake,
		Trace: trace.Record{
			StopReason:   trace.StopReason(unix.SIGIO),
			RBCUp:        100,
			RecordedRegs: recorded,
		},
	}

	p.Dispatch(ctx, nil)

	if backend.resumeCalls != 1 {
		t.Errorf("slow path ResumeSyscall calls = %d, want 1", backend.resumeCalls)
	}
	if hpcFake.stopCalls != 1 || hpcFake.stopDownCalls != 1 {
		t.Errorf("slow path Stop/StopDown calls = %d/%d, want 1/1", hpcFake.stopCalls, hpcFake.stopDownCalls)
	}
}

func TestDispatchAsyncSignalSlowPathFatalOnWrongResumeSignal(t *testing.T) {
	backend := newFakeBackend()
	backend.resumeStatuses = []unix.WaitStatus{stoppedOn(unix.SIGCHLD)}

	p := New(backend, 0, 5)
	hpcFake := newFakeHPC(1)
	hpcFake.rbcUpValues = []uint64{100}

	ctx := &tcontext.ThreadContext{
		ChildTID: 1,
		HPC:      hpcFake,
		Trace:    trace.Record{StopReason: trace.StopReason(unix.SIGIO), RBCUp: 100},
	}

	fatalMsg := withFatalHook(t)
	p.Dispatch(ctx, nil)

	if *fatalMsg == "" {
		t.Fatal("slow-path async dispatch with an unexpected resume signal did not report a contract violation")
	}
}

func TestDispatchRejectsAlreadyPendingChildSig(t *testing.T) {
	backend := newFakeBackend()
	p := New(backend, 0, 0)
	ctx := &tcontext.ThreadContext{
		ChildTID: 1,
		ChildSig: int32(unix.SIGIO),
		Trace:    trace.Record{StopReason: trace.StopReason(unix.SIGSEGV)},
	}

	fatalMsg := withFatalHook(t)
	p.Dispatch(ctx, func(*tcontext.ThreadContext) unix.WaitStatus { return 0 })

	if *fatalMsg == "" {
		t.Fatal("Dispatch with a pending ChildSig did not report a contract violation")
	}
}
