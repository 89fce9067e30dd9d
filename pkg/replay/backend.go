package replay

import (
	"golang.org/x/sys/unix"

	"github.com/sanyaade-mobiledev/rr/pkg/arch"
)

// Backend is the ptrace/OS surface SignalPositioner drives. It exists so
// tests can substitute a fake traced child instead of a real kernel
// thread; the production implementation (ptraceBackend) is a thin wrapper
// over golang.org/x/sys/unix, in the style of the teacher's own
// subprocess_linux.go and the pack's other Go ptrace wrappers (e.g. the
// syscall.PtraceRegs-based Child type used for remote syscalls elsewhere
// in the retrieval pack).
type Backend interface {
	// Singlestep resumes the child for exactly one instruction, injecting
	// sig (0 for none), then blocks for the resulting wait status.
	Singlestep(tid int32, sig int32) (unix.WaitStatus, error)

	// ResumeSyscall resumes the child with PTRACE_SYSCALL (stopping again
	// at the next syscall-stop or signal-delivery-stop) and waits.
	ResumeSyscall(tid int32, sig int32) (unix.WaitStatus, error)

	// Wait performs a blocking wait for tid with no ptrace resume.
	Wait(tid int32) (unix.WaitStatus, error)

	// GetRegs reads the child's current register file.
	GetRegs(tid int32) (arch.Registers, error)

	// SetRegs writes the child's register file.
	SetRegs(tid int32, regs arch.Registers) error

	// ReadMem reads len(buf) bytes from the child's address space at addr.
	ReadMem(tid int32, addr uint64, buf []byte) error
}

// ptraceBackend is the production Backend.
type ptraceBackend struct{}

// NewPtraceBackend returns the production Backend, driving a real traced
// child via ptrace.
func NewPtraceBackend() Backend { return ptraceBackend{} }

func (ptraceBackend) Singlestep(tid int32, sig int32) (unix.WaitStatus, error) {
	// unix.PtraceSingleStep does not take a signal to inject; PTRACE_SYSCALL
	// and PTRACE_CONT both accept one via their exported wrappers, but
	// PTRACE_SINGLESTEP's wrapper does not, so the raw request is issued
	// directly (the same PTRACE_SINGLESTEP request number, with the
	// signal passed as ptrace's "data" argument, per ptrace(2)).
	if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SINGLESTEP, uintptr(tid), 0, uintptr(sig), 0, 0); errno != 0 {
		return 0, errno
	}
	return wait(tid)
}

func (ptraceBackend) ResumeSyscall(tid int32, sig int32) (unix.WaitStatus, error) {
	if err := unix.PtraceSyscall(int(tid), int(sig)); err != nil {
		return 0, err
	}
	return wait(tid)
}

func (ptraceBackend) Wait(tid int32) (unix.WaitStatus, error) {
	return wait(tid)
}

func wait(tid int32) (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	if _, err := unix.Wait4(int(tid), &ws, 0, nil); err != nil {
		return 0, err
	}
	return ws, nil
}

func (ptraceBackend) GetRegs(tid int32) (arch.Registers, error) {
	var regs arch.Registers
	if err := unix.PtraceGetRegs(int(tid), &regs); err != nil {
		return arch.Registers{}, err
	}
	return regs, nil
}

func (ptraceBackend) SetRegs(tid int32, regs arch.Registers) error {
	return unix.PtraceSetRegs(int(tid), &regs)
}

func (ptraceBackend) ReadMem(tid int32, addr uint64, buf []byte) error {
	n, err := unix.PtracePeekData(int(tid), uintptr(addr), buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return errShortRead
	}
	return nil
}

type shortReadError struct{}

func (shortReadError) Error() string { return "replay: short PTRACE_PEEKDATA read" }

var errShortRead = shortReadError{}
