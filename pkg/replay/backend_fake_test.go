package replay

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sanyaade-mobiledev/rr/pkg/arch"
)

// fakeBackend is a scripted Backend used to drive SignalPositioner in tests
// without a real traced child.
type fakeBackend struct {
	regs arch.Registers

	// singlestepStatuses is consumed in order by Singlestep, one status per
	// call; ReadRBCUp-adjacent branch-count progress is modeled by the
	// caller supplying a matching hpc fake, not here.
	singlestepStatuses []unix.WaitStatus
	singlestepCalls    int

	resumeStatuses []unix.WaitStatus
	resumeCalls    int

	mem map[uint64][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{mem: make(map[uint64][]byte)}
}

func (f *fakeBackend) Singlestep(tid int32, sig int32) (unix.WaitStatus, error) {
	if f.singlestepCalls >= len(f.singlestepStatuses) {
		return 0, fmt.Errorf("fakeBackend: unexpected Singlestep call #%d", f.singlestepCalls)
	}
	ws := f.singlestepStatuses[f.singlestepCalls]
	f.singlestepCalls++
	return ws, nil
}

func (f *fakeBackend) ResumeSyscall(tid int32, sig int32) (unix.WaitStatus, error) {
	if f.resumeCalls >= len(f.resumeStatuses) {
		return 0, fmt.Errorf("fakeBackend: unexpected ResumeSyscall call #%d", f.resumeCalls)
	}
	ws := f.resumeStatuses[f.resumeCalls]
	f.resumeCalls++
	return ws, nil
}

func (f *fakeBackend) Wait(tid int32) (unix.WaitStatus, error) {
	return 0, nil
}

func (f *fakeBackend) GetRegs(tid int32) (arch.Registers, error) {
	return f.regs, nil
}

func (f *fakeBackend) SetRegs(tid int32, regs arch.Registers) error {
	f.regs = regs
	return nil
}

func (f *fakeBackend) ReadMem(tid int32, addr uint64, buf []byte) error {
	data, ok := f.mem[addr]
	if !ok || len(data) < len(buf) {
		return fmt.Errorf("fakeBackend: no memory scripted at %#x", addr)
	}
	copy(buf, data)
	return nil
}

var _ Backend = (*fakeBackend)(nil)
