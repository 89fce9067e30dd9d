package replay

import (
	"fmt"

	"github.com/sanyaade-mobiledev/rr/pkg/hpc"
)

// fakeHPC is a scripted hpc.Interface used to drive CompensateBranchCount,
// dispatchUsrSched, and dispatchAsyncSignal without real perf_event_open
// counters.
type fakeHPC struct {
	// rbcUpValues is consumed in order by ReadRBCUp, one value per call; the
	// last value is returned for any call past the end of the slice, so a
	// test can park the counter at its final reading.
	rbcUpValues []uint64
	rbcUpCalls  int

	resetCalls    []uint64
	owner         int32
	ownerErr      error
	stopCalls     int
	stopDownCalls int
	cleanupCalls  int
}

func newFakeHPC(tid int32) *fakeHPC {
	return &fakeHPC{owner: tid}
}

func (f *fakeHPC) ReadRBCUp() (uint64, error) {
	if len(f.rbcUpValues) == 0 {
		return 0, fmt.Errorf("fakeHPC: no rbc_up values scripted")
	}
	i := f.rbcUpCalls
	if i >= len(f.rbcUpValues) {
		i = len(f.rbcUpValues) - 1
	}
	f.rbcUpCalls++
	return f.rbcUpValues[i], nil
}

func (f *fakeHPC) Reset(threshold uint64) error {
	f.resetCalls = append(f.resetCalls, threshold)
	return nil
}

func (f *fakeHPC) Stop() error {
	f.stopCalls++
	return nil
}

func (f *fakeHPC) StopDown() error {
	f.stopDownCalls++
	return nil
}

func (f *fakeHPC) Owner() (int32, error) {
	if f.ownerErr != nil {
		return 0, f.ownerErr
	}
	return f.owner, nil
}

func (f *fakeHPC) Cleanup() error {
	f.cleanupCalls++
	return nil
}

var _ hpc.Interface = (*fakeHPC)(nil)
