package replay

import (
	"fmt"

	"github.com/google/btree"
)

// ledgerEntry is one ordered point in the replay event stream: a
// (GlobalTime, ThreadID) pair. spec.md §5 requires the trace to preserve a
// total order of events produced during record, and replay to reproduce
// that order; Ledger is a sanity check on that property, not a source of
// ordering itself (the event-log reader supplies events in the order it
// read them).
type ledgerEntry struct {
	globalTime uint64
	threadID   int32
}

// Less implements btree.Item.
func (e ledgerEntry) Less(than btree.Item) bool {
	o := than.(ledgerEntry)
	if e.globalTime != o.globalTime {
		return e.globalTime < o.globalTime
	}
	return e.threadID < o.threadID
}

// Ledger is an ordered record of every dispatched event's (GlobalTime,
// ThreadID), backed by a github.com/google/btree.BTree. It exists purely to
// catch a replay driver that hands the dispatcher events out of the order
// they were recorded in -- a total-order violation spec.md §5 treats as a
// defect in the driver, not something SignalPositioner should silently
// tolerate.
type Ledger struct {
	tree    *btree.BTree
	highest uint64
	seen    bool
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{tree: btree.New(32)}
}

// Record appends (globalTime, threadID) to the ledger, returning an error if
// globalTime is lower than the highest globalTime recorded so far.
func (l *Ledger) Record(globalTime uint64, threadID int32) error {
	if l.seen && globalTime < l.highest {
		return fmt.Errorf("replay: ledger: global_time %d for tid %d arrived after %d -- event stream is not totally ordered",
			globalTime, threadID, l.highest)
	}
	l.tree.ReplaceOrInsert(ledgerEntry{globalTime: globalTime, threadID: threadID})
	l.highest = globalTime
	l.seen = true
	return nil
}

// Len reports how many events the ledger has recorded.
func (l *Ledger) Len() int { return l.tree.Len() }

// Ascend calls fn for every recorded (globalTime, threadID) pair in
// increasing order, stopping early if fn returns false. It exists for tests
// and diagnostics that need to walk the recorded order back out.
func (l *Ledger) Ascend(fn func(globalTime uint64, threadID int32) bool) {
	l.tree.Ascend(func(item btree.Item) bool {
		e := item.(ledgerEntry)
		return fn(e.globalTime, e.threadID)
	})
}
