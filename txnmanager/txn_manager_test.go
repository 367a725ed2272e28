package txnmanager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keelbase/lockmanager"
	"keelbase/storage/heap"
	"keelbase/transaction"
)

type fakeLog struct {
	mu      sync.Mutex
	lsn     uint32
	records []string
}

func (f *fakeLog) next() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lsn++
	return f.lsn
}

func (f *fakeLog) AppendBegin(txnID uint64) uint32 {
	f.mu.Lock()
	f.records = append(f.records, "BEGIN")
	f.mu.Unlock()
	return f.next()
}
func (f *fakeLog) AppendCommit(txnID uint64, prevLSN uint32) uint32 {
	f.mu.Lock()
	f.records = append(f.records, "COMMIT")
	f.mu.Unlock()
	return f.next()
}
func (f *fakeLog) AppendAbort(txnID uint64, prevLSN uint32) uint32 {
	f.mu.Lock()
	f.records = append(f.records, "ABORT")
	f.mu.Unlock()
	return f.next()
}
func (f *fakeLog) WaitAppendLog(lsn uint32) error { return nil }
func (f *fakeLog) AppendCheckpointBegin(actives []uint64) uint32 {
	f.mu.Lock()
	f.records = append(f.records, "CHECKPOINTBEGIN")
	f.mu.Unlock()
	return f.next()
}
func (f *fakeLog) AppendCheckpointEnd() uint32 {
	f.mu.Lock()
	f.records = append(f.records, "CHECKPOINTEND")
	f.mu.Unlock()
	return f.next()
}

// fakeHeap records undo calls instead of touching real pages, so Abort's ordering and argument
// choices can be asserted directly.
type fakeHeap struct {
	mu    sync.Mutex
	calls []string
}

func (h *fakeHeap) ApplyDelete(txn *heap.Txn, rid heap.Rid) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "ApplyDelete")
	return nil
}
func (h *fakeHeap) RollbackDelete(txn *heap.Txn, rid heap.Rid) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "RollbackDelete")
	return nil
}
func (h *fakeHeap) Update(txn *heap.Txn, rid heap.Rid, after []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "Update:"+string(after))
	return nil
}

func newTestManager() (*Manager, *fakeLog) {
	lm := &fakeLog{}
	locks := lockmanager.New(time.Hour)
	return New(locks, lm), lm
}

func TestTxnManager_BeginAssignsIncreasingIDs(t *testing.T) {
	m, _ := newTestManager()
	t1 := m.Begin(transaction.RepeatableRead)
	t2 := m.Begin(transaction.RepeatableRead)
	assert.Less(t, t1.ID(), t2.ID())
	assert.ElementsMatch(t, []transaction.ID{t1.ID(), t2.ID()}, m.ActiveTransactions())
}

func TestTxnManager_CommitRemovesFromActiveSetAndReleasesLocks(t *testing.T) {
	m, log := newTestManager()
	txn := m.Begin(transaction.RepeatableRead)
	rid := heap.Rid{PageID: 1, Slot: 0}
	require.NoError(t, m.locks.LockExclusive(txn, rid))

	require.NoError(t, m.Commit(txn))

	assert.Equal(t, transaction.Committed, txn.State())
	assert.Empty(t, m.ActiveTransactions())
	assert.Contains(t, log.records, "COMMIT")

	// the lock must have been released: another transaction can now take it immediately.
	other := m.Begin(transaction.RepeatableRead)
	require.NoError(t, m.locks.LockExclusive(other, rid))
}

func TestTxnManager_AbortUndoesWritesInReverseOrder(t *testing.T) {
	m, log := newTestManager()
	h := &fakeHeap{}
	m.RegisterHeap(1, h)

	txn := m.Begin(transaction.RepeatableRead)
	ridA := heap.Rid{PageID: 1, Slot: 0}
	ridB := heap.Rid{PageID: 1, Slot: 1}
	txn.AppendWrite(transaction.WriteRecord{TableOID: 1, Rid: ridA, Kind: transaction.WriteInsert})
	txn.AppendWrite(transaction.WriteRecord{TableOID: 1, Rid: ridB, Kind: transaction.WriteUpdate, Before: []byte("before")})

	require.NoError(t, m.Abort(txn))

	assert.Equal(t, transaction.Aborted, txn.State())
	// Undo walks the write set back to front: the update (second write) is undone before the
	// insert (first write).
	assert.Equal(t, []string{"Update:before", "ApplyDelete"}, h.calls)
	assert.Contains(t, log.records, "ABORT")
	assert.Empty(t, m.ActiveTransactions())
}

func TestTxnManager_AbortWithUnregisteredTableSkipsWithoutFailing(t *testing.T) {
	m, _ := newTestManager()
	txn := m.Begin(transaction.RepeatableRead)
	txn.AppendWrite(transaction.WriteRecord{TableOID: 99, Rid: heap.Rid{PageID: 1, Slot: 0}, Kind: transaction.WriteInsert})

	require.NoError(t, m.Abort(txn))
	assert.Equal(t, transaction.Aborted, txn.State())
}

func TestTxnManager_AbortReleasesLocksAfterUndo(t *testing.T) {
	m, _ := newTestManager()
	h := &fakeHeap{}
	m.RegisterHeap(1, h)

	txn := m.Begin(transaction.RepeatableRead)
	rid := heap.Rid{PageID: 1, Slot: 0}
	require.NoError(t, m.locks.LockExclusive(txn, rid))
	txn.AppendWrite(transaction.WriteRecord{TableOID: 1, Rid: rid, Kind: transaction.WriteInsert})

	require.NoError(t, m.Abort(txn))

	other := m.Begin(transaction.RepeatableRead)
	require.NoError(t, m.locks.LockExclusive(other, rid))
}

type fakePool struct {
	flushes int
}

func (f *fakePool) FlushAll() error {
	f.flushes++
	return nil
}

func TestCheckpointManager_WritesBeginAndEndAroundAFlush(t *testing.T) {
	m, log := newTestManager()
	pool := &fakePool{}
	cm := NewCheckpointManager(pool, log, m)

	txn := m.Begin(transaction.RepeatableRead)
	require.NoError(t, cm.TakeCheckpoint())

	assert.Equal(t, 1, pool.flushes)
	beginIdx, endIdx := -1, -1
	for i, r := range log.records {
		if r == "CHECKPOINTBEGIN" {
			beginIdx = i
		}
		if r == "CHECKPOINTEND" {
			endIdx = i
		}
	}
	require.NotEqual(t, -1, beginIdx)
	require.NotEqual(t, -1, endIdx)
	assert.Less(t, beginIdx, endIdx)

	require.NoError(t, m.Commit(txn))
}
