package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"keelbase/storage/heap"
)

func TestTransaction_InitialStateIsGrowing(t *testing.T) {
	txn := New(1, RepeatableRead)
	assert.Equal(t, Growing, txn.State())
	assert.Equal(t, ID(1), txn.ID())
	assert.Equal(t, RepeatableRead, txn.IsolationLevel())
}

func TestTransaction_LockSetTracking(t *testing.T) {
	txn := New(1, RepeatableRead)
	ridA := heap.Rid{PageID: 1, Slot: 0}
	ridB := heap.Rid{PageID: 1, Slot: 1}

	txn.AddSharedLock(ridA)
	txn.AddExclusiveLock(ridB)
	assert.True(t, txn.HasSharedLock(ridA))
	assert.True(t, txn.HasExclusiveLock(ridB))
	assert.False(t, txn.HasExclusiveLock(ridA))

	assert.ElementsMatch(t, []heap.Rid{ridA}, txn.SharedLocks())
	assert.ElementsMatch(t, []heap.Rid{ridB}, txn.ExclusiveLocks())

	txn.RemoveSharedLock(ridA)
	assert.False(t, txn.HasSharedLock(ridA))
	assert.Empty(t, txn.SharedLocks())
}

func TestTransaction_WriteSetPreservesInsertionOrder(t *testing.T) {
	txn := New(1, RepeatableRead)
	r1 := heap.Rid{PageID: 1, Slot: 0}
	r2 := heap.Rid{PageID: 1, Slot: 1}

	txn.AppendWrite(WriteRecord{TableOID: 1, Rid: r1, Kind: WriteInsert})
	txn.AppendWrite(WriteRecord{TableOID: 1, Rid: r2, Kind: WriteUpdate, Before: []byte("old")})

	ws := txn.WriteSet()
	assert.Len(t, ws, 2)
	assert.Equal(t, r1, ws[0].Rid)
	assert.Equal(t, WriteInsert, ws[0].Kind)
	assert.Equal(t, r2, ws[1].Rid)
	assert.Equal(t, "old", string(ws[1].Before))

	// WriteSet() returns a snapshot copy: mutating it must not affect the transaction's own set.
	ws[0].Kind = WriteApplyDelete
	assert.Equal(t, WriteInsert, txn.WriteSet()[0].Kind)
}

func TestTransaction_IndexWriteSetTracksSeparately(t *testing.T) {
	txn := New(1, RepeatableRead)
	txn.AppendIndexWrite(IndexWriteRecord{IndexID: 7, Key: []byte("k"), Rid: heap.Rid{PageID: 2, Slot: 3}})

	iws := txn.IndexWriteSet()
	assert.Len(t, iws, 1)
	assert.Equal(t, uint32(7), iws[0].IndexID)
	assert.Empty(t, txn.WriteSet())
}

func TestTransaction_StateTransitionsAndLastLSN(t *testing.T) {
	txn := New(1, ReadCommitted)
	txn.SetLastLSN(42)
	assert.Equal(t, uint32(42), txn.LastLSN())

	txn.SetState(Shrinking)
	assert.Equal(t, Shrinking, txn.State())
	assert.Equal(t, "SHRINKING", txn.State().String())

	txn.SetState(Committed)
	assert.Equal(t, "COMMITTED", txn.State().String())
}
