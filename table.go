package keelbase

import (
	"keelbase/storage/heap"
	"keelbase/transaction"
)

// Table is a row-level, lock-aware handle onto a table heap: Read, Update and Delete acquire the
// appropriate shared or exclusive Rid lock before touching the underlying heap, Insert locks the
// row it creates, and every write records an undo entry on txn's write set, so Abort can roll the
// row back without waiting for recovery. Iterate takes no locks.
type Table struct {
	db   *DB
	heap *heap.TableHeap
	oid  uint32
	name string
}

func (t *Table) Name() string { return t.name }
func (t *Table) OID() uint32  { return t.oid }

// Insert appends tuple and returns its Rid. The inserting transaction takes the new row's
// exclusive lock immediately; no other transaction can have observed it yet, but taking the lock
// keeps Insert uniform with Update/Delete for the sake of Abort's write-set walk.
func (t *Table) Insert(txn *transaction.Transaction, tuple []byte) (heap.Rid, error) {
	ht := heapTxn(txn)
	rid, err := t.heap.Insert(ht, tuple)
	if err != nil {
		return heap.Rid{}, err
	}
	syncLastLSN(txn, ht)
	txn.AppendWrite(transaction.WriteRecord{TableOID: t.oid, Rid: rid, Kind: transaction.WriteInsert})
	if err := t.db.locks.LockExclusive(txn, rid); err != nil {
		return heap.Rid{}, err
	}
	return rid, nil
}

// Read acquires a shared lock on rid (per txn's isolation level; READ_UNCOMMITTED skips locking
// entirely) and returns its tuple.
func (t *Table) Read(txn *transaction.Transaction, rid heap.Rid) ([]byte, error) {
	if txn.IsolationLevel() != transaction.ReadUncommitted {
		if err := t.db.locks.LockShared(txn, rid); err != nil {
			return nil, err
		}
		if txn.IsolationLevel() == transaction.ReadCommitted {
			defer t.db.locks.Unlock(txn, rid)
		}
	}
	return t.heap.Read(rid)
}

// Delete acquires rid's exclusive lock, tombstones it, and records an undo entry that restores
// the tombstone bit on abort.
func (t *Table) Delete(txn *transaction.Transaction, rid heap.Rid) error {
	if err := t.db.locks.LockExclusive(txn, rid); err != nil {
		return err
	}
	ht := heapTxn(txn)
	if err := t.heap.MarkDelete(ht, rid); err != nil {
		return err
	}
	syncLastLSN(txn, ht)
	txn.AppendWrite(transaction.WriteRecord{TableOID: t.oid, Rid: rid, Kind: transaction.WriteMarkDelete})
	return nil
}

// Update acquires rid's exclusive lock and overwrites its tuple, recording the pre-image so abort
// can restore it.
func (t *Table) Update(txn *transaction.Transaction, rid heap.Rid, after []byte) error {
	if err := t.db.locks.LockExclusive(txn, rid); err != nil {
		return err
	}
	before, err := t.heap.Read(rid)
	if err != nil {
		return err
	}
	ht := heapTxn(txn)
	if err := t.heap.Update(ht, rid, after); err != nil {
		return err
	}
	syncLastLSN(txn, ht)
	txn.AppendWrite(transaction.WriteRecord{TableOID: t.oid, Rid: rid, Kind: transaction.WriteUpdate, Before: before})
	return nil
}

// Iterate scans every live tuple in the table without acquiring any locks; callers that need
// isolation guarantees lock rows themselves as they visit them.
func (t *Table) Iterate(fn func(rid heap.Rid, tuple []byte) bool) error {
	return t.heap.Iterate(fn)
}
