// Package txnmanager owns the transaction lifecycle: starting, committing, and aborting
// transactions, plus fuzzy checkpoints. Grounded on the source's concurrency.TxnManagerImpl and
// CheckpointManagerImpl, adapted to keelbase's transaction.Transaction (state-holding struct,
// rather than the source's freed-pages-only txn) and wired against the lock manager so abort
// actually rolls back heap mutations rather than only closing out the WAL record.
package txnmanager

import (
	"sync"
	"sync/atomic"

	"keelbase/internal/klog"
	"keelbase/lockmanager"
	"keelbase/storage/heap"
	"keelbase/transaction"
)

var log = klog.Component("txnmanager")

// LogManager is the subset of wal.LogManager the transaction manager needs.
type LogManager interface {
	AppendBegin(txnID uint64) uint32
	AppendCommit(txnID uint64, prevLSN uint32) uint32
	AppendAbort(txnID uint64, prevLSN uint32) uint32
	WaitAppendLog(lsn uint32) error
}

// Pool is the subset of buffer.Pool the checkpoint manager needs.
type Pool interface {
	FlushAll() error
}

// Heap is the subset of heap.TableHeap abort-undo needs against one table.
type Heap interface {
	ApplyDelete(txn *heap.Txn, rid heap.Rid) error
	RollbackDelete(txn *heap.Txn, rid heap.Rid) error
	Update(txn *heap.Txn, rid heap.Rid, after []byte) error
}

// Manager tracks every in-flight transaction and is the one place that knows how to roll one
// back, using the write set transaction.Transaction itself accumulated plus each table heap's
// mutation API to reverse it, without needing a WAL replay the way crash recovery does.
type Manager struct {
	locks *lockmanager.Manager
	log   LogManager

	mu      sync.Mutex
	actives map[transaction.ID]*transaction.Transaction
	heaps   map[uint32]Heap

	counter atomic.Uint64

	// blockNew and blockAll mirror the source's BlockNewTransactions/BlockAllTransactions, used
	// by TakeCheckpoint to get a clean snapshot of the active-transaction list without anyone's
	// state changing mid-read.
	blockNew sync.RWMutex
	blockAll sync.Mutex
}

func New(locks *lockmanager.Manager, log LogManager) *Manager {
	return &Manager{
		locks:   locks,
		log:     log,
		actives: make(map[transaction.ID]*transaction.Transaction),
		heaps:   make(map[uint32]Heap),
	}
}

// RegisterHeap makes tableOID's heap known to the manager so Abort can undo writes against it.
func (m *Manager) RegisterHeap(tableOID uint32, h Heap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heaps[tableOID] = h
}

// Begin starts a new transaction at level and logs its BEGIN record.
func (m *Manager) Begin(level transaction.IsolationLevel) *transaction.Transaction {
	m.blockNew.RLock()
	defer m.blockNew.RUnlock()

	m.blockAll.Lock()
	defer m.blockAll.Unlock()

	id := transaction.ID(m.counter.Add(1))
	txn := transaction.New(id, level)
	lsn := m.log.AppendBegin(uint64(id))
	txn.SetLastLSN(lsn)

	m.mu.Lock()
	m.actives[id] = txn
	m.mu.Unlock()
	return txn
}

// Commit appends and waits on txn's COMMIT record (so the caller only returns once the
// transaction is durable), then releases every lock it held.
func (m *Manager) Commit(txn *transaction.Transaction) error {
	lsn := m.log.AppendCommit(uint64(txn.ID()), txn.LastLSN())
	if err := m.log.WaitAppendLog(lsn); err != nil {
		return err
	}
	txn.SetLastLSN(lsn)
	txn.SetState(transaction.Committed)

	m.blockAll.Lock()
	delete(m.actives, txn.ID())
	m.blockAll.Unlock()

	m.locks.UnlockAll(txn)
	return nil
}

// Abort undoes every write txn made, in reverse order, using each write's before-image and the
// owning table heap's mutation API, then releases txn's locks and logs ABORT.
func (m *Manager) Abort(txn *transaction.Transaction) error {
	writes := txn.WriteSet()
	for i := len(writes) - 1; i >= 0; i-- {
		w := writes[i]
		m.mu.Lock()
		h, ok := m.heaps[w.TableOID]
		m.mu.Unlock()
		if !ok {
			log.WithField("table_oid", w.TableOID).Warn("abort: no heap registered for table, write left unrolled back")
			continue
		}
		ht := &heap.Txn{ID: uint64(txn.ID()), LastLSN: txn.LastLSN()}
		var err error
		switch w.Kind {
		case transaction.WriteInsert:
			err = h.ApplyDelete(ht, w.Rid)
		case transaction.WriteMarkDelete:
			err = h.RollbackDelete(ht, w.Rid)
		case transaction.WriteApplyDelete:
			err = h.RollbackDelete(ht, w.Rid)
		case transaction.WriteUpdate:
			err = h.Update(ht, w.Rid, w.Before)
		}
		txn.SetLastLSN(ht.LastLSN)
		if err != nil {
			log.WithError(err).WithField("rid", w.Rid).Error("abort: undo of a write failed")
			return err
		}
	}

	lsn := m.log.AppendAbort(uint64(txn.ID()), txn.LastLSN())
	if err := m.log.WaitAppendLog(lsn); err != nil {
		return err
	}
	txn.SetLastLSN(lsn)
	txn.SetState(transaction.Aborted)

	m.blockAll.Lock()
	delete(m.actives, txn.ID())
	m.blockAll.Unlock()

	m.locks.UnlockAll(txn)
	return nil
}

// ActiveTransactions lists the ids of every transaction still in flight, for checkpointing.
func (m *Manager) ActiveTransactions() []transaction.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transaction.ID, 0, len(m.actives))
	for id := range m.actives {
		out = append(out, id)
	}
	return out
}

// BlockAllTransactions/ResumeTransactions bracket a critical section in which no transaction may
// begin, commit, or abort, giving the checkpoint manager a stable active-transaction snapshot.
func (m *Manager) BlockAllTransactions()  { m.blockAll.Lock() }
func (m *Manager) ResumeTransactions()    { m.blockAll.Unlock() }
func (m *Manager) BlockNewTransactions()  { m.blockNew.Lock() }
func (m *Manager) ResumeNewTransactions() { m.blockNew.Unlock() }
