// Package lockmanager is keelbase's row-granularity lock manager: shared/exclusive locks on
// heap.Rid under strict two-phase locking, with upgrade and deadlock support. Grounded on the
// source's channel-based wait queue and cycle detector (locker/lock_manager.go), generalized from
// page ids to Rids and wired into transaction.Transaction's 2PL state instead of trusting callers.
package lockmanager

import (
	"sync"
	"time"

	"keelbase/common"
	"keelbase/internal/klog"
	"keelbase/kerrors"
	"keelbase/storage/heap"
	"keelbase/transaction"
)

var log = klog.Component("lockmanager")

type Mode int

const (
	Shared Mode = iota
	Exclusive
)

type request struct {
	txnID    transaction.ID
	mode     Mode
	response chan error
}

type lockState struct {
	sync.Mutex
	owners    map[transaction.ID]Mode
	waitQueue []*request
	upgrading transaction.ID // nonzero while one owner is mid-upgrade; 0 means none
	upgradeSet bool
}

// Manager is a row-level lock table plus a background deadlock detector.
type Manager struct {
	locks common.SyncMap[heap.Rid, *lockState]

	detectEvery time.Duration
	stopCh      chan struct{}
	stopped     sync.Once
}

func New(detectEvery time.Duration) *Manager {
	m := &Manager{detectEvery: detectEvery, stopCh: make(chan struct{})}
	go m.detectLoop()
	return m
}

func (m *Manager) stateFor(rid heap.Rid) *lockState {
	ls, _ := m.locks.LoadOrStore(rid, &lockState{owners: make(map[transaction.ID]Mode)})
	return ls
}

// LockShared acquires a shared lock on rid for txn, blocking if incompatible. Returns
// kerrors.ErrLockOnShrinking if txn has already entered its shrinking phase, or
// kerrors.ErrLockSharedOnReadUncommitted under READ_UNCOMMITTED (where shared locks serve no
// purpose: dirty reads are allowed by definition).
func (m *Manager) LockShared(txn *transaction.Transaction, rid heap.Rid) error {
	if txn.IsolationLevel() == transaction.ReadUncommitted {
		return kerrors.ErrLockSharedOnReadUncommitted
	}
	if txn.HasSharedLock(rid) || txn.HasExclusiveLock(rid) {
		return nil
	}
	if txn.State() == transaction.Shrinking {
		return kerrors.ErrLockOnShrinking
	}
	if err := m.acquire(txn.ID(), rid, Shared); err != nil {
		return err
	}
	txn.AddSharedLock(rid)
	return nil
}

// LockExclusive acquires an exclusive lock on rid for txn.
func (m *Manager) LockExclusive(txn *transaction.Transaction, rid heap.Rid) error {
	if txn.HasExclusiveLock(rid) {
		return nil
	}
	if txn.State() == transaction.Shrinking {
		return kerrors.ErrLockOnShrinking
	}
	if txn.HasSharedLock(rid) {
		return m.upgrade(txn, rid)
	}
	if err := m.acquire(txn.ID(), rid, Exclusive); err != nil {
		return err
	}
	txn.AddExclusiveLock(rid)
	return nil
}

// upgrade promotes txn's existing shared lock on rid to exclusive. Only one upgrade per rid may
// be in flight at a time; a second concurrent upgrader gets ErrUpgradeConflict immediately rather
// than joining the wait queue, since waiting there could never resolve (both upgraders hold
// shared locks the other needs released).
func (m *Manager) upgrade(txn *transaction.Transaction, rid heap.Rid) error {
	ls := m.stateFor(rid)
	ls.Lock()
	if ls.upgradeSet {
		ls.Unlock()
		return kerrors.ErrUpgradeConflict
	}
	ls.upgradeSet = true
	ls.upgrading = txn.ID()

	if len(ls.owners) == 1 {
		ls.owners[txn.ID()] = Exclusive
		ls.upgradeSet = false
		ls.Unlock()
		txn.RemoveSharedLock(rid)
		txn.AddExclusiveLock(rid)
		return nil
	}

	req := &request{txnID: txn.ID(), mode: Exclusive, response: make(chan error, 1)}
	ls.waitQueue = append(ls.waitQueue, req)
	ls.Unlock()

	err := <-req.response
	ls.Lock()
	ls.upgradeSet = false
	ls.Unlock()
	if err != nil {
		return err
	}
	txn.RemoveSharedLock(rid)
	txn.AddExclusiveLock(rid)
	return nil
}

func (m *Manager) acquire(id transaction.ID, rid heap.Rid, mode Mode) error {
	ls := m.stateFor(rid)
	ls.Lock()
	if canAcquire(ls, id, mode) {
		ls.owners[id] = mode
		ls.Unlock()
		return nil
	}
	req := &request{txnID: id, mode: mode, response: make(chan error, 1)}
	ls.waitQueue = append(ls.waitQueue, req)
	ls.Unlock()
	return <-req.response
}

func canAcquire(ls *lockState, id transaction.ID, mode Mode) bool {
	if existing, ok := ls.owners[id]; ok {
		if existing == mode || mode == Shared {
			return true
		}
		// existing == Shared, mode == Exclusive: this is a queued upgrade (upgrade() enqueues
		// rather than granting inline whenever another owner is present at request time) whose
		// other owners have since released, leaving id the sole remaining one.
		return len(ls.owners) == 1
	}
	if len(ls.owners) == 0 {
		return true
	}
	if mode == Shared {
		for _, om := range ls.owners {
			if om == Exclusive {
				return false
			}
		}
		return true
	}
	return false
}

// Unlock releases txn's lock on rid, waking any waiters it now unblocks. It is idempotent: it is
// a no-op if txn does not hold a lock on rid. Per spec §4.6, releasing a lock only ends a
// REPEATABLE_READ txn's growing phase; READ_COMMITTED releases its shared locks eagerly (as soon
// as a statement is done with them) without that counting as entering SHRINKING, since it will
// keep taking new locks for the rest of the transaction.
func (m *Manager) Unlock(txn *transaction.Transaction, rid heap.Rid) {
	if txn.IsolationLevel() == transaction.RepeatableRead && txn.State() == transaction.Growing {
		txn.SetState(transaction.Shrinking)
	}
	ls, ok := m.locks.Load(rid)
	if !ok {
		return
	}
	ls.Lock()
	if _, held := ls.owners[txn.ID()]; !held {
		ls.Unlock()
		return
	}
	delete(ls.owners, txn.ID())
	m.grantWaiting(ls)
	ls.Unlock()
	txn.RemoveSharedLock(rid)
	txn.RemoveExclusiveLock(rid)
}

// UnlockAll releases every lock txn holds, used by the transaction manager at commit/abort.
func (m *Manager) UnlockAll(txn *transaction.Transaction) {
	for _, r := range txn.SharedLocks() {
		m.Unlock(txn, r)
	}
	for _, r := range txn.ExclusiveLocks() {
		m.Unlock(txn, r)
	}
}

func (m *Manager) grantWaiting(ls *lockState) {
	granted := 0
	for _, req := range ls.waitQueue {
		if canAcquire(ls, req.txnID, req.mode) {
			ls.owners[req.txnID] = req.mode
			req.response <- nil
			granted++
		} else {
			break
		}
	}
	ls.waitQueue = ls.waitQueue[granted:]
}

func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}
