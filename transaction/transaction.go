// Package transaction is keelbase's per-transaction bookkeeping: id, 2PL state, isolation
// level, lock sets, and an ordered write set the transaction manager's Abort replays in reverse. Grounded on
// the source's concurrency package, split out of it the way the source's own transaction package
// was meant to be used (transaction.Transaction as a data-only interface, TxnManager elsewhere).
package transaction

import (
	"sync"

	"keelbase/config"
	"keelbase/storage/heap"
)

type ID uint64

// State is the transaction's 2PL phase, per spec §4.6: GROWING transactions may acquire new
// locks, SHRINKING may only release them, and COMMITTED/ABORTED are terminal.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "GROWING"
	case Shrinking:
		return "SHRINKING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// IsolationLevel is config.IsolationLevel under a name local to this package; transactions carry
// one explicitly rather than reading config globally, since a single engine can run transactions
// at mixed isolation levels.
type IsolationLevel = config.IsolationLevel

const (
	ReadUncommitted = config.ReadUncommitted
	ReadCommitted   = config.ReadCommitted
	RepeatableRead  = config.RepeatableRead
)

// WriteKind tags an entry in a transaction's write set with the inverse operation Abort must
// perform.
type WriteKind int

const (
	WriteInsert WriteKind = iota
	WriteMarkDelete
	WriteApplyDelete
	WriteUpdate
)

// WriteRecord is one entry in a transaction's write set: enough information for Abort to undo
// the operation against the table heap directly (in addition to, and independently of, WAL-based
// undo during recovery).
type WriteRecord struct {
	TableOID uint32
	Rid      heap.Rid
	Kind     WriteKind
	Before   []byte // pre-image; empty for WriteInsert
}

// IndexWriteRecord mirrors WriteRecord for secondary index maintenance (B+ tree or extendible
// hash insert/delete). The transaction only stores these: txnmanager's Abort does not read them,
// so index entries are not rolled back on abort.
type IndexWriteRecord struct {
	IndexID uint32
	Key     []byte
	Rid     heap.Rid
	Deleted bool // true if this record undoes a delete (i.e. re-inserts Key/Rid)
}

// Transaction is one unit of work. Its lock sets and write set are guarded by their own mutex
// because the lock manager and table heap append to them from whichever goroutine is currently
// running the transaction's statements, while the transaction manager and deadlock detector read
// them from a different goroutine (Abort, or a victim being killed out from under a waiter).
type Transaction struct {
	id    ID
	level IsolationLevel

	mu    sync.Mutex
	state State

	sharedLocks    map[heap.Rid]struct{}
	exclusiveLocks map[heap.Rid]struct{}

	writeSet      []WriteRecord
	indexWriteSet []IndexWriteRecord

	lastLSN uint32
}

func New(id ID, level IsolationLevel) *Transaction {
	return &Transaction{
		id:             id,
		level:          level,
		state:          Growing,
		sharedLocks:    make(map[heap.Rid]struct{}),
		exclusiveLocks: make(map[heap.Rid]struct{}),
	}
}

func (t *Transaction) ID() ID                    { return t.id }
func (t *Transaction) IsolationLevel() IsolationLevel { return t.level }

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *Transaction) LastLSN() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLSN
}

func (t *Transaction) SetLastLSN(lsn uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastLSN = lsn
}

func (t *Transaction) AddSharedLock(rid heap.Rid) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sharedLocks[rid] = struct{}{}
}

func (t *Transaction) AddExclusiveLock(rid heap.Rid) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exclusiveLocks[rid] = struct{}{}
}

func (t *Transaction) RemoveSharedLock(rid heap.Rid)    { t.mu.Lock(); delete(t.sharedLocks, rid); t.mu.Unlock() }
func (t *Transaction) RemoveExclusiveLock(rid heap.Rid) { t.mu.Lock(); delete(t.exclusiveLocks, rid); t.mu.Unlock() }

func (t *Transaction) HasSharedLock(rid heap.Rid) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sharedLocks[rid]
	return ok
}

func (t *Transaction) HasExclusiveLock(rid heap.Rid) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.exclusiveLocks[rid]
	return ok
}

// SharedLocks and ExclusiveLocks snapshot the current lock sets; the lock manager's Unlock-all on
// commit/abort iterates a snapshot rather than holding the transaction's mutex for the whole walk.
func (t *Transaction) SharedLocks() []heap.Rid {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]heap.Rid, 0, len(t.sharedLocks))
	for r := range t.sharedLocks {
		out = append(out, r)
	}
	return out
}

func (t *Transaction) ExclusiveLocks() []heap.Rid {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]heap.Rid, 0, len(t.exclusiveLocks))
	for r := range t.exclusiveLocks {
		out = append(out, r)
	}
	return out
}

// AppendWrite records a heap write in undo order (append-only; Abort walks it back to front).
func (t *Transaction) AppendWrite(w WriteRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeSet = append(t.writeSet, w)
}

func (t *Transaction) AppendIndexWrite(w IndexWriteRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexWriteSet = append(t.indexWriteSet, w)
}

// WriteSet and IndexWriteSet return the write sets in insertion order; callers that need to undo
// them iterate back to front themselves.
func (t *Transaction) WriteSet() []WriteRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]WriteRecord, len(t.writeSet))
	copy(out, t.writeSet)
	return out
}

func (t *Transaction) IndexWriteSet() []IndexWriteRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]IndexWriteRecord, len(t.indexWriteSet))
	copy(out, t.indexWriteSet)
	return out
}
