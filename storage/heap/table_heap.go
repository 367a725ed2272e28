// TableHeap is an unordered, forward-linked chain of heap pages, grounded on the source's
// table_heap.go shape but rewritten against this module's buffer pool and WAL contracts.
package heap

import (
	"sync"

	"keelbase/internal/klog"
	"keelbase/kerrors"
	"keelbase/storage/page"
)

var log = klog.Component("heap")

// Pool is the subset of buffer.Pool a table heap needs. Defined here, rather than imported from
// the buffer package, so storage/heap has no dependency on buffer (buffer depends on
// storage/page only); buffer.BufferPool satisfies this interface structurally.
type Pool interface {
	FetchPage(id uint64) (*page.Page, error)
	UnpinPage(id uint64, isDirty bool) error
	NewPage() (*page.Page, error)
}

// Logger is the subset of wal.LogManager a table heap needs to append records for. Kept as a
// local interface for the same layering reason as Pool.
type Logger interface {
	AppendInsert(txnID uint64, prevLSN uint32, tableOID uint32, rid Rid, tuple []byte) uint32
	AppendMarkDelete(txnID uint64, prevLSN uint32, tableOID uint32, rid Rid) uint32
	AppendRollbackDelete(txnID uint64, prevLSN uint32, tableOID uint32, rid Rid) uint32
	AppendApplyDelete(txnID uint64, prevLSN uint32, tableOID uint32, rid Rid, tuple []byte) uint32
	AppendUpdate(txnID uint64, prevLSN uint32, tableOID uint32, rid Rid, before, after []byte) uint32
}

// Txn is the subset of transaction.Transaction a table heap needs: its id and its running prevLSN,
// updated after every log append so the next record can chain back to it.
type Txn struct {
	ID      uint64
	LastLSN uint32
}

// TableHeap is an append-mostly sequence of heap pages belonging to one table, identified by
// tableOID for logging purposes. firstPageID is the head of the page chain; new pages are linked
// on as existing ones fill up.
type TableHeap struct {
	pool     Pool
	log      Logger
	tableOID uint32

	mu          sync.Mutex
	firstPageID uint64
	lastPageID  uint64
}

// Create allocates the heap's first page and returns a new, empty TableHeap.
func Create(pool Pool, logger Logger, tableOID uint32) (*TableHeap, error) {
	p, err := pool.NewPage()
	if err != nil {
		return nil, err
	}
	Format(p)
	id := p.ID()
	if err := pool.UnpinPage(id, true); err != nil {
		return nil, err
	}
	return &TableHeap{pool: pool, log: logger, tableOID: tableOID, firstPageID: id, lastPageID: id}, nil
}

// Open resumes an existing TableHeap whose first page is already on disk at firstPageID.
func Open(pool Pool, logger Logger, tableOID uint32, firstPageID uint64) (*TableHeap, error) {
	th := &TableHeap{pool: pool, log: logger, tableOID: tableOID, firstPageID: firstPageID}
	last := firstPageID
	for {
		p, err := pool.FetchPage(last)
		if err != nil {
			return nil, err
		}
		p.RLatch()
		next := Wrap(p).NextPageID()
		p.RUnlatch()
		if err := pool.UnpinPage(last, false); err != nil {
			return nil, err
		}
		if next == InvalidPageID {
			break
		}
		last = next
	}
	th.lastPageID = last
	return th, nil
}

func (th *TableHeap) FirstPageID() uint64 { return th.firstPageID }

// Insert stores tuple on the last page of the chain (appending a new page to the chain if that
// page has no room; earlier pages are not searched), logs the insert, and returns the tuple's new
// Rid.
func (th *TableHeap) Insert(txn *Txn, tuple []byte) (Rid, error) {
	th.mu.Lock()
	defer th.mu.Unlock()

	cur := th.lastPageID
	for {
		p, err := th.pool.FetchPage(cur)
		if err != nil {
			return Rid{}, err
		}
		p.WLatch()
		hp := Wrap(p)
		slot, ok := hp.Insert(tuple)
		if ok {
			rid := Rid{PageID: cur, Slot: slot}
			lsn := th.log.AppendInsert(txn.ID, txn.LastLSN, th.tableOID, rid, tuple)
			txn.LastLSN = lsn
			p.SetLSN(page.LSN(lsn))
			p.WUnlatch()
			if err := th.pool.UnpinPage(cur, true); err != nil {
				return Rid{}, err
			}
			return rid, nil
		}
		next := hp.NextPageID()
		if next == InvalidPageID {
			newPage, err := th.pool.NewPage()
			if err != nil {
				p.WUnlatch()
				th.pool.UnpinPage(cur, false)
				return Rid{}, err
			}
			Format(newPage)
			hp.SetNextPageID(newPage.ID())
			p.WUnlatch()
			if err := th.pool.UnpinPage(cur, true); err != nil {
				th.pool.UnpinPage(newPage.ID(), false)
				return Rid{}, err
			}
			th.lastPageID = newPage.ID()
			if err := th.pool.UnpinPage(newPage.ID(), true); err != nil {
				return Rid{}, err
			}
			cur = newPage.ID()
			continue
		}
		p.WUnlatch()
		if err := th.pool.UnpinPage(cur, false); err != nil {
			return Rid{}, err
		}
		cur = next
	}
}

// Read fetches the tuple at rid. It is the caller's responsibility (the lock manager, via the
// executor layer above this package) to have already acquired a shared lock on rid.
func (th *TableHeap) Read(rid Rid) ([]byte, error) {
	p, err := th.pool.FetchPage(rid.PageID)
	if err != nil {
		return nil, err
	}
	defer th.pool.UnpinPage(rid.PageID, false)
	p.RLatch()
	defer p.RUnlatch()
	return Wrap(p).Read(rid.Slot)
}

// MarkDelete tombstones rid in place and logs the deletion; the tuple bytes stay resident so
// RollbackDelete can restore them if txn aborts.
func (th *TableHeap) MarkDelete(txn *Txn, rid Rid) error {
	p, err := th.pool.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	defer th.pool.UnpinPage(rid.PageID, true)
	p.WLatch()
	defer p.WUnlatch()
	hp := Wrap(p)
	if rid.Slot >= hp.NumSlots() || hp.IsDeleted(rid.Slot) {
		return kerrors.ErrKeyNotFound
	}
	hp.MarkDeleted(rid.Slot)
	lsn := th.log.AppendMarkDelete(txn.ID, txn.LastLSN, th.tableOID, rid)
	txn.LastLSN = lsn
	p.SetLSN(page.LSN(lsn))
	return nil
}

// RollbackDelete clears rid's tombstone bit, undoing an uncommitted MarkDelete during abort.
func (th *TableHeap) RollbackDelete(txn *Txn, rid Rid) error {
	p, err := th.pool.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	defer th.pool.UnpinPage(rid.PageID, true)
	p.WLatch()
	defer p.WUnlatch()
	hp := Wrap(p)
	hp.ClearDeleted(rid.Slot)
	lsn := th.log.AppendRollbackDelete(txn.ID, txn.LastLSN, th.tableOID, rid)
	txn.LastLSN = lsn
	p.SetLSN(page.LSN(lsn))
	return nil
}

// ApplyDelete tombstones rid (idempotently, so it is safe whether or not MarkDelete already ran
// against this slot) and logs the tuple's last image, the way the source's log record pairing
// anticipates; the tuple's bytes stay in the page. Its one caller is abort's undo of an
// uncommitted Insert, which has no prior MarkDelete to rely on and needs the tombstone bit set
// here directly. Table.Delete uses MarkDelete only, and commit does not call ApplyDelete.
func (th *TableHeap) ApplyDelete(txn *Txn, rid Rid) error {
	p, err := th.pool.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	defer th.pool.UnpinPage(rid.PageID, true)
	p.WLatch()
	defer p.WUnlatch()
	hp := Wrap(p)
	tuple := hp.RawAt(rid.Slot)
	hp.MarkDeleted(rid.Slot)
	lsn := th.log.AppendApplyDelete(txn.ID, txn.LastLSN, th.tableOID, rid, tuple)
	txn.LastLSN = lsn
	p.SetLSN(page.LSN(lsn))
	return nil
}

// Update overwrites rid's tuple in place and logs before/after images. A new value larger than
// the current one is rejected with kerrors.ErrOutOfMemory; Table.Update returns that error to its
// caller.
func (th *TableHeap) Update(txn *Txn, rid Rid, after []byte) error {
	p, err := th.pool.FetchPage(rid.PageID)
	if err != nil {
		return err
	}
	defer th.pool.UnpinPage(rid.PageID, true)
	p.WLatch()
	defer p.WUnlatch()
	hp := Wrap(p)
	before, err := hp.Read(rid.Slot)
	if err != nil {
		return err
	}
	if !hp.Update(rid.Slot, after) {
		return kerrors.ErrOutOfMemory
	}
	lsn := th.log.AppendUpdate(txn.ID, txn.LastLSN, th.tableOID, rid, before, after)
	txn.LastLSN = lsn
	p.SetLSN(page.LSN(lsn))
	return nil
}

// Iterate calls fn for every live (non-tombstoned) tuple in the heap, in page-chain then
// slot-index order. fn returning false stops the scan early.
func (th *TableHeap) Iterate(fn func(rid Rid, tuple []byte) bool) error {
	cur := th.firstPageID
	for cur != InvalidPageID {
		p, err := th.pool.FetchPage(cur)
		if err != nil {
			return err
		}
		p.RLatch()
		hp := Wrap(p)
		n := hp.NumSlots()
		next := hp.NextPageID()
		cont := true
		for i := uint16(0); i < n && cont; i++ {
			data, err := hp.Read(i)
			if err != nil {
				continue
			}
			if !fn(Rid{PageID: cur, Slot: i}, data) {
				cont = false
			}
		}
		p.RUnlatch()
		if err := th.pool.UnpinPage(cur, false); err != nil {
			return err
		}
		if !cont {
			return nil
		}
		cur = next
	}
	return nil
}
