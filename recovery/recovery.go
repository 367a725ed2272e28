// Package recovery brings a buffer pool and its page files back to a consistent state after an
// unclean shutdown, per spec §4.8/§7 (scenarios S6/S7): a combined Analysis+Redo forward scan of
// the write-ahead log followed by an Undo pass over whichever transactions never committed.
// Grounded on the source's recovery.go (the page-LSN redo-skip rule, the five-case CLR inverse
// table used here via wal.Record.Clr) but restructured as a single forward wal.Scan instead of
// the source's multi-pass log reader, since this module's Scan already yields byte offsets the
// Undo pass can use for random access without a second abstraction.
package recovery

import (
	"keelbase/disk"
	"keelbase/internal/klog"
	"keelbase/storage/heap"
	"keelbase/storage/page"
	"keelbase/wal"
)

var log = klog.Component("recovery")

// Pool is the subset of buffer.Pool recovery needs to replay and undo physical page mutations.
type Pool interface {
	FetchPage(id uint64) (*page.Page, error)
	UnpinPage(id uint64, isDirty bool) error
}

// LogManager is the subset of wal.LogManager recovery needs to log its own undo work.
type LogManager interface {
	AppendCLR(rec *wal.Record, txnID uint64, prevLSN uint32) uint32
	AppendAbort(txnID uint64, prevLSN uint32) uint32
	FlushedLSN() uint32
}

// Recovery runs the Analysis+Redo+Undo sequence against one disk file and buffer pool.
type Recovery struct {
	disk *disk.Manager
	pool Pool
	log  LogManager
}

func New(d *disk.Manager, pool Pool, log LogManager) *Recovery {
	return &Recovery{disk: d, pool: pool, log: log}
}

// Run performs the full recovery sequence. It is meant to be called once, synchronously, before
// the engine starts accepting new transactions.
func (r *Recovery) Run() error {
	losers, lastLSNOf, offsetOf, err := r.analysisAndRedo()
	if err != nil {
		return err
	}
	for txnID := range losers {
		if err := r.undo(uint64(txnID), lastLSNOf[txnID], offsetOf); err != nil {
			return err
		}
	}
	return nil
}

// analysisAndRedo makes one forward pass over the whole log (see DESIGN.md: this module always
// rescans from byte 0 rather than from the latest checkpoint — checkpoint records are still
// written and would let recovery skip ahead, but the page-LSN redo-skip rule already makes a
// full rescan correct, just not maximally fast, so that optimization is left undone). It builds
// the set of transactions with no COMMIT/ABORT (Analysis), replays every record whose target page
// is still behind it (Redo), and returns enough bookkeeping for Undo to walk loser chains.
func (r *Recovery) analysisAndRedo() (losers map[uint32]struct{}, lastLSNOf map[uint32]uint32, offsetOf map[uint32]int64, err error) {
	losers = make(map[uint32]struct{})
	lastLSNOf = make(map[uint32]uint32)
	offsetOf = make(map[uint32]int64)

	scanErr := wal.Scan(r.disk, func(e wal.Entry) bool {
		rec := e.Record
		offsetOf[rec.LSN] = e.Offset

		switch rec.Type {
		case wal.TypeBegin:
			losers[rec.TxnID] = struct{}{}
		case wal.TypeCommit, wal.TypeAbort:
			delete(losers, rec.TxnID)
		case wal.TypeCheckpointBegin, wal.TypeCheckpointEnd:
			// Carry no TxnID of their own (TxnID 0) and never start or end a transaction;
			// counting one as a loser would fabricate a spurious ABORT for "transaction 0" on
			// undo whenever the log contains a checkpoint.
			return true
		default:
			losers[rec.TxnID] = struct{}{}
		}
		lastLSNOf[rec.TxnID] = rec.LSN

		if err := r.redoOne(rec); err != nil {
			log.WithError(err).WithField("lsn", rec.LSN).Error("redo failed, continuing scan")
		}
		return true
	})
	if scanErr != nil {
		return nil, nil, nil, scanErr
	}
	return losers, lastLSNOf, offsetOf, nil
}

// redoOne applies rec's physical effect to its target page if the page's own LSN shows the
// effect was lost (page.LSN() < rec.LSN), per the redo-skip rule.
func (r *Recovery) redoOne(rec *wal.Record) error {
	pageID, ok := targetPageID(rec)
	if !ok {
		return nil
	}
	p, err := r.pool.FetchPage(pageID)
	if err != nil {
		return err
	}
	applied := false
	p.WLatch()
	if uint32(p.LSN()) < rec.LSN {
		applyPhysical(p, rec)
		p.SetLSN(page.LSN(rec.LSN))
		applied = true
	}
	p.WUnlatch()
	return r.pool.UnpinPage(pageID, applied)
}

func targetPageID(rec *wal.Record) (uint64, bool) {
	switch rec.Type {
	case wal.TypeInsert, wal.TypeMarkDelete, wal.TypeRollbackDelete, wal.TypeApplyDelete, wal.TypeUpdate:
		return uint64(rec.Rid.PageID), true
	case wal.TypeNewPage:
		return uint64(rec.PageID), true
	default:
		return 0, false
	}
}

// applyPhysical mutates p's bytes to match rec. It is used by both Redo (forward) and Undo (via
// a record's CLR, whose Type already names the forward operation that restores the pre-image).
func applyPhysical(p *page.Page, rec *wal.Record) {
	switch rec.Type {
	case wal.TypeInsert:
		if p.Type() != page.TypeHeap {
			heap.Format(p)
		}
		hp := heap.Wrap(p)
		slot := rec.Rid.Slot
		for hp.NumSlots() < slot {
			hp.Insert(nil)
		}
		hp.Insert(rec.Tuple)
	case wal.TypeMarkDelete:
		heap.Wrap(p).MarkDeleted(rec.Rid.Slot)
	case wal.TypeRollbackDelete:
		heap.Wrap(p).ClearDeleted(rec.Rid.Slot)
	case wal.TypeApplyDelete:
		heap.Wrap(p).MarkDeleted(rec.Rid.Slot)
	case wal.TypeUpdate:
		heap.Wrap(p).Update(rec.Rid.Slot, rec.NewTuple)
	case wal.TypeNewPage:
		heap.Format(p)
		if rec.PrevPageID != 0 {
			// linking the previous page's NextPageID is done when that page is itself
			// fetched and redone; here we only format the new page itself.
		}
	}
}

// undo walks loser txn's log chain backward from lastLSN to its BEGIN record, applying each
// record's CLR (the inverse operation) and logging it, per the five-case table in
// wal.Record.Clr.
func (r *Recovery) undo(txnID uint64, lastLSN uint32, offsetOf map[uint32]int64) error {
	lsn := lastLSN
	prevLSN := lastLSN
	for {
		off, ok := offsetOf[lsn]
		if !ok {
			break
		}
		rec, err := wal.ReadAt(r.disk, off)
		if err != nil {
			return err
		}
		if rec.Type == wal.TypeBegin {
			break
		}
		if !rec.IsCLR {
			if clr, ok := rec.Clr(); ok {
				clrLSN := r.log.AppendCLR(clr, txnID, prevLSN)
				clr.LSN = clrLSN
				if pageID, ok := targetPageID(clr); ok {
					if err := r.applyUndoRecord(pageID, clr); err != nil {
						return err
					}
				}
				prevLSN = clrLSN
			}
		}
		lsn = rec.PrevLSN
	}
	r.log.AppendAbort(txnID, prevLSN)
	return nil
}

func (r *Recovery) applyUndoRecord(pageID uint64, rec *wal.Record) error {
	p, err := r.pool.FetchPage(pageID)
	if err != nil {
		return err
	}
	p.WLatch()
	applyPhysical(p, rec)
	p.SetLSN(page.LSN(rec.LSN))
	p.WUnlatch()
	return r.pool.UnpinPage(pageID, true)
}
