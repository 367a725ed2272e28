package wal

import (
	"sync"
	"sync/atomic"
	"time"

	"keelbase/common"
	"keelbase/disk"
	"keelbase/internal/klog"
	"keelbase/storage/heap"
)

var log = klog.Component("wal")

// LogManager appends records to a double-buffered in-memory log and flushes them to the disk
// manager's log file on a timer, on a forced commit, or when a buffer fills. This is the
// source's GroupWriter's double-buffer/background-flush/group-commit design, generalized from
// raw byte writes keyed by an externally-assigned LSN to LogManager owning LSN assignment itself.
type LogManager struct {
	d *disk.Manager

	nextLSN atomic.Uint32

	bufMu       sync.Mutex
	active      []byte
	activeOff   int
	latestInBuf uint32

	flushBuf         []byte
	flushOff         int
	latestInFlushBuf uint32

	latestFlushed atomic.Uint32

	flushMu    sync.Mutex
	flushEvent *common.Event
	stats      *common.Stats

	flusherDone chan struct{}
	flusherWG   sync.WaitGroup
}

// New allocates two buffers of size bytes each over d and starts the background flush goroutine
// immediately, ticking every interval.
func New(d *disk.Manager, size int, interval time.Duration) *LogManager {
	lm := &LogManager{
		d:          d,
		active:     make([]byte, size),
		flushBuf:   make([]byte, size),
		flushEvent: common.NewEvent(),
		stats:      common.NewStats(),
	}
	lm.nextLSN.Store(1)
	lm.runFlusher(interval)
	return lm
}

func (lm *LogManager) nextLsn() uint32 { return lm.nextLSN.Add(1) - 1 }

// AppendInsert et al. build and append one log record for txn txnID whose previous record in the
// chain was prevLSN, returning the newly assigned LSN. These satisfy the storage/heap.Logger
// interface.
func (lm *LogManager) AppendInsert(txnID uint64, prevLSN uint32, tableOID uint32, rid heap.Rid, tuple []byte) uint32 {
	return lm.append(&Record{Type: TypeInsert, TxnID: uint32(txnID), PrevLSN: prevLSN, TableOID: tableOID, Rid: toWireRid(rid), Tuple: tuple})
}

func (lm *LogManager) AppendMarkDelete(txnID uint64, prevLSN uint32, tableOID uint32, rid heap.Rid) uint32 {
	return lm.append(&Record{Type: TypeMarkDelete, TxnID: uint32(txnID), PrevLSN: prevLSN, TableOID: tableOID, Rid: toWireRid(rid)})
}

func (lm *LogManager) AppendRollbackDelete(txnID uint64, prevLSN uint32, tableOID uint32, rid heap.Rid) uint32 {
	return lm.append(&Record{Type: TypeRollbackDelete, TxnID: uint32(txnID), PrevLSN: prevLSN, TableOID: tableOID, Rid: toWireRid(rid)})
}

func (lm *LogManager) AppendApplyDelete(txnID uint64, prevLSN uint32, tableOID uint32, rid heap.Rid, tuple []byte) uint32 {
	return lm.append(&Record{Type: TypeApplyDelete, TxnID: uint32(txnID), PrevLSN: prevLSN, TableOID: tableOID, Rid: toWireRid(rid), Tuple: tuple})
}

func (lm *LogManager) AppendUpdate(txnID uint64, prevLSN uint32, tableOID uint32, rid heap.Rid, before, after []byte) uint32 {
	return lm.append(&Record{Type: TypeUpdate, TxnID: uint32(txnID), PrevLSN: prevLSN, TableOID: tableOID, Rid: toWireRid(rid), OldTuple: before, NewTuple: after})
}

func (lm *LogManager) AppendBegin(txnID uint64) uint32 {
	return lm.append(&Record{Type: TypeBegin, TxnID: uint32(txnID)})
}

func (lm *LogManager) AppendCommit(txnID uint64, prevLSN uint32) uint32 {
	return lm.append(&Record{Type: TypeCommit, TxnID: uint32(txnID), PrevLSN: prevLSN})
}

func (lm *LogManager) AppendAbort(txnID uint64, prevLSN uint32) uint32 {
	return lm.append(&Record{Type: TypeAbort, TxnID: uint32(txnID), PrevLSN: prevLSN})
}

func (lm *LogManager) AppendNewPage(txnID uint64, prevLSN uint32, prevPageID, pageID uint64) uint32 {
	return lm.append(&Record{Type: TypeNewPage, TxnID: uint32(txnID), PrevLSN: prevLSN, PrevPageID: prevPageID, PageID: pageID})
}

func (lm *LogManager) AppendCheckpointBegin(actives []uint64) uint32 {
	a := make([]uint32, len(actives))
	for i, id := range actives {
		a[i] = uint32(id)
	}
	return lm.append(&Record{Type: TypeCheckpointBegin, Actives: a})
}

func (lm *LogManager) AppendCheckpointEnd() uint32 {
	return lm.append(&Record{Type: TypeCheckpointEnd})
}

// AppendCLR appends a pre-built compensation record (see Record.Clr) during Undo, chaining it
// through prevLSN to the loser txn's most recent log record (the record it compensates, or the
// CLR appended before it), without
// re-logging via the normal per-type Append* helpers since a CLR already carries its final shape.
func (lm *LogManager) AppendCLR(rec *Record, txnID uint64, prevLSN uint32) uint32 {
	rec.TxnID = uint32(txnID)
	rec.PrevLSN = prevLSN
	return lm.append(rec)
}

func (lm *LogManager) append(rec *Record) uint32 {
	rec.LSN = lm.nextLsn()
	data := Serialize(rec)
	lm.write(data, rec.LSN)
	return rec.LSN
}

func toWireRid(r heap.Rid) Rid {
	return Rid{PageID: r.PageID, Slot: r.Slot}
}

// write copies data into the active buffer, swapping to the flush buffer mid-write if data does
// not fit, exactly as the source's GroupWriter.Write does.
func (lm *LogManager) write(data []byte, lsn uint32) {
	lm.bufMu.Lock()
	avail := len(lm.active) - lm.activeOff
	if len(data) <= avail {
		copy(lm.active[lm.activeOff:], data)
		lm.activeOff += len(data)
		lm.latestInBuf = lsn
		lm.bufMu.Unlock()
		return
	}

	written := 0
	for written < len(data) {
		n := copy(lm.active[lm.activeOff:], data[written:])
		lm.activeOff += n
		written += n
		if written == len(data) {
			lm.latestInBuf = lsn
			break
		}
		lm.bufMu.Unlock()
		lm.swap()
		lm.bufMu.Lock()
	}
	lm.bufMu.Unlock()
}

// swap exchanges the active and flush buffers and kicks off an asynchronous write-and-fsync of
// the (now former-active) flush buffer.
func (lm *LogManager) swap() {
	lm.flushMu.Lock()
	lm.bufMu.Lock()
	if lm.activeOff == 0 {
		lm.bufMu.Unlock()
		lm.flushMu.Unlock()
		return
	}
	lm.active, lm.flushBuf = lm.flushBuf, lm.active
	lm.flushOff = lm.activeOff
	lm.latestInFlushBuf = lm.latestInBuf
	lm.activeOff = 0
	lm.bufMu.Unlock()

	go func() {
		if err := lm.flush(); err != nil {
			log.WithError(err).Error("log flush failed")
		}
		lm.flushMu.Unlock()
	}()
}

// swapAndWait is swap's synchronous counterpart, used by Flush/WaitAppendLog where the caller
// must observe the flush having happened before returning.
func (lm *LogManager) swapAndWait() error {
	lm.flushMu.Lock()
	defer lm.flushMu.Unlock()

	lm.bufMu.Lock()
	if lm.activeOff == 0 {
		lm.bufMu.Unlock()
		return nil
	}
	lm.active, lm.flushBuf = lm.flushBuf, lm.active
	lm.flushOff = lm.activeOff
	lm.latestInFlushBuf = lm.latestInBuf
	lm.activeOff = 0
	lm.bufMu.Unlock()

	return lm.flush()
}

func (lm *LogManager) flush() error {
	lm.stats.Avg("avg_log_flush_size", float64(lm.flushOff))
	if _, err := lm.d.WriteLog(lm.flushBuf[:lm.flushOff]); err != nil {
		return err
	}
	lm.latestFlushed.Store(lm.latestInFlushBuf)
	lm.flushEvent.Broadcast()
	return nil
}

// Flush forces whatever is currently buffered out to disk and blocks until it is durable.
func (lm *LogManager) Flush() error { return lm.swapAndWait() }

// WaitAppendLog appends nothing itself: it forces a flush and blocks until lsn, already assigned
// by an earlier Append* call (here used for COMMIT), is durable, satisfying spec §4.7's
// Commit-blocks-until-persistent rule.
func (lm *LogManager) WaitAppendLog(lsn uint32) error {
	for lm.FlushedLSN() < lsn {
		if err := lm.Flush(); err != nil {
			return err
		}
		if lm.FlushedLSN() >= lsn {
			return nil
		}
		lm.flushEvent.Wait()
	}
	return nil
}

// FlushedLSN is the largest LSN known to be durable on disk (spec's persistent_lsn).
func (lm *LogManager) FlushedLSN() uint32 { return lm.latestFlushed.Load() }

func (lm *LogManager) runFlusher(interval time.Duration) {
	lm.flusherDone = make(chan struct{})
	lm.flusherWG.Add(1)
	go func() {
		defer lm.flusherWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-lm.flusherDone:
				_ = lm.swapAndWait()
				return
			case <-ticker.C:
				lm.swap()
			}
		}
	}()
}

// Stop halts the background flusher after a final forced flush, for clean shutdown.
func (lm *LogManager) Stop() {
	close(lm.flusherDone)
	lm.flusherWG.Wait()
}
