// Package wal is keelbase's write-ahead log: the record taxonomy, a double-buffered log manager
// with group commit, and a log iterator recovery walks. Grounded on the source's disk/wal
// package (GroupWriter's double-buffer/flush-thread design, LogRecord's Clr/type taxonomy,
// DefaultLogRecordSerializer's binary layout, and LogIterator's PrevToLsn/PrevToTxn helpers),
// rewritten against this module's RID-granularity heap ops instead of the source's page-slot ops.
package wal

// Type tags a log record's payload shape, per spec §4.7/§6.
type Type uint32

const (
	TypeInvalid Type = iota
	TypeBegin
	TypeCommit
	TypeAbort
	TypeInsert
	TypeMarkDelete
	TypeRollbackDelete
	TypeApplyDelete
	TypeUpdate
	TypeNewPage
	// TypeCheckpointBegin/TypeCheckpointEnd support fuzzy checkpointing (txnmanager's
	// supplemented CheckpointManager); the base spec's recovery pass tolerates their absence
	// and just starts Analysis from the head of the log.
	TypeCheckpointBegin
	TypeCheckpointEnd
)

func (t Type) String() string {
	switch t {
	case TypeBegin:
		return "BEGIN"
	case TypeCommit:
		return "COMMIT"
	case TypeAbort:
		return "ABORT"
	case TypeInsert:
		return "INSERT"
	case TypeMarkDelete:
		return "MARKDELETE"
	case TypeRollbackDelete:
		return "ROLLBACKDELETE"
	case TypeApplyDelete:
		return "APPLYDELETE"
	case TypeUpdate:
		return "UPDATE"
	case TypeNewPage:
		return "NEWPAGE"
	case TypeCheckpointBegin:
		return "CHECKPOINTBEGIN"
	case TypeCheckpointEnd:
		return "CHECKPOINTEND"
	default:
		return "INVALID"
	}
}

// headerSize is the 20-byte common header: size, lsn, txn_id, prev_lsn, type, all u32.
const headerSize = 20

// Rid is the log record's own copy of storage/heap.Rid's fields. LogManager's Append* methods take
// a heap.Rid (they satisfy storage/heap's Logger interface) and convert it with toWireRid.
type Rid struct {
	PageID uint64
	Slot   uint16
}

// Record is a single WAL entry. Not every field is populated for every Type; see the
// per-type constructors below, which mirror spec §6's payload field lists.
type Record struct {
	Type    Type
	LSN     uint32
	TxnID   uint32
	PrevLSN uint32
	IsCLR   bool

	TableOID uint32
	Rid      Rid
	Tuple    []byte
	OldTuple []byte
	NewTuple []byte

	PrevPageID uint64
	PageID     uint64

	Actives []uint32 // TypeCheckpointBegin's active transaction table snapshot
}

// Clr builds the compensation log record that undoes r, per spec §4.8's five-case inverse table.
// Returns false for types that Undo never needs to compensate (BEGIN/COMMIT/ABORT, and the
// checkpoint markers).
func (r *Record) Clr() (*Record, bool) {
	switch r.Type {
	case TypeInsert:
		return &Record{Type: TypeApplyDelete, TableOID: r.TableOID, Rid: r.Rid, Tuple: r.Tuple, IsCLR: true}, true
	case TypeMarkDelete:
		return &Record{Type: TypeRollbackDelete, TableOID: r.TableOID, Rid: r.Rid, IsCLR: true}, true
	case TypeRollbackDelete:
		return &Record{Type: TypeMarkDelete, TableOID: r.TableOID, Rid: r.Rid, IsCLR: true}, true
	case TypeApplyDelete:
		return &Record{Type: TypeInsert, TableOID: r.TableOID, Rid: r.Rid, Tuple: r.Tuple, IsCLR: true}, true
	case TypeUpdate:
		return &Record{Type: TypeUpdate, TableOID: r.TableOID, Rid: r.Rid, OldTuple: r.NewTuple, NewTuple: r.OldTuple, IsCLR: true}, true
	case TypeNewPage:
		// a no-op undo: reclaiming the page on abort is not attempted (see SPEC_FULL.md
		// section 9's resolution of the source's open question on this exact point).
		return &Record{Type: TypeNewPage, PrevPageID: r.PrevPageID, PageID: r.PageID, IsCLR: true}, true
	default:
		return nil, false
	}
}
