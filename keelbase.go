// Package keelbase is the top-level façade: Open wires a disk manager, buffer pool, lock
// manager, log manager, transaction manager, and catalog into one running engine and replays the
// write-ahead log before accepting new work; Close stops every background goroutine and flushes
// everything durable. The same disk/buffer/locker/wal/concurrency collaborators a test harness
// would otherwise construct one by one are gathered here into a single constructor instead of
// being assembled ad hoc by every caller.
package keelbase

import (
	"keelbase/buffer"
	"keelbase/catalog"
	"keelbase/common"
	"keelbase/config"
	"keelbase/disk"
	"keelbase/freelist"
	"keelbase/internal/klog"
	"keelbase/kerrors"
	"keelbase/lockmanager"
	"keelbase/recovery"
	"keelbase/storage/heap"
	"keelbase/transaction"
	"keelbase/txnmanager"
	"keelbase/wal"
)

var log = klog.Component("keelbase")

// freelistCatalogEntry is the name the free list's own header page id is registered under in the
// catalog, so a reopen can find it the same way it finds any table or index's root page.
const freelistCatalogEntry = "__freelist__"

// DB is one open keelbase database: the process-wide owner of every collaborator spec §5 calls
// for, constructed once via Open and torn down via Close.
type DB struct {
	cfg config.Options

	disk *disk.Manager
	pool buffer.Pool
	log  *wal.LogManager

	locks       *lockmanager.Manager
	txns        *txnmanager.Manager
	checkpoints *txnmanager.CheckpointManager

	catalog  *catalog.Catalog
	freelist *freelist.List

	// createTableLocks serializes CreateTable per table name, so two callers racing to create the
	// same name cannot both pass catalog.Lookup's miss check before either has registered it.
	createTableLocks common.KeyMutex[string]
}

// Open opens (creating if necessary) the database file at path, replays its write-ahead log if
// the previous session ended uncleanly, and returns a DB ready to accept transactions.
func Open(path string, opts ...config.Option) (*DB, error) {
	cfg := config.Apply(opts...)

	d, created, err := disk.Open(path)
	if err != nil {
		return nil, err
	}

	lm := wal.New(d, cfg.LogBufferSize, cfg.LogFlushInterval)

	var pool buffer.Pool
	if cfg.ParallelPools > 1 {
		pp := buffer.NewParallel(d, cfg.ParallelPools, cfg.PoolSize, lm)
		pool = pp
	} else {
		pool = buffer.New(d, cfg.PoolSize, lm)
	}

	if !created {
		rec := recovery.New(d, pool, lm)
		if err := rec.Run(); err != nil {
			return nil, err
		}
	}

	locks := lockmanager.New(cfg.DetectionInterval)
	txns := txnmanager.New(locks, lm)

	db := &DB{
		cfg:   cfg,
		disk:  d,
		pool:  pool,
		log:   lm,
		locks: locks,
		txns:  txns,
	}

	if created {
		if err := db.bootstrap(); err != nil {
			return nil, err
		}
	} else {
		if err := db.reopenCatalog(); err != nil {
			return nil, err
		}
	}

	db.checkpoints = txnmanager.NewCheckpointManager(pool, lm, txns)
	return db, nil
}

// bootstrap formats a brand-new database's catalog and free list. Per disk.HeaderPageID's
// reservation, the catalog's own first page is the very first page ever allocated (id 0, since
// nothing has called NewPage yet and the free list is not wired into the pool until after this
// completes); the free list's header page is the second (id 1).
func (db *DB) bootstrap() error {
	cat, err := catalog.Create(heapPool(db.pool), db.log)
	if err != nil {
		return err
	}
	db.catalog = cat

	fl := freelist.New(freelistPool(db.pool))
	if err := fl.Init(); err != nil {
		return err
	}
	db.freelist = fl

	ht := &heap.Txn{}
	oid := cat.ReserveOID()
	if _, err := cat.Register(ht, freelistCatalogEntry, catalog.KindHeapTable, oid, fl.HeaderPageID()); err != nil {
		return err
	}

	setFreelist(db.pool, fl)
	return nil
}

// reopenCatalog resumes an existing database's catalog (always at page 0) and, via the catalog,
// its free list.
func (db *DB) reopenCatalog() error {
	cat, err := catalog.Open(heapPool(db.pool), db.log, disk.HeaderPageID)
	if err != nil {
		return err
	}
	db.catalog = cat

	fl := freelist.New(freelistPool(db.pool))
	if entry, ok := cat.Lookup(freelistCatalogEntry); ok {
		fl.Open(entry.RootPID)
	} else {
		log.Warn("no free list entry found in catalog; page ids will never be reclaimed this session")
	}
	db.freelist = fl
	setFreelist(db.pool, fl)
	return nil
}

// heapPool/freelistPool/setFreelist bridge buffer.Pool (the concrete fan-out type, which may be
// *buffer.BufferPool or *buffer.ParallelBufferPool) down to the narrower interfaces catalog's
// underlying table heap and the free list package actually depend on, and back up to whichever
// concrete pool needs SetFreelist wired in. Kept as free functions rather than DB methods since
// they operate purely on the pool value handed in.
func heapPool(p buffer.Pool) heap.Pool { return p }
func freelistPool(p buffer.Pool) freelist.Pool { return p }

func setFreelist(p buffer.Pool, fl *freelist.List) {
	switch pp := p.(type) {
	case *buffer.BufferPool:
		pp.SetFreelist(fl)
	case *buffer.ParallelBufferPool:
		pp.SetFreelist(fl)
	default:
		log.Warn("buffer pool implementation does not support a free list; page ids will never be reclaimed")
	}
}

// Begin starts a new transaction at level, or the engine's configured default isolation level if
// no level is given.
func (db *DB) Begin(level ...transaction.IsolationLevel) *transaction.Transaction {
	l := db.cfg.DefaultIsolationLevel
	if len(level) > 0 {
		l = level[0]
	}
	return db.txns.Begin(l)
}

// Commit durably commits txn and releases its locks.
func (db *DB) Commit(txn *transaction.Transaction) error { return db.txns.Commit(txn) }

// Abort rolls back txn's writes and releases its locks.
func (db *DB) Abort(txn *transaction.Transaction) error { return db.txns.Abort(txn) }

// Checkpoint takes a fuzzy checkpoint: see txnmanager.CheckpointManager.TakeCheckpoint.
func (db *DB) Checkpoint() error { return db.checkpoints.TakeCheckpoint() }

// CreateTable registers a new table heap under name and returns a handle to it. Concurrent calls
// for the same name are serialized so at most one can win; the loser gets kerrors.ErrTableExists
// instead of silently overwriting the winner's catalog entry.
func (db *DB) CreateTable(txn *transaction.Transaction, name string) (*Table, error) {
	unlock := db.createTableLocks.Lock(name)
	defer unlock()

	if _, exists := db.catalog.Lookup(name); exists {
		return nil, kerrors.ErrTableExists
	}

	oid := db.catalog.ReserveOID()
	th, err := heap.Create(heapPool(db.pool), db.log, oid)
	if err != nil {
		return nil, err
	}
	entry, err := db.catalog.Register(heapTxn(txn), name, catalog.KindHeapTable, oid, th.FirstPageID())
	if err != nil {
		return nil, err
	}
	tbl := &Table{db: db, heap: th, oid: entry.OID, name: name}
	db.txns.RegisterHeap(entry.OID, th)
	return tbl, nil
}

// OpenTable resumes a table heap registered earlier under name.
func (db *DB) OpenTable(name string) (*Table, error) {
	entry, ok := db.catalog.Lookup(name)
	if !ok {
		return nil, kerrors.ErrKeyNotFound
	}
	th, err := heap.Open(heapPool(db.pool), db.log, entry.OID, entry.RootPID)
	if err != nil {
		return nil, err
	}
	tbl := &Table{db: db, heap: th, oid: entry.OID, name: name}
	db.txns.RegisterHeap(entry.OID, th)
	return tbl, nil
}

// heapTxn bridges a transaction.Transaction to the heap.Txn value its table-heap operations take,
// carrying the running prevLSN across the call so writes chain correctly.
func heapTxn(txn *transaction.Transaction) *heap.Txn {
	return &heap.Txn{ID: uint64(txn.ID()), LastLSN: txn.LastLSN()}
}

// syncLastLSN copies ht's (possibly advanced) LastLSN back onto txn after a heap operation.
func syncLastLSN(txn *transaction.Transaction, ht *heap.Txn) { txn.SetLastLSN(ht.LastLSN) }

// Close stops the log flusher and deadlock detector, flushes every dirty page, and closes the
// underlying files.
func (db *DB) Close() error {
	db.locks.Stop()
	if err := db.pool.FlushAll(); err != nil {
		return err
	}
	db.log.Stop()
	return db.disk.Close()
}
