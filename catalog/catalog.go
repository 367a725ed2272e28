// Package catalog is keelbase's system table: the mapping from table/index names to the object
// ids and root page ids the rest of the engine needs to open them. Per spec §6 it deliberately
// avoids a self-hosting B+ tree (unlike the source's catalog, which stores its records in a
// second, nested BTree instance) — it is instead itself a storage/heap.TableHeap at a
// well-known table id, scanned into an in-memory name index on open. That sidesteps the
// bootstrapping problem a catalog-inside-a-btree has (the btree needs the catalog to find its own
// root, and the catalog needs a btree to store that root) while still reusing real, exercised
// machinery instead of a bespoke page format.
package catalog

import (
	"encoding/binary"
	"sync"

	"keelbase/internal/klog"
	"keelbase/storage/heap"
)

var log = klog.Component("catalog")

// ObjectKind distinguishes what an entry's root/first page id addresses.
type ObjectKind byte

const (
	KindHeapTable ObjectKind = iota
	KindBTreeIndex
	KindHashIndex
)

// CatalogTableOID is the fixed table id the catalog's own heap uses; regular tables and indexes
// are assigned ids starting above it.
const CatalogTableOID = 0

// Entry is one catalog record: a name, the kind of object it names, and the page id the rest of
// the engine should open to reach it (a table's first heap page, or an index's root page).
type Entry struct {
	Name    string
	Kind    ObjectKind
	OID     uint32
	RootPID uint64
}

func (e Entry) encode() []byte {
	buf := make([]byte, 2+len(e.Name)+1+4+8)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(e.Name)))
	off := 2
	copy(buf[off:], e.Name)
	off += len(e.Name)
	buf[off] = byte(e.Kind)
	off++
	binary.BigEndian.PutUint32(buf[off:off+4], e.OID)
	off += 4
	binary.BigEndian.PutUint64(buf[off:off+8], e.RootPID)
	return buf
}

func decodeEntry(b []byte) Entry {
	nameLen := int(binary.BigEndian.Uint16(b[0:2]))
	off := 2
	name := string(b[off : off+nameLen])
	off += nameLen
	kind := ObjectKind(b[off])
	off++
	oid := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	rootPID := binary.BigEndian.Uint64(b[off : off+8])
	return Entry{Name: name, Kind: kind, OID: oid, RootPID: rootPID}
}

// Catalog is a name -> Entry index backed by a dedicated table heap, with an in-memory cache
// rebuilt by a single scan at Open time.
type Catalog struct {
	heap *heap.TableHeap

	mu      sync.Mutex
	byName  map[string]Entry
	byRid   map[string]heap.Rid
	nextOID uint32
}

// Create formats a brand-new, empty catalog over a freshly created table heap.
func Create(pool heap.Pool, logger heap.Logger) (*Catalog, error) {
	th, err := heap.Create(pool, logger, CatalogTableOID)
	if err != nil {
		return nil, err
	}
	return &Catalog{heap: th, byName: make(map[string]Entry), byRid: make(map[string]heap.Rid), nextOID: 1}, nil
}

// Open resumes a catalog whose heap's first page is already on disk at firstPageID, rebuilding
// the in-memory name index with one forward scan.
func Open(pool heap.Pool, logger heap.Logger, firstPageID uint64) (*Catalog, error) {
	th, err := heap.Open(pool, logger, CatalogTableOID, firstPageID)
	if err != nil {
		return nil, err
	}
	c := &Catalog{heap: th, byName: make(map[string]Entry), byRid: make(map[string]heap.Rid), nextOID: 1}
	if err := th.Iterate(func(rid heap.Rid, tuple []byte) bool {
		e := decodeEntry(tuple)
		c.byName[e.Name] = e
		c.byRid[e.Name] = rid
		if e.OID >= c.nextOID {
			c.nextOID = e.OID + 1
		}
		return true
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// FirstPageID is persisted by the engine so Open can find this catalog again after a restart.
func (c *Catalog) FirstPageID() uint64 { return c.heap.FirstPageID() }

// Lookup returns the entry registered under name, if any.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byName[name]
	return e, ok
}

// ReserveOID hands out the next object id without writing anything durable yet. Callers that
// need the id before they can create the object itself (a table heap's first page is logged with
// its owning table's oid, so the oid must exist before TableHeap.Create is called) reserve it
// here, then pass it back to Register once the object exists.
func (c *Catalog) ReserveOID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	oid := c.nextOID
	c.nextOID++
	return oid
}

// Register durably records name under oid/kind/rootPID. It fails silently by overwriting if name
// is already registered — callers are expected to check Lookup first if that matters (the
// catalog has exactly one caller, the engine's bootstrap/table-creation path, so this narrow
// contract is deliberate rather than load-bearing API surface).
func (c *Catalog) Register(txn *heap.Txn, name string, kind ObjectKind, oid uint32, rootPID uint64) (Entry, error) {
	e := Entry{Name: name, Kind: kind, OID: oid, RootPID: rootPID}
	rid, err := c.heap.Insert(txn, e.encode())
	if err != nil {
		return Entry{}, err
	}

	c.mu.Lock()
	c.byName[name] = e
	c.byRid[name] = rid
	c.mu.Unlock()
	return e, nil
}

// UpdateRoot rewrites name's root page id in place, used when a btree's root changes (a split
// that creates a new root, or a root-collapsing merge).
func (c *Catalog) UpdateRoot(txn *heap.Txn, name string, rootPID uint64) error {
	c.mu.Lock()
	e, ok := c.byName[name]
	rid, ridOK := c.byRid[name]
	c.mu.Unlock()
	if !ok || !ridOK {
		return nil
	}
	e.RootPID = rootPID
	if err := c.heap.Update(txn, rid, e.encode()); err != nil {
		return err
	}
	c.mu.Lock()
	c.byName[name] = e
	c.mu.Unlock()
	return nil
}

// Names lists every registered object name, for administrative listing.
func (c *Catalog) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.byName))
	for n := range c.byName {
		out = append(out, n)
	}
	return out
}
