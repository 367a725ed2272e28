// Package page defines the in-memory representation of a disk page and its latch, and the
// tagged-variant page header every concrete page type (btree node, heap page, hash bucket,
// catalog header) shares. This is the re-architecture spec §9 calls for in place of the source's
// dynamic page-casting: a page-type discriminant in the header selects how the bytes past the
// header are interpreted, and that interpretation is confined to this package and its siblings
// (storage/heap, btree, btree/exthash) rather than scattered unsafe casts.
package page

import (
	"encoding/binary"
	"sync"

	"keelbase/disk"
)

// Type tags the page's content so callers never have to reinterpret raw bytes speculatively.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeHeader
	TypeBTreeInternal
	TypeBTreeLeaf
	TypeHeap
	TypeHashDirectory
	TypeHashBucket
)

// LSN is a log sequence number. Zero is used as "never logged" (a freshly zeroed page).
type LSN uint32

const ZeroLSN LSN = 0

// headerSize is the size of the common header every page carries: a type tag byte followed by a
// 4-byte big-endian page LSN.
const headerSize = 5

// DataSize is the number of bytes available to a page's type-specific layout after the common
// header.
const DataSize = disk.PageSize - headerSize

// Page is one resident, pinned-or-not, buffer-pool frame's worth of data plus its latch. It is
// the unit buffer.Pool hands out; every typed view (btree leaf, heap page, ...) wraps one of
// these rather than copying its bytes.
type Page struct {
	id   uint64
	buf  [disk.PageSize]byte
	rw   sync.RWMutex
	dirt bool
}

// New returns a zeroed page for id. The buffer pool calls this once per frame and reuses the
// value across evictions.
func New(id uint64) *Page {
	return &Page{id: id}
}

// Reset reinitializes the page in place for a new page id, zeroing its content. Used by the
// buffer pool when a frame is handed a fresh page identity (NewPage or a fetch after eviction).
func (p *Page) Reset(id uint64) {
	p.id = id
	for i := range p.buf {
		p.buf[i] = 0
	}
	p.dirt = false
}

func (p *Page) ID() uint64 { return p.id }

// Whole returns the entire fixed-size backing array, including the header, for disk I/O.
func (p *Page) Whole() []byte { return p.buf[:] }

// Data returns the bytes past the common header, for a type-specific layout to interpret.
func (p *Page) Data() []byte { return p.buf[headerSize:] }

func (p *Page) Type() Type { return Type(p.buf[0]) }

func (p *Page) SetType(t Type) { p.buf[0] = byte(t) }

func (p *Page) LSN() LSN {
	return LSN(binary.BigEndian.Uint32(p.buf[1:headerSize]))
}

func (p *Page) SetLSN(lsn LSN) {
	binary.BigEndian.PutUint32(p.buf[1:headerSize], uint32(lsn))
}

func (p *Page) IsDirty() bool { return p.dirt }

func (p *Page) SetDirty()  { p.dirt = true }
func (p *Page) SetClean()  { p.dirt = false }

// WLatch/RLatch are the page latch described by spec §4.4: multiple readers xor one writer, no
// in-place upgrade. TryRLatch takes a read latch only if it can do so without blocking behind a
// writer.
func (p *Page) WLatch()   { p.rw.Lock() }
func (p *Page) WUnlatch() { p.rw.Unlock() }
func (p *Page) RLatch()   { p.rw.RLock() }
func (p *Page) RUnlatch() { p.rw.RUnlock() }

func (p *Page) TryRLatch() bool { return p.rw.TryRLock() }
