// Slotted page format, grounded on the source's heap page: a small header, a slot array that
// grows from the front of the data area, and tuple bodies packed from the back. The slot array
// and the tuple area grow toward each other; the page is full when they would meet.
package heap

import (
	"encoding/binary"

	"keelbase/disk"
	"keelbase/kerrors"
	"keelbase/storage/page"
)

const InvalidPageID = disk.InvalidPageID

// pageHeaderSize: numSlots(2) + freeSpacePtr(2) + nextPageID(8).
const pageHeaderSize = 12

// slotSize: offset(2) + size(2) + flags(1). Size is recorded even for deleted slots so
// RollbackDelete can restore a tuple without re-deriving its length.
const slotSize = 5

const deletedFlag = byte(1)

// Page wraps a *page.Page already typed as page.TypeHeap and exposes slotted-page operations on
// it. It does not own locking beyond the underlying page's latch; callers crab-latch it the same
// way they would any other resident page.
type Page struct {
	p *page.Page
}

// Format initializes a freshly allocated page as an empty heap page.
func Format(p *page.Page) *Page {
	p.SetType(page.TypeHeap)
	hp := &Page{p: p}
	hp.setNumSlots(0)
	hp.setFreeSpacePtr(uint16(len(p.Data())))
	hp.SetNextPageID(InvalidPageID)
	return hp
}

// Wrap views an already-formatted heap page.
func Wrap(p *page.Page) *Page { return &Page{p: p} }

func (h *Page) data() []byte { return h.p.Data() }

func (h *Page) numSlots() uint16 {
	return binary.BigEndian.Uint16(h.data()[0:2])
}

func (h *Page) setNumSlots(n uint16) {
	binary.BigEndian.PutUint16(h.data()[0:2], n)
}

func (h *Page) freeSpacePtr() uint16 {
	return binary.BigEndian.Uint16(h.data()[2:4])
}

func (h *Page) setFreeSpacePtr(off uint16) {
	binary.BigEndian.PutUint16(h.data()[2:4], off)
}

func (h *Page) NextPageID() uint64 {
	return binary.BigEndian.Uint64(h.data()[4:12])
}

func (h *Page) SetNextPageID(id uint64) {
	binary.BigEndian.PutUint64(h.data()[4:12], id)
}

func (h *Page) slotOffset(idx uint16) int { return pageHeaderSize + int(idx)*slotSize }

func (h *Page) slot(idx uint16) (offset, size uint16, deleted bool) {
	d := h.data()
	o := h.slotOffset(idx)
	offset = binary.BigEndian.Uint16(d[o : o+2])
	size = binary.BigEndian.Uint16(d[o+2 : o+4])
	deleted = d[o+4]&deletedFlag != 0
	return
}

func (h *Page) setSlot(idx uint16, offset, size uint16, deleted bool) {
	d := h.data()
	o := h.slotOffset(idx)
	binary.BigEndian.PutUint16(d[o:o+2], offset)
	binary.BigEndian.PutUint16(d[o+2:o+4], size)
	flags := byte(0)
	if deleted {
		flags = deletedFlag
	}
	d[o+4] = flags
}

// FreeSpace is the number of bytes left between the slot array's tail and the tuple area's head.
func (h *Page) FreeSpace() int {
	slotsEnd := pageHeaderSize + int(h.numSlots())*slotSize
	return int(h.freeSpacePtr()) - slotsEnd
}

// fits reports whether a new slot plus a tuple of size n can both still be carved out.
func (h *Page) fits(n int) bool { return h.FreeSpace() >= n+slotSize }

// Insert appends a new slot and writes tuple data just before the current free-space pointer.
// Returns the slot index. Callers are responsible for marking the page dirty.
func (h *Page) Insert(data []byte) (slot uint16, ok bool) {
	if !h.fits(len(data)) {
		return 0, false
	}
	newOff := h.freeSpacePtr() - uint16(len(data))
	copy(h.data()[newOff:], data)
	idx := h.numSlots()
	h.setSlot(idx, newOff, uint16(len(data)), false)
	h.setNumSlots(idx + 1)
	h.setFreeSpacePtr(newOff)
	return idx, true
}

// Read returns the tuple bytes stored at slot. Returns kerrors.ErrKeyNotFound if the slot was
// never allocated or is tombstoned (MarkDelete and ApplyDelete both set the tombstone bit).
func (h *Page) Read(slot uint16) ([]byte, error) {
	if slot >= h.numSlots() {
		return nil, kerrors.ErrKeyNotFound
	}
	off, size, deleted := h.slot(slot)
	if deleted {
		return nil, kerrors.ErrKeyNotFound
	}
	out := make([]byte, size)
	copy(out, h.data()[off:off+size])
	return out, nil
}

// IsDeleted reports a slot's tombstone bit without erroring on a deleted slot; TableHeap.MarkDelete
// uses it to reject a slot that is already tombstoned.
func (h *Page) IsDeleted(slot uint16) bool {
	_, _, deleted := h.slot(slot)
	return deleted
}

// RawAt returns the slot's bytes regardless of its tombstone bit; TableHeap.ApplyDelete uses it to
// log a tuple's last image. A tuple body stays in place after any delete: nothing compacts it out.
func (h *Page) RawAt(slot uint16) []byte {
	off, size, _ := h.slot(slot)
	out := make([]byte, size)
	copy(out, h.data()[off:off+size])
	return out
}

// MarkDeleted sets the tombstone bit without reclaiming space. ApplyDelete sets the same bit; no
// operation reclaims a tombstoned tuple's bytes.
func (h *Page) MarkDeleted(slot uint16) {
	off, size, _ := h.slot(slot)
	h.setSlot(slot, off, size, true)
}

// ClearDeleted undoes MarkDeleted, used by Rollback of an uncommitted delete.
func (h *Page) ClearDeleted(slot uint16) {
	off, size, _ := h.slot(slot)
	h.setSlot(slot, off, size, false)
}

// Update overwrites the tuple at slot in place if the new value is no larger than the old one.
// Returns false, leaving the slot unchanged, if it is larger; no caller retries a larger value as
// a delete plus insert.
func (h *Page) Update(slot uint16, data []byte) bool {
	off, size, _ := h.slot(slot)
	if len(data) > int(size) {
		return false
	}
	copy(h.data()[off:off+uint16(len(data))], data)
	h.setSlot(slot, off, uint16(len(data)), false)
	return true
}

func (h *Page) NumSlots() uint16 { return h.numSlots() }
