package btree

import (
	"encoding/binary"
	"sort"

	"keelbase/storage/heap"
	"keelbase/storage/page"
)

const invalidPointer uint64 = ^uint64(0)

// nodeHeaderSize: parentPageID(8) + size(2) + maxSize(2) + nextLeaf(8, unused by internal nodes).
const nodeHeaderSize = 20

const internalEntrySize = 16 // key(8) + child page id(8)
const leafEntrySize = 18     // key(8) + rid.PageID(8) + rid.Slot(2)

// Node wraps a *page.Page already typed as TypeBTreeInternal or TypeBTreeLeaf and provides
// positional access to its entries. It holds no state of its own; every accessor reads or writes
// straight through to the page's backing array, so latching the page (via page.Page.RLatch/
// WLatch) is what actually protects concurrent access.
type Node struct {
	p *page.Page
}

func Wrap(p *page.Page) *Node { return &Node{p: p} }

func (n *Node) Page() *page.Page { return n.p }
func (n *Node) ID() uint64       { return n.p.ID() }
func (n *Node) IsLeaf() bool     { return n.p.Type() == page.TypeBTreeLeaf }

func (n *Node) ParentID() uint64 {
	return binary.BigEndian.Uint64(n.p.Data()[0:8])
}

func (n *Node) SetParentID(id uint64) {
	binary.BigEndian.PutUint64(n.p.Data()[0:8], id)
}

func (n *Node) Size() int {
	return int(binary.BigEndian.Uint16(n.p.Data()[8:10]))
}

func (n *Node) setSize(s int) {
	binary.BigEndian.PutUint16(n.p.Data()[8:10], uint16(s))
}

func (n *Node) MaxSize() int {
	return int(binary.BigEndian.Uint16(n.p.Data()[10:12]))
}

func (n *Node) setMaxSize(s int) {
	binary.BigEndian.PutUint16(n.p.Data()[10:12], uint16(s))
}

// NextLeaf is valid only on leaf nodes: the page id of the next leaf in key order, or
// InvalidPageID for the rightmost leaf.
func (n *Node) NextLeaf() uint64 {
	return binary.BigEndian.Uint64(n.p.Data()[12:20])
}

func (n *Node) SetNextLeaf(id uint64) {
	binary.BigEndian.PutUint64(n.p.Data()[12:20], id)
}

func (n *Node) entryOffset(i int) int {
	stride := internalEntrySize
	if n.IsLeaf() {
		stride = leafEntrySize
	}
	return nodeHeaderSize + i*stride
}

// FormatInternal and FormatLeaf initialize a freshly allocated page as an empty node of the
// corresponding kind.
func FormatInternal(p *page.Page, parent uint64, maxSize int) *Node {
	p.SetType(page.TypeBTreeInternal)
	n := &Node{p: p}
	n.SetParentID(parent)
	n.setSize(0)
	n.setMaxSize(maxSize)
	return n
}

func FormatLeaf(p *page.Page, parent uint64, maxSize int) *Node {
	p.SetType(page.TypeBTreeLeaf)
	n := &Node{p: p}
	n.SetParentID(parent)
	n.setSize(0)
	n.setMaxSize(maxSize)
	n.SetNextLeaf(invalidPointer)
	return n
}

// KeyAt returns the key stored at logical index i. For an internal node, index 0's key is never
// meaningful (entry 0 is the left-most child pointer with no separator), per spec §4.5.
func (n *Node) KeyAt(i int) Key {
	off := n.entryOffset(i)
	return Key(binary.BigEndian.Uint64(n.p.Data()[off : off+8]))
}

func (n *Node) setKeyAt(i int, k Key) {
	off := n.entryOffset(i)
	binary.BigEndian.PutUint64(n.p.Data()[off:off+8], uint64(k))
}

// ChildAt is valid only on internal nodes.
func (n *Node) ChildAt(i int) uint64 {
	off := n.entryOffset(i)
	return binary.BigEndian.Uint64(n.p.Data()[off+8 : off+16])
}

func (n *Node) setChildAt(i int, child uint64) {
	off := n.entryOffset(i)
	binary.BigEndian.PutUint64(n.p.Data()[off+8:off+16], child)
}

// RidAt is valid only on leaf nodes.
func (n *Node) RidAt(i int) heap.Rid {
	off := n.entryOffset(i)
	return heap.Rid{
		PageID: binary.BigEndian.Uint64(n.p.Data()[off+8 : off+16]),
		Slot:   binary.BigEndian.Uint16(n.p.Data()[off+16 : off+18]),
	}
}

func (n *Node) setRidAt(i int, rid heap.Rid) {
	off := n.entryOffset(i)
	binary.BigEndian.PutUint64(n.p.Data()[off+8:off+16], rid.PageID)
	binary.BigEndian.PutUint16(n.p.Data()[off+16:off+18], rid.Slot)
}

// findKey binary-searches for key among separator keys 1..size-1 (internal) or 0..size-1
// (leaf), returning the insertion index and whether an exact match was found.
func (n *Node) findKey(key Key) (index int, found bool) {
	lo := 0
	if !n.IsLeaf() {
		lo = 1
	}
	hi := n.Size()
	idx := sort.Search(hi-lo, func(i int) bool { return !n.KeyAt(lo+i).Less(key) }) + lo
	if idx < n.Size() && n.KeyAt(idx) == key {
		return idx, true
	}
	return idx, false
}

// ChildIndexFor returns the child pointer index an internal node should descend into for key:
// the last separator index whose key is <= key (or 0 if key is smaller than every separator).
func (n *Node) ChildIndexFor(key Key) int {
	idx, found := n.findKey(key)
	if found {
		return idx
	}
	return idx - 1
}

func (n *Node) shiftRightFrom(i int) {
	for j := n.Size(); j > i; j-- {
		n.copyEntry(j-1, j)
	}
}

func (n *Node) shiftLeftFrom(i int) {
	for j := i; j < n.Size()-1; j++ {
		n.copyEntry(j+1, j)
	}
}

func (n *Node) copyEntry(src, dst int) {
	if n.IsLeaf() {
		n.setKeyAt(dst, n.KeyAt(src))
		n.setRidAt(dst, n.RidAt(src))
	} else {
		n.setKeyAt(dst, n.KeyAt(src))
		n.setChildAt(dst, n.ChildAt(src))
	}
}

// InsertLeafAt inserts (key, rid) at logical index i, shifting entries i..size-1 right by one.
func (n *Node) InsertLeafAt(i int, key Key, rid heap.Rid) {
	n.shiftRightFrom(i)
	n.setKeyAt(i, key)
	n.setRidAt(i, rid)
	n.setSize(n.Size() + 1)
}

// InsertInternalAt inserts separator key at index i with right child pointer child, shifting.
func (n *Node) InsertInternalAt(i int, key Key, child uint64) {
	n.shiftRightFrom(i)
	n.setKeyAt(i, key)
	n.setChildAt(i, child)
	n.setSize(n.Size() + 1)
}

// SetFirstChild sets entry 0's child pointer directly, used when building a brand new root or
// when a merge/redistribute needs to rewrite the left-most pointer without a separator key.
func (n *Node) SetFirstChild(child uint64) {
	if n.Size() == 0 {
		n.setSize(1)
	}
	n.setChildAt(0, child)
}

func (n *Node) DeleteAt(i int) {
	n.shiftLeftFrom(i)
	n.setSize(n.Size() - 1)
}

func (n *Node) IsFull() bool     { return n.Size() >= n.MaxSize() }
func (n *Node) IsSafeForSplit() bool { return n.Size() < n.MaxSize()-1 }

func (n *Node) minSize() int {
	if n.IsLeaf() {
		return (n.MaxSize() + 1) / 2
	}
	return n.MaxSize() / 2
}

func (n *Node) IsUnderflow() bool      { return n.Size() < n.minSize() }
func (n *Node) IsSafeForMerge() bool   { return n.Size() > n.minSize() }
