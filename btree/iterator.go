package btree

import "keelbase/storage/heap"

// Iterator walks the tree's leaves in ascending key order via the next-leaf pointer, holding a
// read latch on exactly one leaf at a time and releasing it as it advances, per spec §4.5.
type Iterator struct {
	tree *Tree
	leaf *Node
	idx  int
	done bool
}

// Begin returns an iterator positioned at the first entry whose key is >= start. BeginAll scans
// from the very first leaf (it calls Begin with key 0).
func (t *Tree) Begin(start Key) (*Iterator, error) {
	rootID := t.RootID()
	cur, err := t.pager.GetNode(rootID)
	if err != nil {
		return nil, err
	}
	cur.Page().RLatch()

	for !cur.IsLeaf() {
		idx := cur.ChildIndexFor(start)
		childID := cur.ChildAt(idx)
		child, err := t.pager.GetNode(childID)
		if err != nil {
			cur.Page().RUnlatch()
			t.pager.Unpin(cur.ID(), false)
			return nil, err
		}
		child.Page().RLatch()
		cur.Page().RUnlatch()
		t.pager.Unpin(cur.ID(), false)
		cur = child
	}

	idx, _ := cur.findKey(start)
	it := &Iterator{tree: t, leaf: cur, idx: idx}
	it.skipToValidLeaf()
	return it, nil
}

// BeginAll returns an iterator positioned at the very first entry in the tree.
func (t *Tree) BeginAll() (*Iterator, error) { return t.Begin(0) }

// skipToValidLeaf advances across empty or exhausted leaves (possible after deletions) until the
// iterator is either positioned on a real entry or has run off the rightmost leaf.
func (it *Iterator) skipToValidLeaf() {
	for !it.done && it.idx >= it.leaf.Size() {
		next := it.leaf.NextLeaf()
		it.leaf.Page().RUnlatch()
		it.tree.pager.Unpin(it.leaf.ID(), false)
		if next == invalidPointer || next == InvalidPageID {
			it.done = true
			it.leaf = nil
			return
		}
		nextLeaf, err := it.tree.pager.GetNode(next)
		if err != nil {
			it.done = true
			it.leaf = nil
			return
		}
		nextLeaf.Page().RLatch()
		it.leaf = nextLeaf
		it.idx = 0
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return !it.done }

// Key and Rid read the current entry; callers must check Valid first.
func (it *Iterator) Key() Key        { return it.leaf.KeyAt(it.idx) }
func (it *Iterator) Rid() heap.Rid   { return it.leaf.RidAt(it.idx) }

// Next advances the iterator by one entry.
func (it *Iterator) Next() {
	if it.done {
		return
	}
	it.idx++
	it.skipToValidLeaf()
}

// Close releases the iterator's held leaf latch, if any. Safe to call on an exhausted iterator.
func (it *Iterator) Close() {
	if it.done || it.leaf == nil {
		return
	}
	it.leaf.Page().RUnlatch()
	it.tree.pager.Unpin(it.leaf.ID(), false)
	it.done = true
	it.leaf = nil
}
