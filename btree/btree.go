package btree

import (
	"sync"

	"keelbase/internal/klog"
	"keelbase/storage/heap"
)

var log = klog.Component("btree")

// Tree is a disk-resident B+ tree whose nodes are buffer-pool pages, per spec §4.5.
type Tree struct {
	pager *Pager

	rootMu sync.Mutex
	rootID uint64

	leafMaxSize     int
	internalMaxSize int
}

// Create allocates a fresh, empty leaf page as the tree's sole (root) node.
func Create(pager *Pager, leafMaxSize, internalMaxSize int) (*Tree, error) {
	root, err := pager.NewLeaf(InvalidPageID, leafMaxSize)
	if err != nil {
		return nil, err
	}
	id := root.ID()
	if err := pager.Unpin(id, true); err != nil {
		return nil, err
	}
	return &Tree{pager: pager, rootID: id, leafMaxSize: leafMaxSize, internalMaxSize: internalMaxSize}, nil
}

// Open resumes a tree whose root is already on disk at rootID.
func Open(pager *Pager, rootID uint64, leafMaxSize, internalMaxSize int) *Tree {
	return &Tree{pager: pager, rootID: rootID, leafMaxSize: leafMaxSize, internalMaxSize: internalMaxSize}
}

func (t *Tree) RootID() uint64 {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	return t.rootID
}

func (t *Tree) setRootID(id uint64) {
	t.rootMu.Lock()
	t.rootID = id
	t.rootMu.Unlock()
}

// GetValue traverses root-to-leaf under read latches, releasing the parent's latch as soon as the
// child's is held, and returns the rid for key if present.
func (t *Tree) GetValue(key Key) (heap.Rid, bool, error) {
	for {
		rootID := t.RootID()
		root, err := t.pager.GetNode(rootID)
		if err != nil {
			return heap.Rid{}, false, err
		}
		root.Page().RLatch()
		if t.RootID() != rootID {
			root.Page().RUnlatch()
			t.pager.Unpin(rootID, false)
			continue // root changed underneath us; restart per spec §4.5 rule 4
		}

		cur := root
		for !cur.IsLeaf() {
			idx := cur.ChildIndexFor(key)
			childID := cur.ChildAt(idx)
			child, err := t.pager.GetNode(childID)
			if err != nil {
				cur.Page().RUnlatch()
				t.pager.Unpin(cur.ID(), false)
				return heap.Rid{}, false, err
			}
			child.Page().RLatch()
			cur.Page().RUnlatch()
			t.pager.Unpin(cur.ID(), false)
			cur = child
		}

		idx, found := cur.findKey(key)
		var rid heap.Rid
		if found {
			rid = cur.RidAt(idx)
		}
		cur.Page().RUnlatch()
		t.pager.Unpin(cur.ID(), false)
		return rid, found, nil
	}
}

// isSafeForInsert and isSafeForDelete report whether n can absorb the operation without itself needing to propagate a
// structural change to its parent: size+1 < max_size for insert, size > min_size for delete.
func isSafeForInsert(n *Node) bool { return n.IsSafeForSplit() }
func isSafeForDelete(n *Node) bool { return n.IsSafeForMerge() }

// Insert adds (key, rid). Duplicate keys are rejected, returning (false, nil).
func (t *Tree) Insert(key Key, rid heap.Rid) (bool, error) {
	if ok, err := t.luckyInsert(key, rid); ok || err != nil {
		return ok, err
	}
	return t.sadInsert(key, rid)
}

// luckyInsert is the optimistic attempt: crab read latches down and take only the leaf's latch in
// write mode. It succeeds only when the leaf is not the root and has room, so no ancestor ever needs
// to change.
func (t *Tree) luckyInsert(key Key, rid heap.Rid) (bool, error) {
	rootID := t.RootID()
	root, err := t.pager.GetNode(rootID)
	if err != nil {
		return false, err
	}
	root.Page().RLatch()
	if t.RootID() != rootID {
		root.Page().RUnlatch()
		t.pager.Unpin(rootID, false)
		return false, nil // let the caller fall through to the pessimistic path
	}

	cur := root
	for !cur.IsLeaf() {
		idx := cur.ChildIndexFor(key)
		childID := cur.ChildAt(idx)
		child, err := t.pager.GetNode(childID)
		if err != nil {
			cur.Page().RUnlatch()
			t.pager.Unpin(cur.ID(), false)
			return false, err
		}
		if child.IsLeaf() {
			// Take the leaf's write latch while its parent is still read-latched, so no split
			// can move key's position to another leaf in between.
			child.Page().WLatch()
		} else {
			child.Page().RLatch()
		}
		cur.Page().RUnlatch()
		t.pager.Unpin(cur.ID(), false)
		cur = child
	}

	if cur.ID() == rootID {
		cur.Page().RUnlatch()
		t.pager.Unpin(cur.ID(), false)
		return false, nil
	}
	if !isSafeForInsert(cur) {
		cur.Page().WUnlatch()
		t.pager.Unpin(cur.ID(), false)
		return false, nil
	}

	idx, found := cur.findKey(key)
	if found {
		cur.Page().WUnlatch()
		t.pager.Unpin(cur.ID(), false)
		return false, nil
	}
	cur.InsertLeafAt(idx, key, rid)
	cur.Page().WUnlatch()
	t.pager.Unpin(cur.ID(), true)
	return true, nil
}

// sadInsert is the pessimistic attempt: crab writes down holding a FIFO queue, releasing queued
// ancestors as soon as a child is observed safe, splitting the leaf (and propagating up) if it
// ends up full.
func (t *Tree) sadInsert(key Key, rid heap.Rid) (bool, error) {
	rootID := t.RootID()
	root, err := t.pager.GetNode(rootID)
	if err != nil {
		return false, err
	}
	root.Page().WLatch()
	if t.RootID() != rootID {
		root.Page().WUnlatch()
		t.pager.Unpin(rootID, false)
		return t.sadInsert(key, rid)
	}

	path := []*Node{root}

	cur := root
	for !cur.IsLeaf() {
		idx := cur.ChildIndexFor(key)
		childID := cur.ChildAt(idx)
		child, err := t.pager.GetNode(childID)
		if err != nil {
			t.releasePath(path, false)
			return false, err
		}
		child.Page().WLatch()
		path = append(path, child)

		if isSafeForInsert(child) {
			t.releasePath(path[:len(path)-1], false)
			path = path[len(path)-1:]
		}
		cur = child
	}

	idx, found := cur.findKey(key)
	if found {
		t.releasePath(path, false)
		return false, nil
	}
	cur.InsertLeafAt(idx, key, rid)

	if !cur.IsFull() {
		t.releasePath(path, true)
		return true, nil
	}

	if err := t.propagateSplit(path); err != nil {
		return false, err
	}
	return true, nil
}

// propagateSplit is called with path's last node overflowing (size == max_size) and every node in
// path still write-latched. path[0] is the highest node still held: the root, or a node crabbing
// found safe, which therefore cannot overflow. It splits the overflowing node, inserts the
// separator into its parent (path[i-1]) or creates a new root if the overflowing node was the
// root, releases the level it just split, and recurses upward if that insertion itself overflows
// the parent.
func (t *Tree) propagateSplit(path []*Node) error {
	for i := len(path) - 1; i >= 0; i-- {
		node := path[i]
		if !node.IsFull() {
			break
		}

		sibling, sepKey, err := t.split(node)
		if err != nil {
			t.releasePath(path, true)
			return err
		}

		if i == 0 {
			// node was the root: allocate a new root with two children.
			newRoot, err := t.pager.NewInternal(InvalidPageID, t.internalMaxSize)
			if err != nil {
				t.releasePath(path, true)
				return err
			}
			newRoot.Page().WLatch()
			newRoot.SetFirstChild(node.ID())
			newRoot.InsertInternalAt(1, sepKey, sibling.ID())
			node.SetParentID(newRoot.ID())
			sibling.SetParentID(newRoot.ID())
			t.setRootID(newRoot.ID())
			newRoot.Page().WUnlatch()
			t.pager.Unpin(newRoot.ID(), true)
			sibling.Page().WUnlatch()
			t.pager.Unpin(sibling.ID(), true)
			break
		}

		parent := path[i-1]
		sibling.SetParentID(parent.ID())
		insIdx, _ := parent.findKey(sepKey)
		parent.InsertInternalAt(insIdx, sepKey, sibling.ID())
		sibling.Page().WUnlatch()
		t.pager.Unpin(sibling.ID(), true)
		// Release this level before moving up: splitting the parent reparents its children, which
		// write-latches them, and node is one of those children.
		t.releasePath(path[i:], true)
		path = path[:i]
	}
	t.releasePath(path, true)
	return nil
}

// split moves the upper half of node's entries into a freshly allocated sibling of the same kind
// and returns the sibling (still write-latched and pinned; caller unpins) plus the key that
// should separate node from sibling in their parent.
func (t *Tree) split(node *Node) (*Node, Key, error) {
	if node.IsLeaf() {
		sibling, err := t.pager.NewLeaf(node.ParentID(), t.leafMaxSize)
		if err != nil {
			return nil, 0, err
		}
		sibling.Page().WLatch()
		mid := (node.Size() + 1) / 2 // ceil(size/2) stays on the left, per spec §4.5
		for i := mid; i < node.Size(); i++ {
			sibling.InsertLeafAt(sibling.Size(), node.KeyAt(i), node.RidAt(i))
		}
		for node.Size() > mid {
			node.DeleteAt(node.Size() - 1)
		}
		sibling.SetNextLeaf(node.NextLeaf())
		node.SetNextLeaf(sibling.ID())
		return sibling, sibling.KeyAt(0), nil
	}

	sibling, err := t.pager.NewInternal(node.ParentID(), t.internalMaxSize)
	if err != nil {
		return nil, 0, err
	}
	sibling.Page().WLatch()
	mid := node.Size() / 2
	sepKey := node.KeyAt(mid)
	sibling.SetFirstChild(node.ChildAt(mid))
	for i := mid + 1; i < node.Size(); i++ {
		sibling.InsertInternalAt(sibling.Size(), node.KeyAt(i), node.ChildAt(i))
	}
	t.reparentChildrenOf(sibling)
	for node.Size() > mid {
		node.DeleteAt(node.Size() - 1)
	}
	return sibling, sepKey, nil
}

func (t *Tree) reparentChildrenOf(n *Node) {
	for i := 0; i < n.Size(); i++ {
		child, err := t.pager.GetNode(n.ChildAt(i))
		if err != nil {
			continue
		}
		child.Page().WLatch()
		child.SetParentID(n.ID())
		child.Page().WUnlatch()
		t.pager.Unpin(child.ID(), true)
	}
}

func (t *Tree) releasePath(path []*Node, dirty bool) {
	for _, n := range path {
		n.Page().WUnlatch()
		if err := t.pager.Unpin(n.ID(), dirty); err != nil {
			log.WithError(err).Warn("unpin failed while releasing latch-crabbing path")
		}
	}
}

// Remove deletes key if present. It is a no-op (no error) if the key is absent.
func (t *Tree) Remove(key Key) error {
	if ok, err := t.luckyRemove(key); ok || err != nil {
		return err
	}
	return t.sadRemove(key)
}

func (t *Tree) luckyRemove(key Key) (bool, error) {
	rootID := t.RootID()
	root, err := t.pager.GetNode(rootID)
	if err != nil {
		return false, err
	}
	root.Page().RLatch()
	if t.RootID() != rootID {
		root.Page().RUnlatch()
		t.pager.Unpin(rootID, false)
		return false, nil
	}

	cur := root
	for !cur.IsLeaf() {
		idx := cur.ChildIndexFor(key)
		childID := cur.ChildAt(idx)
		child, err := t.pager.GetNode(childID)
		if err != nil {
			cur.Page().RUnlatch()
			t.pager.Unpin(cur.ID(), false)
			return false, err
		}
		child.Page().RLatch()
		cur.Page().RUnlatch()
		t.pager.Unpin(cur.ID(), false)
		cur = child
	}

	leafIsRoot := cur.ID() == rootID
	cur.Page().RUnlatch()
	cur.Page().WLatch()

	if leafIsRoot || !isSafeForDelete(cur) {
		cur.Page().WUnlatch()
		t.pager.Unpin(cur.ID(), false)
		return false, nil
	}

	idx, found := cur.findKey(key)
	if !found {
		cur.Page().WUnlatch()
		t.pager.Unpin(cur.ID(), false)
		return true, nil // key genuinely absent; not a reason to retry pessimistically
	}
	cur.DeleteAt(idx)
	cur.Page().WUnlatch()
	t.pager.Unpin(cur.ID(), true)
	return true, nil
}

func (t *Tree) sadRemove(key Key) error {
	rootID := t.RootID()
	root, err := t.pager.GetNode(rootID)
	if err != nil {
		return err
	}
	root.Page().WLatch()
	path := []*Node{root}

	cur := root
	for !cur.IsLeaf() {
		idx := cur.ChildIndexFor(key)
		childID := cur.ChildAt(idx)
		child, err := t.pager.GetNode(childID)
		if err != nil {
			t.releasePath(path, false)
			return err
		}
		child.Page().WLatch()
		path = append(path, child)

		if isSafeForDelete(child) {
			t.releasePath(path[:len(path)-1], false)
			path = path[len(path)-1:]
		}
		cur = child
	}

	idx, found := cur.findKey(key)
	if !found {
		t.releasePath(path, false)
		return nil
	}
	cur.DeleteAt(idx)

	if cur.ID() == t.RootID() || !cur.IsUnderflow() {
		t.releasePath(path, true)
		return nil
	}
	return t.coalesceOrRedistribute(path)
}

// coalesceOrRedistribute is called with path's last node underflowing and every node in path
// still write-latched.
func (t *Tree) coalesceOrRedistribute(path []*Node) error {
	for i := len(path) - 1; i >= 0; i-- {
		node := path[i]
		if i == 0 {
			// path[0] is only guaranteed to be the real root when the delete crabbing in sadRemove
			// never found a safe-for-delete node to trim down to; otherwise it is the highest node
			// that was still write-latched, which can be an ordinary internal node. Collapsing it as
			// if it were the root would hijack the tree's actual root pointer and free a page its
			// real parent still references.
			if node.ID() == t.RootID() {
				t.shrinkRootIfNeeded(node)
			}
			break
		}
		if !node.IsUnderflow() {
			break
		}

		parent := path[i-1]
		parentIdx := indexOfChild(parent, node.ID())
		leftID, rightID := uint64(InvalidPageID), uint64(InvalidPageID)
		if parentIdx > 0 {
			leftID = parent.ChildAt(parentIdx - 1)
		}
		if parentIdx < parent.Size()-1 {
			rightID = parent.ChildAt(parentIdx + 1)
		}

		merged, freedSelf, err := t.rebalance(parent, parentIdx, node, leftID, rightID)
		if err != nil {
			t.releasePath(path, true)
			return err
		}
		if !merged {
			break
		}
		if !freedSelf {
			// Release this level before moving up: merging or collapsing the parent reparents
			// its children, which write-latches them, and node is one of those children.
			t.releasePath(path[i:], true)
		}
		// When freedSelf, node's latch and pin were already released and its page freed inside
		// rebalance (the left-merge case consumes node itself), so it is only dropped from path.
		path = path[:i]
		// A merge happened; parent lost an entry and may itself now be underflowing, so
		// continue the loop with i-1 as the new "current" level.
	}
	t.releasePath(path, true)
	return nil
}

func indexOfChild(parent *Node, childID uint64) int {
	for i := 0; i < parent.Size(); i++ {
		if parent.ChildAt(i) == childID {
			return i
		}
	}
	return -1
}

// rebalance works with node's left sibling when it has one, and with its right sibling only when
// it does not (fetching that sibling under a write latch), redistributing one entry across if the
// sibling has room to spare, or merging if not. Returns
// merged=true if node was merged away (so the caller should re-check parent's own underflow), and
// freedSelf=true if node itself (rather than a fetched-fresh sibling) is the page that was
// consumed and freed — the left-merge case moves node's entries into left and frees node, so its
// caller must stop treating it as still latched/pinned on its path.
func (t *Tree) rebalance(parent *Node, nodeIdx int, node *Node, leftID, rightID uint64) (merged, freedSelf bool, err error) {
	if leftID != InvalidPageID {
		left, err := t.pager.GetNode(leftID)
		if err != nil {
			return false, false, err
		}
		left.Page().WLatch()
		if left.Size() > left.minSize() {
			t.redistributeFromLeft(parent, nodeIdx, left, node)
			left.Page().WUnlatch()
			t.pager.Unpin(left.ID(), true)
			return false, false, nil
		}
		t.mergeInto(left, node, parent, nodeIdx-1)
		left.Page().WUnlatch()
		t.pager.Unpin(left.ID(), true)
		// node is merged away here, not left, so unlatch/unpin it before freeing its page,
		// mirroring the right.Page().WUnlatch()+Unpin done before the right-merge Free below.
		// Otherwise Pager.Free's underlying DeletePage sees a nonzero pin count and returns
		// ErrPinned, leaking the page.
		node.Page().WUnlatch()
		t.pager.Unpin(node.ID(), true)
		t.pager.Free(node.ID())
		return true, true, nil
	}

	if rightID != InvalidPageID {
		right, err := t.pager.GetNode(rightID)
		if err != nil {
			return false, false, err
		}
		right.Page().WLatch()
		if right.Size() > right.minSize() {
			t.redistributeFromRight(parent, nodeIdx, node, right)
			right.Page().WUnlatch()
			t.pager.Unpin(right.ID(), true)
			return false, false, nil
		}
		t.mergeInto(node, right, parent, nodeIdx)
		right.Page().WUnlatch()
		t.pager.Unpin(right.ID(), true)
		t.pager.Free(right.ID())
		return true, false, nil
	}

	return false, false, nil // node is the only child; nothing to balance against
}

func (t *Tree) redistributeFromLeft(parent *Node, nodeIdx int, left, node *Node) {
	if node.IsLeaf() {
		last := left.Size() - 1
		node.InsertLeafAt(0, left.KeyAt(last), left.RidAt(last))
		left.DeleteAt(last)
		parent.setKeyAt(nodeIdx, node.KeyAt(0))
		return
	}
	last := left.Size() - 1
	movedChild := left.ChildAt(last)
	node.InsertInternalAt(0, node.KeyAt(0), node.ChildAt(0))
	node.setChildAt(0, movedChild)
	node.setKeyAt(1, parent.KeyAt(nodeIdx))
	parent.setKeyAt(nodeIdx, left.KeyAt(last))
	left.DeleteAt(last)
	t.reparentChild(movedChild, node.ID())
}

func (t *Tree) redistributeFromRight(parent *Node, nodeIdx int, node, right *Node) {
	if node.IsLeaf() {
		node.InsertLeafAt(node.Size(), right.KeyAt(0), right.RidAt(0))
		right.DeleteAt(0)
		parent.setKeyAt(nodeIdx+1, right.KeyAt(0))
		return
	}
	movedChild := right.ChildAt(0)
	sep := parent.KeyAt(nodeIdx + 1)
	node.InsertInternalAt(node.Size(), sep, movedChild)
	parent.setKeyAt(nodeIdx+1, right.KeyAt(1))
	right.setChildAt(0, right.ChildAt(1))
	right.DeleteAt(1)
	t.reparentChild(movedChild, node.ID())
}

// mergeInto moves all of right's entries into left and removes the separator between them from
// parent. parentSepIdx is left's entry index in parent, so the separator that named right's
// subtree is the entry at parentSepIdx+1.
func (t *Tree) mergeInto(left, right, parent *Node, parentSepIdx int) {
	if left.IsLeaf() {
		for i := 0; i < right.Size(); i++ {
			left.InsertLeafAt(left.Size(), right.KeyAt(i), right.RidAt(i))
		}
		left.SetNextLeaf(right.NextLeaf())
	} else {
		sep := parent.KeyAt(parentSepIdx + 1)
		left.InsertInternalAt(left.Size(), sep, right.ChildAt(0))
		t.reparentChild(right.ChildAt(0), left.ID())
		for i := 1; i < right.Size(); i++ {
			left.InsertInternalAt(left.Size(), right.KeyAt(i), right.ChildAt(i))
			t.reparentChild(right.ChildAt(i), left.ID())
		}
	}
	parent.DeleteAt(parentSepIdx + 1)
}

func (t *Tree) reparentChild(childID uint64, parentID uint64) {
	child, err := t.pager.GetNode(childID)
	if err != nil {
		return
	}
	child.Page().WLatch()
	child.SetParentID(parentID)
	child.Page().WUnlatch()
	t.pager.Unpin(childID, true)
}

// shrinkRootIfNeeded collapses an internal root with exactly one child, or discards nothing for
// an empty leaf root (an empty tree is represented by an empty leaf root, not a nil pointer).
func (t *Tree) shrinkRootIfNeeded(root *Node) {
	if root.IsLeaf() {
		return
	}
	if root.Size() != 1 {
		return
	}
	newRootID := root.ChildAt(0)
	newRoot, err := t.pager.GetNode(newRootID)
	if err != nil {
		return
	}
	newRoot.Page().WLatch()
	newRoot.SetParentID(InvalidPageID)
	newRoot.Page().WUnlatch()
	t.pager.Unpin(newRootID, true)
	t.setRootID(newRootID)
	t.pager.Free(root.ID())
}
