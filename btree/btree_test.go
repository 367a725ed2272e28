package btree

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keelbase/buffer"
	"keelbase/disk"
	"keelbase/storage/heap"
	"keelbase/wal"
)

func newTestTree(t *testing.T, leafMaxSize, internalMaxSize int) *Tree {
	id, _ := uuid.NewUUID()
	path := id.String()
	t.Cleanup(func() {
		os.Remove(path)
		os.Remove(path + ".log")
	})

	d, _, err := disk.Open(path)
	require.NoError(t, err)
	lm := wal.New(d, 4096, 20*time.Millisecond)
	t.Cleanup(lm.Stop)
	pool := buffer.New(d, 64, lm)

	tree, err := Create(NewPager(pool), leafMaxSize, internalMaxSize)
	require.NoError(t, err)
	return tree
}

// fakeFreelist records every id DeletePage hands it, so a test can tell whether a merged-away
// node's page was actually freed rather than silently leaked.
type fakeFreelist struct {
	ids []uint64
}

func (f *fakeFreelist) Pop() (uint64, bool, error) { return 0, false, nil }
func (f *fakeFreelist) Add(id uint64) error {
	f.ids = append(f.ids, id)
	return nil
}

func newTestTreeWithFreelist(t *testing.T, leafMaxSize, internalMaxSize int) (*Tree, *fakeFreelist) {
	id, _ := uuid.NewUUID()
	path := id.String()
	t.Cleanup(func() {
		os.Remove(path)
		os.Remove(path + ".log")
	})

	d, _, err := disk.Open(path)
	require.NoError(t, err)
	lm := wal.New(d, 4096, 20*time.Millisecond)
	t.Cleanup(lm.Stop)
	pool := buffer.New(d, 64, lm)
	fl := &fakeFreelist{}
	pool.SetFreelist(fl)

	tree, err := Create(NewPager(pool), leafMaxSize, internalMaxSize)
	require.NoError(t, err)
	return tree, fl
}

func TestBTree_InsertAndGetValue(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	for i := uint64(0); i < 50; i++ {
		ok, err := tree.Insert(Key(i), heap.Rid{PageID: i, Slot: uint16(i % 8)})
		require.NoError(t, err)
		require.True(t, ok)
	}

	for i := uint64(0); i < 50; i++ {
		rid, found, err := tree.GetValue(Key(i))
		require.NoError(t, err)
		require.True(t, found, "key %d should be found", i)
		assert.Equal(t, i, rid.PageID)
	}

	_, found, err := tree.GetValue(Key(999))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBTree_DuplicateInsertRejected(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	ok, err := tree.Insert(Key(1), heap.Rid{PageID: 1, Slot: 0})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tree.Insert(Key(1), heap.Rid{PageID: 2, Slot: 0})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBTree_SplitsAcrossMultipleLevels(t *testing.T) {
	// A small max size forces leaf splits, then internal splits, then a new root, exercising
	// propagateSplit's full recursion.
	tree := newTestTree(t, 3, 3)
	rootBefore := tree.RootID()

	const n = 200
	for i := uint64(0); i < n; i++ {
		ok, err := tree.Insert(Key(i), heap.Rid{PageID: i})
		require.NoError(t, err)
		require.True(t, ok)
	}

	assert.NotEqual(t, rootBefore, tree.RootID(), "root should have changed after enough splits")

	for i := uint64(0); i < n; i++ {
		_, found, err := tree.GetValue(Key(i))
		require.NoError(t, err)
		require.True(t, found, "key %d missing after splits", i)
	}
}

func TestBTree_RemoveThenMergesAndStaysConsistent(t *testing.T) {
	tree := newTestTree(t, 3, 3)
	const n = 150
	for i := uint64(0); i < n; i++ {
		ok, err := tree.Insert(Key(i), heap.Rid{PageID: i})
		require.NoError(t, err)
		require.True(t, ok)
	}

	for i := uint64(0); i < n; i += 2 {
		require.NoError(t, tree.Remove(Key(i)))
	}

	for i := uint64(0); i < n; i++ {
		_, found, err := tree.GetValue(Key(i))
		require.NoError(t, err)
		if i%2 == 0 {
			assert.False(t, found, "key %d should have been removed", i)
		} else {
			assert.True(t, found, "key %d should still be present", i)
		}
	}
}

// TestBTree_DeleteCascadeDoesNotHijackRootAboveTrimmedPath guards against collapsing a
// trimmed-to, non-root node as if it were the tree's real root: sadRemove's delete crabbing
// releases every ancestor above the first node it finds safe-for-delete, so the node at the head
// of a merge cascade's path is not always t.RootID(). Forcing a long run of merges well below the
// root, by deleting a large contiguous low-key range, is the shape that used to let
// coalesceOrRedistribute hijack the root pointer and orphan every other subtree.
func TestBTree_DeleteCascadeDoesNotHijackRootAboveTrimmedPath(t *testing.T) {
	tree := newTestTree(t, 3, 3)
	const n = 300
	for i := uint64(0); i < n; i++ {
		ok, err := tree.Insert(Key(i), heap.Rid{PageID: i})
		require.NoError(t, err)
		require.True(t, ok)
	}

	for i := uint64(0); i < n/2; i++ {
		require.NoError(t, tree.Remove(Key(i)))
	}

	root, err := tree.pager.GetNode(tree.RootID())
	require.NoError(t, err)
	if !root.IsLeaf() {
		assert.Greater(t, root.Size(), 1, "the real root must keep more than one child; collapsing a trimmed non-root node must never touch the root pointer")
	}
	require.NoError(t, tree.pager.Unpin(root.ID(), false))

	it, err := tree.BeginAll()
	require.NoError(t, err)
	defer it.Close()

	var seen []uint64
	for it.Valid() {
		seen = append(seen, uint64(it.Key()))
		it.Next()
	}
	want := make([]uint64, 0, n/2)
	for i := uint64(n / 2); i < n; i++ {
		want = append(want, i)
	}
	assert.Equal(t, want, seen, "every surviving key must still be reachable from the root; an orphaned subtree would silently drop some of them")
}

// TestBTree_LeftMergeFreesMergedAwayNodeWithoutLeak guards against rebalance's left-merge case
// calling Pager.Free on node while node was still pinned and write-latched as part of path,
// which used to make the underlying DeletePage fail with ErrPinned and leak the page (the
// right-merge case already unpinned its sibling first, so only the left-merge path could leak).
func TestBTree_LeftMergeFreesMergedAwayNodeWithoutLeak(t *testing.T) {
	tree, fl := newTestTreeWithFreelist(t, 3, 3)
	const n = 300
	for i := uint64(0); i < n; i++ {
		ok, err := tree.Insert(Key(i), heap.Rid{PageID: i})
		require.NoError(t, err)
		require.True(t, ok)
	}

	// Removing a descending run, rather than ascending, repeatedly underflows nodes that still
	// have a left sibling, which rebalance always tries (and therefore merges into) before ever
	// considering a right sibling.
	for i := n - 1; i >= n/2; i-- {
		require.NoError(t, tree.Remove(Key(uint64(i))))
	}

	require.NotEmpty(t, fl.ids, "at least one merged-away node's page must have been freed, not leaked, across this many deletes")

	for i := uint64(0); i < n/2; i++ {
		_, found, err := tree.GetValue(Key(i))
		require.NoError(t, err)
		assert.True(t, found, "key %d should still be present", i)
	}
}

func TestBTree_RemoveMissingKeyIsNoop(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	ok, err := tree.Insert(Key(1), heap.Rid{PageID: 1})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, tree.Remove(Key(999)))

	_, found, err := tree.GetValue(Key(1))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestBTree_IteratorWalksInAscendingOrder(t *testing.T) {
	tree := newTestTree(t, 3, 3)
	keys := []uint64{5, 1, 9, 3, 7, 2, 8, 4, 6, 0}
	for _, k := range keys {
		ok, err := tree.Insert(Key(k), heap.Rid{PageID: k})
		require.NoError(t, err)
		require.True(t, ok)
	}

	it, err := tree.BeginAll()
	require.NoError(t, err)
	defer it.Close()

	var seen []uint64
	for it.Valid() {
		seen = append(seen, uint64(it.Key()))
		it.Next()
	}
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
}

func TestBTree_IteratorBeginSkipsToStartKey(t *testing.T) {
	tree := newTestTree(t, 3, 3)
	for i := uint64(0); i < 20; i++ {
		ok, err := tree.Insert(Key(i), heap.Rid{PageID: i})
		require.NoError(t, err)
		require.True(t, ok)
	}

	it, err := tree.Begin(Key(15))
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Valid())
	assert.Equal(t, Key(15), it.Key())
}
