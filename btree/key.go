// Package btree is keelbase's B+ tree index: fixed-degree internal and leaf pages sharing a
// common header, reached through the buffer pool with latch crabbing, per spec §4.5. Grounded on
// the source's btree package (the Node interface's shape, BufferPoolPager, and FindAndGetStack's
// optimistic/pessimistic traversal) but rewritten over a fixed uint64 key instead of the source's
// generic common.Key interface, so keys pack into a page at a fixed stride without a boxed
// comparator call per entry (see DESIGN.md).
package btree

// Key is the tree's sort key. keelbase indexes fixed-width integer keys; a variable-length key
// type would need its own page layout (see the supplemented btree/exthash package for a second
// index structure with a different tradeoff: O(1) lookup, no ordered scan).
type Key uint64

func (k Key) Less(other Key) bool { return k < other }
