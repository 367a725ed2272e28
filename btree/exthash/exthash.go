// Package exthash is keelbase's second index structure: an extendible hash index offering the
// same GetValue/Insert/Remove contract as btree.Tree but O(1) lookup and no ordered iteration.
// Per spec §4.5's supplement, it is a directory page of 2^globalDepth pointers to bucket pages,
// each bucket carrying its own local depth, splitting on overflow and merging on underflow. Unlike
// the B+ tree there is no parent chain below the directory, so no latch crabbing is needed — one
// page latch at a time is always enough to read or mutate a single bucket, and each Index's own
// mutex serializes every Insert and Remove, including the structural changes they trigger
// (directory doubling, bucket split/merge).
package exthash

import (
	"encoding/binary"
	"sync"

	"keelbase/disk"
	"keelbase/kerrors"
	"keelbase/storage/heap"
	"keelbase/storage/page"
)

// Key mirrors btree.Key: a fixed-width integer key, for the same page-layout-simplicity reason.
type Key uint64

const InvalidPageID = disk.InvalidPageID

// Pool is the subset of buffer.Pool the index needs. Defined locally for the same layering
// reason as btree.Pool.
type Pool interface {
	FetchPage(id uint64) (*page.Page, error)
	UnpinPage(id uint64, isDirty bool) error
	NewPage() (*page.Page, error)
	DeletePage(id uint64) error
}

// maxGlobalDepth bounds the directory to 2^8 = 256 pointers (2048 bytes), comfortably inside one
// page; growing past it would need a multi-page directory, which this index does not support.
const maxGlobalDepth = 8

const dirHeaderSize = 2 // globalDepth(2)
const maxDirPointers = 1 << maxGlobalDepth

const bucketHeaderSize = 4 // localDepth(2) + size(2)
const bucketEntrySize = 18 // key(8) + rid.PageID(8) + rid.Slot(2)

func maxBucketSize() int { return (page.DataSize - bucketHeaderSize) / bucketEntrySize }

// hash scrambles k's bits (a splitmix64 finalizer) so that sequential keys, which share the same
// low bits a naive mask would read, still spread across directory slots.
func hash(k Key) uint64 {
	x := uint64(k)
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

func mask(depth int) uint64 {
	if depth == 0 {
		return 0
	}
	return (uint64(1) << depth) - 1
}

// Index is one extendible hash index, rooted at a directory page.
type Index struct {
	pool Pool

	mu    sync.Mutex
	dirID uint64
}

// Create allocates a fresh directory (globalDepth 0, one pointer) over a single empty bucket.
func Create(pool Pool) (*Index, error) {
	bp, err := pool.NewPage()
	if err != nil {
		return nil, err
	}
	formatBucket(bp, 0)
	bucketID := bp.ID()
	if err := pool.UnpinPage(bucketID, true); err != nil {
		return nil, err
	}

	dp, err := pool.NewPage()
	if err != nil {
		return nil, err
	}
	formatDirectory(dp)
	writePointer(dp, 0, bucketID)
	dirID := dp.ID()
	if err := pool.UnpinPage(dirID, true); err != nil {
		return nil, err
	}
	return &Index{pool: pool, dirID: dirID}, nil
}

// Open resumes an existing index whose directory page is already on disk at dirID.
func Open(pool Pool, dirID uint64) *Index {
	return &Index{pool: pool, dirID: dirID}
}

func (idx *Index) DirectoryPageID() uint64 { return idx.dirID }

// GetValue looks up key with no structural locking: a single RLatch on the directory to find the
// bucket, then a single RLatch on the bucket to search its entries.
func (idx *Index) GetValue(key Key) (heap.Rid, bool, error) {
	bucketID, err := idx.bucketFor(key)
	if err != nil {
		return heap.Rid{}, false, err
	}
	bp, err := idx.pool.FetchPage(bucketID)
	if err != nil {
		return heap.Rid{}, false, err
	}
	defer idx.pool.UnpinPage(bucketID, false)
	bp.RLatch()
	defer bp.RUnlatch()
	b := wrapBucket(bp)
	if i, ok := b.find(key); ok {
		return b.ridAt(i), true, nil
	}
	return heap.Rid{}, false, nil
}

// bucketFor reads the directory slot key currently maps to.
func (idx *Index) bucketFor(key Key) (uint64, error) {
	dp, err := idx.pool.FetchPage(idx.dirID)
	if err != nil {
		return 0, err
	}
	defer idx.pool.UnpinPage(idx.dirID, false)
	dp.RLatch()
	defer dp.RUnlatch()
	depth := readDepth(dp)
	ptrIdx := hash(key) & mask(depth)
	return readPointer(dp, int(ptrIdx)), nil
}

// Insert adds key/rid, splitting buckets (and doubling the directory if needed) until the target
// bucket has room. Returns kerrors.ErrDuplicateKey if key is already present.
func (idx *Index) Insert(key Key, rid heap.Rid) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for {
		bucketID, err := idx.bucketFor(key)
		if err != nil {
			return err
		}
		bp, err := idx.pool.FetchPage(bucketID)
		if err != nil {
			return err
		}
		bp.WLatch()
		b := wrapBucket(bp)
		if _, ok := b.find(key); ok {
			bp.WUnlatch()
			idx.pool.UnpinPage(bucketID, false)
			return kerrors.ErrDuplicateKey
		}
		if b.size() < maxBucketSize() {
			b.insert(key, rid)
			bp.WUnlatch()
			return idx.pool.UnpinPage(bucketID, true)
		}
		bp.WUnlatch()
		if err := idx.pool.UnpinPage(bucketID, false); err != nil {
			return err
		}
		if err := idx.splitBucket(bucketID); err != nil {
			return err
		}
	}
}

// splitBucket doubles the directory if the target bucket's local depth has caught up to the
// global depth, then divides the bucket's entries between it and a freshly allocated sibling by
// the bit each key's hash carries at the bucket's (pre-split) local depth.
func (idx *Index) splitBucket(bucketID uint64) error {
	dp, err := idx.pool.FetchPage(idx.dirID)
	if err != nil {
		return err
	}
	dp.WLatch()
	depth := readDepth(dp)

	bp, err := idx.pool.FetchPage(bucketID)
	if err != nil {
		dp.WUnlatch()
		idx.pool.UnpinPage(idx.dirID, false)
		return err
	}
	bp.WLatch()
	b := wrapBucket(bp)
	localDepth := b.localDepth()

	if localDepth == depth {
		if depth >= maxGlobalDepth {
			bp.WUnlatch()
			idx.pool.UnpinPage(bucketID, false)
			dp.WUnlatch()
			idx.pool.UnpinPage(idx.dirID, false)
			return kerrors.ErrOutOfMemory
		}
		span := 1 << depth
		for i := 0; i < span; i++ {
			writePointer(dp, i+span, readPointer(dp, i))
		}
		depth++
		writeDepth(dp, depth)
	}

	nbp, err := idx.pool.NewPage()
	if err != nil {
		bp.WUnlatch()
		idx.pool.UnpinPage(bucketID, false)
		dp.WUnlatch()
		idx.pool.UnpinPage(idx.dirID, false)
		return err
	}
	formatBucket(nbp, localDepth+1)
	sibling := wrapBucket(nbp)

	entries := b.entries()
	b.clear()
	b.setLocalDepth(localDepth + 1)
	for _, e := range entries {
		if (hash(e.key)>>uint(localDepth))&1 == 0 {
			b.insert(e.key, e.rid)
		} else {
			sibling.insert(e.key, e.rid)
		}
	}

	// Every directory slot that currently points at bucketID and whose bit at position
	// localDepth is 1 now belongs to the new sibling; slots with that bit 0 keep pointing at
	// bucketID unchanged.
	siblingID := nbp.ID()
	span := 1 << depth
	for i := 0; i < span; i++ {
		if readPointer(dp, i) == bucketID && (i>>uint(localDepth))&1 == 1 {
			writePointer(dp, i, siblingID)
		}
	}

	bp.WUnlatch()
	idx.pool.UnpinPage(bucketID, true)
	idx.pool.UnpinPage(siblingID, true)
	dp.WUnlatch()
	return idx.pool.UnpinPage(idx.dirID, true)
}

// Remove deletes key if present, returning whether it was found. An emptied bucket is merged back
// into its split image when possible; the directory itself never shrinks back down (global depth
// only grows), which is a deliberate simplification over full extendible-hash contraction — see
// DESIGN.md.
func (idx *Index) Remove(key Key) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	bucketID, err := idx.bucketFor(key)
	if err != nil {
		return false, err
	}
	bp, err := idx.pool.FetchPage(bucketID)
	if err != nil {
		return false, err
	}
	bp.WLatch()
	b := wrapBucket(bp)
	i, ok := b.find(key)
	if !ok {
		bp.WUnlatch()
		idx.pool.UnpinPage(bucketID, false)
		return false, nil
	}
	b.deleteAt(i)
	empty := b.size() == 0
	localDepth := b.localDepth()
	bp.WUnlatch()
	if err := idx.pool.UnpinPage(bucketID, true); err != nil {
		return false, err
	}

	if empty && localDepth > 0 {
		if err := idx.tryMerge(bucketID, localDepth); err != nil {
			return true, err
		}
	}
	return true, nil
}

// tryMerge looks for bucketID's split image (the bucket every directory slot pointed at before
// bucketID was split off from it) and, if that buddy has the same local depth, folds bucketID's
// directory slots onto it and frees bucketID.
func (idx *Index) tryMerge(bucketID uint64, localDepth int) error {
	dp, err := idx.pool.FetchPage(idx.dirID)
	if err != nil {
		return err
	}
	dp.WLatch()
	defer dp.WUnlatch()
	defer idx.pool.UnpinPage(idx.dirID, true)

	depth := readDepth(dp)
	span := 1 << depth

	buddyID := uint64(0)
	found := false
	for i := 0; i < span; i++ {
		if readPointer(dp, i) == bucketID {
			buddy := i ^ (1 << uint(localDepth-1))
			buddyID = readPointer(dp, buddy)
			found = true
			break
		}
	}
	if !found || buddyID == bucketID {
		return nil
	}

	bup, err := idx.pool.FetchPage(buddyID)
	if err != nil {
		return err
	}
	bup.RLatch()
	buddyDepth := wrapBucket(bup).localDepth()
	bup.RUnlatch()
	idx.pool.UnpinPage(buddyID, false)
	if buddyDepth != localDepth {
		return nil
	}

	for i := 0; i < span; i++ {
		if readPointer(dp, i) == bucketID {
			writePointer(dp, i, buddyID)
		}
	}

	bup2, err := idx.pool.FetchPage(buddyID)
	if err != nil {
		return err
	}
	bup2.WLatch()
	wrapBucket(bup2).setLocalDepth(localDepth - 1)
	bup2.WUnlatch()
	if err := idx.pool.UnpinPage(buddyID, true); err != nil {
		return err
	}

	return idx.pool.DeletePage(bucketID)
}

// directory layout: globalDepth(2) followed by maxDirPointers page ids (8 bytes each, big-endian).

func formatDirectory(p *page.Page) {
	p.SetType(page.TypeHashDirectory)
	writeDepth(p, 0)
}

func readDepth(p *page.Page) int {
	return int(binary.BigEndian.Uint16(p.Data()[0:2]))
}

func writeDepth(p *page.Page, depth int) {
	binary.BigEndian.PutUint16(p.Data()[0:2], uint16(depth))
}

func readPointer(p *page.Page, i int) uint64 {
	off := dirHeaderSize + i*8
	return binary.BigEndian.Uint64(p.Data()[off : off+8])
}

func writePointer(p *page.Page, i int, id uint64) {
	off := dirHeaderSize + i*8
	binary.BigEndian.PutUint64(p.Data()[off:off+8], id)
}

// bucket layout: localDepth(2) + size(2) followed by size entries of key(8)+rid(10).

type bucketEntry struct {
	key Key
	rid heap.Rid
}

type bucket struct {
	p *page.Page
}

func wrapBucket(p *page.Page) *bucket { return &bucket{p: p} }

func formatBucket(p *page.Page, localDepth int) *bucket {
	p.SetType(page.TypeHashBucket)
	b := &bucket{p: p}
	b.setLocalDepth(localDepth)
	b.setSize(0)
	return b
}

func (b *bucket) localDepth() int { return int(binary.BigEndian.Uint16(b.p.Data()[0:2])) }

func (b *bucket) setLocalDepth(d int) { binary.BigEndian.PutUint16(b.p.Data()[0:2], uint16(d)) }

func (b *bucket) size() int { return int(binary.BigEndian.Uint16(b.p.Data()[2:4])) }

func (b *bucket) setSize(s int) { binary.BigEndian.PutUint16(b.p.Data()[2:4], uint16(s)) }

func (b *bucket) entryOffset(i int) int { return bucketHeaderSize + i*bucketEntrySize }

func (b *bucket) keyAt(i int) Key {
	off := b.entryOffset(i)
	return Key(binary.BigEndian.Uint64(b.p.Data()[off : off+8]))
}

func (b *bucket) ridAt(i int) heap.Rid {
	off := b.entryOffset(i)
	return heap.Rid{
		PageID: binary.BigEndian.Uint64(b.p.Data()[off+8 : off+16]),
		Slot:   binary.BigEndian.Uint16(b.p.Data()[off+16 : off+18]),
	}
}

func (b *bucket) setEntryAt(i int, key Key, rid heap.Rid) {
	off := b.entryOffset(i)
	binary.BigEndian.PutUint64(b.p.Data()[off:off+8], uint64(key))
	binary.BigEndian.PutUint64(b.p.Data()[off+8:off+16], rid.PageID)
	binary.BigEndian.PutUint16(b.p.Data()[off+16:off+18], rid.Slot)
}

func (b *bucket) find(key Key) (int, bool) {
	for i := 0; i < b.size(); i++ {
		if b.keyAt(i) == key {
			return i, true
		}
	}
	return 0, false
}

func (b *bucket) insert(key Key, rid heap.Rid) {
	i := b.size()
	b.setEntryAt(i, key, rid)
	b.setSize(i + 1)
}

func (b *bucket) deleteAt(i int) {
	n := b.size()
	for j := i; j < n-1; j++ {
		b.setEntryAt(j, b.keyAt(j+1), b.ridAt(j+1))
	}
	b.setSize(n - 1)
}

func (b *bucket) entries() []bucketEntry {
	out := make([]bucketEntry, b.size())
	for i := range out {
		out[i] = bucketEntry{key: b.keyAt(i), rid: b.ridAt(i)}
	}
	return out
}

func (b *bucket) clear() { b.setSize(0) }
