// Package buffer is keelbase's buffer pool: a fixed set of frames backed by a disk.Manager, with
// pin counts, a dirty bit, and the WAL-force-before-write-back rule from spec §4.2/§6 (a dirty
// page is never written to disk while log records up to its page LSN are still only buffered).
package buffer

import (
	"sync"

	"keelbase/disk"
	"keelbase/internal/klog"
	"keelbase/kerrors"
	"keelbase/storage/page"
)

// Freelist is the subset of freelist.List the buffer pool needs to reuse deallocated page ids
// instead of always growing the file. Kept local for the same layering reason as LogManager.
type Freelist interface {
	Pop() (id uint64, ok bool, err error)
	Add(id uint64) error
}

var log = klog.Component("buffer")

// Pool is the interface storage/heap and btree depend on; BufferPool and ParallelBufferPool both
// satisfy it.
type Pool interface {
	FetchPage(id uint64) (*page.Page, error)
	UnpinPage(id uint64, isDirty bool) error
	NewPage() (*page.Page, error)
	FlushPage(id uint64) error
	DeletePage(id uint64) error
	FlushAll() error
}

// LogManager is the subset of wal.LogManager the buffer pool needs for the force rule. Kept
// local, as in storage/heap, so buffer does not import wal (wal has no reason to import buffer,
// but recovery depends on both, and this keeps the dependency graph a DAG with buffer as a leaf).
type LogManager interface {
	FlushedLSN() uint32
	Flush() error
}

type frame struct {
	p        *page.Page
	pinCount int
}

// BufferPool is one shard: poolSize frames, one disk manager, one replacer.
type BufferPool struct {
	disk     *disk.Manager
	logMgr   LogManager
	freelist Freelist
	poolSize int

	mu        sync.Mutex
	frames    []*frame
	pageTable map[uint64]int
	freeList  []int
	replacer  Replacer
}

var _ Pool = &BufferPool{}

// New builds a buffer pool of poolSize frames over disk. logMgr may be nil if the caller has no
// force-before-write-back rule to enforce (writeBack simply skips the flush check in that case).
func New(d *disk.Manager, poolSize int, logMgr LogManager) *BufferPool {
	free := make([]int, poolSize)
	for i := range free {
		free[i] = i
	}
	return &BufferPool{
		disk:      d,
		logMgr:    logMgr,
		poolSize:  poolSize,
		frames:    make([]*frame, poolSize),
		pageTable: make(map[uint64]int, poolSize),
		freeList:  free,
		replacer:  NewLRUReplacer(poolSize),
	}
}

// SetFreelist wires a free-page tracker in: once set, NewPage prefers a reclaimed id over growing
// the file, and DeletePage hands the freed id back to it instead of leaving it permanently
// unreclaimed.
func (b *BufferPool) SetFreelist(f Freelist) { b.freelist = f }

// FetchPage returns the page for id, pinned, reading it from disk if not already resident.
// Callers must UnpinPage exactly once per successful FetchPage/NewPage.
func (b *BufferPool) FetchPage(id uint64) (*page.Page, error) {
	b.mu.Lock()

	if idx, ok := b.pageTable[id]; ok {
		b.pin(idx)
		p := b.frames[idx].p
		b.mu.Unlock()
		return p, nil
	}

	idx, err := b.allocFrame()
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	fr := b.frames[idx]
	fr.p.Reset(id)
	b.pageTable[id] = idx
	b.pin(idx)

	// b.mu stays held across the read itself, per spec §5: a concurrent FetchPage(id) must not be
	// able to observe this frame's mapping and hand back fr.p until the page is fully loaded, or
	// it would return a torn, half-read page to its caller.
	if err := b.disk.ReadPage(id, fr.p.Whole()); err != nil {
		delete(b.pageTable, id)
		b.unpinLocked(idx, false)
		b.freeList = append(b.freeList, idx)
		b.mu.Unlock()
		return nil, err
	}
	b.mu.Unlock()
	return fr.p, nil
}

// NewPage allocates a page id, preferring one the freelist has reclaimed over growing the file,
// gives it a pinned frame, and returns it zeroed.
func (b *BufferPool) NewPage() (*page.Page, error) {
	if b.freelist != nil {
		if id, ok, err := b.freelist.Pop(); err != nil {
			return nil, err
		} else if ok {
			return b.adoptPage(id)
		}
	}
	return b.adoptPage(b.disk.AllocatePage())
}

// adoptPage gives an already-allocated page id (one the caller obtained from the disk manager
// itself, e.g. ParallelBufferPool routing an id to its owning shard) a pinned frame in this pool.
func (b *BufferPool) adoptPage(id uint64) (*page.Page, error) {
	b.mu.Lock()
	idx, err := b.allocFrame()
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	fr := b.frames[idx]
	fr.p.Reset(id)
	b.pageTable[id] = idx
	b.pin(idx)
	b.mu.Unlock()
	return fr.p, nil
}

// allocFrame returns a frame index ready to take on a new page identity, evicting if necessary.
// Caller must hold b.mu.
func (b *BufferPool) allocFrame() (int, error) {
	if len(b.freeList) > 0 {
		idx := b.freeList[len(b.freeList)-1]
		b.freeList = b.freeList[:len(b.freeList)-1]
		if b.frames[idx] == nil {
			b.frames[idx] = &frame{p: page.New(0)}
		}
		return idx, nil
	}

	victimIdx, ok := b.replacer.ChooseVictim()
	if !ok {
		return 0, kerrors.ErrOutOfMemory
	}
	victim := b.frames[victimIdx]
	if victim.pinCount != 0 {
		panic("buffer: chosen victim has nonzero pin count")
	}

	if victim.p.IsDirty() {
		if err := b.writeBackLocked(victim); err != nil {
			return 0, err
		}
	}
	delete(b.pageTable, victim.p.ID())
	return victimIdx, nil
}

// pin increments a frame's pin count. Caller must hold b.mu.
func (b *BufferPool) pin(idx int) {
	fr := b.frames[idx]
	fr.pinCount++
	b.replacer.Pin(idx)
}

// UnpinPage decrements id's pin count, marking it dirty if requested, and makes it eligible for
// eviction once the count reaches zero.
func (b *BufferPool) UnpinPage(id uint64, isDirty bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.pageTable[id]
	if !ok {
		return kerrors.ErrNotResident
	}
	if isDirty {
		b.frames[idx].p.SetDirty()
	}
	return b.unpinLocked(idx, isDirty)
}

func (b *BufferPool) unpinLocked(idx int, isDirty bool) error {
	fr := b.frames[idx]
	if isDirty {
		fr.p.SetDirty()
	}
	if fr.pinCount <= 0 {
		panic("buffer: unpin called with nonpositive pin count")
	}
	fr.pinCount--
	if fr.pinCount == 0 {
		b.replacer.Unpin(idx)
	}
	return nil
}

// FlushPage force-writes id's current content to disk regardless of its dirty bit, after forcing
// the log up to its page LSN. Used by checkpointing.
func (b *BufferPool) FlushPage(id uint64) error {
	b.mu.Lock()
	idx, ok := b.pageTable[id]
	if !ok {
		b.mu.Unlock()
		return kerrors.ErrNotResident
	}
	fr := b.frames[idx]
	b.mu.Unlock()

	if err := b.writeBack(fr); err != nil {
		return err
	}
	fr.p.SetClean()
	return nil
}

// writeBackLocked forces the WAL up to the frame's page LSN, then writes the frame to disk.
// Caller holds b.mu.
func (b *BufferPool) writeBackLocked(fr *frame) error {
	return b.writeBack(fr)
}

func (b *BufferPool) writeBack(fr *frame) error {
	if b.logMgr != nil && uint32(fr.p.LSN()) > b.logMgr.FlushedLSN() {
		if err := b.logMgr.Flush(); err != nil {
			return err
		}
	}
	if err := b.disk.WritePage(fr.p.ID(), fr.p.Whole()); err != nil {
		return err
	}
	fr.p.SetClean()
	return nil
}

// DeletePage removes id from the pool and returns its frame to the free list, deallocating id
// regardless of whether it was resident. Fails with ErrPinned if anyone still holds it pinned.
func (b *BufferPool) DeletePage(id uint64) error {
	b.mu.Lock()

	idx, ok := b.pageTable[id]
	if !ok {
		b.mu.Unlock()
		return b.deallocate(id)
	}
	if b.frames[idx].pinCount != 0 {
		b.mu.Unlock()
		return kerrors.ErrPinned
	}
	delete(b.pageTable, id)
	b.frames[idx].p.SetClean()
	b.freeList = append(b.freeList, idx)
	b.mu.Unlock()

	return b.deallocate(id)
}

func (b *BufferPool) deallocate(id uint64) error {
	if b.freelist != nil {
		return b.freelist.Add(id)
	}
	b.disk.DeallocatePage(id)
	return nil
}

// FlushAll force-writes every currently resident dirty page to disk. Used at clean shutdown and
// by checkpointing.
func (b *BufferPool) FlushAll() error {
	if b.logMgr != nil {
		if err := b.logMgr.Flush(); err != nil {
			return err
		}
	}

	b.mu.Lock()
	ids := make([]uint64, 0, len(b.pageTable))
	for id := range b.pageTable {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.mu.Lock()
		idx, ok := b.pageTable[id]
		if !ok {
			b.mu.Unlock()
			continue
		}
		fr := b.frames[idx]
		dirty := fr.p.IsDirty()
		b.mu.Unlock()

		if !dirty {
			continue
		}
		if err := b.writeBack(fr); err != nil {
			return err
		}
	}
	return nil
}
