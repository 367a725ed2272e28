package buffer

import (
	"keelbase/disk"
	"keelbase/storage/page"
)

// ParallelBufferPool fans a workload out across n independent BufferPool shards, each owning the
// page ids congruent to its own index mod n. This removes the single global frame-table mutex in
// BufferPool as a point of contention for workloads that touch many unrelated pages
// concurrently: two threads touching pages in different shards never wait on each other.
type ParallelBufferPool struct {
	d        *disk.Manager
	shards   []*BufferPool
	n        uint64
	freelist Freelist
}

var _ Pool = &ParallelBufferPool{}

// NewParallel builds n shards of poolSize/n frames each over the same disk manager.
func NewParallel(d *disk.Manager, n int, poolSize int, logMgr LogManager) *ParallelBufferPool {
	shards := make([]*BufferPool, n)
	perShard := poolSize / n
	if perShard < 1 {
		perShard = 1
	}
	for i := range shards {
		shards[i] = New(d, perShard, logMgr)
	}
	return &ParallelBufferPool{d: d, shards: shards, n: uint64(n)}
}

func (p *ParallelBufferPool) shardFor(id uint64) *BufferPool {
	return p.shards[id%p.n]
}

func (p *ParallelBufferPool) FetchPage(id uint64) (*page.Page, error) {
	return p.shardFor(id).FetchPage(id)
}

// SetFreelist wires a free-page tracker shared across every shard: an id's residue mod n is fixed
// no matter which shard originally freed it, so Pop's result always routes to the right shard via
// shardFor regardless of which shard it came from.
func (p *ParallelBufferPool) SetFreelist(f Freelist) { p.freelist = f }

// NewPage prefers a freelist-reclaimed id, falling back to allocating a fresh one from the shared
// disk manager, and hands either to the shard that owns id mod n, so a later FetchPage(id) always
// routes to the same shard that created it.
func (p *ParallelBufferPool) NewPage() (*page.Page, error) {
	if p.freelist != nil {
		if id, ok, err := p.freelist.Pop(); err != nil {
			return nil, err
		} else if ok {
			return p.shardFor(id).adoptPage(id)
		}
	}
	id := p.d.AllocatePage()
	return p.shardFor(id).adoptPage(id)
}

func (p *ParallelBufferPool) UnpinPage(id uint64, isDirty bool) error {
	return p.shardFor(id).UnpinPage(id, isDirty)
}

func (p *ParallelBufferPool) FlushPage(id uint64) error {
	return p.shardFor(id).FlushPage(id)
}

func (p *ParallelBufferPool) DeletePage(id uint64) error {
	if err := p.shardFor(id).DeletePage(id); err != nil {
		return err
	}
	if p.freelist != nil {
		return p.freelist.Add(id)
	}
	return nil
}

func (p *ParallelBufferPool) FlushAll() error {
	for _, s := range p.shards {
		if err := s.FlushAll(); err != nil {
			return err
		}
	}
	return nil
}
