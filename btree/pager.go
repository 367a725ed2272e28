package btree

import (
	"keelbase/disk"
	"keelbase/storage/page"
)

// Pool is the subset of buffer.Pool the tree needs. Defined locally for the same layering reason
// as storage/heap.Pool: btree must not depend on the buffer package's concrete type.
type Pool interface {
	FetchPage(id uint64) (*page.Page, error)
	UnpinPage(id uint64, isDirty bool) error
	NewPage() (*page.Page, error)
	DeletePage(id uint64) error
}

// Pager fetches and creates tree nodes through a buffer pool, grounded on the source's
// BufferPoolPager.
type Pager struct {
	pool Pool
}

func NewPager(pool Pool) *Pager { return &Pager{pool: pool} }

func (p *Pager) GetNode(id uint64) (*Node, error) {
	pg, err := p.pool.FetchPage(id)
	if err != nil {
		return nil, err
	}
	return Wrap(pg), nil
}

func (p *Pager) Unpin(id uint64, dirty bool) error { return p.pool.UnpinPage(id, dirty) }

func (p *Pager) NewInternal(parent uint64, maxSize int) (*Node, error) {
	pg, err := p.pool.NewPage()
	if err != nil {
		return nil, err
	}
	return FormatInternal(pg, parent, maxSize), nil
}

func (p *Pager) NewLeaf(parent uint64, maxSize int) (*Node, error) {
	pg, err := p.pool.NewPage()
	if err != nil {
		return nil, err
	}
	return FormatLeaf(pg, parent, maxSize), nil
}

func (p *Pager) Free(id uint64) error { return p.pool.DeletePage(id) }

const InvalidPageID = disk.InvalidPageID
