// Package freelist tracks deallocated page ids so the buffer pool can reuse them instead of
// growing the file forever. Grounded on the source's freelist package (a header page holding
// head/tail pointers, with each freed page's first 8 bytes repurposed to link to the next freed
// page), kept as an advisory, unlogged structure: see DESIGN.md for why this module does not
// route it through the WAL. A lost free-page entry after a crash is
// not a correctness bug here, only a small space leak (the page remains allocated but unused).
package freelist

import (
	"encoding/binary"
	"sync"

	"keelbase/storage/page"
)

// Pool is the subset of buffer.Pool the free list needs: NewPage to allocate its own header page
// the first time a database is created, and direct FetchPage/UnpinPage access to read and write
// its header and linked pages (bypassing any heap/btree page typing, since a freed page's content
// is whatever was left behind until it's handed back out by Pop).
type Pool interface {
	FetchPage(id uint64) (*page.Page, error)
	UnpinPage(id uint64, isDirty bool) error
	NewPage() (*page.Page, error)
}

// List is an in-memory-cached, page-persisted singly linked list of free page ids: head is popped
// first and tail is where new entries are appended, so ids come back out in the order they were
// added (FIFO). Its own header page id is not a fixed constant (unlike, say, disk's
// reserved page 0) — it is allocated once at Init time and must be persisted by the caller (in the
// catalog, alongside every other root/first-page id) so a later Open can find it again.
type List struct {
	mu   sync.Mutex
	pool Pool

	headerID uint64
	head     uint64
	tail     uint64

	loaded bool
}

const noPage = ^uint64(0)

func New(pool Pool) *List {
	return &List{pool: pool, head: noPage, tail: noPage}
}

// HeaderPageID returns the page id the free list's head/tail pointers live at, for the caller to
// persist.
func (l *List) HeaderPageID() uint64 { return l.headerID }

// Init allocates a fresh header page and formats it empty. Called once when a new database file
// is created; Open covers resuming an existing file whose header page id was persisted earlier.
func (l *List) Init() error {
	p, err := l.pool.NewPage()
	if err != nil {
		return err
	}
	id := p.ID()
	p.WLatch()
	writeHeader(p, noPage, noPage)
	p.WUnlatch()
	if err := l.pool.UnpinPage(id, true); err != nil {
		return err
	}

	l.mu.Lock()
	l.headerID = id
	l.head, l.tail = noPage, noPage
	l.loaded = true
	l.mu.Unlock()
	return nil
}

// Open resumes a free list whose header page is already on disk at headerID.
func (l *List) Open(headerID uint64) {
	l.mu.Lock()
	l.headerID = headerID
	l.loaded = false
	l.mu.Unlock()
}

func (l *List) ensureLoaded() error {
	if l.loaded {
		return nil
	}
	p, err := l.pool.FetchPage(l.headerID)
	if err != nil {
		return err
	}
	p.RLatch()
	head, tail := readHeader(p)
	p.RUnlatch()
	l.pool.UnpinPage(l.headerID, false)
	l.head, l.tail = head, tail
	l.loaded = true
	return nil
}

// Pop removes and returns a page id from the free list, or (0, false) if the list is empty.
func (l *List) Pop() (uint64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLoaded(); err != nil {
		return 0, false, err
	}
	if l.head == noPage {
		return 0, false, nil
	}

	id := l.head
	if l.head == l.tail {
		l.head, l.tail = noPage, noPage
	} else {
		p, err := l.pool.FetchPage(id)
		if err != nil {
			return 0, false, err
		}
		p.RLatch()
		next := binary.BigEndian.Uint64(p.Data()[0:8])
		p.RUnlatch()
		l.pool.UnpinPage(id, false)
		l.head = next
	}
	if err := l.flushHeader(); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Add appends id to the free list's tail, linking it from the previous tail (or making it both
// head and tail if the list was empty).
func (l *List) Add(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLoaded(); err != nil {
		return err
	}

	if l.head == noPage {
		l.head, l.tail = id, id
		return l.flushHeader()
	}

	p, err := l.pool.FetchPage(l.tail)
	if err != nil {
		return err
	}
	p.WLatch()
	binary.BigEndian.PutUint64(p.Data()[0:8], id)
	p.WUnlatch()
	if err := l.pool.UnpinPage(l.tail, true); err != nil {
		return err
	}

	l.tail = id
	return l.flushHeader()
}

func (l *List) flushHeader() error {
	p, err := l.pool.FetchPage(l.headerID)
	if err != nil {
		return err
	}
	p.WLatch()
	writeHeader(p, l.head, l.tail)
	p.WUnlatch()
	return l.pool.UnpinPage(l.headerID, true)
}

func readHeader(p *page.Page) (head, tail uint64) {
	d := p.Data()
	return binary.BigEndian.Uint64(d[0:8]), binary.BigEndian.Uint64(d[8:16])
}

func writeHeader(p *page.Page, head, tail uint64) {
	d := p.Data()
	binary.BigEndian.PutUint64(d[0:8], head)
	binary.BigEndian.PutUint64(d[8:16], tail)
}
