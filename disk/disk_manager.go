// Package disk is the lowest layer of keelbase: it reads and writes fixed-size pages on a page
// file and appends records to a log file, and hands out strictly increasing page ids. Nothing
// above this package is allowed to open the underlying files directly.
package disk

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"keelbase/common"
	"keelbase/internal/klog"
)

// PageSize is the fixed size, in bytes, of every page keelbase reads or writes. It is a build-time
// constant rather than a configurable one because every on-disk structure (slot arithmetic, btree
// degree tables) is derived from it.
const PageSize = 4096

// InvalidPageID is the sentinel returned in place of a real page id when no page exists.
const InvalidPageID uint64 = ^uint64(0)

// HeaderPageID is reserved for the engine's catalog (index-name -> root-page-id records).
const HeaderPageID uint64 = 0

var log = klog.Component("disk")

// Manager is the disk manager described by spec §4.1: ReadPage/WritePage/AllocatePage/
// DeallocatePage operate on the page file, ReadLog/WriteLog on the append-only log file.
type Manager struct {
	pageFile *os.File
	logFile  *os.File

	nextPageID uint64

	logMu     sync.Mutex
	logOffset int64
}

// Open opens (creating if necessary) the page file at path and the log file at path+".log".
// created reports whether the page file was freshly initialized (so the header page still needs
// formatting) as opposed to an existing file being reopened.
func Open(path string) (mgr *Manager, created bool, err error) {
	pageFile, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, false, errors.Wrap(err, "disk: open page file")
	}

	logFile, err := os.OpenFile(path+".log", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, false, errors.Wrap(err, "disk: open log file")
	}

	st, err := pageFile.Stat()
	if err != nil {
		return nil, false, errors.Wrap(err, "disk: stat page file")
	}

	logSt, err := logFile.Stat()
	if err != nil {
		return nil, false, errors.Wrap(err, "disk: stat log file")
	}

	m := &Manager{pageFile: pageFile, logFile: logFile, logOffset: logSt.Size()}

	if st.Size() == 0 {
		m.nextPageID = HeaderPageID
		log.WithField("path", path).Info("initializing fresh page file")
		return m, true, nil
	}

	m.nextPageID = uint64(st.Size() / int64(PageSize))
	log.WithField("path", path).WithField("pages", m.nextPageID).Info("reopened existing page file")
	return m, false, nil
}

// ReadPage reads exactly PageSize bytes for id into buf, which must be PageSize long.
func (m *Manager) ReadPage(id uint64, buf []byte) error {
	common.Assert(len(buf) == PageSize, "disk: buffer is not exactly PageSize bytes")
	_, err := m.pageFile.ReadAt(buf, int64(id)*int64(PageSize))
	if err != nil {
		return errors.Wrapf(err, "disk: read page %d", id)
	}
	return nil
}

// WritePage writes exactly PageSize bytes for id. Writes are at a fixed offset so concurrent
// writes to different pages never interleave at the syscall level.
func (m *Manager) WritePage(id uint64, buf []byte) error {
	common.Assert(len(buf) == PageSize, "disk: buffer is not exactly PageSize bytes")
	_, err := m.pageFile.WriteAt(buf, int64(id)*int64(PageSize))
	if err != nil {
		return errors.Wrapf(err, "disk: write page %d", id)
	}
	return nil
}

// AllocatePage returns a strictly increasing page id.
func (m *Manager) AllocatePage() uint64 {
	return atomic.AddUint64(&m.nextPageID, 1) - 1
}

// DeallocatePage is advisory: keelbase's disk manager never reclaims file space or id space.
// Reuse is handled one layer up, by the freelist package (see DESIGN.md).
func (m *Manager) DeallocatePage(id uint64) {
	log.WithField("page", id).Debug("deallocate (advisory, no reclamation)")
}

// ReadLog reads up to len(buf) bytes starting at offset and returns the number of bytes actually
// read. A short read (n < len(buf)) is not an error; it is how the recovery scanner discovers it
// has reached a partially-written trailing record.
func (m *Manager) ReadLog(buf []byte, offset int64) (int, error) {
	n, err := m.logFile.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, errors.Wrap(err, "disk: read log")
	}
	return n, nil
}

// WriteLog appends buf to the log file and fsyncs, returning the offset the bytes were written
// at. Appends are serialized so that two concurrent log flushes cannot interleave their bytes.
func (m *Manager) WriteLog(buf []byte) (int64, error) {
	m.logMu.Lock()
	defer m.logMu.Unlock()

	off := m.logOffset
	n, err := m.logFile.WriteAt(buf, off)
	if err != nil {
		return off, errors.Wrap(err, "disk: write log")
	}
	if n != len(buf) {
		return off, errors.New("disk: short log write")
	}
	if err := m.logFile.Sync(); err != nil {
		return off, errors.Wrap(err, "disk: fsync log")
	}
	m.logOffset += int64(n)
	return off, nil
}

// LogSize returns the current length of the log file.
func (m *Manager) LogSize() int64 {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	return m.logOffset
}

// Close closes both underlying files.
func (m *Manager) Close() error {
	if err := m.pageFile.Close(); err != nil {
		return err
	}
	return m.logFile.Close()
}
