// Package kerrors names the error kinds spec §7 requires callers to be able to distinguish.
// Every sentinel here is checked with errors.Is. Call sites return the sentinel itself, unwrapped;
// github.com/pkg/errors.Wrap is used only by the disk manager, on its own I/O errors.
package kerrors

import "github.com/pkg/errors"

var (
	// ErrOutOfMemory is returned when the buffer pool cannot provide a frame for a requested
	// page: every frame is pinned and the free list is empty.
	ErrOutOfMemory = errors.New("OUT_OF_MEMORY: buffer pool has no evictable frame")

	// ErrLockOnShrinking is a 2PL violation: a txn in the SHRINKING phase requested a new lock.
	ErrLockOnShrinking = errors.New("LOCK_ON_SHRINKING: transaction already released a lock")

	// ErrLockSharedOnReadUncommitted is raised when a READ_UNCOMMITTED txn requests a shared lock.
	ErrLockSharedOnReadUncommitted = errors.New("LOCKSHARED_ON_READ_UNCOMMITTED: shared locks are not taken under READ_UNCOMMITTED")

	// ErrUpgradeConflict is raised when a second txn tries to upgrade its shared lock on the same
	// rid while an upgrade is already in flight.
	ErrUpgradeConflict = errors.New("UPGRADE_CONFLICT: another transaction is already upgrading this rid")

	// ErrDeadlock is raised to a waiter whose transaction was chosen as the deadlock victim.
	ErrDeadlock = errors.New("DEADLOCK: transaction was aborted to break a cycle")

	// ErrShortRead marks an incomplete trailing log record; the recovery scanner treats it as
	// "end of the valid log" rather than a fatal error.
	ErrShortRead = errors.New("short read: incomplete trailing log record")

	// ErrNotResident is returned by buffer pool operations that require a page to already be
	// resident (UnpinPage, FlushPage) when it is not.
	ErrNotResident = errors.New("page is not resident in the buffer pool")

	// ErrPinned is returned by DeletePage when the target page is still pinned by someone.
	ErrPinned = errors.New("page is pinned and cannot be deleted")

	// ErrDuplicateKey is returned by btree/hash Insert when the key already exists.
	ErrDuplicateKey = errors.New("key already exists")

	// ErrKeyNotFound is returned by GetValue/Remove when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrTableExists is returned by DB.CreateTable when name is already registered in the catalog.
	ErrTableExists = errors.New("table already exists")
)
