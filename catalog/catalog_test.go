package catalog

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

func newTestCatalog(t *testing.T) (*Catalog, func()) {
	id, _ := uuid.NewUUID()
	path := id.String()

	d, _, err := disk.Open(path)
	require.NoError(t, err)
	lm := wal.New(d, 4096, 50*time.Millisecond)
	pool := buffer.New(d, 8, lm)

	cat, err := Create(pool, lm)
	require.NoError(t, err)

	cleanup := func() {
		lm.Stop()
		d.Close()
		os.Remove(path)
		os.Remove(path + ".log")
	}
	return cat, cleanup
}

func TestCatalog_RegisterAndLookup(t *testing.T) {
	cat, cleanup := newTestCatalog(t)
	defer cleanup()

	oid := cat.ReserveOID()
	ht := &heap.Txn{ID: 1}
	entry, err := cat.Register(ht, "accounts", KindHeapTable, oid, 42)
	require.NoError(t, err)
	assert.Equal(t, oid, entry.OID)

	got, ok := cat.Lookup("accounts")
	require.True(t, ok)
	assert.Equal(t, uint64(42), got.RootPID)
	assert.Equal(t, KindHeapTable, got.Kind)
}

func TestCatalog_ReserveOID_NeverRepeats(t *testing.T) {
	cat, cleanup := newTestCatalog(t)
	defer cleanup()

	seen := map[uint32]bool{}
	for i := 0; i < 20; i++ {
		oid := cat.ReserveOID()
		assert.False(t, seen[oid], "oid %d reserved twice", oid)
		seen[oid] = true
	}
}

func TestCatalog_UpdateRoot(t *testing.T) {
	cat, cleanup := newTestCatalog(t)
	defer cleanup()

	oid := cat.ReserveOID()
	ht := &heap.Txn{ID: 1}
	_, err := cat.Register(ht, "idx", KindBTreeIndex, oid, 7)
	require.NoError(t, err)

	require.NoError(t, cat.UpdateRoot(ht, "idx", 99))
	got, ok := cat.Lookup("idx")
	require.True(t, ok)
	assert.Equal(t, uint64(99), got.RootPID)
}

func TestCatalog_Reopen_RebuildsIndex(t *testing.T) {
	id, _ := uuid.NewUUID()
	path := id.String()
	defer os.Remove(path)
	defer os.Remove(path + ".log")

	d, _, err := disk.Open(path)
	require.NoError(t, err)
	lm := wal.New(d, 4096, 50*time.Millisecond)
	pool := buffer.New(d, 8, lm)

	cat, err := Create(pool, lm)
	require.NoError(t, err)

	ht := &heap.Txn{ID: 1}
	oid1 := cat.ReserveOID()
	_, err = cat.Register(ht, "t1", KindHeapTable, oid1, 5)
	require.NoError(t, err)
	oid2 := cat.ReserveOID()
	_, err = cat.Register(ht, "t2", KindHeapTable, oid2, 9)
	require.NoError(t, err)

	firstPageID := cat.FirstPageID()
	require.NoError(t, pool.FlushAll())
	lm.Stop()
	d.Close()

	d2, _, err := disk.Open(path)
	require.NoError(t, err)
	lm2 := wal.New(d2, 4096, 50*time.Millisecond)
	defer lm2.Stop()
	pool2 := buffer.New(d2, 8, lm2)
	defer d2.Close()

	reopened, err := Open(pool2, lm2, firstPageID)
	require.NoError(t, err)

	e1, ok := reopened.Lookup("t1")
	require.True(t, ok)
	assert.Equal(t, uint64(5), e1.RootPID)

	e2, ok := reopened.Lookup("t2")
	require.True(t, ok)
	assert.Equal(t, uint64(9), e2.RootPID)

	// The next reserved oid must continue above the highest already registered, not restart at 1.
	next := reopened.ReserveOID()
	assert.Greater(t, next, oid2)
}
