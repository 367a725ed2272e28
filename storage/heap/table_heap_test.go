package heap_test

import (
	"fmt"
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

func newTestHeap(t *testing.T) (*heap.TableHeap, heap.Pool, heap.Logger, func()) {
	id, _ := uuid.NewUUID()
	path := id.String()

	d, _, err := disk.Open(path)
	require.NoError(t, err)
	lm := wal.New(d, 4096, 50*time.Millisecond)
	pool := buffer.New(d, 8, lm)

	th, err := heap.Create(pool, lm, 1)
	require.NoError(t, err)

	cleanup := func() {
		lm.Stop()
		d.Close()
		os.Remove(path)
		os.Remove(path + ".log")
	}
	return th, pool, lm, cleanup
}

func TestTableHeap_InsertAndRead(t *testing.T) {
	th, _, _, cleanup := newTestHeap(t)
	defer cleanup()

	txn := &heap.Txn{ID: 1}
	rids := make([]heap.Rid, 0, 50)
	for i := 0; i < 50; i++ {
		rid, err := th.Insert(txn, []byte(fmt.Sprintf("row-%d", i)))
		require.NoError(t, err)
		rids = append(rids, rid)
	}

	for i, rid := range rids {
		data, err := th.Read(rid)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("row-%d", i), string(data))
	}
}

func TestTableHeap_SpillsAcrossPages(t *testing.T) {
	th, _, _, cleanup := newTestHeap(t)
	defer cleanup()

	txn := &heap.Txn{ID: 1}
	big := make([]byte, 500)
	seen := map[uint64]bool{}
	for i := 0; i < 100; i++ {
		rid, err := th.Insert(txn, big)
		require.NoError(t, err)
		seen[rid.PageID] = true
	}
	assert.Greater(t, len(seen), 1, "expected inserts to spill onto more than one page")
}

func TestTableHeap_MarkDeleteThenRollback(t *testing.T) {
	th, _, _, cleanup := newTestHeap(t)
	defer cleanup()

	txn := &heap.Txn{ID: 1}
	rid, err := th.Insert(txn, []byte("hello"))
	require.NoError(t, err)

	require.NoError(t, th.MarkDelete(txn, rid))
	// RollbackDelete should make the tuple readable again.
	require.NoError(t, th.RollbackDelete(txn, rid))

	data, err := th.Read(rid)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestTableHeap_Iterate_SkipsTombstoned(t *testing.T) {
	th, _, _, cleanup := newTestHeap(t)
	defer cleanup()

	txn := &heap.Txn{ID: 1}
	var toDelete heap.Rid
	for i := 0; i < 5; i++ {
		rid, err := th.Insert(txn, []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
		if i == 2 {
			toDelete = rid
		}
	}
	require.NoError(t, th.MarkDelete(txn, toDelete))

	count := 0
	require.NoError(t, th.Iterate(func(rid heap.Rid, tuple []byte) bool {
		count++
		return true
	}))
	assert.Equal(t, 4, count)
}

func TestTableHeap_Update(t *testing.T) {
	th, _, _, cleanup := newTestHeap(t)
	defer cleanup()

	txn := &heap.Txn{ID: 1}
	rid, err := th.Insert(txn, []byte("xxxxx"))
	require.NoError(t, err)

	require.NoError(t, th.Update(txn, rid, []byte("yyyyy")))
	data, err := th.Read(rid)
	require.NoError(t, err)
	assert.Equal(t, "yyyyy", string(data))
}

func TestTableHeap_OpenResumesPageChain(t *testing.T) {
	th, pool, lm, cleanup := newTestHeap(t)
	defer cleanup()

	txn := &heap.Txn{ID: 1}
	big := make([]byte, 500)
	for i := 0; i < 60; i++ {
		_, err := th.Insert(txn, big)
		require.NoError(t, err)
	}

	reopened, err := heap.Open(pool, lm, 1, th.FirstPageID())
	require.NoError(t, err)

	count := 0
	require.NoError(t, reopened.Iterate(func(rid heap.Rid, tuple []byte) bool {
		count++
		return true
	}))
	assert.Equal(t, 60, count)
}
