package recovery

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

func TestRecovery_UndoesUncommittedInsert_KeepsCommittedInsert(t *testing.T) {
	id, _ := uuid.NewUUID()
	path := id.String()
	defer os.Remove(path)
	defer os.Remove(path + ".log")

	d, _, err := disk.Open(path)
	require.NoError(t, err)
	lm := wal.New(d, 4096, 20*time.Millisecond)
	pool := buffer.New(d, 16, lm)

	th, err := heap.Create(pool, lm, 1)
	require.NoError(t, err)

	committed := &heap.Txn{ID: 1}
	committedRid, err := th.Insert(committed, []byte("survives"))
	require.NoError(t, err)
	lm.AppendCommit(committed.ID, committed.LastLSN)
	require.NoError(t, lm.Flush())

	loser := &heap.Txn{ID: 2}
	loserRid, err := th.Insert(loser, []byte("should-vanish"))
	require.NoError(t, err)
	require.NoError(t, lm.Flush()) // the insert's log record reaches disk, but no COMMIT ever does

	// Simulate an unclean shutdown after the dirty heap page itself made it to disk (STEAL is
	// allowed; a page can be written back before its modifying transaction commits) but before
	// anyone closed the database cleanly.
	require.NoError(t, pool.FlushAll())
	firstPageID := th.FirstPageID()
	lm.Stop()
	require.NoError(t, d.Close())

	d2, created, err := disk.Open(path)
	require.NoError(t, err)
	require.False(t, created)
	lm2 := wal.New(d2, 4096, 20*time.Millisecond)
	defer lm2.Stop()
	pool2 := buffer.New(d2, 16, lm2)
	defer d2.Close()

	rec := New(d2, pool2, lm2)
	require.NoError(t, rec.Run())

	th2, err := heap.Open(pool2, lm2, 1, firstPageID)
	require.NoError(t, err)

	data, err := th2.Read(committedRid)
	require.NoError(t, err)
	assert.Equal(t, "survives", string(data))

	_, err = th2.Read(loserRid)
	assert.Error(t, err, "uncommitted insert should have been undone by recovery")
}
