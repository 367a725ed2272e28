package keelbase

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keelbase/kerrors"
)

func tempPath(t *testing.T) string {
	id, _ := uuid.NewUUID()
	path := id.String()
	t.Cleanup(func() {
		os.Remove(path)
		os.Remove(path + ".log")
	})
	return path
}

func TestOpen_CreatesFreshDatabaseAndTable(t *testing.T) {
	path := tempPath(t)
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	txn := db.Begin()
	tbl, err := db.CreateTable(txn, "users")
	require.NoError(t, err)

	rid, err := tbl.Insert(txn, []byte("alice"))
	require.NoError(t, err)
	require.NoError(t, db.Commit(txn))

	readTxn := db.Begin()
	data, err := tbl.Read(readTxn, rid)
	require.NoError(t, err)
	assert.Equal(t, "alice", string(data))
	require.NoError(t, db.Commit(readTxn))
}

func TestAbort_RollsBackInsert(t *testing.T) {
	path := tempPath(t)
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	setup := db.Begin()
	tbl, err := db.CreateTable(setup, "widgets")
	require.NoError(t, err)
	require.NoError(t, db.Commit(setup))

	txn := db.Begin()
	rid, err := tbl.Insert(txn, []byte("gadget"))
	require.NoError(t, err)
	require.NoError(t, db.Abort(txn))

	readTxn := db.Begin()
	_, err = tbl.Read(readTxn, rid)
	// Abort undoes the WriteInsert entry by calling ApplyDelete, which tombstones the slot, so
	// reading it again should fail rather than return "gadget".
	assert.Error(t, err)
	require.NoError(t, db.Commit(readTxn))
}

func TestAbort_RollsBackUpdate(t *testing.T) {
	path := tempPath(t)
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	setup := db.Begin()
	tbl, err := db.CreateTable(setup, "accounts")
	require.NoError(t, err)
	rid, err := tbl.Insert(setup, []byte("00100"))
	require.NoError(t, err)
	require.NoError(t, db.Commit(setup))

	txn := db.Begin()
	require.NoError(t, tbl.Update(txn, rid, []byte("99999")))
	require.NoError(t, db.Abort(txn))

	readTxn := db.Begin()
	data, err := tbl.Read(readTxn, rid)
	require.NoError(t, err)
	assert.Equal(t, "00100", string(data))
	require.NoError(t, db.Commit(readTxn))
}

func TestReopen_ResumesCatalogAndTableContents(t *testing.T) {
	path := tempPath(t)
	db, err := Open(path)
	require.NoError(t, err)

	txn := db.Begin()
	tbl, err := db.CreateTable(txn, "orders")
	require.NoError(t, err)
	rid, err := tbl.Insert(txn, []byte("order-1"))
	require.NoError(t, err)
	require.NoError(t, db.Commit(txn))
	require.NoError(t, db.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()

	tbl2, err := db2.OpenTable("orders")
	require.NoError(t, err)

	readTxn := db2.Begin()
	data, err := tbl2.Read(readTxn, rid)
	require.NoError(t, err)
	assert.Equal(t, "order-1", string(data))
	require.NoError(t, db2.Commit(readTxn))
}

func TestCreateTable_DuplicateNameIsRejected(t *testing.T) {
	path := tempPath(t)
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	txn := db.Begin()
	_, err = db.CreateTable(txn, "dupes")
	require.NoError(t, err)
	require.NoError(t, db.Commit(txn))

	txn2 := db.Begin()
	_, err = db.CreateTable(txn2, "dupes")
	assert.ErrorIs(t, err, kerrors.ErrTableExists)
	require.NoError(t, db.Abort(txn2))
}

func TestCheckpoint_DoesNotLoseCommittedData(t *testing.T) {
	path := tempPath(t)
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	txn := db.Begin()
	tbl, err := db.CreateTable(txn, "events")
	require.NoError(t, err)
	rid, err := tbl.Insert(txn, []byte("evt-1"))
	require.NoError(t, err)
	require.NoError(t, db.Commit(txn))

	require.NoError(t, db.Checkpoint())

	readTxn := db.Begin()
	data, err := tbl.Read(readTxn, rid)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", string(data))
	require.NoError(t, db.Commit(readTxn))
}
