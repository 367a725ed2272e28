package disk

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempDiskPath(t *testing.T) string {
	id, _ := uuid.NewUUID()
	path := id.String()
	t.Cleanup(func() {
		os.Remove(path)
		os.Remove(path + ".log")
	})
	return path
}

func TestDiskManager_OpenFreshReportsCreated(t *testing.T) {
	path := tempDiskPath(t)
	m, created, err := Open(path)
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, m.Close())
}

func TestDiskManager_ReopenReportsNotCreated(t *testing.T) {
	path := tempDiskPath(t)
	m, _, err := Open(path)
	require.NoError(t, err)
	p := make([]byte, PageSize)
	p[0] = 7
	id := m.AllocatePage()
	require.NoError(t, m.WritePage(id, p))
	require.NoError(t, m.Close())

	m2, created, err := Open(path)
	require.NoError(t, err)
	defer m2.Close()
	assert.False(t, created)
}

func TestDiskManager_WriteThenReadPageRoundTrips(t *testing.T) {
	path := tempDiskPath(t)
	m, _, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	id := m.AllocatePage()
	out := make([]byte, PageSize)
	copy(out, []byte("some bytes"))
	require.NoError(t, m.WritePage(id, out))

	in := make([]byte, PageSize)
	require.NoError(t, m.ReadPage(id, in))
	assert.Equal(t, out, in)
}

func TestDiskManager_AllocatePageIsStrictlyIncreasing(t *testing.T) {
	path := tempDiskPath(t)
	m, _, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	a := m.AllocatePage()
	b := m.AllocatePage()
	c := m.AllocatePage()
	assert.Equal(t, a+1, b)
	assert.Equal(t, b+1, c)
}

func TestDiskManager_WriteLogThenReadLogRoundTrips(t *testing.T) {
	path := tempDiskPath(t)
	m, _, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	off1, err := m.WriteLog([]byte("first"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), off1)

	off2, err := m.WriteLog([]byte("second"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("first")), off2)

	buf := make([]byte, len("first"))
	n, err := m.ReadLog(buf, off1)
	require.NoError(t, err)
	assert.Equal(t, len("first"), n)
	assert.Equal(t, "first", string(buf))

	assert.Equal(t, int64(len("first")+len("second")), m.LogSize())
}

func TestDiskManager_ReadLogShortReadIsNotAnError(t *testing.T) {
	path := tempDiskPath(t)
	m, _, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.WriteLog([]byte("ab"))
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := m.ReadLog(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "a short read past the end of the log is reported via n, not an error")
}
