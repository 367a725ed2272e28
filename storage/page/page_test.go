package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPage_NewIsZeroedAndClean(t *testing.T) {
	p := New(7)
	assert.Equal(t, uint64(7), p.ID())
	assert.False(t, p.IsDirty())
	assert.Equal(t, TypeInvalid, p.Type())
	assert.Equal(t, ZeroLSN, p.LSN())
}

func TestPage_TypeAndLSNRoundTrip(t *testing.T) {
	p := New(1)
	p.SetType(TypeHeap)
	p.SetLSN(LSN(42))
	assert.Equal(t, TypeHeap, p.Type())
	assert.Equal(t, LSN(42), p.LSN())
}

func TestPage_DataExcludesHeader(t *testing.T) {
	p := New(1)
	assert.Equal(t, DataSize, len(p.Data()))
	assert.Equal(t, headerSize+DataSize, len(p.Whole()))
}

func TestPage_DirtyFlag(t *testing.T) {
	p := New(1)
	p.SetDirty()
	assert.True(t, p.IsDirty())
	p.SetClean()
	assert.False(t, p.IsDirty())
}

func TestPage_ResetClearsContentAndIdentity(t *testing.T) {
	p := New(1)
	p.SetType(TypeBTreeLeaf)
	p.SetLSN(LSN(99))
	p.SetDirty()
	copy(p.Data(), []byte("leftover"))

	p.Reset(5)

	assert.Equal(t, uint64(5), p.ID())
	assert.False(t, p.IsDirty())
	assert.Equal(t, TypeInvalid, p.Type())
	assert.Equal(t, ZeroLSN, p.LSN())
	for _, b := range p.Whole() {
		assert.Equal(t, byte(0), b)
	}
}

func TestPage_TryRLatchFailsWhileWriteLatched(t *testing.T) {
	p := New(1)
	p.WLatch()
	assert.False(t, p.TryRLatch())
	p.WUnlatch()
	assert.True(t, p.TryRLatch())
	p.RUnlatch()
}
