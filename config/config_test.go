package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_DefaultIsUsableStandalone(t *testing.T) {
	o := Default()
	assert.Greater(t, o.PoolSize, 0)
	assert.Equal(t, 1, o.ParallelPools)
	assert.Equal(t, RepeatableRead, o.DefaultIsolationLevel)
}

func TestConfig_ApplyWithNoOptionsReturnsDefault(t *testing.T) {
	assert.Equal(t, Default(), Apply())
}

func TestConfig_OptionsOverrideDefaultsIndependently(t *testing.T) {
	o := Apply(
		WithPoolSize(16),
		WithLogFlushInterval(5*time.Millisecond),
		WithDetectionInterval(10*time.Millisecond),
		WithDefaultIsolationLevel(ReadCommitted),
		WithBTreeDegree(4, 5),
		WithParallelPools(3),
		WithLogBufferSize(1024),
	)

	assert.Equal(t, 16, o.PoolSize)
	assert.Equal(t, 5*time.Millisecond, o.LogFlushInterval)
	assert.Equal(t, 10*time.Millisecond, o.DetectionInterval)
	assert.Equal(t, ReadCommitted, o.DefaultIsolationLevel)
	assert.Equal(t, 4, o.LeafMaxSize)
	assert.Equal(t, 5, o.InternalMaxSize)
	assert.Equal(t, 3, o.ParallelPools)
	assert.Equal(t, 1024, o.LogBufferSize)
}

func TestConfig_LaterOptionWins(t *testing.T) {
	o := Apply(WithPoolSize(16), WithPoolSize(32))
	assert.Equal(t, 32, o.PoolSize)
}
