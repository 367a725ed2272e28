// Package config holds keelbase's engine-wide tunables. It is a plain functional-options struct
// rather than a file-format config library: keelbase is embedded as a library, not run as a
// server with a deployment-time config file, so there is nothing in the retrieval pack pairing a
// config-file library with a library-shaped storage engine to ground one on (see DESIGN.md).
package config

import "time"

// IsolationLevel is defined here, and transaction.IsolationLevel is an alias of it, so config has
// no dependency on the transaction package (which itself imports config).
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

// Options configures a keelbase.DB at Open time.
type Options struct {
	// PoolSize is the number of frames the buffer pool holds.
	PoolSize int

	// ParallelPools is the number of buffer pool shards. 1 disables the parallel fan-out.
	ParallelPools int

	// LogBufferSize is the size, in bytes, of each of the log manager's two buffers.
	LogBufferSize int

	// LogFlushInterval is how often the background flush goroutine wakes up even if its buffer
	// is not full.
	LogFlushInterval time.Duration

	// DetectionInterval is how often the lock manager's deadlock detector rebuilds the
	// waits-for graph and searches for a cycle.
	DetectionInterval time.Duration

	// DefaultIsolationLevel is the isolation level new transactions start in when the caller of
	// Begin does not specify one explicitly.
	DefaultIsolationLevel IsolationLevel

	// LeafMaxSize and InternalMaxSize are the B+ tree's degree parameters (see spec §4.5).
	LeafMaxSize     int
	InternalMaxSize int
}

// Option mutates an Options value. The pools and log manager take these values as explicit
// constructor arguments; Options gathers them into a single composable knob set for Open.
type Option func(*Options)

// Default returns the options keelbase.Open uses when the caller passes none.
func Default() Options {
	return Options{
		PoolSize:              256,
		ParallelPools:         1,
		LogBufferSize:         64 * 1024,
		LogFlushInterval:      time.Second,
		DetectionInterval:     2 * time.Second,
		DefaultIsolationLevel: RepeatableRead,
		LeafMaxSize:           64,
		InternalMaxSize:       64,
	}
}

func WithPoolSize(n int) Option { return func(o *Options) { o.PoolSize = n } }

func WithParallelPools(n int) Option { return func(o *Options) { o.ParallelPools = n } }

func WithLogBufferSize(n int) Option { return func(o *Options) { o.LogBufferSize = n } }

func WithLogFlushInterval(d time.Duration) Option {
	return func(o *Options) { o.LogFlushInterval = d }
}

func WithDetectionInterval(d time.Duration) Option {
	return func(o *Options) { o.DetectionInterval = d }
}

func WithDefaultIsolationLevel(level IsolationLevel) Option {
	return func(o *Options) { o.DefaultIsolationLevel = level }
}

func WithBTreeDegree(leafMaxSize, internalMaxSize int) Option {
	return func(o *Options) {
		o.LeafMaxSize = leafMaxSize
		o.InternalMaxSize = internalMaxSize
	}
}

// Apply starts from Default and applies opts in order.
func Apply(opts ...Option) Options {
	o := Default()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
