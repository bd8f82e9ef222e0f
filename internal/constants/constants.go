// Package constants collects the runtime core's tunables in one place.
package constants

import "time"

// Obstack chunk and allocation sizing.
const (
	// ChunkSize is the fixed size of one obstack chunk.
	ChunkSize = 16 * 1024

	// ChunkHeaderSize is reserved at the front of every chunk for
	// bookkeeping (generation, next-chunk link).
	ChunkHeaderSize = 64

	// LargeObjectThreshold is the size above which alloc() diverts to the
	// large-object side list instead of bump-allocating in a chunk: an
	// allocation that would not fit in a single fresh chunk anyway.
	LargeObjectThreshold = ChunkSize - ChunkHeaderSize

	// ObjectAlignment is the alignment in bytes for every obstack
	// allocation.
	ObjectAlignment = 8
)

// Interner sizing.
const (
	// InternShardCount is the number of independent lock-guarded buckets
	// in the intern table. Must be a power of two.
	InternShardCount = 64

	// InternShardInitialCapacity is the initial slot count per shard.
	InternShardInitialCapacity = 16
)

// Memoization sizing.
const (
	// DefaultLRUCapacity bounds the number of invocations kept on the LRU
	// list before the oldest is evicted.
	DefaultLRUCapacity = 4096

	// MaxInlineTraceSize is the largest trace (input edge count) kept
	// inline before it becomes a TraceArray.
	MaxInlineTraceSize = 1

	// MaxTraceArraySize is the largest fan-out held in one TraceArray
	// before the trace becomes a tree of dummy revisions.
	MaxTraceArraySize = 52
)

// Scheduler and transaction timing.
const (
	// CleanupSweepInterval is how often a Process with no in-flight work
	// checks whether queued cleanup lists can be finalized.
	CleanupSweepInterval = 50 * time.Millisecond

	// NeverTxnID is the "no known end" sentinel (all-ones in 48 bits).
	NeverTxnID uint64 = (1 << 48) - 1

	// ZeroTxnID is reserved for permanently-active values.
	ZeroTxnID uint64 = 0
)
