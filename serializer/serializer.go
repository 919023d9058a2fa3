// Package serializer defines the external storage trait the cache
// reads and writes blocks through, plus a concrete, real-disk
// implementation exercised by tests and the demo command. The
// serializer itself — compaction, block-id reclamation policy, RAID,
// replication — sits outside the cache's scope; the cache only needs
// the contract below.
package serializer

import (
	"context"

	"github.com/mirrorstore/bufcache/block"
)

// Serializer is the storage trait the cache is built against. Methods
// that may block accept a context so callers can cancel them.
type Serializer interface {
	// BlockSize reports the fixed block size this serializer uses.
	BlockSize() int

	// DoRead loads the current data for id. ok is false if the block
	// has never been written (a legitimate "not found", not an error).
	DoRead(ctx context.Context, id block.ID) (data []byte, recency uint64, ok bool, err error)

	// DoWrite persists data for id along with its recency timestamp
	// and returns the transaction id the serializer assigned the
	// write, for later corruption/consistency checks.
	DoWrite(ctx context.Context, id block.ID, data []byte, recency uint64) (transactionID uint64, err error)

	// GetRecency returns the last-written recency timestamp for id
	// without reading its data.
	GetRecency(ctx context.Context, id block.ID) (uint64, error)

	// GetCurrentTransactionID returns the transaction id that wrote
	// the current on-disk contents of id. The cache's load path does
	// not call it: a buffer loaded from disk starts with
	// TransactionID 0, so its first write forces a full-block flush.
	GetCurrentTransactionID(ctx context.Context, id block.ID) (uint64, error)

	// MallocBlockID reserves a fresh block id for a new allocation.
	MallocBlockID(ctx context.Context) (block.ID, error)

	// FreeBlockID releases id back to the free pool.
	FreeBlockID(ctx context.Context, id block.ID) error

	// Sync flushes any buffered writes to stable storage.
	Sync(ctx context.Context) error

	// Close releases the serializer's resources.
	Close() error
}

// IOPriority distinguishes read-ahead/background I/O from
// transaction-critical I/O in an IOAccount's queue.
type IOPriority int

const (
	PriorityBackground IOPriority = iota
	PriorityHigh
)
