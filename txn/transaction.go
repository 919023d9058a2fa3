// Package txn implements the transaction (component G): the scope
// that groups a sequence of block acquisitions, owns a lazily
// assigned MVCC snapshot version, and drives commit/writeback
// interaction.
package txn

import (
	"context"
	"sync"

	"github.com/pingcap/errors"

	"github.com/mirrorstore/bufcache/block"
	"github.com/mirrorstore/bufcache/handle"
	"github.com/mirrorstore/bufcache/innerbuf"
	"github.com/mirrorstore/bufcache/pagemap"
	"github.com/mirrorstore/bufcache/patch"
	"github.com/mirrorstore/bufcache/serializer"
)

// Access is the transaction-level access mode: a transaction may only
// acquire blocks in modes compatible with it.
type Access int

const (
	AccessRead Access = iota
	AccessReadSync
	AccessWrite
)

// Cache is the slice of the owning cache a Transaction needs. Named
// here rather than imported from the cache package to avoid an import
// cycle (cache constructs Transaction, Transaction calls back into
// cache).
type Cache interface {
	FindBuffer(id block.ID) (*innerbuf.Buffer, bool)
	LoadBuffer(ctx context.Context, id block.ID) (*innerbuf.Buffer, error)
	AllocateBuffer(ctx context.Context, snapshotVersion innerbuf.VersionID, recency uint64) (*innerbuf.Buffer, error)
	CurrentVersion() innerbuf.VersionID
	FinalizeWriteVersion() innerbuf.VersionID
	RegisterSnapshot(txn *Transaction) innerbuf.VersionID
	UnregisterSnapshot(txn *Transaction)
	OnCommit(txn *Transaction)
	Pages() *pagemap.Map
	Patches() *patch.Store
	Writeback() handle.Writeback
	Serializer() serializer.Serializer
	WaitForFlush() bool
}

// Transaction is one logical unit of block acquisitions against a
// cache: it owns a snapshot version (assigned lazily on first
// acquire, matching the upstream maybe_finalize_version behavior) and
// a recency timestamp stamped onto every block it writes.
type Transaction struct {
	mu sync.Mutex

	cache              Cache
	access             Access
	expectedChangeCount int
	recency            uint64

	snapshotVersion innerbuf.VersionID
	snapshotted     bool
	versionFinal    bool

	ownedSnapshots []ownedSnapshot

	committed bool
}

type ownedSnapshot struct {
	buf  *innerbuf.Buffer
	data []byte
}

// Begin starts a new transaction. expectedChangeCount is a hint used
// to reserve a dirty-block budget up front (see writeback's reserve
// policy); it must be zero for read transactions.
func Begin(ctx context.Context, cache Cache, access Access, expectedChangeCount int, recency uint64) (*Transaction, error) {
	if access != AccessWrite && expectedChangeCount != 0 {
		panic("txn: expectedChangeCount must be zero for a read transaction")
	}
	t := &Transaction{
		cache:               cache,
		access:              access,
		expectedChangeCount: expectedChangeCount,
		recency:             recency,
		snapshotVersion:     innerbuf.FauxVersion,
	}
	return t, nil
}

// Snapshot marks this (read-only) transaction as snapshotted: all
// subsequent acquires see a consistent point-in-time view, fixed at
// the version assigned to the first acquire. Must be called before
// any Acquire.
func (t *Transaction) Snapshot() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.access == AccessWrite {
		panic("txn: Snapshot can only be called on a read transaction")
	}
	if t.snapshotVersion != innerbuf.FauxVersion {
		panic("txn: Snapshot called after the first Acquire")
	}
	t.snapshotted = true
}

// Allocate reserves a fresh block id and returns a write handle over
// its (zeroed) data. Only valid for write transactions.
func (t *Transaction) Allocate(ctx context.Context) (*handle.Handle, error) {
	if t.access != AccessWrite {
		panic("txn: Allocate called on a non-write transaction")
	}

	t.maybeFinalizeVersion()

	buf, err := t.cache.AllocateBuffer(ctx, t.snapshotVersion, t.recency)
	if err != nil {
		return nil, errors.Wrap(err, "txn: allocate")
	}
	if err := buf.Lock.Acquire(ctx, block.ModeWrite, nil); err != nil {
		return nil, errors.Wrap(err, "txn: locking allocated block")
	}

	buf.Pin()
	h := handle.New(buf, block.ModeWrite, buf.Data(), false, false, t.cache.Patches(), t.cache.Writeback())
	return h, nil
}

// Acquire loads (if necessary) and locks the given block, returning a
// handle bound to this transaction's access mode and snapshot state.
// onInLine, if non-nil, is invoked once the request reaches the head
// of the block's waiter queue. shouldLoad is false only for a
// read-ahead/prefetch-style acquire that doesn't need data yet.
func (t *Transaction) Acquire(ctx context.Context, id block.ID, mode block.Mode, onInLine func(), shouldLoad bool) (*handle.Handle, error) {
	if id == block.NullID {
		panic("txn: Acquire called with the null block id")
	}
	if !shouldLoad && t.access != AccessWrite {
		panic("txn: shouldLoad=false requires a write transaction")
	}
	t.maybeFinalizeVersion()

	buf, ok := t.cache.FindBuffer(id)
	if !ok {
		loaded, err := t.cache.LoadBuffer(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "txn: acquiring block %d", id)
		}
		buf = loaded
	}

	h, err := t.acquireBlock(ctx, buf, mode, onInLine)
	if err != nil {
		return nil, err
	}

	if mode != block.ModeRead && mode != block.ModeReadOutdatedOK {
		buf.Recency = t.recency
	}

	return h, nil
}

// acquireBlock resolves the snapshot-vs-live data pointer and, for a
// live access, takes the block lock, exactly mirroring acquire_block's
// two branches upstream.
func (t *Transaction) acquireBlock(ctx context.Context, buf *innerbuf.Buffer, mode block.Mode, onInLine func()) (*handle.Handle, error) {
	t.mu.Lock()
	versionToAccess := t.snapshotVersion
	snapshotted := t.snapshotted
	t.mu.Unlock()

	wantsOlderSnapshot := snapshotted && versionToAccess != innerbuf.FauxVersion && versionToAccess < buf.VersionID

	if wantsOlderSnapshot {
		if mode != block.ModeRead && mode != block.ModeReadSync && mode != block.ModeReadOutdatedOK {
			panic("txn: only read access is allowed to block snapshots")
		}
		buf.Pin()
		data := buf.GetSnapshotData(versionToAccess)
		if data == nil {
			if buf.VersionID <= versionToAccess {
				data = buf.Data()
			} else {
				panic("txn: no data available for the requested snapshot version")
			}
		}
		if onInLine != nil {
			onInLine()
		}
		return handle.New(buf, mode, data, true, true, t.cache.Patches(), t.cache.Writeback()), nil
	}

	buf.Pin()
	lockMode := mode
	if lockMode == block.ModeReadOutdatedOK {
		lockMode = block.ModeRead
	}
	if err := buf.Lock.Acquire(ctx, lockMode, onInLine); err != nil {
		buf.Unpin()
		return nil, err
	}

	switch mode {
	case block.ModeRead, block.ModeReadSync:
		return handle.New(buf, mode, buf.Data(), false, false, t.cache.Patches(), t.cache.Writeback()), nil
	case block.ModeReadOutdatedOK:
		buf.COWRefcount++
		data := buf.Data()
		buf.Lock.Release(block.ModeRead)
		return handle.New(buf, mode, data, false, false, t.cache.Patches(), t.cache.Writeback()), nil
	case block.ModeWrite:
		// versionToAccess is always finalized by now: maybeFinalizeVersion
		// runs at the top of Acquire/Allocate, before the buffer this
		// write will touch is even known, so a freshly minted write
		// version never collides with a version already handed to a
		// registered read snapshot.
		if buf.SnapshotIfNeeded(versionToAccess) {
			buf.CloneForWrite()
		}
		buf.VersionID = versionToAccess
		return handle.New(buf, mode, buf.Data(), false, false, t.cache.Patches(), t.cache.Writeback()), nil
	default:
		buf.Lock.Release(lockMode)
		buf.Unpin()
		return nil, errors.Errorf("txn: unsupported acquire mode %v", mode)
	}
}

// maybeFinalizeVersion assigns this transaction's snapshot version on
// the first Acquire/Allocate call, not at Begin, since assigning it
// eagerly would pin a version before the caller has done anything
// that needs consistency. It runs before the targeted buffer is even
// looked up: none of its three outcomes depend on which block is being
// acquired, only on the transaction's own kind. A write transaction is
// handed a freshly minted version that becomes the new current
// version, so that a later write can tell it must copy-on-write for
// this one; a snapshotted read registers its own fresh version as an
// active snapshot; a plain (non-snapshotted) read just takes whatever
// is current.
func (t *Transaction) maybeFinalizeVersion() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.versionFinal {
		return
	}
	t.versionFinal = true

	switch {
	case t.snapshotVersion != innerbuf.FauxVersion:
	case t.snapshotted:
		t.snapshotVersion = t.cache.RegisterSnapshot(t)
	case t.access == AccessWrite:
		t.snapshotVersion = t.cache.FinalizeWriteVersion()
	default:
		t.snapshotVersion = t.cache.CurrentVersion()
	}
}

// RegisterSnapshottedBlock records that this transaction now owns a
// reference to a copy-on-write snapshot image of buf, so it can be
// released when the transaction commits.
func (t *Transaction) RegisterSnapshottedBlock(buf *innerbuf.Buffer, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ownedSnapshots = append(t.ownedSnapshots, ownedSnapshot{buf: buf, data: data})
}

// Commit ends the transaction: releases any owned snapshot
// references, waits for its writes to reach stable storage if the
// cache is configured for synchronous durability, and notifies the
// cache. Go has no destructor to do this implicitly; callers must call
// Commit explicitly (typically via defer).
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.committed {
		t.mu.Unlock()
		panic("txn: Commit called twice on the same transaction")
	}
	t.committed = true
	access := t.access
	snapshotted := t.snapshotted && t.snapshotVersion != innerbuf.FauxVersion
	owned := t.ownedSnapshots
	t.mu.Unlock()

	if snapshotted {
		t.cache.UnregisterSnapshot(t)
		for _, s := range owned {
			s.buf.ReleaseSnapshot(s.data)
		}
	}

	t.cache.OnCommit(t)

	// A write transaction against a cache configured for synchronous
	// durability doesn't return until its writes have reached stable
	// storage: request a sync and wait for it, rather than racing the
	// caller's next action against the writeback scheduler.
	if access == AccessWrite && t.cache.WaitForFlush() {
		select {
		case <-t.cache.Writeback().SyncPatiently(ctx):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Release is an alias for Commit, named to match handle.Handle's
// Release for symmetry at call sites that don't distinguish write
// transactions from read ones.
func (t *Transaction) Release(ctx context.Context) error {
	return t.Commit(ctx)
}
