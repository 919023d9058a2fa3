// Package innerbuf implements the cache's resident-block record
// (component D): the data, version and snapshot bookkeeping shared by
// every handle acquired against one block.
package innerbuf

import (
	"container/list"
	"sync"

	"github.com/pkg/errors"

	"github.com/mirrorstore/bufcache/block"
	"github.com/mirrorstore/bufcache/metrics"
	"github.com/mirrorstore/bufcache/patch"
)

// VersionID identifies one point in a block's MVCC history.
type VersionID uint64

// FauxVersion marks "not yet assigned a real version", e.g. a
// transaction that has not acquired any block yet.
const FauxVersion VersionID = 0

// ErrCorrupt names the corruption-at-rest error class for block data
// loaded from the serializer. No function in this package returns it:
// the file serializer reports a failed block checksum as
// serializer.ErrChecksumMismatch.
var ErrCorrupt = errors.New("innerbuf: block data failed consistency check")

// snapshotEntry is one entry in a buffer's copy-on-write snapshot
// list: an older data image kept alive for readers whose version
// predates a write that has since landed.
type snapshotEntry struct {
	data               []byte
	snapshottedVersion VersionID
	refcount           int
}

// Buffer is one resident, in-memory copy of a block: data plus the
// version, dirty and snapshot state the rest of the cache needs to
// serve reads, writes and snapshot isolation against it.
type Buffer struct {
	mu sync.Mutex

	Cache interface {
		CalculateSnapshotsAffected(from, to VersionID) int
		RegisterSnapshottedBlock(buf *Buffer, data []byte, from, to VersionID) int
		IsDirty(id block.ID) bool
	}

	ID      block.ID
	Lock    *block.Lock
	data    []byte
	Recency uint64 // opaque recency/timestamp value, teacher-style uint64 instead of a custom time type

	VersionID        VersionID
	NextPatchCounter uint64

	Refcount          int
	COWRefcount       int
	DoDelete          bool
	WriteEmptyDeleted bool

	snapshots *list.List // of *snapshotEntry

	PageReplIndex int // -1 if not tracked by the page replacer
	TransactionID uint64

	patches *patch.Store
	metrics *metrics.Metrics
}

// Loaded constructs a Buffer for a block whose data has already been
// read from the serializer (the "read-ahead accept" and "load"
// construction paths collapse into this single one in Go: the
// decision of whether to read synchronously or asynchronously belongs
// to the caller, not to the buffer itself).
func Loaded(id block.ID, data []byte, recency uint64, version VersionID, patches *patch.Store, m *metrics.Metrics) *Buffer {
	b := &Buffer{
		ID:               id,
		Lock:             block.New(),
		data:             data,
		Recency:          recency,
		VersionID:        version,
		NextPatchCounter: 1,
		PageReplIndex:    -1,
		patches:          patches,
		metrics:          m,
		snapshots:        list.New(),
	}
	b.replayPatches()
	m.BlocksInMemory.Add(1)
	return b
}

// Allocated constructs a Buffer for a freshly allocated block with no
// prior on-disk data: a zeroed page, ready for a transaction to write
// into.
func Allocated(id block.ID, version VersionID, recency uint64, patches *patch.Store, m *metrics.Metrics) *Buffer {
	b := &Buffer{
		ID:               id,
		Lock:             block.New(),
		data:             make([]byte, block.Size),
		Recency:          recency,
		VersionID:        version,
		NextPatchCounter: 1,
		PageReplIndex:    -1,
		patches:          patches,
		metrics:          m,
		snapshots:        list.New(),
	}
	m.BlocksInMemory.Add(1)
	return b
}

// replayPatches applies every pending in-memory patch for this block
// to data, and advances NextPatchCounter past the highest one applied
// so that freshly appended patches continue the same sequence.
func (b *Buffer) replayPatches() {
	if b.patches == nil {
		return
	}
	pending := b.patches.Patches(b.ID)
	for _, p := range pending {
		p.Apply(b.data)
	}
	if len(pending) > 0 {
		b.NextPatchCounter = pending[len(pending)-1].Counter + 1
	}
}

// Data returns the buffer's current data slice. Callers must hold the
// buffer's Lock in a compatible mode before calling this.
func (b *Buffer) Data() []byte {
	return b.data
}

// CloneForWrite replaces the buffer's live data with a fresh copy,
// leaving the original slice untouched for whatever snapshot entry
// SnapshotIfNeeded just pinned it under. Callers must hold the write
// lock and must have already called SnapshotIfNeeded for the new
// version before calling this.
func (b *Buffer) CloneForWrite() {
	b.mu.Lock()
	defer b.mu.Unlock()
	fresh := make([]byte, len(b.data))
	copy(fresh, b.data)
	b.data = fresh
}

// SnapshotIfNeeded is called just before version_id is bumped to
// newVersion (on a write acquire). If any active snapshot transaction
// or outdated-ok reader still needs to see the pre-write data, it
// pushes a copy-on-write snapshot entry and returns true.
func (b *Buffer) SnapshotIfNeeded(newVersion VersionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	affected := 0
	if b.Cache != nil {
		affected = b.Cache.CalculateSnapshotsAffected(b.VersionID, newVersion)
	}
	if affected+b.COWRefcount == 0 {
		return false
	}

	if b.Cache != nil {
		affected = b.Cache.RegisterSnapshottedBlock(b, b.data, b.VersionID, newVersion)
	}

	refcount := affected + b.COWRefcount
	if refcount == 0 {
		return false
	}

	b.snapshots.PushFront(&snapshotEntry{data: b.data, snapshottedVersion: b.VersionID, refcount: refcount})
	b.COWRefcount = 0
	return true
}

// GetSnapshotData returns the newest retained data image whose
// snapshotted version is at or before versionToAccess, or nil if none
// qualifies (meaning the live data is the right image).
func (b *Buffer) GetSnapshotData(versionToAccess VersionID) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	for e := b.snapshots.Front(); e != nil; e = e.Next() {
		s := e.Value.(*snapshotEntry)
		if s.snapshottedVersion <= versionToAccess {
			return s.data
		}
	}
	return nil
}

// ReleaseSnapshot drops one reference to the snapshot entry holding
// data, freeing it once its refcount reaches zero.
func (b *Buffer) ReleaseSnapshot(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for e := b.snapshots.Front(); e != nil; e = e.Next() {
		s := e.Value.(*snapshotEntry)
		if &s.data[0] == &data[0] {
			s.refcount--
			if s.refcount == 0 {
				b.snapshots.Remove(e)
			}
			return
		}
	}
	panic("innerbuf: released a snapshot that was never registered")
}

// SafeToUnload reports whether this buffer can be evicted: unlocked,
// no outstanding handles, no pinned copy-on-write reader, no live
// snapshot images, and not dirty — writeback must have flushed
// whatever was written to it before it can be unloaded.
func (b *Buffer) SafeToUnload() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Lock.Locked() || b.Refcount != 0 || b.COWRefcount != 0 || b.snapshots.Len() != 0 {
		return false
	}
	return b.Cache == nil || !b.Cache.IsDirty(b.ID)
}

// Pin increments the live-handle refcount, preventing eviction.
func (b *Buffer) Pin() {
	b.mu.Lock()
	b.Refcount++
	b.mu.Unlock()
}

// Unpin decrements the live-handle refcount.
func (b *Buffer) Unpin() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Refcount == 0 {
		panic("innerbuf: Unpin on a buffer with zero refcount")
	}
	b.Refcount--
}
