// Package handle implements the buffer handle (component H): the
// user-facing object returned by acquiring a block, binding a mode, an
// MVCC version and either a live or snapshotted data view.
package handle

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mirrorstore/bufcache/block"
	"github.com/mirrorstore/bufcache/innerbuf"
	"github.com/mirrorstore/bufcache/patch"
)

// Writeback is the slice of the writeback package a Handle needs:
// dirty-state and flush-mode bookkeeping for one block. Declared here
// (rather than imported from writeback) to keep handle from depending
// on writeback's scheduling internals.
type Writeback interface {
	NeedsFlush(id block.ID) bool
	EnsureFlush(id block.ID)
	SetDirty(id block.ID)
	MarkBlockDeleted(id block.ID, writeEmptyBlock bool)
	OverPatchBudget(id block.ID, incoming int) bool
	SyncPatiently(ctx context.Context) <-chan struct{}
}

// ErrWrongMode is returned by write-only operations invoked on a
// handle acquired for reading.
var ErrWrongMode = errors.New("handle: operation requires write mode")

// Handle is an acquired reference to one block's data. A live handle
// shares inner_buf's current data slice; a snapshotted handle may
// instead point at an older copy-on-write image kept alive in the
// buffer's snapshot list.
type Handle struct {
	buf  *innerbuf.Buffer
	mode block.Mode
	data []byte

	nonLockingAccess bool
	snapshotted      bool

	patches   *patch.Store
	writeback Writeback

	patchesAffectedSizeAtStart int
	released                   bool
}

// New builds a Handle over an already-locked (or, for a snapshotted
// access, never-locked) buffer. Callers are txn.Transaction's
// Acquire/Allocate, which have already resolved locking and the
// snapshot/live data pointer.
func New(buf *innerbuf.Buffer, mode block.Mode, data []byte, nonLockingAccess, snapshotted bool, patches *patch.Store, wb Writeback) *Handle {
	h := &Handle{
		buf:                        buf,
		mode:                       mode,
		data:                       data,
		nonLockingAccess:           nonLockingAccess,
		snapshotted:                snapshotted,
		patches:                    patches,
		writeback:                  wb,
		patchesAffectedSizeAtStart: -1,
	}
	return h
}

// BlockID returns the id of the block this handle was acquired
// against.
func (h *Handle) BlockID() block.ID {
	return h.buf.ID
}

// ReadData returns the handle's data view. Valid for any mode.
func (h *Handle) ReadData() []byte {
	h.mustNotBeReleased()
	return h.data
}

// WriteData returns the data view for direct, unpatched mutation,
// forcing a full-block flush on the next writeback pass (it bypasses
// the patch log entirely, the same tradeoff get_data_major_write
// makes: cheaper for large writes than recording a patch per byte
// range touched).
func (h *Handle) WriteData() []byte {
	h.mustBeWrite()
	h.ensureFlush()
	return h.data
}

// SetData copies src into h's data at the given byte offset, either
// recording a LeafRemove/LeafInsert patch pair (if the block isn't
// already flush-pinned) or writing directly and forcing a flush.
func (h *Handle) SetData(offset int, src []byte) {
	h.mustBeWrite()
	if len(src) == 0 {
		return
	}
	if h.writeback.NeedsFlush(h.buf.ID) {
		copy(h.WriteData()[offset:], src)
		return
	}
	h.setDataViaCopyPatch(offset, src)
}

// setDataViaCopyPatch records a byte-range overwrite as patches. None
// of the five patch kinds is a literal-bytes overwrite (Copy/Move take
// an offset pair and a length, not a payload), so this records a
// LeafRemove of len(src) bytes at offset followed by a LeafInsert of
// src at offset. Applied in order they leave the same bytes as a
// direct copy, and the on-disk patch format keeps to the five kinds
// already defined.
func (h *Handle) setDataViaCopyPatch(offset int, src []byte) {
	counter := h.nextPatchCounter()
	remove := patch.NewLeafRemove(counter, offset, len(src))
	h.applyPatch(remove)
	counter = h.nextPatchCounter()
	insert := patch.NewLeafInsert(counter, offset, src)
	h.applyPatch(insert)
}

// MoveData shifts n bytes from srcOffset to dstOffset within h's data.
func (h *Handle) MoveData(dstOffset, srcOffset, n int) {
	h.mustBeWrite()
	if n == 0 {
		return
	}
	if h.writeback.NeedsFlush(h.buf.ID) {
		buf := h.WriteData()
		tmp := make([]byte, n)
		copy(tmp, buf[srcOffset:srcOffset+n])
		copy(buf[dstOffset:dstOffset+n], tmp)
		return
	}
	counter := h.nextPatchCounter()
	h.applyPatch(patch.NewMove(counter, dstOffset, srcOffset, n))
}

func (h *Handle) nextPatchCounter() uint64 {
	c := h.buf.NextPatchCounter
	h.buf.NextPatchCounter++
	return c
}

// applyPatch is the low-level patch-emit path: apply the patch to the
// live data immediately, mark the block dirty, and either record the
// patch for later materialization or force a flush — because the
// block has never been flushed before, or because one more patch
// would push the block's pending-patch size over its per-block budget.
func (h *Handle) applyPatch(p *patch.Patch) {
	if h.buf.DoDelete {
		panic("handle: ApplyPatch called on a buffer marked deleted")
	}
	if h.mode != block.ModeWrite {
		panic("handle: ApplyPatch called on a handle not acquired for write")
	}
	if h.data == nil {
		panic("handle: ApplyPatch called on a handle with no data (acquired with shouldLoad=false)")
	}

	p.Apply(h.data)
	h.writeback.SetDirty(h.buf.ID)

	// A block without a transaction id has never been flushed and
	// cannot accept patches at all.
	if h.buf.TransactionID == 0 {
		h.ensureFlush()
	}

	if h.writeback.NeedsFlush(h.buf.ID) {
		return
	}
	if h.writeback.OverPatchBudget(h.buf.ID, p.AffectedDataSize()) {
		h.ensureFlush()
		return
	}
	h.patches.Append(h.buf.ID, p)
}

// ensureFlush disables patch-log bypass for this block: the next
// writeback pass writes the whole block instead of replaying patches.
func (h *Handle) ensureFlush() {
	if !h.writeback.NeedsFlush(h.buf.ID) {
		h.writeback.EnsureFlush(h.buf.ID)
		h.patches.Clear(h.buf.ID)
		h.writeback.SetDirty(h.buf.ID)
	}
}

// MarkDeleted marks the underlying block as logically deleted.
// writeEmptyBlock controls whether writeback should still write a
// zeroed block to disk (true) or simply stop writing it (false).
func (h *Handle) MarkDeleted(writeEmptyBlock bool) {
	h.mustBeWrite()
	snapshotted := h.buf.SnapshotIfNeeded(h.buf.VersionID)
	if !snapshotted {
		h.data = nil
	}
	h.buf.DoDelete = true
	h.buf.WriteEmptyDeleted = writeEmptyBlock
	h.ensureFlush()
}

// Release gives up this handle: unpins the buffer, releases its lock
// (unless this was a non-locking snapshotted access), and releases
// any copy-on-write pin taken for a read-outdated-ok access.
func (h *Handle) Release() {
	if h.released {
		panic("handle: Release called twice on the same handle")
	}
	h.released = true

	if h.buf.Refcount <= 0 {
		panic("handle: Release called on a buffer with zero refcount")
	}
	h.buf.Unpin()

	if !h.nonLockingAccess {
		switch h.mode {
		case block.ModeRead, block.ModeReadSync, block.ModeWrite:
			h.buf.Lock.Release(normalizeLockMode(h.mode))
		case block.ModeReadOutdatedOK:
			if &h.data[0] == &h.buf.Data()[0] {
				h.buf.COWRefcount--
			} else {
				h.buf.ReleaseSnapshot(h.data)
			}
		default:
			panic("handle: Release called with an unsupported mode")
		}
	}

	if h.buf.DoDelete && h.mode == block.ModeWrite {
		h.writeback.MarkBlockDeleted(h.buf.ID, h.buf.WriteEmptyDeleted)
	}
}

func normalizeLockMode(mode block.Mode) block.Mode {
	if mode == block.ModeReadOutdatedOK {
		return block.ModeRead
	}
	return mode
}

func (h *Handle) mustBeWrite() {
	h.mustNotBeReleased()
	if h.mode != block.ModeWrite {
		panic("handle: operation requires write mode")
	}
}

func (h *Handle) mustNotBeReleased() {
	if h.released {
		panic("handle: use of a released handle")
	}
}
