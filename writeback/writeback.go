// Package writeback implements dirty-buffer flush scheduling
// (component I): periodic and explicit sync, the decision between
// materializing a block's pending patches and writing it whole, and
// the read-ahead acceptance policy.
package writeback

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"

	"github.com/mirrorstore/bufcache/block"
	"github.com/mirrorstore/bufcache/innerbuf"
	"github.com/mirrorstore/bufcache/logger"
	"github.com/mirrorstore/bufcache/metrics"
	"github.com/mirrorstore/bufcache/pagemap"
	"github.com/mirrorstore/bufcache/patch"
	"github.com/mirrorstore/bufcache/patchlog"
	"github.com/mirrorstore/bufcache/serializer"
)

// blockState tracks the per-block dirty/flush bookkeeping that lives
// beside the innerbuf.Buffer itself.
type blockState struct {
	dirty                 bool
	recencyDirty          bool
	needsFlush            bool
	lastPatchMaterialized uint64
	materialized          bool
	blockIDDeleted        bool
	writeEmptyDeleted     bool
}

// Writeback owns the set of dirty blocks and flushes them either on a
// timer or on demand.
type Writeback struct {
	mu     sync.Mutex
	states map[block.ID]*blockState

	ser     serializer.Serializer
	pages   *pagemap.Map
	patches *patch.Store
	log     *patchlog.Store
	metrics *metrics.Metrics

	flushInterval   time.Duration
	maxPatchesRatio int

	dirtyReservation int
	maxDirtySize     int

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup

	// readAheadCapacity drives the read-ahead rule: offers are rejected
	// once the number of dirty blocks reaches 5x this capacity (no limit
	// when maxDirtySize is 0).
	readAheadCapacity int
}

// Config controls the writeback policy.
type Config struct {
	FlushInterval     time.Duration
	MaxPatchesRatio   int
	MaxDirtySize      int
	ReadAheadCapacity int
}

// New constructs a Writeback that flushes through ser, using pages to
// find resident buffers, patches for the in-memory patch list, and log
// for the durable patch log.
func New(cfg Config, ser serializer.Serializer, pages *pagemap.Map, patches *patch.Store, log *patchlog.Store, m *metrics.Metrics) *Writeback {
	return &Writeback{
		states:            make(map[block.ID]*blockState),
		ser:               ser,
		pages:             pages,
		patches:           patches,
		log:               log,
		metrics:           m,
		flushInterval:     cfg.FlushInterval,
		maxPatchesRatio:   cfg.MaxPatchesRatio,
		maxDirtySize:      cfg.MaxDirtySize,
		readAheadCapacity: cfg.ReadAheadCapacity,
		stopCh:            make(chan struct{}),
	}
}

func (w *Writeback) state(id block.ID) *blockState {
	s, ok := w.states[id]
	if !ok {
		s = &blockState{}
		w.states[id] = s
	}
	return s
}

// SetDirty marks id as having unwritten data.
func (w *Writeback) SetDirty(id block.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state(id).dirty = true
}

// SetRecencyDirty marks id as having an unwritten recency timestamp,
// independent of its data being dirty.
func (w *Writeback) SetRecencyDirty(id block.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state(id).recencyDirty = true
}

// NeedsFlush reports whether id has had its patch log bypassed (a
// prior write was large enough, or unpatchable, that it must be
// written whole rather than as replayed patches).
func (w *Writeback) NeedsFlush(id block.ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state(id).needsFlush
}

// EnsureFlush flags id so the next flush writes it whole.
func (w *Writeback) EnsureFlush(id block.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state(id).needsFlush = true
}

// MarkBlockDeleted records that id was logically deleted, and whether
// an empty block should still be written for it.
func (w *Writeback) MarkBlockDeleted(id block.ID, writeEmptyBlock bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.state(id)
	s.blockIDDeleted = true
	s.writeEmptyDeleted = writeEmptyBlock
	s.dirty = false
	s.recencyDirty = false
}

// CanAcceptReadAhead reports whether a read-ahead-loaded block for id
// may be accepted: only if nothing is already resident for it, and
// writeback isn't so far behind that adding more resident blocks would
// make things worse. Implemented as a boolean AND across two
// independently testable collaborators rather than folded into one
// method.
func (w *Writeback) CanAcceptReadAhead(id block.ID, pages *pagemap.Map) bool {
	if _, resident := pages.Get(id); resident {
		return false
	}
	return w.hasReadAheadBudget()
}

func (w *Writeback) hasReadAheadBudget() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	dirty := 0
	for _, s := range w.states {
		if s.dirty {
			dirty++
		}
	}
	return w.maxDirtySize == 0 || dirty < 5*w.readAheadCapacity
}

// ReserveDirtyBudget reserves expectedChangeCount dirty-block slots
// against the writeback's hard budget, blocking until the reservation
// fits (or ctx is cancelled). Resolves the "expected_change_count"
// open question with a conservative policy: a transaction's hinted
// write volume is reserved up front rather than discovered as it
// writes.
func (w *Writeback) ReserveDirtyBudget(ctx context.Context, expectedChangeCount int) error {
	if w.maxDirtySize == 0 {
		return nil
	}
	for {
		w.mu.Lock()
		if w.dirtyReservation+expectedChangeCount <= w.maxDirtySize {
			w.dirtyReservation += expectedChangeCount
			w.mu.Unlock()
			return nil
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// ReleaseDirtyBudget gives back a reservation made by
// ReserveDirtyBudget.
func (w *Writeback) ReleaseDirtyBudget(expectedChangeCount int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirtyReservation -= expectedChangeCount
	if w.dirtyReservation < 0 {
		w.dirtyReservation = 0
	}
}

// Start begins the periodic flush ticker. Call Stop to shut it down.
func (w *Writeback) Start(ctx context.Context) {
	if w.flushInterval <= 0 {
		return
	}
	w.ticker = time.NewTicker(w.flushInterval)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.ticker.C:
				if err := w.Flush(ctx); err != nil {
					logger.Errorf("writeback: periodic flush failed: %v", err)
				}
			case <-w.stopCh:
				return
			}
		}
	}()
}

// Stop halts the periodic flush ticker and waits for it to exit.
func (w *Writeback) Stop() {
	if w.ticker == nil {
		return
	}
	w.ticker.Stop()
	close(w.stopCh)
	w.wg.Wait()
}

// Sync flushes every dirty block and waits for it to complete.
func (w *Writeback) Sync(ctx context.Context) error {
	return w.Flush(ctx)
}

// SyncPatiently starts a flush of every dirty block on its own
// goroutine and returns at once; the returned channel is closed when
// that flush finishes. A flush error is logged, not returned, and a
// flush that was already running is not waited for. It is the Go
// analogue of the original's cond_t-based "patient" wait: a channel
// close is the idiomatic one-shot completion signal.
func (w *Writeback) SyncPatiently(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Flush(ctx); err != nil {
			logger.Errorf("writeback: patient flush failed: %v", err)
		}
	}()
	return done
}

// Flush writes out every block currently marked dirty: blocks flagged
// needsFlush (or whose patch backlog would exceed the size ratio
// threshold) are written whole; others have their pending patches
// appended to the durable patch log instead of a full write.
func (w *Writeback) Flush(ctx context.Context) error {
	w.mu.Lock()
	dirtyIDs := make([]block.ID, 0, len(w.states))
	for id, s := range w.states {
		if s.dirty || s.recencyDirty || s.blockIDDeleted {
			dirtyIDs = append(dirtyIDs, id)
		}
	}
	w.mu.Unlock()

	for _, id := range dirtyIDs {
		if err := w.flushOne(ctx, id); err != nil {
			return errors.Wrapf(err, "writeback: flushing block %d", id)
		}
	}
	return nil
}

func (w *Writeback) flushOne(ctx context.Context, id block.ID) error {
	w.mu.Lock()
	s := w.state(id)
	deleted := s.blockIDDeleted
	writeEmpty := s.writeEmptyDeleted
	needsFlush := s.needsFlush
	w.mu.Unlock()

	buf, resident := w.pages.Get(id)

	if deleted {
		if !writeEmpty {
			w.mu.Lock()
			delete(w.states, id)
			w.mu.Unlock()
			w.patches.Forget(id)
			return nil
		}
		empty := make([]byte, w.ser.BlockSize())
		if _, err := w.ser.DoWrite(ctx, id, empty, 0); err != nil {
			return err
		}
		w.mu.Lock()
		delete(w.states, id)
		w.mu.Unlock()
		w.patches.Forget(id)
		return nil
	}

	if !resident {
		return nil
	}

	if needsFlush || w.OverPatchBudget(id, 0) {
		if err := w.writeWhole(ctx, buf); err != nil {
			return err
		}
		w.patches.Clear(id)
		w.mu.Lock()
		st := w.state(id)
		st.dirty = false
		st.recencyDirty = false
		st.needsFlush = false
		w.mu.Unlock()
		w.metrics.FullFlushes.Add(1)
		return nil
	}

	pending := w.patches.Patches(id)
	w.mu.Lock()
	materialized, last := w.state(id).materialized, w.state(id).lastPatchMaterialized
	w.mu.Unlock()
	for _, p := range pending {
		if materialized && p.Counter <= last {
			continue
		}
		if err := w.log.Append(ctx, id, p); err != nil {
			return err
		}
		w.metrics.PatchesWritten.Add(1)
	}
	if len(pending) > 0 {
		w.mu.Lock()
		w.state(id).lastPatchMaterialized = pending[len(pending)-1].Counter
		w.state(id).materialized = true
		w.mu.Unlock()
	}
	w.mu.Lock()
	w.state(id).dirty = false
	w.state(id).recencyDirty = false
	w.mu.Unlock()
	return nil
}

// OverPatchBudget reports whether id's already-pending patches, plus
// one more patch of the given affected size, would exceed the
// per-block patch budget (block_size / max_patches_size_ratio). Called
// both by a handle about to append a new patch (incoming >
// 0) and by a flush pass deciding whether existing pending patches
// alone (incoming == 0) already force a full-block write.
func (w *Writeback) OverPatchBudget(id block.ID, incoming int) bool {
	if w.maxPatchesRatio <= 0 {
		return false
	}
	threshold := patchlog.Threshold(w.ser.BlockSize(), w.maxPatchesRatio)
	return incoming+w.patches.AffectedDataSize(id) > threshold
}

// IsDirty reports whether id has unwritten data, an unwritten recency
// timestamp, or a pending logical deletion writeback has not yet
// flushed — the predicate eviction must additionally check beyond
// Buffer.SafeToUnload's own lock/refcount/snapshot bookkeeping (spec
// invariant: an inner buffer is safe_to_unload only if writeback also
// says it isn't dirty).
func (w *Writeback) IsDirty(id block.ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.states[id]
	if !ok {
		return false
	}
	return s.dirty || s.recencyDirty || s.blockIDDeleted
}

func (w *Writeback) writeWhole(ctx context.Context, buf *innerbuf.Buffer) error {
	txID, err := w.ser.DoWrite(ctx, buf.ID, buf.Data(), buf.Recency)
	if err != nil {
		return err
	}
	buf.TransactionID = txID
	return nil
}
