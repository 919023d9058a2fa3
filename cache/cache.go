// Package cache wires every other component into the mirrored buffer
// cache (component J): the container applications open, create
// transactions against, and close.
package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/mirrorstore/bufcache/block"
	"github.com/mirrorstore/bufcache/config"
	"github.com/mirrorstore/bufcache/handle"
	"github.com/mirrorstore/bufcache/innerbuf"
	"github.com/mirrorstore/bufcache/logger"
	"github.com/mirrorstore/bufcache/metrics"
	"github.com/mirrorstore/bufcache/pagemap"
	"github.com/mirrorstore/bufcache/pagerepl"
	"github.com/mirrorstore/bufcache/patch"
	"github.com/mirrorstore/bufcache/patchlog"
	"github.com/mirrorstore/bufcache/serializer"
	"github.com/mirrorstore/bufcache/txn"
	"github.com/mirrorstore/bufcache/writeback"
)

// Cache is the mirrored buffer cache container: it owns the page map,
// the randomized page replacer, the in-memory and on-disk patch
// stores, writeback scheduling, and the snapshot registry every
// transaction's MVCC view is resolved against.
type Cache struct {
	mu sync.Mutex

	ser       serializer.Serializer
	pages     *pagemap.Map
	replacer  *pagerepl.Replacer
	patches   *patch.Store
	patchlog  *patchlog.Store
	writeback *writeback.Writeback
	ioAccount *serializer.IOAccount
	metrics   *metrics.Metrics

	cfg config.Cache

	nextSnapshotVersion innerbuf.VersionID
	activeSnapshots      map[innerbuf.VersionID]*txn.Transaction

	numLiveTransactions int
	shuttingDown        bool
	lastTxnCommitted    chan struct{}

	currentVersion innerbuf.VersionID
}

// ReservedBlocks returns the number of low block ids a cache
// configured with cfg reserves for its own fixed-address use (the
// superblock plus the on-disk patch log range): callers constructing
// a Serializer directly (e.g. serializer.OpenFileSerializer) must
// exclude this many ids from general allocation.
func ReservedBlocks(cfg config.Cache) int {
	return 1 + cfg.PatchLogBlocks
}

// Create initializes a fresh cache on top of ser: writes an empty
// superblock and an empty on-disk patch log, then returns an open
// Cache. Use Open instead to reattach to an existing one.
func Create(ctx context.Context, ser serializer.Serializer, cfg config.Cache) (*Cache, error) {
	empty := make([]byte, ser.BlockSize())
	if _, err := ser.DoWrite(ctx, block.Superblock, empty, 0); err != nil {
		return nil, errors.Wrap(err, "cache: writing superblock")
	}
	for i := 0; i < cfg.PatchLogBlocks; i++ {
		if _, err := ser.DoWrite(ctx, block.Superblock+1+block.ID(i), empty, 0); err != nil {
			return nil, errors.Wrap(err, "cache: writing empty patch log")
		}
	}
	return Open(ctx, ser, cfg)
}

// Open attaches to a cache previously initialized by Create, replaying
// its on-disk patch log into memory before accepting transactions.
func Open(ctx context.Context, ser serializer.Serializer, cfg config.Cache) (*Cache, error) {
	m := metrics.New()
	c := &Cache{
		ser:                  ser,
		pages:                pagemap.New(),
		replacer:             pagerepl.New(cfg.UnloadThreshold, m),
		patches:              patch.NewStore(),
		metrics:              m,
		cfg:                  cfg,
		nextSnapshotVersion:  innerbuf.FauxVersion + 1,
		activeSnapshots:      make(map[innerbuf.VersionID]*txn.Transaction),
		currentVersion:       innerbuf.FauxVersion + 1,
		ioAccount:            serializer.NewIOAccount(cfg.IOWorkers),
	}

	c.patchlog = patchlog.New(ser, block.Superblock+1, cfg.PatchLogBlocks)
	if err := c.patchlog.Load(ctx, c.patches); err != nil {
		return nil, errors.Wrap(err, "cache: loading patch log")
	}

	ratio := patchlog.MaxPatchesSizeRatioMinimal
	if cfg.WaitForFlush {
		ratio = patchlog.MaxPatchesSizeRatioDurable
	}
	c.writeback = writeback.New(writeback.Config{
		FlushInterval:     cfg.FlushInterval,
		MaxPatchesRatio:   ratio,
		MaxDirtySize:      cfg.MaxDirtySize,
		ReadAheadCapacity: cfg.ReadAheadCapacity,
	}, ser, c.pages, c.patches, c.patchlog, m)

	// Sync once before the writeback timer starts. Loading the patch
	// log above only fills the in-memory patch store and marks no block
	// dirty in writeback, so this pass finds nothing to write.
	if err := c.writeback.Sync(ctx); err != nil {
		return nil, errors.Wrap(err, "cache: initial sync after patch replay")
	}
	c.writeback.Start(ctx)

	return c, nil
}

// BeginTransaction starts a new Transaction against this cache.
func (c *Cache) BeginTransaction(ctx context.Context, access txn.Access, expectedChangeCount int, recency uint64) (*txn.Transaction, error) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return nil, errors.New("cache: BeginTransaction called while shutting down")
	}
	c.numLiveTransactions++
	c.mu.Unlock()

	if access == txn.AccessWrite {
		if err := c.writeback.ReserveDirtyBudget(ctx, expectedChangeCount); err != nil {
			c.mu.Lock()
			c.numLiveTransactions--
			c.mu.Unlock()
			return nil, err
		}
	}

	return txn.Begin(ctx, c, access, expectedChangeCount, recency)
}

// FindBuffer implements txn.Cache.
func (c *Cache) FindBuffer(id block.ID) (*innerbuf.Buffer, bool) {
	return c.pages.Get(id)
}

// LoadBuffer implements txn.Cache: reads id from the serializer (if
// not already resident) and tracks it for page replacement.
func (c *Cache) LoadBuffer(ctx context.Context, id block.ID) (*innerbuf.Buffer, error) {
	c.mu.Lock()
	if buf, ok := c.pages.Get(id); ok {
		c.mu.Unlock()
		return buf, nil
	}
	c.mu.Unlock()

	data, recency, ok, err := c.ser.DoRead(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: loading block %d", id)
	}
	if !ok {
		return nil, errors.Errorf("cache: block %d does not exist", id)
	}

	version := c.minSnapshotVersion(c.currentVersion)
	buf := innerbuf.Loaded(id, data, recency, version, c.patches, c.metrics)
	buf.Cache = c

	c.mu.Lock()
	c.makeSpaceLocked(1)
	c.pages.Set(buf)
	c.replacer.Track(buf)
	c.mu.Unlock()

	return buf, nil
}

// AllocateBuffer implements txn.Cache: reserves a fresh block id and
// returns a zeroed, resident buffer for it.
func (c *Cache) AllocateBuffer(ctx context.Context, snapshotVersion innerbuf.VersionID, recency uint64) (*innerbuf.Buffer, error) {
	id, err := c.ser.MallocBlockID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "cache: allocating block id")
	}

	version := snapshotVersion
	if version == innerbuf.FauxVersion {
		version = c.currentVersionSnapshot()
	}

	if existing, ok := c.pages.Get(id); ok {
		// A logically deleted block whose inner_buf survived because
		// an active snapshot still holds an older version of it.
		return existing, nil
	}

	buf := innerbuf.Allocated(id, version, recency, c.patches, c.metrics)
	buf.Cache = c

	c.mu.Lock()
	c.makeSpaceLocked(1)
	c.pages.Set(buf)
	c.replacer.Track(buf)
	c.mu.Unlock()

	return buf, nil
}

func (c *Cache) makeSpaceLocked(spaceNeeded int) {
	c.replacer.MakeSpace(spaceNeeded, func(b *innerbuf.Buffer) bool {
		return b.SafeToUnload()
	}, func(b *innerbuf.Buffer) {
		c.pages.Delete(b.ID)
		c.patches.Forget(b.ID)
	})
}

// CurrentVersion implements txn.Cache.
func (c *Cache) CurrentVersion() innerbuf.VersionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentVersion
}

func (c *Cache) currentVersionSnapshot() innerbuf.VersionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minSnapshotVersion(c.currentVersion)
}

// minSnapshotVersion returns the lowest version any active snapshot
// still needs to see at or before v, matching get_min_snapshot_version
// upstream: new buffers are born at a version visible to every
// currently active snapshot, not at the bleeding-edge current version.
func (c *Cache) minSnapshotVersion(v innerbuf.VersionID) innerbuf.VersionID {
	min := v
	for version := range c.activeSnapshots {
		if version < min {
			min = version
		}
	}
	return min
}

// FinalizeWriteVersion implements txn.Cache: mints a fresh version for
// a (non-snapshotted) write transaction's first acquire and makes it
// the new current version, so a later writer of the same block knows
// it must preserve a copy-on-write image for this one.
func (c *Cache) FinalizeWriteVersion() innerbuf.VersionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.nextSnapshotVersion
	c.nextSnapshotVersion++
	c.currentVersion = v
	return v
}

// RegisterSnapshot implements txn.Cache: assigns txn a fresh snapshot
// version and records it as active.
func (c *Cache) RegisterSnapshot(t *txn.Transaction) innerbuf.VersionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.nextSnapshotVersion
	c.nextSnapshotVersion++
	c.activeSnapshots[v] = t
	c.metrics.RegisteredSnapshots.Add(1)
	return v
}

// UnregisterSnapshot implements txn.Cache.
func (c *Cache) UnregisterSnapshot(t *txn.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for v, owner := range c.activeSnapshots {
		if owner == t {
			delete(c.activeSnapshots, v)
			c.metrics.RegisteredSnapshots.Add(-1)
			return
		}
	}
	panic("cache: tried to unregister a snapshot that doesn't exist")
}

// CalculateSnapshotsAffected counts active snapshots whose version
// falls in [snapshottedVersion, newVersion), i.e. transactions that
// can currently see the pre-write data and therefore need a
// copy-on-write image preserved for them.
func (c *Cache) CalculateSnapshotsAffected(snapshottedVersion, newVersion innerbuf.VersionID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countInRangeLocked(snapshottedVersion, newVersion)
}

// RegisterSnapshottedBlock both counts and registers the affected
// transactions with the snapshotted block, kept as a separate method
// from CalculateSnapshotsAffected (rather than folded together) so
// counting alone doesn't pay the cost of walking every transaction.
func (c *Cache) RegisterSnapshottedBlock(buf *innerbuf.Buffer, data []byte, snapshottedVersion, newVersion innerbuf.VersionID) int {
	c.mu.Lock()
	versions := make([]innerbuf.VersionID, 0, len(c.activeSnapshots))
	for v := range c.activeSnapshots {
		if v >= snapshottedVersion && v < newVersion {
			versions = append(versions, v)
		}
	}
	owners := make([]*txn.Transaction, 0, len(versions))
	for _, v := range versions {
		owners = append(owners, c.activeSnapshots[v])
	}
	c.mu.Unlock()

	for _, owner := range owners {
		owner.RegisterSnapshottedBlock(buf, data)
	}
	return len(owners)
}

func (c *Cache) countInRangeLocked(from, to innerbuf.VersionID) int {
	n := 0
	for v := range c.activeSnapshots {
		if v >= from && v < to {
			n++
		}
	}
	return n
}

// OnCommit implements txn.Cache: called when a transaction finishes,
// decrementing the live-transaction count and waking a waiting Close.
func (c *Cache) OnCommit(t *txn.Transaction) {
	c.mu.Lock()
	c.numLiveTransactions--
	remaining := c.numLiveTransactions
	waiter := c.lastTxnCommitted
	c.mu.Unlock()

	c.writeback.ReleaseDirtyBudget(0)

	if remaining == 0 && waiter != nil {
		close(waiter)
	}
}

// Pages implements txn.Cache.
func (c *Cache) Pages() *pagemap.Map { return c.pages }

// Patches implements txn.Cache.
func (c *Cache) Patches() *patch.Store { return c.patches }

// Writeback implements txn.Cache.
func (c *Cache) Writeback() handle.Writeback { return c.writeback }

// Serializer implements txn.Cache.
func (c *Cache) Serializer() serializer.Serializer { return c.ser }

// WaitForFlush implements txn.Cache: a write transaction's Commit
// blocks on writeback.SyncPatiently when this cache is configured for
// synchronous durability.
func (c *Cache) WaitForFlush() bool { return c.cfg.WaitForFlush }

// IsDirty implements innerbuf.Buffer's Cache callback interface,
// forwarding to writeback so SafeToUnload can refuse to evict a
// written-but-unflushed buffer.
func (c *Cache) IsDirty(id block.ID) bool { return c.writeback.IsDirty(id) }

// CanAcceptReadAhead reports whether a read-ahead-loaded block should
// be kept rather than discarded: not already resident, writeback has
// budget for it, and the cache isn't shutting down.
func (c *Cache) CanAcceptReadAhead(id block.ID) bool {
	c.mu.Lock()
	down := c.shuttingDown
	c.mu.Unlock()
	if down {
		return false
	}
	return c.writeback.CanAcceptReadAhead(id, c.pages)
}

// OfferReadAhead accepts a block prefetched by the serializer,
// tracking it exactly as a demand-loaded block would be, or logging
// and discarding it if the cache is shutting down (the shutdown-race
// error class: no error surfaced, just a debug log).
func (c *Cache) OfferReadAhead(id block.ID, data []byte, recency uint64) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		logger.Debugf("cache: discarding read-ahead block %d, shutting down", id)
		return
	}
	if !c.writeback.CanAcceptReadAhead(id, c.pages) {
		c.mu.Unlock()
		c.metrics.ReadAheadRejected.Add(1)
		return
	}
	version := c.minSnapshotVersion(c.currentVersion)
	c.mu.Unlock()

	buf := innerbuf.Loaded(id, data, recency, version, c.patches, c.metrics)
	buf.Cache = c

	c.mu.Lock()
	if _, resident := c.pages.Get(id); resident || c.shuttingDown {
		c.mu.Unlock()
		return
	}
	c.makeSpaceLocked(1)
	c.pages.Set(buf)
	c.replacer.Track(buf)
	c.mu.Unlock()
	c.metrics.ReadAheadAccepted.Add(1)
}

// Close drains the cache: stops accepting new transactions, waits for
// live ones to commit, performs a final sync, and frees every
// resident buffer.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	c.shuttingDown = true
	remaining := c.numLiveTransactions
	var waiter chan struct{}
	if remaining > 0 {
		waiter = make(chan struct{})
		c.lastTxnCommitted = waiter
	}
	c.mu.Unlock()

	if waiter != nil {
		select {
		case <-waiter:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.writeback.Stop()
	if err := c.writeback.Sync(ctx); err != nil {
		return errors.Wrap(err, "cache: final sync")
	}

	c.ioAccount.Close()

	c.mu.Lock()
	var ids []block.ID
	c.pages.Each(func(b *innerbuf.Buffer) { ids = append(ids, b.ID) })
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		c.pages.Delete(id)
	}

	return c.ser.Close()
}

// Metrics returns the cache's counters.
func (c *Cache) Metrics() *metrics.Metrics { return c.metrics }
