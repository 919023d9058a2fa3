package txn

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorstore/bufcache/block"
	"github.com/mirrorstore/bufcache/handle"
	"github.com/mirrorstore/bufcache/innerbuf"
	"github.com/mirrorstore/bufcache/metrics"
	"github.com/mirrorstore/bufcache/pagemap"
	"github.com/mirrorstore/bufcache/patch"
	"github.com/mirrorstore/bufcache/serializer"
)

// fakeWriteback is the minimal handle.Writeback a test buffer needs.
type fakeWriteback struct {
	mu         sync.Mutex
	needsFlush map[block.ID]bool
	syncCalls  int
}

func newFakeWriteback() *fakeWriteback {
	return &fakeWriteback{needsFlush: make(map[block.ID]bool)}
}

func (w *fakeWriteback) NeedsFlush(id block.ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.needsFlush[id]
}
func (w *fakeWriteback) EnsureFlush(id block.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.needsFlush[id] = true
}
func (w *fakeWriteback) SetDirty(block.ID)                {}
func (w *fakeWriteback) MarkBlockDeleted(block.ID, bool) {}
func (w *fakeWriteback) OverPatchBudget(block.ID, int) bool { return false }
func (w *fakeWriteback) SyncPatiently(context.Context) <-chan struct{} {
	w.mu.Lock()
	w.syncCalls++
	w.mu.Unlock()
	done := make(chan struct{})
	close(done)
	return done
}

func (w *fakeWriteback) syncCallCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncCalls
}

// fakeCache is a from-scratch stand-in for the real cache package,
// implementing both txn.Cache and the anonymous Cache interface
// innerbuf.Buffer.Cache expects, so the version-minting and
// copy-on-write interaction can be tested without the real container.
type fakeCache struct {
	mu sync.Mutex

	buffers map[block.ID]*innerbuf.Buffer
	nextID  block.ID

	currentVersion      innerbuf.VersionID
	nextSnapshotVersion innerbuf.VersionID
	activeSnapshots     map[innerbuf.VersionID]*Transaction

	patches *patch.Store
	wb      handle.Writeback
	ser     serializer.Serializer

	committed    []*Transaction
	waitForFlush bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		buffers:             make(map[block.ID]*innerbuf.Buffer),
		currentVersion:      1,
		nextSnapshotVersion: 1,
		activeSnapshots:     make(map[innerbuf.VersionID]*Transaction),
		patches:             patch.NewStore(),
		wb:                  newFakeWriteback(),
	}
}

func (c *fakeCache) put(buf *innerbuf.Buffer) {
	buf.Cache = c
	c.buffers[buf.ID] = buf
}

func (c *fakeCache) FindBuffer(id block.ID) (*innerbuf.Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buffers[id]
	return b, ok
}

func (c *fakeCache) LoadBuffer(ctx context.Context, id block.ID) (*innerbuf.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buffers[id]
	if !ok {
		return nil, errNotFound
	}
	return b, nil
}

func (c *fakeCache) AllocateBuffer(ctx context.Context, snapshotVersion innerbuf.VersionID, recency uint64) (*innerbuf.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	version := snapshotVersion
	if version == innerbuf.FauxVersion {
		version = c.currentVersion
	}
	buf := innerbuf.Allocated(id, version, recency, c.patches, metrics.New())
	buf.Cache = c
	c.buffers[id] = buf
	return buf, nil
}

func (c *fakeCache) CurrentVersion() innerbuf.VersionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentVersion
}

func (c *fakeCache) FinalizeWriteVersion() innerbuf.VersionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.nextSnapshotVersion
	c.nextSnapshotVersion++
	c.currentVersion = v
	return v
}

func (c *fakeCache) RegisterSnapshot(t *Transaction) innerbuf.VersionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.nextSnapshotVersion
	c.nextSnapshotVersion++
	c.activeSnapshots[v] = t
	return v
}

func (c *fakeCache) UnregisterSnapshot(t *Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for v, owner := range c.activeSnapshots {
		if owner == t {
			delete(c.activeSnapshots, v)
			return
		}
	}
	panic("fakeCache: unregister of unknown snapshot")
}

func (c *fakeCache) OnCommit(t *Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, t)
}

func (c *fakeCache) Pages() *pagemap.Map            { return nil }
func (c *fakeCache) Patches() *patch.Store          { return c.patches }
func (c *fakeCache) Writeback() handle.Writeback    { return c.wb }
func (c *fakeCache) Serializer() serializer.Serializer { return c.ser }

func (c *fakeCache) CalculateSnapshotsAffected(from, to innerbuf.VersionID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for v := range c.activeSnapshots {
		if v >= from && v < to {
			n++
		}
	}
	return n
}

func (c *fakeCache) RegisterSnapshottedBlock(buf *innerbuf.Buffer, data []byte, from, to innerbuf.VersionID) int {
	c.mu.Lock()
	var owners []*Transaction
	for v, owner := range c.activeSnapshots {
		if v >= from && v < to {
			owners = append(owners, owner)
		}
	}
	c.mu.Unlock()
	for _, owner := range owners {
		owner.RegisterSnapshottedBlock(buf, data)
	}
	return len(owners)
}

func (c *fakeCache) IsDirty(block.ID) bool { return false }

func (c *fakeCache) WaitForFlush() bool { return c.waitForFlush }

type notFoundError struct{}

func (notFoundError) Error() string { return "fakeCache: block not found" }

var errNotFound = notFoundError{}

func TestBeginRejectsNonZeroExpectedChangeCountForRead(t *testing.T) {
	cache := newFakeCache()
	assert.Panics(t, func() {
		_, _ = Begin(context.Background(), cache, AccessRead, 1, 0)
	})
}

func TestAllocateAdvancesCacheCurrentVersion(t *testing.T) {
	cache := newFakeCache()
	ctx := context.Background()

	// Register a snapshot first so nextSnapshotVersion has already
	// moved past the cache's initial current version, making the
	// "first write advances current version" check meaningful.
	cache.RegisterSnapshot(nil)
	before := cache.CurrentVersion()

	tx, err := Begin(ctx, cache, AccessWrite, 1, 7)
	require.NoError(t, err)
	h, err := tx.Allocate(ctx)
	require.NoError(t, err)

	assert.Greater(t, cache.CurrentVersion(), before)
	assert.NotEqual(t, block.NullID, h.BlockID())
}

func TestAcquireReturnsHandleForResidentBlock(t *testing.T) {
	cache := newFakeCache()
	buf := innerbuf.Allocated(block.ID(5), 1, 0, cache.patches, metrics.New())
	cache.put(buf)

	ctx := context.Background()
	tx, err := Begin(ctx, cache, AccessRead, 0, 0)
	require.NoError(t, err)
	h, err := tx.Acquire(ctx, block.ID(5), block.ModeRead, nil, true)
	require.NoError(t, err)
	assert.Equal(t, block.ID(5), h.BlockID())
	h.Release()
}

func TestSnapshotAfterFirstAcquirePanics(t *testing.T) {
	cache := newFakeCache()
	buf := innerbuf.Allocated(block.ID(1), 1, 0, cache.patches, metrics.New())
	cache.put(buf)

	ctx := context.Background()
	tx, err := Begin(ctx, cache, AccessRead, 0, 0)
	require.NoError(t, err)
	h, err := tx.Acquire(ctx, block.ID(1), block.ModeRead, nil, true)
	require.NoError(t, err)
	h.Release()

	assert.Panics(t, func() { tx.Snapshot() })
}

func TestSnapshottedReadSurvivesConcurrentWrite(t *testing.T) {
	cache := newFakeCache()
	ctx := context.Background()

	buf := innerbuf.Allocated(block.ID(10), cache.CurrentVersion(), 0, cache.patches, metrics.New())
	copy(buf.Data(), []byte("before"))
	cache.put(buf)

	reader, err := Begin(ctx, cache, AccessRead, 0, 0)
	require.NoError(t, err)
	reader.Snapshot()

	h1, err := reader.Acquire(ctx, block.ID(10), block.ModeRead, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "before", string(h1.ReadData()[:6]))
	h1.Release() // give up the read lock; the snapshot stays registered

	writer, err := Begin(ctx, cache, AccessWrite, 1, 0)
	require.NoError(t, err)
	h2, err := writer.Acquire(ctx, block.ID(10), block.ModeWrite, nil, true)
	require.NoError(t, err)
	h2.SetData(0, []byte("after!"))
	h2.Release()
	require.NoError(t, writer.Commit(ctx))

	// The reader re-acquires the same block: since its snapshot
	// version predates the write's freshly minted version, it must
	// still see the pre-write image, not the writer's overwrite.
	h3, err := reader.Acquire(ctx, block.ID(10), block.ModeRead, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "before", string(h3.ReadData()[:6]))
	h3.Release()

	require.NoError(t, reader.Commit(ctx))
}

// TestCommitWaitsForSyncOnWriteWhenWaitForFlushConfigured exercises
// spec.md's "if access == write and cache is in wait_for_flush mode,
// patiently requests a sync and waits on its completion" requirement:
// a write transaction's Commit must call through to
// writeback.SyncPatiently, while a read transaction's Commit must not.
func TestCommitWaitsForSyncOnWriteWhenWaitForFlushConfigured(t *testing.T) {
	cache := newFakeCache()
	cache.waitForFlush = true
	ctx := context.Background()

	writer, err := Begin(ctx, cache, AccessWrite, 0, 0)
	require.NoError(t, err)
	require.NoError(t, writer.Commit(ctx))
	assert.Equal(t, 1, cache.wb.(*fakeWriteback).syncCallCount())

	reader, err := Begin(ctx, cache, AccessRead, 0, 0)
	require.NoError(t, err)
	require.NoError(t, reader.Commit(ctx))
	assert.Equal(t, 1, cache.wb.(*fakeWriteback).syncCallCount(), "a read commit must not wait for a sync")
}

func TestCommitTwicePanics(t *testing.T) {
	cache := newFakeCache()
	tx, err := Begin(context.Background(), cache, AccessRead, 0, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(context.Background()))
	assert.Panics(t, func() { _ = tx.Commit(context.Background()) })
}

func TestCommitUnregistersSnapshotAndReleasesOwnedImages(t *testing.T) {
	cache := newFakeCache()
	ctx := context.Background()

	buf := innerbuf.Allocated(block.ID(20), cache.CurrentVersion(), 0, cache.patches, metrics.New())
	cache.put(buf)

	reader, err := Begin(ctx, cache, AccessRead, 0, 0)
	require.NoError(t, err)
	reader.Snapshot()
	h1, err := reader.Acquire(ctx, block.ID(20), block.ModeRead, nil, true)
	require.NoError(t, err)
	h1.Release()

	writer, err := Begin(ctx, cache, AccessWrite, 1, 0)
	require.NoError(t, err)
	h2, err := writer.Acquire(ctx, block.ID(20), block.ModeWrite, nil, true)
	require.NoError(t, err)
	h2.SetData(0, []byte("x"))
	h2.Release()
	require.NoError(t, writer.Commit(ctx))

	assert.Len(t, cache.activeSnapshots, 1)
	require.NoError(t, reader.Commit(ctx))
	assert.Len(t, cache.activeSnapshots, 0)
}
