package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorstore/bufcache/block"
	"github.com/mirrorstore/bufcache/config"
	"github.com/mirrorstore/bufcache/serializer"
	"github.com/mirrorstore/bufcache/txn"
)

func testConfig() config.Cache {
	cfg := config.Default()
	cfg.FlushInterval = 0 // no periodic ticker during tests; Close runs a final Sync
	return cfg
}

func tempPath(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "bufcache-*.dat")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())
	t.Cleanup(func() { os.Remove(path) })
	return path
}

func openFresh(t *testing.T, path string, cfg config.Cache) *Cache {
	t.Helper()
	ser, err := serializer.OpenFileSerializer(path, cfg.BlockSize, ReservedBlocks(cfg))
	require.NoError(t, err)
	c, err := Create(context.Background(), ser, cfg)
	require.NoError(t, err)
	return c
}

func TestCreateBeginTransactionWriteReadRoundTrip(t *testing.T) {
	cfg := testConfig()
	path := tempPath(t)
	c := openFresh(t, path, cfg)

	ctx := context.Background()
	w, err := c.BeginTransaction(ctx, txn.AccessWrite, 1, 1)
	require.NoError(t, err)
	h, err := w.Allocate(ctx)
	require.NoError(t, err)
	id := h.BlockID()
	h.SetData(0, []byte("hello cache"))
	h.Release()
	require.NoError(t, w.Commit(ctx))

	r, err := c.BeginTransaction(ctx, txn.AccessRead, 0, 0)
	require.NoError(t, err)
	rh, err := r.Acquire(ctx, id, block.ModeRead, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "hello cache", string(rh.ReadData()[:11]))
	rh.Release()
	require.NoError(t, r.Commit(ctx))

	require.NoError(t, c.Close(ctx))
}

func TestDataSurvivesCloseAndReopen(t *testing.T) {
	cfg := testConfig()
	path := tempPath(t)
	c := openFresh(t, path, cfg)
	ctx := context.Background()

	w, err := c.BeginTransaction(ctx, txn.AccessWrite, 1, 1)
	require.NoError(t, err)
	h, err := w.Allocate(ctx)
	require.NoError(t, err)
	id := h.BlockID()
	h.SetData(0, []byte("durable"))
	h.Release()
	require.NoError(t, w.Commit(ctx))
	require.NoError(t, c.Close(ctx))

	ser2, err := serializer.OpenFileSerializer(path, cfg.BlockSize, ReservedBlocks(cfg))
	require.NoError(t, err)
	c2, err := Open(ctx, ser2, cfg)
	require.NoError(t, err)
	defer c2.Close(ctx)

	r, err := c2.BeginTransaction(ctx, txn.AccessRead, 0, 0)
	require.NoError(t, err)
	rh, err := r.Acquire(ctx, id, block.ModeRead, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "durable", string(rh.ReadData()[:7]))
	rh.Release()
	require.NoError(t, r.Commit(ctx))
}

func TestSnapshottedReadIsolatedFromLaterWrite(t *testing.T) {
	cfg := testConfig()
	path := tempPath(t)
	c := openFresh(t, path, cfg)
	ctx := context.Background()

	w, err := c.BeginTransaction(ctx, txn.AccessWrite, 1, 1)
	require.NoError(t, err)
	h, err := w.Allocate(ctx)
	require.NoError(t, err)
	id := h.BlockID()
	h.SetData(0, []byte("v1 data"))
	h.Release()
	require.NoError(t, w.Commit(ctx))

	reader, err := c.BeginTransaction(ctx, txn.AccessRead, 0, 0)
	require.NoError(t, err)
	reader.Snapshot()
	rh1, err := reader.Acquire(ctx, id, block.ModeRead, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "v1 data", string(rh1.ReadData()[:7]))
	rh1.Release()

	w2, err := c.BeginTransaction(ctx, txn.AccessWrite, 1, 2)
	require.NoError(t, err)
	wh2, err := w2.Acquire(ctx, id, block.ModeWrite, nil, true)
	require.NoError(t, err)
	wh2.SetData(0, []byte("v2 data"))
	wh2.Release()
	require.NoError(t, w2.Commit(ctx))

	rh2, err := reader.Acquire(ctx, id, block.ModeRead, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "v1 data", string(rh2.ReadData()[:7]), "snapshotted reader must not observe the later write")
	rh2.Release()
	require.NoError(t, reader.Commit(ctx))

	fresh, err := c.BeginTransaction(ctx, txn.AccessRead, 0, 0)
	require.NoError(t, err)
	fh, err := fresh.Acquire(ctx, id, block.ModeRead, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "v2 data", string(fh.ReadData()[:7]))
	fh.Release()
	require.NoError(t, fresh.Commit(ctx))

	require.NoError(t, c.Close(ctx))
}

func TestCloseRejectsNewTransactions(t *testing.T) {
	cfg := testConfig()
	path := tempPath(t)
	c := openFresh(t, path, cfg)
	ctx := context.Background()

	require.NoError(t, c.Close(ctx))

	_, err := c.BeginTransaction(ctx, txn.AccessRead, 0, 0)
	assert.Error(t, err)
}

func TestCloseWaitsForLiveTransactionToCommit(t *testing.T) {
	cfg := testConfig()
	path := tempPath(t)
	c := openFresh(t, path, cfg)
	ctx := context.Background()

	w, err := c.BeginTransaction(ctx, txn.AccessWrite, 1, 1)
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- c.Close(ctx) }()

	time.Sleep(20 * time.Millisecond) // give Close a chance to start waiting
	require.NoError(t, w.Commit(ctx))

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close never returned after the live transaction committed")
	}
}
