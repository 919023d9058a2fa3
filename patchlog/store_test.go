package patchlog

import (
	"context"
	"testing"

	"github.com/smartystreets/assertions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorstore/bufcache/block"
	"github.com/mirrorstore/bufcache/patch"
)

// memSerializer is a minimal in-memory serializer.Serializer used
// only to exercise the patch log without touching a real file.
type memSerializer struct {
	blockSize int
	blocks    map[block.ID][]byte
	nextID    block.ID
}

func newMemSerializer(blockSize int) *memSerializer {
	return &memSerializer{blockSize: blockSize, blocks: make(map[block.ID][]byte)}
}

func (m *memSerializer) BlockSize() int { return m.blockSize }

func (m *memSerializer) DoRead(ctx context.Context, id block.ID) ([]byte, uint64, bool, error) {
	data, ok := m.blocks[id]
	if !ok {
		return nil, 0, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, 0, true, nil
}

func (m *memSerializer) DoWrite(ctx context.Context, id block.ID, data []byte, recency uint64) (uint64, error) {
	stored := make([]byte, len(data))
	copy(stored, data)
	m.blocks[id] = stored
	return 1, nil
}

func (m *memSerializer) GetRecency(ctx context.Context, id block.ID) (uint64, error) { return 0, nil }
func (m *memSerializer) GetCurrentTransactionID(ctx context.Context, id block.ID) (uint64, error) {
	return 0, nil
}
func (m *memSerializer) MallocBlockID(ctx context.Context) (block.ID, error) {
	id := m.nextID
	m.nextID++
	return id, nil
}
func (m *memSerializer) FreeBlockID(ctx context.Context, id block.ID) error { return nil }
func (m *memSerializer) Sync(ctx context.Context) error                    { return nil }
func (m *memSerializer) Close() error                                      { return nil }

func TestEncodeDecodeRecordRoundTrip(t *testing.T) {
	cases := []*patch.Patch{
		patch.NewCopy(3, 10, 20, 5),
		patch.NewMove(4, 1, 2, 3),
		patch.NewLeafInsert(5, 7, []byte("payload")),
		patch.NewLeafRemove(6, 8, 9),
		patch.NewLeafShift(7, 11, 4, -2),
	}
	id := block.ID(42)
	for _, p := range cases {
		rec := encodeRecord(id, p)
		gotID, got, next, ok, err := decodeRecord(rec, 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, len(rec), next)
		assert.Equal(t, id, gotID)
		assert.Equal(t, p.Kind, got.Kind)
		assert.Equal(t, p.Counter, got.Counter)
	}
}

func TestDecodeRecordDetectsZeroedTailAsEndOfLog(t *testing.T) {
	buf := make([]byte, 64)
	_, _, _, ok, err := decodeRecord(buf, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeRecordDetectsChecksumMismatch(t *testing.T) {
	rec := encodeRecord(block.ID(1), patch.NewCopy(1, 0, 1, 1))
	rec[len(rec)-1] ^= 0xFF // corrupt the stored checksum
	_, _, _, ok, err := decodeRecord(rec, 0)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestThreshold(t *testing.T) {
	assert.Equal(t, 4096, Threshold(16384, MaxPatchesSizeRatioDurable))
	assert.Equal(t, 8192, Threshold(16384, MaxPatchesSizeRatioMinimal))
}

func TestStoreAppendAndLoadRoundTrip(t *testing.T) {
	ser := newMemSerializer(256)
	store := New(ser, block.ID(0), 2)

	ctx := context.Background()
	id := block.ID(7)
	require.NoError(t, store.Append(ctx, id, patch.NewLeafInsert(0, 0, []byte("hi"))))
	require.NoError(t, store.Append(ctx, id, patch.NewLeafInsert(1, 0, []byte("there"))))

	patches := patch.NewStore()
	require.NoError(t, store.Load(ctx, patches))
	assert.Equal(t, 2, patches.Count(id))
}

func TestStoreAppendRollsOverToNextBlock(t *testing.T) {
	ser := newMemSerializer(40) // small enough that a couple of records force rollover
	store := New(ser, block.ID(0), 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := store.Append(ctx, block.ID(1), patch.NewLeafInsert(uint64(i), 0, []byte("xx")))
		require.NoError(t, err)
	}

	first, count := store.BlockRange()
	assert.Equal(t, block.ID(0), first)
	assert.Equal(t, 2, count)
	// Both blocks in the range should have received at least one write.
	_, _, ok0, _ := ser.DoRead(ctx, block.ID(0))
	_, _, ok1, _ := ser.DoRead(ctx, block.ID(1))
	assert.True(t, ok0)
	assert.True(t, ok1)
}

func TestEncodeRecordRoundTripsPayloadBytes(t *testing.T) {
	p := patch.NewLeafInsert(1, 0, []byte("payload"))
	rec := encodeRecord(block.ID(9), p)
	_, got, _, ok, err := decodeRecord(rec, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, assertions.ShouldResemble(got.Data, p.Data))
}

func TestStoreResetRewindsCursor(t *testing.T) {
	ser := newMemSerializer(256)
	store := New(ser, block.ID(0), 1)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, block.ID(1), patch.NewLeafInsert(0, 0, []byte("a"))))
	store.Reset()
	assert.Equal(t, 0, store.cur)
	assert.Equal(t, 0, store.offset)
}
