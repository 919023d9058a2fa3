package serializer

import (
	"context"
	"encoding/binary"
	"os"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"

	"github.com/mirrorstore/bufcache/block"
)

// recordHeaderSize is the fixed prefix written before every block's
// data on disk: recency (8 bytes) + transaction id (8 bytes) + xxhash
// checksum of the data (8 bytes).
const recordHeaderSize = 24

// ErrChecksumMismatch is returned by DoRead when a block's stored
// checksum does not match its data — the corruption-at-rest class.
var ErrChecksumMismatch = errors.New("serializer: block checksum mismatch")

// FileSerializer is a real-disk Serializer backed by a single flat
// file addressed by fixed-size block slots, generalized from
// tablespace-relative page addressing to a flat block-id space.
type FileSerializer struct {
	mu        sync.Mutex
	file      *os.File
	blockSize int
	nextID    block.ID
	freeIDs   []block.ID
	txCounter uint64
}

// OpenFileSerializer opens (creating if necessary) a block store at
// path with the given block size. reservedBlocks excludes the low ids
// [0, reservedBlocks) from MallocBlockID — the caller's fixed-address
// blocks (a superblock, a patch log range) live there and are read
// and written directly by id, never handed out as a fresh allocation.
func OpenFileSerializer(path string, blockSize int, reservedBlocks int) (*FileSerializer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "serializer: opening %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "serializer: stat")
	}
	slotSize := int64(blockSize + recordHeaderSize)
	nextID := block.ID(info.Size() / slotSize)
	if nextID < block.ID(reservedBlocks) {
		nextID = block.ID(reservedBlocks)
	}
	return &FileSerializer{file: f, blockSize: blockSize, nextID: nextID}, nil
}

func (s *FileSerializer) BlockSize() int { return s.blockSize }

func (s *FileSerializer) slotOffset(id block.ID) int64 {
	return int64(id) * int64(s.blockSize+recordHeaderSize)
}

func (s *FileSerializer) DoRead(ctx context.Context, id block.ID) ([]byte, uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, s.blockSize+recordHeaderSize)
	n, err := s.file.ReadAt(buf, s.slotOffset(id))
	if err != nil || n < recordHeaderSize {
		return nil, 0, false, nil
	}

	recency := binary.BigEndian.Uint64(buf[0:8])
	txID := binary.BigEndian.Uint64(buf[8:16])
	storedChecksum := binary.BigEndian.Uint64(buf[16:24])
	data := buf[recordHeaderSize:]

	if recency == 0 && txID == 0 && storedChecksum == 0 && allZero(data) {
		return nil, 0, false, nil
	}

	h := xxhash.New64()
	h.Write(data)
	if h.Sum64() != storedChecksum {
		return nil, 0, false, errors.WithStack(ErrChecksumMismatch)
	}
	return data, recency, true, nil
}

func (s *FileSerializer) DoWrite(ctx context.Context, id block.ID, data []byte, recency uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(data) != s.blockSize {
		panic("serializer: DoWrite called with data not matching BlockSize")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.txCounter++
	txID := s.txCounter

	h := xxhash.New64()
	h.Write(data)
	checksum := h.Sum64()

	buf := make([]byte, recordHeaderSize+len(data))
	binary.BigEndian.PutUint64(buf[0:8], recency)
	binary.BigEndian.PutUint64(buf[8:16], txID)
	binary.BigEndian.PutUint64(buf[16:24], checksum)
	copy(buf[recordHeaderSize:], data)

	if _, err := s.file.WriteAt(buf, s.slotOffset(id)); err != nil {
		return 0, errors.Wrapf(err, "serializer: writing block %d", id)
	}
	return txID, nil
}

func (s *FileSerializer) GetRecency(ctx context.Context, id block.ID) (uint64, error) {
	_, recency, _, err := s.DoRead(ctx, id)
	return recency, err
}

func (s *FileSerializer) GetCurrentTransactionID(ctx context.Context, id block.ID) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, 16)
	n, err := s.file.ReadAt(buf, s.slotOffset(id))
	if err != nil || n < 16 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(buf[8:16]), nil
}

func (s *FileSerializer) MallocBlockID(ctx context.Context) (block.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.freeIDs); n > 0 {
		id := s.freeIDs[n-1]
		s.freeIDs = s.freeIDs[:n-1]
		return id, nil
	}
	id := s.nextID
	s.nextID++
	return id, nil
}

func (s *FileSerializer) FreeBlockID(ctx context.Context, id block.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeIDs = append(s.freeIDs, id)
	return nil
}

func (s *FileSerializer) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(s.file.Sync(), "serializer: fsync")
}

func (s *FileSerializer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
