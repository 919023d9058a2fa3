package patchlog

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/mirrorstore/bufcache/block"
	"github.com/mirrorstore/bufcache/logger"
	"github.com/mirrorstore/bufcache/patch"
	"github.com/mirrorstore/bufcache/serializer"
)

// Size-ratio constants controlling how much of a block's capacity the
// in-memory patch list for that block may consume before writeback
// forces a full-block flush instead of materializing patches.
// "Durable" is conservative (flush sooner, smaller disk log); "Minimal"
// trades more in-memory patch buildup for fewer full-block writes.
const (
	MaxPatchesSizeRatioDurable = 4
	MaxPatchesSizeRatioMinimal = 2
)

// Threshold returns the byte budget for a single block's pending
// in-memory patches given blockSize and one of the ratio constants
// above.
func Threshold(blockSize, ratio int) int {
	return blockSize / ratio
}

// Store is the durable, append-only on-disk patch log. It occupies a
// fixed, contiguous range of blocks reserved by the cache at creation
// time and wraps around once full, overwriting the oldest records —
// the assumption (shared with the original) is that writeback
// materializes patches faster than the log can wrap.
type Store struct {
	mu    sync.Mutex
	ser   serializer.Serializer
	first block.ID
	count int

	cur    int // index into [0,count) of the block currently being filled
	offset int // write cursor within the current block's payload

	blockSize int
}

// New returns a Store writing into the `count` blocks starting at
// first.
func New(ser serializer.Serializer, first block.ID, count int) *Store {
	return &Store{ser: ser, first: first, count: count, blockSize: ser.BlockSize()}
}

// Load reads every block in the reserved range and replays the
// patches found into patches, seeding each block's next-counter value
// in the in-memory store so subsequently appended patches continue
// the persisted sequence.
func (s *Store) Load(ctx context.Context, patches *patch.Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	highestCounter := make(map[block.ID]uint64)

	for i := 0; i < s.count; i++ {
		data, _, ok, err := s.ser.DoRead(ctx, s.first+block.ID(i))
		if err != nil {
			return errors.Annotatef(err, "patchlog: reading log block %d", i)
		}
		if !ok {
			continue
		}
		cursor := 0
		for {
			id, p, next, ok, err := decodeRecord(data, cursor)
			if err != nil {
				logger.Errorf("patchlog: corrupt record in log block %d at offset %d: %v", i, cursor, err)
				return errors.Trace(err)
			}
			if !ok {
				break
			}
			patches.SeedCounter(id, p.Counter)
			patches.Append(id, p)
			if p.Counter > highestCounter[id] {
				highestCounter[id] = p.Counter
			}
			cursor = next
		}
	}

	for id, counter := range highestCounter {
		patches.SeedCounter(id, counter+1)
	}
	return nil
}

// Append serializes and writes one patch record to the current log
// block, rolling over to the next block (wrapping around to the first
// once past the last) when it no longer fits.
func (s *Store) Append(ctx context.Context, id block.ID, p *patch.Patch) error {
	rec := encodeRecord(id, p)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offset+len(rec) > s.blockSize {
		s.cur = (s.cur + 1) % s.count
		s.offset = 0
	}
	if len(rec) > s.blockSize {
		return errors.Errorf("patchlog: record of %d bytes does not fit in a %d byte block", len(rec), s.blockSize)
	}

	blockData, _, ok, err := s.ser.DoRead(ctx, s.first+block.ID(s.cur))
	if err != nil {
		return errors.Annotate(err, "patchlog: reading log block before append")
	}
	if !ok || len(blockData) != s.blockSize {
		blockData = make([]byte, s.blockSize)
	} else {
		fresh := make([]byte, s.blockSize)
		copy(fresh, blockData)
		blockData = fresh
	}
	copy(blockData[s.offset:], rec)
	s.offset += len(rec)

	if _, err := s.ser.DoWrite(ctx, s.first+block.ID(s.cur), blockData, 0); err != nil {
		return errors.Annotate(err, "patchlog: writing log block")
	}
	return nil
}

// Reset clears the log's write cursor back to the start, e.g. after
// writeback has materialized every pending patch and the log no
// longer needs to retain anything.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = 0
	s.offset = 0
}

// BlockRange reports the reserved block range this store occupies, so
// the owning cache can exclude it from the regular block-id free list.
func (s *Store) BlockRange() (first block.ID, count int) {
	return s.first, s.count
}
