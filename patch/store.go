package patch

import (
	"sync"

	"github.com/mirrorstore/bufcache/block"
)

// Store is the in-memory, per-block patch list (component B).
// Patches accumulate here between writeback flushes. A flush that
// writes the block whole clears the list. A flush that appends the
// patches to the on-disk patch log leaves them in the list; later
// flushes skip, by counter, the ones already logged.
type Store struct {
	mu      sync.Mutex
	patches map[block.ID][]*Patch
	next    map[block.ID]uint64
}

// NewStore returns an empty patch store.
func NewStore() *Store {
	return &Store{
		patches: make(map[block.ID][]*Patch),
		next:    make(map[block.ID]uint64),
	}
}

// Append records a patch for id, assigning it the next counter value
// for that block, and returns the stamped patch.
func (s *Store) Append(id block.ID, p *Patch) *Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Counter = s.next[id]
	s.next[id] = p.Counter + 1
	s.patches[id] = append(s.patches[id], p)
	return p
}

// Patches returns a snapshot of the patch list for id, oldest first.
func (s *Store) Patches(id block.ID) []*Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.patches[id]
	if len(src) == 0 {
		return nil
	}
	out := make([]*Patch, len(src))
	copy(out, src)
	return out
}

// AffectedDataSize sums the affected-size estimate of every pending
// patch for id (get_affected_data_size upstream), used to decide
// whether one more patch would push the block over its patch budget.
func (s *Store) AffectedDataSize(id block.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := 0
	for _, p := range s.patches[id] {
		size += p.AffectedDataSize()
	}
	return size
}

// Count reports how many patches are pending for id.
func (s *Store) Count(id block.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.patches[id])
}

// Clear discards every pending patch for id, e.g. once a full-block
// write supersedes them.
func (s *Store) Clear(id block.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.patches, id)
}

// SeedCounter sets the next counter to allocate for id, used when
// replaying a patch log recovered from disk so freshly appended
// patches continue the persisted sequence instead of restarting at 0.
func (s *Store) SeedCounter(id block.ID, next uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.next[id]; !ok || next > cur {
		s.next[id] = next
	}
}

// Forget drops all bookkeeping for id, e.g. once its inner buffer is
// evicted and its dirty state has been fully written back.
func (s *Store) Forget(id block.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.patches, id)
	delete(s.next, id)
}
