// Package pagemap implements the block-id to resident-buffer lookup
// (component E).
package pagemap

import (
	"sync"

	"github.com/mirrorstore/bufcache/block"
	"github.com/mirrorstore/bufcache/innerbuf"
)

// Map is a concurrency-safe block-id to *innerbuf.Buffer table. Cache
// methods run on their callers' goroutines, so every lookup, including
// the one on each Acquire, goes through this mutex.
type Map struct {
	mu   sync.RWMutex
	bufs map[block.ID]*innerbuf.Buffer
}

// New returns an empty Map.
func New() *Map {
	return &Map{bufs: make(map[block.ID]*innerbuf.Buffer)}
}

// Get returns the resident buffer for id, if any.
func (m *Map) Get(id block.ID) (*innerbuf.Buffer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bufs[id]
	return b, ok
}

// Set records buf as the resident buffer for its id.
func (m *Map) Set(buf *innerbuf.Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufs[buf.ID] = buf
}

// Delete removes id from the map, e.g. once its buffer has been
// evicted or unloaded.
func (m *Map) Delete(id block.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bufs, id)
}

// Len reports how many blocks are currently resident.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bufs)
}

// Each calls fn once per resident buffer. fn must not call back into
// the Map.
func (m *Map) Each(fn func(*innerbuf.Buffer)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bufs {
		fn(b)
	}
}
