// Package pagerepl implements randomized page replacement (component
// F): resident buffers live in a dense slice, and eviction samples
// candidates at random rather than walking an LRU list. This trades
// recency-awareness for avoiding LRU list-maintenance overhead on
// every access — a deliberate departure from a conventional LRU pool,
// grounded directly on the upstream page_repl_random_t.
package pagerepl

import (
	"math/rand"

	"github.com/mirrorstore/bufcache/innerbuf"
	"github.com/mirrorstore/bufcache/logger"
	"github.com/mirrorstore/bufcache/metrics"
)

// NumTries bounds how many random samples MakeSpace takes before
// giving up on finding an evictable buffer in one pass.
const NumTries = 10

// Replacer tracks every resident buffer in a dense, swap-remove-able
// slice, and evicts by random sampling when the cache is over its
// unload threshold.
type Replacer struct {
	array           []*innerbuf.Buffer
	unloadThreshold int
	metrics         *metrics.Metrics
}

// New returns a Replacer that tries to keep the cache at or under
// unloadThreshold resident buffers.
func New(unloadThreshold int, m *metrics.Metrics) *Replacer {
	return &Replacer{unloadThreshold: unloadThreshold, metrics: m}
}

// Track registers buf as resident, giving it a slot in the dense
// array. buf.PageReplIndex is set to that slot.
func (r *Replacer) Track(buf *innerbuf.Buffer) {
	buf.PageReplIndex = len(r.array)
	r.array = append(r.array, buf)
}

// Untrack removes buf from the array via swap-remove: the last
// element takes buf's old slot, avoiding an O(n) shift.
func (r *Replacer) Untrack(buf *innerbuf.Buffer) {
	lastIndex := len(r.array) - 1
	idx := buf.PageReplIndex
	if idx < 0 || idx > lastIndex || r.array[idx] != buf {
		panic("pagerepl: Untrack called with a buffer not tracked by this replacer")
	}
	if idx == lastIndex {
		r.array[idx] = nil
		r.array = r.array[:lastIndex]
	} else {
		replacement := r.array[lastIndex]
		replacement.PageReplIndex = idx
		r.array[idx] = replacement
		r.array[lastIndex] = nil
		r.array = r.array[:lastIndex]
	}
	buf.PageReplIndex = -1
}

// IsFull reports whether adding spaceNeeded more resident buffers
// would exceed the unload threshold.
func (r *Replacer) IsFull(spaceNeeded int) bool {
	return len(r.array)+spaceNeeded > r.unloadThreshold
}

// MakeSpace tries to bring the resident count at least spaceNeeded
// below the unload threshold by evicting buffers that safeToUnload
// reports as unloadable, chosen by uniform random sampling (bounded to
// NumTries attempts per slot) rather than any recency order. unload is
// invoked once per buffer chosen for eviction, after it has been
// removed from the array; it is responsible for freeing the buffer's
// data and removing it from the page map. Returns the number evicted.
func (r *Replacer) MakeSpace(spaceNeeded int, safeToUnload func(*innerbuf.Buffer) bool, unload func(*innerbuf.Buffer)) int {
	var target int
	if spaceNeeded > r.unloadThreshold {
		target = 0
	} else {
		target = r.unloadThreshold - spaceNeeded
	}

	evicted := 0
	for len(r.array) > target {
		var chosen *innerbuf.Buffer
		for tries := NumTries; tries > 0; tries-- {
			n := rand.Intn(len(r.array))
			candidate := r.array[n]
			if safeToUnload(candidate) {
				chosen = candidate
				break
			}
		}
		if chosen == nil {
			if len(r.array) > target+(target/100)+10 {
				logger.Warnf("pagerepl: over target: %d resident, target %d", len(r.array), target)
			}
			break
		}
		r.Untrack(chosen)
		unload(chosen)
		evicted++
		r.metrics.Evictions.Add(1)
		r.metrics.BlocksInMemory.Add(-1)
	}
	return evicted
}

// GetFirst returns the first buffer in the dense array, for cache
// shutdown walks. Iteration order is unspecified beyond "every
// resident buffer exactly once".
func (r *Replacer) GetFirst() *innerbuf.Buffer {
	if len(r.array) == 0 {
		return nil
	}
	return r.array[0]
}

// GetNext returns the buffer immediately following buf in the dense
// array, or nil if buf is last. Safe to call while iterating and
// evicting, since eviction only ever moves the *last* element into a
// freed slot.
func (r *Replacer) GetNext(buf *innerbuf.Buffer) *innerbuf.Buffer {
	if buf.PageReplIndex == len(r.array)-1 {
		return nil
	}
	return r.array[buf.PageReplIndex+1]
}

// Len reports how many buffers are currently tracked.
func (r *Replacer) Len() int {
	return len(r.array)
}
