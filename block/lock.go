// Package block implements the per-block reader/writer/intent lock
// that guards access to one resident inner buffer.
package block

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// Mode is a lock acquisition mode. Only Read, ReadSync and
// ReadOutdatedOK and Write are implemented; Intent and Upgrade are
// reserved names that always fail with ErrNotImplemented.
type Mode int

const (
	ModeRead Mode = iota
	ModeReadSync
	ModeReadOutdatedOK
	ModeWrite
	ModeIntent
	ModeUpgrade
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeReadSync:
		return "read-sync"
	case ModeReadOutdatedOK:
		return "read-outdated-ok"
	case ModeWrite:
		return "write"
	case ModeIntent:
		return "intent"
	case ModeUpgrade:
		return "upgrade"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func isRead(m Mode) bool {
	return m == ModeRead || m == ModeReadSync || m == ModeReadOutdatedOK
}

// ErrNotImplemented is returned by Acquire for Intent/Upgrade modes.
var ErrNotImplemented = fmt.Errorf("block: locking mode not implemented")

// waiter is one entry in the FIFO queue.
type waiter struct {
	mode       Mode
	onInLine   func()
	inLineDone bool
	granted    chan struct{}
	cancelled  bool
}

// Lock is a cooperative reader/writer/read-outdated-ok lock with a
// FIFO waiter queue. Readers share; once a writer is queued, later
// readers queue behind it rather than jumping ahead (no reader
// starvation of a waiting writer). Acquisition suspends the calling
// goroutine on a channel receive rather than spinning, which is the Go
// analogue of the original's cooperative task suspension.
type Lock struct {
	mu      sync.Mutex
	readers int
	writer  bool
	waiters *list.List // of *waiter
}

// New returns an unlocked Lock.
func New() *Lock {
	return &Lock{waiters: list.New()}
}

// Acquire blocks the calling goroutine until the lock is granted in
// the given mode, or ctx is cancelled. onInLine, if non-nil, is called
// once this request becomes the head of the waiter queue (not
// necessarily granted yet) so that callers can pipeline a second
// suspension (e.g. kick off the next I/O) while still waiting for the
// grant. When the lock is granted at once, onInLine runs on the
// calling goroutine before Acquire returns; when the request queues,
// it runs on a separate goroutine.
func (l *Lock) Acquire(ctx context.Context, mode Mode, onInLine func()) error {
	if mode == ModeIntent || mode == ModeUpgrade {
		return ErrNotImplemented
	}

	l.mu.Lock()
	if l.waiters.Len() == 0 && l.compatibleLocked(mode) {
		l.grantLocked(mode)
		l.mu.Unlock()
		if onInLine != nil {
			onInLine()
		}
		return nil
	}

	w := &waiter{mode: mode, onInLine: onInLine, granted: make(chan struct{})}
	elem := l.waiters.PushBack(w)
	if elem == l.waiters.Front() {
		l.fireInLineLocked(w)
	}
	l.mu.Unlock()

	select {
	case <-w.granted:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if !w.cancelled {
			select {
			case <-w.granted:
				// Raced with a grant; keep the lock, don't leak it.
				l.mu.Unlock()
				return nil
			default:
				wasHead := l.waiters.Front() == elem
				w.cancelled = true
				l.waiters.Remove(elem)
				if next := l.waiters.Front(); wasHead && next != nil {
					l.fireInLineLocked(next.Value.(*waiter))
				}
			}
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Release releases a lock previously granted in the given mode and
// wakes the next eligible waiter(s).
func (l *Lock) Release(mode Mode) {
	l.mu.Lock()
	switch {
	case isRead(mode):
		if l.readers == 0 {
			l.mu.Unlock()
			panic("block: Release(read) on a lock with no readers")
		}
		l.readers--
	case mode == ModeWrite:
		if !l.writer {
			l.mu.Unlock()
			panic("block: Release(write) on a lock with no writer")
		}
		l.writer = false
	default:
		l.mu.Unlock()
		panic("block: Release called with an unsupported mode")
	}
	l.processQueueLocked()
	l.mu.Unlock()
}

// Locked reports whether the lock is currently held by any reader or
// writer. Used by safe-to-unload checks.
func (l *Lock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers > 0 || l.writer
}

func (l *Lock) compatibleLocked(mode Mode) bool {
	if isRead(mode) {
		return !l.writer
	}
	return !l.writer && l.readers == 0
}

func (l *Lock) grantLocked(mode Mode) {
	if isRead(mode) {
		l.readers++
	} else {
		l.writer = true
	}
}

// processQueueLocked grants as many compatible waiters at the front of
// the queue as possible: all consecutive readers, or a single writer.
func (l *Lock) processQueueLocked() {
	for {
		front := l.waiters.Front()
		if front == nil {
			return
		}
		w := front.Value.(*waiter)
		if !l.compatibleLocked(w.mode) {
			return
		}
		l.grantLocked(w.mode)
		l.waiters.Remove(front)
		close(w.granted)

		if !isRead(w.mode) {
			// A granted writer must not be followed by further grants
			// in this pass; the waiter now at the head is in line.
			if next := l.waiters.Front(); next != nil {
				l.fireInLineLocked(next.Value.(*waiter))
			}
			return
		}
		// Keep granting subsequent readers; stop once we hit a writer.
		if next := l.waiters.Front(); next != nil {
			nw := next.Value.(*waiter)
			if !isRead(nw.mode) {
				l.fireInLineLocked(nw)
				return
			}
			l.fireInLineLocked(nw)
		}
	}
}

func (l *Lock) fireInLineLocked(w *waiter) {
	if w.inLineDone || w.onInLine == nil {
		w.inLineDone = true
		return
	}
	w.inLineDone = true
	cb := w.onInLine
	// Must not hold l.mu while invoking caller code that might itself
	// call back into the lock.
	go func() {
		cb()
	}()
}
