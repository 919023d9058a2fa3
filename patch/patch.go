// Package patch implements the in-memory differential patch log
// (component B): an ordered, per-block list of small mutations that
// can be replayed against a buffer's data without a full flush.
package patch

import (
	"fmt"
)

// Kind identifies which mutation a Patch carries. Patch is a tagged
// sum type rather than an interface hierarchy: one struct, one Kind
// field, one Apply method that switches on it.
type Kind uint8

const (
	KindCopy Kind = iota + 1
	KindMove
	KindLeafInsert
	KindLeafRemove
	KindLeafShift
)

func (k Kind) String() string {
	switch k {
	case KindCopy:
		return "copy"
	case KindMove:
		return "move"
	case KindLeafInsert:
		return "leaf-insert"
	case KindLeafRemove:
		return "leaf-remove"
	case KindLeafShift:
		return "leaf-shift"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Patch is one recorded mutation against a block's data. Counter is
// the patch's position in its block's patch sequence, used to dedupe
// and order patches replayed from the on-disk log.
type Patch struct {
	Kind    Kind
	Counter uint64

	// Copy: copy Length bytes from Src to Dst within the buffer.
	Dst, Src int
	Length   int

	// Move: same fields as Copy, reused (Dst/Src/Length), semantically
	// a potentially-overlapping memmove rather than a non-overlapping copy.

	// LeafInsert / LeafRemove / LeafShift operate on a byte region
	// treated as a packed array of fixed-size leaf entries.
	Offset     int
	EntrySize  int
	ShiftCount int
	Data       []byte
}

// NewCopy returns a Patch that copies length bytes from src to dst.
func NewCopy(counter uint64, dst, src, length int) *Patch {
	return &Patch{Kind: KindCopy, Counter: counter, Dst: dst, Src: src, Length: length}
}

// NewMove returns a Patch that moves (possibly-overlapping) length
// bytes from src to dst.
func NewMove(counter uint64, dst, src, length int) *Patch {
	return &Patch{Kind: KindMove, Counter: counter, Dst: dst, Src: src, Length: length}
}

// NewLeafInsert returns a Patch that inserts data at offset, shifting
// any following bytes up.
func NewLeafInsert(counter uint64, offset int, data []byte) *Patch {
	return &Patch{Kind: KindLeafInsert, Counter: counter, Offset: offset, Data: append([]byte(nil), data...)}
}

// NewLeafRemove returns a Patch that removes length bytes at offset,
// shifting following bytes down.
func NewLeafRemove(counter uint64, offset, length int) *Patch {
	return &Patch{Kind: KindLeafRemove, Counter: counter, Offset: offset, Length: length}
}

// NewLeafShift returns a Patch that shifts entrySize-sized entries
// starting at offset by shiftCount slots (positive: toward the end of
// the buffer, negative: toward the start).
func NewLeafShift(counter uint64, offset, entrySize, shiftCount int) *Patch {
	return &Patch{Kind: KindLeafShift, Counter: counter, Offset: offset, EntrySize: entrySize, ShiftCount: shiftCount}
}

// AffectedDataSize estimates the number of bytes this patch touches,
// used by the per-block patch budget check (apply_patch upstream):
// the running total of pending patches' affected sizes is compared
// against block_size/max_patches_size_ratio to decide whether to keep
// patching or force a full-block flush. Copy/Move carry no payload of
// their own, only the byte range they touch, so Length is the
// estimate; LeafInsert's is the literal payload; LeafRemove's is the
// range it deletes; LeafShift carries no sized payload at all, so (as
// upstream) it uses a flat placeholder.
func (p *Patch) AffectedDataSize() int {
	switch p.Kind {
	case KindCopy, KindMove:
		return p.Length
	case KindLeafInsert:
		return len(p.Data)
	case KindLeafRemove:
		return p.Length
	case KindLeafShift:
		return 16
	default:
		return 0
	}
}

// Apply mutates buf in place according to the patch. It panics if buf
// is nil or too small, matching the "programmer error" class: applying
// a patch to data it cannot possibly apply to indicates a broken
// caller invariant, not a recoverable condition.
func (p *Patch) Apply(buf []byte) {
	if buf == nil {
		panic("patch: Apply called with nil data")
	}
	switch p.Kind {
	case KindCopy:
		copy(buf[p.Dst:p.Dst+p.Length], buf[p.Src:p.Src+p.Length])
	case KindMove:
		tmp := make([]byte, p.Length)
		copy(tmp, buf[p.Src:p.Src+p.Length])
		copy(buf[p.Dst:p.Dst+p.Length], tmp)
	case KindLeafInsert:
		n := len(p.Data)
		copy(buf[p.Offset+n:], buf[p.Offset:len(buf)-n])
		copy(buf[p.Offset:p.Offset+n], p.Data)
	case KindLeafRemove:
		copy(buf[p.Offset:], buf[p.Offset+p.Length:])
	case KindLeafShift:
		shiftLeafEntries(buf, p.Offset, p.EntrySize, p.ShiftCount)
	default:
		panic(fmt.Sprintf("patch: unknown kind %v", p.Kind))
	}
}

func shiftLeafEntries(buf []byte, offset, entrySize, shiftCount int) {
	if shiftCount == 0 || entrySize <= 0 {
		return
	}
	delta := shiftCount * entrySize
	if delta > 0 {
		copy(buf[offset+delta:], buf[offset:len(buf)-delta])
	} else {
		copy(buf[offset+delta:], buf[offset:])
	}
}
