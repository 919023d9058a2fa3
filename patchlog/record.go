// Package patchlog implements the durable, on-disk patch store
// (component C): patches accumulate here before they are materialized
// into a buffer's on-disk block, so a crash between a patch and its
// materialization does not lose it.
package patchlog

import (
	"github.com/OneOfOne/xxhash"
	"github.com/juju/errors"

	"github.com/mirrorstore/bufcache/block"
	"github.com/mirrorstore/bufcache/patch"
	"github.com/mirrorstore/bufcache/util"
)

// ErrCorrupt is returned when a record's stored checksum does not
// match its payload. Corruption-at-rest: fatal, surfaced to the
// caller rather than silently skipped.
var ErrCorrupt = errors.New("patchlog: record checksum mismatch")

// encodeRecord serializes one patch, prefixed with its owning block
// id, suffixed with an xxhash checksum of everything before it.
//
// Layout: [1 kind][8 block id][8 counter][payload...][8 checksum]
func encodeRecord(id block.ID, p *patch.Patch) []byte {
	buf := make([]byte, 0, 64)
	buf = util.WriteByte(buf, byte(p.Kind))
	buf = util.WriteUB8(buf, uint64(id))
	buf = util.WriteUB8(buf, p.Counter)

	switch p.Kind {
	case patch.KindCopy, patch.KindMove:
		buf = util.WriteUB4(buf, uint32(p.Dst))
		buf = util.WriteUB4(buf, uint32(p.Src))
		buf = util.WriteUB4(buf, uint32(p.Length))
	case patch.KindLeafInsert:
		buf = util.WriteUB4(buf, uint32(p.Offset))
		buf = util.WriteWithLength(buf, p.Data)
	case patch.KindLeafRemove:
		buf = util.WriteUB4(buf, uint32(p.Offset))
		buf = util.WriteUB4(buf, uint32(p.Length))
	case patch.KindLeafShift:
		buf = util.WriteUB4(buf, uint32(p.Offset))
		buf = util.WriteUB4(buf, uint32(p.EntrySize))
		buf = util.WriteUB4(buf, uint32(int32(p.ShiftCount)))
	}

	h := xxhash.New64()
	h.Write(buf)
	buf = util.WriteUB8(buf, h.Sum64())
	return buf
}

// decodeRecord parses one record written by encodeRecord out of buf
// starting at cursor, returning the block id, patch, and the cursor
// position immediately after the record. ok is false if there isn't a
// complete record left at cursor (end of log region).
func decodeRecord(buf []byte, cursor int) (id block.ID, p *patch.Patch, next int, ok bool, err error) {
	if cursor >= len(buf) {
		return 0, nil, cursor, false, nil
	}
	start := cursor
	cursor, kindByte := util.ReadByte(buf, cursor)
	kind := patch.Kind(kindByte)
	if kind == 0 {
		// Zeroed, never-written tail of the log region.
		return 0, nil, start, false, nil
	}

	var blockIDRaw uint64
	cursor, blockIDRaw = util.ReadUB8(buf, cursor)
	var counter uint64
	cursor, counter = util.ReadUB8(buf, cursor)

	out := &patch.Patch{Kind: kind, Counter: counter}

	switch kind {
	case patch.KindCopy, patch.KindMove:
		var dst, src, length uint32
		cursor, dst = util.ReadUB4(buf, cursor)
		cursor, src = util.ReadUB4(buf, cursor)
		cursor, length = util.ReadUB4(buf, cursor)
		out.Dst, out.Src, out.Length = int(dst), int(src), int(length)
	case patch.KindLeafInsert:
		var offset uint32
		cursor, offset = util.ReadUB4(buf, cursor)
		var data string
		cursor, data = util.ReadLengthString(buf, cursor)
		out.Offset = int(offset)
		out.Data = []byte(data)
	case patch.KindLeafRemove:
		var offset, length uint32
		cursor, offset = util.ReadUB4(buf, cursor)
		cursor, length = util.ReadUB4(buf, cursor)
		out.Offset, out.Length = int(offset), int(length)
	case patch.KindLeafShift:
		var offset, entrySize, shift uint32
		cursor, offset = util.ReadUB4(buf, cursor)
		cursor, entrySize = util.ReadUB4(buf, cursor)
		cursor, shift = util.ReadUB4(buf, cursor)
		out.Offset, out.EntrySize, out.ShiftCount = int(offset), int(entrySize), int(int32(shift))
	default:
		return 0, nil, start, false, errors.Annotatef(ErrCorrupt, "unknown patch kind %d at offset %d", kindByte, start)
	}

	if cursor+8 > len(buf) {
		return 0, nil, start, false, nil
	}
	var storedChecksum uint64
	cursor, storedChecksum = util.ReadUB8(buf, cursor)

	h := xxhash.New64()
	h.Write(buf[start : cursor-8])
	if h.Sum64() != storedChecksum {
		return 0, nil, start, false, errors.Annotatef(ErrCorrupt, "checksum mismatch at offset %d", start)
	}

	return block.ID(blockIDRaw), out, cursor, true, nil
}
