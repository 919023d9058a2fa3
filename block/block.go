package block

// ID addresses one fixed-size block in the underlying serializer.
// Block 0 is reserved for the cache superblock.
type ID uint64

// Superblock is the reserved id of the cache's own bookkeeping block.
const Superblock ID = 0

// NullID marks the absence of a block reference (e.g. an unset
// "parent" pointer in patch bookkeeping).
const NullID ID = ^ID(0)

// Size is the fixed size, in bytes, of every block. It matches the
// serializer's page size and must be a power of two.
const Size = 16384
