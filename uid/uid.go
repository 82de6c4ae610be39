// Package uid implements FatUID: the node address type shared by the cache,
// the tree stores, and the on-disk node layout. A FatUID names either a
// live in-process node (Volatile) or a byte range in backing storage
// (File). Its identity is the sole authority for locating a node.
package uid

import "fmt"

// Kind discriminates the two UID variants.
type Kind uint8

const (
	// Volatile names a node that exists only in the cache, addressed by a
	// monotonically increasing allocator id (never a real pointer — Go
	// does not expose stable pointer identity the way the C++ source's
	// shared_ptr address did, so a counter plays the same role).
	Volatile Kind = iota
	// File names a node persisted to backing storage at an offset whose
	// unit the backend chooses (storage.FileStorage uses a block index).
	File
)

func (k Kind) String() string {
	switch k {
	case Volatile:
		return "volatile"
	case File:
		return "file"
	default:
		return "unknown"
	}
}

// UID is a tagged union {Volatile(id) | File(offset, size)}. All fields are
// comparable, so UID is itself comparable and usable directly as a map key
// — no custom hash is needed. A Volatile and a File UID never compare
// equal because their Kind discriminant differs.
type UID struct {
	kind     Kind
	volatile uint64
	offset   uint32
	size     uint32
}

// Nil is the zero UID, a Volatile UID with id 0. It never names a real
// node, because allocators start at 1.
var Nil = UID{}

// NewVolatile constructs a Volatile UID from an allocator id.
func NewVolatile(id uint64) UID {
	return UID{kind: Volatile, volatile: id}
}

// NewFile constructs a File UID from a storage offset and record size.
func NewFile(offset, size uint32) UID {
	return UID{kind: File, offset: offset, size: size}
}

// IsVolatile reports whether u names a live, unpersisted node.
func (u UID) IsVolatile() bool { return u.kind == Volatile }

// IsFile reports whether u names a persisted node.
func (u UID) IsFile() bool { return u.kind == File }

// IsNil reports whether u is the zero value.
func (u UID) IsNil() bool { return u == Nil }

// Kind returns the discriminant.
func (u UID) Kind() Kind { return u.kind }

// VolatileID returns the allocator id; only meaningful when IsVolatile.
func (u UID) VolatileID() uint64 { return u.volatile }

// FileOffset returns the storage offset; only meaningful when IsFile.
func (u UID) FileOffset() uint32 { return u.offset }

// FileSize returns the record size; only meaningful when IsFile.
func (u UID) FileSize() uint32 { return u.size }

// Equal reports whether u and other name the same node identity.
func (u UID) Equal(other UID) bool { return u == other }

func (u UID) String() string {
	switch u.kind {
	case Volatile:
		return fmt.Sprintf("volatile(%d)", u.volatile)
	case File:
		return fmt.Sprintf("file(%d,%d)", u.offset, u.size)
	default:
		return "uid(?)"
	}
}

// Allocator hands out monotonically increasing Volatile UIDs, with freed
// ids reused before new ones are minted. Grounded on btree/nodepool.go's
// NodePool, generalized from logical node ids to FatUID volatile addresses.
type Allocator struct {
	free []uint64
	next uint64
}

// NewAllocator returns an Allocator starting from id 1 (0 is reserved for
// the nil UID, mirroring btree/nodepool.go's NodePool convention).
func NewAllocator() *Allocator {
	return &Allocator{next: 1}
}

// Allocate returns a fresh Volatile UID, reusing a freed id if one exists.
func (a *Allocator) Allocate() UID {
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return NewVolatile(id)
	}
	id := a.next
	a.next++
	return NewVolatile(id)
}

// Free returns a Volatile UID's id to the pool for reuse. Freeing a File
// UID or the nil UID is a no-op.
func (a *Allocator) Free(u UID) {
	if !u.IsVolatile() || u.volatile == 0 {
		return
	}
	a.free = append(a.free, u.volatile)
}

// Stats reports the next id to be minted and how many are free, for tests.
func (a *Allocator) Stats() (next uint64, free int) {
	return a.next, len(a.free)
}
