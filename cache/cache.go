// Package cache implements the node-cache substrate shared by the B+-tree
// and B^ε-tree stores: FatUID-addressed handle lookup, LRU admission and
// eviction, on-demand rehydration from a storage.Backend, and the
// parent-UID migration a child undergoes when it is evicted-and-rewritten.
package cache

import (
	"errors"
	"fmt"

	"github.com/haldendb/kvindex/kvtype"
	"github.com/haldendb/kvindex/node"
	"github.com/haldendb/kvindex/uid"
)

var (
	// ErrNotFound is returned when a UID is absent and cannot be rehydrated
	// (a File UID missing from storage, or a Volatile UID that was never
	// admitted — the latter is always a programming error, never a
	// transient miss).
	ErrNotFound = errors.New("cache: entry not found")
	// ErrTypeMismatch is returned by GetOfType when the rehydrated or
	// cached node's tag does not match the caller's expectation.
	ErrTypeMismatch = errors.New("cache: type tag mismatch")
	// ErrIO wraps a storage failure encountered while evicting or
	// rehydrating an entry.
	ErrIO = errors.New("cache: io error")
	// ErrPoisoned is returned by any operation on a handle that previously
	// failed an I/O operation.
	ErrPoisoned = errors.New("cache: handle poisoned")
	// ErrUnknownNodeKind is returned by CreateOfType for a TypeTag with no
	// constructor wired up.
	ErrUnknownNodeKind = errors.New("cache: unknown node kind")
)

// Cache is the capability set both tree stores depend on. Implementations:
// LRUCache (single-threaded, synchronous promotion/eviction) and
// ConcurrentCache (promotion queue + eviction ticker).
type Cache[K kvtype.Fixed, V kvtype.Fixed] interface {
	// CreateOfType builds a fresh node of kind, inserts it at MRU under a
	// new Volatile UID, and returns its UID and handle. args are kind-
	// specific constructor arguments:
	//   TagData:         (none)
	//   TagIndex:        pivot K, left uid.UID, right uid.UID
	//   TagIndexEpsilon: pivot K, left uid.UID, right uid.UID
	CreateOfType(kind node.TypeTag, parent uid.UID, args ...any) (uid.UID, *Handle[K, V], error)
	// Adopt admits an already-constructed node — typically the sibling
	// produced by a node's own Split method, which arrives with a full set
	// of pivots/children rather than the canned shape CreateOfType's args
	// can express — into the cache under a new Volatile UID.
	Adopt(n node.Node[K, V], parent uid.UID) (uid.UID, *Handle[K, V], error)
	// Get returns the handle for u, promoting it to MRU. A File UID absent
	// from the cache is rehydrated via storage; a Volatile UID absent from
	// the cache is a fatal ErrNotFound (volatile nodes live only in cache).
	Get(u uid.UID) (*Handle[K, V], error)
	// GetOfType is Get plus a type-tag check.
	GetOfType(u uid.UID, kind node.TypeTag) (*Handle[K, V], error)
	// Remove evicts a specific entry without writing it back — used when a
	// node has been structurally merged away and its storage, if any, is
	// also freed.
	Remove(u uid.UID) error
	// TryUpdateParentUID rewrites child's recorded parent back-pointer to
	// newParent. Used by index-node split/merge/borrow paths when a child
	// is adopted by a different parent node, so that a later eviction of
	// that child rewrites the correct parent's children list.
	TryUpdateParentUID(child, newParent uid.UID) error
	// FlushAll persists every dirty entry, resolving every Volatile UID to
	// a File UID.
	FlushAll() error
}

var (
	_ Cache[int64, int64] = (*LRUCache[int64, int64])(nil)
	_ Cache[int64, int64] = (*ConcurrentCache[int64, int64])(nil)
)

func buildNode[K kvtype.Fixed, V kvtype.Fixed](kind node.TypeTag, args []any) (node.Node[K, V], error) {
	switch kind {
	case node.TagData:
		return node.NewDataNode[K, V](), nil
	case node.TagIndex:
		pivot, left, right, err := indexArgs[K](args)
		if err != nil {
			return nil, err
		}
		return node.NewIndexNode[K, V](pivot, left, right), nil
	case node.TagIndexEpsilon:
		pivot, left, right, err := indexArgs[K](args)
		if err != nil {
			return nil, err
		}
		return node.NewIndexNodeEpsilon[K, V](pivot, left, right), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownNodeKind, kind)
	}
}

func indexArgs[K kvtype.Fixed](args []any) (pivot K, left, right uid.UID, err error) {
	if len(args) != 3 {
		return pivot, left, right, fmt.Errorf("cache: index node construction needs (pivot, left, right), got %d args", len(args))
	}
	pivot, ok := args[0].(K)
	if !ok {
		return pivot, left, right, fmt.Errorf("cache: index node pivot has wrong type %T", args[0])
	}
	left, ok = args[1].(uid.UID)
	if !ok {
		return pivot, left, right, fmt.Errorf("cache: index node left child has wrong type %T", args[1])
	}
	right, ok = args[2].(uid.UID)
	if !ok {
		return pivot, left, right, fmt.Errorf("cache: index node right child has wrong type %T", args[2])
	}
	return pivot, left, right, nil
}
