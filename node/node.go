// Package node implements the three node kinds — DataNode (leaf), IndexNode
// (router), IndexNodeε (router with a deferred-operation buffer) — plus the
// Marshaller dispatch used to (de)serialize them.
//
// Node bodies are pure data operations (binary search, slice surgery); they
// never touch the cache or storage. Rather than thread a cache-rewrite
// callback through every node method, the parent-UID maintenance required by
// borrow/merge is performed by the tree store (bplustree/bepsilontree),
// which already holds both the cache and the node handles involved;
// IndexNode itself only ever returns which child UIDs moved so the caller
// can rewrite their parent pointers.
package node

import (
	"sort"

	"github.com/haldendb/kvindex/kvtype"
	"github.com/haldendb/kvindex/uid"
)

// TypeTag identifies a node's concrete kind on disk and in the cache, used
// by the Marshaller to dispatch (de)serialization.
type TypeTag uint8

const (
	TagData TypeTag = iota
	TagIndex
	TagIndexEpsilon
)

func (t TypeTag) String() string {
	switch t {
	case TagData:
		return "data"
	case TagIndex:
		return "index"
	case TagIndexEpsilon:
		return "index-epsilon"
	default:
		return "unknown"
	}
}

// Node is the minimal capability every node kind shares: reporting its own
// TypeTag so the cache and marshaller can dispatch on it. Concrete
// capabilities (split, merge, buffer...) live on the concrete types rather
// than a bloated shared interface.
type Node[K kvtype.Fixed, V kvtype.Fixed] interface {
	Type() TypeTag
}

func ceilHalf(degree int) int { return (degree + 1) / 2 }

// upperBound returns the index of the first element of s greater than k —
// the "position of first pivot > k" / "count of pivots ≤ k" routing rule.
func upperBound[K kvtype.Fixed](s []K, k K) int {
	return sort.Search(len(s), func(i int) bool { return s[i] > k })
}

// lowerBound returns the index of the first element of s greater than or
// equal to k.
func lowerBound[K kvtype.Fixed](s []K, k K) int {
	return sort.Search(len(s), func(i int) bool { return s[i] >= k })
}

// ChildIndex exported for tests/tree code that want the routing rule
// without constructing a node (e.g. property tests over raw pivot slices).
func ChildIndex[K kvtype.Fixed](pivots []K, k K) int { return upperBound(pivots, k) }

// uidsEqual is a small helper kept local to avoid every caller importing
// uid just to compare two UIDs in a loop.
func uidsEqual(a, b uid.UID) bool { return a.Equal(b) }
