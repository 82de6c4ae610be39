package node

import (
	"fmt"

	"github.com/haldendb/kvindex/kvtype"
)

// DataNode is a B-tree leaf: sorted keys with a parallel value slice.
// Grounded on btree/node.go's Node{items}/AddItem/RemoveItem/FindKey,
// generalized to parallel generic slices and binary search.
type DataNode[K kvtype.Fixed, V kvtype.Fixed] struct {
	Keys   []K
	Values []V
}

// NewDataNode returns an empty leaf.
func NewDataNode[K kvtype.Fixed, V kvtype.Fixed]() *DataNode[K, V] {
	return &DataNode[K, V]{}
}

func (n *DataNode[K, V]) Type() TypeTag { return TagData }

// Len reports the number of keys in this leaf.
func (n *DataNode[K, V]) Len() int { return len(n.Keys) }

// Find returns the index of key k, or -1 if absent.
func (n *DataNode[K, V]) Find(k K) int {
	i := lowerBound(n.Keys, k)
	if i < len(n.Keys) && n.Keys[i] == k {
		return i
	}
	return -1
}

// GetValue looks up k.
func (n *DataNode[K, V]) GetValue(k K) (V, bool) {
	if i := n.Find(k); i >= 0 {
		return n.Values[i], true
	}
	var zero V
	return zero, false
}

// SetValue overwrites the value at an existing key. Callers must have
// already established the key exists (e.g. via Find); overwrite-on-existing-key
// is handled by the tree store calling Find then SetValue.
func (n *DataNode[K, V]) SetValue(i int, v V) { n.Values[i] = v }

// Insert performs a raw binary-search positional insert: it does not check
// for a duplicate key. The tree store is responsible for calling
// Find/SetValue first when overwrite semantics are wanted — Insert
// always grows the leaf by one entry.
func (n *DataNode[K, V]) Insert(k K, v V) {
	i := lowerBound(n.Keys, k)
	n.Keys = append(n.Keys, k)
	copy(n.Keys[i+1:], n.Keys[i:])
	n.Keys[i] = k

	n.Values = append(n.Values, v)
	copy(n.Values[i+1:], n.Values[i:])
	n.Values[i] = v
}

// Remove deletes key k, reporting whether it was present.
func (n *DataNode[K, V]) Remove(k K) bool {
	i := n.Find(k)
	if i < 0 {
		return false
	}
	n.Keys = append(n.Keys[:i], n.Keys[i+1:]...)
	n.Values = append(n.Values[:i], n.Values[i+1:]...)
	return true
}

// RequireSplit reports whether this leaf already exceeds degree.
func (n *DataNode[K, V]) RequireSplit(degree int) bool { return len(n.Keys) > degree }

// CanTriggerSplit is the pessimistic look-ahead used for lock coupling:
// true if one more insert could force a split.
func (n *DataNode[K, V]) CanTriggerSplit(degree int) bool { return len(n.Keys)+1 > degree }

// RequireMerge reports whether this leaf has underflowed. A node at exactly
// the minimum occupancy ceil(degree/2) is still valid on its own; flagging
// it too would let two minimum-occupancy siblings merge into one that
// exceeds degree, so the cutoff is strict: merge only below the minimum.
func (n *DataNode[K, V]) RequireMerge(degree int) bool { return len(n.Keys) < ceilHalf(degree) }

// CanTriggerMerge is the pessimistic look-ahead for remove: true if one
// more removal could force a merge/borrow.
func (n *DataNode[K, V]) CanTriggerMerge(degree int) bool {
	return len(n.Keys)-1 < ceilHalf(degree)
}

// Split moves the upper half of this leaf into a freshly-constructed
// sibling and returns the sibling plus the promoted pivot key (the
// sibling's first key).
func (n *DataNode[K, V]) Split() (sibling *DataNode[K, V], pivot K) {
	mid := len(n.Keys) / 2
	sibling = &DataNode[K, V]{
		Keys:   append([]K(nil), n.Keys[mid:]...),
		Values: append([]V(nil), n.Values[mid:]...),
	}
	pivot = sibling.Keys[0]
	n.Keys = n.Keys[:mid]
	n.Values = n.Values[:mid]
	return sibling, pivot
}

// BorrowFromLeft moves left's last entry into this node's front and
// returns the new separator pivot (this node's new first key).
func (n *DataNode[K, V]) BorrowFromLeft(left *DataNode[K, V]) (newPivot K) {
	li := len(left.Keys) - 1
	k, v := left.Keys[li], left.Values[li]
	left.Keys = left.Keys[:li]
	left.Values = left.Values[:li]

	n.Keys = append([]K{k}, n.Keys...)
	n.Values = append([]V{v}, n.Values...)
	return n.Keys[0]
}

// BorrowFromRight moves right's first entry onto this node's end and
// returns the new separator pivot (right's new first key).
func (n *DataNode[K, V]) BorrowFromRight(right *DataNode[K, V]) (newPivot K) {
	k, v := right.Keys[0], right.Values[0]
	right.Keys = right.Keys[1:]
	right.Values = right.Values[1:]

	n.Keys = append(n.Keys, k)
	n.Values = append(n.Values, v)
	return right.Keys[0]
}

// MergeWith appends sibling's entries onto this node. The caller is
// responsible for removing sibling from its parent and the cache.
func (n *DataNode[K, V]) MergeWith(sibling *DataNode[K, V]) {
	n.Keys = append(n.Keys, sibling.Keys...)
	n.Values = append(n.Values, sibling.Values...)
}

func (n *DataNode[K, V]) String() string {
	return fmt.Sprintf("DataNode{keys=%v}", n.Keys)
}
