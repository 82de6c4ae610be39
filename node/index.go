package node

import (
	"fmt"

	"github.com/haldendb/kvindex/kvtype"
	"github.com/haldendb/kvindex/uid"
)

// IndexNode is a pure router: pivots plus |pivots|+1 child UIDs. Grounded
// on btree/node.go's InternalNode shape (items as separators, children as
// ids), generalized to a key type and FatUID children, with routing
// expressed as "child index = count of pivots ≤ k".
type IndexNode[K kvtype.Fixed, V kvtype.Fixed] struct {
	Pivots   []K
	Children []uid.UID
}

// NewIndexNode builds a router with two children separated by one pivot —
// the shape produced by a root split.
func NewIndexNode[K kvtype.Fixed, V kvtype.Fixed](pivot K, left, right uid.UID) *IndexNode[K, V] {
	return &IndexNode[K, V]{
		Pivots:   []K{pivot},
		Children: []uid.UID{left, right},
	}
}

func (n *IndexNode[K, V]) Type() TypeTag { return TagIndex }

// ChildIndex returns the position of the child that should contain key k.
func (n *IndexNode[K, V]) ChildIndex(k K) int { return upperBound(n.Pivots, k) }

// Child returns the UID of the child that should contain key k.
func (n *IndexNode[K, V]) Child(k K) uid.UID { return n.Children[n.ChildIndex(k)] }

// InsertChild inserts a newly-promoted pivot and the right-hand child UID
// it separates, at their sorted position.
func (n *IndexNode[K, V]) InsertChild(pivot K, rightChild uid.UID) {
	i := upperBound(n.Pivots, pivot)
	n.Pivots = append(n.Pivots, pivot)
	copy(n.Pivots[i+1:], n.Pivots[i:])
	n.Pivots[i] = pivot

	ci := i + 1
	n.Children = append(n.Children, uid.Nil)
	copy(n.Children[ci+1:], n.Children[ci:])
	n.Children[ci] = rightChild
}

// UpdateChildUID rewrites the first occurrence of old to new, reporting
// whether it found one. Used by the cache on eviction to migrate a child's
// back-pointer after it is rewritten under a new UID.
func (n *IndexNode[K, V]) UpdateChildUID(old, new uid.UID) bool {
	for i, c := range n.Children {
		if uidsEqual(c, old) {
			n.Children[i] = new
			return true
		}
	}
	return false
}

// IndexOfChild returns the position of child UID u among this node's
// children, or -1 if not present.
func (n *IndexNode[K, V]) IndexOfChild(u uid.UID) int {
	for i, c := range n.Children {
		if uidsEqual(c, u) {
			return i
		}
	}
	return -1
}

func (n *IndexNode[K, V]) RequireSplit(degree int) bool    { return len(n.Pivots) > degree }
func (n *IndexNode[K, V]) CanTriggerSplit(degree int) bool { return len(n.Pivots)+1 > degree }

// RequireMerge reports whether this router has underflowed. Strict cutoff
// for the same reason as DataNode.RequireMerge: a router sitting exactly at
// the minimum must not be flagged, or two minimum routers would merge into
// one over degree.
func (n *IndexNode[K, V]) RequireMerge(degree int) bool { return len(n.Pivots) < ceilHalf(degree) }
func (n *IndexNode[K, V]) CanTriggerMerge(degree int) bool {
	return len(n.Pivots)-1 < ceilHalf(degree)
}

// Split moves the upper half of pivots/children into a freshly-constructed
// sibling: sibling gets pivots[m+1:]/children[m+1:], the promoted pivot is
// pivots[m], and self truncates to pivots[:m]/children[:m+1]. The caller
// (the tree store) is responsible for adopting the sibling's inherited
// children by rewriting their parent back-pointer to the sibling's UID,
// once it has allocated one via the cache.
func (n *IndexNode[K, V]) Split() (sibling *IndexNode[K, V], promoted K) {
	mid := len(n.Pivots) / 2
	promoted = n.Pivots[mid]

	sibling = &IndexNode[K, V]{
		Pivots:   append([]K(nil), n.Pivots[mid+1:]...),
		Children: append([]uid.UID(nil), n.Children[mid+1:]...),
	}
	n.Pivots = n.Pivots[:mid]
	n.Children = n.Children[:mid+1]
	return sibling, promoted
}

// BorrowFromLeft rotates one entry through the parent pivot: left's last
// child/pivot moves to this node's front, the parent's separator becomes
// this node's new first pivot, and left's former last pivot becomes the new
// parent separator. It returns the new parent pivot and the UID of the
// child that moved (so the caller can rewrite that child's parent
// back-pointer to this node).
func (n *IndexNode[K, V]) BorrowFromLeft(left *IndexNode[K, V], parentPivot K) (newParentPivot K, movedChild uid.UID) {
	lastChild := left.Children[len(left.Children)-1]
	newParentPivot = left.Pivots[len(left.Pivots)-1]

	left.Pivots = left.Pivots[:len(left.Pivots)-1]
	left.Children = left.Children[:len(left.Children)-1]

	n.Pivots = append([]K{parentPivot}, n.Pivots...)
	n.Children = append([]uid.UID{lastChild}, n.Children...)
	return newParentPivot, lastChild
}

// BorrowFromRight is the mirror of BorrowFromLeft.
func (n *IndexNode[K, V]) BorrowFromRight(right *IndexNode[K, V], parentPivot K) (newParentPivot K, movedChild uid.UID) {
	firstChild := right.Children[0]
	newParentPivot = right.Pivots[0]

	right.Pivots = right.Pivots[1:]
	right.Children = right.Children[1:]

	n.Pivots = append(n.Pivots, parentPivot)
	n.Children = append(n.Children, firstChild)
	return newParentPivot, firstChild
}

// MergeWithRight absorbs right's pivots/children into this node, with
// parentPivot inserted as the new middle separator. It returns right's
// former children, so the caller can rewrite their parent back-pointer to
// this node's UID, and the caller must then remove right from the parent
// and the cache.
func (n *IndexNode[K, V]) MergeWithRight(right *IndexNode[K, V], parentPivot K) (absorbedChildren []uid.UID) {
	n.Pivots = append(n.Pivots, parentPivot)
	n.Pivots = append(n.Pivots, right.Pivots...)
	n.Children = append(n.Children, right.Children...)
	return right.Children
}

func (n *IndexNode[K, V]) String() string {
	return fmt.Sprintf("IndexNode{pivots=%v children=%d}", n.Pivots, len(n.Children))
}
