package bepsilontree

import (
	"github.com/haldendb/kvindex/cache"
	"github.com/haldendb/kvindex/node"
	"github.com/haldendb/kvindex/uid"
)

// flush pushes every buffered op of n, in key order, one level down. n and
// nHandle are already locked exclusively by the caller and remain so for the
// duration. A child that is itself a router may cascade into its own flush;
// a child that splits or under-flows as a result is rebalanced against n
// before the next entry is processed, so each entry always routes against
// n's current (possibly just-changed) shape.
func (s *Store[K, V]) flush(nUID uid.UID, nHandle *cache.Handle[K, V], n *node.IndexNodeEpsilon[K, V]) error {
	entries := n.Buffer
	n.ClearBuffer()
	for _, e := range entries {
		if err := s.flushEntry(nUID, nHandle, n, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store[K, V]) flushEntry(nUID uid.UID, nHandle *cache.Handle[K, V], n *node.IndexNodeEpsilon[K, V], e node.BufferEntry[K, V]) error {
	idx := n.ChildIndex(e.Key)
	if idx >= len(n.Children) {
		return s.fatalf("flush routing landed outside child range")
	}
	childUID := n.Children[idx]
	childH, err := s.cache.Get(childUID)
	if err != nil {
		return s.fail("locate flush child", err)
	}
	childH.Lock()
	childH.Pin()

	switch child := childH.Node().(type) {
	case *node.DataNode[K, V]:
		if err := applyToLeaf(child, e.Key, e.Op, false); err != nil {
			childH.Unpin()
			childH.Unlock()
			return err
		}
		childH.MarkDirty()

		if child.RequireSplit(s.degree) {
			sibling, promoted := child.Split()
			siblingUID, siblingH, err := s.cache.Adopt(sibling, nUID)
			if err != nil {
				childH.Unpin()
				childH.Unlock()
				return s.fail("allocate flush-split sibling", err)
			}
			siblingH.MarkDirty()
			n.InsertChild(promoted, siblingUID)
			nHandle.MarkDirty()
			childH.Unpin()
			childH.Unlock()
			return nil
		}
		if child.RequireMerge(s.degree) {
			pos := n.IndexOfChild(childUID)
			if pos < 0 {
				childH.Unpin()
				childH.Unlock()
				return s.fatalf("flush child missing from its recorded parent")
			}
			return s.rebalanceLeafChild(n, nHandle, pos, childUID, childH, child)
		}
		childH.Unpin()
		childH.Unlock()
		return nil

	case *node.IndexNodeEpsilon[K, V]:
		if err := child.BufferInsert(e.Key, e.Op); err != nil {
			childH.Unpin()
			childH.Unlock()
			return s.fail("buffer flush op", err)
		}
		childH.MarkDirty()
		if child.BufferLen() >= s.bufferSize {
			if err := s.flush(childUID, childH, child); err != nil {
				childH.Unpin()
				childH.Unlock()
				return err
			}
		}

		if child.RequireSplit(s.degree) {
			siblingPlain, promoted := child.Split()
			siblingEps := &node.IndexNodeEpsilon[K, V]{IndexNode: *siblingPlain}
			siblingEps.Buffer = child.SplitBuffer(promoted)
			siblingUID, siblingH, err := s.cache.Adopt(siblingEps, nUID)
			if err != nil {
				childH.Unpin()
				childH.Unlock()
				return s.fail("allocate flush-split sibling", err)
			}
			siblingH.MarkDirty()
			for _, c := range siblingEps.Children {
				if err := s.cache.TryUpdateParentUID(c, siblingUID); err != nil {
					childH.Unpin()
					childH.Unlock()
					return s.fail("reparent split-off children", err)
				}
			}
			n.InsertChild(promoted, siblingUID)
			nHandle.MarkDirty()
			childH.Unpin()
			childH.Unlock()
			return nil
		}
		if child.RequireMerge(s.degree) {
			pos := n.IndexOfChild(childUID)
			if pos < 0 {
				childH.Unpin()
				childH.Unlock()
				return s.fatalf("flush child missing from its recorded parent")
			}
			return s.rebalanceIndexChild(n, nHandle, pos, childUID, childH, child)
		}
		childH.Unpin()
		childH.Unlock()
		return nil

	default:
		childH.Unpin()
		childH.Unlock()
		return s.fatalf("flush target is neither leaf nor router")
	}
}

// rebalanceLeafChild rebalances an under-flowing leaf against its siblings
// under router n: borrow left, then borrow right, then merge left, then
// merge right. childH is always unlocked before this returns, on every
// path, since (unlike bplustree's ancestor stack) nothing else holds it.
func (s *Store[K, V]) rebalanceLeafChild(n *node.IndexNodeEpsilon[K, V], nHandle *cache.Handle[K, V], pos int, childUID uid.UID, childH *cache.Handle[K, V], leaf *node.DataNode[K, V]) error {
	if len(n.Children) <= 1 {
		childH.Unpin()
		childH.Unlock()
		return nil
	}

	if pos > 0 {
		leftUID := n.Children[pos-1]
		leftH, err := s.cache.Get(leftUID)
		if err != nil {
			childH.Unpin()
			childH.Unlock()
			return s.fail("locate left sibling", err)
		}
		leftH.Lock()
		left := leftH.Node().(*node.DataNode[K, V])
		if len(left.Keys) > ceilHalf(s.degree) {
			n.Pivots[pos-1] = leaf.BorrowFromLeft(left)
			leftH.MarkDirty()
			childH.MarkDirty()
			nHandle.MarkDirty()
			leftH.Unlock()
			childH.Unpin()
			childH.Unlock()
			return nil
		}
		leftH.Unlock()
	}

	if pos < len(n.Children)-1 {
		rightUID := n.Children[pos+1]
		rightH, err := s.cache.Get(rightUID)
		if err != nil {
			childH.Unpin()
			childH.Unlock()
			return s.fail("locate right sibling", err)
		}
		rightH.Lock()
		right := rightH.Node().(*node.DataNode[K, V])
		if len(right.Keys) > ceilHalf(s.degree) {
			n.Pivots[pos] = leaf.BorrowFromRight(right)
			rightH.MarkDirty()
			childH.MarkDirty()
			nHandle.MarkDirty()
			rightH.Unlock()
			childH.Unpin()
			childH.Unlock()
			return nil
		}
		rightH.Unlock()
	}

	if pos > 0 {
		leftUID := n.Children[pos-1]
		leftH, err := s.cache.Get(leftUID)
		if err != nil {
			childH.Unpin()
			childH.Unlock()
			return s.fail("locate left sibling", err)
		}
		leftH.Lock()
		left := leftH.Node().(*node.DataNode[K, V])
		left.MergeWith(leaf)
		leftH.MarkDirty()
		leftH.Unlock()

		n.Pivots = append(n.Pivots[:pos-1], n.Pivots[pos:]...)
		n.Children = append(n.Children[:pos], n.Children[pos+1:]...)
		nHandle.MarkDirty()
		childH.Unpin()
		childH.Unlock()

		if err := s.cache.Remove(childUID); err != nil {
			return s.fail("remove merged leaf", err)
		}
		return nil
	}

	rightUID := n.Children[pos+1]
	rightH, err := s.cache.Get(rightUID)
	if err != nil {
		childH.Unpin()
		childH.Unlock()
		return s.fail("locate right sibling", err)
	}
	rightH.Lock()
	right := rightH.Node().(*node.DataNode[K, V])
	leaf.MergeWith(right)
	childH.MarkDirty()
	rightH.Unlock()

	n.Pivots = append(n.Pivots[:pos], n.Pivots[pos+1:]...)
	n.Children = append(n.Children[:pos+1], n.Children[pos+2:]...)
	nHandle.MarkDirty()
	childH.Unpin()
	childH.Unlock()

	if err := s.cache.Remove(rightUID); err != nil {
		return s.fail("remove merged leaf", err)
	}
	return nil
}

// rebalanceIndexChild is rebalanceLeafChild's mirror for an under-flowing
// router child: the routing half is identical (IndexNode's own borrow/merge
// methods, reached through the embedded field), plus the buffer travels
// along — borrow leaves it untouched (a buffered key still belongs to this
// node regardless of which ordinal its target child now has), merge
// concatenates the absorbed sibling's buffer into the survivor's.
func (s *Store[K, V]) rebalanceIndexChild(n *node.IndexNodeEpsilon[K, V], nHandle *cache.Handle[K, V], pos int, childUID uid.UID, childH *cache.Handle[K, V], idxNode *node.IndexNodeEpsilon[K, V]) error {
	if len(n.Children) <= 1 {
		childH.Unpin()
		childH.Unlock()
		return nil
	}

	if pos > 0 {
		leftUID := n.Children[pos-1]
		leftH, err := s.cache.Get(leftUID)
		if err != nil {
			childH.Unpin()
			childH.Unlock()
			return s.fail("locate left sibling", err)
		}
		leftH.Lock()
		left := leftH.Node().(*node.IndexNodeEpsilon[K, V])
		if len(left.Pivots) > ceilHalf(s.degree) {
			newParentPivot, movedChild := idxNode.BorrowFromLeft(&left.IndexNode, n.Pivots[pos-1])
			n.Pivots[pos-1] = newParentPivot
			leftH.MarkDirty()
			childH.MarkDirty()
			nHandle.MarkDirty()
			leftH.Unlock()
			childH.Unpin()
			childH.Unlock()
			if err := s.cache.TryUpdateParentUID(movedChild, childUID); err != nil {
				return s.fail("reparent borrowed child", err)
			}
			return nil
		}
		leftH.Unlock()
	}

	if pos < len(n.Children)-1 {
		rightUID := n.Children[pos+1]
		rightH, err := s.cache.Get(rightUID)
		if err != nil {
			childH.Unpin()
			childH.Unlock()
			return s.fail("locate right sibling", err)
		}
		rightH.Lock()
		right := rightH.Node().(*node.IndexNodeEpsilon[K, V])
		if len(right.Pivots) > ceilHalf(s.degree) {
			newParentPivot, movedChild := idxNode.BorrowFromRight(&right.IndexNode, n.Pivots[pos])
			n.Pivots[pos] = newParentPivot
			rightH.MarkDirty()
			childH.MarkDirty()
			nHandle.MarkDirty()
			rightH.Unlock()
			childH.Unpin()
			childH.Unlock()
			if err := s.cache.TryUpdateParentUID(movedChild, childUID); err != nil {
				return s.fail("reparent borrowed child", err)
			}
			return nil
		}
		rightH.Unlock()
	}

	if pos > 0 {
		leftUID := n.Children[pos-1]
		leftH, err := s.cache.Get(leftUID)
		if err != nil {
			childH.Unpin()
			childH.Unlock()
			return s.fail("locate left sibling", err)
		}
		leftH.Lock()
		left := leftH.Node().(*node.IndexNodeEpsilon[K, V])
		absorbed := left.MergeWithRight(&idxNode.IndexNode, n.Pivots[pos-1])
		if err := left.MergeBuffer(idxNode.Buffer); err != nil {
			leftH.Unlock()
			childH.Unpin()
			childH.Unlock()
			return s.fail("merge buffer into left sibling", err)
		}
		leftH.MarkDirty()
		leftH.Unlock()

		for _, c := range absorbed {
			if err := s.cache.TryUpdateParentUID(c, leftUID); err != nil {
				childH.Unpin()
				childH.Unlock()
				return s.fail("reparent merged children", err)
			}
		}

		n.Pivots = append(n.Pivots[:pos-1], n.Pivots[pos:]...)
		n.Children = append(n.Children[:pos], n.Children[pos+1:]...)
		nHandle.MarkDirty()
		childH.Unpin()
		childH.Unlock()

		if err := s.cache.Remove(childUID); err != nil {
			return s.fail("remove merged router", err)
		}
		return nil
	}

	rightUID := n.Children[pos+1]
	rightH, err := s.cache.Get(rightUID)
	if err != nil {
		childH.Unpin()
		childH.Unlock()
		return s.fail("locate right sibling", err)
	}
	rightH.Lock()
	right := rightH.Node().(*node.IndexNodeEpsilon[K, V])
	absorbed := idxNode.MergeWithRight(&right.IndexNode, n.Pivots[pos])
	if err := idxNode.MergeBuffer(right.Buffer); err != nil {
		rightH.Unlock()
		childH.Unpin()
		childH.Unlock()
		return s.fail("merge buffer from right sibling", err)
	}
	childH.MarkDirty()
	rightH.Unlock()

	for _, c := range absorbed {
		if err := s.cache.TryUpdateParentUID(c, childUID); err != nil {
			childH.Unpin()
			childH.Unlock()
			return s.fail("reparent merged children", err)
		}
	}

	n.Pivots = append(n.Pivots[:pos], n.Pivots[pos+1:]...)
	n.Children = append(n.Children[:pos+1], n.Children[pos+2:]...)
	nHandle.MarkDirty()
	childH.Unpin()
	childH.Unlock()

	if err := s.cache.Remove(rightUID); err != nil {
		return s.fail("remove merged router", err)
	}
	return nil
}
