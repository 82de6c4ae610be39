package bplustree

import (
	"github.com/haldendb/kvindex/node"
	"github.com/haldendb/kvindex/uid"
)

// Remove deletes k, reporting ErrKeyNotFound if absent. Lock-coupled,
// exclusive, symmetric to Insert: ancestors are held only while a merge
// could still propagate to them, then the stack is unwound bottom-up,
// rebalancing each under-flowing node via its parent.
func (s *Store[K, V]) Remove(k K) error {
	rootUID := s.readRoot()
	if rootUID.IsNil() {
		return ErrTreeEmpty
	}

	h, err := s.cache.Get(rootUID)
	if err != nil {
		return s.fail("locate root", err)
	}
	h.Lock()
	h.Pin()
	stack := []ancestor[K, V]{{uid: rootUID, handle: h}}
	cur := h

	for {
		idxNode, ok := cur.Node().(*node.IndexNode[K, V])
		if !ok {
			break
		}
		if !idxNode.CanTriggerMerge(s.degree) {
			releaseAllButLast(&stack)
		}
		childUID := idxNode.Child(k)
		if childUID.IsNil() {
			unlockStack(stack)
			return s.fatalf("routing landed on a nil child")
		}
		childH, err := s.cache.Get(childUID)
		if err != nil {
			unlockStack(stack)
			return s.fail("locate child", err)
		}
		childH.Lock()
		childH.Pin()
		stack = append(stack, ancestor[K, V]{uid: childUID, handle: childH})
		cur = childH
	}

	leaf, ok := cur.Node().(*node.DataNode[K, V])
	if !ok {
		unlockStack(stack)
		return s.fatalf("leaf position holds a non-leaf node")
	}
	if !leaf.Remove(k) {
		unlockStack(stack)
		return ErrKeyNotFound
	}
	cur.MarkDirty()

	if !leaf.RequireMerge(s.degree) {
		unlockStack(stack)
		return nil
	}
	return s.unwindMerge(stack)
}

func (s *Store[K, V]) requireMerge(h ancestor[K, V]) bool {
	switch n := h.handle.Node().(type) {
	case *node.DataNode[K, V]:
		return n.RequireMerge(s.degree)
	case *node.IndexNode[K, V]:
		return n.RequireMerge(s.degree)
	default:
		return false
	}
}

// unwindMerge rebalances each under-flowing stack entry, from the leaf
// upward, against its parent (borrow-left, then borrow-right, then
// merge-left, then merge-right), continuing only when a merge actually
// removed a child from the parent — a borrow changes only a pivot, so it
// never needs to propagate further. Once the stack is exhausted, an empty
// root index node is collapsed into its sole remaining child.
func (s *Store[K, V]) unwindMerge(stack []ancestor[K, V]) error {
	defer unlockStack(stack)

	idx := len(stack) - 1
	for idx > 0 {
		child := stack[idx]
		if !s.requireMerge(child) {
			return nil
		}

		parentEntry := stack[idx-1]
		parentNode, ok := parentEntry.handle.Node().(*node.IndexNode[K, V])
		if !ok {
			return s.fatalf("rebalance parent is not an index node")
		}
		pos := parentNode.IndexOfChild(child.uid)
		if pos < 0 {
			return s.fatalf("child %v absent from its recorded parent during rebalance", child.uid)
		}

		mergedAway, err := s.rebalanceChild(parentNode, child, pos)
		if err != nil {
			return err
		}
		parentEntry.handle.MarkDirty()

		if !mergedAway {
			return nil
		}
		idx--
	}

	root := stack[0]
	if idxNode, ok := root.handle.Node().(*node.IndexNode[K, V]); ok && len(idxNode.Pivots) == 0 {
		onlyChild := idxNode.Children[0]
		if err := s.cache.TryUpdateParentUID(onlyChild, uid.Nil); err != nil {
			return s.fail("collapse root", err)
		}
		s.setRoot(onlyChild)
		if err := s.cache.Remove(root.uid); err != nil {
			return s.fail("collapse root", err)
		}
	}
	return nil
}

func (s *Store[K, V]) rebalanceChild(parentNode *node.IndexNode[K, V], child ancestor[K, V], pos int) (mergedAway bool, err error) {
	switch n := child.handle.Node().(type) {
	case *node.DataNode[K, V]:
		return s.rebalanceLeaf(parentNode, child, n, pos)
	case *node.IndexNode[K, V]:
		return s.rebalanceIndex(parentNode, child, n, pos)
	default:
		return false, s.fatalf("rebalance target at position %d is neither leaf nor index node", pos)
	}
}

func (s *Store[K, V]) rebalanceLeaf(parentNode *node.IndexNode[K, V], child ancestor[K, V], leaf *node.DataNode[K, V], pos int) (bool, error) {
	if pos > 0 {
		leftUID := parentNode.Children[pos-1]
		leftH, err := s.cache.Get(leftUID)
		if err != nil {
			return false, s.fail("locate left sibling", err)
		}
		leftH.Lock()
		left := leftH.Node().(*node.DataNode[K, V])
		if len(left.Keys) > ceilHalf(s.degree) {
			parentNode.Pivots[pos-1] = leaf.BorrowFromLeft(left)
			leftH.MarkDirty()
			child.handle.MarkDirty()
			leftH.Unlock()
			return false, nil
		}
		leftH.Unlock()
	}

	if pos < len(parentNode.Children)-1 {
		rightUID := parentNode.Children[pos+1]
		rightH, err := s.cache.Get(rightUID)
		if err != nil {
			return false, s.fail("locate right sibling", err)
		}
		rightH.Lock()
		right := rightH.Node().(*node.DataNode[K, V])
		if len(right.Keys) > ceilHalf(s.degree) {
			parentNode.Pivots[pos] = leaf.BorrowFromRight(right)
			rightH.MarkDirty()
			child.handle.MarkDirty()
			rightH.Unlock()
			return false, nil
		}
		rightH.Unlock()
	}

	if pos > 0 {
		leftUID := parentNode.Children[pos-1]
		leftH, err := s.cache.Get(leftUID)
		if err != nil {
			return false, s.fail("locate left sibling", err)
		}
		leftH.Lock()
		left := leftH.Node().(*node.DataNode[K, V])
		left.MergeWith(leaf)
		leftH.MarkDirty()
		leftH.Unlock()

		parentNode.Pivots = append(parentNode.Pivots[:pos-1], parentNode.Pivots[pos:]...)
		parentNode.Children = append(parentNode.Children[:pos], parentNode.Children[pos+1:]...)

		if err := s.cache.Remove(child.uid); err != nil {
			return false, s.fail("remove merged leaf", err)
		}
		return true, nil
	}

	rightUID := parentNode.Children[pos+1]
	rightH, err := s.cache.Get(rightUID)
	if err != nil {
		return false, s.fail("locate right sibling", err)
	}
	rightH.Lock()
	right := rightH.Node().(*node.DataNode[K, V])
	leaf.MergeWith(right)
	child.handle.MarkDirty()
	rightH.Unlock()

	parentNode.Pivots = append(parentNode.Pivots[:pos], parentNode.Pivots[pos+1:]...)
	parentNode.Children = append(parentNode.Children[:pos+1], parentNode.Children[pos+2:]...)

	if err := s.cache.Remove(rightUID); err != nil {
		return false, s.fail("remove merged leaf", err)
	}
	return true, nil
}

func (s *Store[K, V]) rebalanceIndex(parentNode *node.IndexNode[K, V], child ancestor[K, V], idxNode *node.IndexNode[K, V], pos int) (bool, error) {
	if pos > 0 {
		leftUID := parentNode.Children[pos-1]
		leftH, err := s.cache.Get(leftUID)
		if err != nil {
			return false, s.fail("locate left sibling", err)
		}
		leftH.Lock()
		left := leftH.Node().(*node.IndexNode[K, V])
		if len(left.Pivots) > ceilHalf(s.degree) {
			newParentPivot, movedChild := idxNode.BorrowFromLeft(left, parentNode.Pivots[pos-1])
			parentNode.Pivots[pos-1] = newParentPivot
			leftH.MarkDirty()
			child.handle.MarkDirty()
			leftH.Unlock()
			if err := s.cache.TryUpdateParentUID(movedChild, child.uid); err != nil {
				return false, s.fail("reparent borrowed child", err)
			}
			return false, nil
		}
		leftH.Unlock()
	}

	if pos < len(parentNode.Children)-1 {
		rightUID := parentNode.Children[pos+1]
		rightH, err := s.cache.Get(rightUID)
		if err != nil {
			return false, s.fail("locate right sibling", err)
		}
		rightH.Lock()
		right := rightH.Node().(*node.IndexNode[K, V])
		if len(right.Pivots) > ceilHalf(s.degree) {
			newParentPivot, movedChild := idxNode.BorrowFromRight(right, parentNode.Pivots[pos])
			parentNode.Pivots[pos] = newParentPivot
			rightH.MarkDirty()
			child.handle.MarkDirty()
			rightH.Unlock()
			if err := s.cache.TryUpdateParentUID(movedChild, child.uid); err != nil {
				return false, s.fail("reparent borrowed child", err)
			}
			return false, nil
		}
		rightH.Unlock()
	}

	if pos > 0 {
		leftUID := parentNode.Children[pos-1]
		leftH, err := s.cache.Get(leftUID)
		if err != nil {
			return false, s.fail("locate left sibling", err)
		}
		leftH.Lock()
		left := leftH.Node().(*node.IndexNode[K, V])
		absorbed := left.MergeWithRight(idxNode, parentNode.Pivots[pos-1])
		leftH.MarkDirty()
		leftH.Unlock()

		for _, c := range absorbed {
			if err := s.cache.TryUpdateParentUID(c, leftUID); err != nil {
				return false, s.fail("reparent merged children", err)
			}
		}

		parentNode.Pivots = append(parentNode.Pivots[:pos-1], parentNode.Pivots[pos:]...)
		parentNode.Children = append(parentNode.Children[:pos], parentNode.Children[pos+1:]...)

		if err := s.cache.Remove(child.uid); err != nil {
			return false, s.fail("remove merged index node", err)
		}
		return true, nil
	}

	rightUID := parentNode.Children[pos+1]
	rightH, err := s.cache.Get(rightUID)
	if err != nil {
		return false, s.fail("locate right sibling", err)
	}
	rightH.Lock()
	right := rightH.Node().(*node.IndexNode[K, V])
	absorbed := idxNode.MergeWithRight(right, parentNode.Pivots[pos])
	child.handle.MarkDirty()
	rightH.Unlock()

	for _, c := range absorbed {
		if err := s.cache.TryUpdateParentUID(c, child.uid); err != nil {
			return false, s.fail("reparent merged children", err)
		}
	}

	parentNode.Pivots = append(parentNode.Pivots[:pos], parentNode.Pivots[pos+1:]...)
	parentNode.Children = append(parentNode.Children[:pos+1], parentNode.Children[pos+2:]...)

	if err := s.cache.Remove(rightUID); err != nil {
		return false, s.fail("remove merged index node", err)
	}
	return true, nil
}
