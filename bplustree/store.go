// Package bplustree implements a B+-tree index: data lives only in leaves
// (node.DataNode), index nodes (node.IndexNode) are pure routers. Traversal
// is lock-coupled over cache.Handle locks rather than copy-on-write cloning:
// each step takes an exclusive (write path) or shared (read path) lock on
// the child before releasing the parent, and the write path keeps an
// ancestor stack of handles that might still need a structural update,
// dropping ancestors early once a node is proven safe.
package bplustree

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/haldendb/kvindex/cache"
	"github.com/haldendb/kvindex/kvtype"
	"github.com/haldendb/kvindex/node"
	"github.com/haldendb/kvindex/uid"
)

var (
	// ErrTreeEmpty is returned by an operation that requires an initialised
	// root. NewStore always creates one, so this only fires if a Store is
	// used after its root has somehow been left nil.
	ErrTreeEmpty = errors.New("bplustree: tree is empty")
	// ErrKeyNotFound is returned by Search/Remove for an absent key.
	ErrKeyNotFound = errors.New("bplustree: key not found")
	// ErrInternal marks a structural invariant violation: a cache miss that
	// should have hit, a routing step landing on a nil child, a child UID
	// absent from its recorded parent during rebalance. The operation is
	// aborted; callers must not retry.
	ErrInternal = errors.New("bplustree: internal invariant violated")
	// ErrIO wraps a cache-reported storage failure.
	ErrIO = errors.New("bplustree: io error")
)

// ancestor is one entry of the lock-coupled traversal stack: a node handle
// still held exclusively because it (or something above it) might need a
// structural update before the operation completes.
type ancestor[K kvtype.Fixed, V kvtype.Fixed] struct {
	uid    uid.UID
	handle *cache.Handle[K, V]
}

// Store is a single B+-tree index keyed by K with values V, backed by a
// node cache. The root UID is guarded by its own lock, separate from the
// per-handle locks taken during traversal, so a reader never blocks behind
// an in-flight structural change unless it actually needs the new root.
type Store[K kvtype.Fixed, V kvtype.Fixed] struct {
	rootMu sync.RWMutex
	root   uid.UID

	cache  cache.Cache[K, V]
	degree int
}

// Pair is one entry of a BulkInsert batch.
type Pair[K kvtype.Fixed, V kvtype.Fixed] struct {
	Key   K
	Value V
}

// NewStore builds a tree whose root is a single empty leaf.
func NewStore[K kvtype.Fixed, V kvtype.Fixed](degree int, c cache.Cache[K, V]) (*Store[K, V], error) {
	if degree < 2 {
		return nil, fmt.Errorf("bplustree: degree must be >= 2, got %d", degree)
	}
	rootUID, _, err := c.CreateOfType(node.TagData, uid.Nil)
	if err != nil {
		return nil, fmt.Errorf("bplustree: init root: %w", err)
	}
	return &Store[K, V]{root: rootUID, cache: c, degree: degree}, nil
}

// Flush persists every dirty cached node, resolving volatile UIDs to file
// UIDs. Analogous to btree.BTree.Sync.
func (s *Store[K, V]) Flush() error {
	return s.cache.FlushAll()
}

func (s *Store[K, V]) readRoot() uid.UID {
	s.rootMu.RLock()
	defer s.rootMu.RUnlock()
	return s.root
}

func (s *Store[K, V]) setRoot(u uid.UID) {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	s.root = u
}

func ceilHalf(degree int) int { return (degree + 1) / 2 }

// fail wraps a cache-reported error: an I/O failure stays an IO error, any
// other cache error (missing entry, type mismatch) is a structural
// invariant violation.
func (s *Store[K, V]) fail(op string, err error) error {
	if errors.Is(err, cache.ErrIO) || errors.Is(err, cache.ErrPoisoned) {
		return fmt.Errorf("%w: %s: %v", ErrIO, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrInternal, op, err)
}

func (s *Store[K, V]) fatalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}

// unlockStack releases every ancestor's lock and pin. A handle is pinned for
// as long as it sits on this stack so that, if a concurrent cache.Get/Adopt
// evicts down to capacity while the traversal is still holding it locked,
// eviction skips it instead of trying to re-lock an already-locked handle on
// the same goroutine.
func unlockStack[K kvtype.Fixed, V kvtype.Fixed](stack []ancestor[K, V]) {
	for _, a := range stack {
		a.handle.Unpin()
		a.handle.Unlock()
	}
}

// releaseAllButLast drops every ancestor lock except the most recently
// acquired one: once a node is proven safe (it cannot itself split or
// underflow further), no operation it performs can propagate past it, so
// everything above it can be released — but the node itself must stay
// locked, since it may still receive a promoted pivot or an absorbed child
// from below.
func releaseAllButLast[K kvtype.Fixed, V kvtype.Fixed](stack *[]ancestor[K, V]) {
	cur := *stack
	if len(cur) <= 1 {
		return
	}
	for _, a := range cur[:len(cur)-1] {
		a.handle.Unpin()
		a.handle.Unlock()
	}
	*stack = cur[len(cur)-1:]
}

// Insert adds k→v, or overwrites v if k is already present. Lock-coupled,
// exclusive: descend holding ancestors only while a split could still
// propagate to them, then unwind splitting bottom-up.
func (s *Store[K, V]) Insert(k K, v V) error {
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
		if !idxNode.CanTriggerSplit(s.degree) {
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
	if i := leaf.Find(k); i >= 0 {
		leaf.SetValue(i, v)
	} else {
		leaf.Insert(k, v)
	}
	cur.MarkDirty()

	if !leaf.RequireSplit(s.degree) {
		unlockStack(stack)
		return nil
	}
	return s.unwindSplit(stack)
}

// unwindSplit splits each stack entry, from the leaf upward, that still
// requires it, promoting the split pivot into the next ancestor (or, once
// the stack is exhausted, allocating a brand-new root).
func (s *Store[K, V]) unwindSplit(stack []ancestor[K, V]) error {
	defer unlockStack(stack)

	for idx := len(stack) - 1; idx >= 0; idx-- {
		top := stack[idx]

		var requireSplit bool
		switch n := top.handle.Node().(type) {
		case *node.DataNode[K, V]:
			requireSplit = n.RequireSplit(s.degree)
		case *node.IndexNode[K, V]:
			requireSplit = n.RequireSplit(s.degree)
		default:
			return s.fatalf("split unwind hit an unknown node kind")
		}
		if !requireSplit {
			return nil
		}

		hasParent := idx > 0
		var parentUID uid.UID
		if hasParent {
			parentUID = stack[idx-1].uid
		}

		var sibling node.Node[K, V]
		var promoted K
		switch n := top.handle.Node().(type) {
		case *node.DataNode[K, V]:
			sib, pivot := n.Split()
			sibling, promoted = sib, pivot
		case *node.IndexNode[K, V]:
			sib, pivot := n.Split()
			sibling, promoted = sib, pivot
		}
		top.handle.MarkDirty()

		siblingUID, siblingHandle, err := s.cache.Adopt(sibling, parentUID)
		if err != nil {
			return s.fail("allocate split sibling", err)
		}
		siblingHandle.MarkDirty()

		if sib, ok := sibling.(*node.IndexNode[K, V]); ok {
			for _, childUID := range sib.Children {
				if err := s.cache.TryUpdateParentUID(childUID, siblingUID); err != nil {
					return s.fail("reparent split-off children", err)
				}
			}
		}

		if hasParent {
			parentNode, ok := stack[idx-1].handle.Node().(*node.IndexNode[K, V])
			if !ok {
				return s.fatalf("split parent is not an index node")
			}
			parentNode.InsertChild(promoted, siblingUID)
			stack[idx-1].handle.MarkDirty()
			continue
		}

		newRootUID, _, err := s.cache.CreateOfType(node.TagIndex, uid.Nil, promoted, top.uid, siblingUID)
		if err != nil {
			return s.fail("allocate new root", err)
		}
		if err := s.cache.TryUpdateParentUID(top.uid, newRootUID); err != nil {
			return s.fail("reparent old root", err)
		}
		if err := s.cache.TryUpdateParentUID(siblingUID, newRootUID); err != nil {
			return s.fail("reparent split sibling", err)
		}
		s.setRoot(newRootUID)
		return nil
	}
	return nil
}

// Search looks up k with shared, hand-over-hand locking: a child is locked
// before its parent is released, so a concurrent writer can never observe a
// half-released path.
func (s *Store[K, V]) Search(k K) (V, error) {
	var zero V
	rootUID := s.readRoot()
	if rootUID.IsNil() {
		return zero, ErrTreeEmpty
	}

	h, err := s.cache.Get(rootUID)
	if err != nil {
		return zero, s.fail("locate root", err)
	}
	h.RLock()
	h.Pin()
	cur := h

	for {
		switch n := cur.Node().(type) {
		case *node.IndexNode[K, V]:
			childUID := n.Child(k)
			if childUID.IsNil() {
				cur.Unpin()
				cur.RUnlock()
				return zero, s.fatalf("routing landed on a nil child")
			}
			childH, err := s.cache.Get(childUID)
			if err != nil {
				cur.Unpin()
				cur.RUnlock()
				return zero, s.fail("locate child", err)
			}
			childH.RLock()
			childH.Pin()
			cur.Unpin()
			cur.RUnlock()
			cur = childH
		case *node.DataNode[K, V]:
			v, ok := n.GetValue(k)
			cur.Unpin()
			cur.RUnlock()
			if !ok {
				return zero, ErrKeyNotFound
			}
			return v, nil
		default:
			cur.Unpin()
			cur.RUnlock()
			return zero, s.fatalf("search reached an unknown node kind")
		}
	}
}

// BulkInsert sorts pairs by key and inserts them in order, stopping at the
// first failure.
func (s *Store[K, V]) BulkInsert(pairs []Pair[K, V]) error {
	sorted := append([]Pair[K, V](nil), pairs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	for _, p := range sorted {
		if err := s.Insert(p.Key, p.Value); err != nil {
			return err
		}
	}
	return nil
}
