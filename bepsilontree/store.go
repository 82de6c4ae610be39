// Package bepsilontree implements a B^ε-tree index: every router
// (node.IndexNodeEpsilon) additionally carries a bounded, sorted buffer of
// deferred Insert/Update/Delete operations. A write descends only as far as
// the first router on the root-to-leaf path, merges into its buffer, and
// returns; the buffer is pushed one level down — possibly cascading through
// several levels — only once it fills. Reads overlay the buffered ops found
// along the root-to-leaf path onto the leaf's persisted state, freshest
// (root-most) op winning.
package bepsilontree

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
	// ErrKeyNotFound is returned by Search for an absent key, and by Remove
	// when the tree has no routers yet (root is a bare leaf) and the key is
	// absent there. Once the root is a router, Remove buffers the delete and
	// never returns this eagerly — absence is only observable by Search.
	ErrKeyNotFound = errors.New("bepsilontree: key not found")
	// ErrInternal marks a structural invariant violation.
	ErrInternal = errors.New("bepsilontree: internal invariant violated")
	// ErrIO wraps a cache-reported storage failure.
	ErrIO = errors.New("bepsilontree: io error")
)

// Store is a single B^ε-tree index keyed by K with values V.
type Store[K kvtype.Fixed, V kvtype.Fixed] struct {
	rootMu sync.RWMutex
	root   uid.UID

	cache      cache.Cache[K, V]
	degree     int
	bufferSize int
}

// Pair is one entry of a BulkInsert batch or a RangeQuery result.
type Pair[K kvtype.Fixed, V kvtype.Fixed] struct {
	Key   K
	Value V
}

// NewStore builds a tree whose root is a single empty leaf.
func NewStore[K kvtype.Fixed, V kvtype.Fixed](degree, bufferSize int, c cache.Cache[K, V]) (*Store[K, V], error) {
	if degree < 2 {
		return nil, fmt.Errorf("bepsilontree: degree must be >= 2, got %d", degree)
	}
	if bufferSize < 1 {
		return nil, fmt.Errorf("bepsilontree: buffer size must be >= 1, got %d", bufferSize)
	}
	rootUID, _, err := c.CreateOfType(node.TagData, uid.Nil)
	if err != nil {
		return nil, fmt.Errorf("bepsilontree: init root: %w", err)
	}
	return &Store[K, V]{root: rootUID, cache: c, degree: degree, bufferSize: bufferSize}, nil
}

// Flush persists every dirty cached node, resolving volatile UIDs to file
// UIDs.
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

func (s *Store[K, V]) fail(op string, err error) error {
	if errors.Is(err, cache.ErrIO) || errors.Is(err, cache.ErrPoisoned) {
		return fmt.Errorf("%w: %s: %v", ErrIO, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrInternal, op, err)
}

func (s *Store[K, V]) fatalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}

// applyToLeaf materialises op against a leaf directly. required governs
// whether an absent key on Update/Delete is reported as ErrKeyNotFound
// (the direct-apply root-is-leaf path) or silently ignored (a buffered op
// being pushed down during a flush, which must not fail the flush just
// because an earlier op in the same batch already removed the key).
func applyToLeaf[K kvtype.Fixed, V kvtype.Fixed](leaf *node.DataNode[K, V], k K, op node.Op[V], required bool) error {
	switch op.Kind {
	case node.OpInsert:
		if i := leaf.Find(k); i >= 0 {
			leaf.SetValue(i, op.Value)
		} else {
			leaf.Insert(k, op.Value)
		}
		return nil
	case node.OpUpdate:
		if i := leaf.Find(k); i >= 0 {
			leaf.SetValue(i, op.Value)
			return nil
		}
		if required {
			return ErrKeyNotFound
		}
		return nil
	case node.OpDelete:
		if leaf.Remove(k) {
			return nil
		}
		if required {
			return ErrKeyNotFound
		}
		return nil
	default:
		return fmt.Errorf("bepsilontree: unknown buffered op kind %v", op.Kind)
	}
}

// Insert buffers (or, while the tree is still a bare leaf, directly
// applies) k -> v.
func (s *Store[K, V]) Insert(k K, v V) error {
	return s.apply(k, node.Op[V]{Kind: node.OpInsert, Value: v})
}

// Update buffers (or directly applies) an update to an existing key. Once
// the root is a router, presence is not checked eagerly: while the update
// is buffered, Search and RangeQuery report its value, and when it is
// flushed into a leaf that lacks the key it is dropped.
func (s *Store[K, V]) Update(k K, v V) error {
	return s.apply(k, node.Op[V]{Kind: node.OpUpdate, Value: v})
}

// Remove buffers (or directly applies) a deletion. It never returns
// ErrKeyNotFound eagerly once the root is a router; absence is observed by
// Search after overlay.
func (s *Store[K, V]) Remove(k K) error {
	return s.apply(k, node.Op[V]{Kind: node.OpDelete})
}

// apply is the shared Insert/Update/Remove entry point: it descends only to
// the root, buffering into the first router encountered (flushing, possibly
// cascading, if the buffer is now full) or applying directly to a bare leaf
// root.
func (s *Store[K, V]) apply(k K, op node.Op[V]) error {
	rootUID := s.readRoot()
	h, err := s.cache.Get(rootUID)
	if err != nil {
		return s.fail("locate root", err)
	}
	h.Lock()
	h.Pin()
	defer h.Unpin()
	defer h.Unlock()

	switch n := h.Node().(type) {
	case *node.DataNode[K, V]:
		if err := applyToLeaf(n, k, op, true); err != nil {
			return err
		}
		h.MarkDirty()
		if !n.RequireSplit(s.degree) {
			return nil
		}
		sibling, promoted := n.Split()
		return s.promoteNewRoot(rootUID, sibling, promoted)

	case *node.IndexNodeEpsilon[K, V]:
		if err := n.BufferInsert(k, op); err != nil {
			return s.fail("buffer op", err)
		}
		h.MarkDirty()
		if n.BufferLen() < s.bufferSize {
			return nil
		}
		if err := s.flush(rootUID, h, n); err != nil {
			return err
		}
		if !n.RequireSplit(s.degree) {
			return nil
		}
		siblingPlain, promoted := n.Split()
		siblingEps := &node.IndexNodeEpsilon[K, V]{IndexNode: *siblingPlain}
		siblingEps.Buffer = n.SplitBuffer(promoted)
		return s.promoteNewRoot(rootUID, siblingEps, promoted)

	default:
		return s.fatalf("apply reached an unknown node kind at root")
	}
}

// promoteNewRoot builds a fresh IndexNodeε root over oldRootUID and the
// freshly-adopted sibling, reparenting both — the same root-split protocol
// bplustree.Store uses, generalised to adopt a sibling that may itself carry
// children and a buffer.
func (s *Store[K, V]) promoteNewRoot(oldRootUID uid.UID, sibling node.Node[K, V], promoted K) error {
	siblingUID, siblingH, err := s.cache.Adopt(sibling, uid.Nil)
	if err != nil {
		return s.fail("allocate split sibling", err)
	}
	siblingH.MarkDirty()

	if sib, ok := sibling.(*node.IndexNodeEpsilon[K, V]); ok {
		for _, c := range sib.Children {
			if err := s.cache.TryUpdateParentUID(c, siblingUID); err != nil {
				return s.fail("reparent split-off children", err)
			}
		}
	}

	newRootUID, _, err := s.cache.CreateOfType(node.TagIndexEpsilon, uid.Nil, promoted, oldRootUID, siblingUID)
	if err != nil {
		return s.fail("allocate new root", err)
	}
	if err := s.cache.TryUpdateParentUID(oldRootUID, newRootUID); err != nil {
		return s.fail("reparent old root", err)
	}
	if err := s.cache.TryUpdateParentUID(siblingUID, newRootUID); err != nil {
		return s.fail("reparent split sibling", err)
	}
	s.setRoot(newRootUID)
	return nil
}

// Search collects the buffered op for k at every IndexNodeε on the
// root-to-leaf path, then replays them over the leaf's base state from
// leaf-most (oldest) to root-most (freshest), so the root's buffered op
// always wins a conflict.
func (s *Store[K, V]) Search(k K) (V, error) {
	var zero V
	rootUID := s.readRoot()
	h, err := s.cache.Get(rootUID)
	if err != nil {
		return zero, s.fail("locate root", err)
	}
	h.RLock()
	h.Pin()
	cur := h
	var overlay []node.Op[V]

	for {
		switch n := cur.Node().(type) {
		case *node.IndexNodeEpsilon[K, V]:
			if op, ok := n.BufferOpFor(k); ok {
				overlay = append(overlay, op)
			}
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
			v, found := n.GetValue(k)
			cur.Unpin()
			cur.RUnlock()

			for i := len(overlay) - 1; i >= 0; i-- {
				switch overlay[i].Kind {
				case node.OpInsert, node.OpUpdate:
					v, found = overlay[i].Value, true
				case node.OpDelete:
					found = false
				}
			}
			if !found {
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

// RangeQuery returns every (k, v) with k in [lo, hi], overlaying buffered
// Insert/Update/Delete entries found along the way onto the leaf-sourced
// base set, root-most entries taking precedence.
func (s *Store[K, V]) RangeQuery(lo, hi K) ([]Pair[K, V], error) {
	if hi < lo {
		return nil, nil
	}
	base := make(map[K]V)
	var overlay []node.BufferEntry[K, V]
	if err := s.collectRange(s.readRoot(), lo, hi, base, &overlay); err != nil {
		return nil, err
	}

	for i := len(overlay) - 1; i >= 0; i-- {
		e := overlay[i]
		switch e.Op.Kind {
		case node.OpInsert, node.OpUpdate:
			base[e.Key] = e.Op.Value
		case node.OpDelete:
			delete(base, e.Key)
		}
	}

	result := make([]Pair[K, V], 0, len(base))
	for k, v := range base {
		result = append(result, Pair[K, V]{Key: k, Value: v})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// collectRange walks every subtree whose key range can overlap [lo, hi],
// recording leaf rows into base and buffered entries (root-first order)
// into overlay.
func (s *Store[K, V]) collectRange(u uid.UID, lo, hi K, base map[K]V, overlay *[]node.BufferEntry[K, V]) error {
	h, err := s.cache.Get(u)
	if err != nil {
		return s.fail("locate range node", err)
	}
	h.RLock()
	h.Pin()
	defer h.Unpin()
	defer h.RUnlock()

	switch n := h.Node().(type) {
	case *node.DataNode[K, V]:
		for i, k := range n.Keys {
			if k >= lo && k <= hi {
				base[k] = n.Values[i]
			}
		}
		return nil

	case *node.IndexNodeEpsilon[K, V]:
		for _, e := range n.Buffer {
			if e.Key >= lo && e.Key <= hi {
				*overlay = append(*overlay, e)
			}
		}
		for i, child := range n.Children {
			overlapsLow := i == 0 || n.Pivots[i-1] <= hi
			overlapsHigh := i == len(n.Children)-1 || n.Pivots[i] >= lo
			if overlapsLow && overlapsHigh {
				if err := s.collectRange(child, lo, hi, base, overlay); err != nil {
					return err
				}
			}
		}
		return nil

	default:
		return s.fatalf("range query reached an unknown node kind")
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
