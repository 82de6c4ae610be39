package cache

import (
	"sync"
	"sync/atomic"

	"github.com/haldendb/kvindex/kvtype"
	"github.com/haldendb/kvindex/node"
	"github.com/haldendb/kvindex/uid"
)

// Handle wraps a single cached node: the node itself, a reader/writer lock
// guarding its contents, a dirty flag, a pin count that defers eviction
// while a caller is actively using the node, and the UID of the node's
// parent (needed to migrate a back-pointer when this node is rewritten
// under a new UID).
//
// A caller obtains a Handle from a Cache, reads or mutates Node() under its
// own RLock/Lock, and calls Pin/Unpin around the scope where eviction must
// not reclaim it — mirroring the reference-counted retention of a C++
// shared_ptr without requiring generalized shared ownership.
type Handle[K kvtype.Fixed, V kvtype.Fixed] struct {
	mu sync.RWMutex

	node    node.Node[K, V]
	dirty   bool
	pins    int32
	poison  error
	parent  uid.UID
	typeTag node.TypeTag
}

// NewHandle wraps n, freshly created or just rehydrated, with the given
// parent UID (uid.Nil for the root).
func NewHandle[K kvtype.Fixed, V kvtype.Fixed](n node.Node[K, V], parent uid.UID) *Handle[K, V] {
	return &Handle[K, V]{node: n, parent: parent, typeTag: n.Type(), dirty: true}
}

// Lock/Unlock/RLock/RUnlock expose the handle's content lock directly so
// tree code can hold it across a multi-step mutation (e.g. insert then
// split) without the cache needing to know about the operation's shape.
func (h *Handle[K, V]) Lock()    { h.mu.Lock() }
func (h *Handle[K, V]) Unlock()  { h.mu.Unlock() }
func (h *Handle[K, V]) RLock()   { h.mu.RLock() }
func (h *Handle[K, V]) RUnlock() { h.mu.RUnlock() }

// Node returns the wrapped node. Callers must hold RLock or Lock.
func (h *Handle[K, V]) Node() node.Node[K, V] { return h.node }

// TypeTag reports the node's kind without needing a type assertion.
func (h *Handle[K, V]) TypeTag() node.TypeTag { return h.typeTag }

// MarkDirty flags the node as needing a write-back before eviction.
// Callers must hold Lock.
func (h *Handle[K, V]) MarkDirty() { h.dirty = true }

// IsDirty reports the dirty flag. Callers must hold RLock or Lock.
func (h *Handle[K, V]) IsDirty() bool { return h.dirty }

func (h *Handle[K, V]) clearDirty() { h.dirty = false }

// ParentUID returns the UID of this node's parent index node, or uid.Nil
// for the root. Callers must hold RLock or Lock.
func (h *Handle[K, V]) ParentUID() uid.UID { return h.parent }

// SetParentUID rewrites the parent back-pointer, used when a node is
// adopted by a different index node (e.g. split sibling adoption).
// Callers must hold Lock.
func (h *Handle[K, V]) SetParentUID(p uid.UID) { h.parent = p }

// Pin prevents eviction of this entry until a matching Unpin. Safe to call
// without holding the content lock.
func (h *Handle[K, V]) Pin() { atomic.AddInt32(&h.pins, 1) }

// Unpin releases one pin acquired by Pin.
func (h *Handle[K, V]) Unpin() { atomic.AddInt32(&h.pins, -1) }

// pinned reports whether any pin is currently held.
func (h *Handle[K, V]) pinned() bool { return atomic.LoadInt32(&h.pins) > 0 }

// Poison marks the handle as unusable after an unrecoverable I/O failure.
// Every subsequent access must check Poisoned first.
func (h *Handle[K, V]) Poison(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.poison = err
}

// Poisoned reports the poisoning error, if any.
func (h *Handle[K, V]) Poisoned() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.poison
}
