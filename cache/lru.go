package cache

import (
	"fmt"
	"log"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/haldendb/kvindex/kvtype"
	"github.com/haldendb/kvindex/node"
	"github.com/haldendb/kvindex/storage"
	"github.com/haldendb/kvindex/uid"
)

// evictedEntry is staged by the golang-lru eviction callback. golang-lru
// invokes that callback while still holding its own internal lock, so the
// callback itself must not call back into lc.inner (Add/Get/Remove would
// deadlock); it only appends here, and the triggering call drains the
// slice once lc.inner's own call has returned.
type evictedEntry[K kvtype.Fixed, V kvtype.Fixed] struct {
	oldUID uid.UID
	handle *Handle[K, V]
}

// LRUCache is the single-threaded Cache: every Get/CreateOfType performs
// promotion and, if needed, eviction synchronously before returning.
type LRUCache[K kvtype.Fixed, V kvtype.Fixed] struct {
	mu sync.Mutex

	inner      *lru.Cache
	storage    storage.Backend
	marshaller node.Marshaller[K, V]
	allocator  *uid.Allocator
	logger     *log.Logger

	pending []evictedEntry[K, V]
}

// NewLRUCache builds a cache with room for capacity entries, backed by
// storage for eviction/rehydration. A nil logger defaults to log.Default().
func NewLRUCache[K kvtype.Fixed, V kvtype.Fixed](capacity int, backend storage.Backend, marshaller node.Marshaller[K, V], logger *log.Logger) (*LRUCache[K, V], error) {
	if logger == nil {
		logger = log.Default()
	}
	lc := &LRUCache[K, V]{
		storage:    backend,
		marshaller: marshaller,
		allocator:  uid.NewAllocator(),
		logger:     logger,
	}
	inner, err := lru.NewWithEvict(capacity, lc.onEvicted)
	if err != nil {
		return nil, fmt.Errorf("cache: construct lru: %w", err)
	}
	lc.inner = inner
	if err := backend.Init(lc.onRelocate); err != nil {
		return nil, fmt.Errorf("cache: init storage: %w", err)
	}
	return lc, nil
}

// onEvicted is golang-lru's eviction callback. It must not call back into
// lc.inner; it only stages the handle for the caller to drain.
func (lc *LRUCache[K, V]) onEvicted(key, value interface{}) {
	lc.pending = append(lc.pending, evictedEntry[K, V]{
		oldUID: key.(uid.UID),
		handle: value.(*Handle[K, V]),
	})
}

// onRelocate is the storage.Backend hook for externally-triggered UID
// changes. None of storage's own implementations call it (only this
// cache's own eviction path relocates UIDs), but it must be supplied to
// satisfy Backend.Init's contract.
func (lc *LRUCache[K, V]) onRelocate(uid.UID, uid.UID) error { return nil }

// drainPending writes back every staged eviction. A write-back can itself
// trigger another eviction (writeBack re-Adds a pinned entry, which pushes
// the cache back over capacity and evicts the next-coldest entry into
// pending), so this loops until the slice is empty.
func (lc *LRUCache[K, V]) drainPending() error {
	for len(lc.pending) > 0 {
		batch := lc.pending
		lc.pending = nil
		for _, e := range batch {
			if err := lc.writeBack(e.oldUID, e.handle, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeBack persists h if dirty and migrates its parent's back-pointer to
// the resulting UID. The entry is considered evicted: it is not re-admitted
// to lc.inner, matching the "a node is destroyed when the cache evicts it"
// lifecycle — a later access rehydrates it from storage via Get. Pass
// keepResident true only for a shutdown flush, where the entry's key is
// renamed in place instead of being dropped.
func (lc *LRUCache[K, V]) writeBack(oldUID uid.UID, h *Handle[K, V], keepResident bool) error {
	if h.pinned() {
		// A pinned entry must not be evicted; re-admit it unchanged. This
		// only happens under capacity pressure tight enough that an
		// in-use node is the coldest entry.
		lc.inner.Add(oldUID, h)
		return nil
	}

	h.Lock()
	defer h.Unlock()

	if !h.dirty {
		if oldUID.IsVolatile() {
			lc.allocator.Free(oldUID)
		}
		return nil
	}

	_, data, err := lc.marshaller.Serialize(h.node)
	if err != nil {
		h.poison = err
		lc.logger.Printf("cache: serialize failed for %v: %v", oldUID, err)
		return fmt.Errorf("cache: serialize %v: %w", oldUID, err)
	}
	newUID, err := lc.storage.Write(data)
	if err != nil {
		h.poison = err
		lc.logger.Printf("cache: write-back failed for %v: %v", oldUID, err)
		return fmt.Errorf("%w: write-back %v: %v", ErrIO, oldUID, err)
	}
	h.clearDirty()

	if !oldUID.Equal(newUID) {
		if parent := h.parent; !parent.IsNil() {
			if pv, ok := lc.inner.Peek(parent); ok {
				ph := pv.(*Handle[K, V])
				ph.Lock()
				if rewriter, ok := ph.node.(interface{ UpdateChildUID(old, new uid.UID) bool }); ok {
					if rewriter.UpdateChildUID(oldUID, newUID) {
						ph.dirty = true
					}
				}
				ph.Unlock()
			}
		}
		if oldUID.IsVolatile() {
			lc.allocator.Free(oldUID)
		}
	}

	if keepResident {
		lc.inner.Remove(oldUID)
		// golang-lru reports Remove through the eviction callback too;
		// drop that staged entry so the renamed node is not evicted again.
		kept := lc.pending[:0]
		for _, e := range lc.pending {
			if !e.oldUID.Equal(oldUID) {
				kept = append(kept, e)
			}
		}
		lc.pending = kept
		lc.inner.Add(newUID, h)
	}
	return nil
}

// CreateOfType implements Cache.
func (lc *LRUCache[K, V]) CreateOfType(kind node.TypeTag, parent uid.UID, args ...any) (uid.UID, *Handle[K, V], error) {
	n, err := buildNode[K, V](kind, args)
	if err != nil {
		return uid.Nil, nil, err
	}
	return lc.Adopt(n, parent)
}

// Adopt implements Cache.
func (lc *LRUCache[K, V]) Adopt(n node.Node[K, V], parent uid.UID) (uid.UID, *Handle[K, V], error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	h := NewHandle[K, V](n, parent)
	u := lc.allocator.Allocate()
	lc.inner.Add(u, h)
	if err := lc.drainPending(); err != nil {
		return uid.Nil, nil, err
	}
	return u, h, nil
}

// Get implements Cache.
func (lc *LRUCache[K, V]) Get(u uid.UID) (*Handle[K, V], error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.getLocked(u)
}

func (lc *LRUCache[K, V]) getLocked(u uid.UID) (*Handle[K, V], error) {
	if v, ok := lc.inner.Get(u); ok {
		h := v.(*Handle[K, V])
		if err := h.poison; err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPoisoned, err)
		}
		return h, nil
	}
	if !u.IsFile() {
		return nil, fmt.Errorf("%w: volatile uid %v", ErrNotFound, u)
	}

	data, err := lc.storage.Read(u)
	if err != nil {
		return nil, fmt.Errorf("%w: read %v: %v", ErrIO, u, err)
	}
	tag, err := node.PeekTypeTag(data)
	if err != nil {
		return nil, err
	}
	n, err := lc.marshaller.Deserialize(tag, data)
	if err != nil {
		return nil, fmt.Errorf("cache: deserialize %v: %w", u, err)
	}
	h := NewHandle[K, V](n, uid.Nil)
	h.clearDirty()
	lc.inner.Add(u, h)
	if err := lc.drainPending(); err != nil {
		return nil, err
	}
	return h, nil
}

// GetOfType implements Cache.
func (lc *LRUCache[K, V]) GetOfType(u uid.UID, kind node.TypeTag) (*Handle[K, V], error) {
	h, err := lc.Get(u)
	if err != nil {
		return nil, err
	}
	if h.TypeTag() != kind {
		return nil, fmt.Errorf("%w: want %v got %v", ErrTypeMismatch, kind, h.TypeTag())
	}
	return h, nil
}

// Remove implements Cache.
func (lc *LRUCache[K, V]) Remove(u uid.UID) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.inner.Remove(u)
	// golang-lru reports Remove through the eviction callback too; drop
	// that staged entry so the removed node is never written back.
	kept := lc.pending[:0]
	for _, e := range lc.pending {
		if !e.oldUID.Equal(u) {
			kept = append(kept, e)
		}
	}
	lc.pending = kept
	if u.IsFile() {
		if err := lc.storage.Remove(u); err != nil {
			return fmt.Errorf("%w: remove %v: %v", ErrIO, u, err)
		}
	} else {
		lc.allocator.Free(u)
	}
	return nil
}

// TryUpdateParentUID implements Cache.
func (lc *LRUCache[K, V]) TryUpdateParentUID(child, newParent uid.UID) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	v, ok := lc.inner.Peek(child)
	if !ok {
		return nil
	}
	h := v.(*Handle[K, V])
	h.Lock()
	h.parent = newParent
	h.Unlock()
	return nil
}

// FlushAll implements Cache: serializes and writes back every dirty entry,
// resolving every Volatile UID to a File UID.
func (lc *LRUCache[K, V]) FlushAll() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	for _, k := range lc.inner.Keys() {
		u := k.(uid.UID)
		v, ok := lc.inner.Peek(u)
		if !ok {
			continue
		}
		h := v.(*Handle[K, V])
		if err := lc.writeBack(u, h, true); err != nil {
			return err
		}
	}
	if err := lc.drainPending(); err != nil {
		return err
	}
	return lc.storage.Flush()
}

// Len reports the number of resident entries, for cache-size invariant
// checks in tests.
func (lc *LRUCache[K, V]) Len() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.inner.Len()
}
