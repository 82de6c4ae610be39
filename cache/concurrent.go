package cache

import (
	"container/list"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/haldendb/kvindex/kvtype"
	"github.com/haldendb/kvindex/node"
	"github.com/haldendb/kvindex/storage"
	"github.com/haldendb/kvindex/uid"
)

// ConcurrentCache is the concurrent Cache variant: a RWMutex-guarded map
// serves lookups without ever blocking on LRU-order bookkeeping. Get
// promotes lazily by pushing onto a buffered channel drained by one
// promotion worker goroutine, which is the only goroutine allowed to touch
// the ordering list. A second, ticker-driven worker evicts down to
// capacity. Both run until Close stops them.
type ConcurrentCache[K kvtype.Fixed, V kvtype.Fixed] struct {
	mu       sync.RWMutex
	entries  map[uid.UID]*list.Element // value: *concurrentEntry[K,V]
	order    *list.List                // front = MRU, back = LRU
	capacity int

	storage    storage.Backend
	marshaller node.Marshaller[K, V]
	allocator  *uid.Allocator
	logger     *log.Logger

	promote chan uid.UID
	stop    chan struct{}
	wg      sync.WaitGroup
}

type concurrentEntry[K kvtype.Fixed, V kvtype.Fixed] struct {
	uid    uid.UID
	handle *Handle[K, V]
}

// NewConcurrentCache builds a concurrent cache with room for capacity
// entries. evictEvery controls how often the eviction worker checks size
// against capacity.
func NewConcurrentCache[K kvtype.Fixed, V kvtype.Fixed](capacity int, backend storage.Backend, marshaller node.Marshaller[K, V], evictEvery time.Duration, logger *log.Logger) (*ConcurrentCache[K, V], error) {
	if logger == nil {
		logger = log.Default()
	}
	cc := &ConcurrentCache[K, V]{
		entries:    make(map[uid.UID]*list.Element),
		order:      list.New(),
		capacity:   capacity,
		storage:    backend,
		marshaller: marshaller,
		allocator:  uid.NewAllocator(),
		logger:     logger,
		promote:    make(chan uid.UID, 4096),
		stop:       make(chan struct{}),
	}
	if err := backend.Init(func(uid.UID, uid.UID) error { return nil }); err != nil {
		return nil, fmt.Errorf("cache: init storage: %w", err)
	}
	cc.wg.Add(2)
	go cc.promotionWorker()
	go cc.evictionWorker(evictEvery)
	return cc, nil
}

// Close stops the background workers. Pending promotions and eviction
// passes in flight are allowed to finish.
func (cc *ConcurrentCache[K, V]) Close() {
	close(cc.stop)
	cc.wg.Wait()
}

func (cc *ConcurrentCache[K, V]) promotionWorker() {
	defer cc.wg.Done()
	for {
		select {
		case u := <-cc.promote:
			cc.mu.Lock()
			if el, ok := cc.entries[u]; ok {
				cc.order.MoveToFront(el)
			}
			cc.mu.Unlock()
		case <-cc.stop:
			return
		}
	}
}

func (cc *ConcurrentCache[K, V]) evictionWorker(every time.Duration) {
	defer cc.wg.Done()
	if every <= 0 {
		every = 50 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			cc.evictDownToCapacity()
		case <-cc.stop:
			return
		}
	}
}

func (cc *ConcurrentCache[K, V]) evictDownToCapacity() {
	for {
		cc.mu.Lock()
		if cc.order.Len() <= cc.capacity {
			cc.mu.Unlock()
			return
		}
		back := cc.order.Back()
		if back == nil {
			cc.mu.Unlock()
			return
		}
		ce := back.Value.(*concurrentEntry[K, V])
		if ce.handle.pinned() {
			// skip the pinned tail entry; move it to front so the
			// eviction pass can make progress against colder entries
			cc.order.MoveToFront(back)
			cc.mu.Unlock()
			continue
		}
		cc.order.Remove(back)
		delete(cc.entries, ce.uid)
		cc.mu.Unlock()

		if err := cc.writeBack(ce.uid, ce.handle, false); err != nil {
			cc.logger.Printf("cache: eviction write-back failed for %v: %v", ce.uid, err)
		}
	}
}

// writeBack persists h if dirty and migrates its parent's back-pointer.
// keepResident false (the normal eviction path) leaves the entry out of
// cc.entries/cc.order — the caller already removed it — so the node is
// destroyed the way the cache's lifecycle describes; a later access
// rehydrates it from storage. keepResident true (shutdown flush) renames
// the entry's key in place instead.
func (cc *ConcurrentCache[K, V]) writeBack(oldUID uid.UID, h *Handle[K, V], keepResident bool) error {
	h.Lock()
	defer h.Unlock()

	if !h.dirty {
		if oldUID.IsVolatile() {
			cc.allocator.Free(oldUID)
		}
		return nil
	}
	_, data, err := cc.marshaller.Serialize(h.node)
	if err != nil {
		h.poison = err
		return fmt.Errorf("cache: serialize %v: %w", oldUID, err)
	}
	newUID, err := cc.storage.Write(data)
	if err != nil {
		h.poison = err
		return fmt.Errorf("%w: write-back %v: %v", ErrIO, oldUID, err)
	}
	h.clearDirty()

	if !oldUID.Equal(newUID) {
		if parent := h.parent; !parent.IsNil() {
			cc.mu.RLock()
			pel, ok := cc.entries[parent]
			cc.mu.RUnlock()
			if ok {
				pe := pel.Value.(*concurrentEntry[K, V])
				pe.handle.Lock()
				if rewriter, ok := pe.handle.node.(interface{ UpdateChildUID(old, new uid.UID) bool }); ok {
					if rewriter.UpdateChildUID(oldUID, newUID) {
						pe.handle.dirty = true
					}
				}
				pe.handle.Unlock()
			}
		}
		if oldUID.IsVolatile() {
			cc.allocator.Free(oldUID)
		}
	}

	if keepResident {
		cc.mu.Lock()
		if el, ok := cc.entries[oldUID]; ok {
			cc.order.Remove(el)
			delete(cc.entries, oldUID)
		}
		cc.mu.Unlock()
		cc.insert(newUID, h)
	}
	return nil
}

func (cc *ConcurrentCache[K, V]) insert(u uid.UID, h *Handle[K, V]) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	el := cc.order.PushFront(&concurrentEntry[K, V]{uid: u, handle: h})
	cc.entries[u] = el
}

// CreateOfType implements Cache.
func (cc *ConcurrentCache[K, V]) CreateOfType(kind node.TypeTag, parent uid.UID, args ...any) (uid.UID, *Handle[K, V], error) {
	n, err := buildNode[K, V](kind, args)
	if err != nil {
		return uid.Nil, nil, err
	}
	return cc.Adopt(n, parent)
}

// Adopt implements Cache.
func (cc *ConcurrentCache[K, V]) Adopt(n node.Node[K, V], parent uid.UID) (uid.UID, *Handle[K, V], error) {
	h := NewHandle[K, V](n, parent)
	u := cc.allocator.Allocate()
	cc.insert(u, h)
	return u, h, nil
}

// Get implements Cache.
func (cc *ConcurrentCache[K, V]) Get(u uid.UID) (*Handle[K, V], error) {
	cc.mu.RLock()
	el, ok := cc.entries[u]
	cc.mu.RUnlock()
	if ok {
		ce := el.Value.(*concurrentEntry[K, V])
		if err := ce.handle.poison; err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPoisoned, err)
		}
		select {
		case cc.promote <- u:
		default:
			// promotion queue full: skip promotion for this access rather
			// than block the caller, per the "never block on the LRU list"
			// contract.
		}
		return ce.handle, nil
	}
	if !u.IsFile() {
		return nil, fmt.Errorf("%w: volatile uid %v", ErrNotFound, u)
	}

	data, err := cc.storage.Read(u)
	if err != nil {
		return nil, fmt.Errorf("%w: read %v: %v", ErrIO, u, err)
	}
	tag, err := node.PeekTypeTag(data)
	if err != nil {
		return nil, err
	}
	n, err := cc.marshaller.Deserialize(tag, data)
	if err != nil {
		return nil, fmt.Errorf("cache: deserialize %v: %w", u, err)
	}
	h := NewHandle[K, V](n, uid.Nil)
	h.clearDirty()
	cc.insert(u, h)
	return h, nil
}

// GetOfType implements Cache.
func (cc *ConcurrentCache[K, V]) GetOfType(u uid.UID, kind node.TypeTag) (*Handle[K, V], error) {
	h, err := cc.Get(u)
	if err != nil {
		return nil, err
	}
	if h.TypeTag() != kind {
		return nil, fmt.Errorf("%w: want %v got %v", ErrTypeMismatch, kind, h.TypeTag())
	}
	return h, nil
}

// Remove implements Cache.
func (cc *ConcurrentCache[K, V]) Remove(u uid.UID) error {
	cc.mu.Lock()
	if el, ok := cc.entries[u]; ok {
		cc.order.Remove(el)
		delete(cc.entries, u)
	}
	cc.mu.Unlock()

	if u.IsFile() {
		if err := cc.storage.Remove(u); err != nil {
			return fmt.Errorf("%w: remove %v: %v", ErrIO, u, err)
		}
	} else {
		cc.allocator.Free(u)
	}
	return nil
}

// TryUpdateParentUID implements Cache.
func (cc *ConcurrentCache[K, V]) TryUpdateParentUID(child, newParent uid.UID) error {
	cc.mu.RLock()
	el, ok := cc.entries[child]
	cc.mu.RUnlock()
	if !ok {
		return nil
	}
	ce := el.Value.(*concurrentEntry[K, V])
	ce.handle.Lock()
	ce.handle.parent = newParent
	ce.handle.Unlock()
	return nil
}

// FlushAll implements Cache.
func (cc *ConcurrentCache[K, V]) FlushAll() error {
	cc.mu.RLock()
	entries := make([]*concurrentEntry[K, V], 0, len(cc.entries))
	for _, el := range cc.entries {
		entries = append(entries, el.Value.(*concurrentEntry[K, V]))
	}
	cc.mu.RUnlock()

	for _, ce := range entries {
		if err := cc.writeBack(ce.uid, ce.handle, true); err != nil {
			return err
		}
	}
	return cc.storage.Flush()
}

// Len reports the number of resident entries, for cache-size invariant
// checks in tests.
func (cc *ConcurrentCache[K, V]) Len() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.entries)
}
