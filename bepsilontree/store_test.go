package bepsilontree

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haldendb/kvindex/cache"
	"github.com/haldendb/kvindex/node"
	"github.com/haldendb/kvindex/storage"
	"github.com/haldendb/kvindex/uid"
)

func newTestStore(t *testing.T, degree, bufferSize int) *Store[int32, int64] {
	t.Helper()
	fs, err := storage.OpenFileStorage(t.TempDir()+"/tree.db", 512)
	require.NoError(t, err)
	c, err := cache.NewLRUCache[int32, int64](1024, fs, node.DefaultMarshaller[int32, int64]{}, nil)
	require.NoError(t, err)
	s, err := NewStore[int32, int64](degree, bufferSize, c)
	require.NoError(t, err)
	return s
}

func TestInsertThenSearchReturnsValue(t *testing.T) {
	s := newTestStore(t, 3, 4)
	require.NoError(t, s.Insert(1, 100))
	v, err := s.Search(1)
	require.NoError(t, err)
	require.Equal(t, int64(100), v)
}

func TestInsertOverwritesExistingKey(t *testing.T) {
	s := newTestStore(t, 3, 4)
	require.NoError(t, s.Insert(1, 100))
	require.NoError(t, s.Insert(1, 200))
	v, err := s.Search(1)
	require.NoError(t, err)
	require.Equal(t, int64(200), v)
}

func TestSearchMissingKeyReportsNotFound(t *testing.T) {
	s := newTestStore(t, 3, 4)
	require.NoError(t, s.Insert(1, 100))
	_, err := s.Search(2)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// TestUpdateOnBareLeafRootAppliesDirectly checks that, before any index node
// exists, Update on a present key applies immediately and Update on an
// absent key reports not-found rather than buffering silently.
func TestUpdateOnBareLeafRootAppliesDirectly(t *testing.T) {
	s := newTestStore(t, 3, 4)
	require.NoError(t, s.Insert(1, 100))
	require.NoError(t, s.Update(1, 101))
	v, err := s.Search(1)
	require.NoError(t, err)
	require.Equal(t, int64(101), v)

	require.ErrorIs(t, s.Update(2, 1), ErrKeyNotFound)
}

func TestRemoveThenSearchReportsNotFound(t *testing.T) {
	s := newTestStore(t, 3, 4)
	require.NoError(t, s.Insert(1, 100))
	require.NoError(t, s.Remove(1))
	_, err := s.Search(1)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRemoveMissingKeyReportsNotFound(t *testing.T) {
	s := newTestStore(t, 3, 4)
	require.NoError(t, s.Insert(1, 100))
	err := s.Remove(99)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// TestInterleavedRemoveLeavesSurvivingKeysSearchable inserts 1..9, removes
// keys 1, 10 (absent: the root is a router by then, so the delete is only
// buffered and Remove reports no error), and 5, then checks every survivor is still
// searchable and that a range query over the whole span reflects the
// removal.
func TestInterleavedRemoveLeavesSurvivingKeysSearchable(t *testing.T) {
	s := newTestStore(t, 3, 2)
	for i := int32(1); i <= 9; i++ {
		require.NoError(t, s.Insert(i, int64(i*10)))
	}

	require.NoError(t, s.Remove(1))
	require.NoError(t, s.Remove(10))
	require.NoError(t, s.Remove(5))

	_, err := s.Search(5)
	require.ErrorIs(t, err, ErrKeyNotFound)

	for _, k := range []int32{2, 3, 4, 6, 7, 8, 9} {
		v, err := s.Search(k)
		require.NoError(t, err)
		require.Equal(t, int64(k)*10, v)
	}

	got, err := s.RangeQuery(1, 9)
	require.NoError(t, err)
	want := []Pair[int32, int64]{
		{Key: 2, Value: 20}, {Key: 3, Value: 30}, {Key: 4, Value: 40},
		{Key: 6, Value: 60}, {Key: 7, Value: 70}, {Key: 8, Value: 80}, {Key: 9, Value: 90},
	}
	require.Equal(t, want, got)
}

// TestBufferMergeCollapsesRepeatedOpsOnSameKey puts an index node over the
// store's bare-leaf root, buffers insert, update, delete, insert for one
// key directly into that root's buffer, and checks that a single entry
// holding the final insert survives.
func TestBufferMergeCollapsesRepeatedOpsOnSameKey(t *testing.T) {
	s := newTestStore(t, 3, 100)
	for i := int32(1); i <= 3; i++ {
		require.NoError(t, s.Insert(i, int64(i*10)))
	}
	rootUID, _, err := s.cache.CreateOfType(node.TagIndexEpsilon, uid.Nil, int32(50), s.readRoot(), s.readRoot())
	require.NoError(t, err)
	s.setRoot(rootUID)

	h, err := s.cache.Get(rootUID)
	require.NoError(t, err)
	root, ok := h.Node().(*node.IndexNodeEpsilon[int32, int64])
	require.True(t, ok)

	require.NoError(t, root.BufferInsert(7, node.Op[int64]{Kind: node.OpInsert, Value: 70}))
	require.NoError(t, root.BufferInsert(7, node.Op[int64]{Kind: node.OpUpdate, Value: 77}))
	require.NoError(t, root.BufferInsert(7, node.Op[int64]{Kind: node.OpDelete}))
	require.NoError(t, root.BufferInsert(7, node.Op[int64]{Kind: node.OpInsert, Value: 700}))

	require.Equal(t, 1, root.BufferLen())
	op, found := root.BufferOpFor(7)
	require.True(t, found)
	require.Equal(t, node.OpInsert, op.Kind)
	require.Equal(t, int64(700), op.Value)
}

// TestBufferedInsertIsVisibleBeforeFlush checks that a key buffered at a
// router (not yet pushed down to a leaf) is already visible through Search
// and RangeQuery.
func TestBufferedInsertIsVisibleBeforeFlush(t *testing.T) {
	s := newTestStore(t, 3, 100)
	for i := int32(1); i <= 3; i++ {
		require.NoError(t, s.Insert(i, int64(i*10)))
	}
	rootUID, _, err := s.cache.CreateOfType(node.TagIndexEpsilon, uid.Nil, int32(50), s.readRoot(), s.readRoot())
	require.NoError(t, err)
	s.setRoot(rootUID)

	h, err := s.cache.Get(rootUID)
	require.NoError(t, err)
	root := h.Node().(*node.IndexNodeEpsilon[int32, int64])
	require.NoError(t, root.BufferInsert(99, node.Op[int64]{Kind: node.OpInsert, Value: 990}))

	v, err := s.Search(99)
	require.NoError(t, err)
	require.Equal(t, int64(990), v)

	results, err := s.RangeQuery(0, 100)
	require.NoError(t, err)
	found := false
	for _, p := range results {
		if p.Key == 99 {
			require.Equal(t, int64(990), p.Value)
			found = true
		}
	}
	require.True(t, found)
}

// TestSplitCascadeInOrderInsert drives enough in-order inserts through a
// small degree and buffer size to force repeated buffer flushes, leaf
// splits, and a root split, then checks every key is still searchable and
// every non-root node respects its size bounds.
func TestSplitCascadeInOrderInsert(t *testing.T) {
	s := newTestStore(t, 3, 2)
	for i := int32(1); i <= 40; i++ {
		require.NoError(t, s.Insert(i, int64(i*10)))
	}
	require.NoError(t, s.flushAllBuffersForTest())

	requireAllInsertedValuesFound(t, s, 1, 40)
	requireLeavesAtEqualDepth(t, s)
	requireNonRootSizesInRange(t, s, 3)
}

// TestReverseOrderInsertProducesSameStructuralResult mirrors the forward
// scenario but inserts 40 down to 1.
func TestReverseOrderInsertProducesSameStructuralResult(t *testing.T) {
	s := newTestStore(t, 3, 2)
	for i := int32(40); i >= 1; i-- {
		require.NoError(t, s.Insert(i, int64(i*10)))
	}
	require.NoError(t, s.flushAllBuffersForTest())

	requireAllInsertedValuesFound(t, s, 1, 40)
	requireLeavesAtEqualDepth(t, s)
	requireNonRootSizesInRange(t, s, 3)
}

// TestRemoveCascadeAfterManyInserts inserts a wide span, removes most of it
// back out, and checks the removed keys are gone, the survivors remain
// searchable, and the size invariants hold once the root's buffer is drained.
func TestRemoveCascadeAfterManyInserts(t *testing.T) {
	s := newTestStore(t, 3, 2)
	for i := int32(1); i <= 30; i++ {
		require.NoError(t, s.Insert(i, int64(i*10)))
	}
	for i := int32(1); i <= 25; i++ {
		require.NoError(t, s.Remove(i))
	}
	require.NoError(t, s.flushAllBuffersForTest())

	for i := int32(1); i <= 25; i++ {
		_, err := s.Search(i)
		require.ErrorIs(t, err, ErrKeyNotFound)
	}
	for i := int32(26); i <= 30; i++ {
		v, err := s.Search(i)
		require.NoError(t, err)
		require.Equal(t, int64(i)*10, v)
	}
	requireNonRootSizesInRange(t, s, 3)
}

// TestCacheEvictionRoundTrip checks that with a tight cache capacity and
// file storage, every one of 100 inserted keys remains searchable after
// repeated eviction and rehydration.
func TestCacheEvictionRoundTrip(t *testing.T) {
	fs, err := storage.OpenFileStorage(t.TempDir()+"/tree.db", 512)
	require.NoError(t, err)
	c, err := cache.NewLRUCache[int32, int64](2, fs, node.DefaultMarshaller[int32, int64]{}, nil)
	require.NoError(t, err)
	s, err := NewStore[int32, int64](3, 2, c)
	require.NoError(t, err)

	for i := int32(1); i <= 100; i++ {
		require.NoError(t, s.Insert(i, int64(i*10)))
	}
	for i := int32(1); i <= 100; i++ {
		v, err := s.Search(i)
		require.NoError(t, err)
		require.Equal(t, int64(i)*10, v)
	}
}

// TestBulkInsertSortsAndInsertsAllPairs checks that bulk-inserted pairs end
// up searchable regardless of the order passed in.
func TestBulkInsertSortsAndInsertsAllPairs(t *testing.T) {
	s := newTestStore(t, 3, 2)
	pairs := []Pair[int32, int64]{
		{Key: 5, Value: 50}, {Key: 1, Value: 10}, {Key: 3, Value: 30},
		{Key: 4, Value: 40}, {Key: 2, Value: 20},
	}
	require.NoError(t, s.BulkInsert(pairs))
	for _, p := range pairs {
		v, err := s.Search(p.Key)
		require.NoError(t, err)
		require.Equal(t, p.Value, v)
	}
}

// TestRandomizedInsertRemoveSearchMaintainsInvariants drives a pseudo-random
// multiset of inserts and removes against a reference map, checking the
// final state matches and that non-root size bounds hold once the root's
// buffer is drained.
func TestRandomizedInsertRemoveSearchMaintainsInvariants(t *testing.T) {
	s := newTestStore(t, 4, 3)
	reference := map[int32]int64{}
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 500; i++ {
		k := int32(rng.Intn(80))
		if rng.Intn(3) == 0 {
			if _, present := reference[k]; present {
				require.NoError(t, s.Remove(k))
				delete(reference, k)
			} else {
				// Only a bare-leaf root reports an absent key; a router
				// root buffers the delete and reports no error.
				rootH, err := s.cache.Get(s.readRoot())
				require.NoError(t, err)
				if _, bareLeaf := rootH.Node().(*node.DataNode[int32, int64]); bareLeaf {
					require.ErrorIs(t, s.Remove(k), ErrKeyNotFound)
				} else {
					require.NoError(t, s.Remove(k))
				}
			}
		} else {
			v := int64(k) * 1000
			require.NoError(t, s.Insert(k, v))
			reference[k] = v
		}
	}

	for k, v := range reference {
		got, err := s.Search(k)
		require.NoError(t, err)
		require.Equal(t, v, got)
	}

	require.NoError(t, s.flushAllBuffersForTest())
	requireNonRootSizesInRange(t, s, 4)
	requireLeavesAtEqualDepth(t, s)
}

// --- invariant helpers -------------------------------------------------

func requireAllInsertedValuesFound(t *testing.T, s *Store[int32, int64], lo, hi int32) {
	t.Helper()
	for k := lo; k <= hi; k++ {
		v, err := s.Search(k)
		require.NoError(t, err)
		require.Equal(t, int64(k)*10, v)
	}
}

// requireLeavesAtEqualDepth walks every root-to-leaf path and asserts they
// all reach a leaf at the same depth.
func requireLeavesAtEqualDepth(t *testing.T, s *Store[int32, int64]) {
	t.Helper()
	depth := -1
	var walk func(u uid.UID, d int)
	walk = func(u uid.UID, d int) {
		h, err := s.cache.Get(u)
		require.NoError(t, err)
		switch n := h.Node().(type) {
		case *node.IndexNodeEpsilon[int32, int64]:
			for _, c := range n.Children {
				walk(c, d+1)
			}
		case *node.DataNode[int32, int64]:
			if depth == -1 {
				depth = d
			} else {
				require.Equal(t, depth, d, "leaf depths diverge")
			}
		default:
			t.Fatalf("unexpected node kind at %v", u)
		}
	}
	walk(s.readRoot(), 0)
}

// requireNonRootSizesInRange asserts every non-root node holds between
// ceilHalf(degree) and degree keys/pivots. Callers run it after
// flushAllBuffersForTest.
func requireNonRootSizesInRange(t *testing.T, s *Store[int32, int64], degree int) {
	t.Helper()
	rootUID := s.readRoot()
	min := ceilHalf(degree)

	var walk func(u uid.UID, isRoot bool)
	walk = func(u uid.UID, isRoot bool) {
		h, err := s.cache.Get(u)
		require.NoError(t, err)
		switch n := h.Node().(type) {
		case *node.IndexNodeEpsilon[int32, int64]:
			if !isRoot {
				require.GreaterOrEqual(t, len(n.Pivots), min, fmt.Sprintf("index node %v under-flowed", u))
			}
			require.LessOrEqual(t, len(n.Pivots), degree, fmt.Sprintf("index node %v over-flowed", u))
			require.Equal(t, len(n.Pivots)+1, len(n.Children), "children count must be pivots+1")
			for _, c := range n.Children {
				walk(c, false)
			}
		case *node.DataNode[int32, int64]:
			if !isRoot {
				require.GreaterOrEqual(t, len(n.Keys), min, fmt.Sprintf("leaf %v under-flowed", u))
			}
			require.LessOrEqual(t, len(n.Keys), degree, fmt.Sprintf("leaf %v over-flowed", u))
		default:
			t.Fatalf("unexpected node kind at %v", u)
		}
	}
	walk(rootUID, true)
}

// flushAllBuffersForTest flushes the root's buffer, repeating until it is
// empty. It does not walk deeper routers: an op pushed into a child router's
// buffer stays there unless that buffer overflows and flushes in turn.
func (s *Store[K, V]) flushAllBuffersForTest() error {
	rootUID := s.readRoot()
	h, err := s.cache.Get(rootUID)
	if err != nil {
		return err
	}
	h.Lock()
	defer h.Unlock()
	n, ok := h.Node().(*node.IndexNodeEpsilon[K, V])
	if !ok {
		return nil
	}
	for n.BufferLen() > 0 {
		if err := s.flush(rootUID, h, n); err != nil {
			return err
		}
	}
	return nil
}
