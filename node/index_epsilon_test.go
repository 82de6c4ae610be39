package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haldendb/kvindex/uid"
)

// TestBufferMergeScenario checks that buffering Insert(70), Update(77),
// Delete, Insert(700) for the same key collapses to a single Insert(700)
// entry.
func TestBufferMergeScenario(t *testing.T) {
	n := NewIndexNodeEpsilon[int32, int32](100, uid.NewVolatile(1), uid.NewVolatile(2))

	require.NoError(t, n.BufferInsert(7, Op[int32]{Kind: OpInsert, Value: 70}))
	require.NoError(t, n.BufferInsert(7, Op[int32]{Kind: OpUpdate, Value: 77}))
	require.NoError(t, n.BufferInsert(7, Op[int32]{Kind: OpDelete}))
	require.NoError(t, n.BufferInsert(7, Op[int32]{Kind: OpInsert, Value: 700}))

	require.Equal(t, 1, n.BufferLen())
	op, ok := n.BufferOpFor(7)
	require.True(t, ok)
	require.Equal(t, OpInsert, op.Kind)
	require.Equal(t, int32(700), op.Value)
}

func TestBufferUpdateAfterDeleteIsUnsupported(t *testing.T) {
	n := NewIndexNodeEpsilon[int32, int32](100, uid.NewVolatile(1), uid.NewVolatile(2))
	require.NoError(t, n.BufferInsert(1, Op[int32]{Kind: OpDelete}))
	err := n.BufferInsert(1, Op[int32]{Kind: OpUpdate, Value: 5})
	require.ErrorIs(t, err, ErrUpdateAfterDelete)
}

func TestBufferInsertThenDeleteErasesEntry(t *testing.T) {
	n := NewIndexNodeEpsilon[int32, int32](100, uid.NewVolatile(1), uid.NewVolatile(2))
	require.NoError(t, n.BufferInsert(1, Op[int32]{Kind: OpInsert, Value: 5}))
	require.NoError(t, n.BufferInsert(1, Op[int32]{Kind: OpDelete}))
	require.Equal(t, 0, n.BufferLen())
}

func TestBufferStaysSorted(t *testing.T) {
	n := NewIndexNodeEpsilon[int32, int32](100, uid.NewVolatile(1), uid.NewVolatile(2))
	for _, k := range []int32{5, 1, 3, 2, 4} {
		require.NoError(t, n.BufferInsert(k, Op[int32]{Kind: OpInsert, Value: k}))
	}
	for i := 1; i < len(n.Buffer); i++ {
		require.Less(t, n.Buffer[i-1].Key, n.Buffer[i].Key)
	}
}

func TestSplitBufferPartitionsByPromotedPivot(t *testing.T) {
	n := NewIndexNodeEpsilon[int32, int32](100, uid.NewVolatile(1), uid.NewVolatile(2))
	for _, k := range []int32{1, 2, 3, 4, 5, 6} {
		require.NoError(t, n.BufferInsert(k, Op[int32]{Kind: OpInsert, Value: k}))
	}
	moved := n.SplitBuffer(3)
	require.Len(t, n.Buffer, 3)
	require.Len(t, moved, 3)
	for _, e := range n.Buffer {
		require.LessOrEqual(t, e.Key, int32(3))
	}
	for _, e := range moved {
		require.Greater(t, e.Key, int32(3))
	}
}

func TestMergeBufferAppliesMergeTable(t *testing.T) {
	n := NewIndexNodeEpsilon[int32, int32](100, uid.NewVolatile(1), uid.NewVolatile(2))
	require.NoError(t, n.BufferInsert(1, Op[int32]{Kind: OpInsert, Value: 10}))

	donor := []BufferEntry[int32, int32]{
		{Key: 1, Op: Op[int32]{Kind: OpUpdate, Value: 11}},
		{Key: 2, Op: Op[int32]{Kind: OpInsert, Value: 20}},
	}
	require.NoError(t, n.MergeBuffer(donor))
	require.Equal(t, 2, n.BufferLen())

	op1, _ := n.BufferOpFor(1)
	require.Equal(t, OpInsert, op1.Kind)
	require.Equal(t, int32(11), op1.Value)

	op2, _ := n.BufferOpFor(2)
	require.Equal(t, OpInsert, op2.Kind)
	require.Equal(t, int32(20), op2.Value)
}
