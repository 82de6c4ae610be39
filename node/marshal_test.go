package node

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haldendb/kvindex/uid"
)

func TestDefaultMarshallerDataNodeRoundTrip(t *testing.T) {
	var m DefaultMarshaller[int32, int64]
	n := &DataNode[int32, int64]{Keys: []int32{1, 2, 3}, Values: []int64{10, 20, 30}}

	tag, b1, err := m.Serialize(n)
	require.NoError(t, err)
	require.Equal(t, TagData, tag)

	got, err := m.Deserialize(tag, b1)
	require.NoError(t, err)

	_, b2, err := m.Serialize(got)
	require.NoError(t, err)
	require.True(t, bytes.Equal(b1, b2), "serialize->deserialize->serialize must be byte-identical")

	gotData := got.(*DataNode[int32, int64])
	require.Equal(t, n.Keys, gotData.Keys)
	require.Equal(t, n.Values, gotData.Values)
}

func TestDefaultMarshallerIndexNodeRoundTrip(t *testing.T) {
	var m DefaultMarshaller[int32, int64]
	n := &IndexNode[int32, int64]{
		Pivots:   []int32{5, 10},
		Children: []uid.UID{uid.NewFile(0, 64), uid.NewFile(64, 64), uid.NewFile(128, 64)},
	}

	tag, b1, err := m.Serialize(n)
	require.NoError(t, err)
	require.Equal(t, TagIndex, tag)

	got, err := m.Deserialize(tag, b1)
	require.NoError(t, err)

	_, b2, err := m.Serialize(got)
	require.NoError(t, err)
	require.True(t, bytes.Equal(b1, b2))

	gotIdx := got.(*IndexNode[int32, int64])
	require.Equal(t, n.Pivots, gotIdx.Pivots)
	require.Equal(t, n.Children, gotIdx.Children)
}

func TestDefaultMarshallerRefusesVolatileChild(t *testing.T) {
	var m DefaultMarshaller[int32, int64]
	n := &IndexNode[int32, int64]{
		Pivots:   []int32{5},
		Children: []uid.UID{uid.NewVolatile(1), uid.NewFile(64, 64)},
	}
	_, _, err := m.Serialize(n)
	require.Error(t, err, "serializing an index node with a still-volatile child must fail")
}

func TestDefaultMarshallerIndexEpsilonRoundTrip(t *testing.T) {
	var m DefaultMarshaller[int32, int64]
	n := &IndexNodeEpsilon[int32, int64]{
		IndexNode: IndexNode[int32, int64]{
			Pivots:   []int32{5},
			Children: []uid.UID{uid.NewFile(0, 64), uid.NewFile(64, 64)},
		},
		Buffer: []BufferEntry[int32, int64]{
			{Key: 1, Op: Op[int64]{Kind: OpInsert, Value: 100}},
			{Key: 2, Op: Op[int64]{Kind: OpDelete}},
			{Key: 3, Op: Op[int64]{Kind: OpUpdate, Value: 300}},
		},
	}

	tag, b1, err := m.Serialize(n)
	require.NoError(t, err)
	require.Equal(t, TagIndexEpsilon, tag)

	got, err := m.Deserialize(tag, b1)
	require.NoError(t, err)

	_, b2, err := m.Serialize(got)
	require.NoError(t, err)
	require.True(t, bytes.Equal(b1, b2))

	gotEps := got.(*IndexNodeEpsilon[int32, int64])
	require.Equal(t, n.Buffer, gotEps.Buffer)
}
