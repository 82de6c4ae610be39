package cache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haldendb/kvindex/node"
	"github.com/haldendb/kvindex/uid"
)

func TestHandlePinUnpinTracksOutstandingPins(t *testing.T) {
	h := NewHandle[int32, int64](node.NewDataNode[int32, int64](), uid.Nil)
	require.False(t, h.pinned())
	h.Pin()
	require.True(t, h.pinned())
	h.Pin()
	h.Unpin()
	require.True(t, h.pinned(), "one outstanding pin should still block eviction")
	h.Unpin()
	require.False(t, h.pinned())
}

func TestHandlePoisonIsSticky(t *testing.T) {
	h := NewHandle[int32, int64](node.NewDataNode[int32, int64](), uid.Nil)
	require.NoError(t, h.Poisoned())
	want := errors.New("disk on fire")
	h.Poison(want)
	require.Equal(t, want, h.Poisoned())
}

func TestNewHandleStartsDirty(t *testing.T) {
	h := NewHandle[int32, int64](node.NewDataNode[int32, int64](), uid.Nil)
	require.True(t, h.IsDirty(), "a freshly created node has never been persisted")
}
