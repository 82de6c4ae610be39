package node

import (
	"errors"
	"fmt"

	"github.com/haldendb/kvindex/kvtype"
	"github.com/haldendb/kvindex/uid"
)

// ErrUpdateAfterDelete is returned by BufferInsert when an Update op is
// merged against a buffered Delete for the same key; an update to a key
// already marked for deletion is explicitly unsupported.
var ErrUpdateAfterDelete = errors.New("node: buffered update after delete")

// OpKind is the kind of a deferred operation held in an IndexNodeε buffer.
type OpKind uint8

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Op is a single deferred Insert/Update/Delete, as buffered by an
// IndexNodeε.
type Op[V kvtype.Fixed] struct {
	Kind  OpKind
	Value V // meaningful only when Kind is OpInsert or OpUpdate
}

// BufferEntry pairs a key with its buffered op; buffers are kept sorted by
// Key with at most one entry per key.
type BufferEntry[K kvtype.Fixed, V kvtype.Fixed] struct {
	Key K
	Op  Op[V]
}

// mergeOps collapses a newly-buffered op against an existing one for the
// same key. keep=false means the merged result is "no entry" (an Insert
// cancelled by a same-batch Delete).
func mergeOps[V kvtype.Fixed](old, new Op[V]) (merged Op[V], keep bool, err error) {
	switch old.Kind {
	case OpInsert:
		switch new.Kind {
		case OpInsert, OpUpdate:
			return Op[V]{Kind: OpInsert, Value: new.Value}, true, nil
		case OpDelete:
			return Op[V]{}, false, nil
		}
	case OpUpdate:
		switch new.Kind {
		case OpInsert:
			return Op[V]{Kind: OpInsert, Value: new.Value}, true, nil
		case OpUpdate:
			return Op[V]{Kind: OpUpdate, Value: new.Value}, true, nil
		case OpDelete:
			return Op[V]{Kind: OpDelete}, true, nil
		}
	case OpDelete:
		switch new.Kind {
		case OpInsert:
			return Op[V]{Kind: OpInsert, Value: new.Value}, true, nil
		case OpUpdate:
			return Op[V]{}, false, ErrUpdateAfterDelete
		case OpDelete:
			return Op[V]{Kind: OpDelete}, true, nil
		}
	}
	return Op[V]{}, false, fmt.Errorf("node: unreachable op combination %v/%v", old.Kind, new.Kind)
}

// IndexNodeEpsilon is an IndexNode augmented with a bounded, sorted,
// per-key-unique buffer of deferred operations.
type IndexNodeEpsilon[K kvtype.Fixed, V kvtype.Fixed] struct {
	IndexNode[K, V]
	Buffer []BufferEntry[K, V]
}

// NewIndexNodeEpsilon builds a router with two children separated by one
// pivot and an empty buffer.
func NewIndexNodeEpsilon[K kvtype.Fixed, V kvtype.Fixed](pivot K, left, right uid.UID) *IndexNodeEpsilon[K, V] {
	return &IndexNodeEpsilon[K, V]{IndexNode: *NewIndexNode[K, V](pivot, left, right)}
}

func (n *IndexNodeEpsilon[K, V]) Type() TypeTag { return TagIndexEpsilon }

func (n *IndexNodeEpsilon[K, V]) bufferFind(k K) int {
	for i, e := range n.Buffer {
		if e.Key == k {
			return i
		}
	}
	return -1
}

// BufferLen reports the number of distinct buffered keys.
func (n *IndexNodeEpsilon[K, V]) BufferLen() int { return len(n.Buffer) }

// BufferOpFor returns the buffered op for key k, if any.
func (n *IndexNodeEpsilon[K, V]) BufferOpFor(k K) (Op[V], bool) {
	if i := n.bufferFind(k); i >= 0 {
		return n.Buffer[i].Op, true
	}
	return Op[V]{}, false
}

// BufferInsert adds op for key k, merging with any existing buffered op for
// k so that at most one op per key remains.
func (n *IndexNodeEpsilon[K, V]) BufferInsert(k K, op Op[V]) error {
	if i := n.bufferFind(k); i >= 0 {
		merged, keep, err := mergeOps(n.Buffer[i].Op, op)
		if err != nil {
			return err
		}
		if !keep {
			n.Buffer = append(n.Buffer[:i], n.Buffer[i+1:]...)
			return nil
		}
		n.Buffer[i].Op = merged
		return nil
	}

	pos := 0
	for pos < len(n.Buffer) && n.Buffer[pos].Key < k {
		pos++
	}
	entry := BufferEntry[K, V]{Key: k, Op: op}
	n.Buffer = append(n.Buffer, entry)
	copy(n.Buffer[pos+1:], n.Buffer[pos:])
	n.Buffer[pos] = entry
	return nil
}

// ClearBuffer empties the buffer in bulk, as the last step of a flush.
func (n *IndexNodeEpsilon[K, V]) ClearBuffer() { n.Buffer = nil }

// SplitBuffer partitions the buffer around a promoted pivot: entries with
// Key > promoted move out (returned, in order, for the sibling's buffer);
// this node keeps the rest. Used when a split carries a non-empty buffer.
func (n *IndexNodeEpsilon[K, V]) SplitBuffer(promoted K) (moved []BufferEntry[K, V]) {
	i := 0
	for i < len(n.Buffer) && n.Buffer[i].Key <= promoted {
		i++
	}
	moved = append([]BufferEntry[K, V](nil), n.Buffer[i:]...)
	n.Buffer = n.Buffer[:i]
	return moved
}

// MergeBuffer concatenates donor's buffer entries into this node's buffer,
// re-sorting and applying the merge table to any key collisions.
func (n *IndexNodeEpsilon[K, V]) MergeBuffer(donor []BufferEntry[K, V]) error {
	for _, e := range donor {
		if err := n.BufferInsert(e.Key, e.Op); err != nil {
			return err
		}
	}
	return nil
}

func (n *IndexNodeEpsilon[K, V]) String() string {
	return fmt.Sprintf("IndexNodeEpsilon{pivots=%v children=%d buffer=%d}", n.Pivots, len(n.Children), len(n.Buffer))
}
