package node

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/haldendb/kvindex/kvtype"
	"github.com/haldendb/kvindex/uid"
)

// Marshaller dispatches (de)serialization by TypeTag: "serialize(node) →
// (typeTag, bytes)" / "deserialize(typeTag, bytes) → node". A caller whose
// K/V need encoding other than the field-by-field layout below (e.g. a
// variable-length V outside kvtype.Fixed's scope) supplies its own
// implementation; the store depends only on this interface.
type Marshaller[K kvtype.Fixed, V kvtype.Fixed] interface {
	Serialize(n Node[K, V]) (TypeTag, []byte, error)
	Deserialize(tag TypeTag, data []byte) (Node[K, V], error)
}

// DefaultMarshaller implements this exact on-disk layout:
// DataNode:        [u8 tag][u16 n][n×K][n×V]
// IndexNode:       [u8 tag][u32 n_keys][u32 n_children][n_keys×K][n_children×{u32 offset, u32 size}]
// IndexNodeEpsilon: ...IndexNode header/body... [u32 n_buf] n_buf×{K, u8 op_tag, [V if Insert/Update]}
//
// Every IndexNode/IndexNodeEpsilon child must already be a File UID by the
// time it is serialized — a still-Volatile child would become a dangling
// reference the moment this node is written out, so Serialize refuses
// rather than silently writing a bad pointer.
type DefaultMarshaller[K kvtype.Fixed, V kvtype.Fixed] struct{}

// PeekTypeTag reads the leading type-tag byte every serialized node
// carries, without decoding the rest. Used by a cache rehydrating a node
// from storage when it does not already know the node's kind.
func PeekTypeTag(data []byte) (TypeTag, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("node: empty record has no type tag")
	}
	return TypeTag(data[0]), nil
}

func (DefaultMarshaller[K, V]) Serialize(n Node[K, V]) (TypeTag, []byte, error) {
	switch t := n.(type) {
	case *DataNode[K, V]:
		return serializeData[K, V](t)
	case *IndexNode[K, V]:
		return serializeIndex[K, V](t)
	case *IndexNodeEpsilon[K, V]:
		return serializeIndexEpsilon[K, V](t)
	default:
		return 0, nil, fmt.Errorf("node: unsupported node type %T", n)
	}
}

func (DefaultMarshaller[K, V]) Deserialize(tag TypeTag, data []byte) (Node[K, V], error) {
	switch tag {
	case TagData:
		return deserializeData[K, V](data)
	case TagIndex:
		return deserializeIndex[K, V](data)
	case TagIndexEpsilon:
		return deserializeIndexEpsilon[K, V](data)
	default:
		return nil, fmt.Errorf("node: unknown type tag %d", tag)
	}
}

func serializeData[K kvtype.Fixed, V kvtype.Fixed](n *DataNode[K, V]) (TypeTag, []byte, error) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, TagData)
	if len(n.Keys) > 0xFFFF {
		return 0, nil, fmt.Errorf("node: data node has too many keys (%d) for u16 count", len(n.Keys))
	}
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(n.Keys)))
	for _, k := range n.Keys {
		if err := binary.Write(buf, binary.LittleEndian, k); err != nil {
			return 0, nil, fmt.Errorf("node: encode key: %w", err)
		}
	}
	for _, v := range n.Values {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return 0, nil, fmt.Errorf("node: encode value: %w", err)
		}
	}
	return TagData, buf.Bytes(), nil
}

func deserializeData[K kvtype.Fixed, V kvtype.Fixed](data []byte) (Node[K, V], error) {
	r := bytes.NewReader(data)
	var tag TypeTag
	if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
		return nil, fmt.Errorf("node: read tag: %w", err)
	}
	if tag != TagData {
		return nil, fmt.Errorf("node: expected data tag, got %v", tag)
	}
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("node: read count: %w", err)
	}
	out := &DataNode[K, V]{Keys: make([]K, n), Values: make([]V, n)}
	for i := range out.Keys {
		if err := binary.Read(r, binary.LittleEndian, &out.Keys[i]); err != nil {
			return nil, fmt.Errorf("node: read key %d: %w", i, err)
		}
	}
	for i := range out.Values {
		if err := binary.Read(r, binary.LittleEndian, &out.Values[i]); err != nil {
			return nil, fmt.Errorf("node: read value %d: %w", i, err)
		}
	}
	return out, nil
}

func writeFileUID(buf *bytes.Buffer, u uid.UID) error {
	if !u.IsFile() {
		return fmt.Errorf("node: child %v is not yet persisted (still volatile)", u)
	}
	if err := binary.Write(buf, binary.LittleEndian, u.FileOffset()); err != nil {
		return err
	}
	return binary.Write(buf, binary.LittleEndian, u.FileSize())
}

func readFileUID(r *bytes.Reader) (uid.UID, error) {
	var offset, size uint32
	if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
		return uid.Nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return uid.Nil, err
	}
	return uid.NewFile(offset, size), nil
}

func serializeIndex[K kvtype.Fixed, V kvtype.Fixed](n *IndexNode[K, V]) (TypeTag, []byte, error) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, TagIndex)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(n.Pivots)))
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(n.Children)))
	for _, k := range n.Pivots {
		if err := binary.Write(buf, binary.LittleEndian, k); err != nil {
			return 0, nil, fmt.Errorf("node: encode pivot: %w", err)
		}
	}
	for _, c := range n.Children {
		if err := writeFileUID(buf, c); err != nil {
			return 0, nil, err
		}
	}
	return TagIndex, buf.Bytes(), nil
}

func deserializeIndex[K kvtype.Fixed, V kvtype.Fixed](data []byte) (Node[K, V], error) {
	r := bytes.NewReader(data)
	var tag TypeTag
	if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
		return nil, fmt.Errorf("node: read tag: %w", err)
	}
	if tag != TagIndex {
		return nil, fmt.Errorf("node: expected index tag, got %v", tag)
	}
	var nKeys, nChildren uint32
	if err := binary.Read(r, binary.LittleEndian, &nKeys); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &nChildren); err != nil {
		return nil, err
	}
	out := &IndexNode[K, V]{Pivots: make([]K, nKeys), Children: make([]uid.UID, nChildren)}
	for i := range out.Pivots {
		if err := binary.Read(r, binary.LittleEndian, &out.Pivots[i]); err != nil {
			return nil, fmt.Errorf("node: read pivot %d: %w", i, err)
		}
	}
	for i := range out.Children {
		c, err := readFileUID(r)
		if err != nil {
			return nil, fmt.Errorf("node: read child %d: %w", i, err)
		}
		out.Children[i] = c
	}
	return out, nil
}

func serializeIndexEpsilon[K kvtype.Fixed, V kvtype.Fixed](n *IndexNodeEpsilon[K, V]) (TypeTag, []byte, error) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, TagIndexEpsilon)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(n.Pivots)))
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(n.Children)))
	for _, k := range n.Pivots {
		if err := binary.Write(buf, binary.LittleEndian, k); err != nil {
			return 0, nil, fmt.Errorf("node: encode pivot: %w", err)
		}
	}
	for _, c := range n.Children {
		if err := writeFileUID(buf, c); err != nil {
			return 0, nil, err
		}
	}
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(n.Buffer)))
	for _, e := range n.Buffer {
		if err := binary.Write(buf, binary.LittleEndian, e.Key); err != nil {
			return 0, nil, fmt.Errorf("node: encode buffered key: %w", err)
		}
		if err := binary.Write(buf, binary.LittleEndian, uint8(e.Op.Kind)); err != nil {
			return 0, nil, err
		}
		if e.Op.Kind == OpInsert || e.Op.Kind == OpUpdate {
			if err := binary.Write(buf, binary.LittleEndian, e.Op.Value); err != nil {
				return 0, nil, fmt.Errorf("node: encode buffered value: %w", err)
			}
		}
	}
	return TagIndexEpsilon, buf.Bytes(), nil
}

func deserializeIndexEpsilon[K kvtype.Fixed, V kvtype.Fixed](data []byte) (Node[K, V], error) {
	r := bytes.NewReader(data)
	var tag TypeTag
	if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
		return nil, fmt.Errorf("node: read tag: %w", err)
	}
	if tag != TagIndexEpsilon {
		return nil, fmt.Errorf("node: expected index-epsilon tag, got %v", tag)
	}
	var nKeys, nChildren uint32
	if err := binary.Read(r, binary.LittleEndian, &nKeys); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &nChildren); err != nil {
		return nil, err
	}
	out := &IndexNodeEpsilon[K, V]{}
	out.Pivots = make([]K, nKeys)
	out.Children = make([]uid.UID, nChildren)
	for i := range out.Pivots {
		if err := binary.Read(r, binary.LittleEndian, &out.Pivots[i]); err != nil {
			return nil, fmt.Errorf("node: read pivot %d: %w", i, err)
		}
	}
	for i := range out.Children {
		c, err := readFileUID(r)
		if err != nil {
			return nil, fmt.Errorf("node: read child %d: %w", i, err)
		}
		out.Children[i] = c
	}
	var nBuf uint32
	if err := binary.Read(r, binary.LittleEndian, &nBuf); err != nil {
		return nil, err
	}
	out.Buffer = make([]BufferEntry[K, V], nBuf)
	for i := range out.Buffer {
		var key K
		if err := binary.Read(r, binary.LittleEndian, &key); err != nil {
			return nil, fmt.Errorf("node: read buffered key %d: %w", i, err)
		}
		var opTag uint8
		if err := binary.Read(r, binary.LittleEndian, &opTag); err != nil {
			return nil, err
		}
		op := Op[V]{Kind: OpKind(opTag)}
		if op.Kind == OpInsert || op.Kind == OpUpdate {
			if err := binary.Read(r, binary.LittleEndian, &op.Value); err != nil {
				return nil, fmt.Errorf("node: read buffered value %d: %w", i, err)
			}
		}
		out.Buffer[i] = BufferEntry[K, V]{Key: key, Op: op}
	}
	return out, nil
}
