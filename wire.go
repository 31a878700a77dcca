package bdtree

import (
	"encoding/binary"
	"fmt"

	"github.com/tellproject/bdtree/internal/encoding"
)

// codec bundles the two user-supplied codecs a Tree needs to turn nodes into
// bytes and back. The exact byte layout matters for interoperability across
// hosts but not for correctness within a single process.
type codec[K any, V any] struct {
	key KeyCodec[K]
	val ValueCodec[V]
}

// putUvarintLen and readUvarintLen use the SQLite-style variable-length
// integer format (7 data bits per byte, high bit as continuation) for length
// prefixes and entry counts, rather than Go's own binary.Uvarint encoding.
func putUvarintLen(buf []byte, n int) []byte {
	var tmp [10]byte
	m := encoding.PutVarint(tmp[:], uint64(n))
	return append(buf, tmp[:m]...)
}

func readUvarintLen(data []byte) (uint64, int) {
	return encoding.GetVarint(data)
}

func putBytes(buf []byte, b []byte) []byte {
	buf = putUvarintLen(buf, len(b))
	return append(buf, b...)
}

func readBytes(data []byte) ([]byte, int, error) {
	n, m := readUvarintLen(data)
	if m <= 0 {
		return nil, 0, fmt.Errorf("bdtree: corrupt length prefix")
	}
	end := m + int(n)
	if end > len(data) {
		return nil, 0, fmt.Errorf("bdtree: truncated blob")
	}
	return data[m:end], end, nil
}

func putU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readU64(data []byte) (uint64, int, error) {
	if len(data) < 8 {
		return 0, 0, fmt.Errorf("bdtree: truncated u64")
	}
	return binary.LittleEndian.Uint64(data[:8]), 8, nil
}

func putI8(buf []byte, v int8) []byte { return append(buf, byte(v)) }

func readI8(data []byte) (int8, int, error) {
	if len(data) < 1 {
		return 0, 0, fmt.Errorf("bdtree: truncated i8")
	}
	return int8(data[0]), 1, nil
}

func putOptionKey[K any](buf []byte, kc KeyCodec[K], opt Option[K]) []byte {
	if !opt.Valid {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return putBytes(buf, kc.Encode(opt.Key))
}

func readOptionKey[K any](data []byte, kc KeyCodec[K]) (Option[K], int, error) {
	if len(data) < 1 {
		return Option[K]{}, 0, fmt.Errorf("bdtree: truncated option tag")
	}
	if data[0] == 0 {
		return Option[K]{}, 1, nil
	}
	raw, n, err := readBytes(data[1:])
	if err != nil {
		return Option[K]{}, 0, err
	}
	k, _, err := kc.Decode(raw)
	if err != nil {
		return Option[K]{}, 0, err
	}
	return some(k), 1 + n, nil
}

// encode serializes n into its wire representation: a 1-byte tag followed by
// a type-specific payload.
func (c codec[K, V]) encode(n node[K, V]) []byte {
	buf := make([]byte, 0, 256)
	switch t := n.(type) {
	case *innerNode[K, V]:
		buf = append(buf, byte(NodeTypeInner))
		buf = putUvarintLen(buf, len(t.entries))
		for _, e := range t.entries {
			buf = putBytes(buf, c.key.Encode(e.Key))
			buf = putU64(buf, uint64(e.Child))
		}
		buf = putBytes(buf, c.key.Encode(t.lowKey))
		buf = putOptionKey(buf, c.key, t.highKey)
		buf = putU64(buf, uint64(t.rightLink))
		buf = putI8(buf, t.level)
	case *leafNode[K, V]:
		// leafPptr/deltas are resolve-time bookkeeping only; they are not
		// part of the wire format and are never encoded.
		buf = append(buf, byte(NodeTypeLeaf))
		buf = putUvarintLen(buf, len(t.entries))
		for _, e := range t.entries {
			buf = putBytes(buf, c.key.Encode(e.Key))
			buf = putBytes(buf, c.val.Encode(e.Value))
		}
		buf = putBytes(buf, c.key.Encode(t.lowKey))
		buf = putOptionKey(buf, c.key, t.highKey)
		buf = putU64(buf, uint64(t.rightLink))
	case *insertDelta[K, V]:
		buf = append(buf, byte(NodeTypeInsertDelta))
		buf = putBytes(buf, c.key.Encode(t.key))
		buf = putBytes(buf, c.val.Encode(t.value))
		buf = putU64(buf, uint64(t.next))
	case *deleteDelta[K, V]:
		buf = append(buf, byte(NodeTypeDeleteDelta))
		buf = putBytes(buf, c.key.Encode(t.key))
		buf = putU64(buf, uint64(t.next))
	case *splitDelta[K, V]:
		buf = append(buf, byte(NodeTypeSplitDelta))
		buf = putU64(buf, uint64(t.next))
		buf = putU64(buf, uint64(t.newRight))
		buf = putBytes(buf, c.key.Encode(t.rightKey))
		buf = putI8(buf, t.level)
	case *removeDelta[K, V]:
		buf = append(buf, byte(NodeTypeRemoveDelta))
		buf = putBytes(buf, c.key.Encode(t.lowKey))
		buf = putU64(buf, uint64(t.next))
		buf = putI8(buf, t.level)
	case *mergeDelta[K, V]:
		buf = append(buf, byte(NodeTypeMergeDelta))
		buf = putBytes(buf, c.key.Encode(t.rightLowKey))
		buf = putU64(buf, uint64(t.rmdeltaL))
		buf = putU64(buf, uint64(t.rmdeltaP))
		buf = putU64(buf, uint64(t.next))
		buf = putU64(buf, uint64(t.rmNext))
		buf = putI8(buf, t.level)
		buf = putU64(buf, t.rightVersion)
	default:
		panic(fmt.Sprintf("bdtree: unknown node type %T", n))
	}
	return buf
}

// decode dispatches on the leading tag byte to reconstruct the typed
// node/delta.
func (c codec[K, V]) decode(data []byte) (node[K, V], error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("bdtree: empty blob")
	}
	tag := NodeType(data[0])
	rest := data[1:]
	switch tag {
	case NodeTypeInner:
		return c.decodeInner(rest)
	case NodeTypeLeaf:
		return c.decodeLeaf(rest)
	case NodeTypeInsertDelta:
		return c.decodeInsertDelta(rest)
	case NodeTypeDeleteDelta:
		return c.decodeDeleteDelta(rest)
	case NodeTypeSplitDelta:
		return c.decodeSplitDelta(rest)
	case NodeTypeRemoveDelta:
		return c.decodeRemoveDelta(rest)
	case NodeTypeMergeDelta:
		return c.decodeMergeDelta(rest)
	default:
		return nil, fmt.Errorf("bdtree: unknown tag byte %d", tag)
	}
}

func (c codec[K, V]) decodeInner(data []byte) (*innerNode[K, V], error) {
	n, m := readUvarintLen(data)
	if m <= 0 {
		return nil, fmt.Errorf("bdtree: corrupt inner entry count")
	}
	off := m
	entries := make([]innerEntry[K], 0, n)
	for i := uint64(0); i < n; i++ {
		raw, adv, err := readBytes(data[off:])
		if err != nil {
			return nil, err
		}
		off += adv
		key, _, err := c.key.Decode(raw)
		if err != nil {
			return nil, err
		}
		child, adv2, err := readU64(data[off:])
		if err != nil {
			return nil, err
		}
		off += adv2
		entries = append(entries, innerEntry[K]{Key: key, Child: LogicalPointer(child)})
	}
	rawLow, adv, err := readBytes(data[off:])
	if err != nil {
		return nil, err
	}
	off += adv
	lowKey, _, err := c.key.Decode(rawLow)
	if err != nil {
		return nil, err
	}
	highKey, adv, err := readOptionKey(data[off:], c.key)
	if err != nil {
		return nil, err
	}
	off += adv
	rightLink, adv, err := readU64(data[off:])
	if err != nil {
		return nil, err
	}
	off += adv
	level, _, err := readI8(data[off:])
	if err != nil {
		return nil, err
	}
	return &innerNode[K, V]{entries: entries, lowKey: lowKey, highKey: highKey, rightLink: LogicalPointer(rightLink), level: level}, nil
}

func (c codec[K, V]) decodeLeaf(data []byte) (*leafNode[K, V], error) {
	n, m := readUvarintLen(data)
	if m <= 0 {
		return nil, fmt.Errorf("bdtree: corrupt leaf entry count")
	}
	off := m
	entries := make([]leafEntry[K, V], 0, n)
	for i := uint64(0); i < n; i++ {
		rawKey, adv, err := readBytes(data[off:])
		if err != nil {
			return nil, err
		}
		off += adv
		key, _, err := c.key.Decode(rawKey)
		if err != nil {
			return nil, err
		}
		rawVal, adv, err := readBytes(data[off:])
		if err != nil {
			return nil, err
		}
		off += adv
		val, _, err := c.val.Decode(rawVal)
		if err != nil {
			return nil, err
		}
		entries = append(entries, leafEntry[K, V]{Key: key, Value: val})
	}
	rawLow, adv, err := readBytes(data[off:])
	if err != nil {
		return nil, err
	}
	off += adv
	lowKey, _, err := c.key.Decode(rawLow)
	if err != nil {
		return nil, err
	}
	highKey, adv, err := readOptionKey(data[off:], c.key)
	if err != nil {
		return nil, err
	}
	off += adv
	rightLink, _, err := readU64(data[off:])
	if err != nil {
		return nil, err
	}
	// leafPptr/deltas are populated by the resolve engine, not decoded here.
	return &leafNode[K, V]{
		entries: entries, lowKey: lowKey, highKey: highKey,
		rightLink: LogicalPointer(rightLink),
	}, nil
}

func (c codec[K, V]) decodeInsertDelta(data []byte) (*insertDelta[K, V], error) {
	rawKey, off, err := readBytes(data)
	if err != nil {
		return nil, err
	}
	key, _, err := c.key.Decode(rawKey)
	if err != nil {
		return nil, err
	}
	rawVal, adv, err := readBytes(data[off:])
	if err != nil {
		return nil, err
	}
	off += adv
	val, _, err := c.val.Decode(rawVal)
	if err != nil {
		return nil, err
	}
	next, _, err := readU64(data[off:])
	if err != nil {
		return nil, err
	}
	return &insertDelta[K, V]{key: key, value: val, next: PhysicalPointer(next)}, nil
}

func (c codec[K, V]) decodeDeleteDelta(data []byte) (*deleteDelta[K, V], error) {
	rawKey, off, err := readBytes(data)
	if err != nil {
		return nil, err
	}
	key, _, err := c.key.Decode(rawKey)
	if err != nil {
		return nil, err
	}
	next, _, err := readU64(data[off:])
	if err != nil {
		return nil, err
	}
	return &deleteDelta[K, V]{key: key, next: PhysicalPointer(next)}, nil
}

func (c codec[K, V]) decodeSplitDelta(data []byte) (*splitDelta[K, V], error) {
	next, off, err := readU64(data)
	if err != nil {
		return nil, err
	}
	newRight, adv, err := readU64(data[off:])
	if err != nil {
		return nil, err
	}
	off += adv
	rawKey, adv, err := readBytes(data[off:])
	if err != nil {
		return nil, err
	}
	off += adv
	rightKey, _, err := c.key.Decode(rawKey)
	if err != nil {
		return nil, err
	}
	level, _, err := readI8(data[off:])
	if err != nil {
		return nil, err
	}
	return &splitDelta[K, V]{next: PhysicalPointer(next), newRight: LogicalPointer(newRight), rightKey: rightKey, level: level}, nil
}

func (c codec[K, V]) decodeRemoveDelta(data []byte) (*removeDelta[K, V], error) {
	rawKey, off, err := readBytes(data)
	if err != nil {
		return nil, err
	}
	lowKey, _, err := c.key.Decode(rawKey)
	if err != nil {
		return nil, err
	}
	next, adv, err := readU64(data[off:])
	if err != nil {
		return nil, err
	}
	off += adv
	level, _, err := readI8(data[off:])
	if err != nil {
		return nil, err
	}
	return &removeDelta[K, V]{lowKey: lowKey, next: PhysicalPointer(next), level: level}, nil
}

func (c codec[K, V]) decodeMergeDelta(data []byte) (*mergeDelta[K, V], error) {
	rawKey, off, err := readBytes(data)
	if err != nil {
		return nil, err
	}
	rightLowKey, _, err := c.key.Decode(rawKey)
	if err != nil {
		return nil, err
	}
	rmdeltaL, adv, err := readU64(data[off:])
	if err != nil {
		return nil, err
	}
	off += adv
	rmdeltaP, adv, err := readU64(data[off:])
	if err != nil {
		return nil, err
	}
	off += adv
	next, adv, err := readU64(data[off:])
	if err != nil {
		return nil, err
	}
	off += adv
	rmNext, adv, err := readU64(data[off:])
	if err != nil {
		return nil, err
	}
	off += adv
	level, adv, err := readI8(data[off:])
	if err != nil {
		return nil, err
	}
	off += adv
	rightVersion, _, err := readU64(data[off:])
	if err != nil {
		return nil, err
	}
	return &mergeDelta[K, V]{
		next: PhysicalPointer(next), rmdeltaL: LogicalPointer(rmdeltaL), rmdeltaP: PhysicalPointer(rmdeltaP),
		rmNext: PhysicalPointer(rmNext), rightLowKey: rightLowKey, level: level, rightVersion: rightVersion,
	}, nil
}
