package bdtree

import (
	"errors"
	"fmt"
)

// walkChain reads the physical blob chain starting at ptr until it reaches a
// materialized leaf or inner node. It returns that base node, the physical
// pointer it was found at, the chain of delta physical pointers walked
// (newest first — directly the leaf's eventual `deltas` bookkeeping list),
// and the delta nodes themselves (also newest first, applied oldest-to-newest
// by the caller).
//
// Encountering a structural delta (split/remove/merge) delegates to the
// matching helper (continueSplit/continueMergeFromRemove/continueMergeFromMerge)
// and returns errHelpedAway: the caller must restart its own traversal rather
// than trust this result. Those helpers all need the logical pointer whose
// pointer-table entry currently names the delta and the version last
// observed for that entry, so callers pass both in alongside the physical
// pointer to start the walk at.
//
// This implementation does not reuse a previous node_pointer's old_ chain to
// short-circuit a common delta suffix — every resolve walks its own chain to
// the base. That chain is bounded by ConsolidateAt and is a pure performance
// trade, not a correctness one.
func (t *Tree[K, V]) walkChain(oc *opContext[K, V], l LogicalPointer, ptr PhysicalPointer, version uint64) (base node[K, V], basePtr PhysicalPointer, pptrs []PhysicalPointer, deltas []node[K, V], err error) {
	raw, err := t.nodeTable.Read(oc.ctx, ptr)
	if err != nil {
		return nil, 0, nil, nil, fmt.Errorf("bdtree: read physical pointer %d: %w", ptr, err)
	}
	n, err := t.codec.decode(raw)
	if err != nil {
		return nil, 0, nil, nil, fmt.Errorf("bdtree: decode physical pointer %d: %w", ptr, err)
	}
	switch v := n.(type) {
	case *innerNode[K, V]:
		return v, ptr, nil, nil, nil
	case *leafNode[K, V]:
		return v, ptr, nil, nil, nil
	case *insertDelta[K, V]:
		b, bp, ps, ds, err := t.walkChain(oc, l, v.next, version)
		if err != nil {
			return nil, 0, nil, nil, err
		}
		return b, bp, append([]PhysicalPointer{ptr}, ps...), append([]node[K, V]{n}, ds...), nil
	case *deleteDelta[K, V]:
		b, bp, ps, ds, err := t.walkChain(oc, l, v.next, version)
		if err != nil {
			return nil, 0, nil, nil, err
		}
		return b, bp, append([]PhysicalPointer{ptr}, ps...), append([]node[K, V]{n}, ds...), nil
	case *splitDelta[K, V]:
		if err := t.continueSplit(oc, l, ptr, version, v); err != nil {
			return nil, 0, nil, nil, err
		}
		return nil, 0, nil, nil, errHelpedAway
	case *removeDelta[K, V]:
		if err := t.continueMergeFromRemove(oc, l, ptr, version, v); err != nil {
			return nil, 0, nil, nil, err
		}
		return nil, 0, nil, nil, errHelpedAway
	case *mergeDelta[K, V]:
		if err := t.continueMergeFromMerge(oc, l, ptr, version, v); err != nil {
			return nil, 0, nil, nil, err
		}
		return nil, 0, nil, nil, errHelpedAway
	default:
		return nil, 0, nil, nil, fmt.Errorf("bdtree: unexpected node kind %T in chain", n)
	}
}

// applyDeltas materializes base (cloned) with deltas (newest-first) replayed
// oldest-to-newest, and fills in the leaf's leafPptr/deltas bookkeeping so a
// later consolidation knows every blob the chain it replaced occupied.
func (t *Tree[K, V]) applyDeltas(base node[K, V], basePtr PhysicalPointer, pptrs []PhysicalPointer, deltas []node[K, V]) (node[K, V], error) {
	switch b := base.(type) {
	case *innerNode[K, V]:
		if len(deltas) != 0 {
			return nil, errors.New("bdtree: inner node carries data deltas (corrupt chain)")
		}
		clone := *b
		clone.entries = append([]innerEntry[K]{}, b.entries...)
		return &clone, nil
	case *leafNode[K, V]:
		entries := append([]leafEntry[K, V]{}, b.entries...)
		for i := len(deltas) - 1; i >= 0; i-- {
			switch d := deltas[i].(type) {
			case *insertDelta[K, V]:
				idx := t.lowerBoundLeaf(entries, d.key)
				if idx < len(entries) && t.cmp(entries[idx].Key, d.key) == 0 {
					return nil, fmt.Errorf("bdtree: insert delta for already-present key (corrupt chain)")
				}
				entries = append(entries, leafEntry[K, V]{})
				copy(entries[idx+1:], entries[idx:])
				entries[idx] = leafEntry[K, V]{Key: d.key, Value: d.value}
			case *deleteDelta[K, V]:
				idx := t.lowerBoundLeaf(entries, d.key)
				if idx >= len(entries) || t.cmp(entries[idx].Key, d.key) != 0 {
					return nil, fmt.Errorf("bdtree: delete delta for absent key (corrupt chain)")
				}
				entries = append(entries[:idx], entries[idx+1:]...)
			default:
				return nil, fmt.Errorf("bdtree: unexpected delta kind %T", d)
			}
		}
		return &leafNode[K, V]{
			entries:   entries,
			lowKey:    b.lowKey,
			highKey:   b.highKey,
			rightLink: b.rightLink,
			leafPptr:  basePtr,
			deltas:    pptrs,
		}, nil
	default:
		return nil, fmt.Errorf("bdtree: unexpected base kind %T", base)
	}
}

func (t *Tree[K, V]) lowerBoundLeaf(entries []leafEntry[K, V], key K) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.cmp(entries[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (t *Tree[K, V]) lowerBoundInner(entries []innerEntry[K], key K) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.cmp(entries[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
