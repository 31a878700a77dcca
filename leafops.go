package bdtree

import "context"

// leafOp is the insert / delete operation pair, generalized to an interface
// so execLeafOp can share one retry loop between them.
type leafOp[K any, V any] interface {
	// hasConflict reports the operation's precondition failing against the
	// freshly resolved leaf (key present for insert, absent for delete).
	hasConflict(leaf *leafNode[K, V], cmp Comparator[K]) bool
	// apply mutates ln (a clone of the resolved leaf) to reflect the new
	// state and returns the blob to serialize at pptr: either ln itself
	// (consolidated=true, deltas cleared) or a fresh delta node pointing at
	// the previous physical pointer (consolidated=false).
	apply(cmp Comparator[K], prevPtr PhysicalPointer, ln *leafNode[K, V], pptr PhysicalPointer, consolidateAt int) (blob node[K, V], consolidated bool)
}

type insertOp[K any, V any] struct {
	key   K
	value V
}

func (o *insertOp[K, V]) hasConflict(leaf *leafNode[K, V], cmp Comparator[K]) bool {
	idx := lowerBoundLeafEntries(leaf.entries, o.key, cmp)
	return idx < len(leaf.entries) && cmp(leaf.entries[idx].Key, o.key) == 0
}

func (o *insertOp[K, V]) apply(cmp Comparator[K], prevPtr PhysicalPointer, ln *leafNode[K, V], pptr PhysicalPointer, consolidateAt int) (node[K, V], bool) {
	idx := lowerBoundLeafEntries(ln.entries, o.key, cmp)
	ln.entries = append(ln.entries, leafEntry[K, V]{})
	copy(ln.entries[idx+1:], ln.entries[idx:])
	ln.entries[idx] = leafEntry[K, V]{Key: o.key, Value: o.value}

	if len(ln.deltas)+1 >= consolidateAt {
		ln.deltas = nil
		ln.leafPptr = pptr
		return ln, true
	}
	ln.deltas = append([]PhysicalPointer{pptr}, ln.deltas...)
	return &insertDelta[K, V]{key: o.key, value: o.value, next: prevPtr}, false
}

type deleteOp[K any, V any] struct {
	key K
}

func (o *deleteOp[K, V]) hasConflict(leaf *leafNode[K, V], cmp Comparator[K]) bool {
	idx := lowerBoundLeafEntries(leaf.entries, o.key, cmp)
	return !(idx < len(leaf.entries) && cmp(leaf.entries[idx].Key, o.key) == 0)
}

func (o *deleteOp[K, V]) apply(cmp Comparator[K], prevPtr PhysicalPointer, ln *leafNode[K, V], pptr PhysicalPointer, consolidateAt int) (node[K, V], bool) {
	idx := lowerBoundLeafEntries(ln.entries, o.key, cmp)
	ln.entries = append(ln.entries[:idx], ln.entries[idx+1:]...)

	if len(ln.deltas)+1 >= consolidateAt {
		ln.deltas = nil
		ln.leafPptr = pptr
		return ln, true
	}
	ln.deltas = append([]PhysicalPointer{pptr}, ln.deltas...)
	return &deleteDelta[K, V]{key: o.key, next: prevPtr}, false
}

func lowerBoundLeafEntries[K any, V any](entries []leafEntry[K, V], key K, cmp Comparator[K]) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(entries[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func cloneLeaf[K any, V any](l *leafNode[K, V]) *leafNode[K, V] {
	clone := *l
	clone.entries = append([]leafEntry[K, V]{}, l.entries...)
	clone.deltas = append([]PhysicalPointer{}, l.deltas...)
	return &clone
}

// execLeafOp descends to the covering leaf, triggers a split/merge if its
// size is out of bounds, then loops the conflict-check / allocate-blob / CAS
// dance until it succeeds or the operation's precondition fails.
func (t *Tree[K, V]) execLeafOp(ctx context.Context, key K, op leafOp[K, V]) (bool, error) {
	for {
		oc := newOpContext[K, V](ctx, t)
		leafNP, err := t.lowerBoundNode(oc, key, boundLastSmallerEqual, cacheUseCurrent)
		if err != nil {
			return false, err
		}
		leaf := leafNP.asLeaf()
		size := serializedSize[K, V](leaf, t.codec.key, t.codec.val)

		if size >= t.cfg.MaxNodeSize {
			if err := t.split(oc, leafNP); err != nil {
				return false, err
			}
			continue
		}
		isOnlyLeaf := t.cmp(leaf.lowKey, t.nullKey) == 0 && !leaf.highKey.Valid
		if size < t.cfg.MinNodeSize && !isOnlyLeaf {
			if err := t.merge(oc, leafNP); err != nil {
				return false, err
			}
			continue
		}

		done, result, err := t.casLeafLoop(oc, key, leafNP, op)
		if err != nil {
			return false, err
		}
		if done {
			return result, nil
		}
		// casLeafLoop asked for a full restart (split/merge observed mid-loop).
	}
}

func (t *Tree[K, V]) casLeafLoop(oc *opContext[K, V], key K, leafNP *nodePointer[K, V], op leafOp[K, V]) (done bool, result bool, err error) {
	for {
		leaf := leafNP.asLeaf()
		if op.hasConflict(leaf, t.cmp) {
			return true, false, nil
		}

		pptr, err := t.nodeTable.AllocateNext(oc.ctx)
		if err != nil {
			return true, false, err
		}
		ln := cloneLeaf(leaf)
		blob, consolidated := op.apply(t.cmp, leafNP.ptr, ln, pptr, t.cfg.ConsolidateAt)
		if err := t.nodeTable.Insert(oc.ctx, pptr, t.codec.encode(blob)); err != nil {
			return true, false, err
		}

		newVersion, err := t.ptrTable.Update(oc.ctx, leafNP.lptr, pptr, leafNP.rcVersion)
		switch {
		case err == nil:
			nnp := newNodePointer[K, V](leafNP.lptr, pptr, newVersion)
			nnp.mat = ln
			t.cache.addEntry(nnp, oc.txID)
			if consolidated {
				t.cfg.Metrics.consolidate()
				toRemove := append(append([]PhysicalPointer{}, leaf.deltas...), leaf.leafPptr)
				for _, p := range toRemove {
					_ = t.nodeTable.Remove(oc.ctx, p)
				}
			}
			return true, true, nil
		case isWrongVersion(err):
			t.cfg.Metrics.casRetry()
			if wv, ok := AsWrongVersion(err); ok {
				t.cache.invalidateIfOlder(leafNP.lptr, wv.Current)
			}
			leafNP, err = t.lowerBoundNode(oc, key, boundLastSmallerEqual, cacheUseNone)
			if err != nil {
				return true, false, err
			}
		case isNotFound(err):
			t.cache.invalidate(leafNP.lptr)
			leafNP, err = t.lowerBoundNode(oc, key, boundLastSmallerEqual, cacheUseNone)
			if err != nil {
				return true, false, err
			}
		default:
			return true, false, err
		}
	}
}
