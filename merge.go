package bdtree

import "fmt"

// merge dispatches on the node kind shrinking below MinNodeSize. As with
// split, internal CAS losses are swallowed; only backend faults propagate.
func (t *Tree[K, V]) merge(oc *opContext[K, V], np *nodePointer[K, V]) error {
	switch np.mat.(type) {
	case *leafNode[K, V]:
		return t.executeMergeLeaf(oc, np)
	case *innerNode[K, V]:
		return t.executeMergeInner(oc, np)
	default:
		return fmt.Errorf("bdtree: merge called on unexpected node kind %T", np.mat)
	}
}

func (t *Tree[K, V]) executeMergeLeaf(oc *opContext[K, V], np *nodePointer[K, V]) error {
	leaf := np.asLeaf()
	if t.cmp(leaf.lowKey, t.nullKey) == 0 {
		// leftmost node at its level: merge the right sibling into it instead.
		rightNP, err := t.cache.getWithoutCache(oc, leaf.rightLink)
		if err != nil {
			return err
		}
		if rightNP == nil {
			t.cache.invalidateIfOlder(np.lptr, np.rcVersion+1)
			return nil
		}
		return t.merge(oc, rightNP)
	}
	return t.postRemoveDelta(oc, np, leaf.lowKey, 0)
}

func (t *Tree[K, V]) executeMergeInner(oc *opContext[K, V], np *nodePointer[K, V]) error {
	inner := np.asInner()
	if t.cmp(inner.lowKey, t.nullKey) == 0 {
		rightNP, err := t.cache.getWithoutCache(oc, inner.rightLink)
		if err != nil {
			return err
		}
		if rightNP == nil {
			t.cache.invalidateIfOlder(np.lptr, np.rcVersion+1)
			return nil
		}
		return t.merge(oc, rightNP)
	}
	return t.postRemoveDelta(oc, np, inner.lowKey, inner.level)
}

func (t *Tree[K, V]) postRemoveDelta(oc *opContext[K, V], np *nodePointer[K, V], lowKey K, level int8) error {
	rm := &removeDelta[K, V]{lowKey: lowKey, next: np.ptr, level: level}
	pptr, err := t.nodeTable.AllocateNext(oc.ctx)
	if err != nil {
		return err
	}
	if err := t.nodeTable.Insert(oc.ctx, pptr, t.codec.encode(rm)); err != nil {
		return err
	}
	newVersion, err := t.ptrTable.Update(oc.ctx, np.lptr, pptr, np.rcVersion)
	if err == nil {
		return t.continueMergeFromRemove(oc, np.lptr, pptr, newVersion, rm)
	}
	if isWrongVersion(err) {
		if wv, ok := AsWrongVersion(err); ok {
			t.cache.invalidateIfOlder(np.lptr, wv.Current)
		}
	} else if isNotFound(err) {
		t.cache.invalidate(np.lptr)
	} else {
		return err
	}
	_ = t.nodeTable.Remove(oc.ctx, pptr)
	return nil
}

// getLeftSibling descends with LAST_SMALLER semantics for lowKey, re-entering
// children until it finds the node whose right_link points at rightL, or
// concludes none exists at this level (a race with a higher-level
// rearrangement — abort silently).
func (t *Tree[K, V]) getLeftSibling(oc *opContext[K, V], rightL LogicalPointer, lowKey K, level int8) (*nodePointer[K, V], error) {
	if len(oc.stack) > 1 {
		oc.pop()
	}
	for {
		np, err := t.fixStack(oc, lowKey, boundLastSmaller)
		if err != nil {
			return nil, err
		}
		switch n := np.mat.(type) {
		case *innerNode[K, V]:
			if n.rightLink == rightL {
				return np, nil
			}
			if n.level == level {
				return nil, nil
			}
			idx := t.lastSmallerInner(n.entries, lowKey)
			if idx < 0 {
				return nil, fmt.Errorf("bdtree: getLeftSibling: no covering child for low key")
			}
			oc.push(n.entries[idx].Child)
		case *leafNode[K, V]:
			if n.rightLink == rightL {
				return np, nil
			}
			return nil, nil
		default:
			return nil, fmt.Errorf("bdtree: getLeftSibling: unexpected node kind %T", np.mat)
		}
	}
}

// continueMergeFromRemove finds the left sibling of a node that just posted
// a remove-delta and posts a merge-delta over it.
func (t *Tree[K, V]) continueMergeFromRemove(oc *opContext[K, V], removeL LogicalPointer, removePptr PhysicalPointer, removeVersion uint64, rm *removeDelta[K, V]) error {
	leftNP, err := t.getLeftSibling(oc, removeL, rm.lowKey, rm.level)
	if err != nil {
		return err
	}
	if leftNP == nil {
		return nil
	}
	for {
		mergePptr, err := t.nodeTable.AllocateNext(oc.ctx)
		if err != nil {
			return err
		}
		md := &mergeDelta[K, V]{
			next:         leftNP.ptr,
			rmdeltaL:     removeL,
			rmdeltaP:     removePptr,
			rmNext:       rm.next,
			rightLowKey:  rm.lowKey,
			level:        rm.level,
			rightVersion: removeVersion,
		}
		if err := t.nodeTable.Insert(oc.ctx, mergePptr, t.codec.encode(md)); err != nil {
			return err
		}

		newVersion, err := t.ptrTable.Update(oc.ctx, leftNP.lptr, mergePptr, leftNP.rcVersion)
		if err == nil {
			return t.continueMergeFromMerge(oc, leftNP.lptr, mergePptr, newVersion, md)
		}

		if isNotFound(err) {
			t.cache.invalidate(leftNP.lptr)
		} else if !isWrongVersion(err) {
			_ = t.nodeTable.Remove(oc.ctx, mergePptr)
			return err
		}

		refound, ferr := t.fixStack(oc, rm.lowKey, boundLastSmaller)
		if ferr != nil {
			_ = t.nodeTable.Remove(oc.ctx, mergePptr)
			return nil
		}
		stillLeft := false
		switch n := refound.mat.(type) {
		case *innerNode[K, V]:
			stillLeft = n.rightLink == removeL
		case *leafNode[K, V]:
			stillLeft = n.rightLink == removeL
		}
		_ = t.nodeTable.Remove(oc.ctx, mergePptr)
		if !stillLeft {
			return nil
		}
		leftNP = refound
	}
}

// continueMergeFromMerge removes the right sibling's entry from the parent
// once a merge-delta has been posted over the left sibling, recursing to
// merge or collapse the parent first if needed.
func (t *Tree[K, V]) continueMergeFromMerge(oc *opContext[K, V], mergeL LogicalPointer, mergePptr PhysicalPointer, mergeVersion uint64, md *mergeDelta[K, V]) error {
	if mergeL == RootPointer {
		return t.consolidateMerge(oc, mergeL, mergePptr, mergeVersion, md)
	}
	if len(oc.stack) > 1 {
		oc.pop()
	}
	for {
		parentNP, err := t.fixStack(oc, md.rightLowKey, boundLastSmallerEqual)
		if err != nil {
			return err
		}
		parent, ok := parentNP.mat.(*innerNode[K, V])
		if !ok {
			// parent is a leaf: the tree shrank under us.
			return t.consolidateMerge(oc, mergeL, mergePptr, mergeVersion, md)
		}

		idx := t.lastSmallerEqualInner(parent.entries, md.rightLowKey)
		if idx < 0 {
			// only the root can have no covering entry (its implicit null_key slot).
			return nil
		}

		if t.cmp(parent.entries[idx].Key, md.rightLowKey) == 0 && parent.entries[idx].Child == md.rmdeltaL {
			if serializedSize[K, V](parent, t.codec.key, t.codec.val) < t.cfg.MinNodeSize && parentNP.lptr != RootPointer {
				if err := t.merge(oc, parentNP); err != nil {
					return err
				}
				continue
			}
			if parentNP.lptr == RootPointer && len(parent.entries) == 2 {
				newVersion, err := t.ptrTable.Update(oc.ctx, parentNP.lptr, mergePptr, parentNP.rcVersion)
				if err != nil {
					if isWrongVersion(err) {
						if wv, ok := AsWrongVersion(err); ok {
							t.cache.invalidateIfOlder(parentNP.lptr, wv.Current)
						}
					} else if isNotFound(err) {
						t.cache.invalidate(parentNP.lptr)
					} else {
						return err
					}
					continue
				}
				_ = t.nodeTable.Remove(oc.ctx, parentNP.ptr)
				_ = t.ptrTable.Remove(oc.ctx, mergeL, md.rightVersion)
				return t.consolidateMerge(oc, parentNP.lptr, mergePptr, newVersion, md)
			}

			newInner := cloneInner(parent)
			newInner.entries = append(newInner.entries[:idx:idx], newInner.entries[idx+1:]...)
			pptr, err := t.nodeTable.AllocateNext(oc.ctx)
			if err != nil {
				return err
			}
			if err := t.nodeTable.Insert(oc.ctx, pptr, t.codec.encode(newInner)); err != nil {
				return err
			}

			var newVersion uint64
			var rmPptr PhysicalPointer
			if idx != 0 {
				newVersion, err = t.ptrTable.Update(oc.ctx, parentNP.lptr, pptr, parentNP.rcVersion)
			} else {
				// removal at the leftmost slot must itself propagate one level up.
				rmBlob := &removeDelta[K, V]{lowKey: newInner.lowKey, next: pptr, level: newInner.level}
				rmPptr, err = t.nodeTable.AllocateNext(oc.ctx)
				if err != nil {
					return err
				}
				if err := t.nodeTable.Insert(oc.ctx, rmPptr, t.codec.encode(rmBlob)); err != nil {
					return err
				}
				newVersion, err = t.ptrTable.Update(oc.ctx, parentNP.lptr, rmPptr, parentNP.rcVersion)
			}

			if err != nil {
				if isWrongVersion(err) {
					if wv, ok := AsWrongVersion(err); ok {
						t.cache.invalidateIfOlder(parentNP.lptr, wv.Current)
					}
				} else if isNotFound(err) {
					t.cache.invalidate(parentNP.lptr)
				} else {
					return err
				}
				if rmPptr != 0 {
					_ = t.nodeTable.Remove(oc.ctx, rmPptr)
				}
				_ = t.nodeTable.Remove(oc.ctx, pptr)
				continue
			}

			_ = t.nodeTable.Remove(oc.ctx, parentNP.ptr)
			t.cfg.Metrics.merge()
			return t.consolidateMerge(oc, mergeL, mergePptr, mergeVersion, md)
		}

		if parent.entries[idx].Child == mergeL {
			return nil
		}
		oc.push(parent.entries[idx].Child)
	}
}

// consolidateMerge re-resolves both siblings, splices their entry arrays,
// CASes the left sibling's pointer-table entry to the combined blob, then
// retires every blob that fed into the merge. Carrying rightVersion through
// from the delta that proposed this merge lets the right sibling's
// pointer-table removal be a real version-checked CAS instead of an
// unconditional removal.
func (t *Tree[K, V]) consolidateMerge(oc *opContext[K, V], mergeL LogicalPointer, mergePptr PhysicalPointer, mergeVersion uint64, md *mergeDelta[K, V]) error {
	leftBase, leftBasePtr, leftPptrs, leftDeltas, lerr := t.walkChain(oc, mergeL, md.next, mergeVersion)
	if lerr == errHelpedAway {
		return nil
	}
	if lerr != nil {
		if isNotFound(lerr) {
			return nil
		}
		return lerr
	}
	leftResolved, err := t.applyDeltas(leftBase, leftBasePtr, leftPptrs, leftDeltas)
	if err != nil {
		return err
	}

	rightBase, rightBasePtr, rightPptrs, rightDeltas, rerr := t.walkChain(oc, md.rmdeltaL, md.rmNext, md.rightVersion)
	if rerr == errHelpedAway {
		return nil
	}
	if rerr != nil {
		if isNotFound(rerr) {
			return nil
		}
		return rerr
	}
	rightResolved, err := t.applyDeltas(rightBase, rightBasePtr, rightPptrs, rightDeltas)
	if err != nil {
		return err
	}

	switch left := leftResolved.(type) {
	case *leafNode[K, V]:
		right, ok := rightResolved.(*leafNode[K, V])
		if !ok {
			return fmt.Errorf("bdtree: consolidateMerge: sibling kind mismatch")
		}
		consolidated := &leafNode[K, V]{
			entries:   append(append([]leafEntry[K, V]{}, left.entries...), right.entries...),
			lowKey:    left.lowKey,
			highKey:   right.highKey,
			rightLink: right.rightLink,
		}
		pptr, err := t.nodeTable.AllocateNext(oc.ctx)
		if err != nil {
			return err
		}
		consolidated.leafPptr = pptr
		if err := t.nodeTable.Insert(oc.ctx, pptr, t.codec.encode(consolidated)); err != nil {
			return err
		}
		newVersion, err := t.ptrTable.Update(oc.ctx, mergeL, pptr, mergeVersion)
		if err != nil {
			if isNotFound(err) {
				t.cache.invalidate(mergeL)
			}
			_ = t.nodeTable.Remove(oc.ctx, pptr)
			return nil
		}
		nnp := newNodePointer[K, V](mergeL, pptr, newVersion)
		nnp.mat = consolidated
		t.cache.addEntry(nnp, oc.txID)
		t.cache.invalidate(md.rmdeltaL)
		_ = t.ptrTable.Remove(oc.ctx, md.rmdeltaL, md.rightVersion)
		_ = t.nodeTable.Remove(oc.ctx, mergePptr)
		_ = t.nodeTable.Remove(oc.ctx, md.rmdeltaP)
		_ = t.nodeTable.Remove(oc.ctx, left.leafPptr)
		for _, p := range left.deltas {
			_ = t.nodeTable.Remove(oc.ctx, p)
		}
		_ = t.nodeTable.Remove(oc.ctx, right.leafPptr)
		for _, p := range right.deltas {
			_ = t.nodeTable.Remove(oc.ctx, p)
		}
		return nil
	case *innerNode[K, V]:
		right, ok := rightResolved.(*innerNode[K, V])
		if !ok {
			return fmt.Errorf("bdtree: consolidateMerge: sibling kind mismatch")
		}
		consolidated := &innerNode[K, V]{
			entries:   append(append([]innerEntry[K]{}, left.entries...), right.entries...),
			lowKey:    left.lowKey,
			highKey:   right.highKey,
			rightLink: right.rightLink,
			level:     left.level,
		}
		pptr, err := t.nodeTable.AllocateNext(oc.ctx)
		if err != nil {
			return err
		}
		if err := t.nodeTable.Insert(oc.ctx, pptr, t.codec.encode(consolidated)); err != nil {
			return err
		}
		newVersion, err := t.ptrTable.Update(oc.ctx, mergeL, pptr, mergeVersion)
		if err != nil {
			if isNotFound(err) {
				t.cache.invalidate(mergeL)
			}
			_ = t.nodeTable.Remove(oc.ctx, pptr)
			return nil
		}
		nnp := newNodePointer[K, V](mergeL, pptr, newVersion)
		nnp.mat = consolidated
		t.cache.addEntry(nnp, oc.txID)
		t.cache.invalidate(md.rmdeltaL)
		_ = t.ptrTable.Remove(oc.ctx, md.rmdeltaL, md.rightVersion)
		_ = t.nodeTable.Remove(oc.ctx, mergePptr)
		_ = t.nodeTable.Remove(oc.ctx, md.rmdeltaP)
		_ = t.nodeTable.Remove(oc.ctx, leftBasePtr)
		_ = t.nodeTable.Remove(oc.ctx, rightBasePtr)
		return nil
	default:
		return fmt.Errorf("bdtree: consolidateMerge: unexpected resolved kind %T", leftResolved)
	}
}
