package bdtree

import "fmt"

func cloneInner[K any, V any](n *innerNode[K, V]) *innerNode[K, V] {
	clone := *n
	clone.entries = append([]innerEntry[K]{}, n.entries...)
	return &clone
}

// split dispatches on the node kind being split. Internal CAS losses
// (WrongVersion/NotFound) are swallowed — the caller (execLeafOp, or a
// recursive caller here) simply restarts its own descent rather than being
// told the CAS lost. Only genuine backend faults propagate.
func (t *Tree[K, V]) split(oc *opContext[K, V], np *nodePointer[K, V]) error {
	switch np.mat.(type) {
	case *leafNode[K, V]:
		return t.executeSplitLeaf(oc, np)
	case *innerNode[K, V]:
		return t.executeSplitInner(oc, np)
	default:
		return fmt.Errorf("bdtree: split called on unexpected node kind %T", np.mat)
	}
}

func (t *Tree[K, V]) executeSplitLeaf(oc *opContext[K, V], np *nodePointer[K, V]) error {
	leaf := np.asLeaf()
	mid := len(leaf.entries) / 2
	rightEntries := append([]leafEntry[K, V]{}, leaf.entries[mid:]...)
	right := &leafNode[K, V]{
		entries:   rightEntries,
		lowKey:    rightEntries[0].Key,
		highKey:   leaf.highKey,
		rightLink: leaf.rightLink,
	}

	rightPptr, err := t.nodeTable.AllocateNext(oc.ctx)
	if err != nil {
		return err
	}
	rightLptr, err := t.ptrTable.AllocateNext(oc.ctx)
	if err != nil {
		return err
	}
	right.leafPptr = rightPptr
	if err := t.nodeTable.Insert(oc.ctx, rightPptr, t.codec.encode(right)); err != nil {
		return err
	}
	rightVersion, err := t.ptrTable.Insert(oc.ctx, rightLptr, rightPptr)
	if err != nil {
		return err
	}

	if np.isRoot() {
		leftEntries := append([]leafEntry[K, V]{}, leaf.entries[:mid]...)
		left := &leafNode[K, V]{
			entries:   leftEntries,
			lowKey:    leaf.lowKey,
			highKey:   some(right.lowKey),
			rightLink: rightLptr,
		}
		return t.rootSplit(oc, np, left, right, rightLptr, rightPptr, rightVersion, 0)
	}

	return t.nonRootSplit(oc, np, right, rightLptr, rightPptr, rightVersion, 0)
}

func (t *Tree[K, V]) executeSplitInner(oc *opContext[K, V], np *nodePointer[K, V]) error {
	inner := np.asInner()
	mid := len(inner.entries) / 2
	rightEntries := append([]innerEntry[K]{}, inner.entries[mid:]...)
	right := &innerNode[K, V]{
		entries:   rightEntries,
		lowKey:    rightEntries[0].Key,
		highKey:   inner.highKey,
		rightLink: inner.rightLink,
		level:     inner.level,
	}

	rightPptr, err := t.nodeTable.AllocateNext(oc.ctx)
	if err != nil {
		return err
	}
	rightLptr, err := t.ptrTable.AllocateNext(oc.ctx)
	if err != nil {
		return err
	}
	if err := t.nodeTable.Insert(oc.ctx, rightPptr, t.codec.encode(right)); err != nil {
		return err
	}
	rightVersion, err := t.ptrTable.Insert(oc.ctx, rightLptr, rightPptr)
	if err != nil {
		return err
	}

	if np.isRoot() {
		leftEntries := append([]innerEntry[K]{}, inner.entries[:mid]...)
		left := &innerNode[K, V]{
			entries:   leftEntries,
			lowKey:    inner.lowKey,
			highKey:   some(right.lowKey),
			rightLink: rightLptr,
			level:     inner.level,
		}
		return t.rootSplit(oc, np, left, right, rightLptr, rightPptr, rightVersion, inner.level)
	}

	return t.nonRootSplit(oc, np, right, rightLptr, rightPptr, rightVersion, inner.level)
}

// rootSplit handles a split of the root node itself: the old root's lower
// half becomes a fresh left child, the right half was already materialized
// by the caller, and a brand-new root blob with the two children replaces
// the root's physical image via CAS.
func (t *Tree[K, V]) rootSplit(oc *opContext[K, V], np *nodePointer[K, V], left, right node[K, V], rightLptr LogicalPointer, rightPptr PhysicalPointer, rightVersion uint64, level int8) error {
	leftPptr, err := t.nodeTable.AllocateNext(oc.ctx)
	if err != nil {
		return err
	}
	if err := t.nodeTable.Insert(oc.ctx, leftPptr, t.codec.encode(left)); err != nil {
		return err
	}
	leftLptr, err := t.ptrTable.AllocateNext(oc.ctx)
	if err != nil {
		return err
	}
	leftVersion, err := t.ptrTable.Insert(oc.ctx, leftLptr, leftPptr)
	if err != nil {
		return err
	}

	var lowKeyOfRight K
	switch r := right.(type) {
	case *leafNode[K, V]:
		lowKeyOfRight = r.lowKey
	case *innerNode[K, V]:
		lowKeyOfRight = r.lowKey
	}
	newRoot := &innerNode[K, V]{
		entries: []innerEntry[K]{
			{Key: t.nullKey, Child: leftLptr},
			{Key: lowKeyOfRight, Child: rightLptr},
		},
		lowKey: t.nullKey,
		level:  level + 1,
	}
	newRootPptr, err := t.nodeTable.AllocateNext(oc.ctx)
	if err != nil {
		return err
	}
	if err := t.nodeTable.Insert(oc.ctx, newRootPptr, t.codec.encode(newRoot)); err != nil {
		return err
	}

	newVersion, err := t.ptrTable.Update(oc.ctx, RootPointer, newRootPptr, np.rcVersion)
	if err == nil {
		rootNP := newNodePointer[K, V](RootPointer, newRootPptr, newVersion)
		rootNP.mat = newRoot
		t.cache.addEntry(rootNP, oc.txID)

		leftNP := newNodePointer[K, V](leftLptr, leftPptr, leftVersion)
		leftNP.mat = left
		t.cache.addEntry(leftNP, oc.txID)

		rightNP := newNodePointer[K, V](rightLptr, rightPptr, rightVersion)
		rightNP.mat = right
		t.cache.addEntry(rightNP, oc.txID)

		_ = t.nodeTable.Remove(oc.ctx, np.ptr)
		t.cfg.Metrics.split()
		return nil
	}

	if isWrongVersion(err) {
		if wv, ok := AsWrongVersion(err); ok {
			t.cache.invalidateIfOlder(RootPointer, wv.Current)
		}
	} else if isNotFound(err) {
		// the root logical pointer must always exist; treat as a fatal surprise
		return fmt.Errorf("bdtree: root pointer missing during root split: %w", err)
	} else {
		return err
	}
	_ = t.ptrTable.Remove(oc.ctx, rightLptr, rightVersion)
	_ = t.nodeTable.Remove(oc.ctx, rightPptr)
	_ = t.ptrTable.Remove(oc.ctx, leftLptr, leftVersion)
	_ = t.nodeTable.Remove(oc.ctx, newRootPptr)
	_ = t.nodeTable.Remove(oc.ctx, leftPptr)
	return nil
}

// nonRootSplit posts a split-delta over the splitting node and, on success,
// helps complete the install into the parent (continueSplit).
func (t *Tree[K, V]) nonRootSplit(oc *opContext[K, V], np *nodePointer[K, V], right node[K, V], rightLptr LogicalPointer, rightPptr PhysicalPointer, rightVersion uint64, level int8) error {
	var rightKey K
	switch r := right.(type) {
	case *leafNode[K, V]:
		rightKey = r.lowKey
	case *innerNode[K, V]:
		rightKey = r.lowKey
	}
	delta := &splitDelta[K, V]{next: np.ptr, newRight: rightLptr, rightKey: rightKey, level: level}
	splitPptr, err := t.nodeTable.AllocateNext(oc.ctx)
	if err != nil {
		return err
	}
	if err := t.nodeTable.Insert(oc.ctx, splitPptr, t.codec.encode(delta)); err != nil {
		return err
	}

	newVersion, err := t.ptrTable.Update(oc.ctx, np.lptr, splitPptr, np.rcVersion)
	if err == nil {
		t.cfg.Metrics.split()
		return t.continueSplit(oc, np.lptr, splitPptr, newVersion, delta)
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
	_ = t.ptrTable.Remove(oc.ctx, rightLptr, rightVersion)
	_ = t.nodeTable.Remove(oc.ctx, rightPptr)
	_ = t.nodeTable.Remove(oc.ctx, splitPptr)
	return nil
}

// continueSplit walks up from the splitting node to the parent covering
// right_key and installs the new separator, recursively splitting the
// parent first if it is itself full.
func (t *Tree[K, V]) continueSplit(oc *opContext[K, V], splitL LogicalPointer, splitPptr PhysicalPointer, splitVersion uint64, delta *splitDelta[K, V]) error {
	if len(oc.stack) >= 2 {
		oc.pop()
	}
	for {
		parentNP, err := t.fixStack(oc, delta.rightKey, boundLastSmallerEqual)
		if err != nil {
			return err
		}
		parent, ok := parentNP.mat.(*innerNode[K, V])
		if !ok {
			// the parent is a leaf: the tree shrank under us, no install needed.
			return t.consolidateSplit(oc, splitL, splitPptr, splitVersion, delta)
		}

		idx := t.lastSmallerEqualInner(parent.entries, delta.rightKey)
		if idx < 0 || idx >= len(parent.entries) {
			return fmt.Errorf("bdtree: continueSplit: no covering child for right key")
		}
		if t.cmp(parent.entries[idx].Key, delta.rightKey) == 0 {
			// someone already installed this separator.
			return t.consolidateSplit(oc, splitL, splitPptr, splitVersion, delta)
		}
		if parent.entries[idx].Child != splitL {
			oc.push(parent.entries[idx].Child)
			continue
		}

		curPptr, _, err := t.ptrTable.Read(oc.ctx, splitL)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if curPptr != splitPptr {
			return nil
		}

		if serializedSize[K, V](parent, t.codec.key, t.codec.val) >= t.cfg.MaxNodeSize {
			if err := t.split(oc, parentNP); err != nil {
				return err
			}
			continue
		}

		newInner := cloneInner(parent)
		insertAt := idx + 1
		newInner.entries = append(newInner.entries, innerEntry[K]{})
		copy(newInner.entries[insertAt+1:], newInner.entries[insertAt:])
		newInner.entries[insertAt] = innerEntry[K]{Key: delta.rightKey, Child: delta.newRight}

		pptr, err := t.nodeTable.AllocateNext(oc.ctx)
		if err != nil {
			return err
		}
		if err := t.nodeTable.Insert(oc.ctx, pptr, t.codec.encode(newInner)); err != nil {
			return err
		}

		newVersion, err := t.ptrTable.Update(oc.ctx, parentNP.lptr, pptr, parentNP.rcVersion)
		if err == nil {
			if cerr := t.consolidateSplit(oc, splitL, splitPptr, splitVersion, delta); cerr != nil {
				return cerr
			}
			_ = t.nodeTable.Remove(oc.ctx, parentNP.ptr)
			nnp := newNodePointer[K, V](parentNP.lptr, pptr, newVersion)
			nnp.mat = newInner
			t.cache.addEntry(nnp, oc.txID)
			return nil
		}

		if isWrongVersion(err) {
			if wv, ok := AsWrongVersion(err); ok {
				t.cache.invalidateIfOlder(parentNP.lptr, wv.Current)
			}
		} else if isNotFound(err) {
			t.cache.invalidate(parentNP.lptr)
		} else {
			return err
		}
		_ = t.nodeTable.Remove(oc.ctx, pptr)
	}
}

// consolidateSplit re-resolves the pre-split image, drops its upper half,
// and CASes it in place of the split-delta.
func (t *Tree[K, V]) consolidateSplit(oc *opContext[K, V], splitL LogicalPointer, splitPptr PhysicalPointer, splitVersion uint64, delta *splitDelta[K, V]) error {
	base, basePtr, pptrs, deltas, werr := t.walkChain(oc, splitL, delta.next, splitVersion)
	if werr == errHelpedAway {
		return nil
	}
	if werr != nil {
		if isNotFound(werr) {
			return nil
		}
		return werr
	}
	resolved, err := t.applyDeltas(base, basePtr, pptrs, deltas)
	if err != nil {
		return err
	}

	switch r := resolved.(type) {
	case *leafNode[K, V]:
		mid := len(r.entries) / 2
		consolidated := &leafNode[K, V]{
			entries:   append([]leafEntry[K, V]{}, r.entries[:mid]...),
			lowKey:    r.lowKey,
			highKey:   some(delta.rightKey),
			rightLink: delta.newRight,
		}
		pptr, err := t.nodeTable.AllocateNext(oc.ctx)
		if err != nil {
			return err
		}
		consolidated.leafPptr = pptr
		if err := t.nodeTable.Insert(oc.ctx, pptr, t.codec.encode(consolidated)); err != nil {
			return err
		}
		newVersion, err := t.ptrTable.Update(oc.ctx, splitL, pptr, splitVersion)
		if err != nil {
			_ = t.nodeTable.Remove(oc.ctx, pptr)
			return nil
		}
		nnp := newNodePointer[K, V](splitL, pptr, newVersion)
		nnp.mat = consolidated
		t.cache.addEntry(nnp, oc.txID)
		_ = t.nodeTable.Remove(oc.ctx, splitPptr)
		t.cfg.Metrics.consolidate()
		_ = t.nodeTable.Remove(oc.ctx, r.leafPptr)
		for _, p := range r.deltas {
			_ = t.nodeTable.Remove(oc.ctx, p)
		}
		return nil
	case *innerNode[K, V]:
		mid := len(r.entries) / 2
		consolidated := &innerNode[K, V]{
			entries:   append([]innerEntry[K]{}, r.entries[:mid]...),
			lowKey:    r.lowKey,
			highKey:   some(delta.rightKey),
			rightLink: delta.newRight,
			level:     r.level,
		}
		pptr, err := t.nodeTable.AllocateNext(oc.ctx)
		if err != nil {
			return err
		}
		if err := t.nodeTable.Insert(oc.ctx, pptr, t.codec.encode(consolidated)); err != nil {
			return err
		}
		newVersion, err := t.ptrTable.Update(oc.ctx, splitL, pptr, splitVersion)
		if err != nil {
			_ = t.nodeTable.Remove(oc.ctx, pptr)
			return nil
		}
		nnp := newNodePointer[K, V](splitL, pptr, newVersion)
		nnp.mat = consolidated
		t.cache.addEntry(nnp, oc.txID)
		_ = t.nodeTable.Remove(oc.ctx, splitPptr)
		_ = t.nodeTable.Remove(oc.ctx, delta.next)
		t.cfg.Metrics.consolidate()
		return nil
	default:
		return fmt.Errorf("bdtree: consolidateSplit: unexpected resolved kind %T", resolved)
	}
}
