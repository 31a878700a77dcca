package bdtree

import (
	"context"
	"fmt"
)

// Iterator is a bidirectional cursor over the ordered map.
// It holds the resolved leaf it currently points into and a position within
// that leaf's array; Next/Prev tolerate concurrent splits and merges that
// shift node boundaries underneath it.
type Iterator[K any, V any] struct {
	tree *Tree[K, V]
	oc   *opContext[K, V]
	np   *nodePointer[K, V]
	pos  int
	end  bool
}

// Begin returns an iterator positioned at the first key >= nullKey, i.e. the
// smallest key in the tree (begin_from(null_key)).
func (t *Tree[K, V]) Begin(ctx context.Context) (*Iterator[K, V], error) {
	return t.IteratorAt(ctx, t.nullKey)
}

// IteratorAt is begin_from(key): an iterator positioned at the first entry
// whose key is >= key.
func (t *Tree[K, V]) IteratorAt(ctx context.Context, key K) (*Iterator[K, V], error) {
	oc := newOpContext[K, V](ctx, t)
	np, err := t.lowerBoundNode(oc, key, boundLastSmallerEqual, cacheUseCurrent)
	if err != nil {
		return nil, err
	}
	leaf := np.asLeaf()
	return &Iterator[K, V]{tree: t, oc: oc, np: np, pos: t.lowerBoundLeaf(leaf.entries, key)}, nil
}

// End returns the sentinel one-past-the-end iterator, found by walking
// right_link chains from the leftmost leaf to the rightmost.
func (t *Tree[K, V]) End(ctx context.Context) (*Iterator[K, V], error) {
	it, err := t.Begin(ctx)
	if err != nil {
		return nil, err
	}
	for {
		leaf := it.np.asLeaf()
		if leaf.rightLink == 0 {
			it.pos = len(leaf.entries)
			it.end = true
			return it, nil
		}
		np, err := t.cache.getCurrentFromCache(it.oc, leaf.rightLink)
		if err != nil {
			return nil, err
		}
		it.np = np
	}
}

// Valid reports whether the iterator points at a real entry.
func (it *Iterator[K, V]) Valid() bool {
	return !it.end && it.np != nil && it.pos >= 0 && it.pos < len(it.np.asLeaf().entries)
}

func (it *Iterator[K, V]) Key() K { return it.np.asLeaf().entries[it.pos].Key }

func (it *Iterator[K, V]) Value() V { return it.np.asLeaf().entries[it.pos].Value }

// Equal defines equality by pointed-to key; two end iterators
// are equal, an end and a non-end iterator never are.
func (it *Iterator[K, V]) Equal(other *Iterator[K, V]) bool {
	if it.end || other.end {
		return it.end == other.end
	}
	if !it.Valid() || !other.Valid() {
		return it.end == other.end
	}
	return it.tree.cmp(it.Key(), other.Key()) == 0
}

// Next advances the iterator by one position, following right_link and
// re-locating by the previous high_key when a concurrent split or merge has
// shifted the covering leaf's boundaries.
func (it *Iterator[K, V]) Next() error {
	if it.end {
		return nil
	}
	it.pos++
	for {
		leaf := it.np.asLeaf()
		if it.pos < len(leaf.entries) {
			return nil
		}
		if leaf.rightLink == 0 {
			it.end = true
			return nil
		}
		target := leaf.highKey
		np, err := it.tree.cache.getCurrentFromCache(it.oc, leaf.rightLink)
		if err != nil {
			return err
		}
		it.np = np
		next := np.asLeaf()
		if target.Valid {
			it.pos = it.tree.lowerBoundLeaf(next.entries, target.Key)
		} else {
			it.pos = 0
		}
	}
}

// Prev moves the iterator back by one position. Within the current leaf
// this is a plain decrement; crossing a leaf boundary re-descends with
// LAST_SMALLER semantics on the leaf's low_key, the symmetric counterpart
// of Next's right_link walk.
func (it *Iterator[K, V]) Prev() error {
	if !it.end && it.pos > 0 {
		it.pos--
		return nil
	}

	var target K
	if it.end {
		leaf := it.np.asLeaf()
		if len(leaf.entries) > 0 {
			it.end = false
			it.pos = len(leaf.entries) - 1
			return nil
		}
		target = leaf.lowKey
	} else {
		target = it.np.asLeaf().lowKey
	}

	oc := newOpContext[K, V](it.oc.ctx, it.tree)
	np, err := it.tree.lowerBoundNode(oc, target, boundLastSmaller, cacheUseCurrent)
	if err != nil {
		return err
	}
	leaf := np.asLeaf()
	idx := it.tree.lowerBoundLeaf(leaf.entries, target) - 1
	if idx < 0 {
		return fmt.Errorf("bdtree: Prev: no entry precedes %v", target)
	}
	it.oc = oc
	it.np = np
	it.pos = idx
	it.end = false
	return nil
}

// EraseOutcome is the result of EraseIfUnmodified.
type EraseOutcome int

const (
	EraseSuccess EraseOutcome = iota
	EraseFailed
	EraseMerged
)

// EraseIfUnmodified removes the iterator's current element iff the
// underlying leaf has not been concurrently rewritten since it was read,
// using the iterator's cached rc_version as the CAS's expected version. This
// requires Config.ConsolidateAt == 0: the erase-if-unmodified CAS path does
// not understand delta chains, and this implementation preserves that
// restriction rather than silently generalizing it.
func (it *Iterator[K, V]) EraseIfUnmodified(ctx context.Context) (EraseOutcome, error) {
	if it.tree.cfg.ConsolidateAt != 0 {
		return EraseFailed, ErrConsolidateAtMustBeZero
	}
	if !it.Valid() {
		return EraseFailed, nil
	}
	leaf := it.np.asLeaf()
	newEntries := append(append([]leafEntry[K, V]{}, leaf.entries[:it.pos]...), leaf.entries[it.pos+1:]...)
	newLeaf := &leafNode[K, V]{entries: newEntries, lowKey: leaf.lowKey, highKey: leaf.highKey, rightLink: leaf.rightLink}

	isOnlyLeaf := it.tree.cmp(leaf.lowKey, it.tree.nullKey) == 0 && !leaf.highKey.Valid
	if serializedSize[K, V](newLeaf, it.tree.codec.key, it.tree.codec.val) < it.tree.cfg.MinNodeSize && !isOnlyLeaf {
		return EraseMerged, nil
	}

	pptr, err := it.tree.nodeTable.AllocateNext(ctx)
	if err != nil {
		return EraseFailed, err
	}
	newLeaf.leafPptr = pptr
	if err := it.tree.nodeTable.Insert(ctx, pptr, it.tree.codec.encode(newLeaf)); err != nil {
		return EraseFailed, err
	}

	newVersion, err := it.tree.ptrTable.Update(ctx, it.np.lptr, pptr, it.np.rcVersion)
	if err != nil {
		_ = it.tree.nodeTable.Remove(ctx, pptr)
		if isWrongVersion(err) {
			return EraseFailed, nil
		}
		if isNotFound(err) {
			it.tree.cache.invalidate(it.np.lptr)
			return EraseFailed, nil
		}
		return EraseFailed, err
	}

	nnp := newNodePointer[K, V](it.np.lptr, pptr, newVersion)
	nnp.mat = newLeaf
	it.tree.cache.addEntry(nnp, it.oc.txID)
	_ = it.tree.nodeTable.Remove(ctx, leaf.leafPptr)
	for _, p := range leaf.deltas {
		_ = it.tree.nodeTable.Remove(ctx, p)
	}
	return EraseSuccess, nil
}
