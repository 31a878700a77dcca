package bdtree

import (
	"context"
	"fmt"
)

// searchBound selects which binary-search variant bounds a descent step:
// LastSmallerEqual picks the child whose separator is <= key (ordinary
// lookups); LastSmaller picks the child strictly before key (used when
// hunting for a left sibling during merge).
type searchBound int

const (
	boundLastSmallerEqual searchBound = iota
	boundLastSmaller
)

// cacheUseMode selects cache behavior for a descent: Current reads through
// the tx_id-gated cache, None forces a fresh uncached read (used by retry
// paths after a CAS failure).
type cacheUseMode int

const (
	cacheUseCurrent cacheUseMode = iota
	cacheUseNone
)

func (t *Tree[K, V]) lastSmallerEqualInner(entries []innerEntry[K], key K) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.cmp(entries[mid].Key, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

func (t *Tree[K, V]) lastSmallerInner(entries []innerEntry[K], key K) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.cmp(entries[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

func (t *Tree[K, V]) childIndex(n *innerNode[K, V], key K, bound searchBound) int {
	if bound == boundLastSmaller {
		return t.lastSmallerInner(n.entries, key)
	}
	return t.lastSmallerEqualInner(n.entries, key)
}

func inRangeNode[K any, V any](t *Tree[K, V], n node[K, V], key K, bound searchBound) bool {
	switch v := n.(type) {
	case *innerNode[K, V]:
		return isInRange(t.cmp, t.nullKey, v.lowKey, v.highKey, key, bound == boundLastSmaller)
	case *leafNode[K, V]:
		return isInRange(t.cmp, t.nullKey, v.lowKey, v.highKey, key, bound == boundLastSmaller)
	default:
		return false
	}
}

// fixStack re-reads the node stack from the top, without the cache, popping
// entries whose range no longer covers key, until the top node's range does.
// The root always covers every key, so this terminates with a non-empty
// stack.
func (t *Tree[K, V]) fixStack(oc *opContext[K, V], key K, bound searchBound) (*nodePointer[K, V], error) {
	for {
		if len(oc.stack) == 0 {
			return nil, fmt.Errorf("bdtree: stack repair exhausted the root")
		}
		lptr := oc.top()
		np, err := t.cache.getWithoutCache(oc, lptr)
		if err != nil {
			return nil, err
		}
		if np != nil && inRangeNode(t, np.mat, key, bound) {
			return np, nil
		}
		oc.pop()
	}
}

// lowerBoundNode descends from the root to the leaf covering key (spec
// §4.4). cacheUse selects whether intermediate reads go through the tx_id
// cache or force a fresh read (used by the CAS retry loops in leafops.go).
func (t *Tree[K, V]) lowerBoundNode(oc *opContext[K, V], key K, bound searchBound, cacheUse cacheUseMode) (*nodePointer[K, V], error) {
	oc.reset()
	for {
		lptr := oc.top()
		var np *nodePointer[K, V]
		var err error
		if cacheUse == cacheUseCurrent {
			np, err = t.cache.getCurrentFromCache(oc, lptr)
		} else {
			np, err = t.cache.getWithoutCache(oc, lptr)
		}
		if err != nil {
			return nil, err
		}
		if np == nil || !inRangeNode(t, np.mat, key, bound) {
			np, err = t.fixStack(oc, key, bound)
			if err != nil {
				return nil, err
			}
		}
		switch n := np.mat.(type) {
		case *innerNode[K, V]:
			idx := t.childIndex(n, key, bound)
			if idx < 0 || idx >= len(n.entries) {
				return nil, fmt.Errorf("bdtree: no child covers key in inner node")
			}
			oc.push(n.entries[idx].Child)
		case *leafNode[K, V]:
			return np, nil
		}
	}
}

// lowerBoundNodeBound is lower_node_bound: a fresh operation context
// descending with LastSmallerEqual semantics for ordinary lookups.
func (t *Tree[K, V]) lowerBoundNodeBound(ctx context.Context, key K) (*nodePointer[K, V], *opContext[K, V], error) {
	oc := newOpContext[K, V](ctx, t)
	np, err := t.lowerBoundNode(oc, key, boundLastSmallerEqual, cacheUseCurrent)
	if err != nil {
		return nil, nil, err
	}
	return np, oc, nil
}
