package bdtree

import (
	"context"
	"fmt"
)

// Tree is the public ordered-map API: Find, Insert, Erase, and bidirectional
// iteration via Begin/End/IteratorAt. K and V are type parameters; the
// caller supplies a Comparator, a null key sentinel, and codecs.
type Tree[K any, V any] struct {
	cfg Config

	cmp     Comparator[K]
	nullKey K
	codec   codec[K, V]

	ptrTable  PointerTable
	nodeTable NodeTable

	cache *logicalCache[K, V]
	epoch *EpochManager
	txGen txIDGenerator
}

// New constructs a Tree over an already-initialized pair of host tables. The
// caller is responsible for having bootstrapped the root: pointer-table entry
// RootPointer must already map to a physical blob encoding an empty leaf
// node with lowKey = nullKey, no highKey, and rightLink = 0 (see Bootstrap).
func New[K any, V any](
	cmp Comparator[K],
	nullKey K,
	keyCodec KeyCodec[K],
	valCodec ValueCodec[V],
	ptrTable PointerTable,
	nodeTable NodeTable,
	opts ...Option,
) (*Tree[K, V], error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	epoch := NewEpochManager()
	t := &Tree[K, V]{
		cfg:       cfg,
		cmp:       cmp,
		nullKey:   nullKey,
		codec:     codec[K, V]{key: keyCodec, val: valCodec},
		ptrTable:  ptrTable,
		nodeTable: nodeTable,
		epoch:     epoch,
	}
	t.cache = newLogicalCache[K, V](cfg.CacheBuckets, cfg.Metrics, epoch)
	return t, nil
}

// Close stops the background epoch reclaimer. It does not touch the host
// tables, which the caller owns.
func (t *Tree[K, V]) Close() error { return t.epoch.Close() }

// Bootstrap initializes an empty tree's host tables: it inserts an empty leaf
// at a fresh physical pointer and binds RootPointer to it with version 1.
// Call this once, before any Tree is constructed over the tables, when the
// tables are genuinely empty (e.g. a brand-new in-memory or SQLite-backed
// store).
func Bootstrap[K any, V any](ctx context.Context, nullKey K, keyCodec KeyCodec[K], valCodec ValueCodec[V], ptrTable PointerTable, nodeTable NodeTable) error {
	c := codec[K, V]{key: keyCodec, val: valCodec}
	root := &leafNode[K, V]{lowKey: nullKey, highKey: none[K](), rightLink: 0}
	p, err := nodeTable.AllocateNext(ctx)
	if err != nil {
		return fmt.Errorf("bdtree: bootstrap allocate physical pointer: %w", err)
	}
	if err := nodeTable.Insert(ctx, p, c.encode(root)); err != nil {
		return fmt.Errorf("bdtree: bootstrap insert root blob: %w", err)
	}
	l, err := ptrTable.AllocateNext(ctx)
	if err != nil {
		return fmt.Errorf("bdtree: bootstrap allocate logical pointer: %w", err)
	}
	if l != RootPointer {
		return fmt.Errorf("bdtree: bootstrap expected first logical pointer to be RootPointer(%d), got %d; tables must be empty", RootPointer, l)
	}
	if _, err := ptrTable.Insert(ctx, RootPointer, p); err != nil {
		return fmt.Errorf("bdtree: bootstrap bind root pointer: %w", err)
	}
	return nil
}

// Find returns the value for key and true, or the zero value and false.
func (t *Tree[K, V]) Find(ctx context.Context, key K) (V, bool, error) {
	var zero V
	oc := newOpContext[K, V](ctx, t)
	np, err := t.lowerBoundNode(oc, key, boundLastSmallerEqual, cacheUseCurrent)
	if err != nil {
		return zero, false, err
	}
	leaf := np.asLeaf()
	idx := t.lowerBoundLeaf(leaf.entries, key)
	if idx < len(leaf.entries) && t.cmp(leaf.entries[idx].Key, key) == 0 {
		return leaf.entries[idx].Value, true, nil
	}
	return zero, false, nil
}

// Insert adds (key, value) and returns true, or returns false if key already
// exists. It never returns an error for a plain duplicate-key conflict;
// returned errors always indicate a backend fault.
func (t *Tree[K, V]) Insert(ctx context.Context, key K, value V) (bool, error) {
	return t.execLeafOp(ctx, key, &insertOp[K, V]{key: key, value: value})
}

// Erase removes key and returns true, or returns false if key is absent.
func (t *Tree[K, V]) Erase(ctx context.Context, key K) (bool, error) {
	return t.execLeafOp(ctx, key, &deleteOp[K, V]{key: key})
}

// Stats exposes the cache diagnostic counters.
func (t *Tree[K, V]) Stats() Stats { return t.cache.stats() }
