// Package memstore is a plain in-memory pair of host tables, used by the
// bdtree test suite and as the reference implementation of the
// PointerTable/NodeTable contract. It trades away cowhost's lock-free reads
// for a single guarding mutex per table, the simplest faithful host.
package memstore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tellproject/bdtree"
)

type pointerEntry struct {
	p       bdtree.PhysicalPointer
	version uint64
}

// PointerTable is an in-memory bdtree.PointerTable.
type PointerTable struct {
	mu      sync.Mutex
	entries map[bdtree.LogicalPointer]pointerEntry
	counter uint64
}

// NewPointerTable returns an empty pointer table.
func NewPointerTable() *PointerTable {
	return &PointerTable{entries: make(map[bdtree.LogicalPointer]pointerEntry)}
}

func (t *PointerTable) AllocateNext(ctx context.Context) (bdtree.LogicalPointer, error) {
	return bdtree.LogicalPointer(atomic.AddUint64(&t.counter, 1)), nil
}

func (t *PointerTable) Read(ctx context.Context, l bdtree.LogicalPointer) (bdtree.PhysicalPointer, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[l]
	if !ok {
		return 0, 0, bdtree.ErrNotFound
	}
	return e.p, e.version, nil
}

func (t *PointerTable) Insert(ctx context.Context, l bdtree.LogicalPointer, p bdtree.PhysicalPointer) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[l]; ok {
		return 0, bdtree.ErrExists
	}
	t.entries[l] = pointerEntry{p: p, version: 1}
	return 1, nil
}

func (t *PointerTable) Update(ctx context.Context, l bdtree.LogicalPointer, newP bdtree.PhysicalPointer, expectedVersion uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[l]
	if !ok {
		return 0, bdtree.ErrNotFound
	}
	if e.version != expectedVersion {
		return 0, &bdtree.WrongVersionError{Current: e.version}
	}
	e.p = newP
	e.version++
	t.entries[l] = e
	return e.version, nil
}

func (t *PointerTable) Remove(ctx context.Context, l bdtree.LogicalPointer, expectedVersion uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[l]
	if !ok {
		return bdtree.ErrNotFound
	}
	if e.version != expectedVersion {
		return &bdtree.WrongVersionError{Current: e.version}
	}
	delete(t.entries, l)
	return nil
}

// NodeTable is an in-memory bdtree.NodeTable of write-once byte blobs.
type NodeTable struct {
	mu      sync.Mutex
	blobs   map[bdtree.PhysicalPointer][]byte
	counter uint64
}

// NewNodeTable returns an empty node table.
func NewNodeTable() *NodeTable {
	return &NodeTable{blobs: make(map[bdtree.PhysicalPointer][]byte)}
}

func (t *NodeTable) AllocateNext(ctx context.Context) (bdtree.PhysicalPointer, error) {
	return bdtree.PhysicalPointer(atomic.AddUint64(&t.counter, 1)), nil
}

func (t *NodeTable) Read(ctx context.Context, p bdtree.PhysicalPointer) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.blobs[p]
	if !ok {
		return nil, bdtree.ErrNotFound
	}
	return append([]byte{}, b...), nil
}

func (t *NodeTable) Insert(ctx context.Context, p bdtree.PhysicalPointer, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.blobs[p]; ok {
		return bdtree.ErrExists
	}
	t.blobs[p] = append([]byte{}, data...)
	return nil
}

func (t *NodeTable) Remove(ctx context.Context, p bdtree.PhysicalPointer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.blobs[p]; !ok {
		return bdtree.ErrNotFound
	}
	delete(t.blobs, p)
	return nil
}
