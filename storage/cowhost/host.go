// Package cowhost is an in-process host for bdtree.PointerTable and
// bdtree.NodeTable, backed by two lock-free copy-on-write B+ trees instead of
// the plain mutex-guarded maps in internal/memstore. Reads never block a
// concurrent writer; the CoW trees serialize their own writers internally.
//
// Unlike memstore, which stores the (physical pointer, version) pair as a
// single map entry guarded by one mutex, Host layers its own optimistic
// version on top of CowBTree's key-value semantics: the pointer table's
// value blob is a fixed 16-byte record of (physical pointer, version), and
// Update/Remove read-modify-write it under a dedicated per-table mutex so
// the CAS itself stays atomic even though the underlying tree's Insert does
// not take a previous-value precondition.
package cowhost

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tellproject/bdtree"
)

// Host implements bdtree.PointerTable and bdtree.NodeTable over two
// independent CowBTrees, one for each table.
type Host struct {
	ptrTree  *CowBTree
	nodeTree *CowBTree

	ptrMu    sync.Mutex // serializes pointer-table read-modify-write CAS
	nextPtr  uint64
	nextNode uint64
}

// New returns an empty Host. Call bdtree.Bootstrap on it before constructing
// a bdtree.Tree, exactly as with any other fresh pair of host tables.
func New() *Host {
	return &Host{
		ptrTree:  NewCowBTree(),
		nodeTree: NewCowBTree(),
	}
}

// Close releases both underlying trees.
func (h *Host) Close() error {
	if err := h.ptrTree.Close(); err != nil {
		return err
	}
	return h.nodeTree.Close()
}

func keyOf(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func encodePointerRecord(p bdtree.PhysicalPointer, version uint64) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(p))
	binary.BigEndian.PutUint64(b[8:16], version)
	return b[:]
}

func decodePointerRecord(b []byte) (bdtree.PhysicalPointer, uint64, error) {
	if len(b) != 16 {
		return 0, 0, fmt.Errorf("cowhost: corrupt pointer record of length %d", len(b))
	}
	return bdtree.PhysicalPointer(binary.BigEndian.Uint64(b[0:8])), binary.BigEndian.Uint64(b[8:16]), nil
}

// AllocateNext returns a fresh logical pointer. The first call returns
// bdtree.RootPointer so Host satisfies Bootstrap's invariant unmodified.
func (h *Host) AllocateNext(ctx context.Context) (bdtree.LogicalPointer, error) {
	return bdtree.LogicalPointer(atomic.AddUint64(&h.nextPtr, 1)), nil
}

// Read returns the (physical pointer, version) bound to l.
func (h *Host) Read(ctx context.Context, l bdtree.LogicalPointer) (bdtree.PhysicalPointer, uint64, error) {
	raw, err := h.ptrTree.Get(keyOf(uint64(l)))
	if err != nil {
		if err == ErrKeyNotFound {
			return 0, 0, bdtree.ErrNotFound
		}
		return 0, 0, err
	}
	return decodePointerRecord(raw)
}

// Insert binds l to p at version 1. It fails with bdtree.ErrExists if l is
// already bound.
func (h *Host) Insert(ctx context.Context, l bdtree.LogicalPointer, p bdtree.PhysicalPointer) (uint64, error) {
	h.ptrMu.Lock()
	defer h.ptrMu.Unlock()

	if _, err := h.ptrTree.Get(keyOf(uint64(l))); err == nil {
		return 0, bdtree.ErrExists
	}
	if err := h.ptrTree.Insert(keyOf(uint64(l)), encodePointerRecord(p, 1)); err != nil {
		return 0, err
	}
	return 1, nil
}

// Update rewrites l to point at newP iff its stored version equals
// expectedVersion, returning the new version on success.
func (h *Host) Update(ctx context.Context, l bdtree.LogicalPointer, newP bdtree.PhysicalPointer, expectedVersion uint64) (uint64, error) {
	h.ptrMu.Lock()
	defer h.ptrMu.Unlock()

	raw, err := h.ptrTree.Get(keyOf(uint64(l)))
	if err != nil {
		if err == ErrKeyNotFound {
			return 0, bdtree.ErrNotFound
		}
		return 0, err
	}
	_, current, err := decodePointerRecord(raw)
	if err != nil {
		return 0, err
	}
	if current != expectedVersion {
		return 0, &bdtree.WrongVersionError{Current: current}
	}
	newVersion := current + 1
	if err := h.ptrTree.Insert(keyOf(uint64(l)), encodePointerRecord(newP, newVersion)); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// Remove unbinds l iff its stored version equals expectedVersion.
func (h *Host) Remove(ctx context.Context, l bdtree.LogicalPointer, expectedVersion uint64) error {
	h.ptrMu.Lock()
	defer h.ptrMu.Unlock()

	raw, err := h.ptrTree.Get(keyOf(uint64(l)))
	if err != nil {
		if err == ErrKeyNotFound {
			return bdtree.ErrNotFound
		}
		return err
	}
	_, current, err := decodePointerRecord(raw)
	if err != nil {
		return err
	}
	if current != expectedVersion {
		return &bdtree.WrongVersionError{Current: current}
	}
	return h.ptrTree.Delete(keyOf(uint64(l)))
}

// AllocateNextNode returns a fresh physical pointer for NodeTable.
func (h *Host) AllocateNextNode(ctx context.Context) (bdtree.PhysicalPointer, error) {
	return bdtree.PhysicalPointer(atomic.AddUint64(&h.nextNode, 1)), nil
}

// ReadNode returns the blob bound to p.
func (h *Host) ReadNode(ctx context.Context, p bdtree.PhysicalPointer) ([]byte, error) {
	raw, err := h.nodeTree.Get(keyOf(uint64(p)))
	if err != nil {
		if err == ErrKeyNotFound {
			return nil, bdtree.ErrNotFound
		}
		return nil, err
	}
	return raw, nil
}

// InsertNode binds p to data. Physical pointers are write-once: Insert fails
// with bdtree.ErrExists if p is already bound.
func (h *Host) InsertNode(ctx context.Context, p bdtree.PhysicalPointer, data []byte) error {
	if _, err := h.nodeTree.Get(keyOf(uint64(p))); err == nil {
		return bdtree.ErrExists
	}
	if err := h.nodeTree.Insert(keyOf(uint64(p)), data); err != nil {
		return err
	}
	return nil
}

// RemoveNode unbinds p.
func (h *Host) RemoveNode(ctx context.Context, p bdtree.PhysicalPointer) error {
	if err := h.nodeTree.Delete(keyOf(uint64(p))); err != nil {
		if err == ErrKeyNotFound {
			return bdtree.ErrNotFound
		}
		return err
	}
	return nil
}

// PointerTableView exposes the Host's pointer-table half as a standalone
// bdtree.PointerTable, so New's *Host can be split across the two host
// interfaces bdtree.New expects without an import cycle.
func (h *Host) PointerTableView() bdtree.PointerTable { return pointerView{h} }

// NodeTableView exposes the Host's node-table half as a standalone
// bdtree.NodeTable.
func (h *Host) NodeTableView() bdtree.NodeTable { return nodeView{h} }

type pointerView struct{ h *Host }

func (v pointerView) AllocateNext(ctx context.Context) (bdtree.LogicalPointer, error) {
	return v.h.AllocateNext(ctx)
}
func (v pointerView) Read(ctx context.Context, l bdtree.LogicalPointer) (bdtree.PhysicalPointer, uint64, error) {
	return v.h.Read(ctx, l)
}
func (v pointerView) Insert(ctx context.Context, l bdtree.LogicalPointer, p bdtree.PhysicalPointer) (uint64, error) {
	return v.h.Insert(ctx, l, p)
}
func (v pointerView) Update(ctx context.Context, l bdtree.LogicalPointer, newP bdtree.PhysicalPointer, expectedVersion uint64) (uint64, error) {
	return v.h.Update(ctx, l, newP, expectedVersion)
}
func (v pointerView) Remove(ctx context.Context, l bdtree.LogicalPointer, expectedVersion uint64) error {
	return v.h.Remove(ctx, l, expectedVersion)
}

type nodeView struct{ h *Host }

func (v nodeView) AllocateNext(ctx context.Context) (bdtree.PhysicalPointer, error) {
	return v.h.AllocateNextNode(ctx)
}
func (v nodeView) Read(ctx context.Context, p bdtree.PhysicalPointer) ([]byte, error) {
	return v.h.ReadNode(ctx, p)
}
func (v nodeView) Insert(ctx context.Context, p bdtree.PhysicalPointer, data []byte) error {
	return v.h.InsertNode(ctx, p, data)
}
func (v nodeView) Remove(ctx context.Context, p bdtree.PhysicalPointer) error {
	return v.h.RemoveNode(ctx, p)
}
