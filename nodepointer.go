package bdtree

import (
	"sync"
	"sync/atomic"
)

// nodePointer is the cache's resolved view of a logical pointer.
// ptr/lptr/rcVersion are immutable after construction; mat (the resolved
// materialized node) is filled in lazily by resolve and then immutable; old
// chains to the previous cached image of the same logical pointer for
// epoch-based reclamation.
type nodePointer[K any, V any] struct {
	lptr      LogicalPointer
	ptr       PhysicalPointer
	rcVersion uint64
	lastTxID  atomic.Uint64

	resolveOnce onceErr
	mat         node[K, V]

	old *nodePointer[K, V]
}

func newNodePointer[K any, V any](lptr LogicalPointer, ptr PhysicalPointer, rcVersion uint64) *nodePointer[K, V] {
	return &nodePointer[K, V]{lptr: lptr, ptr: ptr, rcVersion: rcVersion}
}

func (np *nodePointer[K, V]) isRoot() bool { return np.lptr == RootPointer }

// resolve fills in np.mat on first use (node_pointer::resolve). Subsequent
// calls are free. Returns errHelpedAway if resolving this pointer delegated
// to a structure-modifying helper; the caller must restart.
func (np *nodePointer[K, V]) resolve(oc *opContext[K, V]) error {
	return np.resolveOnce.do(func() error {
		base, basePtr, pptrs, deltas, err := oc.tree.walkChain(oc, np.lptr, np.ptr, np.rcVersion)
		if err != nil {
			return err
		}
		merged, err := oc.tree.applyDeltas(base, basePtr, pptrs, deltas)
		if err != nil {
			return err
		}
		np.mat = merged
		return nil
	})
}

func (np *nodePointer[K, V]) asLeaf() *leafNode[K, V]   { return np.mat.(*leafNode[K, V]) }
func (np *nodePointer[K, V]) asInner() *innerNode[K, V] { return np.mat.(*innerNode[K, V]) }

// onceErr is a sync.Once that remembers the error from its first (and only)
// successful function execution, re-running the function on every call until
// one succeeds. A split/remove/merge delta walk (errHelpedAway) must *not*
// be remembered as permanent — a later caller re-resolving the same
// nodePointer after the helper completes should retry the walk, so onceErr
// only latches on nil error.
type onceErr struct {
	mu   sync.Mutex
	done bool
}

func (o *onceErr) do(f func() error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return nil
	}
	err := f()
	if err == nil {
		o.done = true
	}
	return err
}
