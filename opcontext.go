package bdtree

import "context"

// opContext is the per-call state threaded through descent, resolve, and the
// structure-modifying operations. It omits an explicit debug lock-tracking
// set; Go's race detector already covers that concern.
type opContext[K any, V any] struct {
	ctx   context.Context
	tree  *Tree[K, V]
	txID  uint64
	stack []LogicalPointer // root-to-current, grows on descent
}

func newOpContext[K any, V any](ctx context.Context, t *Tree[K, V]) *opContext[K, V] {
	return &opContext[K, V]{ctx: ctx, tree: t, txID: t.txGen.Next()}
}

func (oc *opContext[K, V]) push(l LogicalPointer) { oc.stack = append(oc.stack, l) }

func (oc *opContext[K, V]) pop() LogicalPointer {
	n := len(oc.stack)
	l := oc.stack[n-1]
	oc.stack = oc.stack[:n-1]
	return l
}

func (oc *opContext[K, V]) top() LogicalPointer { return oc.stack[len(oc.stack)-1] }

func (oc *opContext[K, V]) reset() { oc.stack = oc.stack[:0]; oc.push(RootPointer) }
