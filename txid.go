package bdtree

import "sync/atomic"

// txIDGenerator is the monotonic global counter that stamps every operation
// context: the only process-wide mutable state in the tree, used purely for
// the per-client cache's visibility rule.
type txIDGenerator struct {
	counter atomic.Uint64
}

// Next returns a fresh, strictly increasing id for a new operation context.
func (g *txIDGenerator) Next() uint64 { return g.counter.Add(1) }

// Last returns the highest id handed out so far, used as the freshness floor
// when installing a cache entry read just now.
func (g *txIDGenerator) Last() uint64 { return g.counter.Load() }
