package bdtree

import (
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// logicalCache is the per-client cache of resolved node pointers keyed by
// logical pointer, sharded by bucket for concurrency. Each shard is guarded
// by a plain mutex rather than a lock-free double-word CAS bucket — see
// DESIGN.md for why that trade is made — but the tx_id visibility rule, the
// old-entry chain, and invalidate/invalidate-if-older semantics are preserved
// exactly.
type logicalCache[K any, V any] struct {
	shards  []cacheShard[K, V]
	sf      singleflight.Group
	metrics *Metrics
	epoch   *EpochManager
}

type cacheShard[K any, V any] struct {
	mu      sync.Mutex
	entries map[LogicalPointer]*nodePointer[K, V]
}

func newLogicalCache[K any, V any](buckets int, metrics *Metrics, epoch *EpochManager) *logicalCache[K, V] {
	c := &logicalCache[K, V]{shards: make([]cacheShard[K, V], buckets), metrics: metrics, epoch: epoch}
	for i := range c.shards {
		c.shards[i].entries = make(map[LogicalPointer]*nodePointer[K, V])
	}
	return c
}

func (c *logicalCache[K, V]) shardFor(l LogicalPointer) *cacheShard[K, V] {
	return &c.shards[uint64(l)%uint64(len(c.shards))]
}

// getFromCache is a snapshot-agnostic read that ignores tx_id freshness,
// achieved by temporarily pretending the caller's tx is 0 (the oldest
// possible). Nothing in the package calls it; stack repair reads through
// getWithoutCache.
func (c *logicalCache[K, V]) getFromCache(oc *opContext[K, V], l LogicalPointer) (*nodePointer[K, V], error) {
	saved := oc.txID
	oc.txID = 0
	np, err := c.getCurrentFromCache(oc, l)
	oc.txID = saved
	return np, err
}

// getCurrentFromCache uses the cached entry only if it is at least as fresh
// as the caller's tx_id and resolves cleanly; otherwise it falls back to a
// fresh read.
func (c *logicalCache[K, V]) getCurrentFromCache(oc *opContext[K, V], l LogicalPointer) (*nodePointer[K, V], error) {
	shard := c.shardFor(l)
	shard.mu.Lock()
	np := shard.entries[l]
	shard.mu.Unlock()

	if np != nil && np.lastTxID.Load() >= oc.txID {
		if err := np.resolve(oc); err == nil {
			c.metrics.hit()
			return np, nil
		}
	}
	c.metrics.miss()
	return c.getWithoutCache(oc, l)
}

// getWithoutCache re-reads the pointer table, installs the result into the
// cache (keeping the higher rc_version; a replaced entry becomes the new
// entry's old link), then resolves; it loops if resolve delegated to an SMO helper
// (errHelpedAway). Returns (nil, nil) if the logical pointer does not exist
// (the caller's node was concurrently removed).
//
// Concurrent cold reads of the same logical pointer are deduplicated with
// singleflight, so a thundering herd of readers behind a freshly-split node
// issues one pointer-table read instead of N.
func (c *logicalCache[K, V]) getWithoutCache(oc *opContext[K, V], l LogicalPointer) (*nodePointer[K, V], error) {
	for {
		v, err, _ := c.sf.Do(strconv.FormatUint(uint64(l), 10), func() (interface{}, error) {
			txid := oc.tree.txGen.Last()
			p, version, err := oc.tree.ptrTable.Read(oc.ctx, l)
			if isNotFound(err) {
				return (*nodePointer[K, V])(nil), nil
			}
			if err != nil {
				return nil, err
			}
			np := newNodePointer[K, V](l, p, version)
			installed := c.install(l, np, txid)
			return installed, nil
		})
		if err != nil {
			return nil, err
		}
		np, _ := v.(*nodePointer[K, V])
		if np == nil {
			return nil, nil
		}
		rerr := np.resolve(oc)
		if rerr == nil {
			return np, nil
		}
		if rerr == errHelpedAway {
			c.metrics.casRetry()
			continue
		}
		return nil, rerr
	}
}

// install places np into the cache if the slot is empty or np has the higher
// rc_version; the replaced entry becomes np's old link. Otherwise np is
// dropped and the existing entry is kept. lastTxID of the kept entry is
// bumped to max(existing, txid).
func (c *logicalCache[K, V]) install(l LogicalPointer, np *nodePointer[K, V], txid uint64) *nodePointer[K, V] {
	shard := c.shardFor(l)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	existing := shard.entries[l]
	var winner *nodePointer[K, V]
	if existing == nil || existing.rcVersion < np.rcVersion {
		np.old = existing
		shard.entries[l] = np
		winner = np
		c.retireChainTail(np)
	} else {
		winner = existing
	}
	bumpTxID(&winner.lastTxID, txid)
	return winner
}

// retireChainTail bounds the old-entry chain: once a new entry wins a slot,
// the entry it replaced keeps a link to the entry two generations back, which
// no in-flight resolve reaches (resolve only ever looks at the entry it was
// handed), so the replaced entry's old-entry link is scheduled for
// epoch-guarded release rather than kept alive indefinitely by the chain.
func (c *logicalCache[K, V]) retireChainTail(np *nodePointer[K, V]) {
	if c.epoch == nil || np.old == nil {
		return
	}
	grandparent := np.old
	c.epoch.Retire(func() { grandparent.old = nil })
}

// addEntry publishes a freshly-written node pointer after a successful CAS
// (a leaf op, split, or merge write-back), per the same higher-rc_version-wins
// rule. Returns false if a newer entry already won.
func (c *logicalCache[K, V]) addEntry(np *nodePointer[K, V], txid uint64) bool {
	shard := c.shardFor(np.lptr)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	existing := shard.entries[np.lptr]
	if existing == nil {
		np.lastTxID.Store(txid)
		shard.entries[np.lptr] = np
		return true
	}
	if existing.rcVersion < np.rcVersion {
		np.old = existing
		shard.entries[np.lptr] = np
		bumpTxID(&np.lastTxID, txid)
		c.retireChainTail(np)
		return true
	}
	return false
}

func (c *logicalCache[K, V]) invalidate(l LogicalPointer) {
	shard := c.shardFor(l)
	shard.mu.Lock()
	delete(shard.entries, l)
	shard.mu.Unlock()
}

// invalidateIfOlder drops the slot iff its cached rc_version is strictly
// less than v (used after a WrongVersion CAS failure once the fresher
// version is known).
func (c *logicalCache[K, V]) invalidateIfOlder(l LogicalPointer, v uint64) {
	shard := c.shardFor(l)
	shard.mu.Lock()
	if e, ok := shard.entries[l]; ok && e.rcVersion < v {
		delete(shard.entries, l)
	}
	shard.mu.Unlock()
}

// Stats reports cache diagnostic counters.
type Stats struct {
	Entries        int
	MaxChainLength int
	AvgChainLength float64
}

func (c *logicalCache[K, V]) stats() Stats {
	var entries, maxChain, chainSum int
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		for _, e := range shard.entries {
			entries++
			length := 0
			for p := e.old; p != nil; p = p.old {
				length++
			}
			if length > maxChain {
				maxChain = length
			}
			chainSum += length
		}
		shard.mu.Unlock()
	}
	avg := 0.0
	if entries > 0 {
		avg = float64(chainSum) / float64(entries)
	}
	return Stats{Entries: entries, MaxChainLength: maxChain, AvgChainLength: avg}
}

func bumpTxID(a *atomic.Uint64, txid uint64) {
	for {
		cur := a.Load()
		if cur >= txid {
			return
		}
		if a.CompareAndSwap(cur, txid) {
			return
		}
	}
}
