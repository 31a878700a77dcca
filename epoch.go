package bdtree

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// EpochManager defers reclamation of node-pointer chains that a concurrent
// writer has already replaced in the cache until no reader could still be
// dereferencing them: a thread-local allocator scope defines an epoch, and a
// retired value is only freed once every thread has observed a later epoch.
// It generalizes a CoW-tree-style epoch reclaimer from a fixed node type to
// an arbitrary retired value plus its release function.
type EpochManager struct {
	global  atomic.Uint64
	readers sync.Map // reader id -> *atomic.Uint64 (epoch the reader entered at, or max uint64 if idle)
	nextID  atomic.Uint64

	mu      sync.Mutex
	retired map[uint64][]func()

	group  *errgroup.Group
	cancel context.CancelFunc
}

const epochIdle = ^uint64(0)

// NewEpochManager starts the background reclaimer loop, a golang.org/x/sync
// errgroup-supervised goroutine that periodically advances the epoch and
// reclaims anything retired before the oldest active reader.
func NewEpochManager() *EpochManager {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	em := &EpochManager{retired: make(map[uint64][]func()), group: g, cancel: cancel}
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				em.Advance()
				em.TryReclaim()
			}
		}
	})
	return em
}

// ReaderGuard marks a goroutine as "inside" the current epoch; callers must
// Leave it before returning (defer guard.Leave()).
type ReaderGuard struct {
	em    *EpochManager
	id    uint64
	epoch *atomic.Uint64
}

func (em *EpochManager) Enter() *ReaderGuard {
	id := em.nextID.Add(1)
	epoch := new(atomic.Uint64)
	epoch.Store(em.global.Load())
	em.readers.Store(id, epoch)
	return &ReaderGuard{em: em, id: id, epoch: epoch}
}

func (g *ReaderGuard) Leave() {
	g.epoch.Store(epochIdle)
	g.em.readers.Delete(g.id)
}

// Advance bumps the global epoch counter.
func (em *EpochManager) Advance() uint64 { return em.global.Add(1) }

func (em *EpochManager) CurrentEpoch() uint64 { return em.global.Load() }

// Retire schedules release to run once every reader has advanced past the
// current epoch.
func (em *EpochManager) Retire(release func()) {
	epoch := em.CurrentEpoch()
	em.mu.Lock()
	em.retired[epoch] = append(em.retired[epoch], release)
	em.mu.Unlock()
}

func (em *EpochManager) findMinActiveEpoch() uint64 {
	min := em.CurrentEpoch()
	em.readers.Range(func(_, v interface{}) bool {
		e := v.(*atomic.Uint64).Load()
		if e != epochIdle && e < min {
			min = e
		}
		return true
	})
	return min
}

// TryReclaim releases everything retired in an epoch strictly before the
// oldest epoch any active reader might still observe.
func (em *EpochManager) TryReclaim() int {
	safe := em.findMinActiveEpoch()
	em.mu.Lock()
	var toRun []func()
	for epoch, fns := range em.retired {
		if epoch < safe {
			toRun = append(toRun, fns...)
			delete(em.retired, epoch)
		}
	}
	em.mu.Unlock()
	for _, fn := range toRun {
		fn()
	}
	return len(toRun)
}

func (em *EpochManager) PendingCount() int {
	em.mu.Lock()
	defer em.mu.Unlock()
	n := 0
	for _, fns := range em.retired {
		n += len(fns)
	}
	return n
}

// Close stops the background reclaimer and releases everything outstanding.
func (em *EpochManager) Close() error {
	em.cancel()
	err := em.group.Wait()
	em.mu.Lock()
	var toRun []func()
	for epoch, fns := range em.retired {
		toRun = append(toRun, fns...)
		delete(em.retired, epoch)
	}
	em.mu.Unlock()
	for _, fn := range toRun {
		fn()
	}
	return err
}
