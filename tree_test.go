package bdtree_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tellproject/bdtree"
	"github.com/tellproject/bdtree/internal/memstore"
)

type u64Codec struct{}

func (u64Codec) Encode(k uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], k)
	return b[:]
}

func (u64Codec) Decode(b []byte) (uint64, int, error) {
	return binary.BigEndian.Uint64(b[:8]), 8, nil
}

type strCodec struct{}

func (strCodec) Encode(v string) []byte              { return []byte(v) }
func (strCodec) Decode(b []byte) (string, int, error) { return string(b), len(b), nil }

func cmpU64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// newSplittingTree uses a tiny MaxNodeSize/MinNodeSize so that a few dozen
// entries are enough to exercise splits without a large fixture. No test's
// erases bring a leaf below MinNodeSize, so merges are not reached.
func newSplittingTree(t *testing.T, opts ...bdtree.Option) *bdtree.Tree[uint64, string] {
	t.Helper()
	ptrTable := memstore.NewPointerTable()
	nodeTable := memstore.NewNodeTable()
	ctx := context.Background()

	require.NoError(t, bdtree.Bootstrap[uint64, string](ctx, 0, u64Codec{}, strCodec{}, ptrTable, nodeTable))

	allOpts := append([]bdtree.Option{bdtree.WithMaxNodeSize(160), bdtree.WithMinNodeSize(40)}, opts...)
	tr, err := bdtree.New[uint64, string](cmpU64, 0, u64Codec{}, strCodec{}, ptrTable, nodeTable, allOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestInsertFindErase(t *testing.T) {
	ctx := context.Background()
	tr := newSplittingTree(t)

	const n = 300
	for i := uint64(1); i <= n; i++ {
		ok, err := tr.Insert(ctx, i, fmt.Sprintf("v%d", i))
		require.NoError(t, err, "insert %d", i)
		require.True(t, ok)
	}

	for i := uint64(1); i <= n; i++ {
		v, found, err := tr.Find(ctx, i)
		require.NoError(t, err)
		require.True(t, found, "missing key %d", i)
		require.Equal(t, fmt.Sprintf("v%d", i), v)
	}

	for i := uint64(1); i <= n; i += 2 {
		ok, err := tr.Erase(ctx, i)
		require.NoError(t, err)
		require.True(t, ok)
	}
	for i := uint64(1); i <= n; i++ {
		_, found, err := tr.Find(ctx, i)
		require.NoError(t, err)
		require.Equal(t, i%2 == 0, found, "key %d", i)
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	tr := newSplittingTree(t)

	ok, err := tr.Insert(ctx, 1, "a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.Insert(ctx, 1, "b")
	require.NoError(t, err)
	require.False(t, ok)

	v, _, err := tr.Find(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "a", v)
}

func TestEraseAbsentRejected(t *testing.T) {
	ctx := context.Background()
	tr := newSplittingTree(t)

	ok, err := tr.Erase(ctx, 999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIteratorOrderingCoversAllKeys(t *testing.T) {
	ctx := context.Background()
	tr := newSplittingTree(t)

	const n = 200
	inserted := map[uint64]bool{}
	for i := uint64(0); i < n; i++ {
		key := (i * 2654435761) % 100003
		if inserted[key] {
			continue
		}
		inserted[key] = true
		ok, err := tr.Insert(ctx, key, fmt.Sprintf("v%d", key))
		require.NoError(t, err)
		require.True(t, ok)
	}

	it, err := tr.Begin(ctx)
	require.NoError(t, err)
	seen := map[uint64]bool{}
	var prev uint64
	first := true
	for it.Valid() {
		k := it.Key()
		if !first {
			require.Less(t, prev, k, "iterator must yield strictly increasing keys")
		}
		first = false
		prev = k
		seen[k] = true
		require.NoError(t, it.Next())
	}
	require.Equal(t, len(inserted), len(seen))
	for k := range inserted {
		require.True(t, seen[k], "iterator skipped key %d", k)
	}
}

func TestIteratorBidirectional(t *testing.T) {
	ctx := context.Background()
	tr := newSplittingTree(t)

	const n = 50
	for i := uint64(1); i <= n; i++ {
		ok, err := tr.Insert(ctx, i, fmt.Sprintf("v%d", i))
		require.NoError(t, err)
		require.True(t, ok)
	}

	end, err := tr.End(ctx)
	require.NoError(t, err)
	require.NoError(t, end.Prev())
	require.Equal(t, uint64(n), end.Key())

	for i := 0; i < int(n)-1; i++ {
		require.NoError(t, end.Prev())
	}
	require.Equal(t, uint64(1), end.Key())
}

func TestEraseIfUnmodified(t *testing.T) {
	ctx := context.Background()
	tr := newSplittingTree(t, bdtree.WithConsolidateAt(0))

	for i := uint64(1); i <= 3; i++ {
		ok, err := tr.Insert(ctx, i, fmt.Sprintf("v%d", i))
		require.NoError(t, err)
		require.True(t, ok)
	}

	it, err := tr.IteratorAt(ctx, 2)
	require.NoError(t, err)
	require.True(t, it.Valid())
	require.Equal(t, uint64(2), it.Key())

	outcome, err := it.EraseIfUnmodified(ctx)
	require.NoError(t, err)
	require.Contains(t, []bdtree.EraseOutcome{bdtree.EraseSuccess, bdtree.EraseMerged}, outcome)

	if outcome == bdtree.EraseSuccess {
		_, found, err := tr.Find(ctx, 2)
		require.NoError(t, err)
		require.False(t, found)
	}
}

func TestEraseIfUnmodifiedRequiresConsolidateAtZero(t *testing.T) {
	ctx := context.Background()
	tr := newSplittingTree(t) // default ConsolidateAt is non-zero

	ok, err := tr.Insert(ctx, 1, "a")
	require.NoError(t, err)
	require.True(t, ok)

	it, err := tr.Begin(ctx)
	require.NoError(t, err)
	_, err = it.EraseIfUnmodified(ctx)
	require.ErrorIs(t, err, bdtree.ErrConsolidateAtMustBeZero)
}
