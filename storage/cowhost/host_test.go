package cowhost_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tellproject/bdtree"
	"github.com/tellproject/bdtree/storage/cowhost"
)

type uint64Codec struct{}

func (uint64Codec) Encode(k uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], k)
	return b[:]
}

func (uint64Codec) Decode(b []byte) (uint64, int, error) {
	if len(b) < 8 {
		return 0, 0, fmt.Errorf("short uint64")
	}
	return binary.BigEndian.Uint64(b[:8]), 8, nil
}

type stringCodec struct{}

func (stringCodec) Encode(v string) []byte { return []byte(v) }

func (stringCodec) Decode(b []byte) (string, int, error) { return string(b), len(b), nil }

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func newTestTree(t *testing.T) *bdtree.Tree[uint64, string] {
	t.Helper()
	host := cowhost.New()
	t.Cleanup(func() { _ = host.Close() })

	ctx := context.Background()
	require.NoError(t, bdtree.Bootstrap[uint64, string](ctx, 0, uint64Codec{}, stringCodec{}, host.PointerTableView(), host.NodeTableView()))

	tr, err := bdtree.New[uint64, string](cmpUint64, 0, uint64Codec{}, stringCodec{}, host.PointerTableView(), host.NodeTableView())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestHostInsertFindErase(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)

	ok, err := tr.Insert(ctx, 42, "answer")
	require.NoError(t, err)
	require.True(t, ok)

	v, found, err := tr.Find(ctx, 42)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "answer", v)

	ok, err = tr.Erase(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err = tr.Find(ctx, 42)
	require.NoError(t, err)
	require.False(t, found)
}

func TestHostManyKeysOrderedIteration(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)

	const n = 500
	for i := uint64(0); i < n; i++ {
		ok, err := tr.Insert(ctx, i, fmt.Sprintf("v%d", i))
		require.NoError(t, err)
		require.True(t, ok)
	}

	it, err := tr.Begin(ctx)
	require.NoError(t, err)
	var last uint64
	var count int
	for it.Valid() {
		if count > 0 {
			require.Greater(t, it.Key(), last)
		}
		last = it.Key()
		count++
		require.NoError(t, it.Next())
	}
	require.Equal(t, n, count)
}

func TestHostDuplicateInsertRejected(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)

	ok, err := tr.Insert(ctx, 7, "a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.Insert(ctx, 7, "b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPointerTableVersionCAS(t *testing.T) {
	ctx := context.Background()
	host := cowhost.New()
	t.Cleanup(func() { _ = host.Close() })

	pt := host.PointerTableView()
	l, err := pt.AllocateNext(ctx)
	require.NoError(t, err)

	v1, err := pt.Insert(ctx, l, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1)

	_, err = pt.Update(ctx, l, 200, 0)
	require.Error(t, err)
	wv, ok := bdtree.AsWrongVersion(err)
	require.True(t, ok)
	require.Equal(t, uint64(1), wv.Current)

	v2, err := pt.Update(ctx, l, 200, v1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), v2)

	p, version, err := pt.Read(ctx, l)
	require.NoError(t, err)
	require.Equal(t, bdtree.PhysicalPointer(200), p)
	require.Equal(t, v2, version)
}
