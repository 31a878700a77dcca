package sqlite_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tellproject/bdtree"
	"github.com/tellproject/bdtree/storage/sqlite"
)

type u64Codec struct{}

func (u64Codec) Encode(k uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], k)
	return b[:]
}
func (u64Codec) Decode(b []byte) (uint64, int, error) { return binary.BigEndian.Uint64(b[:8]), 8, nil }

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

func TestSQLiteHostRoundTrip(t *testing.T) {
	ctx := context.Background()
	host, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Close() })

	require.NoError(t, bdtree.Bootstrap[uint64, string](ctx, 0, u64Codec{}, strCodec{}, host.PointerTableView(), host.NodeTableView()))

	tr, err := bdtree.New[uint64, string](cmpU64, 0, u64Codec{}, strCodec{}, host.PointerTableView(), host.NodeTableView())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	for i := uint64(1); i <= 50; i++ {
		ok, err := tr.Insert(ctx, i, "v")
		require.NoError(t, err)
		require.True(t, ok)
	}
	for i := uint64(1); i <= 50; i++ {
		_, found, err := tr.Find(ctx, i)
		require.NoError(t, err)
		require.True(t, found)
	}
}

func TestSQLitePointerCAS(t *testing.T) {
	ctx := context.Background()
	host, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Close() })

	pt := host.PointerTableView()
	l, err := pt.AllocateNext(ctx)
	require.NoError(t, err)

	v1, err := pt.Insert(ctx, l, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1)

	_, err = pt.Insert(ctx, l, 6)
	require.ErrorIs(t, err, bdtree.ErrExists)

	_, err = pt.Update(ctx, l, 7, 0)
	require.Error(t, err)
	wv, ok := bdtree.AsWrongVersion(err)
	require.True(t, ok)
	require.Equal(t, uint64(1), wv.Current)

	v2, err := pt.Update(ctx, l, 7, v1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), v2)
}
