package memstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tellproject/bdtree"
	"github.com/tellproject/bdtree/internal/memstore"
)

func TestPointerTableCASSemantics(t *testing.T) {
	ctx := context.Background()
	pt := memstore.NewPointerTable()

	l, err := pt.AllocateNext(ctx)
	require.NoError(t, err)

	_, _, err = pt.Read(ctx, l)
	require.ErrorIs(t, err, bdtree.ErrNotFound)

	v, err := pt.Insert(ctx, l, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)

	_, err = pt.Insert(ctx, l, 11)
	require.ErrorIs(t, err, bdtree.ErrExists)

	_, err = pt.Update(ctx, l, 20, 99)
	require.Error(t, err)
	wv, ok := bdtree.AsWrongVersion(err)
	require.True(t, ok)
	require.Equal(t, uint64(1), wv.Current)

	v2, err := pt.Update(ctx, l, 20, v)
	require.NoError(t, err)
	require.Equal(t, uint64(2), v2)

	p, version, err := pt.Read(ctx, l)
	require.NoError(t, err)
	require.Equal(t, bdtree.PhysicalPointer(20), p)
	require.Equal(t, v2, version)

	require.ErrorIs(t, pt.Remove(ctx, l, 1), bdtree.ErrWrongVersion)
	require.NoError(t, pt.Remove(ctx, l, v2))
	require.ErrorIs(t, pt.Remove(ctx, l, v2), bdtree.ErrNotFound)
}

func TestNodeTableWriteOnce(t *testing.T) {
	ctx := context.Background()
	nt := memstore.NewNodeTable()

	p, err := nt.AllocateNext(ctx)
	require.NoError(t, err)

	require.NoError(t, nt.Insert(ctx, p, []byte("blob")))
	require.ErrorIs(t, nt.Insert(ctx, p, []byte("other")), bdtree.ErrExists)

	got, err := nt.Read(ctx, p)
	require.NoError(t, err)
	require.Equal(t, []byte("blob"), got)

	require.NoError(t, nt.Remove(ctx, p))
	_, err = nt.Read(ctx, p)
	require.ErrorIs(t, err, bdtree.ErrNotFound)
}
