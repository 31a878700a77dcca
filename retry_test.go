package bdtree_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/tellproject/bdtree"
	"github.com/tellproject/bdtree/internal/memstore"
	"github.com/tellproject/bdtree/internal/storetest"
)

// TestInsertRetriesOnWrongVersion scripts a single injected WrongVersion CAS
// failure on the pointer table's Update call and checks that Insert
// transparently refreshes its cached node and succeeds on the next attempt,
// without the caller ever observing the conflict.
func TestInsertRetriesOnWrongVersion(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	real := memstore.NewPointerTable()
	nodeTable := memstore.NewNodeTable()
	mockPtr := storetest.NewMockPointerTable(ctrl)

	// Bootstrap and the first probing reads pass straight through to the
	// real table so the tree actually has a root to operate on.
	mockPtr.EXPECT().AllocateNext(gomock.Any()).DoAndReturn(real.AllocateNext).AnyTimes()
	mockPtr.EXPECT().Read(gomock.Any(), gomock.Any()).DoAndReturn(real.Read).AnyTimes()
	mockPtr.EXPECT().Insert(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(real.Insert).AnyTimes()
	mockPtr.EXPECT().Remove(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(real.Remove).AnyTimes()

	require.NoError(t, bdtree.Bootstrap[uint64, string](ctx, 0, u64Codec{}, strCodec{}, mockPtr, nodeTable))

	_, curVersion, err := real.Read(ctx, bdtree.RootPointer)
	require.NoError(t, err)

	firstUpdate := mockPtr.EXPECT().
		Update(gomock.Any(), bdtree.RootPointer, gomock.Any(), curVersion).
		Return(uint64(0), &bdtree.WrongVersionError{Current: curVersion}).
		Times(1)
	mockPtr.EXPECT().
		Update(gomock.Any(), bdtree.RootPointer, gomock.Any(), gomock.Any()).
		DoAndReturn(real.Update).
		After(firstUpdate).
		AnyTimes()

	tree, err := bdtree.New[uint64, string](cmpU64, 0, u64Codec{}, strCodec{}, mockPtr, nodeTable)
	require.NoError(t, err)
	defer tree.Close()

	inserted, err := tree.Insert(ctx, 42, "answer")
	require.NoError(t, err)
	require.True(t, inserted)

	v, ok, err := tree.Find(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "answer", v)

	stats := tree.Stats()
	require.GreaterOrEqual(t, stats.Entries, 1)
}
