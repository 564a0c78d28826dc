package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bootjp/tabletnode/kv"
	"github.com/bootjp/tabletnode/rowbatch"
)

func TestOrderedStoreManager_AppendsInCommitOrder(t *testing.T) {
	t.Parallel()

	m := NewOrderedStoreManager(NewMVCCStore(), kv.DefaultMountConfig())
	ctx := &WriteContext{Phase: WritePhaseCommit, CommitTimestamp: 3}
	require.True(t, m.ExecuteWrites(rowbatch.NewReader(batchOf("z", "a")), ctx))
	require.Equal(t, 2, ctx.RowCount)

	w := rowbatch.NewWriter()
	w.DeleteRow([]byte("z"))
	require.True(t, m.ExecuteWrites(rowbatch.NewReader(w.Finish()), &WriteContext{Phase: WritePhaseCommit, CommitTimestamp: 4}))
	require.Equal(t, int64(3), m.TotalRowCount())

	row, err := m.ReadRow(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("z"), row.Key)

	row, err = m.ReadRow(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), row.Key)
	require.Equal(t, []byte("v-a"), row.Value)

	row, err = m.ReadRow(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, rowbatch.CommandDeleteRow, row.Command)

	_, err = m.ReadRow(context.Background(), 3)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestOrderedStoreManager_RejectsLockingPhases(t *testing.T) {
	t.Parallel()

	m := NewOrderedStoreManager(NewMVCCStore(), kv.DefaultMountConfig())
	for _, phase := range []WritePhase{WritePhasePrelock, WritePhaseLock} {
		ctx := &WriteContext{Phase: phase, Transaction: newTestOwner(1)}
		require.False(t, m.ExecuteWrites(rowbatch.NewReader(batchOf("a")), ctx))
		require.ErrorIs(t, ctx.Error, ErrUnsupportedPhase)
	}
	require.Panics(t, func() { m.CommitRow(newTestOwner(1), RowRef{}) })
}

func TestOrderedStoreManager_SnapshotRestore(t *testing.T) {
	t.Parallel()

	m := NewOrderedStoreManager(NewMVCCStore(), kv.DefaultMountConfig())
	require.True(t, m.ExecuteWrites(rowbatch.NewReader(batchOf("a", "b")), &WriteContext{Phase: WritePhaseCommit, CommitTimestamp: 3}))

	snap, err := m.Snapshot()
	require.NoError(t, err)

	restored := NewOrderedStoreManager(NewMVCCStore(), kv.DefaultMountConfig())
	require.NoError(t, restored.Restore(snap))
	require.Equal(t, int64(2), restored.TotalRowCount())

	require.True(t, restored.ExecuteWrites(rowbatch.NewReader(batchOf("c")), &WriteContext{Phase: WritePhaseCommit, CommitTimestamp: 4}))
	row, err := restored.ReadRow(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, []byte("c"), row.Key)
}
