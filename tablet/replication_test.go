package tablet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bootjp/tabletnode/kv"
)

func (c *testCell) replica(t testingT, tabletID kv.TabletID, id kv.ReplicaID) ReplicaInfo {
	t.Helper()
	var info ReplicaInfo
	c.withLock(func() {
		tablet := c.slot.FindTablet(tabletID)
		require.NotNil(t, tablet)
		r := tablet.FindReplicaInfo(id)
		require.NotNil(t, r)
		info = *r
	})
	return info
}

type replicatedFixture struct {
	leader    *testCell
	followers []*testCell
	cells     []*testCell
	cfg       kv.TabletConfig
	tablet    *Tablet
	syncID    kv.ReplicaID
	asyncID   kv.ReplicaID
	clock     *kv.HLC
}

func newReplicatedFixture(t *testing.T) *replicatedFixture {
	t.Helper()
	leader, followers := newTestCluster(t, testConfig(), 1)
	syncID, asyncID := kv.NewReplicaID(), kv.NewReplicaID()
	cfg := replicatedTabletConfig(
		kv.ReplicaConfig{ID: syncID, Mode: kv.ReplicaModeSync},
		kv.ReplicaConfig{ID: asyncID, Mode: kv.ReplicaModeAsync},
	)
	return &replicatedFixture{
		leader:    leader,
		followers: followers,
		cells:     append([]*testCell{leader}, followers...),
		cfg:       cfg,
		tablet:    leader.mount(t, cfg),
		syncID:    syncID,
		asyncID:   asyncID,
		clock:     kv.NewHLC(),
	}
}

// write queues the keys for a new transaction acknowledged by the given sync
// replicas.
func (f *replicatedFixture) write(t *testing.T, syncReplicas []kv.ReplicaID, keys ...string) kv.TransactionID {
	t.Helper()
	start := f.clock.Next()
	txID := kv.MakeTransactionID(kv.AtomicityFull, start)
	data := batchOf(keys...)
	req := request(t, f.tablet, txID, start, data)
	req.SyncReplicaIDs = syncReplicas
	require.NoError(t, f.leader.write(context.Background(), req, data))
	return txID
}

func TestReplication_CommitAdvancesReplicaProgress(t *testing.T) {
	t.Parallel()
	f := newReplicatedFixture(t)

	first := f.write(t, []kv.ReplicaID{f.syncID}, "a", "b", "c")
	require.NoError(t, f.leader.prepare(first, f.clock.Next()))
	for _, c := range f.cells {
		require.Equal(t, int64(3), f.replicaRowIndex(t, c, f.syncID))
		require.Equal(t, tabletCounters{PendingUser: 1, LockCount: 1, DelayedRows: 3}, c.counters(f.cfg.ID))
	}

	firstCommit := f.clock.Next()
	require.NoError(t, f.leader.commit(first, firstCommit))
	for _, c := range f.cells {
		require.Equal(t, tabletCounters{TotalRows: 3}, c.counters(f.cfg.ID))
		require.Equal(t, firstCommit, c.replica(t, f.cfg.ID, f.syncID).CurrentReplicationTimestamp)
		require.Equal(t, "b", c.readOrdered(t, f.cfg.ID, 1))
		require.Zero(t, c.tablet(f.cfg.ID).ReplicatedTrimmedRowCount())
	}

	require.NoError(t, f.leader.slot.UpdateReplicationProgress(f.cfg.ID, f.asyncID, 3, firstCommit).Wait(context.Background()))

	second := f.write(t, []kv.ReplicaID{f.syncID}, "d", "e")
	require.NoError(t, f.leader.commit(second, f.clock.Next()))
	for _, c := range f.cells {
		require.Equal(t, tabletCounters{TotalRows: 5}, c.counters(f.cfg.ID))
		require.Equal(t, int64(5), f.replicaRowIndex(t, c, f.syncID))
		require.Equal(t, int64(3), c.tablet(f.cfg.ID).ReplicatedTrimmedRowCount())
		require.Equal(t, int64(5), c.tablet(f.cfg.ID).TotalRowCount())
	}
}

func (f *replicatedFixture) replicaRowIndex(t *testing.T, c *testCell, id kv.ReplicaID) int64 {
	t.Helper()
	return c.replica(t, f.cfg.ID, id).CurrentReplicationRowIndex
}

func TestReplication_AbortAfterPrepareRestoresReplicaProgress(t *testing.T) {
	t.Parallel()
	f := newReplicatedFixture(t)

	txID := f.write(t, []kv.ReplicaID{f.syncID}, "a", "b")
	require.NoError(t, f.leader.prepare(txID, f.clock.Next()))
	for _, c := range f.cells {
		require.Equal(t, int64(2), f.replicaRowIndex(t, c, f.syncID))
	}

	require.NoError(t, f.leader.abort(txID, true))
	for _, c := range f.cells {
		require.Zero(t, f.replicaRowIndex(t, c, f.syncID))
		require.Zero(t, f.replicaRowIndex(t, c, f.asyncID))
		require.Equal(t, tabletCounters{}, c.counters(f.cfg.ID))
		require.Zero(t, c.writeLogMemory())
	}

	// The replica accepts the next transaction at the restored position.
	next := f.write(t, []kv.ReplicaID{f.syncID}, "c")
	require.NoError(t, f.leader.commit(next, f.clock.Next()))
	require.Equal(t, int64(1), f.replicaRowIndex(t, f.followers[0], f.syncID))
}

func TestReplication_RepeatedSyncReplicaAdvancesOnce(t *testing.T) {
	t.Parallel()
	f := newReplicatedFixture(t)

	txID := f.write(t, []kv.ReplicaID{f.syncID, f.syncID}, "a")
	require.NoError(t, f.leader.prepare(txID, f.clock.Next()))
	for _, c := range f.cells {
		require.Equal(t, int64(1), f.replicaRowIndex(t, c, f.syncID))
	}

	require.NoError(t, f.leader.abort(txID, true))
	for _, c := range f.cells {
		require.Zero(t, f.replicaRowIndex(t, c, f.syncID))
	}

	next := f.write(t, []kv.ReplicaID{f.syncID, f.syncID}, "b", "c")
	require.NoError(t, f.leader.commit(next, f.clock.Next()))
	for _, c := range f.cells {
		require.Equal(t, int64(2), f.replicaRowIndex(t, c, f.syncID))
		require.Equal(t, tabletCounters{TotalRows: 2}, c.counters(f.cfg.ID))
	}
}

func TestReplication_SyncReplicaSetIsValidatedAtPrepare(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name     string
		replicas func(f *replicatedFixture) []kv.ReplicaID
		want     error
	}{
		{
			name:     "unknown replica",
			replicas: func(f *replicatedFixture) []kv.ReplicaID { return []kv.ReplicaID{f.syncID, kv.NewReplicaID()} },
			want:     kv.ErrSyncReplicaIsNotKnown,
		},
		{
			name:     "async replica",
			replicas: func(f *replicatedFixture) []kv.ReplicaID { return []kv.ReplicaID{f.syncID, f.asyncID} },
			want:     kv.ErrSyncReplicaIsNotInSyncMode,
		},
		{
			name:     "sync replica left out",
			replicas: func(*replicatedFixture) []kv.ReplicaID { return nil },
			want:     kv.ErrSyncReplicaIsNotWritten,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newReplicatedFixture(t)
			txID := f.write(t, tc.replicas(f), "a")

			require.ErrorIs(t, f.leader.prepare(txID, f.clock.Next()), tc.want)
			require.ErrorIs(t, f.leader.commit(txID, f.clock.Next()), tc.want)
			for _, c := range f.cells {
				require.Zero(t, f.replicaRowIndex(t, c, f.syncID))
				require.Zero(t, c.counters(f.cfg.ID).DelayedRows)
			}

			require.NoError(t, f.leader.abort(txID, false))
			for _, c := range f.cells {
				require.Equal(t, tabletCounters{}, c.counters(f.cfg.ID))
			}
		})
	}
}

func TestReplication_ReplicaWritability(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("sync replica behind", func(t *testing.T) {
		t.Parallel()
		f := newReplicatedFixture(t)
		first := f.write(t, []kv.ReplicaID{f.syncID}, "a", "b")
		require.NoError(t, f.leader.commit(first, f.clock.Next()))

		require.NoError(t, f.leader.slot.UpdateReplicationProgress(f.cfg.ID, f.syncID, 1, f.clock.Next()).Wait(ctx))
		second := f.write(t, []kv.ReplicaID{f.syncID}, "c")
		require.ErrorIs(t, f.leader.prepare(second, f.clock.Next()), kv.ErrReplicaNotWritable)
	})

	t.Run("sync replica disabled", func(t *testing.T) {
		t.Parallel()
		f := newReplicatedFixture(t)
		require.NoError(t, f.leader.slot.SetReplica(f.cfg.ID, f.syncID, kv.ReplicaModeSync, kv.ReplicaStateDisabled).Wait(ctx))
		txID := f.write(t, []kv.ReplicaID{f.syncID}, "a")
		require.ErrorIs(t, f.leader.prepare(txID, f.clock.Next()), kv.ErrReplicaNotWritable)
	})

	t.Run("disabled sync replica left out", func(t *testing.T) {
		t.Parallel()
		f := newReplicatedFixture(t)
		require.NoError(t, f.leader.slot.SetReplica(f.cfg.ID, f.syncID, kv.ReplicaModeSync, kv.ReplicaStateDisabled).Wait(ctx))
		txID := f.write(t, nil, "a")
		require.ErrorIs(t, f.leader.prepare(txID, f.clock.Next()), kv.ErrSyncReplicaIsNotWritten)
	})

	t.Run("async replica past the tablet", func(t *testing.T) {
		t.Parallel()
		f := newReplicatedFixture(t)
		require.NoError(t, f.leader.slot.UpdateReplicationProgress(f.cfg.ID, f.asyncID, 10, f.clock.Next()).Wait(ctx))
		txID := f.write(t, []kv.ReplicaID{f.syncID}, "a")
		require.ErrorIs(t, f.leader.prepare(txID, f.clock.Next()), kv.ErrReplicaNotWritable)
	})

	t.Run("sync replica ahead is tolerated", func(t *testing.T) {
		t.Parallel()
		f := newReplicatedFixture(t)
		require.NoError(t, f.leader.slot.UpdateReplicationProgress(f.cfg.ID, f.syncID, 4, f.clock.Next()).Wait(ctx))
		txID := f.write(t, []kv.ReplicaID{f.syncID}, "a")
		require.NoError(t, f.leader.prepare(txID, f.clock.Next()))
		require.Equal(t, int64(5), f.replicaRowIndex(t, f.followers[0], f.syncID))
	})

	t.Run("bulk locked tablet", func(t *testing.T) {
		t.Parallel()
		f := newReplicatedFixture(t)
		txID := f.write(t, []kv.ReplicaID{f.syncID}, "a")
		bulk := kv.MakeTransactionID(kv.AtomicityFull, f.clock.Next())
		require.NoError(t, f.leader.slot.AcquireBulkLock(f.cfg.ID, bulk, f.clock.Next()).Wait(ctx))
		require.ErrorIs(t, f.leader.prepare(txID, f.clock.Next()), kv.ErrTransactionLockConflict)

		require.NoError(t, f.leader.slot.ReleaseBulkLock(f.cfg.ID, bulk, kv.NullTimestamp).Wait(ctx))
		require.NoError(t, f.leader.prepare(txID, f.clock.Next()))
	})
}
