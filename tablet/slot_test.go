package tablet

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"

	"github.com/bootjp/tabletnode/kv"
	"github.com/bootjp/tabletnode/store"
)

func TestSlot_MountValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	leader, followers := newTestCluster(t, testConfig(), 1)

	cfg := sortedTabletConfig()
	tablet := leader.mount(t, cfg)
	require.Equal(t, kv.TabletStateMounted, tablet.State())
	require.Equal(t, cfg.TablePath, tablet.TablePath())
	require.Equal(t, tablet.MountRevision(), followers[0].tablet(cfg.ID).MountRevision())
	require.ErrorIs(t, leader.slot.MountTablet(cfg).Wait(ctx), kv.ErrTabletAlreadyMounted)

	missing := sortedTabletConfig()
	missing.Atomicity = 0
	require.ErrorIs(t, leader.slot.MountTablet(missing).Wait(ctx), kv.ErrInvalidConfig)

	strongSorted := sortedTabletConfig()
	strongSorted.CommitOrdering = kv.CommitOrderingStrong
	require.ErrorIs(t, leader.slot.MountTablet(strongSorted).Wait(ctx), kv.ErrInvalidConfig)

	for _, c := range []*testCell{leader, followers[0]} {
		require.Nil(t, c.tablet(missing.ID))
		require.Nil(t, c.tablet(strongSorted.ID))
	}
}

func TestSlot_Unmount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	leader, followers := newTestCluster(t, testConfig(), 1)
	clock := kv.NewHLC()

	require.ErrorIs(t, leader.slot.UnmountTablet(kv.NewTabletID(), false).Wait(ctx), kv.ErrNoSuchTablet)

	idle := leader.mount(t, sortedTabletConfig())
	require.NoError(t, leader.slot.UnmountTablet(idle.ID(), false).Wait(ctx))
	require.Equal(t, kv.TabletStateOrphaned, idle.State())

	bulkCfg := sortedTabletConfig()
	bulk := leader.mount(t, bulkCfg)
	bulkTx := kv.MakeTransactionID(kv.AtomicityFull, clock.Next())
	require.NoError(t, leader.slot.AcquireBulkLock(bulkCfg.ID, bulkTx, clock.Next()).Wait(ctx))
	require.NoError(t, leader.slot.UnmountTablet(bulkCfg.ID, false).Wait(ctx))
	require.Equal(t, kv.TabletStateUnmountWaitingForLocks, bulk.State())
	require.NotNil(t, followers[0].tablet(bulkCfg.ID))

	require.NoError(t, leader.slot.ReleaseBulkLock(bulkCfg.ID, bulkTx, clock.Next()).Wait(ctx))
	require.Equal(t, kv.TabletStateOrphaned, bulk.State())
	require.Nil(t, followers[0].tablet(bulkCfg.ID))

	lockedCfg := sortedTabletConfig()
	locked := leader.mount(t, lockedCfg)
	start := clock.Next()
	txID := kv.MakeTransactionID(kv.AtomicityFull, start)
	data := batchOf("a")
	require.NoError(t, leader.write(ctx, request(t, locked, txID, start, data), data))
	require.NoError(t, leader.slot.UnmountTablet(lockedCfg.ID, true).Wait(ctx))
	require.Equal(t, kv.TabletStateOrphaned, locked.State())
	require.Nil(t, leader.tablet(lockedCfg.ID))

	// The transaction still finishes once its tablet is gone.
	require.NoError(t, leader.abort(txID, false))
	leader.withLock(func() {
		require.Empty(t, leader.slot.TransactionManager().Transactions())
	})
	require.Zero(t, leader.writeLogMemory())
}

func TestSlot_Replicas(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	leader, followers := newTestCluster(t, testConfig(), 1)
	clock := kv.NewHLC()

	cfg := replicatedTabletConfig()
	leader.mount(t, cfg)
	replicaID := kv.NewReplicaID()

	require.ErrorIs(t,
		leader.slot.UpdateReplicationProgress(cfg.ID, replicaID, 1, clock.Next()).Wait(ctx),
		kv.ErrSyncReplicaIsNotKnown)

	require.NoError(t, leader.slot.SetReplica(cfg.ID, replicaID, kv.ReplicaModeAsync, kv.ReplicaStateEnabled).Wait(ctx))
	ts := clock.Next()
	require.NoError(t, leader.slot.UpdateReplicationProgress(cfg.ID, replicaID, 7, ts).Wait(ctx))
	require.NoError(t, leader.slot.SetReplica(cfg.ID, replicaID, kv.ReplicaModeSync, kv.ReplicaStateDisabled).Wait(ctx))

	for _, c := range []*testCell{leader, followers[0]} {
		require.Equal(t, ReplicaInfo{
			ID:                          replicaID,
			Mode:                        kv.ReplicaModeSync,
			State:                       kv.ReplicaStateDisabled,
			CurrentReplicationRowIndex:  7,
			CurrentReplicationTimestamp: ts,
		}, c.replica(t, cfg.ID, replicaID))
	}
}

func TestSlot_BulkLockConflictsWithOlderWriters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	leader, _ := newTestCluster(t, testConfig(), 0)
	clock := kv.NewHLC()

	cfg := sortedTabletConfig()
	tablet := leader.mount(t, cfg)
	start := clock.Next()
	txID := kv.MakeTransactionID(kv.AtomicityFull, start)

	bulkTx := kv.MakeTransactionID(kv.AtomicityFull, clock.Next())
	require.NoError(t, leader.slot.AcquireBulkLock(cfg.ID, bulkTx, clock.Next()).Wait(ctx))
	leader.withLock(func() {
		require.True(t, tablet.LockManager().HasLocks())
		require.ErrorIs(t, tablet.LockManager().ValidateTransactionConflict(start), kv.ErrTransactionLockConflict)
	})

	commitTs := clock.Next()
	require.NoError(t, leader.slot.ReleaseBulkLock(cfg.ID, bulkTx, commitTs).Wait(ctx))
	leader.withLock(func() {
		require.False(t, tablet.LockManager().HasLocks())
		// A writer that started before the bulk commit still conflicts.
		require.ErrorIs(t, tablet.LockManager().ValidateTransactionConflict(start), kv.ErrTransactionLockConflict)
		require.NoError(t, tablet.LockManager().ValidateTransactionConflict(clock.Next()))
	})

	data := batchOf("a")
	require.ErrorIs(t, leader.write(ctx, request(t, tablet, txID, start, data), data), kv.ErrTransactionLockConflict)
	later := clock.Next()
	require.NoError(t, leader.write(ctx, request(t, tablet, kv.MakeTransactionID(kv.AtomicityFull, later), later, data), data))
}

func TestSlot_PebbleBackendSurvivesSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig()
	cfg.StoreBackend = kv.StoreBackendPebble
	cfg.DataDir = "/data"
	newPebbleCell := func() *testCell {
		c := newTestCell(t, cfg, WithPebbleOptions(store.WithPebbleFS(vfs.NewMem())))
		t.Cleanup(func() { c.withLock(c.slot.Clear) })
		return c
	}

	leader := newPebbleCell()
	leader.manager.SetLeader(true)
	clock := kv.NewHLC()

	tabletCfg := sortedTabletConfig()
	tablet := leader.mount(t, tabletCfg)
	start := clock.Next()
	committed := kv.MakeTransactionID(kv.AtomicityFull, start)
	data := batchOf("a", "b")
	require.NoError(t, leader.write(ctx, request(t, tablet, committed, start, data), data))
	commitTs := clock.Next()
	require.NoError(t, leader.commit(committed, commitTs))

	start = clock.Next()
	pending := kv.MakeTransactionID(kv.AtomicityFull, start)
	data = batchOf("c")
	require.NoError(t, leader.write(ctx, request(t, tablet, pending, start, data), data))

	restored := newPebbleCell()
	restored.loadSnapshot(t, leader.saveSnapshot(t))
	require.Equal(t, leader.state(tabletCfg.ID), restored.state(tabletCfg.ID))
	require.Equal(t, "v-b", restored.read(t, tabletCfg.ID, "b", commitTs))
	require.Equal(t, "", restored.read(t, tabletCfg.ID, "c", kv.MaxTimestamp))

	restored.manager.SetLeader(true)
	pendingCommit := clock.Next()
	require.NoError(t, restored.commit(pending, pendingCommit))
	require.Equal(t, "v-c", restored.read(t, tabletCfg.ID, "c", pendingCommit))
	require.Equal(t, tabletCounters{TotalRows: 3}, restored.counters(tabletCfg.ID))
}

func TestSlot_RunRotatesOverflownStores(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	leader, _ := newTestCluster(t, testConfig(), 0)
	clock := kv.NewHLC()

	mount := kv.DefaultMountConfig()
	mount.MaxDynamicStoreRowCount = 1
	cfg := sortedTabletConfig()
	cfg.Atomicity = kv.AtomicityNone
	cfg.Mount = &mount
	tablet := leader.mount(t, cfg)

	ts := clock.Next()
	data := batchOf("a")
	require.NoError(t, leader.write(ctx, request(t, tablet, kv.MakeTransactionID(kv.AtomicityNone, ts), ts, data), data))

	overflown := func() bool {
		var err error
		leader.withLock(func() { err = tablet.StoreManager().CheckOverflow() })
		return err != nil
	}
	require.True(t, overflown())

	done := make(chan error, 1)
	go func() { done <- leader.slot.Run(ctx, 5*time.Millisecond) }()
	require.Eventually(t, func() bool { return !overflown() }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, "v-a", leader.read(t, cfg.ID, "a", kv.MaxTimestamp))
}

func TestSlot_MaintenanceOnlyRunsOnLeader(t *testing.T) {
	t.Parallel()
	leader, followers := newTestCluster(t, testConfig(), 1)
	clock := kv.NewHLC()

	mount := kv.DefaultMountConfig()
	mount.MaxDynamicStoreRowCount = 1
	cfg := sortedTabletConfig()
	cfg.Atomicity = kv.AtomicityNone
	cfg.Mount = &mount
	tablet := leader.mount(t, cfg)

	ts := clock.Next()
	data := batchOf("a")
	require.NoError(t, leader.write(context.Background(), request(t, tablet, kv.MakeTransactionID(kv.AtomicityNone, ts), ts, data), data))

	require.Empty(t, followers[0].slot.RunStoreMaintenance())
	require.Len(t, leader.slot.RunStoreMaintenance(), 1)
}
