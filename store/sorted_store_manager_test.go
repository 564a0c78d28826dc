package store

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bootjp/tabletnode/kv"
	"github.com/bootjp/tabletnode/rowbatch"
)

type testOwner struct {
	id        kv.TransactionID
	startTS   kv.Timestamp
	commitTS  kv.Timestamp
	prelocked []RowRef
	locked    []RowRef
}

func newTestOwner(startTS kv.Timestamp) *testOwner {
	return &testOwner{id: kv.MakeTransactionID(kv.AtomicityFull, startTS), startTS: startTS}
}

func (o *testOwner) ID() kv.TransactionID          { return o.id }
func (o *testOwner) StartTimestamp() kv.Timestamp  { return o.startTS }
func (o *testOwner) CommitTimestamp() kv.Timestamp { return o.commitTS }
func (o *testOwner) PushPrelockedRow(ref RowRef)   { o.prelocked = append(o.prelocked, ref) }
func (o *testOwner) AppendLockedRow(ref RowRef)    { o.locked = append(o.locked, ref) }

func (o *testOwner) confirmAll() {
	refs := o.prelocked
	o.prelocked = nil
	for _, ref := range refs {
		ref.StoreManager.ConfirmRow(o, ref)
	}
}

func (o *testOwner) commitAll(ts kv.Timestamp) {
	o.commitTS = ts
	for _, ref := range o.locked {
		ref.StoreManager.CommitRow(o, ref)
	}
	o.locked = nil
}

func (o *testOwner) abortAll() {
	for i := len(o.locked) - 1; i >= 0; i-- {
		o.locked[i].StoreManager.AbortRow(o, o.locked[i])
	}
	for _, ref := range o.prelocked {
		ref.StoreManager.AbortRow(o, ref)
	}
	o.locked = nil
	o.prelocked = nil
}

func batchOf(keys ...string) []byte {
	w := rowbatch.NewWriter()
	for _, k := range keys {
		w.WriteRow([]byte(k), []byte("v-"+k))
	}
	return w.Finish()
}

func newTestSortedManager() *SortedStoreManager {
	return NewSortedStoreManager(NewMVCCStore(), kv.DefaultMountConfig())
}

func TestSortedStoreManager_PrelockConfirmCommit(t *testing.T) {
	t.Parallel()

	m := newTestSortedManager()
	owner := newTestOwner(10)

	ctx := &WriteContext{Phase: WritePhasePrelock, Transaction: owner}
	require.True(t, m.ExecuteWrites(rowbatch.NewReader(batchOf("a", "b")), ctx))
	require.NoError(t, ctx.Error)
	require.Equal(t, 2, ctx.RowCount)
	require.Len(t, owner.prelocked, 2)
	require.Equal(t, 2, m.LockedRowCount())

	owner.confirmAll()
	require.Len(t, owner.locked, 2)
	owner.commitAll(20)

	require.Equal(t, 0, m.LockedRowCount())
	require.Equal(t, int64(2), m.TotalRowCount())
	v, err := m.Versioned().GetAt(context.Background(), []byte("a"), 20)
	require.NoError(t, err)
	require.Equal(t, []byte("v-a"), v)
	_, err = m.Versioned().GetAt(context.Background(), []byte("a"), 19)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSortedStoreManager_PrelockBlocksOnForeignLock(t *testing.T) {
	t.Parallel()

	m := newTestSortedManager()
	holder := newTestOwner(10)
	require.True(t, m.ExecuteWrites(rowbatch.NewReader(batchOf("b")), &WriteContext{Phase: WritePhasePrelock, Transaction: holder}))

	waiter := newTestOwner(11)
	reader := rowbatch.NewReader(batchOf("a", "b", "c"))
	ctx := &WriteContext{Phase: WritePhasePrelock, Transaction: waiter}
	require.False(t, m.ExecuteWrites(reader, ctx))
	require.NoError(t, ctx.Error)
	require.NotNil(t, ctx.Blocked)
	require.Equal(t, holder.ID(), ctx.Blocked.Owner)
	require.Equal(t, []byte("b"), ctx.Blocked.Key)
	require.Equal(t, 1, ctx.RowCount)
	require.Len(t, waiter.prelocked, 1)

	row, err := reader.Read()
	require.NoError(t, err)
	require.Equal(t, []byte("b"), row.Key)

	holder.abortAll()
	select {
	case <-ctx.Blocked.Released():
	default:
		t.Fatal("blocked row was not released")
	}
	require.NoError(t, WaitOnBlockedRow(context.Background(), ctx.Blocked, time.Second))
}

func TestSortedStoreManager_PrelockConflictsWithNewerCommit(t *testing.T) {
	t.Parallel()

	m := newTestSortedManager()
	require.NoError(t, m.Versioned().PutAt(context.Background(), []byte("a"), []byte("x"), 50))

	owner := newTestOwner(40)
	reader := rowbatch.NewReader(batchOf("a"))
	ctx := &WriteContext{Phase: WritePhasePrelock, Transaction: owner}
	require.False(t, m.ExecuteWrites(reader, ctx))
	require.ErrorIs(t, ctx.Error, kv.ErrTransactionLockConflict)
	require.Equal(t, 0, reader.Current())
	require.Equal(t, 0, m.LockedRowCount())
}

func TestSortedStoreManager_ReentrantLock(t *testing.T) {
	t.Parallel()

	m := newTestSortedManager()
	owner := newTestOwner(10)
	w := rowbatch.NewWriter()
	w.WriteRow([]byte("k"), []byte("first"))
	w.WriteRow([]byte("k"), []byte("second"))

	require.True(t, m.ExecuteWrites(rowbatch.NewReader(w.Finish()), &WriteContext{Phase: WritePhasePrelock, Transaction: owner}))
	require.Equal(t, 1, m.LockedRowCount())
	require.Len(t, owner.prelocked, 2)

	owner.confirmAll()
	owner.commitAll(30)
	require.Equal(t, 0, m.LockedRowCount())

	v, err := m.Versioned().GetAt(context.Background(), []byte("k"), 30)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), v)
}

func TestSortedStoreManager_LockPhase(t *testing.T) {
	t.Parallel()

	m := newTestSortedManager()
	owner := newTestOwner(10)
	ctx := &WriteContext{Phase: WritePhaseLock, Transaction: owner}
	require.True(t, m.ExecuteWrites(rowbatch.NewReader(batchOf("a", "b")), ctx))
	require.Len(t, owner.locked, 2)
	require.Empty(t, owner.prelocked)

	other := newTestOwner(11)
	require.Panics(t, func() {
		m.ExecuteWrites(rowbatch.NewReader(batchOf("a")), &WriteContext{Phase: WritePhaseLock, Transaction: other})
	})
}

func TestSortedStoreManager_CommitPhase(t *testing.T) {
	t.Parallel()

	m := newTestSortedManager()
	ctx := &WriteContext{Phase: WritePhaseCommit, CommitTimestamp: 5}
	require.True(t, m.ExecuteWrites(rowbatch.NewReader(batchOf("a", "b", "c")), ctx))
	require.Equal(t, 3, ctx.RowCount)
	require.Equal(t, int64(3), m.TotalRowCount())
	require.Equal(t, 0, m.LockedRowCount())

	w := rowbatch.NewWriter()
	w.DeleteRow([]byte("a"))
	require.True(t, m.ExecuteWrites(rowbatch.NewReader(w.Finish()), &WriteContext{Phase: WritePhaseCommit, CommitTimestamp: 6}))
	_, err := m.Versioned().GetAt(context.Background(), []byte("a"), 6)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSortedStoreManager_RejectsCorruptBatch(t *testing.T) {
	t.Parallel()

	m := newTestSortedManager()
	ctx := &WriteContext{Phase: WritePhaseCommit, CommitTimestamp: 5}
	require.False(t, m.ExecuteWrites(rowbatch.NewReader([]byte{9, 1, 'a'}), ctx))
	require.ErrorIs(t, ctx.Error, kv.ErrInvalidRowBatch)
}

func TestSortedStoreManager_OrphanWakesWaiters(t *testing.T) {
	t.Parallel()

	m := newTestSortedManager()
	holder := newTestOwner(10)
	require.True(t, m.ExecuteWrites(rowbatch.NewReader(batchOf("a")), &WriteContext{Phase: WritePhasePrelock, Transaction: holder}))

	ctx := &WriteContext{Phase: WritePhasePrelock, Transaction: newTestOwner(11)}
	require.False(t, m.ExecuteWrites(rowbatch.NewReader(batchOf("a")), ctx))
	require.NotNil(t, ctx.Blocked)

	m.Orphan()
	require.Equal(t, StoreStateOrphaned, holder.prelocked[0].Store.State())
	require.NoError(t, WaitOnBlockedRow(context.Background(), ctx.Blocked, time.Second))

	// Refs into the orphaned store are ignored on release.
	holder.abortAll()
	require.Equal(t, 0, m.LockedRowCount())
}

func TestSortedStoreManager_SnapshotRestore(t *testing.T) {
	t.Parallel()

	m := newTestSortedManager()
	require.True(t, m.ExecuteWrites(rowbatch.NewReader(batchOf("a", "b")), &WriteContext{Phase: WritePhaseCommit, CommitTimestamp: 7}))
	m.Rotate()
	require.Equal(t, 1, m.Flush())

	snap, err := m.Snapshot()
	require.NoError(t, err)

	restored := newTestSortedManager()
	require.NoError(t, restored.Restore(snap))
	require.Equal(t, int64(2), restored.TotalRowCount())
	require.Equal(t, m.StoreCount(), restored.StoreCount())

	v, err := restored.Versioned().GetAt(context.Background(), []byte("b"), 7)
	require.NoError(t, err)
	require.True(t, bytes.Equal([]byte("v-b"), v))
}

func TestWaitOnBlockedRow_Timeout(t *testing.T) {
	t.Parallel()

	blocked := &BlockedRow{Key: []byte("k"), release: make(chan struct{})}
	err := WaitOnBlockedRow(context.Background(), blocked, 10*time.Millisecond)
	require.ErrorIs(t, err, kv.ErrRowBlockedTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = WaitOnBlockedRow(ctx, blocked, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
