package tablet

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bootjp/tabletnode/hydra"
	"github.com/bootjp/tabletnode/kv"
	"github.com/bootjp/tabletnode/rowbatch"
	"github.com/bootjp/tabletnode/store"
)

// testingT is satisfied by both *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
}

func testLogger() *slog.Logger {
	return kv.NewJSONLogger(io.Discard, slog.LevelDebug)
}

// mutationWaitTimeout bounds every wait on a mutation future so that a
// mutation left queued fails the test instead of hanging it.
const mutationWaitTimeout = 10 * time.Second

func waitMutation(ctx context.Context, f *hydra.Future) error {
	ctx, cancel := context.WithTimeout(ctx, mutationWaitTimeout)
	defer cancel()
	return f.Wait(ctx)
}

func testConfig() *kv.Config {
	cfg := kv.NewDefaultConfig()
	cfg.RowBlockedWaitTimeout = kv.NewDuration(5 * time.Second)
	return cfg
}

// testCell is one node of a tablet cell driven by an in-process manager.
type testCell struct {
	automaton *hydra.Automaton
	manager   *hydra.SimpleManager
	slot      *Slot
	writes    *WriteManager
}

func newTestCell(t testingT, cfg *kv.Config, opts ...SlotOption) *testCell {
	t.Helper()
	a := hydra.NewAutomaton(hydra.WithAutomatonLogger(testLogger()))
	m := hydra.NewSimpleManager(a)
	s := NewSlot(a, m, cfg, append([]SlotOption{WithSlotLogger(testLogger())}, opts...)...)
	w, err := NewWriteManager(s, a, m)
	require.NoError(t, err)
	return &testCell{automaton: a, manager: m, slot: s, writes: w}
}

// newTestCluster returns a leading cell whose mutations are also delivered
// to the returned followers.
func newTestCluster(t testingT, cfg *kv.Config, followers int) (*testCell, []*testCell) {
	t.Helper()
	leader := newTestCell(t, cfg)
	cells := make([]*testCell, 0, followers)
	for i := 0; i < followers; i++ {
		f := newTestCell(t, cfg)
		leader.manager.AddFollower(f.automaton)
		cells = append(cells, f)
	}
	leader.manager.SetLeader(true)
	return leader, cells
}

func (c *testCell) withLock(fn func()) {
	c.automaton.Lock()
	defer c.automaton.Unlock()
	fn()
}

func (c *testCell) tablet(id kv.TabletID) *Tablet {
	var t *Tablet
	c.withLock(func() { t = c.slot.FindTablet(id) })
	return t
}

func (c *testCell) mount(t testingT, cfg kv.TabletConfig) *Tablet {
	t.Helper()
	require.NoError(t, waitMutation(context.Background(), c.slot.MountTablet(cfg)))
	tablet := c.tablet(cfg.ID)
	require.NotNil(t, tablet)
	return tablet
}

func sortedTabletConfig() kv.TabletConfig {
	return kv.TabletConfig{
		ID:             kv.NewTabletID(),
		TablePath:      "//home/sorted",
		PoolTag:        "default",
		Atomicity:      kv.AtomicityFull,
		CommitOrdering: kv.CommitOrderingWeak,
	}
}

func orderedTabletConfig() kv.TabletConfig {
	return kv.TabletConfig{
		ID:                kv.NewTabletID(),
		TablePath:         "//home/queue",
		PoolTag:           "default",
		Atomicity:         kv.AtomicityFull,
		CommitOrdering:    kv.CommitOrderingStrong,
		PhysicallyOrdered: true,
	}
}

func replicatedTabletConfig(replicas ...kv.ReplicaConfig) kv.TabletConfig {
	return kv.TabletConfig{
		ID:             kv.NewTabletID(),
		TablePath:      "//home/replicated",
		PoolTag:        "default",
		Atomicity:      kv.AtomicityFull,
		CommitOrdering: kv.CommitOrderingStrong,
		Replicated:     true,
		Replicas:       replicas,
	}
}

func batchOf(keys ...string) []byte {
	w := rowbatch.NewWriter()
	for _, k := range keys {
		w.WriteRow([]byte(k), []byte("v-"+k))
	}
	return w.Finish()
}

// request builds a single-batch write request carrying the final signature.
func request(t testingT, tablet *Tablet, txID kv.TransactionID, startTs kv.Timestamp, data []byte) WriteRequest {
	t.Helper()
	rowCount, dataWeight, err := rowbatch.Stats(data)
	require.NoError(t, err)
	return WriteRequest{
		TabletID:       tablet.ID(),
		MountRevision:  tablet.MountRevision(),
		TransactionID:  txID,
		StartTimestamp: startTs,
		Timeout:        time.Minute,
		Signature:      FinalSignature,
		RowCount:       rowCount,
		DataWeight:     dataWeight,
	}
}

// write submits the request and waits for its last mutation.
func (c *testCell) write(ctx context.Context, req WriteRequest, data []byte) error {
	f, err := c.writes.Write(ctx, req, rowbatch.NewReader(data))
	if err != nil {
		return err
	}
	return waitMutation(ctx, f)
}

// writeSignatures returns the signatures of the write mutations in the log.
func (c *testCell) writeSignatures(t testingT) []Signature {
	t.Helper()
	var recorded [][]byte
	c.withLock(func() { recorded = c.manager.RecordedMutations() })
	var signatures []Signature
	for _, raw := range recorded {
		typ, data, err := hydra.DecodeMutation(raw)
		require.NoError(t, err)
		if typ != mutationWriteRows {
			continue
		}
		p, err := unmarshalWriteRowsPayload(data)
		require.NoError(t, err)
		signatures = append(signatures, p.Signature)
	}
	return signatures
}

func (c *testCell) commit(txID kv.TransactionID, ts kv.Timestamp) error {
	return waitMutation(context.Background(), c.slot.TransactionManager().CommitTransaction(txID, ts))
}

func (c *testCell) prepare(txID kv.TransactionID, ts kv.Timestamp) error {
	return waitMutation(context.Background(), c.slot.TransactionManager().PrepareTransactionCommit(txID, true, ts))
}

func (c *testCell) abort(txID kv.TransactionID, force bool) error {
	return waitMutation(context.Background(), c.slot.TransactionManager().AbortTransaction(txID, force))
}

// read returns the value visible at ts, or "" when there is none.
func (c *testCell) read(t testingT, tabletID kv.TabletID, key string, ts kv.Timestamp) string {
	t.Helper()
	var value []byte
	var err error
	c.withLock(func() {
		tablet := c.slot.FindTablet(tabletID)
		require.NotNil(t, tablet)
		value, err = tablet.StoreManager().Versioned().GetAt(context.Background(), []byte(key), uint64(ts))
	})
	if err != nil {
		require.ErrorIs(t, err, store.ErrKeyNotFound)
		return ""
	}
	return string(value)
}

// tabletCounters is the bookkeeping compared across cells.
type tabletCounters struct {
	PendingUser       int
	PendingReplicator int
	InFlightUser      int
	LockCount         int
	LockedRows        int
	DelayedRows       int64
	TotalRows         int64
}

func (c *testCell) counters(id kv.TabletID) tabletCounters {
	var out tabletCounters
	c.withLock(func() {
		t := c.slot.FindTablet(id)
		if t == nil {
			return
		}
		out = tabletCounters{
			PendingUser:       t.pendingUserWriteRecordCount,
			PendingReplicator: t.pendingReplicatorWriteRecordCount,
			InFlightUser:      t.inFlightUserMutationCount,
			LockCount:         t.tabletLockCount,
			LockedRows:        t.storeManager.LockedRowCount(),
			DelayedRows:       t.delayedLocklessRowCount,
			TotalRows:         t.storeManager.TotalRowCount(),
		}
	})
	return out
}

func (c *testCell) writeLogMemory() int64 {
	var size int64
	c.withLock(func() { size = c.writes.writeLogsMemory.Size() })
	return size
}

// readOrdered returns the key stored at the row index of an ordered tablet.
func (c *testCell) readOrdered(t testingT, tabletID kv.TabletID, index int64) string {
	t.Helper()
	var row rowbatch.Row
	var err error
	c.withLock(func() {
		tablet := c.slot.FindTablet(tabletID)
		require.NotNil(t, tablet)
		ordered, ok := tablet.StoreManager().(*store.OrderedStoreManager)
		require.True(t, ok)
		row, err = ordered.ReadRow(context.Background(), index)
	})
	require.NoError(t, err)
	return string(row.Key)
}
