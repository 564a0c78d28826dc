package tablet

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/queues/arrayqueue"

	"github.com/bootjp/tabletnode/compression"
	"github.com/bootjp/tabletnode/hydra"
	"github.com/bootjp/tabletnode/internal"
	"github.com/bootjp/tabletnode/kv"
	"github.com/bootjp/tabletnode/rowbatch"
	"github.com/bootjp/tabletnode/store"
)

const mutationWriteRows = "WriteManager.WriteRows"

// WriteRequest describes one client batch. The rows themselves come with the
// reader passed to Write.
type WriteRequest struct {
	TabletID       kv.TabletID
	MountRevision  uint64
	TransactionID  kv.TransactionID
	StartTimestamp kv.Timestamp
	Timeout        time.Duration
	Signature      Signature
	// RowCount and DataWeight are trusted for lockless writes only.
	RowCount       int
	DataWeight     int64
	Versioned      bool
	SyncReplicaIDs []kv.ReplicaID
}

type writeLogKind int

const (
	writeLogImmediateLocked writeLogKind = iota + 1
	writeLogImmediateLockless
	writeLogDelayedLockless
)

// pinnedTablet is a tablet referenced by a submitted but not yet applied
// write. The leader applies writes in submission order.
type pinnedTablet struct {
	tablet          *Tablet
	replicatorWrite bool
}

// WriteManager accepts row batches on the leader, replicates them as
// mutations and settles the queued records as transactions finish.
type WriteManager struct {
	hydra.PartBase

	host      Host
	automaton *hydra.Automaton
	manager   hydra.Manager
	codec     compression.Codec
	log       *slog.Logger

	writeLogsMemory *kv.MemoryGuard
	pinnedTablets   *arrayqueue.Queue
}

type WriteManagerOption func(*WriteManager)

func WithWriteManagerLogger(l *slog.Logger) WriteManagerOption {
	return func(w *WriteManager) {
		w.log = l
	}
}

func NewWriteManager(host Host, a *hydra.Automaton, manager hydra.Manager, opts ...WriteManagerOption) (*WriteManager, error) {
	codec, err := compression.ParseCodecName(host.Config().ChangelogCodec)
	if err != nil {
		return nil, err
	}
	w := &WriteManager{
		host:            host,
		automaton:       a,
		manager:         manager,
		codec:           codec,
		log:             a.Logger(),
		writeLogsMemory: host.MemoryTracker().NewGuard(kv.MemoryCategoryWriteLogs, ""),
		pinnedTablets:   arrayqueue.New(),
	}
	for _, opt := range opts {
		opt(w)
	}

	tm := host.TransactionManager()
	tm.SubscribeTransactionPrepared(w.onTransactionPrepared)
	tm.SubscribeTransactionCommitted(w.onTransactionCommitted)
	tm.SubscribeTransactionSerialized(w.onTransactionSerialized)
	tm.SubscribeTransactionAborted(w.onTransactionAborted)
	tm.SubscribeTransactionTransientReset(w.onTransientReset)

	a.RegisterPart(w)
	a.RegisterMethod(mutationWriteRows, w.hydraFollowerWriteRows)
	return w, nil
}

func (w *WriteManager) Name() string {
	return "WriteManager"
}

// Write prelocks and submits the batch, possibly in several mutations when
// some row is locked by another transaction. It returns the future of the
// last submitted mutation.
func (w *WriteManager) Write(ctx context.Context, req WriteRequest, reader *rowbatch.Reader) (*hydra.Future, error) {
	identity := kv.IdentityFromContext(ctx)
	atomicity := req.TransactionID.Atomicity()
	replicatorWrite := identity.IsReplicator()
	tm := w.host.TransactionManager()

	w.automaton.Lock()
	locked := true
	defer func() {
		if locked {
			w.automaton.Unlock()
		}
	}()

	future := hydra.ResolvedFuture(nil)
	var t *Tablet
	for !reader.IsFinished() {
		if t == nil {
			var err error
			if t, err = w.actualizeTablet(req, atomicity); err != nil {
				return nil, err
			}
		}

		if err := validateTabletStoreLimit(t); err != nil {
			return nil, err
		}
		poolTag := ""
		if w.host.Config().EnablePoolMemoryLimits {
			poolTag = t.PoolTag()
		}
		if err := w.host.ValidateMemoryLimit(poolTag); err != nil {
			return nil, err
		}
		if err := validateWriteBarrier(replicatorWrite, t); err != nil {
			return nil, err
		}

		lockless := atomicity == kv.AtomicityNone ||
			t.IsPhysicallyOrdered() ||
			t.IsReplicated() ||
			req.Versioned
		if lockless {
			if err := validateDeclaredStats(req, reader); err != nil {
				return nil, err
			}
		}

		var tx *Transaction
		fresh := false
		if atomicity == kv.AtomicityFull {
			tx, fresh = tm.GetOrCreateTransaction(req.TransactionID, req.StartTimestamp, req.Timeout, true, identity)
			if err := validateTransactionActive(tx); err != nil {
				return nil, err
			}
		}

		startPos := reader.Current()
		wctx := &store.WriteContext{Phase: store.WritePhasePrelock}
		if tx != nil {
			wctx.Transaction = tx
		}
		signature := req.Signature
		if lockless {
			reader.SetCurrent(reader.End())
			wctx.RowCount = req.RowCount
			wctx.DataWeight = req.DataWeight
		} else if !t.storeManager.ExecuteWrites(reader, wctx) {
			signature = InitialSignature
			internal.Verify(wctx.Blocked != nil || wctx.Error != nil,
				"prelock of tablet %s stopped without a blocked row or an error", t.id)
		}
		if tx != nil {
			tx.transientSignature += signature
		}

		if wctx.RowCount > 0 {
			var err error
			if future, err = w.submitWriteRows(t, tx, req, identity, reader.Slice(startPos, reader.Current()), wctx, signature, lockless); err != nil {
				return nil, err
			}
		} else if fresh {
			tm.DropTransaction(tx)
		}

		if wctx.Blocked != nil {
			w.automaton.Unlock()
			locked = false
			err := store.WaitOnBlockedRow(ctx, wctx.Blocked, w.host.Config().RowBlockedWaitTimeout.Duration)
			w.automaton.Lock()
			locked = true
			if err != nil {
				return nil, err
			}
			t = nil
		}
		if wctx.Error != nil {
			return nil, wctx.Error
		}
	}
	return future, nil
}

func (w *WriteManager) actualizeTablet(req WriteRequest, atomicity kv.Atomicity) (*Tablet, error) {
	if !w.manager.IsLeader() {
		return nil, errors.WithStack(kv.ErrNotLeader)
	}
	t, err := w.host.GetTabletOrThrow(req.TabletID)
	if err != nil {
		return nil, err
	}
	if err := t.ValidateMountRevision(req.MountRevision); err != nil {
		return nil, err
	}
	if t.state != kv.TabletStateMounted {
		return nil, errors.Wrapf(kv.ErrTabletNotMounted, "tablet %s is %s", t.id, t.state)
	}
	t.modificationTime = time.Now()

	switch atomicity {
	case kv.AtomicityNone:
		if err := w.validateClientTimestamp(req.TransactionID); err != nil {
			return nil, err
		}
	case kv.AtomicityFull:
		if err := t.lockManager.ValidateTransactionConflict(req.StartTimestamp); err != nil {
			return nil, errors.Wrapf(err, "tablet %s", t.id)
		}
	default:
		internal.Unreachable("atomicity %v", atomicity)
	}
	return t, nil
}

func (w *WriteManager) submitWriteRows(
	t *Tablet,
	tx *Transaction,
	req WriteRequest,
	identity kv.AuthenticationIdentity,
	data []byte,
	wctx *store.WriteContext,
	signature Signature,
	lockless bool,
) (*hydra.Future, error) {
	compressed, err := w.codec.Compress(data)
	if err != nil {
		return nil, err
	}
	p := &writeRowsPayload{
		TransactionID:  req.TransactionID,
		StartTimestamp: req.StartTimestamp,
		Timeout:        req.Timeout,
		TabletID:       t.id,
		MountRevision:  t.mountRevision,
		Codec:          w.codec.ID(),
		CompressedData: compressed,
		Signature:      signature,
		Lockless:       lockless,
		RowCount:       wctx.RowCount,
		DataWeight:     wctx.DataWeight,
		SyncReplicaIDs: req.SyncReplicaIDs,
		Identity:       identity,
	}

	w.pinnedTablets.Enqueue(pinnedTablet{tablet: t, replicatorWrite: identity.IsReplicator()})
	w.host.LockTablet(t)
	t.incrementInFlightMutationCount(identity.IsReplicator(), 1)

	future := w.manager.CommitMutation(&hydra.Mutation{
		Type: mutationWriteRows,
		Data: p.marshal(),
		Handler: func(*hydra.MutationContext) error {
			return w.hydraLeaderWriteRows(p, data)
		},
	})
	incrementWriteCounters(t, identity, wctx.RowCount, wctx.DataWeight)

	if w.manager.IsMutationLoggingEnabled() {
		attrs := []any{
			slog.String("tablet_id", t.id.String()),
			slog.Int("row_count", wctx.RowCount),
			slog.Int64("data_weight", wctx.DataWeight),
			slog.Bool("lockless", lockless),
		}
		if tx != nil {
			attrs = append(attrs, slog.String("transaction_id", tx.id.String()))
		}
		w.log.Debug("rows prelocked", attrs...)
	}
	return future, nil
}

func (w *WriteManager) popPinnedTablet(id kv.TabletID) pinnedTablet {
	v, ok := w.pinnedTablets.Dequeue()
	internal.Verify(ok, "no pinned tablet for write to %s", id)
	pinned, _ := v.(pinnedTablet)
	internal.Verify(pinned.tablet.id == id, "pinned tablet %s does not match write to %s", pinned.tablet.id, id)
	return pinned
}

func (w *WriteManager) hydraLeaderWriteRows(p *writeRowsPayload, data []byte) error {
	pinned := w.popPinnedTablet(p.TabletID)
	t := pinned.tablet
	defer w.host.UnlockTablet(t)
	t.incrementInFlightMutationCount(pinned.replicatorWrite, -1)

	// Followers skip writes to tablets remounted or removed since submission.
	if t.state == kv.TabletStateOrphaned || t.mountRevision != p.MountRevision {
		w.discardPrelockedRows(p)
		return nil
	}

	atomicity := p.TransactionID.Atomicity()
	switch atomicity {
	case kv.AtomicityFull:
		tx := w.host.TransactionManager().MakeTransactionPersistent(p.TransactionID)
		if p.Lockless {
			tx.appendLockedTablet(t.id)
			w.host.LockTablet(t)
		} else {
			for i := 0; i < p.RowCount; i++ {
				ref := tx.popPrelockedRow()
				if w.host.ValidateAndDiscardRowRef(ref) {
					ref.StoreManager.ConfirmRow(tx, ref)
				}
			}
		}
		writeLog, _ := selectWriteLog(t, tx, p.Lockless)
		w.enqueueWriteRecord(t, tx, writeLog, newWriteRecord(p, data), p.Signature)
		w.logApplied("rows confirmed", p, tx)

	case kv.AtomicityNone:
		w.commitNonAtomicRows(t, p, data)

	default:
		internal.Unreachable("atomicity %v", atomicity)
	}
	return nil
}

// discardPrelockedRows drops the row references a skipped write took at
// intake so that later writes of the transaction confirm their own rows.
func (w *WriteManager) discardPrelockedRows(p *writeRowsPayload) {
	if p.Lockless || p.TransactionID.Atomicity() != kv.AtomicityFull {
		return
	}
	tx := w.host.TransactionManager().FindTransaction(p.TransactionID)
	if tx == nil {
		return
	}
	for i := 0; i < p.RowCount && tx.PrelockedRowCount() > 0; i++ {
		ref := tx.popPrelockedRow()
		if w.host.ValidateAndDiscardRowRef(ref) {
			ref.StoreManager.AbortRow(tx, ref)
		}
	}
}

func (w *WriteManager) hydraFollowerWriteRows(mc *hydra.MutationContext) error {
	p, err := unmarshalWriteRowsPayload(mc.Data)
	if err != nil {
		return err
	}
	t := w.host.FindTablet(p.TabletID)
	if t == nil || t.mountRevision != p.MountRevision {
		return nil
	}
	codec, err := compression.GetCodec(p.Codec)
	if err != nil {
		return err
	}
	data, err := codec.Decompress(p.CompressedData)
	if err != nil {
		return err
	}

	atomicity := p.TransactionID.Atomicity()
	switch atomicity {
	case kv.AtomicityFull:
		tx, _ := w.host.TransactionManager().GetOrCreateTransaction(
			p.TransactionID, p.StartTimestamp, p.Timeout, false, p.Identity)
		writeLog, kind := selectWriteLog(t, tx, p.Lockless)
		w.enqueueWriteRecord(t, tx, writeLog, newWriteRecord(p, data), p.Signature)
		if kind == writeLogImmediateLocked {
			wctx := &store.WriteContext{Phase: store.WritePhaseLock, Transaction: tx}
			t.storeManager.ExecuteWrites(rowbatch.NewReader(data), wctx)
			internal.Verify(wctx.RowCount == p.RowCount,
				"tablet %s locked %d rows, expected %d", t.id, wctx.RowCount, p.RowCount)
		} else {
			tx.appendLockedTablet(t.id)
			w.host.LockTablet(t)
		}
		w.logApplied("rows locked", p, tx)

	case kv.AtomicityNone:
		w.commitNonAtomicRows(t, p, data)

	default:
		internal.Unreachable("atomicity %v", atomicity)
	}
	return nil
}

// commitNonAtomicRows makes the rows visible at the timestamp embedded in
// the transaction id.
func (w *WriteManager) commitNonAtomicRows(t *Tablet, p *writeRowsPayload, data []byte) {
	commitTimestamp := p.TransactionID.Timestamp()
	wctx := &store.WriteContext{Phase: store.WritePhaseCommit, CommitTimestamp: commitTimestamp}
	t.storeManager.ExecuteWrites(rowbatch.NewReader(data), wctx)
	internal.Verify(wctx.RowCount == p.RowCount,
		"tablet %s committed %d rows, expected %d", t.id, wctx.RowCount, p.RowCount)
	incrementCommitCounters(t, p.Identity, wctx.RowCount, wctx.DataWeight)
	finishTabletCommit(t, commitTimestamp)
	w.logApplied("rows committed", p, nil)
}

func (w *WriteManager) logApplied(msg string, p *writeRowsPayload, tx *Transaction) {
	if !w.manager.IsMutationLoggingEnabled() {
		return
	}
	attrs := []any{
		slog.String("tablet_id", p.TabletID.String()),
		slog.String("transaction_id", p.TransactionID.String()),
		slog.Int("row_count", p.RowCount),
		slog.Bool("lockless", p.Lockless),
	}
	if tx != nil {
		attrs = append(attrs, slog.Uint64("persistent_signature", uint64(tx.persistentSignature)))
	}
	w.log.Debug(msg, attrs...)
}

func newWriteRecord(p *writeRowsPayload, data []byte) TransactionWriteRecord {
	return TransactionWriteRecord{
		TabletID:       p.TabletID,
		Data:           data,
		RowCount:       p.RowCount,
		DataWeight:     p.DataWeight,
		SyncReplicaIDs: p.SyncReplicaIDs,
	}
}

func selectWriteLog(t *Tablet, tx *Transaction, lockless bool) (*WriteLog, writeLogKind) {
	switch t.CommitOrdering() {
	case kv.CommitOrderingWeak:
		if lockless {
			return &tx.immediateLocklessWriteLog, writeLogImmediateLockless
		}
		return &tx.immediateLockedWriteLog, writeLogImmediateLocked
	case kv.CommitOrderingStrong:
		internal.Verify(lockless, "tablet %s has strong commit ordering but takes row locks", t.id)
		return &tx.delayedLocklessWriteLog, writeLogDelayedLockless
	default:
		internal.Unreachable("commit ordering %v", t.CommitOrdering())
		return nil, 0
	}
}

func (w *WriteManager) enqueueWriteRecord(t *Tablet, tx *Transaction, writeLog *WriteLog, record TransactionWriteRecord, signature Signature) {
	w.chargeWriteLogMemory(record.ByteSize())
	writeLog.Enqueue(record)
	tx.persistentSignature += signature
	t.incrementPendingWriteRecordCount(tx.IsReplicatorWrite(), 1)
}

func (w *WriteManager) dropWriteLog(writeLog *WriteLog, tx *Transaction) {
	var size int64
	for _, record := range writeLog.Records() {
		size += record.ByteSize()
		if t := w.host.FindTablet(record.TabletID); t != nil {
			t.incrementPendingWriteRecordCount(tx.IsReplicatorWrite(), -1)
		}
	}
	w.chargeWriteLogMemory(-size)
	writeLog.Clear()
}

func (w *WriteManager) chargeWriteLogMemory(delta int64) {
	w.writeLogsMemory.IncrementSize(delta)
	writeLogMemoryGauge.Add(float64(delta))
}

func finishTabletCommit(t *Tablet, commitTimestamp kv.Timestamp) {
	t.UpdateLastCommitTimestamp(commitTimestamp)
	if t.IsPhysicallyOrdered() {
		t.UpdateTotalRowCount()
	}
}

func (w *WriteManager) prepareLockedRows(tx *Transaction) {
	prepare := func(ref store.RowRef) {
		if w.host.ValidateAndDiscardRowRef(ref) {
			ref.StoreManager.PrepareRow(tx, ref)
		}
	}
	for _, ref := range tx.lockedRows {
		prepare(ref)
	}
	for _, ref := range tx.prelockedRowRefs() {
		prepare(ref)
	}
}

func (w *WriteManager) checkIfImmediateLockedTabletsFullyUnlocked(tx *Transaction) {
	for _, record := range tx.immediateLockedWriteLog.Records() {
		if t := w.host.FindTablet(record.TabletID); t != nil {
			w.host.CheckIfTabletFullyUnlocked(t)
		}
	}
}

// commitRecord applies a lockless record at the transaction's commit
// timestamp.
func (w *WriteManager) commitRecord(t *Tablet, tx *Transaction, record TransactionWriteRecord) {
	wctx := &store.WriteContext{
		Phase:           store.WritePhaseCommit,
		Transaction:     tx,
		CommitTimestamp: tx.commitTimestamp,
	}
	t.storeManager.ExecuteWrites(rowbatch.NewReader(record.Data), wctx)
	internal.Verify(wctx.RowCount == record.RowCount,
		"tablet %s committed %d rows of transaction %s, expected %d", t.id, wctx.RowCount, tx.id, record.RowCount)
	finishTabletCommit(t, tx.commitTimestamp)
}

func (w *WriteManager) onTransactionPrepared(tx *Transaction, persistent bool) error {
	w.prepareLockedRows(tx)
	if !persistent {
		return nil
	}

	type replicatedRecord struct {
		tablet *Tablet
		record TransactionWriteRecord
	}
	var replicated []replicatedRecord
	for _, record := range tx.delayedLocklessWriteLog.Records() {
		t, err := w.host.GetTabletOrThrow(record.TabletID)
		if err != nil {
			return err
		}
		if !t.IsReplicated() {
			continue
		}
		if err := t.lockManager.ValidateTransactionConflict(tx.startTimestamp); err != nil {
			return errors.Wrapf(err, "tablet %s", t.id)
		}
		if err := validateSyncReplicaSet(t, record.SyncReplicaIDs); err != nil {
			return err
		}
		for _, r := range sortedReplicas(t) {
			if err := w.validateReplicaWritable(t, r); err != nil {
				return err
			}
		}
		replicated = append(replicated, replicatedRecord{tablet: t, record: record})
	}

	for _, rr := range replicated {
		rowCount := int64(rr.record.RowCount)
		for _, r := range syncReplicas(rr.tablet) {
			r.CurrentReplicationRowIndex += rowCount
		}
		rr.tablet.delayedLocklessRowCount += rowCount
	}

	internal.Verify(!tx.rowsPrepared, "rows of transaction %s are already prepared", tx.id)
	tx.rowsPrepared = true
	return nil
}

func (w *WriteManager) onTransactionCommitted(tx *Transaction) {
	internal.Verify(tx.PrelockedRowCount() == 0,
		"transaction %s committed with %d prelocked rows", tx.id, tx.PrelockedRowCount())
	commitTimestamp := tx.commitTimestamp

	for _, ref := range tx.lockedRows {
		if !w.host.ValidateAndDiscardRowRef(ref) {
			continue
		}
		if t := w.host.FindTablet(ref.Store.TabletID()); t != nil {
			finishTabletCommit(t, commitTimestamp)
		}
		ref.StoreManager.CommitRow(tx, ref)
	}
	tx.lockedRows = nil
	w.checkIfImmediateLockedTabletsFullyUnlocked(tx)

	for _, record := range tx.immediateLocklessWriteLog.Records() {
		if t := w.host.FindTablet(record.TabletID); t != nil {
			w.commitRecord(t, tx, record)
		}
	}

	for _, record := range tx.delayedLocklessWriteLog.Records() {
		t := w.host.FindTablet(record.TabletID)
		if t == nil {
			continue
		}
		t.UpdateLastWriteTimestamp(commitTimestamp)
		if !t.IsReplicated() {
			continue
		}
		for _, id := range record.SyncReplicaIDs {
			if r := t.FindReplicaInfo(id); r != nil && commitTimestamp > r.CurrentReplicationTimestamp {
				r.CurrentReplicationTimestamp = commitTimestamp
			}
		}
		w.host.AdvanceReplicatedTrimmedRowCount(t, tx)
	}

	if tx.delayedLocklessWriteLog.Empty() {
		w.host.UnlockLockedTablets(tx)
	}

	w.incrementLogCommitCounters(tx, &tx.immediateLockedWriteLog)
	w.incrementLogCommitCounters(tx, &tx.immediateLocklessWriteLog)
	w.incrementLogCommitCounters(tx, &tx.delayedLocklessWriteLog)

	w.dropWriteLog(&tx.immediateLockedWriteLog, tx)
	w.dropWriteLog(&tx.immediateLocklessWriteLog, tx)
}

func (w *WriteManager) onTransactionSerialized(tx *Transaction) {
	if tx.delayedLocklessWriteLog.Empty() {
		return
	}
	for _, record := range tx.delayedLocklessWriteLog.Records() {
		t := w.host.FindTablet(record.TabletID)
		if t == nil {
			continue
		}
		w.commitRecord(t, tx, record)
		if t.IsReplicated() {
			t.delayedLocklessRowCount -= int64(record.RowCount)
		}
	}
	w.host.UnlockLockedTablets(tx)
	w.dropWriteLog(&tx.delayedLocklessWriteLog, tx)
}

func (w *WriteManager) onTransactionAborted(tx *Transaction) {
	for i := len(tx.lockedRows) - 1; i >= 0; i-- {
		ref := tx.lockedRows[i]
		if w.host.ValidateAndDiscardRowRef(ref) {
			ref.StoreManager.AbortRow(tx, ref)
		}
	}
	tx.lockedRows = nil
	w.abortPrelockedRows(tx)

	w.checkIfImmediateLockedTabletsFullyUnlocked(tx)
	w.host.UnlockLockedTablets(tx)

	if tx.rowsPrepared {
		for _, record := range tx.delayedLocklessWriteLog.Records() {
			t := w.host.FindTablet(record.TabletID)
			if t == nil || !t.IsReplicated() {
				continue
			}
			for _, r := range syncReplicas(t) {
				r.CurrentReplicationRowIndex -= int64(record.RowCount)
			}
			t.delayedLocklessRowCount -= int64(record.RowCount)
		}
		tx.rowsPrepared = false
	}

	w.dropWriteLog(&tx.immediateLockedWriteLog, tx)
	w.dropWriteLog(&tx.immediateLocklessWriteLog, tx)
	w.dropWriteLog(&tx.delayedLocklessWriteLog, tx)
}

func (w *WriteManager) onTransientReset(tx *Transaction) {
	w.abortPrelockedRows(tx)
}

func (w *WriteManager) abortPrelockedRows(tx *Transaction) {
	for tx.PrelockedRowCount() > 0 {
		ref := tx.popPrelockedRow()
		if w.host.ValidateAndDiscardRowRef(ref) {
			ref.StoreManager.AbortRow(tx, ref)
		}
	}
}

func (w *WriteManager) incrementLogCommitCounters(tx *Transaction, writeLog *WriteLog) {
	for _, record := range writeLog.Records() {
		if t := w.host.FindTablet(record.TabletID); t != nil {
			incrementCommitCounters(t, tx.identity, record.RowCount, record.DataWeight)
		}
	}
}

// OnStopLeading releases tablets pinned by writes that will now be applied
// through the follower path.
func (w *WriteManager) OnStopLeading() {
	for !w.pinnedTablets.Empty() {
		v, _ := w.pinnedTablets.Dequeue()
		pinned, _ := v.(pinnedTablet)
		pinned.tablet.incrementInFlightMutationCount(pinned.replicatorWrite, -1)
		w.host.UnlockTablet(pinned.tablet)
	}
}

// OnAfterSnapshotLoaded rebuilds locks and accounting derived from the
// transactions' write logs.
func (w *WriteManager) OnAfterSnapshotLoaded() {
	for _, tx := range w.host.TransactionManager().Transactions() {
		internal.Verify(!tx.transient, "transient transaction %s in snapshot", tx.id)

		w.restoreWriteLog(tx, &tx.immediateLockedWriteLog, writeLogImmediateLocked)
		w.restoreWriteLog(tx, &tx.immediateLocklessWriteLog, writeLogImmediateLockless)
		w.restoreWriteLog(tx, &tx.delayedLocklessWriteLog, writeLogDelayedLockless)

		if tx.IsPrepared() {
			w.prepareLockedRows(tx)
		}
	}
}

func (w *WriteManager) restoreWriteLog(tx *Transaction, writeLog *WriteLog, kind writeLogKind) {
	for _, record := range writeLog.Records() {
		w.chargeWriteLogMemory(record.ByteSize())
		t := w.host.FindTablet(record.TabletID)
		if t == nil {
			continue
		}
		t.incrementPendingWriteRecordCount(tx.IsReplicatorWrite(), 1)

		if kind == writeLogImmediateLocked {
			wctx := &store.WriteContext{Phase: store.WritePhaseLock, Transaction: tx}
			t.storeManager.ExecuteWrites(rowbatch.NewReader(record.Data), wctx)
			internal.Verify(wctx.RowCount == record.RowCount,
				"tablet %s relocked %d rows of transaction %s, expected %d", t.id, wctx.RowCount, tx.id, record.RowCount)
		} else {
			tx.appendLockedTablet(t.id)
			w.host.LockTablet(t)
		}
		if kind == writeLogDelayedLockless && t.IsReplicated() && tx.rowsPrepared {
			t.delayedLocklessRowCount += int64(record.RowCount)
		}
	}
}

func (w *WriteManager) Clear() {
	w.chargeWriteLogMemory(-w.writeLogsMemory.Size())
	w.pinnedTablets.Clear()
}

func (w *WriteManager) validateClientTimestamp(id kv.TransactionID) error {
	client := id.Timestamp().Instant()
	server := w.host.LatestTimestamp().Instant()
	threshold := w.host.Config().ClientTimestampThreshold.Duration
	if client.After(server.Add(threshold)) || client.Before(server.Add(-threshold)) {
		return errors.Wrapf(kv.ErrTimestampOffLimits,
			"client timestamp %v, server timestamp %v, threshold %v", client, server, threshold)
	}
	return nil
}

func (w *WriteManager) validateReplicaWritable(t *Tablet, r *ReplicaInfo) error {
	switch r.Mode {
	case kv.ReplicaModeSync:
		expected := t.totalRowCount + t.delayedLocklessRowCount
		if r.CurrentReplicationRowIndex < expected {
			return errors.Wrapf(kv.ErrReplicaNotWritable,
				"sync replica %s of tablet %s is at row %d, tablet is at %d",
				r.ID, t.id, r.CurrentReplicationRowIndex, expected)
		}
		if r.CurrentReplicationRowIndex > expected {
			w.log.Log(context.Background(), kv.LevelAlert, "sync replica is ahead of its tablet",
				slog.String("tablet_id", t.id.String()),
				slog.String("replica_id", r.ID.String()),
				slog.Int64("replica_row_index", r.CurrentReplicationRowIndex),
				slog.Int64("tablet_row_count", expected),
			)
		}
		if r.State != kv.ReplicaStateEnabled {
			return errors.Wrapf(kv.ErrReplicaNotWritable,
				"sync replica %s of tablet %s is %s", r.ID, t.id, r.State)
		}
	case kv.ReplicaModeAsync:
		if r.CurrentReplicationRowIndex > t.totalRowCount {
			return errors.Wrapf(kv.ErrReplicaNotWritable,
				"async replica %s of tablet %s is at row %d past total row count %d",
				r.ID, t.id, r.CurrentReplicationRowIndex, t.totalRowCount)
		}
	default:
		internal.Unreachable("replica mode %v", r.Mode)
	}
	return nil
}

func validateSyncReplicaSet(t *Tablet, syncReplicaIDs []kv.ReplicaID) error {
	written := make(map[kv.ReplicaID]struct{}, len(syncReplicaIDs))
	for _, id := range syncReplicaIDs {
		r := t.FindReplicaInfo(id)
		if r == nil {
			return errors.Wrapf(kv.ErrSyncReplicaIsNotKnown, "replica %s of tablet %s", id, t.id)
		}
		if r.Mode != kv.ReplicaModeSync {
			return errors.Wrapf(kv.ErrSyncReplicaIsNotInSyncMode, "replica %s of tablet %s is %s", id, t.id, r.Mode)
		}
		written[id] = struct{}{}
	}
	for _, r := range syncReplicas(t) {
		if _, ok := written[r.ID]; !ok {
			return errors.Wrapf(kv.ErrSyncReplicaIsNotWritten, "replica %s of tablet %s", r.ID, t.id)
		}
	}
	return nil
}

func validateTabletStoreLimit(t *Tablet) error {
	mount := t.settings.Mount
	sm := t.storeManager
	if n := sm.StoreCount(); n >= mount.MaxStoresPerTablet {
		return errors.Wrapf(kv.ErrAllWritesDisabled,
			"too many stores in tablet %s: %d >= %d", t.id, n, mount.MaxStoresPerTablet)
	}
	if n := sm.OverlappingStoreCount(); n >= mount.MaxOverlappingStoreCount {
		return errors.Wrapf(kv.ErrAllWritesDisabled,
			"too many overlapping stores in tablet %s: %d >= %d", t.id, n, mount.MaxOverlappingStoreCount)
	}
	if n := sm.EdenStoreCount(); n >= mount.MaxEdenStoresPerTablet {
		return errors.Wrapf(kv.ErrAllWritesDisabled,
			"too many eden stores in tablet %s: %d >= %d", t.id, n, mount.MaxEdenStoresPerTablet)
	}
	if err := sm.CheckOverflow(); err != nil {
		return errors.Wrapf(kv.ErrActiveStoreOverflow, "tablet %s: %v", t.id, err)
	}
	return nil
}

func validateWriteBarrier(replicatorWrite bool, t *Tablet) error {
	if replicatorWrite {
		if n := t.inFlightUserMutationCount + t.pendingUserWriteRecordCount; n > 0 {
			return errors.Wrapf(kv.ErrReplicatorWriteBlocked,
				"tablet %s has %d pending user writes", t.id, n)
		}
		return nil
	}
	if n := t.inFlightReplicatorMutationCount + t.pendingReplicatorWriteRecordCount; n > 0 {
		return errors.Wrapf(kv.ErrUserWriteBlocked,
			"tablet %s has %d pending replicator writes", t.id, n)
	}
	return nil
}

func validateTransactionActive(tx *Transaction) error {
	if tx.state != kv.TransactionStateActive {
		return errors.Wrapf(kv.ErrInvalidTransactionState, "transaction %s is %s", tx.id, tx.state)
	}
	return nil
}

// validateDeclaredStats checks the declared counts of a lockless batch
// against the rows left in the reader.
func validateDeclaredStats(req WriteRequest, reader *rowbatch.Reader) error {
	rowCount, dataWeight, err := rowbatch.Stats(reader.Slice(reader.Current(), reader.End()))
	if err != nil {
		return errors.Wrapf(kv.ErrInvalidRowBatch, "%v", err)
	}
	if rowCount != req.RowCount || dataWeight != req.DataWeight {
		return errors.Wrapf(kv.ErrInvalidRowBatch,
			"declared %d rows of weight %d, batch has %d rows of weight %d",
			req.RowCount, req.DataWeight, rowCount, dataWeight)
	}
	return nil
}
