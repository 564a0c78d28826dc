package tablet

import (
	"time"

	"github.com/emirpasic/gods/queues/arrayqueue"

	"github.com/bootjp/tabletnode/internal"
	"github.com/bootjp/tabletnode/kv"
	"github.com/bootjp/tabletnode/store"
)

// Signature is what clients attach to each write batch. A transaction is
// complete once the signatures of all its batches add up to FinalSignature.
type Signature uint32

const (
	InitialSignature Signature = 0
	FinalSignature   Signature = 0xffffffff
)

// TransactionWriteRecord is one batch of rows queued in a write log.
type TransactionWriteRecord struct {
	TabletID       kv.TabletID
	Data           []byte
	RowCount       int
	DataWeight     int64
	SyncReplicaIDs []kv.ReplicaID
}

func (r TransactionWriteRecord) ByteSize() int64 {
	return int64(len(r.Data))
}

// WriteLog keeps records in arrival order.
type WriteLog struct {
	records []TransactionWriteRecord
}

func (l *WriteLog) Enqueue(r TransactionWriteRecord) {
	l.records = append(l.records, r)
}

func (l *WriteLog) Records() []TransactionWriteRecord {
	return l.records
}

func (l *WriteLog) Len() int {
	return len(l.records)
}

func (l *WriteLog) Empty() bool {
	return len(l.records) == 0
}

func (l *WriteLog) Clear() {
	l.records = nil
}

type Transaction struct {
	id               kv.TransactionID
	startTimestamp   kv.Timestamp
	prepareTimestamp kv.Timestamp
	commitTimestamp  kv.Timestamp
	timeout          time.Duration
	state            kv.TransactionState
	transient        bool
	identity         kv.AuthenticationIdentity

	transientSignature  Signature
	persistentSignature Signature

	immediateLockedWriteLog   WriteLog
	immediateLocklessWriteLog WriteLog
	delayedLocklessWriteLog   WriteLog

	prelockedRows *arrayqueue.Queue
	lockedRows    []store.RowRef
	lockedTablets []kv.TabletID
	rowsPrepared  bool
}

var _ store.LockOwner = (*Transaction)(nil)

func newTransaction(id kv.TransactionID, startTimestamp kv.Timestamp, timeout time.Duration, transient bool, identity kv.AuthenticationIdentity) *Transaction {
	return &Transaction{
		id:             id,
		startTimestamp: startTimestamp,
		timeout:        timeout,
		state:          kv.TransactionStateActive,
		transient:      transient,
		identity:       identity,
		prelockedRows:  arrayqueue.New(),
	}
}

func (t *Transaction) ID() kv.TransactionID {
	return t.id
}

func (t *Transaction) StartTimestamp() kv.Timestamp {
	return t.startTimestamp
}

func (t *Transaction) PrepareTimestamp() kv.Timestamp {
	return t.prepareTimestamp
}

func (t *Transaction) CommitTimestamp() kv.Timestamp {
	return t.commitTimestamp
}

func (t *Transaction) Timeout() time.Duration {
	return t.timeout
}

func (t *Transaction) State() kv.TransactionState {
	return t.state
}

func (t *Transaction) IsTransient() bool {
	return t.transient
}

// IsPrepared reports a transaction that was prepared and not finished yet.
func (t *Transaction) IsPrepared() bool {
	return t.state == kv.TransactionStateTransientCommitPrepared ||
		t.state == kv.TransactionStatePersistentCommitPrepared
}

func (t *Transaction) Identity() kv.AuthenticationIdentity {
	return t.identity
}

func (t *Transaction) IsReplicatorWrite() bool {
	return t.identity.IsReplicator()
}

func (t *Transaction) TransientSignature() Signature {
	return t.transientSignature
}

func (t *Transaction) PersistentSignature() Signature {
	return t.persistentSignature
}

func (t *Transaction) ImmediateLockedWriteLog() *WriteLog {
	return &t.immediateLockedWriteLog
}

func (t *Transaction) ImmediateLocklessWriteLog() *WriteLog {
	return &t.immediateLocklessWriteLog
}

func (t *Transaction) DelayedLocklessWriteLog() *WriteLog {
	return &t.delayedLocklessWriteLog
}

func (t *Transaction) RowsPrepared() bool {
	return t.rowsPrepared
}

func (t *Transaction) LockedTablets() []kv.TabletID {
	return t.lockedTablets
}

func (t *Transaction) LockedRows() []store.RowRef {
	return t.lockedRows
}

func (t *Transaction) PrelockedRowCount() int {
	return t.prelockedRows.Size()
}

func (t *Transaction) PushPrelockedRow(ref store.RowRef) {
	t.prelockedRows.Enqueue(ref)
}

func (t *Transaction) popPrelockedRow() store.RowRef {
	v, ok := t.prelockedRows.Dequeue()
	internal.Verify(ok, "transaction %s has no prelocked rows left", t.id)
	ref, _ := v.(store.RowRef)
	return ref
}

func (t *Transaction) prelockedRowRefs() []store.RowRef {
	refs := make([]store.RowRef, 0, t.prelockedRows.Size())
	it := t.prelockedRows.Iterator()
	for it.Next() {
		ref, _ := it.Value().(store.RowRef)
		refs = append(refs, ref)
	}
	return refs
}

func (t *Transaction) AppendLockedRow(ref store.RowRef) {
	t.lockedRows = append(t.lockedRows, ref)
}

func (t *Transaction) appendLockedTablet(id kv.TabletID) {
	t.lockedTablets = append(t.lockedTablets, id)
}

func (t *Transaction) hasWriteLogs() bool {
	return !t.immediateLockedWriteLog.Empty() ||
		!t.immediateLocklessWriteLog.Empty() ||
		!t.delayedLocklessWriteLog.Empty()
}

// transactionSnapshot is the persistent part of a transaction. Locks, row
// references and transient state are rebuilt after load.
type transactionSnapshot struct {
	ID                        kv.TransactionID
	StartTimestamp            kv.Timestamp
	PrepareTimestamp          kv.Timestamp
	CommitTimestamp           kv.Timestamp
	Timeout                   time.Duration
	State                     kv.TransactionState
	Identity                  kv.AuthenticationIdentity
	PersistentSignature       Signature
	ImmediateLockedWriteLog   []TransactionWriteRecord
	ImmediateLocklessWriteLog []TransactionWriteRecord
	DelayedLocklessWriteLog   []TransactionWriteRecord
	RowsPrepared              bool
}

func (t *Transaction) snapshot() transactionSnapshot {
	state := t.state
	if state == kv.TransactionStateTransientCommitPrepared {
		state = kv.TransactionStateActive
	}
	return transactionSnapshot{
		ID:                        t.id,
		StartTimestamp:            t.startTimestamp,
		PrepareTimestamp:          t.prepareTimestamp,
		CommitTimestamp:           t.commitTimestamp,
		Timeout:                   t.timeout,
		State:                     state,
		Identity:                  t.identity,
		PersistentSignature:       t.persistentSignature,
		ImmediateLockedWriteLog:   t.immediateLockedWriteLog.records,
		ImmediateLocklessWriteLog: t.immediateLocklessWriteLog.records,
		DelayedLocklessWriteLog:   t.delayedLocklessWriteLog.records,
		RowsPrepared:              t.rowsPrepared,
	}
}

func transactionFromSnapshot(s transactionSnapshot) *Transaction {
	t := newTransaction(s.ID, s.StartTimestamp, s.Timeout, false, s.Identity)
	t.prepareTimestamp = s.PrepareTimestamp
	t.commitTimestamp = s.CommitTimestamp
	t.state = s.State
	t.persistentSignature = s.PersistentSignature
	t.immediateLockedWriteLog.records = s.ImmediateLockedWriteLog
	t.immediateLocklessWriteLog.records = s.ImmediateLocklessWriteLog
	t.delayedLocklessWriteLog.records = s.DelayedLocklessWriteLog
	t.rowsPrepared = s.RowsPrepared
	return t
}
