package tablet

import (
	"bytes"
	"encoding/gob"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/queues/priorityqueue"

	"github.com/bootjp/tabletnode/hydra"
	"github.com/bootjp/tabletnode/internal"
	"github.com/bootjp/tabletnode/kv"
)

const (
	mutationPrepareTransaction = "TransactionManager.PrepareTransaction"
	mutationCommitTransaction  = "TransactionManager.CommitTransaction"
	mutationAbortTransaction   = "TransactionManager.AbortTransaction"
)

type PreparedHandler func(tx *Transaction, persistent bool) error
type TransactionHandler func(tx *Transaction)

type prepareTransactionRequest struct {
	ID               kv.TransactionID
	PrepareTimestamp kv.Timestamp
}

type commitTransactionRequest struct {
	ID              kv.TransactionID
	CommitTimestamp kv.Timestamp
}

type abortTransactionRequest struct {
	ID    kv.TransactionID
	Force bool
}

// TransactionManager owns the transactions of a cell and drives them
// through prepare, commit, serialization and abort.
type TransactionManager struct {
	hydra.PartBase

	automaton *hydra.Automaton
	manager   hydra.Manager
	log       *slog.Logger

	persistent map[kv.TransactionID]*Transaction
	transient  map[kv.TransactionID]*Transaction

	// Prepared and not yet finished transactions hold back serialization of
	// anything committed at or after their prepare timestamp.
	prepared          map[kv.TransactionID]kv.Timestamp
	serializationHeap *priorityqueue.Queue

	preparedHandlers       []PreparedHandler
	committedHandlers      []TransactionHandler
	serializedHandlers     []TransactionHandler
	abortedHandlers        []TransactionHandler
	transientResetHandlers []TransactionHandler
}

func byCommitTimestamp(a, b interface{}) int {
	ta, _ := a.(*Transaction)
	tb, _ := b.(*Transaction)
	switch {
	case ta.commitTimestamp < tb.commitTimestamp:
		return -1
	case ta.commitTimestamp > tb.commitTimestamp:
		return 1
	default:
		return bytes.Compare(ta.id[:], tb.id[:])
	}
}

func NewTransactionManager(a *hydra.Automaton, manager hydra.Manager) *TransactionManager {
	m := &TransactionManager{
		automaton: a,
		manager:   manager,
		log:       a.Logger().With(slog.String("part", "transaction_manager")),
	}
	m.Clear()
	a.RegisterPart(m)
	a.RegisterMethod(mutationPrepareTransaction, m.hydraPrepareTransaction)
	a.RegisterMethod(mutationCommitTransaction, m.hydraCommitTransaction)
	a.RegisterMethod(mutationAbortTransaction, m.hydraAbortTransaction)
	return m
}

func (m *TransactionManager) Name() string {
	return "TransactionManager"
}

func (m *TransactionManager) SubscribeTransactionPrepared(h PreparedHandler) {
	m.preparedHandlers = append(m.preparedHandlers, h)
}

func (m *TransactionManager) SubscribeTransactionCommitted(h TransactionHandler) {
	m.committedHandlers = append(m.committedHandlers, h)
}

func (m *TransactionManager) SubscribeTransactionSerialized(h TransactionHandler) {
	m.serializedHandlers = append(m.serializedHandlers, h)
}

func (m *TransactionManager) SubscribeTransactionAborted(h TransactionHandler) {
	m.abortedHandlers = append(m.abortedHandlers, h)
}

func (m *TransactionManager) SubscribeTransactionTransientReset(h TransactionHandler) {
	m.transientResetHandlers = append(m.transientResetHandlers, h)
}

// GetOrCreateTransaction returns the transaction, creating it when missing.
// fresh reports whether it was created by this call.
func (m *TransactionManager) GetOrCreateTransaction(
	id kv.TransactionID,
	startTimestamp kv.Timestamp,
	timeout time.Duration,
	transient bool,
	identity kv.AuthenticationIdentity,
) (tx *Transaction, fresh bool) {
	if tx, ok := m.persistent[id]; ok {
		return tx, false
	}
	if tx, ok := m.transient[id]; ok {
		if !transient {
			return m.MakeTransactionPersistent(id), false
		}
		return tx, false
	}

	tx = newTransaction(id, startTimestamp, timeout, transient, identity)
	if transient {
		m.transient[id] = tx
	} else {
		m.persistent[id] = tx
	}
	m.log.Debug("transaction started",
		slog.String("transaction_id", id.String()),
		slog.String("start_ts", startTimestamp.String()),
		slog.Bool("transient", transient),
	)
	return tx, true
}

func (m *TransactionManager) MakeTransactionPersistent(id kv.TransactionID) *Transaction {
	if tx, ok := m.transient[id]; ok {
		delete(m.transient, id)
		tx.transient = false
		m.persistent[id] = tx
		return tx
	}
	tx, ok := m.persistent[id]
	internal.Verify(ok, "transaction %s is not known", id)
	return tx
}

func (m *TransactionManager) DropTransaction(tx *Transaction) {
	internal.Verify(!tx.hasWriteLogs(), "dropping transaction %s with queued writes", tx.id)
	delete(m.transient, tx.id)
	delete(m.persistent, tx.id)
}

func (m *TransactionManager) FindTransaction(id kv.TransactionID) *Transaction {
	if tx, ok := m.persistent[id]; ok {
		return tx
	}
	return m.transient[id]
}

func (m *TransactionManager) FindPersistentTransaction(id kv.TransactionID) *Transaction {
	return m.persistent[id]
}

// Transactions returns the persistent transactions ordered by id.
func (m *TransactionManager) Transactions() []*Transaction {
	txs := make([]*Transaction, 0, len(m.persistent))
	for _, tx := range m.persistent {
		txs = append(txs, tx)
	}
	sort.Slice(txs, func(i, j int) bool {
		return bytes.Compare(txs[i].id[:], txs[j].id[:]) < 0
	})
	return txs
}

func (m *TransactionManager) TransientTransactionCount() int {
	return len(m.transient)
}

// PrepareTransactionCommit prepares the transaction. A transient prepare
// happens on the leader right away; a persistent one goes through the log.
func (m *TransactionManager) PrepareTransactionCommit(id kv.TransactionID, persistent bool, prepareTimestamp kv.Timestamp) *hydra.Future {
	m.automaton.Lock()
	defer m.automaton.Unlock()

	if !persistent {
		tx := m.FindTransaction(id)
		if tx == nil {
			return hydra.ResolvedFuture(errors.Wrapf(kv.ErrNoSuchTransaction, "transaction %s", id))
		}
		return hydra.ResolvedFuture(m.prepareCommit(tx, false, prepareTimestamp))
	}
	return m.manager.CommitMutation(&hydra.Mutation{
		Type: mutationPrepareTransaction,
		Data: encodePayload(prepareTransactionRequest{ID: id, PrepareTimestamp: prepareTimestamp}),
	})
}

// CommitTransaction commits the transaction at commitTimestamp, preparing it
// first when needed.
func (m *TransactionManager) CommitTransaction(id kv.TransactionID, commitTimestamp kv.Timestamp) *hydra.Future {
	m.automaton.Lock()
	defer m.automaton.Unlock()

	return m.manager.CommitMutation(&hydra.Mutation{
		Type: mutationCommitTransaction,
		Data: encodePayload(commitTransactionRequest{ID: id, CommitTimestamp: commitTimestamp}),
	})
}

// AbortTransaction aborts the transaction. Prepared transactions are only
// aborted when forced.
func (m *TransactionManager) AbortTransaction(id kv.TransactionID, force bool) *hydra.Future {
	m.automaton.Lock()
	defer m.automaton.Unlock()

	return m.manager.CommitMutation(&hydra.Mutation{
		Type: mutationAbortTransaction,
		Data: encodePayload(abortTransactionRequest{ID: id, Force: force}),
	})
}

func (m *TransactionManager) hydraPrepareTransaction(mc *hydra.MutationContext) error {
	var req prepareTransactionRequest
	if err := decodePayload(mc.Data, &req); err != nil {
		return err
	}
	tx, ok := m.persistent[req.ID]
	if !ok {
		return errors.Wrapf(kv.ErrNoSuchTransaction, "transaction %s", req.ID)
	}
	return m.prepareCommit(tx, true, req.PrepareTimestamp)
}

func (m *TransactionManager) hydraCommitTransaction(mc *hydra.MutationContext) error {
	var req commitTransactionRequest
	if err := decodePayload(mc.Data, &req); err != nil {
		return err
	}
	tx, ok := m.persistent[req.ID]
	if !ok {
		return errors.Wrapf(kv.ErrNoSuchTransaction, "transaction %s", req.ID)
	}
	if tx.state != kv.TransactionStatePersistentCommitPrepared {
		if err := m.prepareCommit(tx, true, req.CommitTimestamp); err != nil {
			return err
		}
	}
	if req.CommitTimestamp < tx.prepareTimestamp {
		return errors.Wrapf(kv.ErrTransactionTimestampOrder,
			"transaction %s commit timestamp %s is before prepare timestamp %s",
			tx.id, req.CommitTimestamp, tx.prepareTimestamp)
	}

	tx.commitTimestamp = req.CommitTimestamp
	tx.state = kv.TransactionStateCommitted
	delete(m.prepared, tx.id)
	for _, h := range m.committedHandlers {
		h(tx)
	}
	m.log.Debug("transaction committed",
		slog.String("transaction_id", tx.id.String()),
		slog.String("commit_ts", tx.commitTimestamp.String()),
	)

	m.serializationHeap.Enqueue(tx)
	m.serializeCommitted()
	return nil
}

func (m *TransactionManager) hydraAbortTransaction(mc *hydra.MutationContext) error {
	var req abortTransactionRequest
	if err := decodePayload(mc.Data, &req); err != nil {
		return err
	}
	tx, ok := m.persistent[req.ID]
	if !ok {
		if tx, ok = m.transient[req.ID]; !ok {
			return nil
		}
	}
	if tx.state == kv.TransactionStateCommitted {
		return errors.Wrapf(kv.ErrInvalidTransactionState, "transaction %s is already committed", tx.id)
	}
	if tx.state == kv.TransactionStatePersistentCommitPrepared && !req.Force {
		return errors.Wrapf(kv.ErrInvalidTransactionState, "transaction %s is prepared", tx.id)
	}
	m.abort(tx)
	m.serializeCommitted()
	return nil
}

func (m *TransactionManager) prepareCommit(tx *Transaction, persistent bool, prepareTimestamp kv.Timestamp) error {
	switch tx.state {
	case kv.TransactionStateActive:
	case kv.TransactionStateTransientCommitPrepared:
		if !persistent {
			return nil
		}
	case kv.TransactionStatePersistentCommitPrepared:
		return nil
	default:
		return errors.Wrapf(kv.ErrInvalidTransactionState, "transaction %s is %s", tx.id, tx.state)
	}

	signature := tx.transientSignature
	if persistent {
		signature = tx.persistentSignature
	}
	if signature != FinalSignature {
		return errors.Wrapf(kv.ErrTransactionIncomplete,
			"transaction %s signature %x", tx.id, signature)
	}

	for _, h := range m.preparedHandlers {
		if err := h(tx, persistent); err != nil {
			return err
		}
	}

	tx.prepareTimestamp = prepareTimestamp
	if persistent {
		tx.state = kv.TransactionStatePersistentCommitPrepared
		m.prepared[tx.id] = prepareTimestamp
	} else {
		tx.state = kv.TransactionStateTransientCommitPrepared
	}
	m.log.Debug("transaction prepared",
		slog.String("transaction_id", tx.id.String()),
		slog.Bool("persistent", persistent),
		slog.String("prepare_ts", prepareTimestamp.String()),
	)
	return nil
}

func (m *TransactionManager) abort(tx *Transaction) {
	for _, h := range m.abortedHandlers {
		h(tx)
	}
	tx.state = kv.TransactionStateAborted
	delete(m.prepared, tx.id)
	delete(m.persistent, tx.id)
	delete(m.transient, tx.id)
	m.log.Debug("transaction aborted", slog.String("transaction_id", tx.id.String()))
}

func (m *TransactionManager) serializationBarrier() kv.Timestamp {
	barrier := kv.MaxTimestamp
	for _, ts := range m.prepared {
		if ts < barrier {
			barrier = ts
		}
	}
	return barrier
}

func (m *TransactionManager) serializeCommitted() {
	barrier := m.serializationBarrier()
	for {
		top, ok := m.serializationHeap.Peek()
		if !ok {
			return
		}
		tx, _ := top.(*Transaction)
		if tx.commitTimestamp >= barrier {
			return
		}
		m.serializationHeap.Dequeue()
		for _, h := range m.serializedHandlers {
			h(tx)
		}
		delete(m.persistent, tx.id)
		m.log.Debug("transaction serialized", slog.String("transaction_id", tx.id.String()))
	}
}

func (m *TransactionManager) Clear() {
	m.persistent = make(map[kv.TransactionID]*Transaction)
	m.transient = make(map[kv.TransactionID]*Transaction)
	m.prepared = make(map[kv.TransactionID]kv.Timestamp)
	m.serializationHeap = priorityqueue.NewWith(byCommitTimestamp)
}

func (m *TransactionManager) OnStopLeading() {
	for _, tx := range m.allTransactions() {
		for _, h := range m.transientResetHandlers {
			h(tx)
		}
		if tx.state == kv.TransactionStateTransientCommitPrepared {
			tx.state = kv.TransactionStateActive
		}
	}
	for id, tx := range m.transient {
		internal.Verify(!tx.hasWriteLogs(), "transient transaction %s has queued writes", id)
		delete(m.transient, id)
	}
}

func (m *TransactionManager) allTransactions() []*Transaction {
	txs := m.Transactions()
	transient := make([]*Transaction, 0, len(m.transient))
	for _, tx := range m.transient {
		transient = append(transient, tx)
	}
	sort.Slice(transient, func(i, j int) bool {
		return bytes.Compare(transient[i].id[:], transient[j].id[:]) < 0
	})
	return append(txs, transient...)
}

func (m *TransactionManager) SaveSnapshot(w io.Writer) error {
	txs := m.Transactions()
	snaps := make([]transactionSnapshot, 0, len(txs))
	for _, tx := range txs {
		snaps = append(snaps, tx.snapshot())
	}
	return errors.WithStack(gob.NewEncoder(w).Encode(snaps))
}

func (m *TransactionManager) LoadSnapshot(r io.Reader) error {
	var snaps []transactionSnapshot
	if err := gob.NewDecoder(r).Decode(&snaps); err != nil {
		return errors.WithStack(err)
	}
	for _, s := range snaps {
		tx := transactionFromSnapshot(s)
		m.persistent[tx.id] = tx
		switch tx.state {
		case kv.TransactionStatePersistentCommitPrepared:
			m.prepared[tx.id] = tx.prepareTimestamp
		case kv.TransactionStateCommitted:
			m.serializationHeap.Enqueue(tx)
		}
	}
	m.log.Info("transactions loaded", slog.Int("count", len(snaps)))
	return nil
}
