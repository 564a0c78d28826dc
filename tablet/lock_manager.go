package tablet

import (
	"github.com/cockroachdb/errors"

	"github.com/bootjp/tabletnode/kv"
)

// LockManager tracks transactions holding a whole tablet, e.g. bulk
// inserts. Row writers must not start before such a transaction commits.
type LockManager struct {
	locks               map[kv.TransactionID]kv.Timestamp
	lastCommitTimestamp kv.Timestamp
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[kv.TransactionID]kv.Timestamp)}
}

// Lock takes the tablet for the transaction.
func (m *LockManager) Lock(id kv.TransactionID, startTimestamp kv.Timestamp) {
	m.locks[id] = startTimestamp
}

// Unlock releases the tablet. A null commit timestamp means the holder aborted.
func (m *LockManager) Unlock(id kv.TransactionID, commitTimestamp kv.Timestamp) {
	delete(m.locks, id)
	if commitTimestamp > m.lastCommitTimestamp {
		m.lastCommitTimestamp = commitTimestamp
	}
}

func (m *LockManager) HasLocks() bool {
	return len(m.locks) > 0
}

func (m *LockManager) ValidateTransactionConflict(startTimestamp kv.Timestamp) error {
	for id := range m.locks {
		return errors.Wrapf(kv.ErrTransactionLockConflict,
			"tablet is locked by transaction %s", id)
	}
	if m.lastCommitTimestamp > startTimestamp {
		return errors.Wrapf(kv.ErrTransactionLockConflict,
			"tablet lock was released at %s after transaction start %s",
			m.lastCommitTimestamp, startTimestamp)
	}
	return nil
}

type lockManagerSnapshot struct {
	Locks               map[kv.TransactionID]kv.Timestamp
	LastCommitTimestamp kv.Timestamp
}

func (m *LockManager) snapshot() lockManagerSnapshot {
	locks := make(map[kv.TransactionID]kv.Timestamp, len(m.locks))
	for id, ts := range m.locks {
		locks[id] = ts
	}
	return lockManagerSnapshot{Locks: locks, LastCommitTimestamp: m.lastCommitTimestamp}
}

func (m *LockManager) restore(s lockManagerSnapshot) {
	m.locks = make(map[kv.TransactionID]kv.Timestamp, len(s.Locks))
	for id, ts := range s.Locks {
		m.locks[id] = ts
	}
	m.lastCommitTimestamp = s.LastCommitTimestamp
}
