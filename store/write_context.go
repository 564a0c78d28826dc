package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/bootjp/tabletnode/kv"
	"github.com/bootjp/tabletnode/rowbatch"
)

// WritePhase is how far ExecuteWrites takes each row: reserve it for the
// owner (Prelock), take it under a confirmed lock (Lock), or make it visible
// at the commit timestamp (Commit).
type WritePhase int

const (
	WritePhasePrelock WritePhase = iota + 1
	WritePhaseLock
	WritePhaseCommit
)

func (p WritePhase) String() string {
	switch p {
	case WritePhasePrelock:
		return "prelock"
	case WritePhaseLock:
		return "lock"
	case WritePhaseCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// LockOwner is the transaction rows are locked for.
type LockOwner interface {
	ID() kv.TransactionID
	StartTimestamp() kv.Timestamp
	CommitTimestamp() kv.Timestamp
	PushPrelockedRow(ref RowRef)
	AppendLockedRow(ref RowRef)
}

// RowRef points at one locked write inside a dynamic store. It does not own
// the lock; holders must check it with the host before use since the store
// may have been orphaned in the meantime.
type RowRef struct {
	Store        *DynamicStore
	StoreManager Manager
	Row          rowbatch.Row
	lock         *rowLock
}

// BlockedRow describes the row a prelock stopped on. Released is closed once
// the current owner lets go of the row.
type BlockedRow struct {
	Store   *DynamicStore
	Key     []byte
	KeyHash uint64
	Owner   kv.TransactionID
	release <-chan struct{}
}

func (b *BlockedRow) Released() <-chan struct{} {
	return b.release
}

type WriteContext struct {
	Phase           WritePhase
	Transaction     LockOwner
	CommitTimestamp kv.Timestamp

	RowCount   int
	DataWeight int64

	// Blocked is set when a prelock stopped on a row held by another
	// transaction; the reader is left before that row.
	Blocked *BlockedRow
	// Error is set when the batch cannot be written at all, e.g. on a
	// conflict with a newer committed version.
	Error error
}

// WaitOnBlockedRow waits until the blocked row is released. It must be called
// without holding the automaton lock.
func WaitOnBlockedRow(ctx context.Context, blocked *BlockedRow, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-blocked.Released():
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-timer.C:
		return errors.Wrapf(kv.ErrRowBlockedTimeout, "key %q is locked by transaction %s", blocked.Key, blocked.Owner)
	}
}
