package kv

import "github.com/cockroachdb/errors"

// Write intake.
var (
	ErrNoSuchTablet          = errors.New("no such tablet")
	ErrMountRevisionMismatch = errors.New("invalid mount revision")
	ErrTabletNotMounted      = errors.New("tablet is not mounted")
	ErrTimestampOffLimits    = errors.New("client timestamp is off limits")
	ErrAllWritesDisabled     = errors.New("all writes disabled")
	// ErrActiveStoreOverflow wraps ErrAllWritesDisabled.
	ErrActiveStoreOverflow       = errors.Wrap(ErrAllWritesDisabled, "active store is overflown")
	ErrMemoryLimitExceeded       = errors.New("memory limit exceeded")
	ErrUserWriteBlocked          = errors.New("user write is blocked by replicator writes")
	ErrReplicatorWriteBlocked    = errors.New("replicator write is blocked by user writes")
	ErrTransactionLockConflict   = errors.New("transaction lock conflict")
	ErrInvalidTransactionState   = errors.New("invalid transaction state")
	ErrNoSuchTransaction         = errors.New("no such transaction")
	ErrRowBlockedTimeout         = errors.New("timed out waiting on blocked row")
	ErrInvalidRowBatch           = errors.New("invalid row batch")
	ErrTransactionTimestampOrder = errors.New("transaction timestamps out of order")
	ErrTransactionIncomplete     = errors.New("transaction is incomplete")
	ErrTabletAlreadyMounted      = errors.New("tablet is already mounted")
)

// Transaction prepare.
var (
	ErrSyncReplicaIsNotKnown      = errors.New("sync replica is not known")
	ErrSyncReplicaIsNotInSyncMode = errors.New("sync replica is not in sync mode")
	ErrSyncReplicaIsNotWritten    = errors.New("sync replica is not written")
	ErrReplicaNotWritable         = errors.New("replica is not writable")
)

// Consensus.
var (
	ErrNotLeader           = errors.New("not leader")
	ErrLeadershipLost      = errors.New("leadership lost")
	ErrUnknownMutationType = errors.New("unknown mutation type")
	ErrInvalidPayload      = errors.New("invalid mutation payload")
)
