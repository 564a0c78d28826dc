package kv

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Atomicity tells whether writes take part in the transaction and lock
// protocol (Full) or commit immediately without locking (None).
type Atomicity int

const (
	AtomicityFull Atomicity = iota + 1
	AtomicityNone
)

func (a Atomicity) String() string {
	switch a {
	case AtomicityFull:
		return "full"
	case AtomicityNone:
		return "none"
	default:
		return "unknown"
	}
}

func (a Atomicity) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Atomicity) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "full":
		*a = AtomicityFull
	case "none":
		*a = AtomicityNone
	default:
		return errors.Newf("unknown atomicity %q", text)
	}
	return nil
}

// CommitOrdering tells whether locked writes may commit as soon as the
// transaction commits (Weak) or must wait for serialization (Strong).
type CommitOrdering int

const (
	CommitOrderingWeak CommitOrdering = iota + 1
	CommitOrderingStrong
)

func (o CommitOrdering) String() string {
	switch o {
	case CommitOrderingWeak:
		return "weak"
	case CommitOrderingStrong:
		return "strong"
	default:
		return "unknown"
	}
}

func (o CommitOrdering) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *CommitOrdering) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "weak":
		*o = CommitOrderingWeak
	case "strong":
		*o = CommitOrderingStrong
	default:
		return errors.Newf("unknown commit ordering %q", text)
	}
	return nil
}

type TabletState int

const (
	TabletStateMounted TabletState = iota + 1
	TabletStateUnmountWaitingForLocks
	TabletStateUnmounted
	TabletStateOrphaned
)

func (s TabletState) String() string {
	switch s {
	case TabletStateMounted:
		return "mounted"
	case TabletStateUnmountWaitingForLocks:
		return "unmount_waiting_for_locks"
	case TabletStateUnmounted:
		return "unmounted"
	case TabletStateOrphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

type ReplicaMode int

const (
	ReplicaModeSync ReplicaMode = iota + 1
	ReplicaModeAsync
)

func (m ReplicaMode) String() string {
	switch m {
	case ReplicaModeSync:
		return "sync"
	case ReplicaModeAsync:
		return "async"
	default:
		return "unknown"
	}
}

func (m ReplicaMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *ReplicaMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "sync":
		*m = ReplicaModeSync
	case "async":
		*m = ReplicaModeAsync
	default:
		return errors.Newf("unknown replica mode %q", text)
	}
	return nil
}

type ReplicaState int

const (
	ReplicaStateDisabled ReplicaState = iota + 1
	ReplicaStateEnabled
)

func (s ReplicaState) String() string {
	switch s {
	case ReplicaStateDisabled:
		return "disabled"
	case ReplicaStateEnabled:
		return "enabled"
	default:
		return "unknown"
	}
}

type TransactionState int

const (
	TransactionStateActive TransactionState = iota + 1
	TransactionStateTransientCommitPrepared
	TransactionStatePersistentCommitPrepared
	TransactionStateCommitted
	TransactionStateAborted
)

func (s TransactionState) String() string {
	switch s {
	case TransactionStateActive:
		return "active"
	case TransactionStateTransientCommitPrepared:
		return "transient_commit_prepared"
	case TransactionStatePersistentCommitPrepared:
		return "persistent_commit_prepared"
	case TransactionStateCommitted:
		return "committed"
	case TransactionStateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
