package store

import (
	"context"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/bootjp/tabletnode/internal"
	"github.com/bootjp/tabletnode/kv"
	"github.com/bootjp/tabletnode/rowbatch"
)

// SortedStoreManager serves key-sorted tablets. Rows are locked in the
// dynamic stores and committed into the versioned store.
type SortedStoreManager struct {
	storeSet
	versioned     VersionedStore
	totalRowCount int64
	log           *slog.Logger
}

var _ Manager = (*SortedStoreManager)(nil)

func NewSortedStoreManager(versioned VersionedStore, mount kv.MountConfig, opts ...ManagerOption) *SortedStoreManager {
	o := buildManagerOptions(opts)
	return &SortedStoreManager{
		storeSet:  newStoreSet(o, mount),
		versioned: versioned,
		log:       o.log,
	}
}

func (m *SortedStoreManager) ExecuteWrites(reader *rowbatch.Reader, ctx *WriteContext) bool {
	for !reader.IsFinished() {
		pos := reader.Current()
		row, err := reader.Read()
		if err != nil {
			ctx.Error = errors.Wrapf(kv.ErrInvalidRowBatch, "%v", err)
			return false
		}

		switch ctx.Phase {
		case WritePhasePrelock:
			if !m.prelockRow(row, ctx) {
				reader.SetCurrent(pos)
				return false
			}
		case WritePhaseLock:
			m.lockRow(row, ctx)
		case WritePhaseCommit:
			m.applyRow(row, ctx.CommitTimestamp)
			m.account(row.Key, row.DataWeight())
			m.totalRowCount++
		default:
			internal.Unreachable("write phase %v", ctx.Phase)
		}
		ctx.RowCount++
		ctx.DataWeight += row.DataWeight()
	}
	return true
}

// findRowLock looks the key up in every live dynamic store.
func (m *SortedStoreManager) findRowLock(key []byte, hash uint64) (*DynamicStore, *rowLock) {
	for _, d := range m.dynamic {
		if d.state == StoreStateOrphaned {
			continue
		}
		if l := d.findLock(key, hash); l != nil {
			return d, l
		}
	}
	return nil, nil
}

func (m *SortedStoreManager) prelockRow(row rowbatch.Row, ctx *WriteContext) bool {
	owner := ctx.Transaction
	hash := hashKey(row.Key)

	if d, l := m.findRowLock(row.Key, hash); l != nil {
		if l.owner != owner.ID() {
			ctx.Blocked = &BlockedRow{
				Store:   d,
				Key:     l.key,
				KeyHash: hash,
				Owner:   l.owner,
				release: l.released,
			}
			return false
		}
		l.refs++
		owner.PushPrelockedRow(RowRef{Store: d, StoreManager: m, Row: row, lock: l})
		return true
	}

	latest, found, err := m.versioned.LatestCommitTS(context.Background(), row.Key)
	if err != nil {
		ctx.Error = errors.WithStack(err)
		return false
	}
	if found && kv.Timestamp(latest) > owner.StartTimestamp() {
		ctx.Error = errors.Wrapf(kv.ErrTransactionLockConflict,
			"key %q committed at %s after transaction %s started at %s",
			row.Key, kv.Timestamp(latest), owner.ID(), owner.StartTimestamp())
		return false
	}

	active := m.active()
	l := active.addLock(row.Key, hash, owner.ID())
	l.refs = 1
	m.account(row.Key, row.DataWeight())
	owner.PushPrelockedRow(RowRef{Store: active, StoreManager: m, Row: row, lock: l})
	return true
}

func (m *SortedStoreManager) lockRow(row rowbatch.Row, ctx *WriteContext) {
	owner := ctx.Transaction
	hash := hashKey(row.Key)

	d, l := m.findRowLock(row.Key, hash)
	if l != nil {
		internal.Verify(l.owner == owner.ID(), "row %q is locked by %s, cannot lock for %s", row.Key, l.owner, owner.ID())
		l.refs++
	} else {
		d = m.active()
		l = d.addLock(row.Key, hash, owner.ID())
		l.refs = 1
		m.account(row.Key, row.DataWeight())
	}
	owner.AppendLockedRow(RowRef{Store: d, StoreManager: m, Row: row, lock: l})
}

func (m *SortedStoreManager) applyRow(row rowbatch.Row, ts kv.Timestamp) {
	var err error
	switch row.Command {
	case rowbatch.CommandWriteRow:
		err = m.versioned.PutAt(context.Background(), row.Key, row.Value, uint64(ts))
	case rowbatch.CommandDeleteRow:
		err = m.versioned.DeleteAt(context.Background(), row.Key, uint64(ts))
	default:
		internal.Unreachable("row command %v", row.Command)
	}
	if err != nil {
		m.log.Error("failed to apply row",
			slog.String("key", string(row.Key)),
			slog.String("commit_ts", ts.String()),
			slog.Any("error", err),
		)
	}
}

func (m *SortedStoreManager) release(ref RowRef) {
	l := ref.lock
	if ref.Store.state == StoreStateOrphaned {
		return
	}
	l.refs--
	if l.refs == 0 {
		ref.Store.removeLock(l)
	}
}

func (m *SortedStoreManager) ConfirmRow(owner LockOwner, ref RowRef) {
	owner.AppendLockedRow(ref)
}

func (m *SortedStoreManager) PrepareRow(_ LockOwner, ref RowRef) {
	ref.lock.prepared = true
}

func (m *SortedStoreManager) CommitRow(owner LockOwner, ref RowRef) {
	internal.Verify(ref.lock.owner == owner.ID(), "row %q committed by %s but locked by %s", ref.Row.Key, owner.ID(), ref.lock.owner)
	m.applyRow(ref.Row, owner.CommitTimestamp())
	m.totalRowCount++
	m.release(ref)
}

func (m *SortedStoreManager) AbortRow(_ LockOwner, ref RowRef) {
	m.release(ref)
}

func (m *SortedStoreManager) TotalRowCount() int64 {
	return m.totalRowCount
}

func (m *SortedStoreManager) Versioned() VersionedStore {
	return m.versioned
}

func (m *SortedStoreManager) Snapshot() (io.ReadWriter, error) {
	return writeSnapshot(storeSetSnapshot{Chunks: m.chunks, TotalRowCount: m.totalRowCount}, m.versioned)
}

func (m *SortedStoreManager) Restore(r io.Reader) error {
	layout, err := readSnapshot(r, m.versioned)
	if err != nil {
		return err
	}
	m.reset(layout.Chunks)
	m.totalRowCount = layout.TotalRowCount
	return nil
}

func (m *SortedStoreManager) Close() error {
	m.Orphan()
	return errors.WithStack(m.versioned.Close())
}
