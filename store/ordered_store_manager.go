package store

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/bootjp/tabletnode/internal"
	"github.com/bootjp/tabletnode/kv"
	"github.com/bootjp/tabletnode/rowbatch"
)

// OrderedStoreManager serves physically ordered tablets. Rows are appended
// in commit order under their row index and are never locked.
type OrderedStoreManager struct {
	storeSet
	versioned     VersionedStore
	totalRowCount int64
	log           *slog.Logger
}

var _ Manager = (*OrderedStoreManager)(nil)

func NewOrderedStoreManager(versioned VersionedStore, mount kv.MountConfig, opts ...ManagerOption) *OrderedStoreManager {
	o := buildManagerOptions(opts)
	return &OrderedStoreManager{
		storeSet:  newStoreSet(o, mount),
		versioned: versioned,
		log:       o.log,
	}
}

// RowIndexKey is the key an ordered row is stored under.
func RowIndexKey(index int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, internal.Int64ToUint64(index))
	return key
}

func (m *OrderedStoreManager) ExecuteWrites(reader *rowbatch.Reader, ctx *WriteContext) bool {
	if ctx.Phase != WritePhaseCommit {
		ctx.Error = errors.Wrapf(ErrUnsupportedPhase, "ordered store cannot run %v phase", ctx.Phase)
		return false
	}
	for !reader.IsFinished() {
		row, err := reader.Read()
		if err != nil {
			ctx.Error = errors.Wrapf(kv.ErrInvalidRowBatch, "%v", err)
			return false
		}
		m.appendRow(row, ctx.CommitTimestamp)
		ctx.RowCount++
		ctx.DataWeight += row.DataWeight()
	}
	return true
}

func (m *OrderedStoreManager) appendRow(row rowbatch.Row, ts kv.Timestamp) {
	w := rowbatch.NewWriter()
	if row.Command == rowbatch.CommandDeleteRow {
		w.DeleteRow(row.Key)
	} else {
		w.WriteRow(row.Key, row.Value)
	}
	key := RowIndexKey(m.totalRowCount)
	if err := m.versioned.PutAt(context.Background(), key, w.Finish(), uint64(ts)); err != nil {
		m.log.Error("failed to append row",
			slog.Int64("row_index", m.totalRowCount),
			slog.Any("error", err),
		)
	}
	m.account(key, row.DataWeight())
	m.totalRowCount++
}

// ReadRow returns the row stored at the given index.
func (m *OrderedStoreManager) ReadRow(ctx context.Context, index int64) (rowbatch.Row, error) {
	data, err := m.versioned.GetAt(ctx, RowIndexKey(index), uint64(kv.MaxTimestamp))
	if err != nil {
		return rowbatch.Row{}, err
	}
	return rowbatch.NewReader(data).Read()
}

func (m *OrderedStoreManager) ConfirmRow(LockOwner, RowRef) {
	internal.Unreachable("ordered store has no locked rows")
}

func (m *OrderedStoreManager) PrepareRow(LockOwner, RowRef) {
	internal.Unreachable("ordered store has no locked rows")
}

func (m *OrderedStoreManager) CommitRow(LockOwner, RowRef) {
	internal.Unreachable("ordered store has no locked rows")
}

func (m *OrderedStoreManager) AbortRow(LockOwner, RowRef) {
	internal.Unreachable("ordered store has no locked rows")
}

func (m *OrderedStoreManager) TotalRowCount() int64 {
	return m.totalRowCount
}

func (m *OrderedStoreManager) Versioned() VersionedStore {
	return m.versioned
}

func (m *OrderedStoreManager) Snapshot() (io.ReadWriter, error) {
	return writeSnapshot(storeSetSnapshot{Chunks: m.chunks, TotalRowCount: m.totalRowCount}, m.versioned)
}

func (m *OrderedStoreManager) Restore(r io.Reader) error {
	layout, err := readSnapshot(r, m.versioned)
	if err != nil {
		return err
	}
	m.reset(layout.Chunks)
	m.totalRowCount = layout.TotalRowCount
	return nil
}

func (m *OrderedStoreManager) Close() error {
	m.Orphan()
	return errors.WithStack(m.versioned.Close())
}
