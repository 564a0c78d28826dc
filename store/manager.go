package store

import (
	"bytes"
	"encoding/gob"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/bootjp/tabletnode/kv"
	"github.com/bootjp/tabletnode/rowbatch"
)

// Manager owns the stores of one mounted tablet.
type Manager interface {
	// ExecuteWrites consumes as much of reader as ctx.Phase allows and
	// reports whether the reader was drained. Rows consumed are accounted in
	// ctx.RowCount and ctx.DataWeight.
	ExecuteWrites(reader *rowbatch.Reader, ctx *WriteContext) bool
	CheckOverflow() error

	ConfirmRow(owner LockOwner, ref RowRef)
	PrepareRow(owner LockOwner, ref RowRef)
	CommitRow(owner LockOwner, ref RowRef)
	AbortRow(owner LockOwner, ref RowRef)

	StoreCount() int
	OverlappingStoreCount() int
	EdenStoreCount() int
	LockedRowCount() int
	TotalRowCount() int64
	DynamicMemoryUsage() int64

	// Rotate makes the active store passive and starts a new one.
	Rotate()
	// Flush turns passive stores without locks into chunks.
	Flush() int
	// Compact merges all chunks into one.
	Compact()
	// Orphan detaches every store, waking writers blocked on their rows.
	Orphan()
	// Remount replaces the store limits.
	Remount(mount kv.MountConfig)

	Versioned() VersionedStore
	Snapshot() (io.ReadWriter, error)
	Restore(r io.Reader) error
	Close() error
}

type managerOptions struct {
	log      *slog.Logger
	memory   *kv.MemoryGuard
	tabletID kv.TabletID
}

type ManagerOption func(*managerOptions)

func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(o *managerOptions) {
		o.log = l
	}
}

// WithDynamicMemory charges dynamic store sizes to the given guard.
func WithDynamicMemory(g *kv.MemoryGuard) ManagerOption {
	return func(o *managerOptions) {
		o.memory = g
	}
}

// WithTabletID tags the stores with the tablet they serve.
func WithTabletID(id kv.TabletID) ManagerOption {
	return func(o *managerOptions) {
		o.tabletID = id
	}
}

func buildManagerOptions(opts []ManagerOption) managerOptions {
	o := managerOptions{
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type chunk struct {
	MinKey []byte
	MaxKey []byte
	Rows   int
	Eden   bool
}

// storeSet is the store layout shared by sorted and ordered managers: the
// dynamic stores (the last one active) and the flushed chunks.
type storeSet struct {
	tabletID kv.TabletID
	mount    kv.MountConfig
	memory   *kv.MemoryGuard
	nextID   uint64
	dynamic  []*DynamicStore
	chunks   []chunk
}

func newStoreSet(o managerOptions, mount kv.MountConfig) storeSet {
	s := storeSet{tabletID: o.tabletID, mount: mount, memory: o.memory}
	s.startActive()
	return s
}

func (s *storeSet) startActive() {
	s.nextID++
	s.dynamic = append(s.dynamic, newDynamicStore(s.nextID, s.tabletID))
}

func (s *storeSet) active() *DynamicStore {
	return s.dynamic[len(s.dynamic)-1]
}

func (s *storeSet) account(key []byte, weight int64) {
	s.active().account(key, weight)
	s.memory.IncrementSize(weight)
}

func (s *storeSet) CheckOverflow() error {
	active := s.active()
	if active.rowCount >= s.mount.MaxDynamicStoreRowCount {
		return errors.Wrapf(ErrStoreOverflow, "row count %d reached limit %d", active.rowCount, s.mount.MaxDynamicStoreRowCount)
	}
	if active.poolSize >= int64(s.mount.MaxDynamicStorePoolSize) {
		return errors.Wrapf(ErrStoreOverflow, "pool size %d reached limit %d", active.poolSize, int64(s.mount.MaxDynamicStorePoolSize))
	}
	return nil
}

func (s *storeSet) Rotate() {
	s.active().state = StoreStatePassiveDynamic
	s.startActive()
}

func (s *storeSet) Flush() int {
	flushed := 0
	kept := s.dynamic[:0]
	for _, d := range s.dynamic {
		if d.state != StoreStatePassiveDynamic || d.lockedRowCount > 0 {
			kept = append(kept, d)
			continue
		}
		if d.rowCount > 0 {
			s.chunks = append(s.chunks, chunk{MinKey: d.minKey, MaxKey: d.maxKey, Rows: d.rowCount, Eden: true})
		}
		s.memory.IncrementSize(-d.poolSize)
		d.orphan()
		flushed++
	}
	s.dynamic = kept
	return flushed
}

func (s *storeSet) Compact() {
	if len(s.chunks) < 2 {
		for i := range s.chunks {
			s.chunks[i].Eden = false
		}
		return
	}
	merged := chunk{}
	for _, c := range s.chunks {
		merged.Rows += c.Rows
		if merged.MinKey == nil || bytes.Compare(c.MinKey, merged.MinKey) < 0 {
			merged.MinKey = c.MinKey
		}
		if merged.MaxKey == nil || bytes.Compare(c.MaxKey, merged.MaxKey) > 0 {
			merged.MaxKey = c.MaxKey
		}
	}
	s.chunks = []chunk{merged}
}

func (s *storeSet) Orphan() {
	for _, d := range s.dynamic {
		s.memory.IncrementSize(-d.poolSize)
		d.orphan()
	}
}

func (s *storeSet) Remount(mount kv.MountConfig) {
	s.mount = mount
}

func (s *storeSet) StoreCount() int {
	return len(s.dynamic) + len(s.chunks)
}

func (s *storeSet) EdenStoreCount() int {
	n := len(s.dynamic)
	for _, c := range s.chunks {
		if c.Eden {
			n++
		}
	}
	return n
}

// OverlappingStoreCount is the largest number of stores covering one key.
// Dynamic stores are unbounded and cover every key.
func (s *storeSet) OverlappingStoreCount() int {
	type event struct {
		key   []byte
		delta int
	}
	events := make([]event, 0, 2*len(s.chunks))
	for _, c := range s.chunks {
		events = append(events, event{key: c.MinKey, delta: 1}, event{key: c.MaxKey, delta: -1})
	}
	sort.SliceStable(events, func(i, j int) bool {
		if cmp := bytes.Compare(events[i].key, events[j].key); cmp != 0 {
			return cmp < 0
		}
		return events[i].delta > events[j].delta
	})
	depth, best := 0, 0
	for _, e := range events {
		depth += e.delta
		if depth > best {
			best = depth
		}
	}
	return best + len(s.dynamic)
}

func (s *storeSet) LockedRowCount() int {
	n := 0
	for _, d := range s.dynamic {
		n += d.lockedRowCount
	}
	return n
}

func (s *storeSet) DynamicMemoryUsage() int64 {
	var n int64
	for _, d := range s.dynamic {
		n += d.poolSize
	}
	return n
}

type storeSetSnapshot struct {
	Chunks        []chunk
	TotalRowCount int64
}

// writeSnapshot frames the layout and the versioned store dump together.
func writeSnapshot(layout storeSetSnapshot, versioned VersionedStore) (io.ReadWriter, error) {
	data, err := versioned.Snapshot()
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	buf := &bytes.Buffer{}
	enc := gob.NewEncoder(buf)
	if err := enc.Encode(layout); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := enc.Encode(raw); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf, nil
}

func readSnapshot(r io.Reader, versioned VersionedStore) (storeSetSnapshot, error) {
	dec := gob.NewDecoder(r)
	var layout storeSetSnapshot
	if err := dec.Decode(&layout); err != nil {
		return storeSetSnapshot{}, errors.WithStack(err)
	}
	var raw []byte
	if err := dec.Decode(&raw); err != nil {
		return storeSetSnapshot{}, errors.WithStack(err)
	}
	if err := versioned.Restore(bytes.NewReader(raw)); err != nil {
		return storeSetSnapshot{}, err
	}
	return layout, nil
}

// reset drops the dynamic stores and reinstalls the persisted chunks.
func (s *storeSet) reset(chunks []chunk) {
	s.Orphan()
	s.dynamic = nil
	s.chunks = chunks
	s.startActive()
}
