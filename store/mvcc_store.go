package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/maps/treemap"
)

// VersionedValue represents a single committed version.
type VersionedValue struct {
	TS        uint64
	Value     []byte
	Tombstone bool
}

const (
	checksumSize = 4
)

func byteSliceComparator(a, b interface{}) int {
	ab, okA := a.([]byte)
	bb, okB := b.([]byte)
	switch {
	case okA && okB:
		return bytes.Compare(ab, bb)
	case okA:
		return 1
	case okB:
		return -1
	default:
		return 0
	}
}

func withinBoundsKey(k, start, end []byte) bool {
	if start != nil && bytes.Compare(k, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(k, end) > 0 {
		return false
	}
	return true
}

// mvccStore is an in-memory versioned store backed by a treemap for
// deterministic iteration order and range scans.
type mvccStore struct {
	tree         *treemap.Map // key []byte -> []VersionedValue, ascending TS
	mtx          sync.RWMutex
	log          *slog.Logger
	lastCommitTS uint64
}

// MVCCStoreOption configures the in-memory store.
type MVCCStoreOption func(*mvccStore)

func WithMVCCLogger(l *slog.Logger) MVCCStoreOption {
	return func(s *mvccStore) {
		s.log = l
	}
}

// NewMVCCStore creates an in-memory versioned store.
func NewMVCCStore(opts ...MVCCStoreOption) VersionedStore {
	s := &mvccStore{
		tree: treemap.NewWith(byteSliceComparator),
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ VersionedStore = (*mvccStore)(nil)

func (s *mvccStore) LastCommitTS() uint64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.lastCommitTS
}

// ---- helpers guarded by caller locks ----

func latestVisible(vs []VersionedValue, ts uint64) (VersionedValue, bool) {
	for i := len(vs) - 1; i >= 0; i-- {
		if vs[i].TS <= ts {
			return vs[i], true
		}
	}
	return VersionedValue{}, false
}

func visibleValue(versions []VersionedValue, ts uint64) ([]byte, bool) {
	ver, ok := latestVisible(versions, ts)
	if !ok || ver.Tombstone {
		return nil, false
	}
	return ver.Value, true
}

// insertVersion keeps versions ordered by TS. Non-atomic writes commit at the
// timestamp embedded in their transaction id, so a version may land below
// the newest one.
func insertVersion(versions []VersionedValue, v VersionedValue) []VersionedValue {
	i := sort.Search(len(versions), func(i int) bool { return versions[i].TS >= v.TS })
	if i < len(versions) && versions[i].TS == v.TS {
		versions[i] = v
		return versions
	}
	versions = append(versions, VersionedValue{})
	copy(versions[i+1:], versions[i:])
	versions[i] = v
	return versions
}

func (s *mvccStore) putVersionLocked(key []byte, v VersionedValue) {
	existing, _ := s.tree.Get(key)
	var versions []VersionedValue
	if existing != nil {
		versions, _ = existing.([]VersionedValue)
	}
	s.tree.Put(bytes.Clone(key), insertVersion(versions, v))
	if v.TS > s.lastCommitTS {
		s.lastCommitTS = v.TS
	}
}

func (s *mvccStore) PutAt(ctx context.Context, key []byte, value []byte, commitTS uint64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.putVersionLocked(key, VersionedValue{TS: commitTS, Value: bytes.Clone(value)})
	s.log.DebugContext(ctx, "put_at",
		slog.String("key", string(key)),
		slog.Uint64("commit_ts", commitTS),
	)
	return nil
}

func (s *mvccStore) DeleteAt(ctx context.Context, key []byte, commitTS uint64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.putVersionLocked(key, VersionedValue{TS: commitTS, Tombstone: true})
	s.log.DebugContext(ctx, "delete_at",
		slog.String("key", string(key)),
		slog.Uint64("commit_ts", commitTS),
	)
	return nil
}

func (s *mvccStore) latestVersionLocked(key []byte) (VersionedValue, bool) {
	v, ok := s.tree.Get(key)
	if !ok {
		return VersionedValue{}, false
	}
	vs, _ := v.([]VersionedValue)
	if len(vs) == 0 {
		return VersionedValue{}, false
	}
	return vs[len(vs)-1], true
}

func (s *mvccStore) GetAt(_ context.Context, key []byte, ts uint64) ([]byte, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	v, ok := s.tree.Get(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	versions, _ := v.([]VersionedValue)
	val, ok := visibleValue(versions, ts)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(val), nil
}

func (s *mvccStore) ScanAt(_ context.Context, start []byte, end []byte, limit int, ts uint64) ([]*KVPair, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if limit <= 0 {
		return []*KVPair{}, nil
	}

	capHint := limit
	if size := s.tree.Size(); size < capHint {
		capHint = size
	}

	result := make([]*KVPair, 0, capHint)
	s.tree.Each(func(key interface{}, value interface{}) {
		if len(result) >= limit {
			return
		}
		k, ok := key.([]byte)
		if !ok || !withinBoundsKey(k, start, end) {
			return
		}

		versions, _ := value.([]VersionedValue)
		val, ok := visibleValue(versions, ts)
		if !ok {
			return
		}

		result = append(result, &KVPair{
			Key:   bytes.Clone(k),
			Value: bytes.Clone(val),
		})
	})

	return result, nil
}

func (s *mvccStore) LatestCommitTS(_ context.Context, key []byte) (uint64, bool, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	ver, ok := s.latestVersionLocked(key)
	if !ok {
		return 0, false, nil
	}
	return ver.TS, true, nil
}

func (s *mvccStore) Snapshot() (io.ReadWriter, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	state := make([]mvccSnapshotEntry, 0, s.tree.Size())
	s.tree.Each(func(key interface{}, value interface{}) {
		k, ok := key.([]byte)
		if !ok {
			return
		}
		versions, ok := value.([]VersionedValue)
		if !ok {
			return
		}
		state = append(state, mvccSnapshotEntry{
			Key:      bytes.Clone(k),
			Versions: append([]VersionedValue(nil), versions...),
		})
	})

	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(state); err != nil {
		return nil, errors.WithStack(err)
	}

	sum := crc32.ChecksumIEEE(buf.Bytes())
	if err := binary.Write(buf, binary.LittleEndian, sum); err != nil {
		return nil, errors.WithStack(err)
	}

	return buf, nil
}

func (s *mvccStore) Restore(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.WithStack(err)
	}
	payload, err := verifyChecksum(data)
	if err != nil {
		return err
	}

	var state []mvccSnapshotEntry
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&state); err != nil {
		return errors.WithStack(err)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.tree.Clear()
	s.lastCommitTS = 0
	for _, entry := range state {
		versions := append([]VersionedValue(nil), entry.Versions...)
		s.tree.Put(bytes.Clone(entry.Key), versions)
		if len(versions) > 0 {
			last := versions[len(versions)-1].TS
			if last > s.lastCommitTS {
				s.lastCommitTS = last
			}
		}
	}

	return nil
}

func verifyChecksum(data []byte) ([]byte, error) {
	if len(data) < checksumSize {
		return nil, errors.WithStack(ErrInvalidChecksum)
	}
	payload := data[:len(data)-checksumSize]
	expected := binary.LittleEndian.Uint32(data[len(data)-checksumSize:])
	if crc32.ChecksumIEEE(payload) != expected {
		return nil, errors.WithStack(ErrInvalidChecksum)
	}
	return payload, nil
}

func (s *mvccStore) Close() error {
	return nil
}

// mvccSnapshotEntry is used solely for gob snapshot serialization.
type mvccSnapshotEntry struct {
	Key      []byte
	Versions []VersionedValue
}
