package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const (
	timestampSize     = 8
	valueHeaderSize   = 1 // tombstone flag
	snapshotBatchSize = 1000
	dirPerms          = 0755
	metaLastCommitTS  = "_meta_last_commit_ts"
)

var metaLastCommitTSBytes = []byte(metaLastCommitTS)

var errInvalidValue = errors.New("invalid value length")

// pebbleStore implements VersionedStore on top of Pebble. Each tablet mount
// owns its own database directory.
type pebbleStore struct {
	db           *pebble.DB
	fs           vfs.FS
	log          *slog.Logger
	lastCommitTS uint64
	mtx          sync.RWMutex
	dir          string
}

var _ VersionedStore = (*pebbleStore)(nil)

// PebbleStoreOption configures the PebbleStore.
type PebbleStoreOption func(*pebbleStore)

// WithPebbleLogger sets a custom logger.
func WithPebbleLogger(l *slog.Logger) PebbleStoreOption {
	return func(s *pebbleStore) {
		s.log = l
	}
}

// WithPebbleFS swaps the filesystem, e.g. vfs.NewMem() in tests.
func WithPebbleFS(fs vfs.FS) PebbleStoreOption {
	return func(s *pebbleStore) {
		s.fs = fs
	}
}

// NewPebbleStore opens (or creates) a Pebble-backed versioned store in dir.
func NewPebbleStore(dir string, opts ...PebbleStoreOption) (VersionedStore, error) {
	s := &pebbleStore{
		dir: dir,
		fs:  vfs.Default,
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.fs.MkdirAll(dir, dirPerms); err != nil {
		return nil, errors.WithStack(err)
	}
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	s.db = db

	maxTS, err := s.findMaxCommitTS()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.lastCommitTS = maxTS

	return s, nil
}

func (s *pebbleStore) open() (*pebble.DB, error) {
	pebbleOpts := &pebble.Options{
		FS: s.fs,
	}
	pebbleOpts.EnsureDefaults()
	db, err := pebble.Open(s.dir, pebbleOpts)
	return db, errors.WithStack(err)
}

// Key = [UserKeyBytes] [8-byte inverted timestamp], so newer versions of a
// key sort first.
func encodeKey(key []byte, ts uint64) []byte {
	k := make([]byte, len(key)+timestampSize)
	copy(k, key)
	binary.BigEndian.PutUint64(k[len(key):], ^ts)
	return k
}

func decodeKey(k []byte) ([]byte, uint64) {
	if len(k) < timestampSize {
		return nil, 0
	}
	keyLen := len(k) - timestampSize
	key := make([]byte, keyLen)
	copy(key, k[:keyLen])
	invTs := binary.BigEndian.Uint64(k[keyLen:])
	return key, ^invTs
}

type storedValue struct {
	Value     []byte
	Tombstone bool
}

func encodeValue(val []byte, tombstone bool) []byte {
	buf := make([]byte, valueHeaderSize+len(val))
	if tombstone {
		buf[0] = 1
	}
	copy(buf[valueHeaderSize:], val)
	return buf
}

func decodeValue(data []byte) (storedValue, error) {
	if len(data) < valueHeaderSize {
		return storedValue{}, errors.WithStack(errInvalidValue)
	}
	val := make([]byte, len(data)-valueHeaderSize)
	copy(val, data[valueHeaderSize:])
	return storedValue{
		Value:     val,
		Tombstone: data[0] != 0,
	}, nil
}

func (s *pebbleStore) findMaxCommitTS() (uint64, error) {
	val, closer, err := s.db.Get(metaLastCommitTSBytes)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, errors.WithStack(err)
	}
	defer closer.Close()
	if len(val) < timestampSize {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(val), nil
}

func lastCommitTSValue(ts uint64) []byte {
	buf := make([]byte, timestampSize)
	binary.LittleEndian.PutUint64(buf, ts)
	return buf
}

func (s *pebbleStore) LastCommitTS() uint64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.lastCommitTS
}

func (s *pebbleStore) GetAt(_ context.Context, key []byte, ts uint64) ([]byte, error) {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer iter.Close()

	// Inverted timestamps: SeekGE(key+^ts) skips every version newer than ts.
	if !iter.SeekGE(encodeKey(key, ts)) {
		return nil, ErrKeyNotFound
	}
	userKey, _ := decodeKey(iter.Key())
	if !bytes.Equal(userKey, key) {
		return nil, ErrKeyNotFound
	}
	sv, err := decodeValue(iter.Value())
	if err != nil {
		return nil, err
	}
	if sv.Tombstone {
		return nil, ErrKeyNotFound
	}
	return sv.Value, nil
}

func (s *pebbleStore) seekToVisibleVersion(iter *pebble.Iterator, userKey []byte, currentVersion, ts uint64) bool {
	if currentVersion <= ts {
		return true
	}
	if !iter.SeekGE(encodeKey(userKey, ts)) {
		return false
	}
	currentUserKey, _ := decodeKey(iter.Key())
	return bytes.Equal(currentUserKey, userKey)
}

func (s *pebbleStore) skipToNextUserKey(iter *pebble.Iterator, userKey []byte) bool {
	if !iter.SeekGE(encodeKey(userKey, 0)) {
		return false
	}
	u, _ := decodeKey(iter.Key())
	if bytes.Equal(u, userKey) {
		return iter.Next()
	}
	return true
}

func pastScanEnd(userKey, end []byte) bool {
	return end != nil && bytes.Compare(userKey, end) > 0
}

func nextScannableUserKey(iter *pebble.Iterator) ([]byte, uint64, bool) {
	for iter.Valid() {
		rawKey := iter.Key()
		if bytes.Equal(rawKey, metaLastCommitTSBytes) {
			if !iter.Next() {
				return nil, 0, false
			}
			continue
		}
		userKey, version := decodeKey(rawKey)
		if userKey == nil {
			if !iter.Next() {
				return nil, 0, false
			}
			continue
		}
		return userKey, version, true
	}
	return nil, 0, false
}

func (s *pebbleStore) collectScanResults(iter *pebble.Iterator, start, end []byte, limit int, ts uint64) ([]*KVPair, error) {
	result := make([]*KVPair, 0, limit)

	for iter.SeekGE(encodeKey(start, math.MaxUint64)); iter.Valid() && len(result) < limit; {
		userKey, version, ok := nextScannableUserKey(iter)
		if !ok || pastScanEnd(userKey, end) {
			break
		}

		if s.seekToVisibleVersion(iter, userKey, version, ts) {
			sv, err := decodeValue(iter.Value())
			if err != nil {
				return nil, err
			}
			if !sv.Tombstone {
				result = append(result, &KVPair{Key: userKey, Value: sv.Value})
			}
		}

		if !s.skipToNextUserKey(iter, userKey) {
			break
		}
	}

	return result, nil
}

func (s *pebbleStore) ScanAt(_ context.Context, start []byte, end []byte, limit int, ts uint64) ([]*KVPair, error) {
	if limit <= 0 {
		return []*KVPair{}, nil
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: encodeKey(start, math.MaxUint64),
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer iter.Close()

	return s.collectScanResults(iter, start, end, limit, ts)
}

func (s *pebbleStore) write(ctx context.Context, key []byte, value []byte, commitTS uint64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(encodeKey(key, commitTS), value, nil); err != nil {
		return errors.WithStack(err)
	}
	if commitTS > s.lastCommitTS {
		if err := b.Set(metaLastCommitTSBytes, lastCommitTSValue(commitTS), nil); err != nil {
			return errors.WithStack(err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.WithStack(err)
	}
	if commitTS > s.lastCommitTS {
		s.lastCommitTS = commitTS
	}
	s.log.DebugContext(ctx, "write_at", slog.String("key", string(key)), slog.Uint64("ts", commitTS))
	return nil
}

func (s *pebbleStore) PutAt(ctx context.Context, key []byte, value []byte, commitTS uint64) error {
	return s.write(ctx, key, encodeValue(value, false), commitTS)
}

func (s *pebbleStore) DeleteAt(ctx context.Context, key []byte, commitTS uint64) error {
	return s.write(ctx, key, encodeValue(nil, true), commitTS)
}

func (s *pebbleStore) LatestCommitTS(_ context.Context, key []byte) (uint64, bool, error) {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return 0, false, errors.WithStack(err)
	}
	defer iter.Close()

	if iter.SeekGE(encodeKey(key, math.MaxUint64)) {
		userKey, version := decodeKey(iter.Key())
		if bytes.Equal(userKey, key) {
			return version, true, nil
		}
	}
	return 0, false, nil
}

// Snapshot dumps every raw key so Restore can rebuild the database:
// [LastCommitTS] ([KeyLen] [Key] [ValLen] [Val])*
func (s *pebbleStore) Snapshot() (io.ReadWriter, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, s.LastCommitTS()); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := s.writeSnapshotEntries(snap, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *pebbleStore) writeSnapshotEntries(snap *pebble.Snapshot, w io.Writer) error {
	iter, err := snap.NewIter(nil)
	if err != nil {
		return errors.WithStack(err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		v := iter.Value()

		if err := binary.Write(w, binary.LittleEndian, uint64(len(k))); err != nil {
			return errors.WithStack(err)
		}
		if _, err := w.Write(k); err != nil {
			return errors.WithStack(err)
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(len(v))); err != nil {
			return errors.WithStack(err)
		}
		if _, err := w.Write(v); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (s *pebbleStore) restoreOneEntry(r io.Reader, batch *pebble.Batch) (bool, error) {
	var kLen uint64
	if err := binary.Read(r, binary.LittleEndian, &kLen); err != nil {
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		return false, errors.WithStack(err)
	}
	key := make([]byte, kLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return false, errors.WithStack(err)
	}

	var vLen uint64
	if err := binary.Read(r, binary.LittleEndian, &vLen); err != nil {
		return false, errors.WithStack(err)
	}
	val := make([]byte, vLen)
	if _, err := io.ReadFull(r, val); err != nil {
		return false, errors.WithStack(err)
	}

	if err := batch.Set(key, val, nil); err != nil {
		return false, errors.WithStack(err)
	}
	return false, nil
}

func (s *pebbleStore) restoreBatchLoop(r io.Reader) error {
	batch := s.db.NewBatch()
	batchCnt := 0

	for {
		eof, err := s.restoreOneEntry(r, batch)
		if err != nil {
			_ = batch.Close()
			return err
		}
		if eof {
			break
		}

		batchCnt++
		if batchCnt > snapshotBatchSize {
			if err := batch.Commit(pebble.NoSync); err != nil {
				return errors.WithStack(err)
			}
			batch = s.db.NewBatch()
			batchCnt = 0
		}
	}
	return errors.WithStack(batch.Commit(pebble.Sync))
}

// Restore wipes the directory and reloads the dump produced by Snapshot.
func (s *pebbleStore) Restore(r io.Reader) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.db != nil {
		_ = s.db.Close()
	}
	if err := s.fs.RemoveAll(s.dir); err != nil {
		return errors.WithStack(err)
	}
	if err := s.fs.MkdirAll(s.dir, dirPerms); err != nil {
		return errors.WithStack(err)
	}

	db, err := s.open()
	if err != nil {
		return err
	}
	s.db = db

	var ts uint64
	if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
		return errors.WithStack(err)
	}
	s.lastCommitTS = ts

	return s.restoreBatchLoop(r)
}

func (s *pebbleStore) Close() error {
	return errors.WithStack(s.db.Close())
}
