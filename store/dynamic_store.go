package store

import (
	"bytes"

	"github.com/spaolacci/murmur3"

	"github.com/bootjp/tabletnode/kv"
)

type StoreState int

const (
	StoreStateActiveDynamic StoreState = iota + 1
	StoreStatePassiveDynamic
	StoreStateOrphaned
)

func (s StoreState) String() string {
	switch s {
	case StoreStateActiveDynamic:
		return "active_dynamic"
	case StoreStatePassiveDynamic:
		return "passive_dynamic"
	case StoreStateOrphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

type rowLock struct {
	key      []byte
	hash     uint64
	owner    kv.TransactionID
	refs     int
	prepared bool
	released chan struct{}
}

// DynamicStore is the in-memory store rows are written into before being
// flushed. It owns the row locks of the rows it holds.
type DynamicStore struct {
	id       uint64
	tabletID kv.TabletID
	state    StoreState

	// Lock table bucketed by murmur3 of the key.
	locks          map[uint64][]*rowLock
	lockedRowCount int

	rowCount int
	poolSize int64
	minKey   []byte
	maxKey   []byte
}

func newDynamicStore(id uint64, tabletID kv.TabletID) *DynamicStore {
	return &DynamicStore{
		id:       id,
		tabletID: tabletID,
		state:    StoreStateActiveDynamic,
		locks:    make(map[uint64][]*rowLock),
	}
}

func (s *DynamicStore) ID() uint64 {
	return s.id
}

// TabletID is the tablet the store belongs to.
func (s *DynamicStore) TabletID() kv.TabletID {
	return s.tabletID
}

func (s *DynamicStore) State() StoreState {
	return s.state
}

func (s *DynamicStore) RowCount() int {
	return s.rowCount
}

func (s *DynamicStore) PoolSize() int64 {
	return s.poolSize
}

func (s *DynamicStore) LockedRowCount() int {
	return s.lockedRowCount
}

func hashKey(key []byte) uint64 {
	return murmur3.Sum64(key)
}

func (s *DynamicStore) findLock(key []byte, hash uint64) *rowLock {
	for _, l := range s.locks[hash] {
		if bytes.Equal(l.key, key) {
			return l
		}
	}
	return nil
}

func (s *DynamicStore) addLock(key []byte, hash uint64, owner kv.TransactionID) *rowLock {
	l := &rowLock{
		key:      bytes.Clone(key),
		hash:     hash,
		owner:    owner,
		released: make(chan struct{}),
	}
	s.locks[hash] = append(s.locks[hash], l)
	s.lockedRowCount++
	return l
}

func (s *DynamicStore) removeLock(l *rowLock) {
	bucket := s.locks[l.hash]
	for i, candidate := range bucket {
		if candidate != l {
			continue
		}
		bucket = append(bucket[:i], bucket[i+1:]...)
		break
	}
	if len(bucket) == 0 {
		delete(s.locks, l.hash)
	} else {
		s.locks[l.hash] = bucket
	}
	s.lockedRowCount--
	close(l.released)
}

// account charges a written row to the store.
func (s *DynamicStore) account(key []byte, weight int64) {
	s.rowCount++
	s.poolSize += weight
	if s.minKey == nil || bytes.Compare(key, s.minKey) < 0 {
		s.minKey = bytes.Clone(key)
	}
	if s.maxKey == nil || bytes.Compare(key, s.maxKey) > 0 {
		s.maxKey = bytes.Clone(key)
	}
}

// orphan detaches the store; waiters on its rows are woken up.
func (s *DynamicStore) orphan() {
	s.state = StoreStateOrphaned
	for hash, bucket := range s.locks {
		for _, l := range bucket {
			close(l.released)
		}
		delete(s.locks, hash)
	}
	s.lockedRowCount = 0
}
