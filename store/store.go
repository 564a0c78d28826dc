package store

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
)

var ErrKeyNotFound = errors.New("not found")
var ErrInvalidChecksum = errors.New("invalid checksum")
var ErrStoreOverflow = errors.New("dynamic store overflow")
var ErrUnsupportedPhase = errors.New("write phase not supported by store manager")

type KVPair struct {
	Key   []byte
	Value []byte
}

// VersionedStore keeps the committed versions of a tablet's rows. Every
// operation is timestamp-explicit; the row lock protocol lives in the store
// managers above it.
type VersionedStore interface {
	// GetAt returns the newest version whose commit timestamp is <= ts.
	GetAt(ctx context.Context, key []byte, ts uint64) ([]byte, error)
	// ScanAt returns versions visible at the given timestamp.
	ScanAt(ctx context.Context, start []byte, end []byte, limit int, ts uint64) ([]*KVPair, error)
	// PutAt commits a value at exactly commitTS, replacing a version written
	// at the same timestamp.
	PutAt(ctx context.Context, key []byte, value []byte, commitTS uint64) error
	// DeleteAt commits a tombstone at exactly commitTS.
	DeleteAt(ctx context.Context, key []byte, commitTS uint64) error
	// LatestCommitTS returns the commit timestamp of the newest version.
	// The boolean reports whether the key has any version.
	LatestCommitTS(ctx context.Context, key []byte) (uint64, bool, error)
	// LastCommitTS returns the highest commit timestamp applied to the store.
	LastCommitTS() uint64
	Snapshot() (io.ReadWriter, error)
	Restore(buf io.Reader) error
	Close() error
}
