package kv

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const (
	transactionTagFull byte = 0x01
	transactionTagNone byte = 0x02
)

// TransactionID embeds the start timestamp (bytes 0..7) and the atomicity
// (byte 8) of the transaction; the remaining bytes are random.
type TransactionID uuid.UUID

var NullTransactionID TransactionID

func MakeTransactionID(atomicity Atomicity, ts Timestamp) TransactionID {
	id := TransactionID(uuid.New())
	binary.BigEndian.PutUint64(id[0:8], uint64(ts))
	switch atomicity {
	case AtomicityFull:
		id[8] = transactionTagFull
	case AtomicityNone:
		id[8] = transactionTagNone
	default:
		id[8] = byte(atomicity)
	}
	return id
}

// Atomicity reports the atomicity encoded in the id. Unknown tags are passed
// through so that exhaustive switches hit their fatal default arm.
func (id TransactionID) Atomicity() Atomicity {
	switch id[8] {
	case transactionTagFull:
		return AtomicityFull
	case transactionTagNone:
		return AtomicityNone
	default:
		return Atomicity(id[8])
	}
}

// Timestamp returns the timestamp embedded at creation time. Non-atomic
// writes commit at exactly this timestamp.
func (id TransactionID) Timestamp() Timestamp {
	return Timestamp(binary.BigEndian.Uint64(id[0:8]))
}

func (id TransactionID) IsNull() bool {
	return id == NullTransactionID
}

func (id TransactionID) String() string {
	return uuid.UUID(id).String()
}

func (id TransactionID) Bytes() []byte {
	return id[:]
}

func TransactionIDFromBytes(b []byte) (TransactionID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return NullTransactionID, errors.Wrap(err, "transaction id")
	}
	return TransactionID(u), nil
}

type TabletID uuid.UUID

var NullTabletID TabletID

func NewTabletID() TabletID {
	return TabletID(uuid.New())
}

func ParseTabletID(s string) (TabletID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NullTabletID, errors.Wrapf(err, "tablet id %q", s)
	}
	return TabletID(u), nil
}

func TabletIDFromBytes(b []byte) (TabletID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return NullTabletID, errors.Wrap(err, "tablet id")
	}
	return TabletID(u), nil
}

func (id TabletID) String() string {
	return uuid.UUID(id).String()
}

func (id TabletID) Bytes() []byte {
	return id[:]
}

// MarshalText lets tablet ids be map keys and config values.
func (id TabletID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *TabletID) UnmarshalText(text []byte) error {
	parsed, err := ParseTabletID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

type ReplicaID uuid.UUID

var NullReplicaID ReplicaID

func NewReplicaID() ReplicaID {
	return ReplicaID(uuid.New())
}

func ParseReplicaID(s string) (ReplicaID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NullReplicaID, errors.Wrapf(err, "replica id %q", s)
	}
	return ReplicaID(u), nil
}

func ReplicaIDFromBytes(b []byte) (ReplicaID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return NullReplicaID, errors.Wrap(err, "replica id")
	}
	return ReplicaID(u), nil
}

func (id ReplicaID) String() string {
	return uuid.UUID(id).String()
}

func (id ReplicaID) Bytes() []byte {
	return id[:]
}

func (id ReplicaID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ReplicaID) UnmarshalText(text []byte) error {
	parsed, err := ParseReplicaID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
