package tablet

import (
	"time"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bootjp/tabletnode/compression"
	"github.com/bootjp/tabletnode/kv"
)

const (
	writeRowsFieldTransactionID  protowire.Number = 1
	writeRowsFieldStartTimestamp protowire.Number = 2
	writeRowsFieldTimeout        protowire.Number = 3
	writeRowsFieldTabletID       protowire.Number = 4
	writeRowsFieldMountRevision  protowire.Number = 5
	writeRowsFieldCodec          protowire.Number = 6
	writeRowsFieldData           protowire.Number = 7
	writeRowsFieldSignature      protowire.Number = 8
	writeRowsFieldLockless       protowire.Number = 9
	writeRowsFieldRowCount       protowire.Number = 10
	writeRowsFieldDataWeight     protowire.Number = 11
	writeRowsFieldSyncReplicaID  protowire.Number = 12
	writeRowsFieldUser           protowire.Number = 13
	writeRowsFieldUserTag        protowire.Number = 14
)

// writeRowsPayload is the body of a WriteManager.WriteRows mutation.
// Followers see exactly these bytes.
type writeRowsPayload struct {
	TransactionID  kv.TransactionID
	StartTimestamp kv.Timestamp
	Timeout        time.Duration
	TabletID       kv.TabletID
	MountRevision  uint64
	Codec          compression.CodecID
	CompressedData []byte
	Signature      Signature
	Lockless       bool
	RowCount       int
	DataWeight     int64
	SyncReplicaIDs []kv.ReplicaID
	Identity       kv.AuthenticationIdentity
}

func (p *writeRowsPayload) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, writeRowsFieldTransactionID, protowire.BytesType)
	b = protowire.AppendBytes(b, p.TransactionID.Bytes())
	b = protowire.AppendTag(b, writeRowsFieldStartTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.StartTimestamp))
	b = protowire.AppendTag(b, writeRowsFieldTimeout, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(p.Timeout)))
	b = protowire.AppendTag(b, writeRowsFieldTabletID, protowire.BytesType)
	b = protowire.AppendBytes(b, p.TabletID.Bytes())
	b = protowire.AppendTag(b, writeRowsFieldMountRevision, protowire.VarintType)
	b = protowire.AppendVarint(b, p.MountRevision)
	b = protowire.AppendTag(b, writeRowsFieldCodec, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Codec))
	b = protowire.AppendTag(b, writeRowsFieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, p.CompressedData)
	b = protowire.AppendTag(b, writeRowsFieldSignature, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, uint32(p.Signature))
	b = protowire.AppendTag(b, writeRowsFieldLockless, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(p.Lockless))
	b = protowire.AppendTag(b, writeRowsFieldRowCount, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(p.RowCount)))
	b = protowire.AppendTag(b, writeRowsFieldDataWeight, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(p.DataWeight))
	for _, id := range p.SyncReplicaIDs {
		b = protowire.AppendTag(b, writeRowsFieldSyncReplicaID, protowire.BytesType)
		b = protowire.AppendBytes(b, id.Bytes())
	}
	b = protowire.AppendTag(b, writeRowsFieldUser, protowire.BytesType)
	b = protowire.AppendString(b, p.Identity.User)
	b = protowire.AppendTag(b, writeRowsFieldUserTag, protowire.BytesType)
	b = protowire.AppendString(b, p.Identity.UserTag)
	return b
}

func payloadError(field string, n int) error {
	return errors.Wrapf(kv.ErrInvalidPayload, "write rows %s: %v", field, protowire.ParseError(n))
}

func unmarshalWriteRowsPayload(b []byte) (*writeRowsPayload, error) {
	p := &writeRowsPayload{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, payloadError("tag", n)
		}
		b = b[n:]

		var err error
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, payloadError("field", n)
			}
			err = p.setBytes(num, v)
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, payloadError("field", n)
			}
			p.setVarint(num, v)
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, payloadError("field", n)
			}
			if num == writeRowsFieldSignature {
				p.Signature = Signature(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, payloadError("field", n)
			}
			b = b[n:]
		}
		if err != nil {
			return nil, errors.Wrapf(kv.ErrInvalidPayload, "write rows field %d: %v", num, err)
		}
	}
	return p, nil
}

func (p *writeRowsPayload) setBytes(num protowire.Number, v []byte) error {
	var err error
	switch num {
	case writeRowsFieldTransactionID:
		p.TransactionID, err = kv.TransactionIDFromBytes(v)
	case writeRowsFieldTabletID:
		p.TabletID, err = kv.TabletIDFromBytes(v)
	case writeRowsFieldData:
		p.CompressedData = v
	case writeRowsFieldSyncReplicaID:
		var id kv.ReplicaID
		id, err = kv.ReplicaIDFromBytes(v)
		p.SyncReplicaIDs = append(p.SyncReplicaIDs, id)
	case writeRowsFieldUser:
		p.Identity.User = string(v)
	case writeRowsFieldUserTag:
		p.Identity.UserTag = string(v)
	}
	return err
}

func (p *writeRowsPayload) setVarint(num protowire.Number, v uint64) {
	switch num {
	case writeRowsFieldStartTimestamp:
		p.StartTimestamp = kv.Timestamp(v)
	case writeRowsFieldTimeout:
		p.Timeout = time.Duration(protowire.DecodeZigZag(v))
	case writeRowsFieldMountRevision:
		p.MountRevision = v
	case writeRowsFieldCodec:
		p.Codec = compression.CodecID(int32(v))
	case writeRowsFieldLockless:
		p.Lockless = protowire.DecodeBool(v)
	case writeRowsFieldRowCount:
		p.RowCount = int(protowire.DecodeZigZag(v))
	case writeRowsFieldDataWeight:
		p.DataWeight = protowire.DecodeZigZag(v)
	}
}
