package hydra

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bootjp/tabletnode/kv"
)

// Mutation is what a leader submits. Handler runs on the leader instead of
// the registered method, so it can use state that never leaves the leader.
type Mutation struct {
	Type    string
	Data    []byte
	Handler MutationHandler
}

const (
	envelopeFieldType     protowire.Number = 1
	envelopeFieldData     protowire.Number = 2
	envelopeFieldEpoch    protowire.Number = 3
	envelopeFieldSequence protowire.Number = 4
)

// envelope is the log entry. Epoch and Sequence let the originating leader
// find its handler again.
type envelope struct {
	Type     string
	Data     []byte
	Epoch    uuid.UUID
	Sequence uint64
}

func (e *envelope) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, envelopeFieldType, protowire.BytesType)
	b = protowire.AppendString(b, e.Type)
	b = protowire.AppendTag(b, envelopeFieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Data)
	b = protowire.AppendTag(b, envelopeFieldEpoch, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Epoch[:])
	b = protowire.AppendTag(b, envelopeFieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Sequence)
	return b
}

// DecodeMutation returns the type and body of an encoded log entry.
func DecodeMutation(raw []byte) (string, []byte, error) {
	env, err := unmarshalEnvelope(raw)
	if err != nil {
		return "", nil, err
	}
	return env.Type, env.Data, nil
}

func unmarshalEnvelope(b []byte) (*envelope, error) {
	e := &envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrapf(kv.ErrInvalidPayload, "envelope tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == envelopeFieldType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, errors.Wrapf(kv.ErrInvalidPayload, "envelope type: %v", protowire.ParseError(n))
			}
			e.Type = v
			b = b[n:]
		case num == envelopeFieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrapf(kv.ErrInvalidPayload, "envelope data: %v", protowire.ParseError(n))
			}
			e.Data = v
			b = b[n:]
		case num == envelopeFieldEpoch && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrapf(kv.ErrInvalidPayload, "envelope epoch: %v", protowire.ParseError(n))
			}
			epoch, err := uuid.FromBytes(v)
			if err != nil {
				return nil, errors.Wrapf(kv.ErrInvalidPayload, "envelope epoch: %v", err)
			}
			e.Epoch = epoch
			b = b[n:]
		case num == envelopeFieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrapf(kv.ErrInvalidPayload, "envelope sequence: %v", protowire.ParseError(n))
			}
			e.Sequence = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.Wrapf(kv.ErrInvalidPayload, "envelope field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}

// Future resolves once the mutation was applied on this node, or failed to
// get there.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// ResolvedFuture returns a future that is already complete.
func ResolvedFuture(err error) *Future {
	f := newFuture()
	f.resolve(err)
	return f
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the outcome; it is nil until the future is done.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}
