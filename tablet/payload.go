package tablet

import (
	"bytes"
	"encoding/gob"

	"github.com/cockroachdb/errors"

	"github.com/bootjp/tabletnode/kv"
)

func encodePayload(v any) []byte {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "encode %T", v))
	}
	return buf.Bytes()
}

func decodePayload(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return errors.Wrapf(kv.ErrInvalidPayload, "decode %T: %v", v, err)
	}
	return nil
}
