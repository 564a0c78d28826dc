// Package compression holds the changelog codecs used for write-rows
// mutation payloads. Codec ids travel on the wire, so they never change.
package compression

import (
	"bytes"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type CodecID int32

const (
	CodecNone   CodecID = 0
	CodecSnappy CodecID = 1
	CodecLz4    CodecID = 2
	CodecZstd   CodecID = 3
)

var ErrUnknownCodec = errors.New("unknown compression codec")

type Codec interface {
	ID() CodecID
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

var codecs = map[CodecID]Codec{
	CodecNone:   noneCodec{},
	CodecSnappy: snappyCodec{},
	CodecLz4:    lz4Codec{},
	CodecZstd:   zstdCodec{},
}

func GetCodec(id CodecID) (Codec, error) {
	c, ok := codecs[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCodec, "id %d", id)
	}
	return c, nil
}

func ParseCodecName(name string) (Codec, error) {
	for _, c := range codecs {
		if strings.EqualFold(c.Name(), name) {
			return c, nil
		}
	}
	return nil, errors.Wrapf(ErrUnknownCodec, "name %q", name)
}

type noneCodec struct{}

func (noneCodec) ID() CodecID  { return CodecNone }
func (noneCodec) Name() string { return "none" }

func (noneCodec) Compress(data []byte) ([]byte, error) {
	return bytes.Clone(data), nil
}

func (noneCodec) Decompress(data []byte) ([]byte, error) {
	return bytes.Clone(data), nil
}

type snappyCodec struct{}

func (snappyCodec) ID() CodecID  { return CodecSnappy }
func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCodec) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	return out, errors.Wrap(err, "snappy")
}

type lz4Codec struct{}

func (lz4Codec) ID() CodecID  { return CodecLz4 }
func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(data []byte) ([]byte, error) {
	return compressUsing(data, func(w io.Writer) (io.WriteCloser, error) {
		return lz4.NewWriter(w), nil
	})
}

func (lz4Codec) Decompress(data []byte) ([]byte, error) {
	return decompressUsing(data, func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(lz4.NewReader(r)), nil
	})
}

type zstdCodec struct{}

func (zstdCodec) ID() CodecID  { return CodecZstd }
func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Compress(data []byte) ([]byte, error) {
	return compressUsing(data, func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w)
	})
}

type zstdReadCloser struct {
	*zstd.Decoder
}

func (r zstdReadCloser) Close() error {
	r.Decoder.Close()
	return nil
}

func (zstdCodec) Decompress(data []byte) ([]byte, error) {
	return decompressUsing(data, func(r io.Reader) (io.ReadCloser, error) {
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{Decoder: d}, nil
	})
}

func compressUsing(data []byte, open func(io.Writer) (io.WriteCloser, error)) ([]byte, error) {
	var buf bytes.Buffer
	w, err := open(&buf)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, errors.WithStack(err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func decompressUsing(data []byte, open func(io.Reader) (io.ReadCloser, error)) ([]byte, error) {
	r, err := open(bytes.NewReader(data))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	return out, errors.WithStack(err)
}
