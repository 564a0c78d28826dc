// Package rowbatch encodes the row batches clients send to a tablet and the
// write records kept in transaction write logs.
//
// Every row is laid out as
//
//	command (1 byte) | uvarint key length | key | uvarint value length | value
//
// Deletes carry an empty value.
package rowbatch

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

type Command byte

const (
	CommandWriteRow  Command = 1
	CommandDeleteRow Command = 2
)

func (c Command) String() string {
	switch c {
	case CommandWriteRow:
		return "write_row"
	case CommandDeleteRow:
		return "delete_row"
	default:
		return "unknown"
	}
}

var (
	ErrTruncated      = errors.New("row batch truncated")
	ErrUnknownCommand = errors.New("unknown row command")
)

type Row struct {
	Command Command
	Key     []byte
	Value   []byte
}

// DataWeight is what write and commit counters account for the row.
func (r Row) DataWeight() int64 {
	return int64(1 + len(r.Key) + len(r.Value))
}

type Writer struct {
	buf        bytes.Buffer
	rowCount   int
	dataWeight int64
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) WriteRow(key, value []byte) {
	w.write(Row{Command: CommandWriteRow, Key: key, Value: value})
}

func (w *Writer) DeleteRow(key []byte) {
	w.write(Row{Command: CommandDeleteRow, Key: key})
}

func (w *Writer) write(row Row) {
	var lenBuf [binary.MaxVarintLen64]byte
	w.buf.WriteByte(byte(row.Command))
	n := binary.PutUvarint(lenBuf[:], uint64(len(row.Key)))
	w.buf.Write(lenBuf[:n])
	w.buf.Write(row.Key)
	n = binary.PutUvarint(lenBuf[:], uint64(len(row.Value)))
	w.buf.Write(lenBuf[:n])
	w.buf.Write(row.Value)
	w.rowCount++
	w.dataWeight += row.DataWeight()
}

func (w *Writer) RowCount() int {
	return w.rowCount
}

func (w *Writer) DataWeight() int64 {
	return w.dataWeight
}

// Finish returns the encoded batch. The writer may keep appending afterwards.
func (w *Writer) Finish() []byte {
	return bytes.Clone(w.buf.Bytes())
}

// Reader is a re-enterable cursor over an encoded batch: callers may save
// Current and rewind with SetCurrent, e.g. when a row turns out to be blocked.
type Reader struct {
	data []byte
	pos  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) Current() int {
	return r.pos
}

func (r *Reader) SetCurrent(pos int) {
	switch {
	case pos < 0:
		r.pos = 0
	case pos > len(r.data):
		r.pos = len(r.data)
	default:
		r.pos = pos
	}
}

func (r *Reader) End() int {
	return len(r.data)
}

func (r *Reader) IsFinished() bool {
	return r.pos >= len(r.data)
}

// Slice returns a copy of the encoded rows between two cursor positions.
func (r *Reader) Slice(from, to int) []byte {
	return bytes.Clone(r.data[from:to])
}

// Read decodes the row at the cursor and advances past it. On error the
// cursor does not move.
func (r *Reader) Read() (Row, error) {
	pos := r.pos
	if pos >= len(r.data) {
		return Row{}, errors.WithStack(ErrTruncated)
	}
	cmd := Command(r.data[pos])
	if cmd != CommandWriteRow && cmd != CommandDeleteRow {
		return Row{}, errors.Wrapf(ErrUnknownCommand, "command %d at offset %d", cmd, pos)
	}
	pos++

	key, pos, err := r.readBytes(pos)
	if err != nil {
		return Row{}, err
	}
	value, pos, err := r.readBytes(pos)
	if err != nil {
		return Row{}, err
	}
	r.pos = pos
	return Row{Command: cmd, Key: key, Value: value}, nil
}

func (r *Reader) readBytes(pos int) ([]byte, int, error) {
	n, size := binary.Uvarint(r.data[pos:])
	if size <= 0 {
		return nil, pos, errors.Wrapf(ErrTruncated, "length at offset %d", pos)
	}
	pos += size
	if n > uint64(len(r.data)-pos) {
		return nil, pos, errors.Wrapf(ErrTruncated, "%d bytes at offset %d", n, pos)
	}
	end := pos + int(n)
	if n == 0 {
		return nil, end, nil
	}
	return r.data[pos:end], end, nil
}

// Stats walks a whole batch without consuming a reader.
func Stats(data []byte) (rowCount int, dataWeight int64, err error) {
	r := NewReader(data)
	for !r.IsFinished() {
		row, err := r.Read()
		if err != nil {
			return 0, 0, err
		}
		rowCount++
		dataWeight += row.DataWeight()
	}
	return rowCount, dataWeight, nil
}
