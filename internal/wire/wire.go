// Package wire provides the fixed-size binary framing of sensor readings.
//
// Every record is exactly RecordSize bytes, little-endian:
//
//	offset 0  int32   sensor id
//	offset 4  float32 temperature (IEEE 754)
//	offset 8  int64   timestamp, unix seconds
//
// Little-endian matches the native layout that deployed sensor nodes send.
// There is no header and no length prefix; a stream is a plain sequence of
// records.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/xtxerr/sensorgw/internal/errors"
	"github.com/xtxerr/sensorgw/internal/types"
)

// RecordSize is the encoded size of one reading.
const RecordSize = 16

var byteOrder = binary.LittleEndian

// Encode writes r into buf, which must hold at least RecordSize bytes.
func Encode(buf []byte, r types.Reading) {
	_ = buf[RecordSize-1]
	byteOrder.PutUint32(buf[0:4], uint32(r.SensorID))
	byteOrder.PutUint32(buf[4:8], math.Float32bits(r.Temperature))
	byteOrder.PutUint64(buf[8:16], uint64(r.Timestamp))
}

// Decode parses one record from buf, which must hold at least RecordSize bytes.
func Decode(buf []byte) types.Reading {
	_ = buf[RecordSize-1]
	return types.Reading{
		SensorID:    int32(byteOrder.Uint32(buf[0:4])),
		Temperature: math.Float32frombits(byteOrder.Uint32(buf[4:8])),
		Timestamp:   int64(byteOrder.Uint64(buf[8:16])),
	}
}

// ReadReading reads exactly one record from r.
//
// It returns io.EOF when the stream ends cleanly on a record boundary, and
// an error wrapping ErrShortRead when the stream ends inside a record.
// Partial reads from the transport are retried until the record is complete.
func ReadReading(r io.Reader) (types.Reading, error) {
	var buf [RecordSize]byte
	n, err := io.ReadFull(r, buf[:])
	switch {
	case err == nil:
		return Decode(buf[:]), nil
	case err == io.EOF:
		return types.Reading{}, io.EOF
	case err == io.ErrUnexpectedEOF:
		return types.Reading{}, fmt.Errorf("got %d of %d bytes: %w", n, RecordSize, errors.ErrShortRead)
	default:
		return types.Reading{}, fmt.Errorf("read record: %w", err)
	}
}

// WriteReading writes one record to w.
func WriteReading(w io.Writer, r types.Reading) error {
	var buf [RecordSize]byte
	Encode(buf[:], r)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Reader reads records from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r  io.Reader
	mu sync.Mutex
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Read reads the next record.
func (r *Reader) Read() (types.Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReadReading(r.r)
}

// Writer writes records to an io.Writer, one Write call per record.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes and writes one record.
func (w *Writer) Write(r types.Reading) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteReading(w.w, r)
}
