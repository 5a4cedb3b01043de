package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/xtxerr/sensorgw/internal/types"
)

// Reader reads readings from one WAL segment file.
type Reader struct {
	path string
	file *os.File

	stats ReaderStats
}

// ReaderStats holds WAL reader statistics.
type ReaderStats struct {
	RecordsRead    int64
	ReadingsRead   int64
	BytesRead      int64
	CorruptRecords int64
}

// NewReader opens a segment and verifies its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: expected %x, got %x", walMagic, magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != walVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	return &Reader{path: path, file: f}, nil
}

// ReadAll reads every intact record of the segment. Reading stops at the
// first damaged record, since a torn write can only be the last one.
func (r *Reader) ReadAll() ([]types.Reading, error) {
	var all []types.Reading
	for {
		readings, err := r.ReadRecord()
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			r.stats.CorruptRecords++
			return all, nil
		}
		all = append(all, readings...)
	}
}

// ReadRecord reads the next record. It returns io.EOF when the segment is
// exhausted.
func (r *Reader) ReadRecord() ([]types.Reading, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.file, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])
	if length > maxRecordSize {
		return nil, fmt.Errorf("record too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.file, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	if actual := crc32.ChecksumIEEE(payload); actual != expectedCRC {
		return nil, fmt.Errorf("CRC mismatch: expected %x, got %x", expectedCRC, actual)
	}

	readings, err := decodeReadings(payload)
	if err != nil {
		return nil, fmt.Errorf("decode readings: %w", err)
	}

	r.stats.RecordsRead++
	r.stats.ReadingsRead += int64(len(readings))
	r.stats.BytesRead += int64(recordHeaderSize + len(payload))
	return readings, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// ReadSegment reads all readings from a segment file.
func ReadSegment(path string) ([]types.Reading, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}
