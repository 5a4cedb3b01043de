// Package parquet archives measurements as rolling Parquet files.
//
// Rows are appended to an open file until it holds RowsPerFile rows, then
// the file is closed and the next insert starts a new one. A file is only
// readable once it has been closed, since Parquet writes its footer last.
package parquet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/sensorgw/config"
	"github.com/xtxerr/sensorgw/internal/errors"
	"github.com/xtxerr/sensorgw/internal/logging"
	"github.com/xtxerr/sensorgw/internal/types"
)

var log = logging.Component("parquet")

// Options configures the Parquet sink.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// RowsPerFile rotates the current file after this many rows.
	RowsPerFile int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression: CompressionZstd,
		RowsPerFile: config.DefaultParquetRowsPerFile,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// MeasurementRow mirrors the measurements table.
type MeasurementRow struct {
	ID   int32   `parquet:"id"`
	Temp float32 `parquet:"temp"`
	Time int64   `parquet:"time"`
}

func toRow(r types.Reading) MeasurementRow {
	return MeasurementRow{ID: r.SensorID, Temp: r.Temperature, Time: r.Timestamp}
}

func fromRow(row MeasurementRow) types.Reading {
	return types.Reading{SensorID: row.ID, Temperature: row.Temp, Timestamp: row.Time}
}

type file struct {
	path   string
	f      *os.File
	writer *parquet.GenericWriter[MeasurementRow]
	rows   int
}

func (fw *file) close() error {
	if err := fw.writer.Close(); err != nil {
		fw.f.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return fw.f.Close()
}

// Sink writes measurements to rolling Parquet files in a directory.
type Sink struct {
	mu      sync.Mutex
	dir     string
	opts    Options
	current *file
	seq     int
	closed  bool
	done    []string
	rows    int64
	now     func() time.Time
}

// Open creates dir if needed and returns a sink writing into it.
func Open(dir string, opts Options) (*Sink, error) {
	if opts.RowsPerFile <= 0 {
		opts.RowsPerFile = config.DefaultParquetRowsPerFile
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	return &Sink{dir: dir, opts: opts, now: time.Now}, nil
}

// Insert appends one measurement.
func (s *Sink) Insert(ctx context.Context, r types.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrSinkClosed
	}
	if s.current == nil {
		if err := s.openFile(); err != nil {
			return err
		}
	}

	if _, err := s.current.writer.Write([]MeasurementRow{toRow(r)}); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	s.current.rows++
	s.rows++

	if s.current.rows >= s.opts.RowsPerFile {
		return s.rotate()
	}
	return nil
}

// FileTimeLayout is the UTC timestamp embedded in archive file names:
// measurements-<FileTimeLayout>-<seq>.parquet.
const FileTimeLayout = "20060102T150405"

// FilePrefix starts every archive file name.
const FilePrefix = "measurements-"

func (s *Sink) openFile() error {
	name := fmt.Sprintf("%s%s-%04d.parquet", FilePrefix, s.now().UTC().Format(FileTimeLayout), s.seq)
	path := filepath.Join(s.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	s.seq++
	s.current = &file{
		path:   path,
		f:      f,
		writer: parquet.NewGenericWriter[MeasurementRow](f, parquet.Compression(getCompression(s.opts.Compression))),
	}
	log.Debug("opened archive file", "path", path)
	return nil
}

// rotate closes the current file. Must be called with mu held.
func (s *Sink) rotate() error {
	if s.current == nil {
		return nil
	}
	cur := s.current
	s.current = nil
	if err := cur.close(); err != nil {
		return err
	}
	s.done = append(s.done, cur.path)
	log.Info("archive file complete", "path", cur.path, "rows", cur.rows)
	return nil
}

// Flush closes the current file so its rows become readable.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotate()
}

// Files returns the completed archive files.
func (s *Sink) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.done...)
}

// Current returns the path of the file being written, or "".
func (s *Sink) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.path
}

// Dir returns the archive directory.
func (s *Sink) Dir() string {
	return s.dir
}

// RowCount returns the number of rows written.
func (s *Sink) RowCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// Close completes the current file. Further inserts fail with ErrSinkClosed.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.rotate()
}
