// Package wal implements the spool of readings that could not be persisted.
//
// Readings are appended to numbered segment files. At the next start the
// persistence manager replays the segments left by earlier runs into the
// sink and deletes the ones that were fully replayed.
//
// Segment layout:
//   - header: 8 bytes magic, 4 bytes version
//   - records: [4 bytes length][4 bytes crc32][payload]
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/xtxerr/sensorgw/internal/types"
)

const (
	walMagic         = 0x53454E5357414C01 // "SENSWAL" + version 1
	walVersion       = 1
	headerSize       = 12
	recordHeaderSize = 8
	maxRecordSize    = 64 * 1024 * 1024

	segmentPrefix = "spool-"
	segmentSuffix = ".wal"
)

// Options configures the spool writer.
type Options struct {
	// MaxSegmentSize starts a new segment once the current one would grow
	// past it. Default: 16MB
	MaxSegmentSize int64

	// Fsync syncs the segment to stable storage after every write.
	Fsync bool
}

// DefaultOptions returns default spool options.
func DefaultOptions() Options {
	return Options{MaxSegmentSize: 16 * 1024 * 1024}
}

// Writer appends readings to spool segments. A segment is only created
// by the first write, so a run without persistence failures leaves no
// files behind.
type Writer struct {
	mu   sync.Mutex
	dir  string
	opts Options

	seq      int64 // sequence of the next segment to create
	firstSeq int64 // first sequence owned by this writer
	cur      *os.File
	curPath  string
	curSize  int64

	readings int64
	closed   bool
}

// NewWriter creates a writer in dir. Segment numbering continues after the
// segments already present, which remain pending for replay.
func NewWriter(dir string, opts Options) (*Writer, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultOptions().MaxSegmentSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	w := &Writer{dir: dir, opts: opts}
	if n := len(segments); n > 0 {
		w.seq = segments[n-1].seq + 1
	}
	w.firstSeq = w.seq
	return w, nil
}

// Write appends readings as one record.
func (w *Writer) Write(readings []types.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}

	payload := encodeReadings(readings)
	rec := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(rec[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(rec[4:8], crc32.ChecksumIEEE(payload))
	copy(rec[recordHeaderSize:], payload)

	if w.cur == nil || (w.curSize > headerSize && w.curSize+int64(len(rec)) > w.opts.MaxSegmentSize) {
		if err := w.nextSegment(); err != nil {
			return err
		}
	}

	if _, err := w.cur.Write(rec); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	w.curSize += int64(len(rec))
	w.readings += int64(len(readings))

	if w.opts.Fsync {
		if err := w.cur.Sync(); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}
	return nil
}

// nextSegment closes the current segment and creates the next one. Must be
// called with mu held.
func (w *Writer) nextSegment() error {
	if w.cur != nil {
		if err := w.cur.Close(); err != nil {
			return fmt.Errorf("close segment: %w", err)
		}
		w.cur = nil
	}

	path := filepath.Join(w.dir, segmentName(w.seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write header: %w", err)
	}

	w.seq++
	w.cur = f
	w.curPath = path
	w.curSize = headerSize
	return nil
}

// Close closes the current segment. Further writes fail with os.ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.cur == nil {
		return nil
	}
	return w.cur.Close()
}

// Readings returns the number of readings spooled by this writer.
func (w *Writer) Readings() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readings
}

// CurrentSegment returns the segment being written, or "" before the
// first write.
func (w *Writer) CurrentSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.curPath
}

// PendingSegments returns, in order, the segments left by earlier runs.
func (w *Writer) PendingSegments() ([]string, error) {
	segments, err := listSegments(w.dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, s := range segments {
		if s.seq >= w.firstSeq {
			break
		}
		paths = append(paths, s.path)
	}
	return paths, nil
}

// DeleteSegment removes a replayed segment. Segments written by this
// writer cannot be deleted.
func (w *Writer) DeleteSegment(path string) error {
	seq, ok := parseSegmentName(filepath.Base(path))
	if !ok {
		return fmt.Errorf("not a spool segment: %s", path)
	}
	if seq >= w.firstSeq {
		return fmt.Errorf("segment %s belongs to the running spool", filepath.Base(path))
	}
	return os.Remove(path)
}

type segmentInfo struct {
	path string
	seq  int64
}

func segmentName(seq int64) string {
	return fmt.Sprintf("%s%010d%s", segmentPrefix, seq, segmentSuffix)
}

func parseSegmentName(name string) (int64, bool) {
	num, ok := strings.CutPrefix(name, segmentPrefix)
	if !ok {
		return 0, false
	}
	num, ok = strings.CutSuffix(num, segmentSuffix)
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseInt(num, 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

// listSegments returns the segment files in dir in sequence order.
func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if seq, ok := parseSegmentName(entry.Name()); ok {
			segments = append(segments, segmentInfo{path: filepath.Join(dir, entry.Name()), seq: seq})
		}
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].seq < segments[j].seq
	})
	return segments, nil
}
