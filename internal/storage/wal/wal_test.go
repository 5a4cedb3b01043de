package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xtxerr/sensorgw/internal/types"
)

func sampleReadings(n int) []types.Reading {
	out := make([]types.Reading, n)
	for i := range out {
		out[i] = types.Reading{SensorID: int32(i % 50), Temperature: 20 + float32(i)/10, Timestamp: 1700000000 + int64(i)}
	}
	return out
}

func TestDecodeRejectsBadPayload(t *testing.T) {
	if _, err := decodeReadings([]byte{1, 2}); err == nil {
		t.Error("expected error for short payload")
	}

	payload := encodeReadings(sampleReadings(2))
	if _, err := decodeReadings(payload[:len(payload)-1]); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	in := sampleReadings(10)
	if err := w.Write(in[:4]); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(in[4:]); err != nil {
		t.Fatal(err)
	}
	path := w.CurrentSegment()
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ReadSegment(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if len(got) != len(in) {
		t.Fatalf("expected %d readings, got %d", len(in), len(got))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("reading %d: expected %v, got %v", i, in[i], got[i])
		}
	}

	if w.Readings() != 10 {
		t.Errorf("expected 10 spooled readings, got %d", w.Readings())
	}
}

func TestPendingSegments(t *testing.T) {
	dir := t.TempDir()

	first, err := NewWriter(dir, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	first.Write(sampleReadings(3))
	firstPath := first.CurrentSegment()
	first.Close()

	second, err := NewWriter(dir, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if err := second.Write(sampleReadings(1)); err != nil {
		t.Fatal(err)
	}

	pending, err := second.PendingSegments()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0] != firstPath {
		t.Fatalf("expected [%s], got %v", firstPath, pending)
	}

	if err := second.DeleteSegment(second.CurrentSegment()); err == nil {
		t.Error("deleting a segment of the running spool must fail")
	}
	if err := second.DeleteSegment(filepath.Join(dir, "notes.txt")); err == nil {
		t.Error("deleting a foreign file must fail")
	}
	if err := second.DeleteSegment(firstPath); err != nil {
		t.Fatal(err)
	}
	pending, _ = second.PendingSegments()
	if len(pending) != 0 {
		t.Errorf("expected no pending segments, got %v", pending)
	}
}

func TestNoSegmentWithoutWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if w.CurrentSegment() != "" {
		t.Errorf("expected no segment before the first write, got %s", w.CurrentSegment())
	}
	w.Close()

	segments, _ := listSegments(dir)
	if len(segments) != 0 {
		t.Errorf("expected an idle spool to leave no files, got %v", segments)
	}
	if err := w.Write(sampleReadings(1)); err == nil {
		t.Error("expected write after close to fail")
	}
}

func TestSegmentNames(t *testing.T) {
	if got := segmentName(42); got != "spool-0000000042.wal" {
		t.Errorf("unexpected name %s", got)
	}
	for _, bad := range []string{"spool-.wal", "spool-12x.wal", "0000000000000001.wal", "spool-1.tmp"} {
		if _, ok := parseSegmentName(bad); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
	if seq, ok := parseSegmentName("spool-0000000007.wal"); !ok || seq != 7 {
		t.Errorf("expected seq 7, got %d %v", seq, ok)
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.MaxSegmentSize = headerSize + recordHeaderSize + 4 + 16 // one single-reading record

	w, err := NewWriter(dir, opts)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := w.Write(sampleReadings(1)); err != nil {
			t.Fatal(err)
		}
	}
	w.Close()

	w2, err := NewWriter(dir, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Close()
	pending, _ := w2.PendingSegments()
	var total int
	for _, p := range pending {
		got, err := ReadSegment(p)
		if err != nil {
			t.Fatal(err)
		}
		total += len(got)
	}
	if total != 3 {
		t.Errorf("expected 3 readings across segments, got %d", total)
	}

	segments, err := listSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 3 {
		t.Errorf("expected 3 segments, got %d", len(segments))
	}
}

func TestTornRecordIsIgnored(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewWriter(dir, DefaultOptions())
	w.Write(sampleReadings(2))
	w.Write(sampleReadings(2))
	path := w.CurrentSegment()
	w.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, info.Size()-5); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("expected the intact record only, got %d readings", len(got))
	}
	if r.Stats().CorruptRecords != 1 {
		t.Errorf("expected 1 corrupt record, got %d", r.Stats().CorruptRecords)
	}
}

func TestInvalidHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), segmentName(0))
	os.WriteFile(path, make([]byte, headerSize), 0644)
	if _, err := NewReader(path); err == nil {
		t.Error("expected invalid magic error")
	}
}
