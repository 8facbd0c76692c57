package wal

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "000001.wal")
	w, err := Create(Options{Path: path})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestCreateWritesGlobalHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.wal")
	w, err := Create(Options{Path: path})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	w.Close()

	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(buf) != GlobalHeaderSize {
		t.Fatalf("file size = %d, want %d", len(buf), GlobalHeaderSize)
	}
	if string(buf[:8]) != GlobalMagic {
		t.Fatalf("magic = %q, want %q", buf[:8], GlobalMagic)
	}
}

func TestAppendAndReadBack(t *testing.T) {
	w := newTestWriter(t)
	payload := []byte("a page image's worth of bytes")
	if err := w.Append(RecordHeader{Type: RecordPageImage, LSN: 1, PageID: 5}, payload); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	r, err := Open(w.Path())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	rec, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec.Header.Type != RecordPageImage || rec.Header.LSN != 1 || rec.Header.PageID != 5 {
		t.Fatalf("got header %+v", rec.Header)
	}
	if !bytes.Equal(rec.Payload, payload) {
		t.Fatalf("got payload %q, want %q", rec.Payload, payload)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestReaderDetectsCorruption(t *testing.T) {
	w := newTestWriter(t)
	if err := w.Append(RecordHeader{Type: RecordPageImage, LSN: 1, PageID: 1}, []byte("payload")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	buf, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	buf[GlobalHeaderSize+RecordHeaderSize] ^= 0xff // flip a payload byte
	if err := os.WriteFile(w.Path(), buf, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := Open(w.Path())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if _, err := r.Next(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
}

func TestReaderDetectsPartialTail(t *testing.T) {
	w := newTestWriter(t)
	if err := w.Append(RecordHeader{Type: RecordPageImage, LSN: 1, PageID: 1}, []byte("0123456789")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	info, err := os.Stat(w.Path())
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if err := os.Truncate(w.Path(), info.Size()-3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	r, err := Open(w.Path())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if _, err := r.Next(); !errors.Is(err, ErrPartialTail) {
		t.Fatalf("got %v, want ErrPartialTail", err)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wal")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0}, GlobalHeaderSize), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected an error for a bad global header")
	}
}

func TestTruncateToHeaderResetsFile(t *testing.T) {
	w := newTestWriter(t)
	if err := w.Append(RecordHeader{Type: RecordPageImage, LSN: 1, PageID: 1}, []byte("x")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := w.TruncateToHeader(); err != nil {
		t.Fatalf("TruncateToHeader: %v", err)
	}

	info, err := os.Stat(w.Path())
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != GlobalHeaderSize {
		t.Fatalf("size = %d, want %d", info.Size(), GlobalHeaderSize)
	}
}

func TestHeadsUpdateRoundTrip(t *testing.T) {
	heads := map[uint32]uint64{0: 10, 1: 20, 2: 30}
	order := []uint32{0, 1, 2}
	payload := EncodeHeadsUpdate(heads, order)

	got, err := DecodeHeadsUpdate(payload)
	if err != nil {
		t.Fatalf("DecodeHeadsUpdate: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d updates, want 3", len(got))
	}
	for i, u := range got {
		if u.Bucket != order[i] || u.Head != heads[order[i]] {
			t.Fatalf("update[%d] = %+v", i, u)
		}
	}
}

func TestConcurrentSyncCoalesces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.wal")
	w, err := Create(Options{Path: path})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer w.Close()

	const n = 20
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			if err := w.Append(RecordHeader{Type: RecordPageImage, LSN: uint64(i + 1), PageID: uint64(i)}, []byte("x")); err != nil {
				results <- err
				return
			}
			results <- w.Sync()
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-results; err != nil {
			t.Fatalf("concurrent sync #%d: %v", i, err)
		}
	}
}
