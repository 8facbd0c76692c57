package quiverdb

import (
	"bytes"
	"testing"
)

func TestSegmentIndexAndOffsetMapping(t *testing.T) {
	const pageSize = 4096
	if got := segmentIndexOf(0); got != 0 {
		t.Fatalf("segmentIndexOf(0) = %d, want 0", got)
	}
	if got := segmentIndexOf(pagesPerSegment); got != 1 {
		t.Fatalf("segmentIndexOf(pagesPerSegment) = %d, want 1", got)
	}
	if got := segmentIndexOf(pagesPerSegment + 5); got != 1 {
		t.Fatalf("segmentIndexOf(pagesPerSegment+5) = %d, want 1", got)
	}

	if got := segmentOffsetOf(0, pageSize); got != 0 {
		t.Fatalf("segmentOffsetOf(0, ...) = %d, want 0", got)
	}
	if got := segmentOffsetOf(3, pageSize); got != 3*pageSize {
		t.Fatalf("segmentOffsetOf(3, ...) = %d, want %d", got, 3*pageSize)
	}
	// Offsets wrap within a segment: page pagesPerSegment+5 lands at the
	// same in-segment offset as page 5.
	if got := segmentOffsetOf(pagesPerSegment+5, pageSize); got != 5*pageSize {
		t.Fatalf("segmentOffsetOf(pagesPerSegment+5, ...) = %d, want %d", got, 5*pageSize)
	}
}

func TestSegmentManagerWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sm := OpenSegmentManager(dir, 4096)
	defer sm.Close()

	pageID := uint64(42)
	if err := sm.EnsureAllocated(pageID); err != nil {
		t.Fatalf("EnsureAllocated: %v", err)
	}
	want := bytes.Repeat([]byte{0xAB}, 4096)
	if err := sm.WriteAt(pageID, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, 4096)
	if err := sm.ReadAt(pageID, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadAt returned unexpected contents")
	}
}

func TestSegmentManagerCrossesSegmentBoundary(t *testing.T) {
	dir := t.TempDir()
	sm := OpenSegmentManager(dir, 4096)
	defer sm.Close()

	lastOfFirst := uint64(pagesPerSegment - 1)
	firstOfSecond := uint64(pagesPerSegment)

	for _, id := range []uint64{lastOfFirst, firstOfSecond} {
		if err := sm.EnsureAllocated(id); err != nil {
			t.Fatalf("EnsureAllocated(%d): %v", id, err)
		}
		buf := bytes.Repeat([]byte{byte(id)}, 4096)
		if err := sm.WriteAt(id, buf); err != nil {
			t.Fatalf("WriteAt(%d): %v", id, err)
		}
	}

	for _, id := range []uint64{lastOfFirst, firstOfSecond} {
		got := make([]byte, 4096)
		if err := sm.ReadAt(id, got); err != nil {
			t.Fatalf("ReadAt(%d): %v", id, err)
		}
		want := bytes.Repeat([]byte{byte(id)}, 4096)
		if !bytes.Equal(got, want) {
			t.Fatalf("page %d round trip mismatch across segment boundary", id)
		}
	}

	if segmentIndexOf(lastOfFirst) == segmentIndexOf(firstOfSecond) {
		t.Fatalf("test setup invariant violated: the two page ids must land in different segments")
	}
}

func TestSegmentManagerPreallocatesInChunks(t *testing.T) {
	dir := t.TempDir()
	sm := OpenSegmentManager(dir, 4096)
	defer sm.Close()

	if err := sm.EnsureAllocated(0); err != nil {
		t.Fatalf("EnsureAllocated(0): %v", err)
	}
	sm.mu.Lock()
	sf := sm.segs[0]
	allocated := sf.allocated
	sm.mu.Unlock()

	wantChunk := int64(preallocChunkPages) * 4096
	if allocated != wantChunk {
		t.Fatalf("allocated bytes after first EnsureAllocated = %d, want %d (one prealloc chunk)", allocated, wantChunk)
	}

	// A page still within the first chunk must not trigger further growth.
	if err := sm.EnsureAllocated(uint64(preallocChunkPages - 1)); err != nil {
		t.Fatalf("EnsureAllocated within chunk: %v", err)
	}
	sm.mu.Lock()
	stillAllocated := sm.segs[0].allocated
	sm.mu.Unlock()
	if stillAllocated != wantChunk {
		t.Fatalf("allocated bytes grew for a page within the existing chunk: got %d, want %d", stillAllocated, wantChunk)
	}
}

func TestSegmentManagerSyncAndClose(t *testing.T) {
	dir := t.TempDir()
	sm := OpenSegmentManager(dir, 4096)

	if err := sm.EnsureAllocated(0); err != nil {
		t.Fatalf("EnsureAllocated: %v", err)
	}
	if err := sm.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := sm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
