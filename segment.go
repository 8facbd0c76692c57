package quiverdb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// segment.go implements segment files: fixed-size page containers on
// disk. A page id deterministically maps to (segment index, offset);
// the allocator grows the active segment in chunks of many pages at a
// time rather than extending it one page at a time, amortizing the
// cost of repeated file growth under sequential allocation the same
// way a buffered writer amortizes syscalls across many small writes.
const (
	// pagesPerSegment bounds how many pages a single segment file holds
	// before the allocator rolls over to the next one.
	pagesPerSegment = 1 << 16

	// preallocChunkPages is how many pages' worth of space a segment is
	// grown by at a time, amortizing the cost of repeated file extension
	// under sequential allocation.
	preallocChunkPages = 1024
)

func segmentIndexOf(pageID uint64) uint32 {
	return uint32(pageID / pagesPerSegment)
}

func segmentOffsetOf(pageID uint64, pageSize uint32) int64 {
	return int64(pageID%pagesPerSegment) * int64(pageSize)
}

func segmentFileName(idx uint32) string {
	return fmt.Sprintf("%08d.seg", idx)
}

// segmentFile is one open segment, with the high-water mark of bytes
// the allocator has already preallocated.
type segmentFile struct {
	file      *os.File
	allocated int64 // bytes preallocated so far (may exceed file's logical content)
}

// SegmentManager owns every segment file backing the database's pages.
// It is exclusively owned by the Pager for the database's lifetime
// (spec §3 ownership).
type SegmentManager struct {
	dir      string
	pageSize uint32

	mu   sync.Mutex
	segs map[uint32]*segmentFile
}

// OpenSegmentManager opens (lazily, on demand) the segment files under
// dir for a database with the given page size.
func OpenSegmentManager(dir string, pageSize uint32) *SegmentManager {
	return &SegmentManager{
		dir:      dir,
		pageSize: pageSize,
		segs:     make(map[uint32]*segmentFile),
	}
}

func (sm *SegmentManager) segmentLocked(idx uint32) (*segmentFile, error) {
	if sf, ok := sm.segs[idx]; ok {
		return sf, nil
	}
	path := filepath.Join(sm.dir, segmentFileName(idx))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: stat %s: %w", path, err)
	}
	sf := &segmentFile{file: f, allocated: info.Size()}
	sm.segs[idx] = sf
	return sf, nil
}

// EnsureAllocated guarantees that the segment backing pageID has
// enough preallocated space to read or write it, growing the segment
// file in preallocChunkPages-page increments if necessary.
func (sm *SegmentManager) EnsureAllocated(pageID uint64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	idx := segmentIndexOf(pageID)
	sf, err := sm.segmentLocked(idx)
	if err != nil {
		return err
	}
	needed := segmentOffsetOf(pageID, sm.pageSize) + int64(sm.pageSize)
	if needed <= sf.allocated {
		return nil
	}
	chunk := int64(preallocChunkPages) * int64(sm.pageSize)
	newSize := sf.allocated
	for newSize < needed {
		newSize += chunk
	}
	if newSize > int64(pagesPerSegment)*int64(sm.pageSize) {
		newSize = int64(pagesPerSegment) * int64(sm.pageSize)
	}
	if err := sf.file.Truncate(newSize); err != nil {
		return fmt.Errorf("segment: preallocate %s: %w", segmentFileName(idx), err)
	}
	sf.allocated = newSize
	return nil
}

// ReadAt reads one page's worth of bytes for pageID into buf, which
// must be exactly pageSize bytes.
func (sm *SegmentManager) ReadAt(pageID uint64, buf []byte) error {
	sm.mu.Lock()
	sf, err := sm.segmentLocked(segmentIndexOf(pageID))
	sm.mu.Unlock()
	if err != nil {
		return err
	}
	off := segmentOffsetOf(pageID, sm.pageSize)
	if _, err := sf.file.ReadAt(buf, off); err != nil {
		return fmt.Errorf("segment: read page %d: %w", pageID, err)
	}
	return nil
}

// WriteAt writes one page's worth of bytes for pageID. The caller must
// have called EnsureAllocated(pageID) first.
func (sm *SegmentManager) WriteAt(pageID uint64, buf []byte) error {
	sm.mu.Lock()
	sf, err := sm.segmentLocked(segmentIndexOf(pageID))
	sm.mu.Unlock()
	if err != nil {
		return err
	}
	off := segmentOffsetOf(pageID, sm.pageSize)
	if _, err := sf.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("segment: write page %d: %w", pageID, err)
	}
	return nil
}

// Sync fsyncs every segment file that currently has an open
// descriptor. Called after a batch's segment writes when
// data_fsync_on_commit is enabled.
func (sm *SegmentManager) Sync() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for idx, sf := range sm.segs {
		if err := sf.file.Sync(); err != nil {
			return fmt.Errorf("segment: sync %s: %w", segmentFileName(idx), err)
		}
	}
	return nil
}

// Close closes every open segment file descriptor.
func (sm *SegmentManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var first error
	for _, sf := range sm.segs {
		if err := sf.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	sm.segs = make(map[uint32]*segmentFile)
	return first
}
