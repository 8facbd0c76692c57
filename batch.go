package quiverdb

import (
	"fmt"
	"sort"

	"github.com/quiverdb/quiverdb/page"
	"github.com/quiverdb/quiverdb/wal"
)

// batch.go implements the central batch commit pipeline (spec §4.1):
// stamp every produced page with a monotonic LSN, append BEGIN;
// PAGE_IMAGE*; HEADS_UPDATE; COMMIT to the WAL behind one fsync, write
// pages to their segments, then publish the new directory heads.

type pendingPageKind uint8

const (
	pendingKV pendingPageKind = iota
	pendingOverflow
)

type pendingPage struct {
	pageID uint64
	kind   pendingPageKind
	buf    []byte
}

// Batch accumulates the pages and directory head changes produced by
// one KV operation (put/delete, compaction, a snapshot-COW freeze's
// replacement write) before committing them atomically.
type Batch struct {
	db        *DB
	pages     []pendingPage
	pageSet   map[uint64]int // pageID -> index in pages, for in-batch overwrite
	heads     map[uint32]uint64
	headOrder []uint32
}

// newBatch creates an empty batch bound to db.
func newBatch(db *DB) *Batch {
	return &Batch{
		db:      db,
		pageSet: make(map[uint64]int),
		heads:   make(map[uint32]uint64),
	}
}

// StageKVPage adds or replaces a dirty KV page in the batch. buf must
// already contain a fully formed page body (InitKV + Insert calls);
// its page_lsn and trailer are stamped by Commit.
func (b *Batch) StageKVPage(pageID uint64, buf []byte) {
	b.stage(pendingPage{pageID: pageID, kind: pendingKV, buf: buf})
}

// StageOverflowPage adds or replaces a dirty OVERFLOW page in the batch.
func (b *Batch) StageOverflowPage(pageID uint64, buf []byte) {
	b.stage(pendingPage{pageID: pageID, kind: pendingOverflow, buf: buf})
}

func (b *Batch) stage(p pendingPage) {
	if idx, ok := b.pageSet[p.pageID]; ok {
		b.pages[idx] = p
		return
	}
	b.pageSet[p.pageID] = len(b.pages)
	b.pages = append(b.pages, p)
}

// SetHead records that bucket's chain head should become pageID once
// the batch commits. A bucket appears at most once in the resulting
// HEADS_UPDATE payload: the last SetHead call for a bucket wins.
func (b *Batch) SetHead(bucket uint32, pageID uint64) {
	if _, ok := b.heads[bucket]; !ok {
		b.headOrder = append(b.headOrder, bucket)
	}
	b.heads[bucket] = pageID
}

// Empty reports whether the batch has nothing to commit.
func (b *Batch) Empty() bool {
	return len(b.pages) == 0 && len(b.heads) == 0
}

// Commit runs the batch commit pipeline and returns the LSN of the
// COMMIT record (spec §4.1, steps 1-7).
func (b *Batch) Commit() (uint64, error) {
	if b.Empty() {
		return b.db.pager.LastLSN(), nil
	}

	p := b.db.pager
	p.mu.Lock()
	n := uint64(len(b.pages))
	if n == 0 {
		n = 1 // a heads-only batch still consumes one LSN for HEADS_UPDATE/COMMIT.
	}
	start := p.lastLSN + 1
	last := start + n - 1
	p.lastLSN = last
	p.mu.Unlock()

	// Step 2: stamp each page's LSN and seal its trailer.
	for i, pg := range b.pages {
		lsn := start + uint64(i)
		switch pg.kind {
		case pendingKV:
			if err := page.SetPageLSN(pg.buf, lsn); err != nil {
				return 0, fmt.Errorf("batch: stamp KV page %d: %w", pg.pageID, err)
			}
		case pendingOverflow:
			if err := page.SetOverflowPageLSN(pg.buf, lsn); err != nil {
				return 0, fmt.Errorf("batch: stamp overflow page %d: %w", pg.pageID, err)
			}
		}
		if err := p.SealPage(pg.buf, lsn); err != nil {
			return 0, fmt.Errorf("batch: seal page %d: %w", pg.pageID, err)
		}
	}

	// Step 3: HEADS_UPDATE payload, buckets in a deterministic order.
	order := append([]uint32(nil), b.headOrder...)
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	headsPayload := wal.EncodeHeadsUpdate(b.heads, order)

	// Step 4: WAL append in one contiguous region, one fsync.
	w := b.db.wal
	if err := w.Append(wal.RecordHeader{Type: wal.RecordBegin, LSN: start}, nil); err != nil {
		return 0, fmt.Errorf("batch: append BEGIN: %w", err)
	}
	for i, pg := range b.pages {
		lsn := start + uint64(i)
		if err := w.Append(wal.RecordHeader{Type: wal.RecordPageImage, LSN: lsn, PageID: pg.pageID}, pg.buf); err != nil {
			return 0, fmt.Errorf("batch: append PAGE_IMAGE %d: %w", pg.pageID, err)
		}
	}
	if len(order) > 0 {
		if err := w.Append(wal.RecordHeader{Type: wal.RecordHeadsUpdate, LSN: last}, headsPayload); err != nil {
			return 0, fmt.Errorf("batch: append HEADS_UPDATE: %w", err)
		}
	}
	if err := w.Append(wal.RecordHeader{Type: wal.RecordCommit, LSN: last}, nil); err != nil {
		return 0, fmt.Errorf("batch: append COMMIT: %w", err)
	}
	if err := w.Sync(); err != nil {
		return 0, fmt.Errorf("batch: fsync WAL: %w", err)
	}

	// Step 5: segment writes, grouped naturally by SegmentManager's
	// per-segment file; page cache updated as each page lands.
	for _, pg := range b.pages {
		if err := p.segments.EnsureAllocated(pg.pageID); err != nil {
			return 0, fmt.Errorf("batch: allocate segment space for page %d: %w", pg.pageID, err)
		}
		if err := p.segments.WriteAt(pg.pageID, pg.buf); err != nil {
			return 0, fmt.Errorf("batch: write page %d: %w", pg.pageID, err)
		}
		cp := make([]byte, len(pg.buf))
		copy(cp, pg.buf)
		p.cache.Put(pg.pageID, cp)
	}
	if b.db.opts.DataFsyncOnCommit {
		if err := p.segments.Sync(); err != nil {
			return 0, fmt.Errorf("batch: fsync segments: %w", err)
		}
	}

	// Step 6: publish directory heads atomically.
	if len(order) > 0 {
		b.db.dirMu.Lock()
		for _, bucket := range order {
			b.db.directory.SetHead(bucket, b.heads[bucket])
		}
		err := writeDirectory(b.db.dir, b.db.directory)
		b.db.dirMu.Unlock()
		if err != nil {
			return 0, fmt.Errorf("batch: publish directory heads: %w", err)
		}
	}

	// Step 7: persist meta.last_lsn.
	if err := b.db.persistLastLSN(last); err != nil {
		return 0, fmt.Errorf("batch: persist meta.last_lsn: %w", err)
	}

	return last, nil
}
