package quiverdb

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/quiverdb/quiverdb/bufferpool"
	"github.com/quiverdb/quiverdb/page"
	"github.com/quiverdb/quiverdb/wal"
)

// Pager owns every segment file and the page cache for the lifetime of
// an open database (spec §3: "The Pager exclusively owns segment files
// and the page cache"). It is the only component that talks directly
// to the WAL writer on the write path.
type Pager struct {
	opts     *Options
	segments *SegmentManager
	cache    *page.Cache
	wal      *wal.Writer
	freelist *Freelist

	mu         sync.Mutex
	nextPageID uint64
	lastLSN    uint64
}

// NewPager wires together a SegmentManager, page cache and WAL writer
// into a Pager, seeded from a freshly loaded Meta and Freelist.
func NewPager(opts *Options, segments *SegmentManager, w *wal.Writer, fl *Freelist, m Meta) *Pager {
	return &Pager{
		opts:       opts,
		segments:   segments,
		cache:      page.NewCache(int64(opts.PageCacheEntries) * int64(opts.PageSize)),
		wal:        w,
		freelist:   fl,
		nextPageID: m.NextPageID,
		lastLSN:    m.LastLSN,
	}
}

// LastLSN returns the most recently committed LSN.
func (p *Pager) LastLSN() uint64 {
	return atomic.LoadUint64(&p.lastLSN)
}

// NextPageID returns the current allocation high-water mark.
func (p *Pager) NextPageID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextPageID
}

// NewPageBuffer returns a zeroed, page-sized buffer from the shared
// pool: the hot commit path shouldn't allocate a fresh slice per page.
func (p *Pager) NewPageBuffer() []byte {
	buf := bufferpool.GetBuffer(int(p.opts.PageSize))
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// ReleasePageBuffer returns a buffer obtained from NewPageBuffer to the
// pool. Only call this for buffers that were never handed to the page
// cache (the cache retains ownership of what it stores).
func (p *Pager) ReleasePageBuffer(buf []byte) {
	bufferpool.PutBuffer(buf)
}

// AllocatePage reserves a fresh page id: a freelist entry if one is
// available, otherwise the next unused id (spec §4.1 allocation
// algorithm).
func (p *Pager) AllocatePage() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.freelist.Pop(); ok {
		return id
	}
	id := p.nextPageID
	p.nextPageID++
	return id
}

// trailerOptions builds the TrailerOptions for the page's current LSN,
// from the database's configured checksum mode.
func (p *Pager) trailerOptions(pageLSN uint64) page.TrailerOptions {
	return page.TrailerOptions{
		Kind:               p.opts.ChecksumKind,
		ZeroChecksumStrict: p.opts.ZeroChecksumStrict,
		AEADStrict:         p.opts.AEADStrict,
		AEADKey:            p.opts.AEADKey,
		PageLSN:            pageLSN,
	}
}

// SealPage stamps a page's trailer in place, using the page's own
// page_lsn (read back from its type-specific header by the caller
// before calling this — KV and OVERFLOW pages each carry page_lsn at a
// different offset, so Pager doesn't decode it itself).
func (p *Pager) SealPage(buf []byte, pageLSN uint64) error {
	return page.SealTrailer(buf, p.trailerOptions(pageLSN))
}

// ReadPage returns the decoded bytes for pageID, checking the cache
// first. It verifies the trailer on every cache miss; cached entries
// are assumed already verified at insertion time.
func (p *Pager) ReadPage(pageID uint64) ([]byte, error) {
	if buf, ok := p.cache.Get(pageID); ok {
		return buf, nil
	}

	p.mu.Lock()
	beyond := pageID >= p.nextPageID
	p.mu.Unlock()
	if beyond {
		if p.opts.ReadBeyondAllocStrict {
			return nil, fmt.Errorf("pager: page %d: %w", pageID, ErrOutOfAllocation)
		}
		buf := p.NewPageBuffer()
		return buf, nil
	}

	buf := make([]byte, p.opts.PageSize)
	if err := p.segments.ReadAt(pageID, buf); err != nil {
		return nil, err
	}
	ch, err := page.DecodeCommonHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("pager: page %d: %w", pageID, err)
	}
	lsn, err := pageLSNOf(buf, ch.Type)
	if err != nil {
		return nil, err
	}
	opts := p.trailerOptions(lsn)
	opts.AEADSinceLSN = p.opts.aeadSinceLSN()
	if err := page.VerifyTrailer(buf, opts); err != nil {
		return nil, fmt.Errorf("pager: page %d: %w", pageID, err)
	}

	p.cache.Put(pageID, buf)
	return buf, nil
}

// pageLSNOf reads the page_lsn field out of a decoded page's
// type-specific header, used only to select the right AEAD epoch
// fallback check on verify.
func pageLSNOf(buf []byte, t page.Type) (uint64, error) {
	switch t {
	case page.TypeKV:
		h, err := page.Header(buf)
		if err != nil {
			return 0, err
		}
		return h.PageLSN, nil
	case page.TypeOverflow:
		h, err := page.OverflowHeaderOf(buf)
		if err != nil {
			return 0, err
		}
		return h.PageLSN, nil
	default:
		return 0, nil
	}
}

// WritePageRaw writes buf for pageID directly to its segment, bypassing
// the WAL (spec §4.1: "used by replay/apply/restore"). It updates the
// cache but never touches last_lsn or the WAL.
func (p *Pager) WritePageRaw(pageID uint64, buf []byte) error {
	if err := p.segments.EnsureAllocated(pageID); err != nil {
		return err
	}
	if err := p.segments.WriteAt(pageID, buf); err != nil {
		return err
	}
	p.mu.Lock()
	if pageID >= p.nextPageID {
		p.nextPageID = pageID + 1
	}
	p.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	p.cache.Put(pageID, cp)
	return nil
}

// FreePage returns pageID to the free-list and invalidates its cache
// entry. Callers must ensure the page is unreachable and, if snapshots
// are live, already frozen.
func (p *Pager) FreePage(pageID uint64) error {
	p.cache.Invalidate(pageID)
	return p.freelist.Push(pageID)
}

// Close flushes the WAL, syncs segments, and closes every underlying
// file.
func (p *Pager) Close() error {
	if err := p.wal.Close(); err != nil {
		return err
	}
	if err := p.segments.Sync(); err != nil {
		return err
	}
	if err := p.segments.Close(); err != nil {
		return err
	}
	return p.freelist.Close()
}
