package quiverdb

import (
	"fmt"
	"time"

	"github.com/quiverdb/quiverdb/page"
)

// compaction.go implements chain compaction and the orphan overflow
// sweep (spec §4.4). Both are synchronous, explicitly invoked
// operations rather than a background goroutine (see DESIGN.md's
// resolved "compaction model" question): compaction is externally
// triggered maintenance, and QuiverDB has no in-process task runtime
// (spec §5).

// maxChainTraversal bounds a single chain walk (compaction or orphan
// reachability) as a conservative safety ceiling against a corrupted
// cyclic chain looping forever.
const maxChainTraversal = 1 << 20

// CompactChain rewrites one bucket's chain into a shorter chain
// holding the same observable (key -> value-or-absent) mapping (spec
// §4.4): single scan head->tail (newest page to oldest), keeping only
// the first occurrence of each key and dropping tombstones/expired
// records once they've been accounted for. Within one page, records
// are visited in slot-table order (page.Each), not newest-first, so
// when a single page holds two records for the same key the one kept
// is the one in the lower slot index. Old
// pages are frozen for any live snapshot, then returned to the
// free-list.
func (db *DB) CompactChain(bucket uint32) error {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return ErrDBClosed
	}
	if db.opts.ReadOnly {
		return ErrReadOnly
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.compactBucketLocked(bucket)
	return err
}

// CompactBucketReport summarizes one bucket's compaction pass,
// grounded on original_source/src/db/compaction.rs's
// CompactBucketReport.
type CompactBucketReport struct {
	Bucket        uint32
	OldChainPages uint64
	KeysKept      uint64
	KeysDeleted   uint64
	PagesWritten  uint64
	NewHead       uint64
}

// CompactionReport summarizes a CompactAll pass across every bucket,
// grounded on original_source/src/db/compaction.rs's CompactSummary.
type CompactionReport struct {
	BucketsTotal     uint32
	BucketsCompacted uint32
	OldChainPagesSum uint64
	KeysKeptSum      uint64
	KeysDeletedSum   uint64
	PagesWrittenSum  uint64
}

// CompactAll runs CompactChain over every bucket in one writeMu hold,
// returning an aggregate report (spec §4.4's per-bucket operation,
// generalized to the whole directory).
func (db *DB) CompactAll() (CompactionReport, error) {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return CompactionReport{}, ErrDBClosed
	}
	if db.opts.ReadOnly {
		return CompactionReport{}, ErrReadOnly
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	rep := CompactionReport{BucketsTotal: db.directory.Buckets()}
	for bucket := uint32(0); bucket < rep.BucketsTotal; bucket++ {
		br, err := db.compactBucketLocked(bucket)
		if err != nil {
			return rep, err
		}
		if br.OldChainPages == 0 {
			continue
		}
		rep.BucketsCompacted++
		rep.OldChainPagesSum += br.OldChainPages
		rep.KeysKeptSum += br.KeysKept
		rep.KeysDeletedSum += br.KeysDeleted
		rep.PagesWrittenSum += br.PagesWritten
	}
	return rep, nil
}

// compactBucketLocked does the actual single-scan rewrite for one
// bucket (spec §4.4); callers must already hold db.writeMu.
func (db *DB) compactBucketLocked(bucket uint32) (CompactBucketReport, error) {
	rep := CompactBucketReport{Bucket: bucket}

	oldHead := db.directory.Head(bucket)
	if oldHead == page.NoPage {
		return rep, nil
	}

	seen := make(map[string]struct{})
	var kept []page.Record
	var oldPages []uint64
	var keysDeleted uint64
	now := uint32(time.Now().Unix())

	pid := oldHead
	for steps := 0; pid != page.NoPage; steps++ {
		if steps > maxChainTraversal {
			return rep, fmt.Errorf("quiverdb: bucket %d chain exceeds traversal ceiling: %w", bucket, ErrInvalidFormat)
		}
		buf, err := db.pager.ReadPage(pid)
		if err != nil {
			return rep, err
		}
		oldPages = append(oldPages, pid)

		walkErr := page.Each(buf, func(_ uint64, rec page.Record) bool {
			ks := string(rec.Key)
			if _, dup := seen[ks]; dup {
				keysDeleted++
				return true
			}
			if rec.Tombstone() {
				seen[ks] = struct{}{}
				keysDeleted++
				return true
			}
			if rec.ExpiresAt != 0 && rec.ExpiresAt <= now {
				// Expired without being tombstoned: skip it but leave it
				// out of seen, matching Scan's dedup asymmetry, so an
				// older still-valid write for this key can still surface.
				keysDeleted++
				return true
			}
			seen[ks] = struct{}{}
			kept = append(kept, page.Record{
				Key:       append([]byte(nil), rec.Key...),
				Value:     append([]byte(nil), rec.Value...),
				ExpiresAt: rec.ExpiresAt,
				Flags:     rec.Flags,
			})
			return true
		})
		if walkErr != nil {
			return rep, walkErr
		}
		h, err := page.Header(buf)
		if err != nil {
			return rep, err
		}
		pid = h.NextPageID
	}

	rep.OldChainPages = uint64(len(oldPages))
	rep.KeysKept = uint64(len(kept))
	rep.KeysDeleted = keysDeleted

	if len(kept) == 0 {
		// The whole chain was tombstones/dead weight: collapse it to an
		// empty head and free every old page.
		batch := newBatch(db)
		batch.SetHead(bucket, page.NoPage)
		if _, err := batch.Commit(); err != nil {
			return rep, err
		}
		rep.NewHead = page.NoPage
		return rep, db.freeCompactedPages(oldPages)
	}

	batch := newBatch(db)
	newHead, pagesWritten, err := db.packRecords(batch, kept)
	if err != nil {
		return rep, err
	}
	batch.SetHead(bucket, newHead)
	if _, err := batch.Commit(); err != nil {
		return rep, err
	}
	rep.NewHead = newHead
	rep.PagesWritten = uint64(pagesWritten)
	return rep, db.freeCompactedPages(oldPages)
}

// packRecords lays kept records (newest-write-wins, already
// deduplicated) into freshly allocated KV pages, packing as many as
// fit per page before starting a new one, and returns the new chain's
// head page id and page count.
func (db *DB) packRecords(batch *Batch, kept []page.Record) (uint64, int, error) {
	tableSlots := page.DefaultTableSlots(db.opts.PageSize)

	newPage := func() ([]byte, uint64) {
		id := db.pager.AllocatePage()
		buf := db.pager.NewPageBuffer()
		page.InitKV(buf, id, tableSlots)
		return buf, id
	}

	var pages [][]byte
	var ids []uint64
	cur, curID := newPage()
	pages = append(pages, cur)
	ids = append(ids, curID)

	for _, rec := range kept {
		keyHash := KeyHash(rec.Key)
		if err := page.Insert(cur, keyHash, rec); err != nil {
			cur, curID = newPage()
			pages = append(pages, cur)
			ids = append(ids, curID)
			if err := page.Insert(cur, keyHash, rec); err != nil {
				return 0, 0, fmt.Errorf("quiverdb: compacted record for key %q doesn't fit a fresh page: %w", rec.Key, err)
			}
		}
	}

	for i, buf := range pages {
		next := uint64(page.NoPage)
		if i+1 < len(pages) {
			next = ids[i+1]
		}
		if err := page.SetNextPageID(buf, next); err != nil {
			return 0, 0, err
		}
		batch.StageKVPage(ids[i], buf)
	}
	return ids[0], len(ids), nil
}

// freeCompactedPages returns every page id that held a now-superseded
// chain link to the free-list. Overflow chains referenced by preserved
// placeholders are untouched; only the KV pages that were just
// replaced are reclaimed (spec §4.4: "add the old pages to the
// free-list (after freezing for live snapshots)"). Each page is first
// passed to freezeBeforeOverwrite, which copies it into the sidecar of
// any live snapshot that still needs it (see
// snapshot.Manager.FreezeIfNeeded); Pager.FreePage itself does no
// freezing.
func (db *DB) freeCompactedPages(ids []uint64) error {
	for _, id := range ids {
		if err := db.freezeBeforeOverwrite(id); err != nil {
			return fmt.Errorf("quiverdb: freeze compacted page %d: %w", id, err)
		}
		if err := db.pager.FreePage(id); err != nil {
			return fmt.Errorf("quiverdb: free compacted page %d: %w", id, err)
		}
	}
	return nil
}

// SweepOrphanOverflow walks every directory head's KV chain, resolves
// every overflow placeholder it finds to mark the OVERFLOW pages it
// points at as reachable, then scans every allocated page id: any
// OVERFLOW page that is neither reachable nor already on the
// free-list is conservatively pushed onto the free-list (spec §4.4).
func (db *DB) SweepOrphanOverflow() (swept int, err error) {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return 0, ErrDBClosed
	}
	if db.opts.ReadOnly {
		return 0, ErrReadOnly
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	reachable := make(map[uint64]struct{})
	for bucket := uint32(0); bucket < db.directory.Buckets(); bucket++ {
		pid := db.directory.Head(bucket)
		for steps := 0; pid != page.NoPage; steps++ {
			if steps > maxChainTraversal {
				return swept, fmt.Errorf("quiverdb: bucket %d chain exceeds traversal ceiling: %w", bucket, ErrInvalidFormat)
			}
			buf, err := db.pager.ReadPage(pid)
			if err != nil {
				return swept, err
			}
			var walkErr error
			_ = page.Each(buf, func(_ uint64, rec page.Record) bool {
				if !rec.Overflow() {
					return true
				}
				ph, derr := page.DecodeOverflowPlaceholder(rec.Value)
				if derr != nil {
					walkErr = derr
					return false
				}
				for p := ph.HeadPID; p != page.NoPage; {
					if _, ok := reachable[p]; ok {
						break
					}
					reachable[p] = struct{}{}
					obuf, oerr := db.pager.ReadPage(p)
					if oerr != nil {
						walkErr = oerr
						return false
					}
					oh, oerr := page.OverflowHeaderOf(obuf)
					if oerr != nil {
						walkErr = oerr
						return false
					}
					p = oh.NextPageID
				}
				return true
			})
			if walkErr != nil {
				return swept, walkErr
			}
			h, herr := page.Header(buf)
			if herr != nil {
				return swept, herr
			}
			pid = h.NextPageID
		}
	}

	onFreelist := make(map[uint64]struct{}, len(db.freelist.ids))
	for _, fid := range db.freelist.ids {
		onFreelist[fid] = struct{}{}
	}

	next := db.pager.NextPageID()
	for id := uint64(0); id < next; id++ {
		if _, ok := reachable[id]; ok {
			continue
		}
		if _, ok := onFreelist[id]; ok {
			continue
		}
		buf, err := db.pager.ReadPage(id)
		if err != nil {
			continue
		}
		ch, err := page.DecodeCommonHeader(buf)
		if err != nil || ch.Type != page.TypeOverflow {
			continue
		}
		if err := db.freezeBeforeOverwrite(id); err != nil {
			return swept, fmt.Errorf("quiverdb: freeze orphan overflow page %d: %w", id, err)
		}
		if err := db.pager.FreePage(id); err != nil {
			return swept, fmt.Errorf("quiverdb: free orphan overflow page %d: %w", id, err)
		}
		swept++
	}
	return swept, nil
}
