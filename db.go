package quiverdb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quiverdb/quiverdb/compression"
	"github.com/quiverdb/quiverdb/page"
	"github.com/quiverdb/quiverdb/snapshot"
	"github.com/quiverdb/quiverdb/snapstore"
	"github.com/quiverdb/quiverdb/wal"
)

// DB is an open QuiverDB handle: the bucket-chained KV engine sitting
// on top of the Pager, Directory, Meta and WAL (spec §2 data flow).
// One process may hold the writer handle at a time (exclusive LOCK
// file); readers may open concurrently with a shared lock. There is
// only ever one mutable copy of any given page, so a single struct
// with one big write-serializing mutex is enough.
type DB struct {
	dir  string
	opts *Options
	lock Locker

	pager     *Pager
	wal       *wal.Writer
	directory *Directory
	dirMu     sync.Mutex
	freelist  *Freelist

	meta   Meta
	metaMu sync.Mutex

	snap  *snapshot.Manager
	store *snapstore.Store

	writeMu sync.Mutex // serializes put/delete/compaction (single-writer model)
	mu      sync.RWMutex
	closed  bool
}

// Open opens (and optionally creates) a database at opts.Path.
func Open(opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	exists, err := dbExists(opts.Path)
	if err != nil {
		return nil, err
	}
	if !exists && !opts.CreateIfMissing {
		return nil, fmt.Errorf("quiverdb: open %s: %w", opts.Path, os.ErrNotExist)
	}
	if !exists {
		if err := initDB(opts); err != nil {
			return nil, err
		}
	}

	lock, err := newFileLocker(opts.Path, !opts.ReadOnly)
	if err != nil {
		return nil, err
	}
	if err := lock.Lock(); err != nil {
		return nil, err
	}

	db, err := openLocked(opts, lock)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return db, nil
}

func dbExists(dir string) (bool, error) {
	_, err := os.Stat(metaPath(dir))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("quiverdb: stat %s: %w", dir, err)
}

// initDB lays down an empty database's files: meta, directory,
// free-list, and an empty WAL.
func initDB(opts *Options) error {
	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return fmt.Errorf("quiverdb: mkdir %s: %w", opts.Path, err)
	}

	m := Meta{
		PageSize:      opts.PageSize,
		NextPageID:    0,
		HashKind:      uint32(opts.HashKind),
		LastLSN:       0,
		CleanShutdown: true,
		CodecDefault:  uint16(opts.CodecDefault),
		ChecksumKind:  opts.ChecksumKind,
	}
	if err := writeMeta(opts.Path, m); err != nil {
		return err
	}
	if err := writeDirectory(opts.Path, NewDirectory(opts.Buckets)); err != nil {
		return err
	}
	fl, err := openFreelist(opts.Path)
	if err != nil {
		return err
	}
	if err := fl.Close(); err != nil {
		return err
	}
	w, err := wal.Create(wal.Options{Path: walPath(opts.Path)})
	if err != nil {
		return err
	}
	return w.Close()
}

func walPath(dir string) string {
	return dir + string(os.PathSeparator) + "wal"
}

// openLocked finishes opening a DB once the advisory lock is held:
// load meta/directory/freelist, replay an unclean shutdown if needed,
// and wire up the Pager.
func openLocked(opts *Options, lock Locker) (*DB, error) {
	m, err := readMeta(opts.Path)
	if err != nil {
		return nil, err
	}
	if m.PageSize != opts.PageSize {
		return nil, fmt.Errorf("quiverdb: page size %d does not match existing database's %d: %w", opts.PageSize, m.PageSize, ErrInvalidFormat)
	}

	segments := OpenSegmentManager(opts.Path, m.PageSize)
	fl, err := openFreelist(opts.Path)
	if err != nil {
		return nil, err
	}
	w, err := wal.Create(wal.Options{Path: walPath(opts.Path), CoalesceWindow: opts.WALCoalesceWindow})
	if err != nil {
		return nil, err
	}

	dir, err := readDirectory(opts.Path)
	if err != nil {
		return nil, err
	}
	if dir.Buckets() != opts.Buckets {
		opts = opts.Clone()
		opts.Buckets = dir.Buckets()
	}

	pager := NewPager(opts, segments, w, fl, m)

	var store *snapstore.Store
	if opts.SnapDedup {
		storeDir := opts.SnapstoreDir
		if storeDir == "" {
			storeDir = filepath.Join(opts.Path, "snapstore")
		}
		store, err = snapstore.Open(storeDir)
		if err != nil {
			return nil, fmt.Errorf("quiverdb: open snapstore: %w", err)
		}
	}
	snapMgr := snapshot.NewManager(filepath.Join(opts.Path, "snapshots"), store)

	db := &DB{
		dir:       opts.Path,
		opts:      opts,
		lock:      lock,
		pager:     pager,
		wal:       w,
		directory: dir,
		freelist:  fl,
		meta:      m,
		snap:      snapMgr,
		store:     store,
	}

	if !m.CleanShutdown && !opts.ReadOnly {
		if err := db.replay(); err != nil {
			return nil, fmt.Errorf("quiverdb: replay: %w", err)
		}
	}

	if !opts.ReadOnly {
		db.meta.CleanShutdown = false
		if err := writeMeta(db.dir, db.meta); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// persistLastLSN advances meta.last_lsn and writes it to disk (spec
// §4.1 batch commit step 7).
func (db *DB) persistLastLSN(lsn uint64) error {
	db.metaMu.Lock()
	defer db.metaMu.Unlock()
	if lsn <= db.meta.LastLSN {
		return nil
	}
	db.meta.LastLSN = lsn
	db.meta.NextPageID = db.pager.NextPageID()
	return writeMeta(db.dir, db.meta)
}

// Close flushes the WAL to a clean-shutdown state, persists meta, and
// releases the writer/reader lock.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if !db.opts.ReadOnly {
		record(db.wal.TruncateToHeader())
		db.metaMu.Lock()
		db.meta.CleanShutdown = true
		db.meta.NextPageID = db.pager.NextPageID()
		record(writeMeta(db.dir, db.meta))
		db.metaMu.Unlock()
	}
	record(db.pager.Close())
	if db.store != nil {
		record(db.store.Close())
	}
	record(db.lock.Unlock())
	return firstErr
}

// BeginSnapshot opens a new snapshot as of the database's current
// last_lsn and returns its id (spec §4.5). Every open snapshot pins
// the pages it can see against reclamation until EndSnapshot releases
// it.
func (db *DB) BeginSnapshot() (string, error) {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return "", ErrDBClosed
	}
	db.dirMu.Lock()
	heads := db.directory.Heads()
	db.dirMu.Unlock()

	snap, err := db.snap.Begin(db.pager.LastLSN(), heads)
	if err != nil {
		return "", fmt.Errorf("quiverdb: begin snapshot: %w", err)
	}
	return snap.ID, nil
}

// EndSnapshot releases a snapshot opened by BeginSnapshot. Its sidecar
// directory is removed unless opts.SnapPersist is set.
func (db *DB) EndSnapshot(id string) error {
	return db.snap.End(id, !db.opts.SnapPersist)
}

// SnapshotGet reads key as of the given open snapshot (spec §4.5
// as-of-LSN read): each page along the bucket chain is resolved
// through the snapshot manager instead of read live, using the
// bucket-head array frozen at BeginSnapshot so a compaction that ran
// after the snapshot began doesn't sever the historical chain.
func (db *DB) SnapshotGet(id string, key []byte) (value []byte, found bool, err error) {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return nil, false, ErrDBClosed
	}

	snap, ok := db.snap.Lookup(id)
	if !ok {
		return nil, false, fmt.Errorf("quiverdb: %w: snapshot %s", ErrSnapshotMissing, id)
	}
	heads, err := snap.Heads()
	if err != nil {
		return nil, false, err
	}

	hash := KeyHash(key)
	bucket := Bucket(hash, uint32(len(heads)))
	pid := heads[bucket]
	now := uint32(time.Now().Unix())

	for pid != page.NoPage {
		buf, _, err := db.resolveAsOf(id, pid)
		if err != nil {
			return nil, false, err
		}
		rec, ok, err := page.Lookup(buf, hash, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			if rec.Tombstone() {
				return nil, false, nil
			}
			if rec.ExpiresAt == 0 || now < rec.ExpiresAt {
				v, err := db.resolveValueAsOf(id, rec)
				if err != nil {
					return nil, false, err
				}
				return v, true, nil
			}
			// Expired: keep walking, same as the live-read path.
		}
		h, err := page.Header(buf)
		if err != nil {
			return nil, false, err
		}
		pid = h.NextPageID
	}
	return nil, false, nil
}

// resolveAsOf returns pageID's as-of-snapshot image and its recorded
// page_lsn, reading the live page first to learn its current page_lsn
// (needed by the snapshot manager's live-vs-frozen decision).
func (db *DB) resolveAsOf(id string, pageID uint64) ([]byte, uint64, error) {
	liveBuf, err := db.pager.ReadPage(pageID)
	if err != nil {
		return nil, 0, err
	}
	ch, err := page.DecodeCommonHeader(liveBuf)
	if err != nil {
		return nil, 0, err
	}
	liveLSN, err := pageLSNOf(liveBuf, ch.Type)
	if err != nil {
		return nil, 0, err
	}
	buf, err := db.snap.ResolvePage(id, pageID, liveBuf, liveLSN)
	if err != nil {
		return nil, 0, err
	}
	return buf, liveLSN, nil
}

// resolveValueAsOf mirrors resolveValue but walks an overflow chain
// through the snapshot manager's per-page selection instead of reading
// live pages directly.
func (db *DB) resolveValueAsOf(id string, rec page.Record) ([]byte, error) {
	if !rec.Overflow() {
		return append([]byte(nil), rec.Value...), nil
	}
	ph, err := page.DecodeOverflowPlaceholder(rec.Value)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, ph.TotalLen)
	pid := ph.HeadPID
	for pid != page.NoPage {
		buf, _, err := db.resolveAsOf(id, pid)
		if err != nil {
			return nil, err
		}
		chunk, hdr, err := page.ReadOverflowChunk(buf, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		pid = hdr.NextPageID
	}
	if uint64(len(out)) != ph.TotalLen {
		return nil, fmt.Errorf("quiverdb: as-of overflow chain length %d, want %d: %w", len(out), ph.TotalLen, ErrInvalidFormat)
	}
	return out, nil
}

// freezeBeforeOverwrite freezes pageID's current on-disk image for
// every live snapshot that could still see it, before the page is
// overwritten or freed (spec §4.5 write-path COW). It is a no-op when
// no snapshot is open or the page has never been written.
func (db *DB) freezeBeforeOverwrite(pageID uint64) error {
	if db.snap.Registry().MinActive() == snapshot.NoActiveSnapshot {
		return nil
	}
	if pageID >= db.pager.NextPageID() {
		return nil
	}
	buf, err := db.pager.ReadPage(pageID)
	if err != nil {
		return err
	}
	ch, err := page.DecodeCommonHeader(buf)
	if err != nil {
		return nil
	}
	lsn, err := pageLSNOf(buf, ch.Type)
	if err != nil {
		return err
	}
	return db.snap.FreezeIfNeeded(pageID, lsn, buf)
}

// Put stores value under key, overwriting any existing value. A
// non-zero expiresAt is an absolute Unix timestamp after which the
// record is treated as not found (spec §3 KV record, §4.3 put/get).
func (db *DB) Put(key, value []byte, expiresAt uint32) error {
	return db.write(key, value, expiresAt, 0)
}

// Delete logically removes key by writing a tombstone record (spec
// §4.3 del).
func (db *DB) Delete(key []byte) error {
	return db.write(key, nil, 0, page.VFlagTombstone)
}

func (db *DB) write(key, value []byte, expiresAt uint32, flags page.VFlags) error {
	if len(key) > 0xFFFF {
		return ErrKeyTooLarge
	}
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

	hash := KeyHash(key)
	bucket := Bucket(hash, db.directory.Buckets())

	batch := newBatch(db)
	storedValue := value
	recFlags := flags

	if flags&page.VFlagTombstone == 0 && len(value) > db.opts.OverflowThresholdBytes {
		headPID, err := db.writeOverflowChain(batch, value)
		if err != nil {
			return err
		}
		storedValue = page.EncodeOverflowPlaceholder(page.OverflowPlaceholder{
			TotalLen: uint64(len(value)),
			HeadPID:  headPID,
		})
		recFlags |= page.VFlagOverflow
	}

	rec := page.Record{Key: key, Value: storedValue, ExpiresAt: expiresAt, Flags: recFlags}

	newPageID := db.pager.AllocatePage()
	buf := db.pager.NewPageBuffer()
	page.InitKV(buf, newPageID, page.DefaultTableSlots(db.opts.PageSize))

	oldHead := db.directory.Head(bucket)
	if err := page.SetNextPageID(buf, oldHead); err != nil {
		return err
	}
	if err := page.Insert(buf, hash, rec); err != nil {
		return fmt.Errorf("quiverdb: insert record for key %q: %w", key, err)
	}

	batch.StageKVPage(newPageID, buf)
	batch.SetHead(bucket, newPageID)

	_, err := batch.Commit()
	return err
}

// writeOverflowChain splits value into page-sized chunks, stages one
// OVERFLOW page per chunk in batch, and returns the chain's head page
// id (spec §4.3 put step 4). Chunks are linked tail-first so each
// page's next_page_id is known before it's written.
func (db *DB) writeOverflowChain(batch *Batch, value []byte) (uint64, error) {
	comp, err := compression.NewCompressor(db.opts.CodecDefault, 10)
	if err != nil {
		return 0, fmt.Errorf("quiverdb: overflow codec: %w", err)
	}
	capacity := page.OverflowChunkCapacity(db.opts.PageSize)
	if capacity <= 0 {
		return 0, fmt.Errorf("quiverdb: page size %d leaves no room for overflow chunks: %w", db.opts.PageSize, ErrInvalidFormat)
	}

	var chunks [][]byte
	for off := 0; off < len(value); off += capacity {
		end := off + capacity
		if end > len(value) {
			end = len(value)
		}
		chunks = append(chunks, value[off:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}

	next := page.NoPage
	for i := len(chunks) - 1; i >= 0; i-- {
		pid := db.pager.AllocatePage()
		buf := db.pager.NewPageBuffer()
		if err := page.WriteOverflowChunk(buf, pid, next, 0, chunks[i], comp); err != nil {
			return 0, fmt.Errorf("quiverdb: write overflow chunk: %w", err)
		}
		batch.StageOverflowPage(pid, buf)
		next = pid
	}
	return next, nil
}

// readOverflowChain walks an overflow chain from its head and
// concatenates the decompressed chunks (spec §4.3 get step 2).
func (db *DB) readOverflowChain(ph page.OverflowPlaceholder) ([]byte, error) {
	out := make([]byte, 0, ph.TotalLen)
	pid := ph.HeadPID
	for pid != page.NoPage {
		buf, err := db.pager.ReadPage(pid)
		if err != nil {
			return nil, err
		}
		chunk, hdr, err := page.ReadOverflowChunk(buf, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		pid = hdr.NextPageID
	}
	if uint64(len(out)) != ph.TotalLen {
		return nil, fmt.Errorf("quiverdb: overflow chain length %d, want %d: %w", len(out), ph.TotalLen, ErrInvalidFormat)
	}
	return out, nil
}

// Get returns the value stored for key. found is false when the key is
// absent, tombstoned, or expired (spec §4.3 get).
func (db *DB) Get(key []byte) (value []byte, found bool, err error) {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return nil, false, ErrDBClosed
	}

	hash := KeyHash(key)
	bucket := Bucket(hash, db.directory.Buckets())
	pid := db.directory.Head(bucket)
	now := uint32(time.Now().Unix())

	for pid != page.NoPage {
		buf, err := db.pager.ReadPage(pid)
		if err != nil {
			return nil, false, err
		}
		rec, ok, err := page.Lookup(buf, hash, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			if rec.Tombstone() {
				return nil, false, nil
			}
			if rec.ExpiresAt == 0 || now < rec.ExpiresAt {
				value, err := db.resolveValue(rec)
				if err != nil {
					return nil, false, err
				}
				return value, true, nil
			}
			// Expired: keep walking in case an older, still-valid write
			// of the same key survives further down the chain.
		}
		h, err := page.Header(buf)
		if err != nil {
			return nil, false, err
		}
		pid = h.NextPageID
	}
	return nil, false, nil
}

func (db *DB) resolveValue(rec page.Record) ([]byte, error) {
	if !rec.Overflow() {
		return append([]byte(nil), rec.Value...), nil
	}
	ph, err := page.DecodeOverflowPlaceholder(rec.Value)
	if err != nil {
		return nil, err
	}
	return db.readOverflowChain(ph)
}

// Exists reports whether key has a live (non-tombstoned, non-expired)
// value, without paying the cost of resolving an overflow chain.
func (db *DB) Exists(key []byte) (bool, error) {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return false, ErrDBClosed
	}

	hash := KeyHash(key)
	bucket := Bucket(hash, db.directory.Buckets())
	pid := db.directory.Head(bucket)
	now := uint32(time.Now().Unix())

	for pid != page.NoPage {
		buf, err := db.pager.ReadPage(pid)
		if err != nil {
			return false, err
		}
		rec, ok, err := page.Lookup(buf, hash, key)
		if err != nil {
			return false, err
		}
		if ok {
			if rec.Tombstone() {
				return false, nil
			}
			if rec.ExpiresAt == 0 || now < rec.ExpiresAt {
				return true, nil
			}
		}
		h, err := page.Header(buf)
		if err != nil {
			return false, err
		}
		pid = h.NextPageID
	}
	return false, nil
}

// Scan yields every live (key, value) pair across all buckets. fn's
// return value stops the scan early when false (spec §4.3 scan,
// replicating compaction's per-bucket dedup so a scan never surfaces a
// stale duplicate).
func (db *DB) Scan(fn func(key, value []byte) bool) error {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return ErrDBClosed
	}

	now := uint32(time.Now().Unix())
	for bucket := uint32(0); bucket < db.directory.Buckets(); bucket++ {
		stop, err := db.scanBucket(bucket, now, fn)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

func (db *DB) scanBucket(bucket uint32, now uint32, fn func(key, value []byte) bool) (stop bool, err error) {
	seen := make(map[string]struct{})
	pid := db.directory.Head(bucket)
	for pid != page.NoPage {
		buf, rerr := db.pager.ReadPage(pid)
		if rerr != nil {
			return false, rerr
		}
		var innerErr error
		walkErr := page.Each(buf, func(_ uint64, rec page.Record) bool {
			ks := string(rec.Key)
			if _, dup := seen[ks]; dup {
				return true
			}
			if rec.Tombstone() {
				seen[ks] = struct{}{}
				return true
			}
			if rec.ExpiresAt != 0 && now >= rec.ExpiresAt {
				// Expired records don't poison the seen-set: an older,
				// still-valid write of the same key may sit further
				// down the chain and must still surface.
				return true
			}
			seen[ks] = struct{}{}
			value, rerr := db.resolveValue(rec)
			if rerr != nil {
				innerErr = rerr
				return false
			}
			if !fn(append([]byte(nil), rec.Key...), value) {
				stop = true
				return false
			}
			return true
		})
		if walkErr != nil {
			return false, walkErr
		}
		if innerErr != nil {
			return false, innerErr
		}
		if stop {
			return true, nil
		}
		h, herr := page.Header(buf)
		if herr != nil {
			return false, herr
		}
		pid = h.NextPageID
	}
	return false, nil
}
