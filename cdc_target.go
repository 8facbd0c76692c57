package quiverdb

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/quiverdb/quiverdb/cdc"
	"github.com/quiverdb/quiverdb/wal"
)

// cdc_target.go adapts *DB to cdc.Target (spec §4.7), so a follower
// can apply a replication stream through the same LSN-gated page and
// heads application replay.go uses for crash recovery. cdc does not
// import this package (to avoid a cycle), so the adaptation lives
// here instead.

// cdcStreamIDFile records the stream identifier this database has
// committed to, once CDC apply negotiates a HELLO frame naming one.
const cdcStreamIDFile = "cdc_stream_id"

// ApplyCDC consumes r as a CDC stream and applies it to db until the
// stream ends cleanly (io.EOF or a partial tail) or a hard error
// occurs (cdc.ErrStreamCorruption, cdc.ErrStreamMismatch, or an I/O
// error). A stream cut short inside its HELLO frame or global header
// returns wal.ErrPartialTail as an error (see cdc.Apply).
func (db *DB) ApplyCDC(r io.Reader, opts cdc.Options) (cdc.Result, error) {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return cdc.Result{}, ErrDBClosed
	}
	if db.opts.ReadOnly {
		return cdc.Result{}, ErrReadOnly
	}
	return cdc.Apply(r, (*cdcTarget)(db), opts)
}

// cdcTarget is *DB viewed through the cdc.Target interface: a named
// conversion rather than a wrapper struct, since it needs no state of
// its own beyond the DB it adapts.
type cdcTarget DB

func (t *cdcTarget) db() *DB { return (*DB)(t) }

func (t *cdcTarget) CurrentPageLSN(pageID uint64) (uint64, error) {
	return t.db().currentPageLSN(pageID)
}

// ApplyPageImage writes payload as pageID's new content. cdc.Apply has
// already confirmed payload's LSN is strictly newer than
// CurrentPageLSN(pageID) before calling this.
func (t *cdcTarget) ApplyPageImage(pageID uint64, payload []byte) error {
	db := t.db()
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	if err := db.freezeBeforeOverwrite(pageID); err != nil {
		return fmt.Errorf("cdc: freeze before overwrite: %w", err)
	}
	return db.pager.WritePageRaw(pageID, payload)
}

func (t *cdcTarget) Buckets() uint32 {
	return t.db().directory.Buckets()
}

// LastHeadsLSN uses meta.last_lsn as a conservative bound, the same
// way replay.go seeds its in-session lastHeadsLSN from db.meta.LastLSN:
// a heads update's LSN never exceeds the overall last LSN, so this
// never lets an already-applied update reapply.
func (t *cdcTarget) LastHeadsLSN() uint64 {
	db := t.db()
	db.metaMu.Lock()
	defer db.metaMu.Unlock()
	return db.meta.LastLSN
}

// ApplyHeadsUpdate applies a batch of bucket head changes recorded at
// lsn. cdc.Apply has already confirmed lsn is strictly newer than
// LastHeadsLSN() and filtered out-of-range buckets before calling
// this.
func (t *cdcTarget) ApplyHeadsUpdate(lsn uint64, updates []wal.HeadUpdate) error {
	db := t.db()
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	for _, u := range updates {
		if u.Bucket >= db.directory.Buckets() {
			continue
		}
		db.directory.SetHead(u.Bucket, u.Head)
	}
	if err := writeDirectory(db.dir, db.directory); err != nil {
		return fmt.Errorf("cdc: persist directory: %w", err)
	}
	return db.persistLastLSN(lsn)
}

func (t *cdcTarget) PersistLastLSN(lsn uint64) error {
	return t.db().persistLastLSN(lsn)
}

// StreamID returns the stream identifier previously committed via
// SetStreamID, if this database has applied a CDC stream before.
func (t *cdcTarget) StreamID() (id string, ok bool) {
	buf, err := os.ReadFile(filepath.Join(t.db().dir, cdcStreamIDFile))
	if err != nil {
		return "", false
	}
	return string(buf), true
}

// SetStreamID records id as this database's committed stream
// identifier, persisted via tmp+rename.
func (t *cdcTarget) SetStreamID(id string) error {
	dir := t.db().dir
	path := filepath.Join(dir, cdcStreamIDFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id), 0o644); err != nil {
		return fmt.Errorf("cdc: write stream id: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("cdc: commit stream id: %w", err)
	}
	return nil
}
