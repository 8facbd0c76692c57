package quiverdb

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/quiverdb/quiverdb/page"
)

// backup.go implements Backup/Restore (spec §"Backup/Restore"): a
// backup walks every page as-of a snapshot LSN S, writing pages.bin
// (freeze frame format), dir.bin (the directory as-of S) and
// manifest.json. Restore replays pages.bin via write_page_raw,
// installs dir.bin, and marks the target database cleanly shut down.

const (
	backupPagesFile    = "pages.bin"
	backupDirFile      = "dir.bin"
	backupManifestFile = "manifest.json"

	// backupFrameHeaderSize is page_id(8) + page_lsn(8) + page_len(4) +
	// crc32(4), the same freeze frame shape snapshot.Sidecar uses.
	backupFrameHeaderSize = 8 + 8 + 4 + 4
)

// BackupOptions configures one Backup call.
type BackupOptions struct {
	// SinceLSN makes this an incremental backup: only pages whose
	// as-of-S page_lsn falls in (SinceLSN, S] are written. Zero means a
	// full backup.
	SinceLSN uint64
}

// BackupManifest is manifest.json's shape.
type BackupManifest struct {
	SnapshotLSN  uint64 `json:"snapshot_lsn"`
	SinceLSN     uint64 `json:"since_lsn"`
	Buckets      uint32 `json:"buckets"`
	PagesTotal   uint64 `json:"pages_total"`
	PagesWritten uint64 `json:"pages_written"`
}

// BackupReport is BackupManifest plus nothing else; returned to the
// caller and also what gets written to manifest.json.
type BackupReport = BackupManifest

// Backup writes a self-contained backup of db as-of a fresh snapshot
// into destDir (created if missing). The snapshot is released before
// Backup returns.
func (db *DB) Backup(destDir string, opts BackupOptions) (BackupReport, error) {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return BackupReport{}, ErrDBClosed
	}

	snapID, err := db.BeginSnapshot()
	if err != nil {
		return BackupReport{}, fmt.Errorf("quiverdb: backup: begin snapshot: %w", err)
	}
	defer db.EndSnapshot(snapID)

	snap, ok := db.snap.Lookup(snapID)
	if !ok {
		return BackupReport{}, fmt.Errorf("quiverdb: backup: snapshot %s vanished", snapID)
	}
	heads, err := snap.Heads()
	if err != nil {
		return BackupReport{}, fmt.Errorf("quiverdb: backup: read frozen heads: %w", err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return BackupReport{}, fmt.Errorf("quiverdb: backup: create dest dir: %w", err)
	}

	dirCopy := &Directory{buckets: uint32(len(heads)), heads: heads}
	if err := os.WriteFile(filepath.Join(destDir, backupDirFile), encodeDirectory(dirCopy), 0o644); err != nil {
		return BackupReport{}, fmt.Errorf("quiverdb: backup: write dir.bin: %w", err)
	}

	rep := BackupReport{SnapshotLSN: snap.LSN, SinceLSN: opts.SinceLSN, Buckets: dirCopy.Buckets()}

	pagesPath := filepath.Join(destDir, backupPagesFile)
	pf, err := os.OpenFile(pagesPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return rep, fmt.Errorf("quiverdb: backup: create pages.bin: %w", err)
	}
	defer pf.Close()

	nextID := db.pager.NextPageID()
	rep.PagesTotal = nextID
	for id := uint64(0); id < nextID; id++ {
		buf, err := db.resolvePageForBackup(snapID, id)
		if err != nil {
			if errors.Is(err, page.ErrInvalidFormat) {
				continue // never written / freed-and-untouched page
			}
			return rep, fmt.Errorf("quiverdb: backup: resolve page %d: %w", id, err)
		}
		if buf == nil {
			continue
		}
		ch, err := page.DecodeCommonHeader(buf)
		if err != nil {
			continue
		}
		lsn, err := pageLSNOf(buf, ch.Type)
		if err != nil {
			return rep, fmt.Errorf("quiverdb: backup: page %d lsn: %w", id, err)
		}
		if opts.SinceLSN > 0 && lsn <= opts.SinceLSN {
			continue
		}
		if err := writeBackupFrame(pf, id, lsn, buf); err != nil {
			return rep, fmt.Errorf("quiverdb: backup: write page %d: %w", id, err)
		}
		rep.PagesWritten++
	}
	if err := pf.Sync(); err != nil {
		return rep, fmt.Errorf("quiverdb: backup: sync pages.bin: %w", err)
	}

	if err := writeBackupManifest(filepath.Join(destDir, backupManifestFile), rep); err != nil {
		return rep, fmt.Errorf("quiverdb: backup: write manifest: %w", err)
	}
	return rep, nil
}

// resolvePageForBackup mirrors resolveAsOf. A "never written" page
// (bad common-header magic on the live page) comes back as an
// ErrInvalidFormat error, which Backup treats as a skip, since a fresh
// database has plenty of allocated-but-untouched ids below NextPageID.
func (db *DB) resolvePageForBackup(snapID string, pageID uint64) ([]byte, error) {
	liveBuf, err := db.pager.ReadPage(pageID)
	if err != nil {
		return nil, err
	}
	ch, err := page.DecodeCommonHeader(liveBuf)
	if err != nil {
		return nil, err
	}
	liveLSN, err := pageLSNOf(liveBuf, ch.Type)
	if err != nil {
		return nil, err
	}
	return db.snap.ResolvePage(snapID, pageID, liveBuf, liveLSN)
}

func writeBackupFrame(w *os.File, pageID, pageLSN uint64, buf []byte) error {
	var hdr [backupFrameHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], pageID)
	binary.LittleEndian.PutUint64(hdr[8:16], pageLSN)
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(buf)))
	binary.LittleEndian.PutUint32(hdr[20:24], crc32.Checksum(buf, castagnoliTable))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

// Restore initializes a fresh database at destOpts.Path from a backup
// directory written by Backup: pages are written raw (bypassing the
// WAL, spec §4.1's write_page_raw), dir.bin is installed as the
// directory, and last_lsn/clean_shutdown are set so the restored
// database opens cleanly.
func Restore(srcDir string, destOpts *Options) error {
	if destOpts == nil {
		destOpts = DefaultOptions()
	}
	manifest, err := readBackupManifest(filepath.Join(srcDir, backupManifestFile))
	if err != nil {
		return fmt.Errorf("quiverdb: restore: read manifest: %w", err)
	}

	dirBuf, err := os.ReadFile(filepath.Join(srcDir, backupDirFile))
	if err != nil {
		return fmt.Errorf("quiverdb: restore: read dir.bin: %w", err)
	}
	dirCopy, err := decodeDirectory(dirBuf)
	if err != nil {
		return fmt.Errorf("quiverdb: restore: decode dir.bin: %w", err)
	}

	createOpts := destOpts.Clone()
	createOpts.CreateIfMissing = true
	createOpts.Buckets = dirCopy.Buckets()
	db, err := Open(createOpts)
	if err != nil {
		return fmt.Errorf("quiverdb: restore: create target: %w", err)
	}

	if err := restorePages(db, filepath.Join(srcDir, backupPagesFile)); err != nil {
		db.Close()
		return err
	}

	db.dirMu.Lock()
	db.directory = dirCopy
	db.dirMu.Unlock()
	if err := writeDirectory(db.dir, db.directory); err != nil {
		db.Close()
		return fmt.Errorf("quiverdb: restore: install directory: %w", err)
	}

	if err := db.persistLastLSN(manifest.SnapshotLSN); err != nil {
		db.Close()
		return fmt.Errorf("quiverdb: restore: persist last_lsn: %w", err)
	}

	// Close persists clean_shutdown=true and the final NextPageID
	// high-water mark (spec: "sets last_lsn = max and
	// clean_shutdown=true").
	return db.Close()
}

func restorePages(db *DB, pagesPath string) error {
	f, err := os.Open(pagesPath)
	if err != nil {
		return fmt.Errorf("quiverdb: restore: open pages.bin: %w", err)
	}
	defer f.Close()

	var hdr [backupFrameHeaderSize]byte
	for {
		if _, err := readFullOrEOF(f, hdr[:]); err != nil {
			if errors.Is(err, errBackupEOF) {
				return nil
			}
			return fmt.Errorf("quiverdb: restore: read frame header: %w", err)
		}
		pageID := binary.LittleEndian.Uint64(hdr[0:8])
		pageLen := binary.LittleEndian.Uint32(hdr[16:20])
		wantCRC := binary.LittleEndian.Uint32(hdr[20:24])

		buf := make([]byte, pageLen)
		if _, err := readFullOrEOF(f, buf); err != nil {
			return fmt.Errorf("quiverdb: restore: short frame payload for page %d: %w", pageID, err)
		}
		if crc32.Checksum(buf, castagnoliTable) != wantCRC {
			return fmt.Errorf("quiverdb: restore: page %d fails CRC: %w", pageID, ErrChecksumMismatch)
		}
		if err := db.pager.WritePageRaw(pageID, buf); err != nil {
			return fmt.Errorf("quiverdb: restore: write page %d: %w", pageID, err)
		}
	}
}

func writeBackupManifest(path string, m BackupManifest) error {
	buf, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

func readBackupManifest(path string) (BackupManifest, error) {
	var m BackupManifest
	buf, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(buf, &m); err != nil {
		return m, err
	}
	return m, nil
}

var errBackupEOF = errors.New("quiverdb: backup: clean end of pages.bin")

func readFullOrEOF(f *os.File, buf []byte) (int, error) {
	n, err := f.Read(buf)
	for n < len(buf) && err == nil {
		var m int
		m, err = f.Read(buf[n:])
		n += m
	}
	if n == 0 && err != nil {
		return 0, errBackupEOF
	}
	if n < len(buf) {
		return n, fmt.Errorf("quiverdb: backup: truncated frame (%d/%d bytes)", n, len(buf))
	}
	return n, nil
}
