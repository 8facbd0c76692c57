package quiverdb

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/quiverdb/quiverdb/page"
)

// Meta is the process-wide invariant file at the DB root (spec §3, §6):
// page size, next page id, last LSN, clean-shutdown flag, codec and
// checksum defaults. It is the first thing read on Open and the last
// thing written on a clean Close.
const (
	metaMagic       = "P2DBMETA"
	metaVersion     = 4
	metaFileName    = "meta"
	metaFileSize    = 8 + 4 + 4 + 4 + 8 + 4 + 8 + 1 + 2 + 1 + 4 // magic..crc32c
)

// Meta mirrors the on-disk meta file layout.
type Meta struct {
	PageSize      uint32
	Flags         uint32
	NextPageID    uint64
	HashKind      uint32
	LastLSN       uint64
	CleanShutdown bool
	CodecDefault  uint16
	ChecksumKind  page.ChecksumKind
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func encodeMeta(m Meta) []byte {
	buf := make([]byte, metaFileSize)
	off := 0
	copy(buf[off:], metaMagic)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], metaVersion)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], m.PageSize)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], m.Flags)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], m.NextPageID)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], m.HashKind)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], m.LastLSN)
	off += 8
	if m.CleanShutdown {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint16(buf[off:], m.CodecDefault)
	off += 2
	buf[off] = byte(m.ChecksumKind)
	off++

	crc := crc32.Checksum(buf[:off], castagnoliTable)
	binary.LittleEndian.PutUint32(buf[off:], crc)
	return buf
}

func decodeMeta(buf []byte) (Meta, error) {
	if len(buf) != metaFileSize {
		return Meta{}, fmt.Errorf("meta: size %d, want %d: %w", len(buf), metaFileSize, ErrInvalidFormat)
	}
	if string(buf[:8]) != metaMagic {
		return Meta{}, fmt.Errorf("meta: bad magic %q: %w", buf[:8], ErrInvalidFormat)
	}
	off := 8
	version := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if version != metaVersion {
		return Meta{}, fmt.Errorf("meta: version %d, want %d: %w", version, metaVersion, ErrInvalidFormat)
	}

	crcOff := len(buf) - 4
	wantCRC := binary.LittleEndian.Uint32(buf[crcOff:])
	gotCRC := crc32.Checksum(buf[:crcOff], castagnoliTable)
	if wantCRC != gotCRC {
		return Meta{}, fmt.Errorf("meta: crc32c mismatch: %w", ErrInvalidFormat)
	}

	var m Meta
	m.PageSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	m.Flags = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	m.NextPageID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	m.HashKind = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	m.LastLSN = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	m.CleanShutdown = buf[off] != 0
	off++
	m.CodecDefault = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	m.ChecksumKind = page.ChecksumKind(buf[off])
	return m, nil
}

// metaPath returns the path to the meta file under a DB root directory.
func metaPath(dir string) string {
	return filepath.Join(dir, metaFileName)
}

// readMeta loads and validates the meta file.
func readMeta(dir string) (Meta, error) {
	buf, err := os.ReadFile(metaPath(dir))
	if err != nil {
		return Meta{}, fmt.Errorf("meta: read: %w", err)
	}
	return decodeMeta(buf)
}

// writeMeta persists the meta file atomically via tmp+rename with a
// best-effort parent-directory fsync (spec §4.6, §6).
func writeMeta(dir string, m Meta) error {
	buf := encodeMeta(m)
	final := metaPath(dir)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("meta: create tmp: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("meta: write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("meta: sync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("meta: close tmp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("meta: rename: %w", err)
	}
	fsyncParentDir(dir)
	return nil
}

// fsyncParentDir fsyncs a directory entry after a rename so the rename
// itself survives a crash on filesystems that require it. Best-effort:
// some platforms/filesystems don't support fsync on directories.
func fsyncParentDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
