package quiverdb

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quiverdb/quiverdb/page"
)

// directory.go implements the bucket directory (spec §3, §4.6, §6): a
// fixed-size array of bucket-head page ids, replaced atomically as a
// whole file on every flush. Bucket count is immutable after init;
// only the head values change.
const (
	dirMagic      = "P2DIR02\x00"
	dirVersion    = 2
	dirFileName   = "directory"
	dirHeaderSize = 8 + 4 + 4 + 4 // magic + version + buckets + crc32c
)

// Directory holds the in-memory bucket-head array. The writer mutates
// it in-process and flushes to disk via tmp+rename. The file is read
// only when a database is opened; an open handle does not reload it.
type Directory struct {
	buckets uint32
	heads   []uint64
}

// NewDirectory creates an empty in-memory directory with n buckets,
// all heads set to page.NoPage.
func NewDirectory(n uint32) *Directory {
	heads := make([]uint64, n)
	for i := range heads {
		heads[i] = page.NoPage
	}
	return &Directory{buckets: n, heads: heads}
}

// Buckets returns the bucket count.
func (d *Directory) Buckets() uint32 { return d.buckets }

// Head returns the head page id for a bucket, or page.NoPage if empty.
func (d *Directory) Head(bucket uint32) uint64 { return d.heads[bucket] }

// Heads returns a copy of the full bucket-head array, used by the
// snapshot manager to freeze a point-in-time view of the directory at
// snapshot begin.
func (d *Directory) Heads() []uint64 {
	return append([]uint64(nil), d.heads...)
}

// SetHead updates a bucket's head in memory. Callers persist via
// writeDirectory once the owning batch's WAL commit has succeeded.
func (d *Directory) SetHead(bucket uint32, head uint64) { d.heads[bucket] = head }

// Clone returns an independent copy whose head changes do not affect
// the original. (Batch stages head changes in its own map rather than
// through a clone.)
func (d *Directory) Clone() *Directory {
	heads := make([]uint64, len(d.heads))
	copy(heads, d.heads)
	return &Directory{buckets: d.buckets, heads: heads}
}

func directoryPath(dir string) string {
	return filepath.Join(dir, dirFileName)
}

func encodeDirectory(d *Directory) []byte {
	buf := make([]byte, dirHeaderSize+len(d.heads)*8)
	copy(buf[0:8], dirMagic)
	binary.LittleEndian.PutUint32(buf[8:12], dirVersion)
	binary.LittleEndian.PutUint32(buf[12:16], d.buckets)

	headsBuf := buf[dirHeaderSize:]
	for i, h := range d.heads {
		binary.LittleEndian.PutUint64(headsBuf[i*8:i*8+8], h)
	}
	// crc32c covers {version, buckets, heads bytes}; the magic is
	// excluded since it never varies per instance.
	crc := page.ChecksumCRC32(append(append([]byte{}, buf[8:16]...), headsBuf...))
	binary.LittleEndian.PutUint32(buf[16:20], crc)
	return buf
}

func decodeDirectory(buf []byte) (*Directory, error) {
	if len(buf) < dirHeaderSize {
		return nil, fmt.Errorf("directory: short file: %w", ErrInvalidFormat)
	}
	if string(buf[0:8]) != dirMagic {
		return nil, fmt.Errorf("directory: bad magic %q: %w", buf[0:8], ErrInvalidFormat)
	}
	version := binary.LittleEndian.Uint32(buf[8:12])
	if version != dirVersion {
		return nil, fmt.Errorf("directory: version %d, want %d: %w", version, dirVersion, ErrInvalidFormat)
	}
	buckets := binary.LittleEndian.Uint32(buf[12:16])
	wantCRC := binary.LittleEndian.Uint32(buf[16:20])

	headsBuf := buf[dirHeaderSize:]
	if len(headsBuf) != int(buckets)*8 {
		return nil, fmt.Errorf("directory: heads length %d, want %d: %w", len(headsBuf), int(buckets)*8, ErrInvalidFormat)
	}
	gotCRC := page.ChecksumCRC32(append(append([]byte{}, buf[8:16]...), headsBuf...))
	if gotCRC != wantCRC {
		return nil, fmt.Errorf("directory: crc32c mismatch: %w", ErrInvalidFormat)
	}

	heads := make([]uint64, buckets)
	for i := range heads {
		heads[i] = binary.LittleEndian.Uint64(headsBuf[i*8 : i*8+8])
	}
	return &Directory{buckets: buckets, heads: heads}, nil
}

func readDirectory(dir string) (*Directory, error) {
	buf, err := os.ReadFile(directoryPath(dir))
	if err != nil {
		return nil, fmt.Errorf("directory: read: %w", err)
	}
	return decodeDirectory(buf)
}

// writeDirectory persists d atomically via tmp+rename with a
// best-effort parent-directory fsync.
func writeDirectory(dir string, d *Directory) error {
	buf := encodeDirectory(d)
	final := directoryPath(dir)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("directory: create tmp: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("directory: write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("directory: sync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("directory: close tmp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("directory: rename: %w", err)
	}
	fsyncParentDir(dir)
	return nil
}
