package quiverdb

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// freelist.go implements the free-list (spec §3, §4.6, §6): an
// append-only log of freed page ids available for reuse by the
// allocator. Truth is file length: authoritative count = (file_len -
// header) / 8.
const (
	freelistMagic      = "P1FREE01"
	freelistVersion    = 1
	freelistFileName   = "freelist"
	freelistHeaderSize = 8 + 4 + 4 + 8 // magic + version + count(best-effort) + reserved
)

// Freelist is an in-memory mirror of the on-disk free-list, used by
// the allocator as a LIFO pool of reusable page ids. The writer is the
// only mutator; it's rebuilt from disk on open.
type Freelist struct {
	path string
	file *os.File
	ids  []uint64
}

// openFreelist opens (creating if missing) the free-list file under
// dir and loads every id currently logged.
func openFreelist(dir string) (*Freelist, error) {
	path := filepath.Join(dir, freelistFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("freelist: open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("freelist: stat: %w", err)
	}
	if info.Size() == 0 {
		hdr := make([]byte, freelistHeaderSize)
		copy(hdr[0:8], freelistMagic)
		binary.LittleEndian.PutUint32(hdr[8:12], freelistVersion)
		if _, err := f.Write(hdr); err != nil {
			f.Close()
			return nil, fmt.Errorf("freelist: write header: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("freelist: sync header: %w", err)
		}
		return &Freelist{path: path, file: f}, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("freelist: read: %w", err)
	}
	if len(buf) < freelistHeaderSize || string(buf[0:8]) != freelistMagic {
		f.Close()
		return nil, fmt.Errorf("freelist: bad magic: %w", ErrInvalidFormat)
	}
	version := binary.LittleEndian.Uint32(buf[8:12])
	if version != freelistVersion {
		f.Close()
		return nil, fmt.Errorf("freelist: version %d, want %d: %w", version, freelistVersion, ErrInvalidFormat)
	}

	body := buf[freelistHeaderSize:]
	n := len(body) / 8
	ids := make([]uint64, n)
	for i := 0; i < n; i++ {
		ids[i] = binary.LittleEndian.Uint64(body[i*8 : i*8+8])
	}
	return &Freelist{path: path, file: f, ids: ids}, nil
}

// Push appends a freed page id to the in-memory list and the on-disk
// log. The caller is responsible for calling this only after the page
// is no longer reachable (post-compaction, post-COW-freeze).
func (fl *Freelist) Push(pageID uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], pageID)
	if _, err := fl.file.Seek(0, os.SEEK_END); err != nil {
		return fmt.Errorf("freelist: seek: %w", err)
	}
	if _, err := fl.file.Write(b[:]); err != nil {
		return fmt.Errorf("freelist: append: %w", err)
	}
	fl.ids = append(fl.ids, pageID)
	return nil
}

// Pop removes and returns the most recently pushed page id, or
// (0, false) when the free-list is empty. Popping does not shrink the
// on-disk log; the log is purely an append-only record of history
// and is compacted only by rewrite, which no engine operation calls
// (Vacuum does not).
func (fl *Freelist) Pop() (uint64, bool) {
	n := len(fl.ids)
	if n == 0 {
		return 0, false
	}
	id := fl.ids[n-1]
	fl.ids = fl.ids[:n-1]
	return id, true
}

// Len returns the number of page ids currently available for reuse.
func (fl *Freelist) Len() int { return len(fl.ids) }

// Sync fsyncs the underlying file.
func (fl *Freelist) Sync() error {
	return fl.file.Sync()
}

// Close closes the underlying file.
func (fl *Freelist) Close() error {
	return fl.file.Close()
}

// rewrite truncates the free-list file and rewrites it with exactly
// the ids currently held in memory, compacting away popped history.
// Only the free-list tests call it.
func (fl *Freelist) rewrite() error {
	buf := make([]byte, freelistHeaderSize+len(fl.ids)*8)
	copy(buf[0:8], freelistMagic)
	binary.LittleEndian.PutUint32(buf[8:12], freelistVersion)
	for i, id := range fl.ids {
		binary.LittleEndian.PutUint64(buf[freelistHeaderSize+i*8:freelistHeaderSize+i*8+8], id)
	}
	if err := fl.file.Truncate(0); err != nil {
		return fmt.Errorf("freelist: truncate: %w", err)
	}
	if _, err := fl.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("freelist: rewrite: %w", err)
	}
	return fl.file.Sync()
}
