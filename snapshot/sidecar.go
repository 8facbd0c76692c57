package snapshot

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// freezeFrameHeaderSize is page_id(8) + page_lsn(8) + page_len(4) +
// crc32(4).
const freezeFrameHeaderSize = 8 + 8 + 4 + 4

// indexEntrySize is page_id(8) + offset(8) + page_lsn(8).
const indexEntrySize = 8 + 8 + 8

// hashIndexEntrySize is page_id(8) + content hash(8).
const hashIndexEntrySize = 8 + 8

// Sidecar is one snapshot's freeze store: an append-only freeze.bin of
// page images plus an append-only index.bin locating the newest frame
// for each page id (spec §6). When dedup is enabled a parallel
// hashindex.bin maps page id to a SnapStore content hash instead of
// storing the bytes directly in freeze.bin.
type Sidecar struct {
	dir string

	mu         sync.Mutex
	freezeFile *os.File
	indexFile  *os.File
	hashFile   *os.File
	freezeOff  int64

	frozen []uint64 // page ids already frozen this snapshot, insertion order
	seen   map[uint64]struct{}
}

// OpenSidecar creates (or reopens) the sidecar directory for one
// snapshot at dir.
func OpenSidecar(dir string) (*Sidecar, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create sidecar dir: %w", err)
	}
	ff, err := os.OpenFile(filepath.Join(dir, "freeze.bin"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open freeze.bin: %w", err)
	}
	idx, err := os.OpenFile(filepath.Join(dir, "index.bin"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		ff.Close()
		return nil, fmt.Errorf("snapshot: open index.bin: %w", err)
	}
	hf, err := os.OpenFile(filepath.Join(dir, "hashindex.bin"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		ff.Close()
		idx.Close()
		return nil, fmt.Errorf("snapshot: open hashindex.bin: %w", err)
	}

	off, err := ff.Seek(0, os.SEEK_END)
	if err != nil {
		ff.Close()
		idx.Close()
		hf.Close()
		return nil, err
	}

	s := &Sidecar{dir: dir, freezeFile: ff, indexFile: idx, hashFile: hf, freezeOff: off, seen: make(map[uint64]struct{})}
	if err := s.loadSeen(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// loadSeen replays index.bin and hashindex.bin at open time so a
// reopened sidecar still honors "frozen at most once per snapshot"
// across a process restart.
func (s *Sidecar) loadSeen() error {
	buf, err := os.ReadFile(filepath.Join(s.dir, "index.bin"))
	if err != nil {
		return err
	}
	for off := 0; off+indexEntrySize <= len(buf); off += indexEntrySize {
		pageID := binary.LittleEndian.Uint64(buf[off : off+8])
		s.seen[pageID] = struct{}{}
	}
	hbuf, err := os.ReadFile(filepath.Join(s.dir, "hashindex.bin"))
	if err != nil {
		return err
	}
	for off := 0; off+hashIndexEntrySize <= len(hbuf); off += hashIndexEntrySize {
		pageID := binary.LittleEndian.Uint64(hbuf[off : off+8])
		s.seen[pageID] = struct{}{}
	}
	return nil
}

// AlreadyFrozen reports whether pageID has already been frozen in this
// sidecar (directly or via the hashindex).
func (s *Sidecar) AlreadyFrozen(pageID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[pageID]
	return ok
}

// Freeze appends buf as a freeze frame for pageID at pageLSN and
// records it in index.bin. It is a no-op if pageID was already frozen
// in this sidecar.
func (s *Sidecar) Freeze(pageID, pageLSN uint64, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[pageID]; ok {
		return nil
	}

	var hdr [freezeFrameHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], pageID)
	binary.LittleEndian.PutUint64(hdr[8:16], pageLSN)
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(buf)))
	binary.LittleEndian.PutUint32(hdr[20:24], crc32.Checksum(buf, crcTable))

	offset := s.freezeOff
	if _, err := s.freezeFile.Write(hdr[:]); err != nil {
		return fmt.Errorf("snapshot: append freeze frame header: %w", err)
	}
	if _, err := s.freezeFile.Write(buf); err != nil {
		return fmt.Errorf("snapshot: append freeze frame payload: %w", err)
	}
	s.freezeOff += int64(len(hdr)) + int64(len(buf))

	var idxBuf [indexEntrySize]byte
	binary.LittleEndian.PutUint64(idxBuf[0:8], pageID)
	binary.LittleEndian.PutUint64(idxBuf[8:16], uint64(offset))
	binary.LittleEndian.PutUint64(idxBuf[16:24], pageLSN)
	if _, err := s.indexFile.Write(idxBuf[:]); err != nil {
		return fmt.Errorf("snapshot: append index entry: %w", err)
	}

	s.seen[pageID] = struct{}{}
	s.frozen = append(s.frozen, pageID)
	return nil
}

// FreezeHash records that pageID's frozen content lives in SnapStore
// under hash, used when dedup is enabled instead of a literal freeze
// frame.
func (s *Sidecar) FreezeHash(pageID, hash uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[pageID]; ok {
		return nil
	}
	var buf [hashIndexEntrySize]byte
	binary.LittleEndian.PutUint64(buf[0:8], pageID)
	binary.LittleEndian.PutUint64(buf[8:16], hash)
	if _, err := s.hashFile.Write(buf[:]); err != nil {
		return fmt.Errorf("snapshot: append hashindex entry: %w", err)
	}
	s.seen[pageID] = struct{}{}
	s.frozen = append(s.frozen, pageID)
	return nil
}

// Lookup returns the frozen frame for pageID, if any is present in
// this sidecar's freeze.bin (last-writer-wins by page id, though
// Freeze only ever writes one frame per page id per sidecar).
func (s *Sidecar) Lookup(pageID uint64) (payload []byte, pageLSN uint64, found bool, err error) {
	entries, err := s.readIndex()
	if err != nil {
		return nil, 0, false, err
	}
	entry, ok := entries[pageID]
	if !ok {
		return nil, 0, false, nil
	}

	var hdr [freezeFrameHeaderSize]byte
	if _, err := s.freezeFile.ReadAt(hdr[:], entry.offset); err != nil {
		return nil, 0, false, fmt.Errorf("snapshot: read freeze frame header: %w", err)
	}
	gotID := binary.LittleEndian.Uint64(hdr[0:8])
	gotLSN := binary.LittleEndian.Uint64(hdr[8:16])
	pageLen := binary.LittleEndian.Uint32(hdr[16:20])
	wantCRC := binary.LittleEndian.Uint32(hdr[20:24])
	if gotID != pageID {
		return nil, 0, false, fmt.Errorf("snapshot: index/frame page id mismatch (%d != %d)", gotID, pageID)
	}
	buf := make([]byte, pageLen)
	if _, err := s.freezeFile.ReadAt(buf, entry.offset+freezeFrameHeaderSize); err != nil {
		return nil, 0, false, fmt.Errorf("snapshot: read freeze frame payload: %w", err)
	}
	if crc32.Checksum(buf, crcTable) != wantCRC {
		return nil, 0, false, fmt.Errorf("snapshot: freeze frame for page %d fails CRC", pageID)
	}
	return buf, gotLSN, true, nil
}

// LookupHash returns the SnapStore hash recorded for pageID via
// FreezeHash, if any.
func (s *Sidecar) LookupHash(pageID uint64) (hash uint64, found bool, err error) {
	buf, err := os.ReadFile(filepath.Join(s.dir, "hashindex.bin"))
	if err != nil {
		return 0, false, err
	}
	// Last entry for pageID wins; FreezeHash only ever writes one, so a
	// forward scan keeping the last match is sufficient.
	for off := 0; off+hashIndexEntrySize <= len(buf); off += hashIndexEntrySize {
		id := binary.LittleEndian.Uint64(buf[off : off+8])
		if id == pageID {
			hash = binary.LittleEndian.Uint64(buf[off+8 : off+16])
			found = true
		}
	}
	return hash, found, nil
}

type indexEntry struct {
	offset  int64
	pageLSN uint64
}

func (s *Sidecar) readIndex() (map[uint64]indexEntry, error) {
	buf, err := os.ReadFile(filepath.Join(s.dir, "index.bin"))
	if err != nil {
		return nil, fmt.Errorf("snapshot: read index.bin: %w", err)
	}
	out := make(map[uint64]indexEntry, len(buf)/indexEntrySize)
	for off := 0; off+indexEntrySize <= len(buf); off += indexEntrySize {
		pageID := binary.LittleEndian.Uint64(buf[off : off+8])
		offset := binary.LittleEndian.Uint64(buf[off+8 : off+16])
		pageLSN := binary.LittleEndian.Uint64(buf[off+16 : off+24])
		out[pageID] = indexEntry{offset: int64(offset), pageLSN: pageLSN}
	}
	return out, nil
}

// WriteHeads freezes a copy of the directory's bucket-head array at
// snapshot begin, so a later as-of-S traversal has a stable starting
// point even if the live directory's heads move on past S (e.g. a
// bucket gets compacted while this snapshot is still open).
func (s *Sidecar) WriteHeads(heads []uint64) error {
	buf := make([]byte, 8*len(heads))
	for i, h := range heads {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], h)
	}
	return os.WriteFile(filepath.Join(s.dir, "heads.bin"), buf, 0o644)
}

// ReadHeads returns the bucket-head array frozen by WriteHeads.
func (s *Sidecar) ReadHeads() ([]uint64, error) {
	buf, err := os.ReadFile(filepath.Join(s.dir, "heads.bin"))
	if err != nil {
		return nil, fmt.Errorf("snapshot: read heads.bin: %w", err)
	}
	heads := make([]uint64, len(buf)/8)
	for i := range heads {
		heads[i] = binary.LittleEndian.Uint64(buf[i*8 : i*8+8])
	}
	return heads, nil
}

// Close syncs and closes every sidecar file.
func (s *Sidecar) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range []*os.File{s.freezeFile, s.indexFile, s.hashFile} {
		if f == nil {
			continue
		}
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
