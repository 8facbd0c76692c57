// Package snapstore implements a content-addressed object store used
// by the snapshot manager to dedup page images shared across multiple
// concurrent snapshots (spec §4.5, §6).
package snapstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// frameHeaderSize is hash(8) + len(4) + crc32(4).
const frameHeaderSize = 8 + 4 + 4

// indexRecordSize is offset(8) + refcount(4) + pad(4).
const indexRecordSize = 8 + 4 + 4

type indexRecord struct {
	offset   int64
	refcount uint32
}

// Store is an append-only content-addressed blob store: store.bin
// holds the frames, index.bin maps each content hash to its frame's
// offset and current refcount.
type Store struct {
	dir string

	mu        sync.Mutex
	dataFile  *os.File
	dataOff   int64
	index     map[uint64]indexRecord
	indexPath string
}

// Open opens (creating if needed) the SnapStore rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapstore: create dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "store.bin"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("snapstore: open store.bin: %w", err)
	}
	off, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &Store{dir: dir, dataFile: f, dataOff: off, indexPath: filepath.Join(dir, "index.bin")}
	if err := s.loadIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadIndex() error {
	s.index = make(map[uint64]indexRecord)
	buf, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("snapstore: read index.bin: %w", err)
	}
	// index.bin is rewritten whole by persistIndex, so each hash
	// normally appears once; if one appears twice, the later entry
	// supersedes the earlier one.
	for off := 0; off+8+indexRecordSize <= len(buf); off += 8 + indexRecordSize {
		hash := binary.LittleEndian.Uint64(buf[off : off+8])
		rec := indexRecord{
			offset:   int64(binary.LittleEndian.Uint64(buf[off+8 : off+16])),
			refcount: binary.LittleEndian.Uint32(buf[off+16 : off+20]),
		}
		s.index[hash] = rec
	}
	return nil
}

// persistIndex rewrites index.bin from the in-memory map. The map is
// small relative to store.bin (one entry per distinct content hash),
// so a full rewrite on every refcount change is simple and keeps
// AddRef/DecRef crash-atomic via tmp+rename.
func (s *Store) persistIndex() error {
	tmp := s.indexPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("snapstore: create index tmp: %w", err)
	}
	buf := make([]byte, 0, len(s.index)*(8+indexRecordSize))
	for hash, rec := range s.index {
		var b [8 + indexRecordSize]byte
		binary.LittleEndian.PutUint64(b[0:8], hash)
		binary.LittleEndian.PutUint64(b[8:16], uint64(rec.offset))
		binary.LittleEndian.PutUint32(b[16:20], rec.refcount)
		buf = append(buf, b[:]...)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("snapstore: write index tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath)
}

// Hash returns the content hash Put would use for bytes, without
// storing anything.
func Hash(bytes []byte) uint64 {
	return xxhash.Sum64(bytes)
}

// Put stores bytes under its content hash, incrementing the existing
// refcount if it's already present. It returns the hash.
func (s *Store) Put(bytes []byte) (uint64, error) {
	hash := Hash(bytes)

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.index[hash]; ok {
		rec.refcount++
		s.index[hash] = rec
		return hash, s.persistIndex()
	}

	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], hash)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(bytes)))
	binary.LittleEndian.PutUint32(hdr[12:16], crc32.Checksum(bytes, crcTable))

	offset := s.dataOff
	if _, err := s.dataFile.Write(hdr[:]); err != nil {
		return 0, fmt.Errorf("snapstore: append frame header: %w", err)
	}
	if _, err := s.dataFile.Write(bytes); err != nil {
		return 0, fmt.Errorf("snapstore: append frame payload: %w", err)
	}
	s.dataOff += int64(len(hdr)) + int64(len(bytes))

	s.index[hash] = indexRecord{offset: offset, refcount: 1}
	return hash, s.persistIndex()
}

// AddRef increments hash's refcount for multi-snapshot sharing.
func (s *Store) AddRef(hash uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.index[hash]
	if !ok {
		return fmt.Errorf("snapstore: add_ref unknown hash %x", hash)
	}
	rec.refcount++
	s.index[hash] = rec
	return s.persistIndex()
}

// DecRef decrements hash's refcount, dropping the index entry (but not
// yet the store.bin bytes, reclaimed only by Compact) once it reaches
// zero.
func (s *Store) DecRef(hash uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.index[hash]
	if !ok {
		return fmt.Errorf("snapstore: dec_ref unknown hash %x", hash)
	}
	if rec.refcount <= 1 {
		delete(s.index, hash)
	} else {
		rec.refcount--
		s.index[hash] = rec
	}
	return s.persistIndex()
}

// Get returns the stored bytes for hash.
func (s *Store) Get(hash uint64) ([]byte, error) {
	s.mu.Lock()
	rec, ok := s.index[hash]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("snapstore: unknown hash %x", hash)
	}

	var hdr [frameHeaderSize]byte
	if _, err := s.dataFile.ReadAt(hdr[:], rec.offset); err != nil {
		return nil, fmt.Errorf("snapstore: read frame header: %w", err)
	}
	gotHash := binary.LittleEndian.Uint64(hdr[0:8])
	length := binary.LittleEndian.Uint32(hdr[8:12])
	wantCRC := binary.LittleEndian.Uint32(hdr[12:16])
	if gotHash != hash {
		return nil, fmt.Errorf("snapstore: index/frame hash mismatch at offset %d", rec.offset)
	}
	buf := make([]byte, length)
	if _, err := s.dataFile.ReadAt(buf, rec.offset+frameHeaderSize); err != nil {
		return nil, fmt.Errorf("snapstore: read frame payload: %w", err)
	}
	if crc32.Checksum(buf, crcTable) != wantCRC {
		return nil, fmt.Errorf("snapstore: frame for hash %x fails CRC", hash)
	}
	return buf, nil
}

// Compact rewrites store.bin to keep only frames still referenced by
// the index, reclaiming space left behind by DecRef.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := filepath.Join(s.dir, "store.bin.tmp")
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("snapstore: create compaction tmp: %w", err)
	}

	newIndex := make(map[uint64]indexRecord, len(s.index))
	var off int64
	for hash, rec := range s.index {
		var hdr [frameHeaderSize]byte
		if _, err := s.dataFile.ReadAt(hdr[:], rec.offset); err != nil {
			tmp.Close()
			return fmt.Errorf("snapstore: compact: read frame header: %w", err)
		}
		length := binary.LittleEndian.Uint32(hdr[8:12])
		buf := make([]byte, length)
		if _, err := s.dataFile.ReadAt(buf, rec.offset+frameHeaderSize); err != nil {
			tmp.Close()
			return fmt.Errorf("snapstore: compact: read frame payload: %w", err)
		}
		if _, err := tmp.Write(hdr[:]); err != nil {
			tmp.Close()
			return err
		}
		if _, err := tmp.Write(buf); err != nil {
			tmp.Close()
			return err
		}
		newIndex[hash] = indexRecord{offset: off, refcount: rec.refcount}
		off += int64(len(hdr)) + int64(len(buf))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := s.dataFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, "store.bin")); err != nil {
		return fmt.Errorf("snapstore: install compacted store.bin: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, "store.bin"), os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.dataFile = f
	s.dataOff = off
	s.index = newIndex
	return s.persistIndex()
}

// Close syncs and closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.dataFile.Sync(); err != nil {
		return err
	}
	return s.dataFile.Close()
}
