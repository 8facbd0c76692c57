package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// Reader reads records sequentially from a WAL file, used by both
// crash replay and CDC apply (spec §5: replay and CDC "use the same
// LSN rules").
type Reader struct {
	file   *os.File
	r      *bufio.Reader
	path   string
	atSeq  bool // true immediately after reading a TRUNCATE record
}

// Open opens a WAL file and validates its global header.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	r := bufio.NewReader(file)

	hdr := make([]byte, GlobalHeaderSize)
	n, err := io.ReadFull(r, hdr)
	if err != nil {
		file.Close()
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("wal: empty file: %w", ErrBadGlobalHeader)
		}
		return nil, fmt.Errorf("wal: read global header: %w", ErrBadGlobalHeader)
	}
	if string(hdr[:8]) != GlobalMagic {
		file.Close()
		return nil, fmt.Errorf("wal: bad magic %q: %w", hdr[:8], ErrBadGlobalHeader)
	}

	return &Reader{file: file, r: r, path: path}, nil
}

// Path returns the WAL file's path.
func (r *Reader) Path() string { return r.path }

// Record is one decoded WAL record: its header plus payload bytes.
type Record struct {
	Header  RecordHeader
	Payload []byte
}

// Next reads the next record. At true end of stream it returns
// io.EOF. A record header or payload that's shorter than expected
// returns ErrPartialTail (the ordinary shape of a crash mid-append). A
// full-length record whose CRC32C doesn't match returns ErrCorrupt.
//
// Immediately after a TRUNCATE record, an embedded global header is
// tolerated and transparently skipped (spec §5: "consumers tolerate an
// embedded global header only immediately after a TRUNCATE").
func (r *Reader) Next() (Record, error) {
	if r.atSeq {
		r.atSeq = false
		peek, err := r.r.Peek(8)
		if err == nil && string(peek) == GlobalMagic {
			if _, err := io.CopyN(io.Discard, r.r, GlobalHeaderSize); err != nil {
				return Record{}, fmt.Errorf("wal: skip embedded header: %w", ErrPartialTail)
			}
		}
	}

	hdrBuf := make([]byte, RecordHeaderSize)
	n, err := io.ReadFull(r.r, hdrBuf)
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("wal: short record header (%d/%d bytes): %w", n, RecordHeaderSize, ErrPartialTail)
	}

	h, err := DecodeRecordHeader(hdrBuf)
	if err != nil {
		return Record{}, err
	}

	payload := make([]byte, h.Len)
	if h.Len > 0 {
		pn, perr := io.ReadFull(r.r, payload)
		if perr != nil {
			return Record{}, fmt.Errorf("wal: short record payload (%d/%d bytes): %w", pn, h.Len, ErrPartialTail)
		}
	}

	if ChecksumRecord(h, payload) != h.CRC32C {
		return Record{}, fmt.Errorf("wal: record type %s lsn %d: %w", h.Type, h.LSN, ErrCorrupt)
	}

	if h.Type == RecordTruncate {
		r.atSeq = true
	}

	return Record{Header: h, Payload: payload}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
