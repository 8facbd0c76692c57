package wal

import "errors"

var (
	// ErrCorrupt is returned when a record's CRC32C fails mid-stream,
	// or a structural field (e.g. a HEADS_UPDATE payload length) is
	// invalid.
	ErrCorrupt = errors.New("wal: corrupt record")

	// ErrPartialTail is returned when the stream ends mid-record: the
	// expected shape of a crash during append, not a corruption.
	ErrPartialTail = errors.New("wal: partial tail")

	// ErrBadGlobalHeader is returned when the global header's magic
	// doesn't match.
	ErrBadGlobalHeader = errors.New("wal: bad global header")

	// ErrClosed is returned when operating on a closed Writer or Reader.
	ErrClosed = errors.New("wal: closed")
)
