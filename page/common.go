// Package page implements the on-disk page format: the 16-byte common
// header and checksum/AEAD trailer shared by every page type, the
// Robin-Hood-indexed KV page, the OVERFLOW page, and the process-wide
// page cache.
//
// Layout follows spec §6 byte-for-byte. All multi-byte integers are
// little-endian.
package page

import (
	"encoding/binary"
	"fmt"
)

// Type identifies the contents of a page's type-specific header/body.
type Type uint16

const (
	// TypeKV pages hold a Robin-Hood slot table and a packed record area.
	TypeKV Type = 2
	// TypeOverflow pages hold a single (optionally compressed) value chunk.
	TypeOverflow Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeKV:
		return "KV"
	case TypeOverflow:
		return "OVERFLOW"
	default:
		return "Unknown"
	}
}

const (
	// Magic is the 4-byte page magic stamped at offset 0 of every page.
	Magic = "P2PG"

	// Version is the page format version stored in the common header.
	Version uint16 = 3

	// CommonHeaderSize is the size in bytes of the header shared by all
	// page types: magic(4) + version(2) + type(2) + page_id(8).
	CommonHeaderSize = 4 + 2 + 2 + 8

	// TrailerSize is the fixed size of the trailing checksum/AEAD region.
	TrailerSize = 16

	// NoPage is the sentinel page id meaning "no page" (an empty chain,
	// or a terminated overflow chain).
	NoPage uint64 = ^uint64(0)

	// MinPageSize and MaxPageSize bound meta.page_size (spec §3).
	MinPageSize = 4 * 1024
	MaxPageSize = 1024 * 1024
)

// CommonHeader is the first 16 bytes of every page.
type CommonHeader struct {
	Version uint16
	Type    Type
	PageID  uint64
}

// EncodeCommonHeader writes h into buf[0:CommonHeaderSize].
func EncodeCommonHeader(buf []byte, h CommonHeader) {
	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.LittleEndian.PutUint64(buf[8:16], h.PageID)
}

// DecodeCommonHeader reads the common header from buf. InvalidFormat is
// returned for a bad magic; an unknown page version is also rejected
// since no forward-compatible reader exists for page bodies (unlike WAL
// record types, which are skippable).
func DecodeCommonHeader(buf []byte) (CommonHeader, error) {
	var h CommonHeader
	if len(buf) < CommonHeaderSize {
		return h, fmt.Errorf("page: short buffer for common header: %w", ErrInvalidFormat)
	}
	if string(buf[0:4]) != Magic {
		return h, fmt.Errorf("page: bad magic %q: %w", buf[0:4], ErrInvalidFormat)
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	if h.Version != Version {
		return h, fmt.Errorf("page: unknown page version %d: %w", h.Version, ErrInvalidFormat)
	}
	h.Type = Type(binary.LittleEndian.Uint16(buf[6:8]))
	h.PageID = binary.LittleEndian.Uint64(buf[8:16])
	return h, nil
}
