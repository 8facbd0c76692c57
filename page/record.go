package page

import (
	"encoding/binary"
	"fmt"
)

// VFlags are per-record value flags stored in a KV record header.
type VFlags uint8

const (
	// VFlagTombstone marks a record as a logical delete. The key/value
	// bytes still occupy the record area until compaction removes them.
	VFlagTombstone VFlags = 1 << 0

	// VFlagOverflow marks a record whose value bytes are an
	// OverflowPlaceholder rather than the literal value.
	VFlagOverflow VFlags = 1 << 1
)

// recordHeaderSize is key_len(2) + value_len(4) + expires_at_sec(4) + vflags(1).
const recordHeaderSize = 2 + 4 + 4 + 1

// Record is a decoded KV record body, as stored inline in a page's
// record area.
type Record struct {
	Key         []byte
	Value       []byte
	ExpiresAt   uint32 // 0 means no expiry
	Flags       VFlags
}

func (r Record) Tombstone() bool { return r.Flags&VFlagTombstone != 0 }
func (r Record) Overflow() bool  { return r.Flags&VFlagOverflow != 0 }

// EncodedLen returns the number of bytes AppendRecord will write for r.
func EncodedLen(keyLen, valueLen int) int {
	return recordHeaderSize + keyLen + valueLen
}

// AppendRecord serializes r onto dst and returns the extended slice.
func AppendRecord(dst []byte, r Record) ([]byte, error) {
	if len(r.Key) > 1<<16-1 {
		return nil, fmt.Errorf("page: key length %d exceeds u16: %w", len(r.Key), ErrInvalidFormat)
	}
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(len(r.Key)))
	binary.LittleEndian.PutUint32(hdr[2:6], uint32(len(r.Value)))
	binary.LittleEndian.PutUint32(hdr[6:10], r.ExpiresAt)
	hdr[10] = byte(r.Flags)
	dst = append(dst, hdr[:]...)
	dst = append(dst, r.Key...)
	dst = append(dst, r.Value...)
	return dst, nil
}

// DecodeRecord reads one record starting at buf[0]. It returns the
// record and the number of bytes consumed.
func DecodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < recordHeaderSize {
		return Record{}, 0, fmt.Errorf("page: short record header: %w", ErrInvalidFormat)
	}
	keyLen := int(binary.LittleEndian.Uint16(buf[0:2]))
	valueLen := int(binary.LittleEndian.Uint32(buf[2:6]))
	expiresAt := binary.LittleEndian.Uint32(buf[6:10])
	flags := VFlags(buf[10])
	total := recordHeaderSize + keyLen + valueLen
	if len(buf) < total {
		return Record{}, 0, fmt.Errorf("page: short record body: %w", ErrInvalidFormat)
	}
	key := buf[recordHeaderSize : recordHeaderSize+keyLen]
	value := buf[recordHeaderSize+keyLen : total]
	return Record{Key: key, Value: value, ExpiresAt: expiresAt, Flags: flags}, total, nil
}

// overflowPlaceholderTag marks the single TLV kind a value area can
// hold when VFlagOverflow is set.
const overflowPlaceholderTag = 0x01

// overflowPlaceholderLen is the fixed length of the TLV's value:
// total_len(8) + head_pid(8).
const overflowPlaceholderLen = 16

// OverflowPlaceholderSize is the total encoded size of a placeholder,
// including its tag and 1-byte length prefix.
const OverflowPlaceholderSize = 1 + 1 + overflowPlaceholderLen

// OverflowPlaceholder replaces a record's value when the real value is
// large enough to live in an overflow chain instead of inline.
type OverflowPlaceholder struct {
	TotalLen uint64
	HeadPID  uint64
}

// EncodeOverflowPlaceholder returns the TLV-encoded placeholder bytes.
func EncodeOverflowPlaceholder(p OverflowPlaceholder) []byte {
	buf := make([]byte, OverflowPlaceholderSize)
	buf[0] = overflowPlaceholderTag
	buf[1] = overflowPlaceholderLen
	binary.LittleEndian.PutUint64(buf[2:10], p.TotalLen)
	binary.LittleEndian.PutUint64(buf[10:18], p.HeadPID)
	return buf
}

// DecodeOverflowPlaceholder parses a placeholder previously written by
// EncodeOverflowPlaceholder.
func DecodeOverflowPlaceholder(buf []byte) (OverflowPlaceholder, error) {
	if len(buf) != OverflowPlaceholderSize || buf[0] != overflowPlaceholderTag {
		return OverflowPlaceholder{}, fmt.Errorf("page: bad overflow placeholder: %w", ErrInvalidFormat)
	}
	l := buf[1]
	if l != overflowPlaceholderLen {
		return OverflowPlaceholder{}, fmt.Errorf("page: bad overflow placeholder length %d: %w", l, ErrInvalidFormat)
	}
	return OverflowPlaceholder{
		TotalLen: binary.LittleEndian.Uint64(buf[2:10]),
		HeadPID:  binary.LittleEndian.Uint64(buf[10:18]),
	}, nil
}

// Fingerprint derives the 1-byte slot fingerprint from a key's 64-bit
// hash. Using a fixed byte range (rather than re-hashing) keeps the
// derivation deterministic across hosts, as spec §9 requires of any
// bucket/fingerprint scheme.
func Fingerprint(keyHash uint64) uint8 {
	return uint8(keyHash >> 56)
}
