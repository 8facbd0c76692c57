// Package wal implements the append-only WAL frame log: a 16-byte
// global header followed by a stream of typed, CRC32C-protected
// records (spec §6). Both crash replay and CDC apply read the same
// wire format through Reader.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordType identifies the kind of a WAL record.
type RecordType uint8

const (
	RecordBegin       RecordType = 1
	RecordPageImage    RecordType = 2
	RecordDelta        RecordType = 3 // reserved, never written
	RecordCommit       RecordType = 4
	RecordTruncate     RecordType = 5
	RecordHeadsUpdate  RecordType = 6
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "BEGIN"
	case RecordPageImage:
		return "PAGE_IMAGE"
	case RecordDelta:
		return "DELTA"
	case RecordCommit:
		return "COMMIT"
	case RecordTruncate:
		return "TRUNCATE"
	case RecordHeadsUpdate:
		return "HEADS_UPDATE"
	default:
		return "UNKNOWN"
	}
}

const (
	// GlobalMagic is the 8-byte magic at the start of a WAL file.
	GlobalMagic = "P2WAL001"

	// GlobalHeaderSize is GlobalMagic plus 8 reserved bytes.
	GlobalHeaderSize = 16

	// RecordHeaderSize is type(1)+flags(1)+reserved(2)+lsn(8)+page_id(8)+len(4)+crc32c(4).
	RecordHeaderSize = 1 + 1 + 2 + 8 + 8 + 4 + 4
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// RecordHeader is the fixed 28-byte header preceding every record's
// payload.
type RecordHeader struct {
	Type    RecordType
	Flags   uint8
	LSN     uint64
	PageID  uint64
	Len     uint32
	CRC32C  uint32
}

// EncodeRecordHeader writes h into buf[0:RecordHeaderSize]. CRC32C is
// computed by the caller (via ChecksumRecord) over the header fields
// preceding it plus the payload, and stored verbatim here.
func EncodeRecordHeader(buf []byte, h RecordHeader) {
	buf[0] = byte(h.Type)
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:4], 0)
	binary.LittleEndian.PutUint64(buf[4:12], h.LSN)
	binary.LittleEndian.PutUint64(buf[12:20], h.PageID)
	binary.LittleEndian.PutUint32(buf[20:24], h.Len)
	binary.LittleEndian.PutUint32(buf[24:28], h.CRC32C)
}

// DecodeRecordHeader reads a record header from buf.
func DecodeRecordHeader(buf []byte) (RecordHeader, error) {
	if len(buf) < RecordHeaderSize {
		return RecordHeader{}, fmt.Errorf("wal: short record header: %w", ErrPartialTail)
	}
	return RecordHeader{
		Type:   RecordType(buf[0]),
		Flags:  buf[1],
		LSN:    binary.LittleEndian.Uint64(buf[4:12]),
		PageID: binary.LittleEndian.Uint64(buf[12:20]),
		Len:    binary.LittleEndian.Uint32(buf[20:24]),
		CRC32C: binary.LittleEndian.Uint32(buf[24:28]),
	}, nil
}

// recordHeaderPrefixSize is RecordHeaderSize minus the trailing CRC32C
// field: the part of the header that's covered by the record's own
// checksum (spec §6: "CRC is computed over the header up to the CRC
// field concatenated with the payload").
const recordHeaderPrefixSize = RecordHeaderSize - 4

// ChecksumRecord computes the CRC32C stored in a record header: the
// digest of the header bytes preceding the CRC field, concatenated
// with the payload.
func ChecksumRecord(h RecordHeader, payload []byte) uint32 {
	var prefix [recordHeaderPrefixSize]byte
	prefix[0] = byte(h.Type)
	prefix[1] = h.Flags
	binary.LittleEndian.PutUint16(prefix[2:4], 0)
	binary.LittleEndian.PutUint64(prefix[4:12], h.LSN)
	binary.LittleEndian.PutUint64(prefix[12:20], h.PageID)
	binary.LittleEndian.PutUint32(prefix[20:24], uint32(len(payload)))

	crc := crc32.Checksum(prefix[:], castagnoliTable)
	return crc32.Update(crc, castagnoliTable, payload)
}

// EncodeHeadsUpdate serializes a bucket -> new head page id map into
// the repeated [bucket u32][head_pid u64] payload format. Entries are
// written in the order given by order; the function does not sort
// (Batch.Commit passes its buckets sorted, so WAL bytes stay
// reproducible across runs with identical input).
func EncodeHeadsUpdate(heads map[uint32]uint64, order []uint32) []byte {
	buf := make([]byte, 0, len(order)*12)
	for _, bucket := range order {
		head := heads[bucket]
		var rec [12]byte
		binary.LittleEndian.PutUint32(rec[0:4], bucket)
		binary.LittleEndian.PutUint64(rec[4:12], head)
		buf = append(buf, rec[:]...)
	}
	return buf
}

// DecodeHeadsUpdate parses a HEADS_UPDATE payload into an ordered list
// of (bucket, head) pairs, preserving payload order so "last wins" can
// be applied by the caller.
func DecodeHeadsUpdate(payload []byte) ([]HeadUpdate, error) {
	if len(payload)%12 != 0 {
		return nil, fmt.Errorf("wal: HEADS_UPDATE payload length %d not a multiple of 12: %w", len(payload), ErrCorrupt)
	}
	n := len(payload) / 12
	out := make([]HeadUpdate, n)
	for i := 0; i < n; i++ {
		rec := payload[i*12 : i*12+12]
		out[i] = HeadUpdate{
			Bucket: binary.LittleEndian.Uint32(rec[0:4]),
			Head:   binary.LittleEndian.Uint64(rec[4:12]),
		}
	}
	return out, nil
}

// HeadUpdate is one (bucket, new head page id) pair from a
// HEADS_UPDATE record.
type HeadUpdate struct {
	Bucket uint32
	Head   uint64
}
