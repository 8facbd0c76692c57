package page

import (
	"encoding/binary"
	"fmt"
)

// kvHeaderSize is the KV-specific header following the common header:
// data_start(4) + table_slots(4) + used_slots(4) + flags(4) +
// next_page_id(8) + page_lsn(8) + codec_id(2).
const kvHeaderSize = 4 + 4 + 4 + 4 + 8 + 8 + 2

// RecordAreaStart is the fixed offset where a KV page's record area
// begins: right after the common header and the KV header.
const RecordAreaStart = CommonHeaderSize + kvHeaderSize

// slotEntrySize is record_offset(4) + fingerprint(1) + probe_distance(1).
const slotEntrySize = 4 + 1 + 1

// KVHeader is the type-specific header of a KV page.
type KVHeader struct {
	DataStart   uint32
	TableSlots  uint32
	UsedSlots   uint32
	Flags       uint32
	NextPageID  uint64
	PageLSN     uint64
	CodecID     uint16
}

// DefaultTableSlots picks a fixed slot-table capacity for a freshly
// created KV page of the given size: the record area is budgeted for
// an assumed ~64-byte average record on top of each 6-byte slot, with
// a floor of 8 slots so tiny pages still function.
func DefaultTableSlots(pageSize uint32) uint32 {
	avail := int(pageSize) - RecordAreaStart - TrailerSize
	if avail <= 0 {
		return 8
	}
	slots := avail / (slotEntrySize + 64)
	if slots < 8 {
		return 8
	}
	return uint32(slots)
}

func encodeKVHeader(pg []byte, h KVHeader) {
	buf := pg[CommonHeaderSize : CommonHeaderSize+kvHeaderSize]
	binary.LittleEndian.PutUint32(buf[0:4], h.DataStart)
	binary.LittleEndian.PutUint32(buf[4:8], h.TableSlots)
	binary.LittleEndian.PutUint32(buf[8:12], h.UsedSlots)
	binary.LittleEndian.PutUint32(buf[12:16], h.Flags)
	binary.LittleEndian.PutUint64(buf[16:24], h.NextPageID)
	binary.LittleEndian.PutUint64(buf[24:32], h.PageLSN)
	binary.LittleEndian.PutUint16(buf[32:34], h.CodecID)
}

func decodeKVHeader(pg []byte) (KVHeader, error) {
	if len(pg) < RecordAreaStart {
		return KVHeader{}, fmt.Errorf("page: short buffer for KV header: %w", ErrInvalidFormat)
	}
	buf := pg[CommonHeaderSize : CommonHeaderSize+kvHeaderSize]
	return KVHeader{
		DataStart:  binary.LittleEndian.Uint32(buf[0:4]),
		TableSlots: binary.LittleEndian.Uint32(buf[4:8]),
		UsedSlots:  binary.LittleEndian.Uint32(buf[8:12]),
		Flags:      binary.LittleEndian.Uint32(buf[12:16]),
		NextPageID: binary.LittleEndian.Uint64(buf[16:24]),
		PageLSN:    binary.LittleEndian.Uint64(buf[24:32]),
		CodecID:    binary.LittleEndian.Uint16(buf[32:34]),
	}, nil
}

// InitKV initializes a freshly allocated page buffer as an empty KV
// page with the given id and slot-table capacity.
func InitKV(pg []byte, pageID uint64, tableSlots uint32) {
	EncodeCommonHeader(pg, CommonHeader{Version: Version, Type: TypeKV, PageID: pageID})
	encodeKVHeader(pg, KVHeader{
		DataStart:  uint32(RecordAreaStart),
		TableSlots: tableSlots,
		NextPageID: NoPage,
	})
	slotStart := len(pg) - TrailerSize - int(tableSlots)*slotEntrySize
	for i := slotStart; i < len(pg)-TrailerSize; i++ {
		pg[i] = 0
	}
}

func slotTableStart(pg []byte, h KVHeader) int {
	return len(pg) - TrailerSize - int(h.TableSlots)*slotEntrySize
}

type slot struct {
	recordOffset uint32
	fingerprint  uint8
	probeDist    uint8
	empty        bool
}

func readSlot(pg []byte, base int, idx uint32) slot {
	off := base + int(idx)*slotEntrySize
	b := pg[off : off+slotEntrySize]
	recOff := binary.LittleEndian.Uint32(b[0:4])
	fp := b[4]
	pd := b[5]
	return slot{recordOffset: recOff, fingerprint: fp, probeDist: pd, empty: recOff == 0 && fp == 0 && pd == 0}
}

func writeSlot(pg []byte, base int, idx uint32, s slot) {
	off := base + int(idx)*slotEntrySize
	b := pg[off : off+slotEntrySize]
	binary.LittleEndian.PutUint32(b[0:4], s.recordOffset)
	b[4] = s.fingerprint
	b[5] = s.probeDist
}

// Insert appends a record to the page's record area and places its
// slot using Robin-Hood open addressing with displacement. It returns
// ErrPageFull when the slot table or the record area has no room left,
// in which case the caller must extend the bucket chain.
func Insert(pg []byte, keyHash uint64, rec Record) error {
	h, err := decodeKVHeader(pg)
	if err != nil {
		return err
	}
	if h.UsedSlots >= h.TableSlots {
		return ErrPageFull
	}
	recLen := EncodedLen(len(rec.Key), len(rec.Value))
	base := slotTableStart(pg, h)
	if int(h.DataStart)+recLen > base {
		return ErrPageFull
	}

	body, err := AppendRecord(nil, rec)
	if err != nil {
		return err
	}
	recordOffset := h.DataStart
	copy(pg[recordOffset:int(recordOffset)+recLen], body)

	cur := slot{
		recordOffset: recordOffset,
		fingerprint:  Fingerprint(keyHash),
		probeDist:    0,
	}
	idx := uint32(keyHash % uint64(h.TableSlots))
	for {
		existing := readSlot(pg, base, idx)
		if existing.empty {
			writeSlot(pg, base, idx, cur)
			break
		}
		if existing.probeDist < cur.probeDist {
			writeSlot(pg, base, idx, cur)
			cur = existing
		}
		cur.probeDist++
		idx = (idx + 1) % h.TableSlots
	}

	h.DataStart += uint32(recLen)
	h.UsedSlots++
	encodeKVHeader(pg, h)
	return nil
}

// Lookup searches the page for key, resolving the newest version among
// any duplicate slots (the one with the greatest record offset, since
// the append-only record area makes offset monotonic with insertion
// order). It returns found=false with no error when the key is
// provably absent from this page.
func Lookup(pg []byte, keyHash uint64, key []byte) (rec Record, found bool, err error) {
	h, err := decodeKVHeader(pg)
	if err != nil {
		return Record{}, false, err
	}
	if h.TableSlots == 0 {
		return Record{}, false, nil
	}
	base := slotTableStart(pg, h)
	fp := Fingerprint(keyHash)
	idx := uint32(keyHash % uint64(h.TableSlots))

	var bestOffset uint32
	haveBest := false
	for dist := uint8(0); ; dist++ {
		s := readSlot(pg, base, idx)
		if s.empty || s.probeDist < dist {
			break
		}
		if s.fingerprint == fp {
			r, _, derr := DecodeRecord(pg[s.recordOffset:])
			if derr != nil {
				return Record{}, false, derr
			}
			if string(r.Key) == string(key) {
				if !haveBest || s.recordOffset > bestOffset {
					bestOffset = s.recordOffset
					haveBest = true
				}
			}
		}
		idx = (idx + 1) % h.TableSlots
		if dist == 255 {
			break
		}
	}
	if !haveBest {
		return Record{}, false, nil
	}
	rec, _, err = DecodeRecord(pg[bestOffset:])
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Each decodes every live slot's record, in slot-table order (not
// insertion order), invoking fn for each. fn's return value stops
// iteration early when false.
func Each(pg []byte, fn func(keyHash uint64, rec Record) bool) error {
	h, err := decodeKVHeader(pg)
	if err != nil {
		return err
	}
	base := slotTableStart(pg, h)
	for idx := uint32(0); idx < h.TableSlots; idx++ {
		s := readSlot(pg, base, idx)
		if s.empty {
			continue
		}
		rec, _, derr := DecodeRecord(pg[s.recordOffset:])
		if derr != nil {
			return derr
		}
		if !fn(0, rec) {
			break
		}
	}
	return nil
}

// Header exposes the decoded KV header for callers that need
// data_start/table_slots/used_slots/next_page_id bookkeeping (the
// bucket chain walker, compaction, Doctor).
func Header(pg []byte) (KVHeader, error) {
	return decodeKVHeader(pg)
}

// SetNextPageID updates the chain pointer in place.
func SetNextPageID(pg []byte, next uint64) error {
	h, err := decodeKVHeader(pg)
	if err != nil {
		return err
	}
	h.NextPageID = next
	encodeKVHeader(pg, h)
	return nil
}

// SetPageLSN stamps the page's LSN, used by the pager right before
// sealing the trailer on a dirty page.
func SetPageLSN(pg []byte, lsn uint64) error {
	h, err := decodeKVHeader(pg)
	if err != nil {
		return err
	}
	h.PageLSN = lsn
	encodeKVHeader(pg, h)
	return nil
}
