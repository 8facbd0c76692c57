package page

import (
	"encoding/binary"
	"fmt"

	"github.com/quiverdb/quiverdb/compression"
)

// overflowHeaderSize is chunk_len(4) + raw_len(4) + next_page_id(8) +
// page_lsn(8) + codec_id(2). raw_len holds the chunk's decompressed
// length, letting ReadOverflowChunk validate a decompression instead
// of trusting it blindly.
const overflowHeaderSize = 4 + 4 + 8 + 8 + 2

// OverflowHeader is the type-specific header of an OVERFLOW page: one
// link in a value's overflow chain.
type OverflowHeader struct {
	ChunkLen   uint32 // bytes of on-disk chunk payload (post-compression)
	RawLen     uint32 // bytes of the chunk's decompressed payload
	NextPageID uint64 // NoPage terminates the chain
	PageLSN    uint64 // WAL LSN this page image was produced at
	CodecID    compression.Codec
}

func encodeOverflowHeader(pg []byte, h OverflowHeader) {
	buf := pg[CommonHeaderSize : CommonHeaderSize+overflowHeaderSize]
	binary.LittleEndian.PutUint32(buf[0:4], h.ChunkLen)
	binary.LittleEndian.PutUint32(buf[4:8], h.RawLen)
	binary.LittleEndian.PutUint64(buf[8:16], h.NextPageID)
	binary.LittleEndian.PutUint64(buf[16:24], h.PageLSN)
	binary.LittleEndian.PutUint16(buf[24:26], uint16(h.CodecID))
}

func decodeOverflowHeader(pg []byte) (OverflowHeader, error) {
	if len(pg) < CommonHeaderSize+overflowHeaderSize {
		return OverflowHeader{}, fmt.Errorf("page: short buffer for overflow header: %w", ErrInvalidFormat)
	}
	buf := pg[CommonHeaderSize : CommonHeaderSize+overflowHeaderSize]
	return OverflowHeader{
		ChunkLen:   binary.LittleEndian.Uint32(buf[0:4]),
		RawLen:     binary.LittleEndian.Uint32(buf[4:8]),
		NextPageID: binary.LittleEndian.Uint64(buf[8:16]),
		PageLSN:    binary.LittleEndian.Uint64(buf[16:24]),
		CodecID:    compression.Codec(binary.LittleEndian.Uint16(buf[24:26])),
	}, nil
}

// OverflowChunkCapacity returns how many raw payload bytes a page of
// pageSize can hold in the worst case (codec None, no reduction).
func OverflowChunkCapacity(pageSize uint32) int {
	return int(pageSize) - CommonHeaderSize - overflowHeaderSize - TrailerSize
}

// WriteOverflowChunk compresses raw with comp (falling back to stored
// bytes when the reduction isn't worth it) and writes it into pg as one
// link of an overflow chain pointing at next.
func WriteOverflowChunk(pg []byte, pageID uint64, next uint64, pageLSN uint64, raw []byte, comp compression.Compressor) error {
	capacity := OverflowChunkCapacity(uint32(len(pg)))
	out, applied, err := comp.Compress(nil, raw)
	if err != nil {
		return fmt.Errorf("page: compress overflow chunk: %w", err)
	}
	codec := comp.Codec()
	if !applied {
		codec = compression.None
	}
	if len(out) > capacity {
		return fmt.Errorf("page: overflow chunk %d bytes exceeds page capacity %d: %w", len(out), capacity, ErrPageFull)
	}

	EncodeCommonHeader(pg, CommonHeader{Version: Version, Type: TypeOverflow, PageID: pageID})
	encodeOverflowHeader(pg, OverflowHeader{
		ChunkLen:   uint32(len(out)),
		RawLen:     uint32(len(raw)),
		NextPageID: next,
		PageLSN:    pageLSN,
		CodecID:    codec,
	})
	body := pg[CommonHeaderSize+overflowHeaderSize:]
	copy(body, out)
	return nil
}

// OverflowHeaderOf exposes the decoded OVERFLOW header for callers
// that only need bookkeeping fields (the pager's trailer-verify path,
// compaction's reachability sweep).
func OverflowHeaderOf(pg []byte) (OverflowHeader, error) {
	return decodeOverflowHeader(pg)
}

// SetOverflowPageLSN stamps an already-written overflow page's LSN
// in place, mirroring SetPageLSN for KV pages.
func SetOverflowPageLSN(pg []byte, lsn uint64) error {
	h, err := decodeOverflowHeader(pg)
	if err != nil {
		return err
	}
	h.PageLSN = lsn
	encodeOverflowHeader(pg, h)
	return nil
}

// ReadOverflowChunk decompresses the chunk stored in pg, reusing dst's
// storage when it is large enough; the result replaces any previous
// contents of dst rather than being appended to them.
func ReadOverflowChunk(pg []byte, dst []byte) ([]byte, OverflowHeader, error) {
	h, err := decodeOverflowHeader(pg)
	if err != nil {
		return nil, OverflowHeader{}, err
	}
	start := CommonHeaderSize + overflowHeaderSize
	end := start + int(h.ChunkLen)
	if end > len(pg)-TrailerSize {
		return nil, OverflowHeader{}, fmt.Errorf("page: overflow chunk_len overruns trailer: %w", ErrInvalidFormat)
	}
	comp, err := compression.NewCompressor(h.CodecID, 0)
	if err != nil {
		return nil, OverflowHeader{}, fmt.Errorf("page: %w: %v", ErrInvalidFormat, err)
	}
	out, err := comp.Decompress(dst, pg[start:end])
	if err != nil {
		return nil, OverflowHeader{}, fmt.Errorf("page: decompress overflow chunk: %w", err)
	}
	if uint32(len(out)) != h.RawLen {
		return nil, OverflowHeader{}, fmt.Errorf("page: overflow chunk decompressed to %d bytes, want %d: %w", len(out), h.RawLen, ErrInvalidFormat)
	}
	return out, h, nil
}
