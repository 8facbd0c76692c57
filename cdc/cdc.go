// Package cdc implements the change-data-capture apply loop (spec
// §4.7): a follower consumes a byte stream framed identically to a WAL
// file and applies it against a local target, reusing the same
// LSN-gating rules crash replay uses against on-disk state.
package cdc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/quiverdb/quiverdb/page"
	"github.com/quiverdb/quiverdb/wal"
)

// ErrStreamCorruption is returned when a record's CRC32C fails
// mid-stream: unlike a partial tail, this is not a clean place to stop
// (spec §4.7: "verify record CRC; mid-stream mismatch is a
// StreamCorruption").
var ErrStreamCorruption = errors.New("cdc: stream corruption")

// ErrStreamMismatch is returned when a session's negotiated or
// previously persisted stream identifier doesn't match the stream
// currently being applied (spec §4.7 anti-mix enforcement).
var ErrStreamMismatch = errors.New("cdc: stream identifier mismatch")

// ErrHelloRequired is returned when Options.RequireHello is set and
// the stream's first frame is not a HELLO.
var ErrHelloRequired = errors.New("cdc: HELLO frame required")

// Target is what an Apply session mutates: a follower database, or a
// test double.
type Target interface {
	// CurrentPageLSN returns pageID's on-disk page_lsn, or 0 if the
	// page has never been written.
	CurrentPageLSN(pageID uint64) (uint64, error)
	// ApplyPageImage writes payload as pageID's new content. Apply only
	// calls this once it has confirmed payload's LSN is strictly newer
	// than CurrentPageLSN(pageID).
	ApplyPageImage(pageID uint64, payload []byte) error
	// Buckets returns the target's current bucket count, used to bounds
	// check incoming HEADS_UPDATE entries.
	Buckets() uint32
	// LastHeadsLSN returns the highest HEADS_UPDATE LSN already applied
	// to this target.
	LastHeadsLSN() uint64
	// ApplyHeadsUpdate applies a batch of bucket head changes recorded
	// at lsn. Apply only calls this once it has confirmed lsn is
	// strictly newer than LastHeadsLSN().
	ApplyHeadsUpdate(lsn uint64, updates []wal.HeadUpdate) error
	// PersistLastLSN best-effort persists the session's high-water LSN
	// once the stream ends cleanly.
	PersistLastLSN(lsn uint64) error
	// StreamID returns the stream identifier this target has previously
	// committed to, if any.
	StreamID() (id string, ok bool)
	// SetStreamID records id as this target's committed stream
	// identifier, called the first time a stream is applied.
	SetStreamID(id string) error
}

// helloMagic marks a HELLO negotiation frame: 8 bytes, distinct from
// wal.GlobalMagic so a HELLO can never be mistaken for an embedded
// WAL header.
const helloMagic = "P2HELLO1"

// Options configures one Apply session.
type Options struct {
	// RequireHello demands a HELLO frame (spec §6/§4.7 session
	// negotiation) before the global WAL header.
	RequireHello bool
	// HeadsStrict makes a HEADS_UPDATE referencing an out-of-range
	// bucket a hard error instead of a silently ignored entry.
	HeadsStrict bool
	// SeqStrict makes an LSN that decreases from one record to the next
	// a hard error (gaps and repeats are accepted). Off by
	// default since a follower may join mid-stream.
	SeqStrict bool
}

// Result summarizes one Apply session.
type Result struct {
	MaxLSN       uint64
	PagesApplied int
	HeadsApplied int
	RecordsSeen  int
	StreamID     string
}

// Apply reads a CDC stream from r and applies it to target until r is
// exhausted (io.EOF) or a partial tail is reached (wal.ErrPartialTail,
// treated as a clean end of session rather than an error: the sender
// may still be mid-write). A stream that ends inside the HELLO frame or
// the global WAL header is the exception: Apply returns
// wal.ErrPartialTail as its error. Any other error, including
// ErrStreamCorruption, aborts the session.
func Apply(r io.Reader, target Target, opts Options) (Result, error) {
	br := bufio.NewReader(r)
	res := Result{}

	streamID, err := negotiateHello(br, opts)
	if err != nil {
		return res, err
	}
	res.StreamID = streamID
	if streamID != "" {
		if err := enforceStreamIdentity(target, streamID); err != nil {
			return res, err
		}
	}

	hdr := make([]byte, wal.GlobalHeaderSize)
	if _, err := io.ReadFull(br, hdr); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return res, wal.ErrPartialTail
		}
		return res, fmt.Errorf("cdc: read global header: %w", wal.ErrBadGlobalHeader)
	}
	if string(hdr[:8]) != wal.GlobalMagic {
		return res, fmt.Errorf("cdc: bad global header magic %q: %w", hdr[:8], wal.ErrBadGlobalHeader)
	}

	maxLSN := uint64(0)
	lastLSN := uint64(0)
	atEmbeddedHeader := false

	for {
		if atEmbeddedHeader {
			atEmbeddedHeader = false
			peek, err := br.Peek(8)
			if err == nil && string(peek) == wal.GlobalMagic {
				if _, err := io.CopyN(io.Discard, br, int64(wal.GlobalHeaderSize)); err != nil {
					return finish(target, res, maxLSN)
				}
			}
		}

		hdrBuf := make([]byte, wal.RecordHeaderSize)
		n, err := io.ReadFull(br, hdrBuf)
		if err != nil {
			if n == 0 && errors.Is(err, io.EOF) {
				return finish(target, res, maxLSN)
			}
			// A short/partial record header is the ordinary shape of a
			// stream ending mid-append: a clean place to stop, not an
			// error (spec §4.7).
			return finish(target, res, maxLSN)
		}

		h, err := wal.DecodeRecordHeader(hdrBuf)
		if err != nil {
			return res, fmt.Errorf("cdc: decode record header: %w", err)
		}

		payload := make([]byte, h.Len)
		if h.Len > 0 {
			if _, err := io.ReadFull(br, payload); err != nil {
				return finish(target, res, maxLSN)
			}
		}

		if wal.ChecksumRecord(h, payload) != h.CRC32C {
			return res, fmt.Errorf("cdc: record type %s lsn %d: %w", h.Type, h.LSN, ErrStreamCorruption)
		}

		res.RecordsSeen++
		if opts.SeqStrict && lastLSN != 0 && h.LSN != 0 && h.LSN < lastLSN {
			return res, fmt.Errorf("cdc: lsn %d out of order after %d: %w", h.LSN, lastLSN, ErrStreamCorruption)
		}
		lastLSN = h.LSN
		if h.LSN > maxLSN {
			maxLSN = h.LSN
		}

		switch h.Type {
		case wal.RecordPageImage:
			applied, err := applyPageImage(target, h.PageID, payload)
			if err != nil {
				return res, fmt.Errorf("cdc: apply page %d: %w", h.PageID, err)
			}
			if applied {
				res.PagesApplied++
			}
		case wal.RecordHeadsUpdate:
			applied, err := applyHeadsUpdate(target, h.LSN, payload, opts.HeadsStrict)
			if err != nil {
				return res, fmt.Errorf("cdc: apply heads update: %w", err)
			}
			if applied {
				res.HeadsApplied++
			}
		case wal.RecordTruncate:
			atEmbeddedHeader = true
		case wal.RecordBegin, wal.RecordCommit:
			// Markers only.
		default:
			// Forward-compatible no-op.
		}
	}
}

// finish is reached on io.EOF or a partial tail, both a clean end of
// session per spec §4.7 rather than an error.
func finish(target Target, res Result, maxLSN uint64) (Result, error) {
	res.MaxLSN = maxLSN
	if maxLSN > 0 {
		_ = target.PersistLastLSN(maxLSN) // best-effort per spec §4.7
	}
	return res, nil
}

func applyPageImage(target Target, pageID uint64, payload []byte) (bool, error) {
	current, err := target.CurrentPageLSN(pageID)
	if err != nil {
		return false, err
	}
	newLSN, err := pageImageLSN(payload)
	if err != nil {
		return false, err
	}
	if newLSN <= current {
		return false, nil
	}
	if err := target.ApplyPageImage(pageID, payload); err != nil {
		return false, err
	}
	return true, nil
}

// pageImageLSN extracts a PAGE_IMAGE payload's page_lsn, branching on
// page type exactly as pager.go's pageLSNOf does for on-disk pages:
// a KV header and an OVERFLOW header carry page_lsn at different
// offsets within their type-specific headers.
func pageImageLSN(payload []byte) (uint64, error) {
	ch, err := page.DecodeCommonHeader(payload)
	if err != nil {
		return 0, fmt.Errorf("cdc: decode page image header: %w", err)
	}
	switch ch.Type {
	case page.TypeKV:
		h, err := page.Header(payload)
		if err != nil {
			return 0, err
		}
		return h.PageLSN, nil
	case page.TypeOverflow:
		h, err := page.OverflowHeaderOf(payload)
		if err != nil {
			return 0, err
		}
		return h.PageLSN, nil
	default:
		return 0, nil
	}
}

func applyHeadsUpdate(target Target, lsn uint64, payload []byte, strict bool) (bool, error) {
	if lsn <= target.LastHeadsLSN() {
		return false, nil
	}
	updates, err := wal.DecodeHeadsUpdate(payload)
	if err != nil {
		return false, err
	}
	filtered := updates[:0:0]
	for _, u := range updates {
		if u.Bucket >= target.Buckets() {
			if strict {
				return false, fmt.Errorf("cdc: heads update bucket %d out of range (%d buckets)", u.Bucket, target.Buckets())
			}
			continue
		}
		filtered = append(filtered, u)
	}
	if err := target.ApplyHeadsUpdate(lsn, filtered); err != nil {
		return false, err
	}
	return true, nil
}

func negotiateHello(br *bufio.Reader, opts Options) (string, error) {
	peek, err := br.Peek(8)
	if err != nil {
		if errors.Is(err, io.EOF) {
			if opts.RequireHello {
				return "", ErrHelloRequired
			}
			return "", nil
		}
		return "", err
	}
	if string(peek) != helloMagic {
		if opts.RequireHello {
			return "", ErrHelloRequired
		}
		return "", nil
	}

	frame := make([]byte, 8+2)
	if _, err := io.ReadFull(br, frame); err != nil {
		return "", fmt.Errorf("cdc: read HELLO frame: %w", wal.ErrPartialTail)
	}
	idLen := binary.LittleEndian.Uint16(frame[8:10])
	idBuf := make([]byte, idLen)
	if _, err := io.ReadFull(br, idBuf); err != nil {
		return "", fmt.Errorf("cdc: read HELLO stream id: %w", wal.ErrPartialTail)
	}
	return string(idBuf), nil
}

func enforceStreamIdentity(target Target, streamID string) error {
	existing, ok := target.StreamID()
	if !ok {
		return target.SetStreamID(streamID)
	}
	if existing != streamID {
		return fmt.Errorf("%w: target committed to %q, stream says %q", ErrStreamMismatch, existing, streamID)
	}
	return nil
}
