package page

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ChecksumKind selects the trailer format for a page, mirroring
// meta.checksum_kind (spec §6).
type ChecksumKind uint8

const (
	// ChecksumCRC32C stores a CRC32C (Castagnoli) digest in trailer[0:4].
	ChecksumCRC32C ChecksumKind = 0
	// ChecksumAEAD stores a 16-byte AES-GCM tag covering the whole page.
	ChecksumAEAD ChecksumKind = 1
)

// castagnoliTable is used for every on-disk CRC32C: page trailers, WAL
// records, the directory header, freeze frames, and SnapStore frames.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// ChecksumCRC32 computes the CRC32C digest of b.
func ChecksumCRC32(b []byte) uint32 {
	return crc32.Checksum(b, castagnoliTable)
}

// aeadAADPrefix is prepended to the page bytes before computing the
// AEAD tag, for domain separation from any other GCM use of the same
// key.
const aeadAADPrefix = "P2AEAD01"

// TrailerOptions controls how SealTrailer/VerifyTrailer treat a page.
type TrailerOptions struct {
	Kind ChecksumKind

	// ZeroChecksumStrict rejects an all-zero CRC32C trailer as invalid
	// rather than treating it as "checksum not yet computed."
	ZeroChecksumStrict bool

	// AEADStrict disables the epoch-based CRC fallback on AEAD failure.
	AEADStrict bool

	// AEADKey, when Kind is ChecksumAEAD, is the 16/24/32-byte AES key
	// for the current key epoch.
	AEADKey []byte

	// AEADSinceLSN and PageLSN support the optional fallback described
	// in spec §4.1: a page whose LSN is strictly below the current
	// key-epoch's since_lsn may fall back to a CRC32C check when AEAD
	// verification fails and AEADStrict is false.
	AEADSinceLSN uint64
	PageLSN      uint64
}

// SealTrailer zeroes page[len(page)-TrailerSize:] and writes either a
// CRC32C digest or an AEAD tag over the full page. The AEAD trailer is
// integrity-only (no confidentiality, per spec Non-goals): the whole
// zeroed-trailer page is the GCM plaintext, associated data is the
// fixed 24-byte "P2AEAD01" + common header, and only the resulting
// 16-byte tag is kept — the ciphertext itself is discarded, so the
// trailer holds nothing but the tag.
func SealTrailer(pg []byte, opts TrailerOptions) error {
	trailer := pg[len(pg)-TrailerSize:]
	for i := range trailer {
		trailer[i] = 0
	}

	switch opts.Kind {
	case ChecksumCRC32C:
		binary.LittleEndian.PutUint32(trailer[0:4], ChecksumCRC32(pg))
		return nil
	case ChecksumAEAD:
		gcm, nonce, err := aeadCipher(opts.AEADKey, opts.PageLSN, pg)
		if err != nil {
			return err
		}
		tag := aeadTag(gcm, nonce, pg)
		copy(trailer, tag)
		return nil
	default:
		return fmt.Errorf("page: unknown checksum kind %d: %w", opts.Kind, ErrInvalidFormat)
	}
}

// VerifyTrailer checks pg's trailer according to opts, returning
// ErrChecksumMismatch, ErrIntegrityFailure, or nil.
func VerifyTrailer(pg []byte, opts TrailerOptions) error {
	trailer := pg[len(pg)-TrailerSize:]

	switch opts.Kind {
	case ChecksumCRC32C:
		want := binary.LittleEndian.Uint32(trailer[0:4])
		if want == 0 {
			allZero := true
			for _, b := range trailer[4:] {
				if b != 0 {
					allZero = false
					break
				}
			}
			if allZero {
				if opts.ZeroChecksumStrict {
					return ErrChecksumMismatch
				}
				return nil
			}
		}
		scratch := zeroedTrailerCopy(pg)
		if ChecksumCRC32(scratch) != want {
			return ErrChecksumMismatch
		}
		return nil
	case ChecksumAEAD:
		stored := trailer
		allZero := true
		for _, b := range stored {
			if b != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			return ErrIntegrityFailure
		}
		gcm, nonce, err := aeadCipher(opts.AEADKey, opts.PageLSN, pg)
		if err != nil {
			return err
		}
		scratch := zeroedTrailerCopy(pg)
		want := aeadTag(gcm, nonce, scratch)
		if subtle.ConstantTimeCompare(stored, want) != 1 {
			if opts.AEADStrict {
				return ErrIntegrityFailure
			}
			if opts.PageLSN < opts.AEADSinceLSN {
				fallback := opts
				fallback.Kind = ChecksumCRC32C
				return VerifyTrailer(pg, fallback)
			}
			return ErrIntegrityFailure
		}
		return nil
	default:
		return fmt.Errorf("page: unknown checksum kind %d: %w", opts.Kind, ErrInvalidFormat)
	}
}

func zeroedTrailerCopy(pg []byte) []byte {
	scratch := append([]byte(nil), pg...)
	clear := scratch[len(scratch)-TrailerSize:]
	for i := range clear {
		clear[i] = 0
	}
	return scratch
}

// aeadAAD builds the fixed 24-byte associated data for the page AEAD
// trailer: the "P2AEAD01" magic concatenated with the page's 16-byte
// common header. The page content itself is authenticated as the GCM
// plaintext, not the AAD.
func aeadAAD(pgWithZeroedTrailer []byte) []byte {
	aad := make([]byte, 0, len(aeadAADPrefix)+16)
	aad = append(aad, aeadAADPrefix...)
	aad = append(aad, pgWithZeroedTrailer[0:16]...)
	return aad
}

// aeadTag computes the 16-byte GCM tag for a zeroed-trailer page: the
// whole page is the plaintext, aeadAAD(pg) is the associated data, and
// the resulting ciphertext is discarded — only the trailing tag is
// kept, since the trailer carries no confidentiality, per spec
// Non-goals.
func aeadTag(gcm cipher.AEAD, nonce []byte, pgWithZeroedTrailer []byte) []byte {
	sealed := gcm.Seal(nil, nonce, pgWithZeroedTrailer, aeadAAD(pgWithZeroedTrailer))
	return sealed[len(sealed)-TrailerSize:]
}

// aeadCipher derives a per-page GCM instance and nonce. The nonce is
// built from the page's id and LSN rather than stored: every commit
// stamps a strictly increasing LSN into a page, so (page_id, page_lsn)
// never repeats for a given key and the standard GCM nonce-uniqueness
// requirement holds without needing to spend trailer bytes on it.
func aeadCipher(key []byte, pageLSN uint64, pg []byte) (cipher.AEAD, []byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("page: AEAD key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("page: AEAD cipher: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	binary.LittleEndian.PutUint64(nonce[0:8], pageLSN)
	if len(nonce) > 8 {
		copy(nonce[8:], pg[8:16])
	}
	return gcm, nonce, nil
}
