// Package compression wraps the codecs used for overflow chunk payloads.
//
// QuiverDB's on-disk codec_id field only ever takes two values (spec §6):
// 0 for an uncompressed chunk and 1 for zstd. The package intentionally
// exposes nothing richer than that.
package compression

import "fmt"

// Codec identifies the compression applied to a single overflow chunk.
// The numeric values match the codec_id field stored in OVERFLOW page
// headers and in meta.codec_default.
type Codec uint16

const (
	// None stores the chunk payload verbatim.
	None Codec = 0

	// Zstd compresses the chunk payload with zstd.
	Zstd Codec = 1
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Compressor compresses and decompresses overflow chunk payloads.
type Compressor interface {
	// Compress appends the compressed form of src to dst[:0] and returns
	// it along with whether compression was actually applied. When the
	// reduction doesn't clear MinReductionPercent the original bytes are
	// returned unmodified and applied is false.
	Compress(dst, src []byte) (out []byte, applied bool, err error)

	// Decompress appends the decompressed form of src to dst[:0].
	Decompress(dst, src []byte) ([]byte, error)

	// Codec reports which on-disk codec this compressor implements.
	Codec() Codec
}

// NewCompressor returns the Compressor for the given codec id.
func NewCompressor(codec Codec, minReductionPercent uint8) (Compressor, error) {
	switch codec {
	case None:
		return noneCompressor{}, nil
	case Zstd:
		return newZstdCompressor(minReductionPercent), nil
	default:
		return nil, fmt.Errorf("compression: unknown codec id %d", codec)
	}
}

type noneCompressor struct{}

func (noneCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	return append(dst[:0], src...), false, nil
}

func (noneCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (noneCompressor) Codec() Codec { return None }
