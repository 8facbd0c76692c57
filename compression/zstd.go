package compression

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstdCompressor implements Codec Zstd using a pooled encoder/decoder pair
// so overflow chunk compression doesn't pay encoder setup cost on every
// chunk of a large value.
type zstdCompressor struct {
	minReductionPercent uint8

	encoderPool sync.Pool
	decoderPool sync.Pool
}

func newZstdCompressor(minReductionPercent uint8) Compressor {
	c := &zstdCompressor{minReductionPercent: minReductionPercent}

	c.encoderPool = sync.Pool{
		New: func() any {
			enc, err := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(zstd.SpeedDefault),
				zstd.WithLowerEncoderMem(true),
				zstd.WithWindowSize(1<<20),
			)
			if err != nil {
				panic(fmt.Sprintf("compression: failed to create zstd encoder: %v", err))
			}
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() any {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				panic(fmt.Sprintf("compression: failed to create zstd decoder: %v", err))
			}
			return dec
		},
	}

	return c
}

func (c *zstdCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	enc := c.encoderPool.Get().(*zstd.Encoder)
	defer c.encoderPool.Put(enc)

	compressed := enc.EncodeAll(src, dst[:0])

	if c.minReductionPercent > 0 && len(src) > 0 {
		reduction := (len(src) - len(compressed)) * 100 / len(src)
		if reduction < int(c.minReductionPercent) {
			return append(dst[:0], src...), false, nil
		}
	}

	return compressed, true, nil
}

func (c *zstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	dec := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(dec)

	decompressed, err := dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("compression: zstd decompress: %w", err)
	}
	return decompressed, nil
}

func (c *zstdCompressor) Codec() Codec { return Zstd }
