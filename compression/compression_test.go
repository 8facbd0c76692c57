package compression

import (
	"bytes"
	"strings"
	"testing"
)

func TestNoneRoundTrip(t *testing.T) {
	c, err := NewCompressor(None, 0)
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	src := []byte("overflow chunk payload")
	out, applied, err := c.Compress(nil, src)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if applied {
		t.Fatalf("none codec must never report applied")
	}
	back, err := c.Decompress(nil, out)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(back, src) {
		t.Fatalf("round trip mismatch: got %q want %q", back, src)
	}
}

func TestZstdRoundTrip(t *testing.T) {
	c, err := NewCompressor(Zstd, 0)
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	src := []byte(strings.Repeat("quiverdb overflow chunk ", 256))
	out, applied, err := c.Compress(nil, src)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !applied {
		t.Fatalf("expected compression to apply on repetitive input")
	}
	if len(out) >= len(src) {
		t.Fatalf("expected compressed output to be smaller: got %d want <%d", len(out), len(src))
	}
	back, err := c.Decompress(nil, out)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(back, src) {
		t.Fatalf("round trip mismatch")
	}
}

func TestZstdMinReductionFallback(t *testing.T) {
	c, err := NewCompressor(Zstd, 99)
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	src := []byte("tiny and incompressible-ish \x00\x01\x02")
	out, applied, err := c.Compress(nil, src)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if applied {
		t.Fatalf("expected fallback to uncompressed when reduction threshold unmet")
	}
	if !bytes.Equal(out, src) {
		t.Fatalf("fallback output must equal source")
	}
}

func TestUnknownCodec(t *testing.T) {
	if _, err := NewCompressor(Codec(7), 0); err == nil {
		t.Fatalf("expected error for unknown codec")
	}
}
