package page

import (
	"bytes"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	rec := Record{Key: []byte("hello"), Value: []byte("world"), ExpiresAt: 12345, Flags: 0}
	buf, err := AppendRecord(nil, rec)
	if err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	if len(buf) != EncodedLen(len(rec.Key), len(rec.Value)) {
		t.Fatalf("encoded len mismatch: got %d", len(buf))
	}

	got, n, err := DecodeRecord(buf)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d bytes, want %d", n, len(buf))
	}
	if !bytes.Equal(got.Key, rec.Key) || !bytes.Equal(got.Value, rec.Value) || got.ExpiresAt != rec.ExpiresAt {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, rec)
	}
}

func TestRecordTombstoneFlag(t *testing.T) {
	rec := Record{Key: []byte("k"), Flags: VFlagTombstone}
	buf, err := AppendRecord(nil, rec)
	if err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	got, _, err := DecodeRecord(buf)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if !got.Tombstone() {
		t.Fatal("expected tombstone flag to survive round trip")
	}
	if got.Overflow() {
		t.Fatal("did not expect overflow flag")
	}
}

func TestDecodeRecordShortBuffer(t *testing.T) {
	if _, _, err := DecodeRecord([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding a truncated record header")
	}
	rec := Record{Key: []byte("abc"), Value: []byte("defgh")}
	buf, _ := AppendRecord(nil, rec)
	if _, _, err := DecodeRecord(buf[:len(buf)-1]); err == nil {
		t.Fatal("expected error decoding a truncated record body")
	}
}

func TestOverflowPlaceholderRoundTrip(t *testing.T) {
	p := OverflowPlaceholder{TotalLen: 1 << 20, HeadPID: 42}
	buf := EncodeOverflowPlaceholder(p)
	if len(buf) != OverflowPlaceholderSize {
		t.Fatalf("encoded placeholder is %d bytes, want %d", len(buf), OverflowPlaceholderSize)
	}
	got, err := DecodeOverflowPlaceholder(buf)
	if err != nil {
		t.Fatalf("DecodeOverflowPlaceholder: %v", err)
	}
	if got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}
}

func TestDecodeOverflowPlaceholderRejectsBadTag(t *testing.T) {
	buf := EncodeOverflowPlaceholder(OverflowPlaceholder{TotalLen: 1, HeadPID: 2})
	buf[0] = 0xff
	if _, err := DecodeOverflowPlaceholder(buf); err == nil {
		t.Fatal("expected error for a bad placeholder tag")
	}
}

func TestFingerprintIsDeterministic(t *testing.T) {
	const h uint64 = 0x0102030405060708
	if Fingerprint(h) != Fingerprint(h) {
		t.Fatal("fingerprint must be a pure function of the hash")
	}
	if Fingerprint(h) != 0x01 {
		t.Fatalf("expected fingerprint to be the top byte, got %#x", Fingerprint(h))
	}
}
