package page

import "testing"

func newTestPage(size int, fill byte) []byte {
	pg := make([]byte, size)
	for i := range pg {
		pg[i] = fill
	}
	EncodeCommonHeader(pg, CommonHeader{Version: Version, Type: TypeKV, PageID: 5})
	return pg
}

func TestCRC32TrailerRoundTrip(t *testing.T) {
	pg := newTestPage(MinPageSize, 0x42)
	opts := TrailerOptions{Kind: ChecksumCRC32C}
	if err := SealTrailer(pg, opts); err != nil {
		t.Fatalf("SealTrailer: %v", err)
	}
	if err := VerifyTrailer(pg, opts); err != nil {
		t.Fatalf("VerifyTrailer: %v", err)
	}
}

func TestCRC32TrailerDetectsCorruption(t *testing.T) {
	pg := newTestPage(MinPageSize, 0x42)
	opts := TrailerOptions{Kind: ChecksumCRC32C}
	if err := SealTrailer(pg, opts); err != nil {
		t.Fatalf("SealTrailer: %v", err)
	}
	pg[100] ^= 0xff
	if err := VerifyTrailer(pg, opts); err != ErrChecksumMismatch {
		t.Fatalf("VerifyTrailer = %v, want ErrChecksumMismatch", err)
	}
}

func TestCRC32TrailerZeroStrict(t *testing.T) {
	pg := newTestPage(MinPageSize, 0x00)
	opts := TrailerOptions{Kind: ChecksumCRC32C, ZeroChecksumStrict: true}
	if err := VerifyTrailer(pg, opts); err != ErrChecksumMismatch {
		t.Fatalf("VerifyTrailer = %v, want ErrChecksumMismatch for an all-zero trailer", err)
	}
}

func TestAEADTrailerRoundTrip(t *testing.T) {
	pg := newTestPage(MinPageSize, 0x7a)
	key := bytes32()
	opts := TrailerOptions{Kind: ChecksumAEAD, AEADKey: key, PageLSN: 10}
	if err := SealTrailer(pg, opts); err != nil {
		t.Fatalf("SealTrailer: %v", err)
	}
	if err := VerifyTrailer(pg, opts); err != nil {
		t.Fatalf("VerifyTrailer: %v", err)
	}
}

func TestAEADTrailerDetectsTamper(t *testing.T) {
	pg := newTestPage(MinPageSize, 0x7a)
	key := bytes32()
	opts := TrailerOptions{Kind: ChecksumAEAD, AEADKey: key, PageLSN: 10, AEADStrict: true}
	if err := SealTrailer(pg, opts); err != nil {
		t.Fatalf("SealTrailer: %v", err)
	}
	pg[200] ^= 0xff
	if err := VerifyTrailer(pg, opts); err != ErrIntegrityFailure {
		t.Fatalf("VerifyTrailer = %v, want ErrIntegrityFailure", err)
	}
}

func TestAEADTrailerEpochFallback(t *testing.T) {
	pg := newTestPage(MinPageSize, 0x11)
	crcOpts := TrailerOptions{Kind: ChecksumCRC32C}
	if err := SealTrailer(pg, crcOpts); err != nil {
		t.Fatalf("SealTrailer (CRC32C legacy page): %v", err)
	}

	aeadOpts := TrailerOptions{
		Kind:         ChecksumAEAD,
		AEADKey:      bytes32(),
		PageLSN:      5,
		AEADSinceLSN: 100,
	}
	if err := VerifyTrailer(pg, aeadOpts); err != nil {
		t.Fatalf("VerifyTrailer should fall back to CRC32C for a pre-epoch page: %v", err)
	}
}

func TestAEADTrailerStrictRejectsEpochFallback(t *testing.T) {
	pg := newTestPage(MinPageSize, 0x11)
	if err := SealTrailer(pg, TrailerOptions{Kind: ChecksumCRC32C}); err != nil {
		t.Fatalf("SealTrailer: %v", err)
	}

	aeadOpts := TrailerOptions{
		Kind:         ChecksumAEAD,
		AEADKey:      bytes32(),
		PageLSN:      5,
		AEADSinceLSN: 100,
		AEADStrict:   true,
	}
	if err := VerifyTrailer(pg, aeadOpts); err != ErrIntegrityFailure {
		t.Fatalf("VerifyTrailer = %v, want ErrIntegrityFailure when strict disables the fallback", err)
	}
}

func bytes32() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}
