package quiverdb

import (
	"testing"

	"github.com/quiverdb/quiverdb/page"
)

func TestMetaEncodeDecodeRoundTrip(t *testing.T) {
	m := Meta{
		PageSize:      4096,
		NextPageID:    17,
		HashKind:      1,
		LastLSN:       123456,
		CleanShutdown: true,
		CodecDefault:  1,
		ChecksumKind:  page.ChecksumCRC32C,
	}
	got, err := decodeMeta(encodeMeta(m))
	if err != nil {
		t.Fatalf("decodeMeta: %v", err)
	}
	if got != m {
		t.Fatalf("decodeMeta = %+v, want %+v", got, m)
	}
}

func TestMetaDecodeRejectsBadMagic(t *testing.T) {
	buf := encodeMeta(Meta{PageSize: 4096})
	buf[0] = 'Z'
	if _, err := decodeMeta(buf); err == nil {
		t.Fatalf("decodeMeta over bad magic = nil error, want error")
	}
}

func TestMetaDecodeRejectsCorruptCRC(t *testing.T) {
	buf := encodeMeta(Meta{PageSize: 4096, NextPageID: 5})
	buf[len(buf)-5] ^= 0xFF
	if _, err := decodeMeta(buf); err == nil {
		t.Fatalf("decodeMeta over corrupted body = nil error, want error")
	}
}

func TestMetaWriteReadFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := Meta{PageSize: 8192, NextPageID: 3, LastLSN: 9, CleanShutdown: false, CodecDefault: 0, ChecksumKind: page.ChecksumAEAD}
	if err := writeMeta(dir, m); err != nil {
		t.Fatalf("writeMeta: %v", err)
	}
	got, err := readMeta(dir)
	if err != nil {
		t.Fatalf("readMeta: %v", err)
	}
	if got != m {
		t.Fatalf("readMeta = %+v, want %+v", got, m)
	}
}
