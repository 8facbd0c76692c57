package snapstore

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestWriteReadManifestRoundTrip(t *testing.T) {
	m := Manifest{
		SnapshotID:  "snap-00000000000000000100-1",
		SnapshotLSN: 100,
		Heads:       []uint64{3, 7, 0, 11},
		PageHashes:  map[uint64]uint64{3: 0xAA, 7: 0xBB},
		Meta: ManifestMeta{
			PageSize:   4096,
			Buckets:    4,
			HashKind:   1,
			CodecID:    1,
			ChecksumID: 0,
		},
	}

	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := WriteManifest(path, m); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	got, err := ReadManifest(path)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Fatalf("ReadManifest = %+v, want %+v", got, m)
	}
}

func TestReadManifestMissingFile(t *testing.T) {
	_, err := ReadManifest(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil {
		t.Fatalf("ReadManifest of a missing file = nil error, want error")
	}
}
