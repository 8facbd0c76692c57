package snapstore

import (
	"encoding/json"
	"fmt"
	"os"
)

// Manifest persists one snapshot's identity, its directory head array
// as of the snapshot, and (when dedup is active) the page id to
// content hash map recorded in its sidecar hashindex, plus a small
// meta summary (spec §4.5: "Manifests persist (snapshot_id -> {heads,
// (page_id -> hash) map, meta summary})").
type Manifest struct {
	SnapshotID  string            `json:"snapshot_id"`
	SnapshotLSN uint64            `json:"snapshot_lsn"`
	Heads       []uint64          `json:"heads"`
	PageHashes  map[uint64]uint64 `json:"page_hashes,omitempty"`
	Meta        ManifestMeta      `json:"meta"`
}

// ManifestMeta is a small denormalized summary of the source
// database's meta at snapshot time, useful for a Restore that hasn't
// opened the source DB.
type ManifestMeta struct {
	PageSize   uint32 `json:"page_size"`
	Buckets    uint32 `json:"buckets"`
	HashKind   uint8  `json:"hash_kind"`
	CodecID    uint16 `json:"codec_default"`
	ChecksumID uint8  `json:"checksum_kind"`
}

// WriteManifest writes m as UTF-8 JSON to path.
func WriteManifest(path string, m Manifest) error {
	buf, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("snapstore: encode manifest: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("snapstore: write manifest: %w", err)
	}
	return nil
}

// ReadManifest reads and decodes a manifest previously written by
// WriteManifest.
func ReadManifest(path string) (Manifest, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("snapstore: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(buf, &m); err != nil {
		return Manifest{}, fmt.Errorf("snapstore: decode manifest: %w", err)
	}
	return m, nil
}
