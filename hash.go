package quiverdb

import "github.com/cespare/xxhash/v2"

// HashKind identifies the hash function used to derive a key's bucket
// and slot fingerprint. Only one is defined today; the field exists on
// disk (meta.hash_kind) so a future scheme can be added without a
// format break.
type HashKind uint32

// HashXXHash64 is xxhash64(seed=0), the only hash_kind spec §6 defines.
const HashXXHash64 HashKind = 1

// KeyHash computes the 64-bit digest used for both bucket selection
// and in-page fingerprint derivation. Using one digest for both keeps
// the two numbers consistent without a second pass over the key bytes.
func KeyHash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// Bucket maps a key's hash onto one of n directory buckets.
func Bucket(keyHash uint64, n uint32) uint32 {
	return uint32(keyHash % uint64(n))
}
