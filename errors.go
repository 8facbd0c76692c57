package quiverdb

import "errors"

// Error definitions for the database. Standard Go practice - define
// all sentinel errors in one place so they're easy to find. Callers
// should compare with errors.Is, since wrapped errors from I/O and
// decode paths carry one of these as their chain's root cause.
var (
	// ErrNotFound names the "key absent, tombstoned or expired" outcome.
	// No path in this package returns it: Get reports that case as
	// found=false with a nil error.
	ErrNotFound = errors.New("quiverdb: key not found")

	// ErrDBClosed is returned when operating on a closed database.
	ErrDBClosed = errors.New("quiverdb: database is closed")

	// ErrDBAlreadyOpen names the "writer lock held by another process"
	// outcome. No path in this package returns it: Open reports a held
	// lock as ErrLockContention.
	ErrDBAlreadyOpen = errors.New("quiverdb: database is already open by another process")

	// ErrReadOnly is returned when attempting to write to a database
	// opened with Options.ReadOnly.
	ErrReadOnly = errors.New("quiverdb: database is read-only")

	// ErrLockContention is returned when the exclusive writer lock, or
	// a reader's shared lock, cannot be acquired.
	ErrLockContention = errors.New("quiverdb: lock contention")

	// ErrChecksumMismatch mirrors page.ErrChecksumMismatch at the
	// engine boundary.
	ErrChecksumMismatch = errors.New("quiverdb: checksum mismatch")

	// ErrIntegrityFailure mirrors page.ErrIntegrityFailure at the
	// engine boundary (AEAD authentication failed).
	ErrIntegrityFailure = errors.New("quiverdb: integrity check failed")

	// ErrCorruptWAL names a WAL record whose header or payload fails its
	// CRC32C check mid-stream. No path in this package returns it: the
	// WAL reader reports that case as wal.ErrCorrupt.
	ErrCorruptWAL = errors.New("quiverdb: corrupt WAL record")

	// ErrPartialTail names a WAL stream that ends mid-record. No path in
	// this package returns it: the WAL reader and CDC apply report that
	// case as wal.ErrPartialTail.
	ErrPartialTail = errors.New("quiverdb: partial WAL tail")

	// ErrInvalidFormat mirrors page.ErrInvalidFormat at the engine
	// boundary (bad magic, unknown version, violated structural
	// invariant).
	ErrInvalidFormat = errors.New("quiverdb: invalid on-disk format")

	// ErrOutOfAllocation is returned when a read addresses a page id
	// at or beyond next_page_id.
	ErrOutOfAllocation = errors.New("quiverdb: page id beyond current allocation")

	// ErrSnapshotMissing is returned when a snapshot id does not name an
	// open snapshot (SnapshotGet on an unknown or already-ended id).
	ErrSnapshotMissing = errors.New("quiverdb: snapshot no longer available")

	// ErrProtocolViolation names a malformed or out-of-sequence CDC
	// stream. No path in this package returns it: CDC apply reports
	// those cases with the cdc package's own errors.
	ErrProtocolViolation = errors.New("quiverdb: CDC protocol violation")

	// ErrKeyTooLarge is returned when a key exceeds the u16 length
	// field in a KV record header.
	ErrKeyTooLarge = errors.New("quiverdb: key exceeds maximum length")

	// ErrTooManyOpenFiles names an exhausted file-descriptor budget. No
	// path in this package returns it: segment files are kept open
	// without a limit.
	ErrTooManyOpenFiles = errors.New("quiverdb: too many open files")

	// Configuration validation errors, one per Options field group.
	ErrInvalidPath              = errors.New("quiverdb: invalid database path")
	ErrInvalidPageSize          = errors.New("quiverdb: invalid page size")
	ErrInvalidBuckets           = errors.New("quiverdb: invalid bucket count")
	ErrInvalidHashKind          = errors.New("quiverdb: invalid hash kind")
	ErrInvalidChecksumKind      = errors.New("quiverdb: invalid checksum kind")
	ErrInvalidCodecDefault      = errors.New("quiverdb: invalid default codec")
	ErrInvalidOverflowThreshold = errors.New("quiverdb: invalid overflow threshold")
	ErrInvalidWALCoalesceWindow = errors.New("quiverdb: invalid WAL coalesce window")
	ErrInvalidPageCacheEntries  = errors.New("quiverdb: invalid page cache entry count")
	ErrInvalidAEADKey           = errors.New("quiverdb: invalid AEAD key")
)
