package quiverdb

import (
	"log/slog"
	"os"
	"time"

	"github.com/quiverdb/quiverdb/compression"
	"github.com/quiverdb/quiverdb/page"
)

const (
	KiB = 1024
	MiB = KiB * 1024
	GiB = MiB * 1024
)

// Default values for Options, following the engine's page-size and
// bucket-count bounds.
var (
	DefaultPageSize              = 4 * KiB
	DefaultBuckets        uint32 = 1024
	DefaultOverflowThreshold     = 1 * KiB
	DefaultPageCacheEntries      = 4096
	DefaultWALCoalesceWindow     = time.Millisecond
)

// Options holds every tunable parameter for opening and running a
// database in a single struct.
type Options struct {
	// Path is the DB root directory.
	Path string

	// PageSize is the page size in bytes; must be a power of two in
	// [MinPageSize, MaxPageSize]. Immutable after Init.
	PageSize uint32

	// Buckets is the fixed number of directory buckets chosen at init.
	// Immutable after Init.
	Buckets uint32

	// HashKind selects the key-hash function (only HashXXHash64 today).
	HashKind HashKind

	// ChecksumKind selects the page trailer format: CRC32C or AEAD.
	ChecksumKind page.ChecksumKind

	// CodecDefault is the compression codec new overflow chunks use.
	CodecDefault compression.Codec

	// OverflowThresholdBytes is the inline/overflow cutoff: a value
	// larger than this size is stored in an overflow chain instead of
	// inline in the KV record.
	OverflowThresholdBytes int

	// WALCoalesceWindow bounds how long the WAL appender waits to
	// batch concurrent commits into one fsync (spec §5 group commit).
	WALCoalesceWindow time.Duration

	// DataFsyncOnCommit additionally fsyncs touched segment files at
	// commit time, beyond the WAL fsync that already guarantees
	// durability; it only tightens the window before the page cache
	// and OS page cache agree with what's on disk.
	DataFsyncOnCommit bool

	// PageCacheEntries bounds the in-memory page cache's byte budget
	// (each page costs PageSize bytes when cached).
	PageCacheEntries int

	// CacheOverflowPages is not read by the engine: the pager caches
	// every page it reads, overflow chain pages included, whatever this
	// field is set to.
	CacheOverflowPages bool

	// ReadBeyondAllocStrict returns ErrOutOfAllocation for a page id at
	// or beyond next_page_id instead of silently returning a zero page.
	ReadBeyondAllocStrict bool

	// ZeroChecksumStrict rejects an all-zero CRC32C trailer as invalid
	// rather than treating it as "not yet computed."
	ZeroChecksumStrict bool

	// AEADStrict disables the epoch-based CRC32C fallback when an AEAD
	// trailer fails to authenticate.
	AEADStrict bool

	// AEADKey is the AES-GCM key used when ChecksumKind selects AEAD.
	AEADKey []byte

	// AEADSinceLSN is the current key epoch's since_lsn (spec §4.1): a
	// page whose page_lsn is strictly below it may fall back to a
	// CRC32C check when AEAD verification fails and AEADStrict is
	// false. Zero disables the fallback (every page is AEAD-only).
	AEADSinceLSN uint64

	// CDCSeqStrict is not read by the engine: DB.ApplyCDC takes its
	// LSN-order check from the SeqStrict field of the cdc.Options its
	// caller passes.
	CDCSeqStrict bool

	// CDCHeadsStrict is not read by the engine: DB.ApplyCDC takes its
	// out-of-range bucket check from cdc.Options.HeadsStrict.
	CDCHeadsStrict bool

	// CDCRequireHello is not read by the engine: DB.ApplyCDC takes its
	// HELLO requirement from cdc.Options.RequireHello.
	CDCRequireHello bool

	// SnapPersist keeps a snapshot's sidecar directory on disk after
	// EndSnapshot; when false, EndSnapshot removes it. Freeze frames are
	// written to the sidecar either way, and open snapshots are not
	// reloaded when a database is reopened.
	SnapPersist bool

	// SnapDedup routes freeze frames through the content-addressed
	// SnapStore instead of the plain freeze sidecar.
	SnapDedup bool

	// SnapstoreDir overrides the SnapStore location; defaults to
	// Path/snapstore.
	SnapstoreDir string

	// CreateIfMissing creates the DB root and meta/directory/free-list
	// files if they don't already exist.
	CreateIfMissing bool

	// ReadOnly opens the database with a shared lock and refuses all
	// mutating operations.
	ReadOnly bool

	// Logger is carried with the options; DefaultOptions sets a text
	// handler on stderr at LevelWarn. No engine code writes to it.
	Logger *slog.Logger
}

// DefaultOptions returns sensible defaults for every field.
func DefaultOptions() *Options {
	return &Options{
		PageSize:                uint32(DefaultPageSize),
		Buckets:                 DefaultBuckets,
		HashKind:                HashXXHash64,
		ChecksumKind:            page.ChecksumCRC32C,
		CodecDefault:            compression.Zstd,
		OverflowThresholdBytes:  DefaultOverflowThreshold,
		WALCoalesceWindow:       DefaultWALCoalesceWindow,
		DataFsyncOnCommit:       false,
		PageCacheEntries:        DefaultPageCacheEntries,
		CacheOverflowPages:      false,
		ReadBeyondAllocStrict:   true,
		ZeroChecksumStrict:      false,
		AEADStrict:              false,
		CDCSeqStrict:            true,
		CDCHeadsStrict:          true,
		CDCRequireHello:         false,
		SnapPersist:             false,
		SnapDedup:               false,
		CreateIfMissing:         true,
		ReadOnly:                false,
		Logger:                  DefaultLogger(),
	}
}

// Validate checks the options for internal consistency, catching
// configuration mistakes before Open touches the filesystem.
func (o *Options) Validate() error {
	if o.Path == "" {
		return ErrInvalidPath
	}
	if o.PageSize < page.MinPageSize || o.PageSize > page.MaxPageSize || o.PageSize&(o.PageSize-1) != 0 {
		return ErrInvalidPageSize
	}
	if o.Buckets == 0 {
		return ErrInvalidBuckets
	}
	if o.HashKind != HashXXHash64 {
		return ErrInvalidHashKind
	}
	if o.ChecksumKind != page.ChecksumCRC32C && o.ChecksumKind != page.ChecksumAEAD {
		return ErrInvalidChecksumKind
	}
	if o.ChecksumKind == page.ChecksumAEAD && len(o.AEADKey) != 16 && len(o.AEADKey) != 24 && len(o.AEADKey) != 32 {
		return ErrInvalidAEADKey
	}
	if o.CodecDefault != compression.None && o.CodecDefault != compression.Zstd {
		return ErrInvalidCodecDefault
	}
	if o.OverflowThresholdBytes <= 0 || o.OverflowThresholdBytes >= int(o.PageSize) {
		return ErrInvalidOverflowThreshold
	}
	if o.WALCoalesceWindow < 0 {
		return ErrInvalidWALCoalesceWindow
	}
	if o.PageCacheEntries < 0 {
		return ErrInvalidPageCacheEntries
	}
	return nil
}

// Clone creates a shallow copy of the options (AEADKey and Logger are
// shared, everything else is by value).
func (o *Options) Clone() *Options {
	if o == nil {
		return DefaultOptions()
	}
	clone := *o
	return &clone
}

func getLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// DefaultLogger returns the default warn-level text logger.
func DefaultLogger() *slog.Logger {
	return getLogger(slog.LevelWarn)
}

// DebugLogger returns a debug-level text logger, handy for tests.
func DebugLogger() *slog.Logger {
	return getLogger(slog.LevelDebug)
}

// aeadSinceLSN returns the configured AEAD epoch fallback threshold.
func (o *Options) aeadSinceLSN() uint64 {
	return o.AEADSinceLSN
}
