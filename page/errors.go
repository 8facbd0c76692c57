package page

import "errors"

var (
	// ErrChecksumMismatch is returned when a page's CRC32C trailer digest
	// does not match the freshly computed digest.
	ErrChecksumMismatch = errors.New("page: checksum mismatch")

	// ErrIntegrityFailure is returned when a page's AEAD trailer fails to
	// authenticate.
	ErrIntegrityFailure = errors.New("page: AEAD integrity check failed")

	// ErrInvalidFormat is returned for a bad magic, an unknown version, or
	// a violated structural invariant (e.g. slot table overrunning the
	// record area).
	ErrInvalidFormat = errors.New("page: invalid format")

	// ErrPageFull is returned by Insert when a KV page has no room left
	// for another slot or record.
	ErrPageFull = errors.New("page: full")
)
