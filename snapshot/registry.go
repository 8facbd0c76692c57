// Package snapshot implements per-database snapshot bookkeeping: the
// active-snapshot-LSN registry that gates write-path copy-on-write
// freezing, the freeze-frame sidecar each open snapshot writes to, and
// an as-of-LSN page reader.
//
// Registry tracks active-reader xmin/xmax the way an epoch-based
// reclamation scheme tracks its oldest live reader, but scoped per DB
// instead of a process-wide singleton: two DB handles on different
// directories must never share this state, so Registry is a plain
// value type a *DB owns, not a package-level global.
package snapshot

import "sync"

// NoActiveSnapshot is the sentinel MinActive returns when no snapshot
// is open, meaning every page is safe to overwrite or free without
// freezing anything first.
const NoActiveSnapshot = ^uint64(0)

// Registry tracks how many open snapshot handles exist at each
// snapshot_lsn for one database.
type Registry struct {
	mu     sync.Mutex
	active map[uint64]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[uint64]int)}
}

// Begin records one more open handle at lsn.
func (r *Registry) Begin(lsn uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[lsn]++
}

// End releases one handle at lsn, dropping the entry once its count
// reaches zero.
func (r *Registry) End(lsn uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.active[lsn]
	if !ok {
		return
	}
	if n <= 1 {
		delete(r.active, lsn)
		return
	}
	r.active[lsn] = n - 1
}

// MinActive returns the smallest snapshot_lsn with at least one open
// handle, or NoActiveSnapshot if none are open (mirrors
// epoch.GetOldestActiveReadEpoch's "no active readers" sentinel).
func (r *Registry) MinActive() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	min := NoActiveSnapshot
	for lsn, n := range r.active {
		if n > 0 && lsn < min {
			min = lsn
		}
	}
	return min
}

// LSNs returns every snapshot_lsn with at least one open handle.
func (r *Registry) LSNs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, 0, len(r.active))
	for lsn := range r.active {
		out = append(out, lsn)
	}
	return out
}
