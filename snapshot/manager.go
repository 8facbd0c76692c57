package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/quiverdb/quiverdb/snapstore"
)

// ErrPageNotFrozen is returned by Manager.ResolvePage when a page's
// as-of-S image is neither the live page, nor in the snapshot's
// sidecar, nor (if dedup is on) reachable through the SnapStore
// hashindex. It indicates the snapshot bookkeeping missed a freeze.
var ErrPageNotFrozen = errors.New("snapshot: page not frozen for this snapshot")

// Snapshot is one open begin/end-bracketed snapshot handle.
type Snapshot struct {
	ID      string
	LSN     uint64
	Sidecar *Sidecar
}

// Manager owns the registry of active snapshots, their sidecars, and
// (optionally) a shared content-addressed SnapStore for dedup, for one
// database.
type Manager struct {
	baseDir string
	dedup   bool
	store   *snapstore.Store

	registry *Registry

	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	seq       atomic.Uint64
}

// NewManager creates a Manager rooted at baseDir (typically
// "<db-dir>/snapshots"). If store is non-nil, freezes are deduped
// through it instead of writing literal bytes into each snapshot's
// sidecar.
func NewManager(baseDir string, store *snapstore.Store) *Manager {
	return &Manager{
		baseDir:   baseDir,
		dedup:     store != nil,
		store:     store,
		registry:  NewRegistry(),
		snapshots: make(map[string]*Snapshot),
	}
}

// Registry exposes the active-snapshot-LSN registry so the Pager's
// write/free path can cheaply check MinActive before doing any
// snapshot bookkeeping at all.
func (m *Manager) Registry() *Registry { return m.registry }

// Begin opens a new snapshot at currentLSN, creating its sidecar
// directory and freezing a copy of the directory's current bucket-head
// array (spec §4.5: "On begin, record snapshot_lsn := current
// last_lsn; create sidecar directory"). Freezing the heads here, not
// just individual pages on first overwrite, keeps a bucket traversable
// as-of S even after a bucket's head has since moved past S (e.g. a
// compaction ran while this snapshot was still open).
func (m *Manager) Begin(currentLSN uint64, heads []uint64) (*Snapshot, error) {
	id := fmt.Sprintf("snap-%020d-%d", currentLSN, m.seq.Add(1))
	dir := filepath.Join(m.baseDir, id)
	sc, err := OpenSidecar(dir)
	if err != nil {
		return nil, err
	}
	if err := sc.WriteHeads(heads); err != nil {
		sc.Close()
		return nil, err
	}
	snap := &Snapshot{ID: id, LSN: currentLSN, Sidecar: sc}

	m.mu.Lock()
	m.snapshots[id] = snap
	m.mu.Unlock()
	m.registry.Begin(currentLSN)
	return snap, nil
}

// Heads returns the bucket-head array frozen at this snapshot's begin.
func (s *Snapshot) Heads() ([]uint64, error) {
	return s.Sidecar.ReadHeads()
}

// End closes a snapshot handle, releasing its write-path COW
// protection. When remove is true the sidecar directory is deleted
// too; callers keep it around when SnapPersist demands the sidecar
// survive as backup material.
func (m *Manager) End(id string, remove bool) error {
	m.mu.Lock()
	snap, ok := m.snapshots[id]
	if ok {
		delete(m.snapshots, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("snapshot: unknown snapshot id %q", id)
	}

	m.registry.End(snap.LSN)
	if err := snap.Sidecar.Close(); err != nil {
		return err
	}
	if remove {
		if err := os.RemoveAll(filepath.Join(m.baseDir, id)); err != nil {
			return fmt.Errorf("snapshot: remove sidecar %s: %w", id, err)
		}
	}
	return nil
}

// Lookup returns the open snapshot handle for id, if any.
func (m *Manager) Lookup(id string) (*Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[id]
	return snap, ok
}

// FreezeIfNeeded is the write-path COW hook (spec §4.5): called by the
// Pager right before it overwrites or frees a page whose current
// on-disk image is buf at pageLSN. It freezes that image into every
// snapshot it could still be visible to.
//
// The fast-path gate skips all bookkeeping unless pageLSN <=
// min(active_snapshot_lsn). Since that implies pageLSN is <= every
// active snapshot's LSN, one pass over all open snapshots is enough to
// freeze the image everywhere it's needed.
func (m *Manager) FreezeIfNeeded(pageID, pageLSN uint64, buf []byte) error {
	min := m.registry.MinActive()
	if min == NoActiveSnapshot || pageLSN > min {
		return nil
	}

	m.mu.RLock()
	snaps := make([]*Snapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		if pageLSN <= s.LSN {
			snaps = append(snaps, s)
		}
	}
	m.mu.RUnlock()

	for _, snap := range snaps {
		if snap.Sidecar.AlreadyFrozen(pageID) {
			continue
		}
		if m.dedup {
			hash, err := m.store.Put(buf)
			if err != nil {
				return fmt.Errorf("snapshot: snapstore put for page %d: %w", pageID, err)
			}
			if err := snap.Sidecar.FreezeHash(pageID, hash); err != nil {
				return err
			}
			continue
		}
		if err := snap.Sidecar.Freeze(pageID, pageLSN, buf); err != nil {
			return err
		}
	}
	return nil
}

// ResolvePage implements the as-of-LSN page selection algorithm (spec
// §4.5) for one page of snapshot id, given the page's current live
// image and its live page_lsn.
func (m *Manager) ResolvePage(id string, pageID uint64, liveBuf []byte, livePageLSN uint64) ([]byte, error) {
	snap, ok := m.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("snapshot: unknown snapshot id %q", id)
	}

	if livePageLSN <= snap.LSN {
		return liveBuf, nil
	}

	if payload, _, found, err := snap.Sidecar.Lookup(pageID); err != nil {
		return nil, err
	} else if found {
		return payload, nil
	}

	if m.dedup {
		if hash, found, err := snap.Sidecar.LookupHash(pageID); err != nil {
			return nil, err
		} else if found {
			buf, err := m.store.Get(hash)
			if err != nil {
				return nil, fmt.Errorf("snapshot: snapstore get for page %d: %w", pageID, err)
			}
			return buf, nil
		}
	}

	return nil, fmt.Errorf("%w: page %d, snapshot %s", ErrPageNotFrozen, pageID, id)
}
