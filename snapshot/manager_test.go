package snapshot

import (
	"bytes"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "snapshots"), nil)
}

func TestBeginEndTracksRegistry(t *testing.T) {
	m := newTestManager(t)

	snap, err := m.Begin(10, []uint64{1, 2, 3})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if got := m.Registry().MinActive(); got != 10 {
		t.Fatalf("MinActive after Begin = %d, want 10", got)
	}

	heads, err := snap.Heads()
	if err != nil {
		t.Fatalf("Heads: %v", err)
	}
	if !bytesEqualUint64(heads, []uint64{1, 2, 3}) {
		t.Fatalf("Heads = %v, want [1 2 3]", heads)
	}

	if err := m.End(snap.ID, true); err != nil {
		t.Fatalf("End: %v", err)
	}
	if got := m.Registry().MinActive(); got != NoActiveSnapshot {
		t.Fatalf("MinActive after End = %d, want NoActiveSnapshot", got)
	}
	if _, ok := m.Lookup(snap.ID); ok {
		t.Fatalf("Lookup found an ended snapshot")
	}
}

func TestFreezeIfNeededSkipsBelowMinActive(t *testing.T) {
	m := newTestManager(t)
	snap, err := m.Begin(100, []uint64{0})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer m.End(snap.ID, true)

	page := bytes.Repeat([]byte{0xAB}, 64)
	// pageLSN 200 > active snapshot LSN 100: nothing needs freezing, the
	// page postdates every open snapshot.
	if err := m.FreezeIfNeeded(7, 200, page); err != nil {
		t.Fatalf("FreezeIfNeeded: %v", err)
	}
	if snap.Sidecar.AlreadyFrozen(7) {
		t.Fatalf("page 7 was frozen despite postdating the snapshot")
	}
}

func TestFreezeIfNeededFreezesAtOrBelowSnapshot(t *testing.T) {
	m := newTestManager(t)
	snap, err := m.Begin(100, []uint64{0})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer m.End(snap.ID, true)

	page := bytes.Repeat([]byte{0xCD}, 64)
	if err := m.FreezeIfNeeded(7, 50, page); err != nil {
		t.Fatalf("FreezeIfNeeded: %v", err)
	}
	if !snap.Sidecar.AlreadyFrozen(7) {
		t.Fatalf("page 7 at pageLSN 50 <= snapshot LSN 100 should have been frozen")
	}

	resolved, err := m.ResolvePage(snap.ID, 7, bytes.Repeat([]byte{0xFF}, 64), 9999)
	if err != nil {
		t.Fatalf("ResolvePage: %v", err)
	}
	if !bytes.Equal(resolved, page) {
		t.Fatalf("ResolvePage returned the live page, want the frozen image")
	}
}

func TestResolvePageReturnsLiveWhenUnmodifiedSinceSnapshot(t *testing.T) {
	m := newTestManager(t)
	snap, err := m.Begin(100, []uint64{0})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer m.End(snap.ID, true)

	live := bytes.Repeat([]byte{0x11}, 64)
	resolved, err := m.ResolvePage(snap.ID, 3, live, 50)
	if err != nil {
		t.Fatalf("ResolvePage: %v", err)
	}
	if !bytes.Equal(resolved, live) {
		t.Fatalf("ResolvePage didn't return the live page for an untouched-since-S page")
	}
}

func bytesEqualUint64(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
