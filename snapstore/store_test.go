package snapstore

import (
	"bytes"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	data := []byte("hello, snapstore")

	hash, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if hash != Hash(data) {
		t.Fatalf("Put returned hash %x, want %x", hash, Hash(data))
	}

	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Get = %q, want %q", got, data)
	}
}

func TestPutDedupesIdenticalContent(t *testing.T) {
	s := openTestStore(t)
	data := []byte("duplicate me")

	h1, err := s.Put(data)
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	h2, err := s.Put(data)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("Put of identical content returned different hashes: %x != %x", h1, h2)
	}
}

func TestDecRefRemovesIndexEntryAtZero(t *testing.T) {
	s := openTestStore(t)
	data := []byte("refcounted")

	hash, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.DecRef(hash); err != nil {
		t.Fatalf("DecRef: %v", err)
	}
	if _, err := s.Get(hash); err == nil {
		t.Fatalf("Get after refcount reached zero = nil error, want error")
	}
}

func TestAddRefKeepsEntryAliveAcrossOneDecRef(t *testing.T) {
	s := openTestStore(t)
	data := []byte("shared")

	hash, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.AddRef(hash); err != nil {
		t.Fatalf("AddRef: %v", err)
	}
	if err := s.DecRef(hash); err != nil {
		t.Fatalf("DecRef: %v", err)
	}

	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get after one of two refs released: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Get = %q, want %q", got, data)
	}
}

func TestCompactReclaimsDereferencedFrames(t *testing.T) {
	s := openTestStore(t)
	keep := []byte("keep me")
	drop := []byte("drop me")

	keepHash, err := s.Put(keep)
	if err != nil {
		t.Fatalf("Put keep: %v", err)
	}
	dropHash, err := s.Put(drop)
	if err != nil {
		t.Fatalf("Put drop: %v", err)
	}
	if err := s.DecRef(dropHash); err != nil {
		t.Fatalf("DecRef drop: %v", err)
	}
	if err := s.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	got, err := s.Get(keepHash)
	if err != nil || !bytes.Equal(got, keep) {
		t.Fatalf("Get(keep) after Compact = %q, %v, want %q", got, err, keep)
	}
	if _, err := s.Get(dropHash); err == nil {
		t.Fatalf("Get(drop) after Compact = nil error, want error (dropped content must not survive)")
	}
}

func TestReopenPreservesIndex(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := []byte("persisted across reopen")
	hash, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(hash)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("Get after reopen = %q, %v, want %q", got, err, data)
	}
}
