package quiverdb

import (
	"path/filepath"
	"testing"
)

func testOptions(t *testing.T) *Options {
	t.Helper()
	opts := DefaultOptions()
	opts.Path = filepath.Join(t.TempDir(), "db")
	opts.Buckets = 8
	opts.CreateIfMissing = true
	opts.Logger = DebugLogger()
	return opts
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testOptions(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t)

	if err := db.Put([]byte("a"), []byte("1"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := db.Get([]byte("a"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Get after Put = %q, %v, %v", v, ok, err)
	}

	if err := db.Put([]byte("a"), []byte("2"), 0); err != nil {
		t.Fatalf("overwrite Put: %v", err)
	}
	v, ok, err = db.Get([]byte("a"))
	if err != nil || !ok || string(v) != "2" {
		t.Fatalf("Get after overwrite = %q, %v, %v", v, ok, err)
	}

	if err := db.Delete([]byte("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err = db.Get([]byte("a"))
	if err != nil || ok {
		t.Fatalf("Get after Delete: found=%v err=%v", ok, err)
	}

	exists, err := db.Exists([]byte("a"))
	if err != nil || exists {
		t.Fatalf("Exists after Delete: %v %v", exists, err)
	}
}

func TestGetMissingKey(t *testing.T) {
	db := openTestDB(t)
	_, ok, err := db.Get([]byte("nope"))
	if err != nil || ok {
		t.Fatalf("Get missing key: found=%v err=%v", ok, err)
	}
}

func TestOverflowValueRoundTrip(t *testing.T) {
	db := openTestDB(t)

	big := make([]byte, db.opts.OverflowThresholdBytes*3+17)
	for i := range big {
		big[i] = byte(i)
	}
	if err := db.Put([]byte("big"), big, 0); err != nil {
		t.Fatalf("Put overflow value: %v", err)
	}
	got, ok, err := db.Get([]byte("big"))
	if err != nil || !ok {
		t.Fatalf("Get overflow value: found=%v err=%v", ok, err)
	}
	if len(got) != len(big) {
		t.Fatalf("overflow value length = %d, want %d", len(got), len(big))
	}
	for i := range got {
		if got[i] != big[i] {
			t.Fatalf("overflow value mismatch at byte %d", i)
		}
	}
}

func TestExpiredRecordNotFound(t *testing.T) {
	db := openTestDB(t)
	if err := db.Put([]byte("k"), []byte("v"), 1); err != nil { // epoch second 1: already expired
		t.Fatalf("Put: %v", err)
	}
	_, ok, err := db.Get([]byte("k"))
	if err != nil || ok {
		t.Fatalf("Get expired key: found=%v err=%v", ok, err)
	}
}

func TestScanDedupesAcrossChain(t *testing.T) {
	db := openTestDB(t)

	want := map[string]string{}
	for i := 0; i < 50; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		val := []byte{byte(i + 1)}
		if err := db.Put(key, val, 0); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
		want[string(key)] = string(val)
	}
	// Overwrite half the keys so the chain carries stale duplicates that
	// Scan must not surface.
	for i := 0; i < 25; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		val := []byte{byte(i + 100)}
		if err := db.Put(key, val, 0); err != nil {
			t.Fatalf("overwrite Put %d: %v", i, err)
		}
		want[string(key)] = string(val)
	}

	got := map[string]string{}
	if err := db.Scan(func(k, v []byte) bool {
		got[string(k)] = string(v)
		return true
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("Scan returned %d keys, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("Scan[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestScanStopsEarly(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 20; i++ {
		if err := db.Put([]byte{byte(i)}, []byte{byte(i)}, 0); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	count := 0
	if err := db.Scan(func(k, v []byte) bool {
		count++
		return count < 3
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if count != 3 {
		t.Fatalf("Scan visited %d records after early stop, want 3", count)
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	roOpts := opts.Clone()
	roOpts.ReadOnly = true
	roOpts.CreateIfMissing = false
	ro, err := Open(roOpts)
	if err != nil {
		t.Fatalf("Open read-only: %v", err)
	}
	defer ro.Close()

	if err := ro.Put([]byte("k2"), []byte("v2"), 0); err != ErrReadOnly {
		t.Fatalf("Put on read-only db = %v, want ErrReadOnly", err)
	}
	v, ok, err := ro.Get([]byte("k"))
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get on read-only db = %q, %v, %v", v, ok, err)
	}
}

func TestReopenPersistsData(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 30; i++ {
		if err := db.Put([]byte{byte(i)}, []byte{byte(i), byte(i)}, 0); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	nextBefore := db.pager.NextPageID()
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(opts.Clone())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	// Regression guard for the NextPageID persistence bug: a clean
	// shutdown must preserve the allocation high-water mark exactly.
	if got := reopened.pager.NextPageID(); got != nextBefore {
		t.Fatalf("NextPageID after reopen = %d, want %d", got, nextBefore)
	}

	for i := 0; i < 30; i++ {
		v, ok, err := reopened.Get([]byte{byte(i)})
		if err != nil || !ok || len(v) != 2 || v[0] != byte(i) {
			t.Fatalf("Get %d after reopen: %q %v %v", i, v, ok, err)
		}
	}
}

func TestReopenAfterCleanCloseDoesNotReissuePageIDs(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Put([]byte("k1"), []byte("v1"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(opts.Clone())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := db2.Put([]byte("k2"), []byte("v2"), 0); err != nil {
		t.Fatalf("Put after reopen: %v", err)
	}
	if err := db2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db3, err := Open(opts.Clone())
	if err != nil {
		t.Fatalf("second reopen: %v", err)
	}
	defer db3.Close()

	v1, ok, err := db3.Get([]byte("k1"))
	if err != nil || !ok || string(v1) != "v1" {
		t.Fatalf("k1 after two reopens: %q %v %v", v1, ok, err)
	}
	v2, ok, err := db3.Get([]byte("k2"))
	if err != nil || !ok || string(v2) != "v2" {
		t.Fatalf("k2 after two reopens: %q %v %v", v2, ok, err)
	}
}
