package page

import (
	"bytes"
	"testing"
)

func TestCacheBasicPutGet(t *testing.T) {
	c := NewCache(1024)

	buf := []byte("a cached page image")
	c.Put(7, buf)

	got, found := c.Get(7)
	if !found {
		t.Fatal("expected to find page 7 in cache")
	}
	if !bytes.Equal(got, buf) {
		t.Fatalf("got %q, want %q", got, buf)
	}

	if _, found := c.Get(8); found {
		t.Fatal("expected page 8 to be a miss")
	}
}

func TestCacheItemLargerThanCapacity(t *testing.T) {
	c := NewCache(16)
	c.Put(1, make([]byte, 32))
	if _, found := c.Get(1); found {
		t.Fatal("expected oversized item not to be cached")
	}
}

func TestCacheDisabled(t *testing.T) {
	c := NewCache(0)
	c.Put(1, []byte("x"))
	if _, found := c.Get(1); found {
		t.Fatal("expected disabled cache to never store anything")
	}
}

func TestCacheLRUEviction(t *testing.T) {
	const itemSize = 64
	c := NewCache(itemSize * 4)

	for i := uint64(0); i < 6; i++ {
		c.Put(i, bytes.Repeat([]byte{byte(i)}, itemSize))
	}

	// The four most recently inserted (2,3,4,5) should remain; the two
	// oldest (0,1) should have been evicted.
	for i := uint64(0); i < 2; i++ {
		if _, found := c.Get(i); found {
			t.Fatalf("expected page %d to have been evicted", i)
		}
	}
	for i := uint64(2); i < 6; i++ {
		if _, found := c.Get(i); !found {
			t.Fatalf("expected page %d to still be cached", i)
		}
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache(1024)
	c.Put(1, []byte("stale"))
	c.Invalidate(1)
	if _, found := c.Get(1); found {
		t.Fatal("expected invalidated page to be a miss")
	}
}

func TestCacheUpdateExisting(t *testing.T) {
	c := NewCache(1024)
	c.Put(1, []byte("v1"))
	c.Put(1, []byte("v2-longer"))
	got, found := c.Get(1)
	if !found || !bytes.Equal(got, []byte("v2-longer")) {
		t.Fatalf("got %q, found=%v, want v2-longer", got, found)
	}
}
