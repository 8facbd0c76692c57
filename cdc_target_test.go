package quiverdb

import (
	"bytes"
	"testing"

	"github.com/quiverdb/quiverdb/cdc"
	"github.com/quiverdb/quiverdb/page"
	"github.com/quiverdb/quiverdb/wal"
)

func TestApplyCDCReplaysPageImagesAndHeads(t *testing.T) {
	source := openTestDB(t)
	if err := source.Put([]byte("a"), []byte("1"), 0); err != nil {
		t.Fatalf("Put on source: %v", err)
	}
	if err := source.Put([]byte("b"), []byte("2"), 0); err != nil {
		t.Fatalf("Put on source: %v", err)
	}

	stream := buildCDCStreamFromSource(t, source)

	follower := openTestDB(t)
	res, err := follower.ApplyCDC(bytes.NewReader(stream), cdc.Options{})
	if err != nil {
		t.Fatalf("ApplyCDC: %v", err)
	}
	if res.PagesApplied == 0 {
		t.Fatalf("ApplyCDC.PagesApplied = 0, want > 0")
	}

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}} {
		v, ok, err := follower.Get([]byte(kv[0]))
		if err != nil || !ok || string(v) != kv[1] {
			t.Fatalf("Get(%q) on follower = %q, %v, %v, want %q", kv[0], v, ok, err, kv[1])
		}
	}
}

func TestApplyCDCRejectsOnReadOnlyTarget(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
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

	_, err = ro.ApplyCDC(bytes.NewReader(nil), cdc.Options{})
	if err != ErrReadOnly {
		t.Fatalf("ApplyCDC on read-only db = %v, want ErrReadOnly", err)
	}
}

// buildCDCStreamFromSource hand-assembles a minimal WAL-framed stream
// carrying every KV page reachable from source's directory, mirroring
// what a real CDC sender would emit for a full initial sync.
func buildCDCStreamFromSource(t *testing.T, source *DB) []byte {
	t.Helper()
	w := &bytes.Buffer{}
	hdr := make([]byte, wal.GlobalHeaderSize)
	copy(hdr, wal.GlobalMagic)
	w.Write(hdr)

	lsn := uint64(1)
	heads := map[uint32]uint64{}
	var order []uint32
	for bucket := uint32(0); bucket < source.directory.Buckets(); bucket++ {
		pid := source.directory.Head(bucket)
		if pid != page.NoPage {
			heads[bucket] = pid
			order = append(order, bucket)
		}
		for pid != page.NoPage {
			buf, err := source.pager.ReadPage(pid)
			if err != nil {
				t.Fatalf("ReadPage %d: %v", pid, err)
			}
			writeCDCRecord(w, wal.RecordPageImage, lsn, pid, buf)
			lsn++
			h, err := page.Header(buf)
			if err != nil {
				t.Fatalf("header: %v", err)
			}
			pid = h.NextPageID
		}
	}
	if len(order) > 0 {
		writeCDCRecord(w, wal.RecordHeadsUpdate, lsn, 0, wal.EncodeHeadsUpdate(heads, order))
	}
	return w.Bytes()
}

func writeCDCRecord(w *bytes.Buffer, typ wal.RecordType, lsn, pageID uint64, payload []byte) {
	h := wal.RecordHeader{Type: typ, LSN: lsn, PageID: pageID, Len: uint32(len(payload))}
	h.CRC32C = wal.ChecksumRecord(h, payload)
	hdrBuf := make([]byte, wal.RecordHeaderSize)
	wal.EncodeRecordHeader(hdrBuf, h)
	w.Write(hdrBuf)
	w.Write(payload)
}
