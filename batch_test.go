package quiverdb

import (
	"testing"

	"github.com/quiverdb/quiverdb/page"
)

func TestBatchCommitEmptyIsNoop(t *testing.T) {
	db := openTestDB(t)
	before := db.pager.LastLSN()

	b := newBatch(db)
	if !b.Empty() {
		t.Fatalf("fresh batch.Empty() = false, want true")
	}
	lsn, err := b.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if lsn != before {
		t.Fatalf("Commit on an empty batch returned LSN %d, want unchanged %d", lsn, before)
	}
}

func TestBatchCommitWritesPageAndHead(t *testing.T) {
	db := openTestDB(t)

	pageID := db.pager.AllocatePage()
	buf := db.pager.NewPageBuffer()
	page.InitKV(buf, pageID, page.DefaultTableSlots(uint32(len(buf))))

	b := newBatch(db)
	b.StageKVPage(pageID, buf)
	b.SetHead(0, pageID)

	lsn, err := b.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if lsn == 0 {
		t.Fatalf("Commit returned LSN 0, want a positive committed LSN")
	}
	if db.pager.LastLSN() != lsn {
		t.Fatalf("pager.LastLSN() = %d after commit, want %d", db.pager.LastLSN(), lsn)
	}
	if db.directory.Head(0) != pageID {
		t.Fatalf("directory.Head(0) = %d, want %d", db.directory.Head(0), pageID)
	}

	got, err := db.pager.ReadPage(pageID)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	h, err := page.Header(got)
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if h.PageLSN != lsn {
		t.Fatalf("committed page's page_lsn = %d, want %d", h.PageLSN, lsn)
	}
}

func TestBatchStageOverwritesSamePageOnce(t *testing.T) {
	db := openTestDB(t)

	pageID := db.pager.AllocatePage()
	first := db.pager.NewPageBuffer()
	page.InitKV(first, pageID, page.DefaultTableSlots(uint32(len(first))))
	second := db.pager.NewPageBuffer()
	page.InitKV(second, pageID, page.DefaultTableSlots(uint32(len(second))))

	b := newBatch(db)
	b.StageKVPage(pageID, first)
	b.StageKVPage(pageID, second)
	if len(b.pages) != 1 {
		t.Fatalf("staging the same page id twice produced %d pending pages, want 1", len(b.pages))
	}

	if _, err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestBatchSetHeadLastCallWins(t *testing.T) {
	db := openTestDB(t)

	b := newBatch(db)
	b.SetHead(1, 5)
	b.SetHead(1, 9)
	if len(b.headOrder) != 1 {
		t.Fatalf("headOrder length = %d, want 1 (bucket appears once)", len(b.headOrder))
	}
	if b.heads[1] != 9 {
		t.Fatalf("heads[1] = %d, want 9 (last SetHead call wins)", b.heads[1])
	}
}
