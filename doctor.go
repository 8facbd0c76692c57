package quiverdb

import (
	"errors"

	"github.com/quiverdb/quiverdb/page"
)

// doctor.go implements a read-only integrity scan (SPEC_FULL.md §4.4,
// grounded on original_source/src/db/doctor.rs): walk every allocated
// page, verify its trailer, and classify it by type. It never mutates
// anything, so it's safe to run against a live writer.

// DoctorReport summarizes one Doctor scan.
type DoctorReport struct {
	PagesTotal    uint64
	OKPages       uint64
	CRCFail       uint64
	IOFail        uint64
	KVPages       uint64
	OverflowPages uint64
	OtherMagic    uint64
	NoMagic       uint64
}

// Doctor scans every page id in [0, NextPageID) and reports its
// integrity and type. A page that fails trailer verification is still
// classified, via a raw (unverified) read, so the report can tell a
// corrupt KV page apart from a corrupt OVERFLOW page.
func (db *DB) Doctor() (DoctorReport, error) {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return DoctorReport{}, ErrDBClosed
	}

	var rep DoctorReport
	rep.PagesTotal = db.pager.NextPageID()

	for id := uint64(0); id < rep.PagesTotal; id++ {
		buf, err := db.pager.ReadPage(id)
		if err == nil {
			rep.OKPages++
			classifyPage(buf, &rep)
			continue
		}

		if errors.Is(err, page.ErrChecksumMismatch) || errors.Is(err, page.ErrIntegrityFailure) {
			rep.CRCFail++
		} else {
			rep.IOFail++
		}

		raw := make([]byte, db.opts.PageSize)
		if rerr := db.pager.segments.ReadAt(id, raw); rerr == nil {
			classifyPage(raw, &rep)
		} else {
			rep.NoMagic++
		}
	}

	return rep, nil
}

func classifyPage(buf []byte, rep *DoctorReport) {
	ch, err := page.DecodeCommonHeader(buf)
	if err != nil {
		rep.NoMagic++
		return
	}
	switch ch.Type {
	case page.TypeKV:
		rep.KVPages++
	case page.TypeOverflow:
		rep.OverflowPages++
	default:
		rep.OtherMagic++
	}
}
