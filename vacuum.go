package quiverdb

// vacuum.go composes compaction with the orphan overflow sweep into
// one maintenance call (SPEC_FULL.md §4.4, grounded on
// original_source/src/db/vacuum.rs). On-disk formats are unchanged;
// this only combines two existing writer operations.

// VacuumReport summarizes a Vacuum pass, mirroring
// original_source/src/db/vacuum.rs's VacuumSummary.
type VacuumReport struct {
	Compaction         CompactionReport
	OverflowPagesFreed int
}

// Vacuum runs CompactAll followed by SweepOrphanOverflow (spec §4.4):
// compaction never unwraps overflow chains, so the sweep afterward is
// what actually reclaims the OVERFLOW pages a compacted-away tombstone
// or superseded record left behind.
func (db *DB) Vacuum() (VacuumReport, error) {
	comp, err := db.CompactAll()
	if err != nil {
		return VacuumReport{Compaction: comp}, err
	}
	freed, err := db.SweepOrphanOverflow()
	if err != nil {
		return VacuumReport{Compaction: comp}, err
	}
	return VacuumReport{Compaction: comp, OverflowPagesFreed: freed}, nil
}
