package flatdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.flatdb")
	e, err := Open(Options{
		Path:         path,
		KeySize:      8,
		DataPageSize: 4096,
		IndexPages:   1,
		CacheMB:      1,
		CPUThreads:   2,
		IOThreads:    2,
		CreateRecord: testCreateRecord,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestOpenEmptyStoreIsNewlyCreated(t *testing.T) {
	e := openTestEngine(t)
	if !e.IsNewlyCreated() {
		t.Fatal("fresh store should report IsNewlyCreated")
	}
	if e.RecordCount() != 0 {
		t.Fatalf("RecordCount = %d, want 0", e.RecordCount())
	}
}

func TestWriteThenReadPoints(t *testing.T) {
	e := openTestEngine(t)

	keys := []uint64{5, 1, 3}
	err := e.WritePoints(keys, func(found []Record, requested []uint64) ([]Record, bool) {
		var out []Record
		for _, k := range requested {
			out = append(out, newTestRecord(k, 8))
		}
		return out, true
	}, 0)
	if err != nil {
		t.Fatalf("WritePoints: %v", err)
	}

	var gotKeys []uint64
	err = e.ReadPoints(keys, func(found []Record, requested []uint64) {
		for _, r := range found {
			gotKeys = append(gotKeys, r.Key())
		}
	}, 0)
	if err != nil {
		t.Fatalf("ReadPoints: %v", err)
	}
	if len(gotKeys) != len(keys) {
		t.Fatalf("got %d records, want %d", len(gotKeys), len(keys))
	}
}

func TestReadRangeOrdersAscending(t *testing.T) {
	e := openTestEngine(t)

	keys := []uint64{40, 10, 30, 20}
	if err := e.WritePoints(keys, func(found []Record, requested []uint64) ([]Record, bool) {
		var out []Record
		for _, k := range requested {
			out = append(out, newTestRecord(k, 8))
		}
		return out, true
	}, 0); err != nil {
		t.Fatalf("WritePoints: %v", err)
	}

	var seen []uint64
	err := e.ReadRange(0, 100, func(records []Record, done bool) bool {
		for _, r := range records {
			seen = append(seen, r.Key())
		}
		return false
	}, 0)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("range read out of order: %v", seen)
		}
	}
}

// updateAllVisitor replaces every requested key's record with a fresh one,
// used by tests that only care about getting keys onto disk.
func updateAllVisitor(found []Record, requested []uint64) ([]Record, bool) {
	out := make([]Record, len(requested))
	for i, k := range requested {
		out[i] = newTestRecord(k, 8)
	}
	return out, true
}

func collectRange(t *testing.T, e *Engine, lastKey uint64) []uint64 {
	t.Helper()
	var seen []uint64
	err := e.ReadRange(0, lastKey, func(records []Record, done bool) bool {
		for _, r := range records {
			seen = append(seen, r.Key())
		}
		return false
	}, 0)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	return seen
}

// TestReopenPreservesRecordsAndLargestKey covers §4.8 Bootstrap: a reopened
// store must recover the same committed records and largest key a prior
// session left behind, not just an empty shell.
func TestReopenPreservesRecordsAndLargestKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.flatdb")
	opts := Options{
		Path:         path,
		KeySize:      8,
		DataPageSize: 4096,
		IndexPages:   1,
		CacheMB:      1,
		CreateRecord: testCreateRecord,
	}

	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	keys := []uint64{7, 2, 9, 4}
	if err := e.WritePoints(keys, updateAllVisitor, 0); err != nil {
		t.Fatalf("WritePoints: %v", err)
	}
	wantCount := e.RecordCount()
	wantLargest := e.LargestKey()
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()
	if e2.IsNewlyCreated() {
		t.Fatal("reopened store reported IsNewlyCreated")
	}
	if e2.RecordCount() != wantCount {
		t.Fatalf("RecordCount = %d, want %d", e2.RecordCount(), wantCount)
	}
	if e2.LargestKey() != wantLargest {
		t.Fatalf("LargestKey = %d, want %d", e2.LargestKey(), wantLargest)
	}

	seen := collectRange(t, e2, opts.maxKey())
	if len(seen) != len(keys) {
		t.Fatalf("got %d records after reopen, want %d", len(seen), len(keys))
	}
}

// TestWritePointsSplitsAcrossMultiplePages covers §8 Scenario B: enough
// records staged in one commit that packRecords must split them across more
// than one data page, and every record must still come back in order.
func TestWritePointsSplitsAcrossMultiplePages(t *testing.T) {
	e := openTestEngine(t)

	const n = 600
	keys := make([]uint64, n)
	for i := range keys {
		keys[i] = uint64(i + 1)
	}
	if err := e.WritePoints(keys, updateAllVisitor, 0); err != nil {
		t.Fatalf("WritePoints: %v", err)
	}

	if got := len(e.sch.committed.Entries); got < 2 {
		t.Fatalf("committed index has %d entries, want a split across >= 2 pages", got)
	}

	seen := collectRange(t, e, n+1)
	if len(seen) != n {
		t.Fatalf("got %d records, want %d", len(seen), n)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("range read out of order or duplicated at %d: %v", i, seen[i-1:i+1])
		}
	}
}

// TestReorganizeReleasesSupersededPages covers §8 Scenario C / property 5:
// a page an update supersedes must come back through the free-page map, not
// stay allocated forever.
func TestReorganizeReleasesSupersededPages(t *testing.T) {
	e := openTestEngine(t)

	oldLoc := e.sch.committed.Entries[0].Location
	if err := e.WritePoints([]uint64{1, 2, 3}, updateAllVisitor, 0); err != nil {
		t.Fatalf("WritePoints: %v", err)
	}
	newLoc := e.sch.committed.Entries[0].Location
	if newLoc.PageID == oldLoc.PageID {
		t.Fatal("expected the update to materialize onto a freshly allocated page")
	}

	l, ok := e.sch.pf.freeByStart[oldLoc.PageID]
	if !ok || l < oldLoc.NumPages {
		t.Fatalf("superseded page %d not found in free map (len %d, ok %v)", oldLoc.PageID, l, ok)
	}
}

// TestCachePressureRetriesThenFailsWithCacheSaturated covers §8 Scenario E
// and §4.2's NoRoom contract: once the cache has no unpinned, clean buffer
// to evict, a read that needs a second resident page retries
// cacheSaturatedMaxRetries times (recorded in CacheSaturatedRetries) before
// surfacing KindCacheSaturated, rather than silently running over budget.
func TestCachePressureRetriesThenFailsWithCacheSaturated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pressure.flatdb")
	opts := Options{
		Path:         path,
		KeySize:      8,
		DataPageSize: 4096,
		IndexPages:   1,
		CacheMB:      1,
		CreateRecord: testCreateRecord,
	}

	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const n = 600
	keys := make([]uint64, n)
	for i := range keys {
		keys[i] = uint64(i + 1)
	}
	if err := e.WritePoints(keys, updateAllVisitor, 0); err != nil {
		t.Fatalf("WritePoints: %v", err)
	}
	if len(e.sch.committed.Entries) < 2 {
		t.Fatal("need at least two data pages to exercise cache pressure")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen so the page cache starts empty: the pages written above are
	// not yet resident, so the first covering node's read is a genuine
	// miss that fills the (now tiny) cache, leaving the second node's read
	// nothing evictable to land on.
	e2, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()
	if len(e2.sch.committed.Entries) < 2 {
		t.Fatal("expected the multi-page split to survive reopen")
	}
	e2.sch.cache.maxPages = 1

	err = e2.ReadRange(0, uint64(n+1), func(records []Record, done bool) bool { return false }, 0)
	if err == nil {
		t.Fatal("expected KindCacheSaturated once the single-page cache fills up")
	}
	if !IsKind(err, KindCacheSaturated) {
		t.Fatalf("err = %v, want KindCacheSaturated", err)
	}
	if got := testutil.ToFloat64(e2.Metrics().CacheSaturatedRetries); got != float64(cacheSaturatedMaxRetries) {
		t.Fatalf("CacheSaturatedRetries = %v, want %d", got, cacheSaturatedMaxRetries)
	}
}

// TestReopenFallsBackToValidIndexSlotAfterCorruption covers §8 Scenario F:
// if one shadow index slot is corrupted on disk, reopening must recover the
// other, still-valid slot rather than fail outright.
func TestReopenFallsBackToValidIndexSlotAfterCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.flatdb")
	opts := Options{
		Path:         path,
		KeySize:      8,
		DataPageSize: 4096,
		IndexPages:   1,
		CacheMB:      1,
		CreateRecord: testCreateRecord,
	}

	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	keys := []uint64{1, 2, 3}
	if err := e.WritePoints(keys, updateAllVisitor, 0); err != nil {
		t.Fatalf("WritePoints: %v", err)
	}
	wantCount := e.RecordCount()
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A single commit leaves revision 0 (slot 0, the bootstrap index) stale
	// and revision 1 (slot 1) current. Flip bytes within slot 0's
	// checksummed entry table (well before the trailing CRC at offset 56
	// for a one-entry index) so it fails its own checksum on decode:
	// loadLatestIndexNode must then fall back to the still-valid slot 1.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open backing file: %v", err)
	}
	garbage := make([]byte, 8)
	if _, err := f.ReadAt(garbage, 24); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := range garbage {
		garbage[i] ^= 0xFF
	}
	if _, err := f.WriteAt(garbage, 24); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close backing file: %v", err)
	}

	e2, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen after corrupting stale slot: %v", err)
	}
	defer e2.Close()
	if e2.RecordCount() != wantCount {
		t.Fatalf("RecordCount = %d, want %d", e2.RecordCount(), wantCount)
	}
}

func TestWritePointsFailsWhenReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.flatdb")
	opts := Options{
		Path:         path,
		KeySize:      8,
		DataPageSize: 4096,
		IndexPages:   1,
		CacheMB:      1,
		CreateRecord: testCreateRecord,
	}
	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e.Close()

	opts.ReadOnly = true
	e2, err := Open(opts)
	if err != nil {
		t.Fatalf("Open read-only: %v", err)
	}
	defer e2.Close()

	err = e2.WritePoints([]uint64{1}, func(found []Record, requested []uint64) ([]Record, bool) {
		return nil, false
	}, 0)
	if !IsKind(err, KindReadOnly) {
		t.Fatalf("err = %v, want ReadOnly", err)
	}
}
