package flatdb

import (
	"os"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/brl-bcm/flatdb/internal/flatdblog"
	"github.com/brl-bcm/flatdb/internal/flatdbmetrics"
)

const (
	minGrowBytes   = 32 * 1024 * 1024
	maxGrowBytes   = 256 * 1024 * 1024
	growthFraction = 0.25
)

// pagedFile is a fixed-page-size file with free-space tracking and
// pre-allocating growth. Callers address pages by an opaque page id; the
// file never moves a page once allocated, which is what lets index nodes
// keep stable references to data-node locations across commits.
type pagedFile struct {
	mu   sync.Mutex
	f    *os.File
	path string

	pageSize   int
	totalPages uint64

	// freeByStart maps a free run's starting page id to its length in
	// pages. freeByLength is the same runs indexed by length, to answer
	// "smallest run that fits N pages" without a linear scan.
	freeByStart  map[uint64]uint64
	freeByLength map[uint64]map[uint64]struct{}

	resizedSinceFlush bool

	metrics *flatdbmetrics.Metrics
	log     *flatdblog.Logger
}

// openPagedFile opens or creates path, extended if needed to hold at least
// reservedPages pages (an existing larger file is never truncated), and takes an advisory exclusive lock on it.
func openPagedFile(path string, pageSize int, reservedPages uint64, m *flatdbmetrics.Metrics, lg *flatdblog.Logger) (pf *pagedFile, newlyCreated bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, newErr(KindIoFailure, "open backing file", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, false, newErr(KindBusy, "backing file already locked", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, newErr(KindIoFailure, "stat backing file", err)
	}

	pf = &pagedFile{
		f:            f,
		path:         path,
		pageSize:     pageSize,
		freeByStart:  make(map[uint64]uint64),
		freeByLength: make(map[uint64]map[uint64]struct{}),
		metrics:      m,
		log:          lg,
	}

	newlyCreated = info.Size() == 0
	existingPages := uint64(info.Size()) / uint64(pageSize)

	if existingPages < reservedPages {
		if err := pf.growTo(reservedPages); err != nil {
			f.Close()
			return nil, false, err
		}
	} else {
		pf.totalPages = existingPages
	}

	if newlyCreated {
		pf.addFreeRun(reservedPages, pf.totalPages-reservedPages)
	}

	return pf, newlyCreated, nil
}

func (pf *pagedFile) growTo(minPages uint64) error {
	currentBytes := int64(pf.totalPages) * int64(pf.pageSize)
	needBytes := int64(minPages)*int64(pf.pageSize) - currentBytes
	if needBytes <= 0 {
		return nil
	}

	grow := int64(float64(currentBytes) * growthFraction)
	if grow < minGrowBytes {
		grow = minGrowBytes
	}
	if grow > maxGrowBytes {
		grow = maxGrowBytes
	}
	if grow < needBytes {
		grow = needBytes
	}
	// round up to a whole number of pages
	grow = ((grow + int64(pf.pageSize) - 1) / int64(pf.pageSize)) * int64(pf.pageSize)

	newSize := currentBytes + grow
	if err := unix.Fallocate(int(pf.f.Fd()), 0, currentBytes, grow); err != nil {
		if err := pf.f.Truncate(newSize); err != nil {
			return newErr(KindOutOfSpace, "extend backing file", err)
		}
	}

	addedPages := uint64(grow / int64(pf.pageSize))
	oldTotal := pf.totalPages
	pf.totalPages += addedPages
	pf.resizedSinceFlush = true
	if pf.metrics != nil {
		pf.metrics.FileGrowthBytesTotal.Add(float64(grow))
	}
	if pf.log != nil {
		pf.log.StorageLogger("grow").Debug("extended backing file").
			Uint64("old_pages", oldTotal).Uint64("new_pages", pf.totalPages).Send()
	}
	if oldTotal > 0 {
		pf.addFreeRun(oldTotal, addedPages)
	}
	return nil
}

func (pf *pagedFile) addFreeRun(start, length uint64) {
	if length == 0 {
		return
	}
	// merge with an immediately preceding run, if any
	for s, l := range pf.freeByStart {
		if s+l == start {
			pf.removeFreeRun(s, l)
			start = s
			length += l
			break
		}
	}
	// merge with an immediately following run, if any
	if l, ok := pf.freeByStart[start+length]; ok {
		pf.removeFreeRun(start+length, l)
		length += l
	}
	pf.freeByStart[start] = length
	set := pf.freeByLength[length]
	if set == nil {
		set = make(map[uint64]struct{})
		pf.freeByLength[length] = set
	}
	set[start] = struct{}{}
}

func (pf *pagedFile) removeFreeRun(start, length uint64) {
	delete(pf.freeByStart, start)
	if set := pf.freeByLength[length]; set != nil {
		delete(set, start)
		if len(set) == 0 {
			delete(pf.freeByLength, length)
		}
	}
}

// allocatePages reserves n contiguous pages, extending the file if no free
// run of sufficient length exists, and returns the starting page id.
func (pf *pagedFile) allocatePages(n uint64) (uint64, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	start, ok := pf.findFreeRun(n)
	if !ok {
		if err := pf.growTo(pf.totalPages + n); err != nil {
			return 0, err
		}
		start, ok = pf.findFreeRun(n)
		if !ok {
			return 0, newErr(KindOutOfSpace, "no free run after growth", nil)
		}
	}

	length := pf.freeByStart[start]
	pf.removeFreeRun(start, length)
	if length > n {
		pf.addFreeRun(start+n, length-n)
	}

	if pf.metrics != nil {
		pf.metrics.PageAllocationsTotal.Inc()
	}
	return start, nil
}

// findFreeRun returns the start of the smallest free run that holds at
// least n pages, best-fit to keep fragmentation low.
func (pf *pagedFile) findFreeRun(n uint64) (uint64, bool) {
	lengths := make([]uint64, 0, len(pf.freeByLength))
	for l := range pf.freeByLength {
		if l >= n {
			lengths = append(lengths, l)
		}
	}
	if len(lengths) == 0 {
		return 0, false
	}
	sort.Slice(lengths, func(i, j int) bool { return lengths[i] < lengths[j] })
	best := lengths[0]
	for start := range pf.freeByLength[best] {
		return start, true
	}
	return 0, false
}

// releasePages returns a previously allocated run to the free list.
func (pf *pagedFile) releasePages(start, n uint64) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.addFreeRun(start, n)
	if pf.metrics != nil {
		pf.metrics.PageReleasesTotal.Inc()
	}
}

// rebuildFreeSpace reconstructs the free-page map on reopen from a loaded
// index node's entries: every page covered by reservedPages or by an entry's
// location is in use, and every other page above that is free. Called once,
// before any allocation has happened against this file, so it starts from a
// clean map rather than reconciling against stale free runs.
func (pf *pagedFile) rebuildFreeSpace(reservedPages uint64, locations []nodeLocation) {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	pf.freeByStart = make(map[uint64]uint64)
	pf.freeByLength = make(map[uint64]map[uint64]struct{})

	type span struct{ start, end uint64 } // end is exclusive
	used := make([]span, 0, len(locations)+1)
	used = append(used, span{0, reservedPages})
	for _, loc := range locations {
		if loc.NumPages == 0 {
			continue
		}
		used = append(used, span{loc.PageID, loc.PageID + loc.NumPages})
	}
	sort.Slice(used, func(i, j int) bool { return used[i].start < used[j].start })

	var cursor uint64
	for _, u := range used {
		if u.start > cursor {
			pf.addFreeRun(cursor, u.start-cursor)
		}
		if u.end > cursor {
			cursor = u.end
		}
	}
	if cursor < pf.totalPages {
		pf.addFreeRun(cursor, pf.totalPages-cursor)
	}
}

// readPages reads n pages starting at start. The read happens outside any
// cache lock; callers are expected to hold a cache pin on the target
// buffer for the duration.
func (pf *pagedFile) readPages(start, n uint64) ([]byte, error) {
	buf := make([]byte, n*uint64(pf.pageSize))
	off := int64(start) * int64(pf.pageSize)
	read := 0
	for read < len(buf) {
		m, err := pf.f.ReadAt(buf[read:], off+int64(read))
		if m > 0 {
			read += m
		}
		if err != nil {
			return nil, newErr(KindIoFailure, "read pages", err)
		}
	}
	return buf, nil
}

// writePages writes data to the pages starting at start. len(data) must be
// a multiple of the page size.
func (pf *pagedFile) writePages(start uint64, data []byte) error {
	off := int64(start) * int64(pf.pageSize)
	written := 0
	for written < len(data) {
		m, err := pf.f.WriteAt(data[written:], off+int64(written))
		if m > 0 {
			written += m
		}
		if err != nil {
			return newErr(KindIoFailure, "write pages", err)
		}
	}
	return nil
}

// flush durably persists pages written so far. It fsyncs (metadata and
// data) when the file has been resized since the last flush, and
// fdatasyncs otherwise, since no new extents need describing.
func (pf *pagedFile) flush() error {
	pf.mu.Lock()
	resized := pf.resizedSinceFlush
	pf.resizedSinceFlush = false
	pf.mu.Unlock()

	kind := "data_only"
	var err error
	if resized {
		kind = "full"
		err = pf.f.Sync()
	} else {
		err = unix.Fdatasync(int(pf.f.Fd()))
	}
	if pf.metrics != nil {
		pf.metrics.RecordFlush(kind)
	}
	if err != nil {
		return newErr(KindIoFailure, "flush backing file", err)
	}
	return nil
}

func (pf *pagedFile) numberOfPages() uint64 {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.totalPages
}

func (pf *pagedFile) close() error {
	return pf.f.Close()
}
