package flatdb

import (
	"container/list"
	"sync"

	"github.com/brl-bcm/flatdb/internal/flatdbmetrics"
)

// pageBuffer is one cached run of pages. The mutex-guarded fields (pinCount,
// dirty, elem) are only ever touched while the owning cache's mutex is
// held; Data is safe to read/write without the cache lock once a caller
// holds a pin, since a pinned buffer is never evicted or reused.
type pageBuffer struct {
	pageID   uint64
	numPages uint64
	Data     []byte

	pinCount int
	dirty    bool
	elem     *list.Element // position in the cache's FIFO eviction list
}

// pageCache bounds the set of page buffers held in memory, pinning buffers
// that are in active use and evicting unpinned ones in FIFO order once the
// budget is exceeded. A single mutex guards all bookkeeping; the underlying
// file reads and writes happen outside the lock so one slow I/O does not
// stall unrelated cache lookups.
type pageCache struct {
	mu sync.Mutex

	pf       *pagedFile
	pageSize int
	maxPages uint64

	byID    map[uint64]*pageBuffer
	fifo    *list.List // of uint64 pageID, oldest-inserted at front
	metrics *flatdbmetrics.Metrics
}

func newPageCache(pf *pagedFile, pageSize int, cacheMB int, m *flatdbmetrics.Metrics) *pageCache {
	budgetBytes := uint64(cacheMB) * 1024 * 1024
	maxPages := budgetBytes / uint64(pageSize)
	if maxPages < 4 {
		maxPages = 4
	}
	return &pageCache{
		pf:       pf,
		pageSize: pageSize,
		maxPages: maxPages,
		byID:     make(map[uint64]*pageBuffer),
		fifo:     list.New(),
		metrics:  m,
	}
}

// lockFromCache returns a pinned buffer already resident in the cache, or
// ok=false on a miss.
func (c *pageCache) lockFromCache(pageID uint64) (*pageBuffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.byID[pageID]
	if !ok {
		if c.metrics != nil {
			c.metrics.CacheMissesTotal.Inc()
		}
		return nil, false
	}
	b.pinCount++
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
	return b, true
}

// wouldSaturate reports whether the cache is at budget with nothing
// unpinned and clean to evict, i.e. inserting one more buffer would have
// nowhere to land. Checked before paying for a storage read or a fresh
// page allocation that would only be thrown away.
func (c *pageCache) wouldSaturate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint64(len(c.byID)) < c.maxPages {
		return false
	}
	for _, b := range c.byID {
		if b.pinCount == 0 && !b.dirty {
			return false
		}
	}
	return true
}

// lockFromStorage reads numPages pages starting at pageID from the backing
// file, inserts them into the cache pinned, and returns the buffer. The
// read happens outside the cache mutex. Returns a KindCacheSaturated error
// without touching storage if the cache has no room and nothing evictable.
func (c *pageCache) lockFromStorage(pageID, numPages uint64) (*pageBuffer, error) {
	if b, ok := c.lockFromCache(pageID); ok {
		return b, nil
	}
	if c.wouldSaturate() {
		return nil, newErr(KindCacheSaturated, "page cache has no evictable room", nil)
	}

	data, err := c.pf.readPages(pageID, numPages)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byID[pageID]; ok {
		existing.pinCount++
		return existing, nil
	}
	b := &pageBuffer{pageID: pageID, numPages: numPages, Data: data, pinCount: 1}
	c.insertLocked(b)
	return b, nil
}

// lockEmpty allocates a fresh run of numPages pages and returns a pinned,
// zeroed, dirty buffer for the caller to populate. Returns a
// KindCacheSaturated error without allocating if the cache has no room.
func (c *pageCache) lockEmpty(numPages uint64) (*pageBuffer, error) {
	if c.wouldSaturate() {
		return nil, newErr(KindCacheSaturated, "page cache has no evictable room", nil)
	}
	pageID, err := c.pf.allocatePages(numPages)
	if err != nil {
		return nil, err
	}
	b := &pageBuffer{
		pageID:   pageID,
		numPages: numPages,
		Data:     make([]byte, numPages*uint64(c.pageSize)),
		pinCount: 1,
		dirty:    true,
	}
	c.mu.Lock()
	c.insertLocked(b)
	c.mu.Unlock()
	return b, nil
}

func (c *pageCache) insertLocked(b *pageBuffer) {
	b.elem = c.fifo.PushBack(b.pageID)
	c.byID[b.pageID] = b
	if c.metrics != nil {
		c.metrics.CachePagesInUse.Set(float64(len(c.byID)))
	}
	c.evictLocked()
}

// saveToStorage writes a dirty buffer's contents back to the backing file.
// The write happens outside the cache mutex; the buffer must be pinned by
// the caller for the duration.
func (c *pageCache) saveToStorage(b *pageBuffer) error {
	if err := c.pf.writePages(b.pageID, b.Data); err != nil {
		return err
	}
	c.mu.Lock()
	b.dirty = false
	c.mu.Unlock()
	return nil
}

// unlock releases one pin on b. Once unpinned it becomes eligible for
// eviction the next time the cache is over budget.
func (c *pageCache) unlock(b *pageBuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.pinCount > 0 {
		b.pinCount--
	}
	c.evictLocked()
}

// evictLocked reclaims unpinned, clean buffers from the front of the FIFO
// list until the cache is at or under budget, or no more can be reclaimed.
// It scans at most once around the list per call: if everything still
// resident is pinned or dirty, the cache simply runs over budget until a
// caller unlocks or flushes something, rather than spinning.
func (c *pageCache) evictLocked() {
	scanned := 0
	for uint64(len(c.byID)) > c.maxPages && scanned < c.fifo.Len() {
		elem := c.fifo.Front()
		if elem == nil {
			return
		}
		pageID := elem.Value.(uint64)
		b, ok := c.byID[pageID]
		if !ok {
			c.fifo.Remove(elem)
			continue
		}
		if b.pinCount > 0 || b.dirty {
			// can't evict what's in use or unflushed; try the next
			// candidate rather than stalling eviction entirely.
			c.fifo.MoveToBack(elem)
			scanned++
			continue
		}
		c.fifo.Remove(elem)
		delete(c.byID, pageID)
		scanned = 0
		if c.metrics != nil {
			c.metrics.CacheEvictionsTotal.Inc()
			c.metrics.CachePagesInUse.Set(float64(len(c.byID)))
		}
	}
}

func (c *pageCache) pageBudget() uint64 {
	return c.maxPages
}
