package flatdb

import (
	"sync"
	"time"

	"github.com/brl-bcm/flatdb/internal/flatdblog"
	"github.com/brl-bcm/flatdb/internal/flatdbmetrics"
)

// cacheSaturatedMaxRetries bounds how many times ensureCached retries a
// CacheSaturated read before giving up and returning the error to its
// caller; each retry gives a concurrent reorganize a chance to free pages.
const cacheSaturatedMaxRetries = 8

// contentState tracks what a data node's in-memory view represents relative
// to the committed index.
type contentState int

const (
	contentUnmodified contentState = iota
	contentModified
	contentReorganized
	contentObsolete
)

// cacheState tracks the lifecycle of a data node's page buffer.
type cacheState int

const (
	cacheNotCached cacheState = iota
	cacheScheduledForRead
	cacheDuringRead
	cacheCached
)

// taskState tracks whether work is outstanding against a data node, and of
// what kind; concurrent read-only tasks are allowed to overlap, but an
// update task requires exclusivity.
type taskState int

const (
	taskNone taskState = iota
	taskScheduled
	taskRunningReadOnly
	taskRunningUpdate
)

// dataNode is one fixed-size page of records plus the bookkeeping needed to
// read, update, and eventually reorganize or retire it. A single mutex
// guards all three state axes together with the read-only-task count,
// since transitions on one axis often depend on the others (an update task
// must not start while reads are in flight, a reorganize must not start
// while the node is still cached for the previous commit).
type dataNode struct {
	mu sync.Mutex

	bin Bin

	pageID   uint64
	numPages uint64

	content contentState
	cache   cacheState
	task    taskState

	readers int // count of concurrent running-read-only tasks
	cond    *sync.Cond

	buf *pageBuffer
	mem *memoryManager

	// pending holds the node's new_content: the full replacement record
	// set staged by a point update while content is modified. It is never
	// written to the node's page directly; reorganizeAndSynchronize is
	// the only place that materializes it, onto a freshly allocated page.
	pending []Record

	pageCache *pageCache
	metrics   *flatdbmetrics.Metrics
	log       *flatdblog.Logger
}

func newDataNode(bin Bin, pageID, numPages uint64, pc *pageCache, m *flatdbmetrics.Metrics, lg *flatdblog.Logger) *dataNode {
	dn := &dataNode{
		bin:       bin,
		pageID:    pageID,
		numPages:  numPages,
		pageCache: pc,
		metrics:   m,
		log:       lg,
	}
	dn.cond = sync.NewCond(&dn.mu)
	return dn
}

// ensureCached blocks until the node's page buffer is loaded, triggering a
// read from storage if one is not already in flight. Per §4.4's read()
// contract, a CacheSaturated signal from the cache is retried rather than
// surfaced immediately: each retry gives the scheduler's reorganize path a
// chance to free pinned-but-stale pages before the caller gives up.
func (dn *dataNode) ensureCached() error {
	dn.mu.Lock()
	for dn.cache == cacheScheduledForRead || dn.cache == cacheDuringRead {
		dn.cond.Wait()
	}
	if dn.cache == cacheCached {
		dn.mu.Unlock()
		return nil
	}
	dn.cache = cacheDuringRead
	dn.mu.Unlock()

	var buf *pageBuffer
	var err error
	for attempt := 0; attempt < cacheSaturatedMaxRetries; attempt++ {
		buf, err = dn.pageCache.lockFromStorage(dn.pageID, dn.numPages)
		if err == nil || !IsKind(err, KindCacheSaturated) {
			break
		}
		if dn.metrics != nil {
			dn.metrics.CacheSaturatedRetries.Inc()
		}
		time.Sleep(time.Millisecond)
	}

	dn.mu.Lock()
	defer dn.mu.Unlock()
	if err != nil {
		dn.cache = cacheNotCached
		dn.cond.Broadcast()
		return err
	}
	dn.buf = buf
	dn.cache = cacheCached
	dn.cond.Broadcast()
	return nil
}

// beginRead registers a concurrent read-only task against the node. Reads
// never block each other or the cache load they might race with.
func (dn *dataNode) beginRead() {
	dn.mu.Lock()
	dn.readers++
	dn.task = taskRunningReadOnly
	dn.mu.Unlock()
}

func (dn *dataNode) endRead() {
	dn.mu.Lock()
	dn.readers--
	if dn.readers == 0 {
		dn.task = taskNone
	}
	dn.mu.Unlock()
}

// decodeAll parses every record currently stored in the node's page.
func (dn *dataNode) decodeAll(createFn CreateRecordFunc, keySize int) ([]Record, error) {
	if err := dn.ensureCached(); err != nil {
		return nil, err
	}
	dn.mu.Lock()
	data := dn.buf.Data
	count := dn.bin.RecordCount
	byteCount := dn.bin.ByteCount
	dn.mu.Unlock()

	records := make([]Record, 0, count)
	off := 0
	for i := uint32(0); i < count; i++ {
		size, n, ok := decodeVarint(data[off:])
		if !ok {
			return nil, newErr(KindCorrupt, "truncated record size prefix", nil)
		}
		off += n
		if off+int(size) > len(data) {
			return nil, newErr(KindCorrupt, "record payload exceeds page bounds", nil)
		}
		payload := data[off : off+int(size)]
		off += int(size)

		key, kn, ok := decodeVarint(payload)
		if !ok {
			return nil, newErr(KindCorrupt, "truncated record key", nil)
		}
		rec, err := createFn(key, payload[kn:])
		if err != nil {
			return nil, newErr(KindCorrupt, "decode record", err)
		}
		records = append(records, rec)
	}
	if off != int(byteCount) {
		return nil, newErr(KindCorrupt, "decoded byte count does not match bin", nil)
	}
	return records, nil
}

// encodeRecord serializes one record as <size><key><payload>, matching the
// layout decodeAll expects.
func encodeRecord(rec Record) []byte {
	payload := rec.Encode()
	key := rec.Key()
	body := encodeVarint(nil, key)
	body = append(body, payload...)
	out := encodeVarint(nil, uint64(len(body)))
	out = append(out, body...)
	return out
}

// applyUpdate stages a full replacement record set (already merged with any
// untouched originals) as the node's new_content. Per §4.4 a data node's
// page is immutable on disk: this never touches the cached page buffer or
// writes to storage, it only records what the next reorganize pass should
// materialize onto a fresh page. Each record's encoding is also copied into
// mem, the node's bump allocator, but pending holds the records exactly as
// passed in: the staged content is not backed by those copies and shares
// whatever buffers the visitor handed back.
func (dn *dataNode) applyUpdate(records []Record, mem *memoryManager) Bin {
	newBin := Bin{}
	for _, rec := range records {
		enc := encodeRecord(rec)
		scratch := mem.alloc(len(enc))
		copy(scratch, enc)
		newBin.extend(rec.Key(), len(enc))
	}

	dn.mu.Lock()
	defer dn.mu.Unlock()
	dn.pending = records
	dn.mem = mem
	dn.content = contentModified
	dn.bin = newBin
	return newBin
}

// markObsolete flags the node as superseded, so any task that races a
// reorganize skips it instead of operating on stale content.
func (dn *dataNode) markObsolete() {
	dn.mu.Lock()
	dn.content = contentObsolete
	dn.mu.Unlock()
}

// snapshotContent returns the node's current content state.
func (dn *dataNode) snapshotContent() contentState {
	dn.mu.Lock()
	defer dn.mu.Unlock()
	return dn.content
}

// snapshotPending returns the node's staged new_content, or nil if the node
// has not been modified since it was last committed.
func (dn *dataNode) snapshotPending() []Record {
	dn.mu.Lock()
	defer dn.mu.Unlock()
	return dn.pending
}

// releaseToCache unpins the node's page buffer, making it eligible for
// eviction, and frees any update-time scratch memory.
func (dn *dataNode) releaseToCache() {
	dn.mu.Lock()
	buf := dn.buf
	mem := dn.mem
	dn.buf = nil
	dn.mem = nil
	dn.pending = nil
	dn.cache = cacheNotCached
	dn.mu.Unlock()

	if buf != nil {
		dn.pageCache.unlock(buf)
	}
	if mem != nil {
		mem.reset()
	}
}

func (dn *dataNode) snapshotBin() Bin {
	dn.mu.Lock()
	defer dn.mu.Unlock()
	return dn.bin
}
