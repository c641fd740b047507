package flatdb

import (
	"sync"
	"time"

	"github.com/brl-bcm/flatdb/internal/flatdblog"
	"github.com/brl-bcm/flatdb/internal/flatdbmetrics"
)

// scheduler owns the committed index node readers see, the in-progress
// draft index node writers accumulate into, and the task managers that
// drive both. Readers take a snapshot of the committed pointer and never
// block on writers; writers mutate the draft and only become visible to
// new readers once reorganizeAndSynchronize swaps it in.
type scheduler struct {
	keySize      int
	dataPageSize int
	indexSlotPg  uint64 // pages per index-node slot
	maxKeyVal    uint64

	pf    *pagedFile
	cache *pageCache

	cpuTasks *taskManager
	ioTasks  *taskManager

	createRecord CreateRecordFunc

	committedMu sync.RWMutex
	committed   *indexNode
	committedDN map[int]*dataNode

	draftMu sync.Mutex
	draft   *indexNode
	draftDN map[int]*dataNode

	metrics *flatdbmetrics.Metrics
	log     *flatdblog.Logger
}

func openScheduler(opts *Options, m *flatdbmetrics.Metrics, lg *flatdblog.Logger) (*scheduler, bool, error) {
	indexSlotPg := uint64(opts.IndexPages)
	pf, newlyCreated, err := openPagedFile(opts.Path, opts.DataPageSize, indexSlotPg*2, m, lg)
	if err != nil {
		return nil, false, err
	}

	sch := &scheduler{
		keySize:      opts.KeySize,
		dataPageSize: opts.DataPageSize,
		indexSlotPg:  indexSlotPg,
		maxKeyVal:    opts.maxKey(),
		pf:           pf,
		cache:        newPageCache(pf, opts.DataPageSize, opts.CacheMB, m),
		cpuTasks:     newTaskManager("cpu", opts.CPUThreads, m, lg),
		ioTasks:      newTaskManager("io", opts.IOThreads, m, lg),
		createRecord: opts.CreateRecord,
		metrics:      m,
		log:          lg,
	}

	var idx *indexNode
	if newlyCreated {
		emptyPageID, err := pf.allocatePages(1)
		if err != nil {
			return nil, false, err
		}
		empty := Bin{FirstKey: 0, MaxKeyOffset: opts.maxKey(), RecordCount: 0, ByteCount: 0}
		idx = createEmptyIndexNode(opts.KeySize).withEntries([]indexEntry{
			{Bin: empty, Location: nodeLocation{PageID: emptyPageID, NumPages: 1}},
		})
		idx.Revision = 0

		buf, err := idx.encode(int(indexSlotPg) * opts.DataPageSize)
		if err != nil {
			return nil, false, err
		}
		if err := pf.writePages(0, buf); err != nil {
			return nil, false, err
		}
		if err := pf.flush(); err != nil {
			return nil, false, err
		}
	} else {
		idx, err = sch.loadLatestIndexNode()
		if err != nil {
			return nil, false, err
		}
		// §4.8 Bootstrap: walk the loaded index's entries to rebuild the
		// free-page map. Pages referenced by an entry are allocated;
		// everything else above the two reserved index slots is free.
		locs := make([]nodeLocation, len(idx.Entries))
		for i, e := range idx.Entries {
			locs[i] = e.Location
		}
		pf.rebuildFreeSpace(indexSlotPg*2, locs)
	}

	sch.committed = idx
	sch.committedDN = sch.buildDataNodes(idx)
	sch.draft = idx
	// committedDN and draftDN are independently constructed dataNode
	// instances over the same entries, never the same map: a writer
	// mutating a draft node's content/pending must not be observable
	// through the committed snapshot a concurrent reader is holding.
	sch.draftDN = sch.buildDataNodes(idx)
	if m != nil {
		m.RecordsTotal.Set(float64(idx.recordsCount()))
	}

	return sch, newlyCreated, nil
}

// loadLatestIndexNode reads both shadow slots and returns whichever decodes
// successfully with the higher revision; a slot that fails its checksum is
// assumed to be the one a crash interrupted mid-write.
func (s *scheduler) loadLatestIndexNode() (*indexNode, error) {
	slotBytes := int(s.indexSlotPg) * s.dataPageSize
	slot0, err0 := s.pf.readPages(0, s.indexSlotPg)
	slot1, err1 := s.pf.readPages(s.indexSlotPg, s.indexSlotPg)

	var n0, n1 *indexNode
	if err0 == nil {
		n0, err0 = decodeIndexNode(slot0[:slotBytes])
	}
	if err1 == nil {
		n1, err1 = decodeIndexNode(slot1[:slotBytes])
	}

	switch {
	case n0 != nil && n1 != nil:
		if n1.Revision > n0.Revision {
			return n1, nil
		}
		return n0, nil
	case n0 != nil:
		return n0, nil
	case n1 != nil:
		return n1, nil
	default:
		return nil, newErr(KindCorrupt, "both index slots unreadable", err0)
	}
}

func (s *scheduler) buildDataNodes(idx *indexNode) map[int]*dataNode {
	out := make(map[int]*dataNode, len(idx.Entries))
	for i, e := range idx.Entries {
		out[i] = newDataNode(e.Bin, e.Location.PageID, e.Location.NumPages, s.cache, s.metrics, s.log)
	}
	return out
}

// snapshotCommitted returns the committed index node and its data nodes for
// a reader to work against without blocking concurrent writers.
func (s *scheduler) snapshotCommitted() (*indexNode, map[int]*dataNode) {
	s.committedMu.RLock()
	defer s.committedMu.RUnlock()
	return s.committed, s.committedDN
}

// snapshotDraft returns the draft index node and data nodes a writer should
// mutate.
func (s *scheduler) snapshotDraft() (*indexNode, map[int]*dataNode) {
	s.draftMu.Lock()
	defer s.draftMu.Unlock()
	return s.draft, s.draftDN
}

// getTheLargestKey reports the largest key in the draft index, matching the
// source engine's choice to read this value off the working copy rather
// than the committed one. Point updates stage records on the draft's data
// nodes, not on its entries, so the value changes only once
// reorganizeAndSynchronize installs a new index.
func (s *scheduler) getTheLargestKey() uint64 {
	s.draftMu.Lock()
	defer s.draftMu.Unlock()
	return s.draft.largestKey()
}

func (s *scheduler) getRecordsCount() uint64 {
	s.committedMu.RLock()
	defer s.committedMu.RUnlock()
	return s.committed.recordsCount()
}

// reorganizeAndSynchronize repacks only the data nodes a point update
// actually staged new_content for, builds a new index node from the
// result, and commits it as a shadow-paged write. Unmodified entries carry
// their existing bin and page location forward unchanged: nothing is
// decoded, repacked, or reallocated for them, so a commit with no writes
// against a node costs nothing against it.
//
// Commit protocol (§4.6, §9 open question 1): the new data pages are
// written and flushed first; only once that flush succeeds is the new
// index node encoded and written to its shadow slot, followed by a second
// flush. A crash between the two flushes leaves the still-committed index
// slot pointing only at pages that were already durable before the first
// flush returned, so the store never reopens onto an index that references
// a data page the crash caught mid-write.
func (s *scheduler) reorganizeAndSynchronize() error {
	start := time.Now()

	draftIdx, draftDN := s.snapshotDraft()

	newEntries := make([]indexEntry, 0, len(draftIdx.Entries))
	var toRelease []nodeLocation
	removedNodes := 0

	for i, e := range draftIdx.Entries {
		dn := draftDN[i]
		if dn == nil || dn.snapshotContent() != contentModified {
			newEntries = append(newEntries, e)
			continue
		}

		records := dn.snapshotPending()
		if len(records) == 0 {
			removedNodes++
			toRelease = append(toRelease, e.Location)
			dn.markObsolete()
			dn.releaseToCache()
			continue
		}

		groups := packRecords(records, s.dataPageSize)
		for _, group := range groups {
			entry, err := s.writeNewDataNode(group)
			if err != nil {
				return err
			}
			newEntries = append(newEntries, entry)
		}
		toRelease = append(toRelease, e.Location)
		dn.markObsolete()
		dn.releaseToCache()
	}

	if len(newEntries) == 0 {
		// Reorganize left the store entirely empty; keep one empty data
		// node covering the full key space rather than an index with no
		// entries, which findEntry/entriesCoveringRange could route no
		// key to.
		entry, err := s.writeNewDataNode(nil)
		if err != nil {
			return err
		}
		entry.Bin.FirstKey = 0
		entry.Bin.MaxKeyOffset = s.maxKeyVal
		newEntries = append(newEntries, entry)
	}

	sortEntries(newEntries)

	// First flush: every newly written data page this commit introduces
	// is durable before the index is allowed to reference it.
	if err := s.pf.flush(); err != nil {
		return err
	}

	newIdx := s.committed.withEntries(newEntries)
	slotBytes := int(s.indexSlotPg) * s.dataPageSize
	buf, err := newIdx.encode(slotBytes)
	if err != nil {
		return err
	}

	slot := uint64(newIdx.Revision % 2)
	slotPage := slot * s.indexSlotPg
	if err := s.pf.writePages(slotPage, buf); err != nil {
		return err
	}
	// Second flush: the commit point. Only after this returns is the new
	// revision durable and safe to serve to new readers.
	if err := s.pf.flush(); err != nil {
		return err
	}

	// The old pages are only returned to the free list once the index
	// that no longer references them is itself durable; releasing them
	// any earlier would let a crash between the two flushes reopen onto
	// the old (still-committed) index while its pages had already been
	// handed back out.
	for _, loc := range toRelease {
		s.pf.releasePages(loc.PageID, loc.NumPages)
	}

	// Every draft-side dataNode instance, modified or not, is about to be
	// replaced by a fresh one built from newIdx; drop any cache pin it
	// still holds instead of leaking it (releaseToCache on an already
	// obsolete node is a no-op).
	for _, dn := range draftDN {
		dn.releaseToCache()
	}

	s.committedMu.Lock()
	s.committed = newIdx
	s.committedDN = s.buildDataNodes(newIdx)
	s.committedMu.Unlock()

	s.draftMu.Lock()
	s.draft = newIdx
	s.draftDN = s.buildDataNodes(newIdx)
	s.draftMu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordCommit(time.Since(start))
		s.metrics.RecordReorganize(time.Since(start))
		s.metrics.RecordsTotal.Set(float64(newIdx.recordsCount()))
	}
	if s.log != nil {
		s.log.SchedulerLogger().LogCommit(time.Since(start), removedNodes, newIdx.Revision)
	}
	return nil
}

func (s *scheduler) writeNewDataNode(records []Record) (indexEntry, error) {
	const numPages = 1 // one fixed-size page per data node
	buf, err := s.cache.lockEmpty(numPages)
	if err != nil {
		return indexEntry{}, err
	}
	bin := Bin{}
	off := 0
	for _, r := range records {
		enc := encodeRecord(r)
		copy(buf.Data[off:], enc)
		off += len(enc)
		bin.extend(r.Key(), len(enc))
	}
	if err := s.cache.saveToStorage(buf); err != nil {
		s.cache.unlock(buf)
		return indexEntry{}, err
	}
	loc := nodeLocation{PageID: buf.pageID, NumPages: buf.numPages}
	s.cache.unlock(buf)
	return indexEntry{Bin: bin, Location: loc}, nil
}

func sortEntries(entries []indexEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Bin.FirstKey < entries[j-1].Bin.FirstKey; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func (s *scheduler) close() error {
	return s.pf.close()
}
