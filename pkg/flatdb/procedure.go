package flatdb

import "sort"

// RangeVisitor receives records in ascending key order from a range read.
// It is called once per covering data node, with done=true on the call for
// the last node (or a single call with no records and done=true when no node
// covers the range), so a caller can flush buffered output.
type RangeVisitor func(records []Record, done bool) (stop bool)

// PointReadVisitor receives the decoded records found for a batch of
// requested keys, alongside the keys that were requested (not every
// requested key need be present).
type PointReadVisitor func(found []Record, requested []uint64)

// PointUpdateVisitor inspects the records currently stored for a batch of
// requested keys and returns the records that should replace them. If
// changed is false the node is left untouched.
type PointUpdateVisitor func(found []Record, requested []uint64) (updated []Record, changed bool)

// calcPriority assigns a scheduling priority from the size of a request:
// small requests (typically interactive point lookups) jump the queue
// ahead of large scans and bulk writes.
func calcPriority(recordCount int) int {
	switch {
	case recordCount <= 10:
		return 400
	case recordCount <= 100:
		return 300
	case recordCount <= 1000:
		return 200
	default:
		return 100
	}
}

// rangeProcedure drives a single ascending range read. It covers every bin
// overlapping [firstKey, lastKey] in order, feeding each bin's matching
// records to visitor before moving to the next, and lets the visitor
// signal early termination.
type rangeProcedure struct {
	firstKey, lastKey uint64
	visitor           RangeVisitor
}

// run executes the procedure synchronously against a committed snapshot:
// the caller already holds the snapshot, so there is nothing further to
// coordinate once every covering node has been visited once, in order.
func (p *rangeProcedure) run(idx *indexNode, dn map[int]*dataNode, createFn CreateRecordFunc, keySize int) error {
	entries := idx.entriesCoveringRange(p.firstKey, p.lastKey)
	sort.Slice(entries, func(i, j int) bool {
		return idx.Entries[entries[i]].Bin.FirstKey < idx.Entries[entries[j]].Bin.FirstKey
	})

	for i, entryIdx := range entries {
		node := dn[entryIdx]
		node.beginRead()
		records, err := node.decodeAll(createFn, keySize)
		node.endRead()
		if err != nil {
			return err
		}

		matched := records[:0:0]
		for _, r := range records {
			if r.Key() >= p.firstKey && r.Key() <= p.lastKey {
				matched = append(matched, r)
			}
		}

		last := i == len(entries)-1
		if p.visitor(matched, last) {
			return nil
		}
	}
	if len(entries) == 0 {
		p.visitor(nil, true)
	}
	return nil
}

// pointReadProcedure drives a batch of point reads, partitioning the
// requested keys across whichever data nodes cover them, one subprocedure
// call per covering node.
type pointReadProcedure struct {
	keys    []uint64
	visitor PointReadVisitor
}

func (p *pointReadProcedure) run(idx *indexNode, dn map[int]*dataNode, createFn CreateRecordFunc, keySize int) error {
	byEntry := partitionKeysByEntry(idx, p.keys)
	for entryIdx, keys := range byEntry {
		node := dn[entryIdx]
		node.beginRead()
		records, err := node.decodeAll(createFn, keySize)
		node.endRead()
		if err != nil {
			return err
		}

		byKey := make(map[uint64]Record, len(records))
		for _, r := range records {
			byKey[r.Key()] = r
		}
		found := make([]Record, 0, len(keys))
		for _, k := range keys {
			if r, ok := byKey[k]; ok {
				found = append(found, r)
			}
		}
		p.visitor(found, keys)
	}
	return nil
}

// pointUpdateProcedure drives a batch of point updates. Each covering node
// stages its replacement record set as new_content: the visitor sees the
// records currently stored (or already staged from an earlier update in
// this commit window) for the requested keys and returns their
// replacements, merged back with the node's untouched records. Per §3 a
// data node's on-disk page is never mutated in place; the staged content
// is only materialized onto a fresh page when reorganizeAndSynchronize
// next runs.
type pointUpdateProcedure struct {
	keys    []uint64
	visitor PointUpdateVisitor
}

func (p *pointUpdateProcedure) run(idx *indexNode, dn map[int]*dataNode, createFn CreateRecordFunc, keySize int) error {
	byEntry := partitionKeysByEntry(idx, p.keys)
	for entryIdx, keys := range byEntry {
		node := dn[entryIdx]

		node.mu.Lock()
		node.task = taskRunningUpdate
		node.mu.Unlock()

		records := node.snapshotPending()
		if records == nil {
			var err error
			records, err = node.decodeAll(createFn, keySize)
			if err != nil {
				node.mu.Lock()
				node.task = taskNone
				node.mu.Unlock()
				return err
			}
		}

		keySet := make(map[uint64]struct{}, len(keys))
		for _, k := range keys {
			keySet[k] = struct{}{}
		}
		var found []Record
		for _, r := range records {
			if _, ok := keySet[r.Key()]; ok {
				found = append(found, r)
			}
		}

		updated, changed := p.visitor(found, keys)
		node.mu.Lock()
		node.task = taskNone
		node.mu.Unlock()
		if !changed {
			continue
		}

		merged := mergeRecords(records, updated)
		mem := newMemoryManager()
		node.applyUpdate(merged, mem)
	}
	return nil
}

// mergeRecords replaces any record in original whose key appears in
// updated, keeping ascending key order, and appends updated records for
// keys not already present (an update visitor may introduce new keys).
func mergeRecords(original, updated []Record) []Record {
	byKey := make(map[uint64]Record, len(original)+len(updated))
	order := make([]uint64, 0, len(original)+len(updated))
	for _, r := range original {
		if _, ok := byKey[r.Key()]; !ok {
			order = append(order, r.Key())
		}
		byKey[r.Key()] = r
	}
	for _, r := range updated {
		if _, ok := byKey[r.Key()]; !ok {
			order = append(order, r.Key())
		}
		byKey[r.Key()] = r
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]Record, len(order))
	for i, k := range order {
		out[i] = byKey[k]
	}
	return out
}

// partitionKeysByEntry groups keys by the index entry whose bin covers
// them, dropping keys that fall outside every bin.
func partitionKeysByEntry(idx *indexNode, keys []uint64) map[int][]uint64 {
	sorted := append([]uint64(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make(map[int][]uint64)
	for _, k := range sorted {
		i := idx.findEntry(k)
		if i < 0 {
			continue
		}
		out[i] = append(out[i], k)
	}
	return out
}
