package flatdb

import (
	"encoding/binary"
	"hash/crc32"
)

const indexNodeMagic = 0x666c6174 // "flat"

// nodeLocation pins a bin's data node to a page range in the backing file.
type nodeLocation struct {
	PageID   uint64
	NumPages uint64
}

// indexEntry pairs a bin summary with the data node location it describes.
type indexEntry struct {
	Bin      Bin
	Location nodeLocation
}

// indexNode is the engine's catalog: the ordered list of bins covering the
// whole key space, plus the revision and checksum that make one on-disk
// copy of it independently verifiable.
type indexNode struct {
	Revision uint32
	KeySize  int
	Entries  []indexEntry
}

func createEmptyIndexNode(keySize int) *indexNode {
	return &indexNode{Revision: 0, KeySize: keySize}
}

// largestKey returns the largest key of any entry that holds records, or 0
// if none does. Empty entries (such as the bootstrap node spanning the whole
// key space) are skipped.
func (n *indexNode) largestKey() uint64 {
	var max uint64
	for _, e := range n.Entries {
		if e.Bin.RecordCount == 0 {
			continue
		}
		if last := e.Bin.LastKey(); last > max {
			max = last
		}
	}
	return max
}

// recordsCount sums the record counts of every entry.
func (n *indexNode) recordsCount() uint64 {
	var total uint64
	for _, e := range n.Entries {
		total += uint64(e.Bin.RecordCount)
	}
	return total
}

// findEntry returns the index of the bin covering key, or -1 if key falls
// outside every bin (only possible in an empty database).
func (n *indexNode) findEntry(key uint64) int {
	lo, hi := 0, len(n.Entries)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		e := n.Entries[mid]
		switch {
		case key < e.Bin.FirstKey:
			hi = mid - 1
		case key > e.Bin.LastKey():
			lo = mid + 1
		default:
			return mid
		}
	}
	return -1
}

// entriesCoveringRange returns the indices of entries whose key range
// intersects [first, last].
func (n *indexNode) entriesCoveringRange(first, last uint64) []int {
	var out []int
	for i, e := range n.Entries {
		if e.Bin.LastKey() < first || e.Bin.FirstKey > last {
			continue
		}
		out = append(out, i)
	}
	return out
}

// withEntries returns a copy of the index node with its Entries replaced
// and Revision advanced, leaving the receiver untouched (shadow-paged
// commit writes the copy to the inactive slot, never the original).
func (n *indexNode) withEntries(entries []indexEntry) *indexNode {
	return &indexNode{
		Revision: n.Revision + 1,
		KeySize:  n.KeySize,
		Entries:  entries,
	}
}

// encode serializes the index node into a slotSize-byte buffer: a fixed
// header followed by one fixed-width record per entry, with a trailing
// CRC32 over everything before it. It returns an error if the entries do
// not fit in slotSize bytes.
func (n *indexNode) encode(slotSize int) ([]byte, error) {
	const headerSize = 4 + 4 + 4 + 4 // magic, revision, keySize, count
	const entrySize = 8 + 8 + 4 + 4 + 8 + 8

	need := headerSize + entrySize*len(n.Entries) + 4
	if need > slotSize {
		return nil, newErr(KindOutOfSpace, "index node does not fit in one slot", nil)
	}

	buf := make([]byte, slotSize)
	binary.BigEndian.PutUint32(buf[0:], indexNodeMagic)
	binary.BigEndian.PutUint32(buf[4:], n.Revision)
	binary.BigEndian.PutUint32(buf[8:], uint32(n.KeySize))
	binary.BigEndian.PutUint32(buf[12:], uint32(len(n.Entries)))

	off := headerSize
	for _, e := range n.Entries {
		binary.BigEndian.PutUint64(buf[off:], e.Bin.FirstKey)
		binary.BigEndian.PutUint64(buf[off+8:], e.Bin.MaxKeyOffset)
		binary.BigEndian.PutUint32(buf[off+16:], e.Bin.RecordCount)
		binary.BigEndian.PutUint32(buf[off+20:], e.Bin.ByteCount)
		binary.BigEndian.PutUint64(buf[off+24:], e.Location.PageID)
		binary.BigEndian.PutUint64(buf[off+32:], e.Location.NumPages)
		off += entrySize
	}

	sum := crc32.ChecksumIEEE(buf[:off])
	binary.BigEndian.PutUint32(buf[off:], sum)
	return buf, nil
}

// decodeIndexNode parses a slot buffer produced by encode, verifying its
// checksum.
func decodeIndexNode(buf []byte) (*indexNode, error) {
	const headerSize = 4 + 4 + 4 + 4
	const entrySize = 8 + 8 + 4 + 4 + 8 + 8

	if len(buf) < headerSize+4 {
		return nil, newErr(KindCorrupt, "index slot too short", nil)
	}
	if binary.BigEndian.Uint32(buf[0:]) != indexNodeMagic {
		return nil, newErr(KindCorrupt, "bad index slot magic", nil)
	}
	revision := binary.BigEndian.Uint32(buf[4:])
	keySize := int(binary.BigEndian.Uint32(buf[8:]))
	count := int(binary.BigEndian.Uint32(buf[12:]))

	off := headerSize + entrySize*count
	if off+4 > len(buf) {
		return nil, newErr(KindCorrupt, "index slot truncated", nil)
	}
	want := binary.BigEndian.Uint32(buf[off:])
	got := crc32.ChecksumIEEE(buf[:off])
	if want != got {
		return nil, newErr(KindCorrupt, "index slot checksum mismatch", nil)
	}

	n := &indexNode{Revision: revision, KeySize: keySize, Entries: make([]indexEntry, count)}
	p := headerSize
	for i := 0; i < count; i++ {
		var e indexEntry
		e.Bin.FirstKey = binary.BigEndian.Uint64(buf[p:])
		e.Bin.MaxKeyOffset = binary.BigEndian.Uint64(buf[p+8:])
		e.Bin.RecordCount = binary.BigEndian.Uint32(buf[p+16:])
		e.Bin.ByteCount = binary.BigEndian.Uint32(buf[p+20:])
		e.Location.PageID = binary.BigEndian.Uint64(buf[p+24:])
		e.Location.NumPages = binary.BigEndian.Uint64(buf[p+32:])
		n.Entries[i] = e
		p += entrySize
	}
	return n, nil
}

// packRecords partitions records (already sorted ascending by key) into
// page-sized groups using a two-pass strategy: a left-aligned greedy pass
// fills each page as full as possible, then a balanced pass walks the
// page boundaries from right to left so the final page isn't left mostly
// empty, by targeting pageSize minus the run's mean free space per page.
func packRecords(records []Record, pageSize int) [][]Record {
	if len(records) == 0 {
		return nil
	}

	sizes := make([]int, len(records))
	total := 0
	for i, r := range records {
		sizes[i] = len(encodeRecord(r))
		total += sizes[i]
	}

	var greedy [][]int // each element is a list of record indices
	cur := []int{}
	curSize := 0
	for i, sz := range sizes {
		if curSize+sz > pageSize && len(cur) > 0 {
			greedy = append(greedy, cur)
			cur = nil
			curSize = 0
		}
		cur = append(cur, i)
		curSize += sz
	}
	if len(cur) > 0 {
		greedy = append(greedy, cur)
	}

	if len(greedy) <= 1 {
		return [][]Record{records}
	}

	pageCount := len(greedy)
	meanFree := (pageCount*pageSize - total) / pageCount
	target := pageSize - meanFree
	if target <= 0 {
		target = pageSize
	}

	// Balanced pass: walk right to left; while a page is under target, move
	// the last record of the preceding page to its front, so the tail page
	// picks up slack instead of staying near-empty.
	groups := make([][]int, len(greedy))
	copy(groups, greedy)

	for i := len(groups) - 1; i > 0; i-- {
		for {
			size := groupSize(groups[i], sizes)
			if size >= target || len(groups[i-1]) == 0 {
				break
			}
			// pull the last record of the previous page into this one,
			// provided it still fits within pageSize.
			lastIdx := groups[i-1][len(groups[i-1])-1]
			if size+sizes[lastIdx] > pageSize {
				break
			}
			groups[i-1] = groups[i-1][:len(groups[i-1])-1]
			groups[i] = append([]int{lastIdx}, groups[i]...)
		}
	}

	out := make([][]Record, 0, len(groups))
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		recs := make([]Record, len(g))
		for j, idx := range g {
			recs[j] = records[idx]
		}
		out = append(out, recs)
	}
	return out
}

func groupSize(idxs []int, sizes []int) int {
	total := 0
	for _, i := range idxs {
		total += sizes[i]
	}
	return total
}
