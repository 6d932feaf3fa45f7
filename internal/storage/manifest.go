package storage

import (
	"container/heap"
	"encoding/binary"
)

// manifestSentinel terminates each level's sst_id list in the persisted
// form, mirroring the C++ original's -1 (interpreted as all-ones here
// since the field is unsigned).
const manifestSentinel = ^uint64(0)

// MaxLevels bounds the number of levels this Manifest ever grows to.
const MaxLevels = 5

// DefaultLevelThresholds are the source's fixed per-level byte-size
// compaction triggers: [1 KiB, 10 MiB, 100 MiB, 1000 MiB, 10000 MiB].
func DefaultLevelThresholds() [MaxLevels]int64 {
	return [MaxLevels]int64{
		1024,
		10 * 1024 * 1024,
		100 * 1024 * 1024,
		1000 * 1024 * 1024,
		10000 * 1024 * 1024,
	}
}

// Level holds the SSTs at one tier of the LSM tree. Level 0 entries may
// overlap in key range and are searched newest-first; Level >= 1 entries
// are range-disjoint and sorted ascending by first key.
type Level struct {
	number int
	ssts   []*SSTable
}

// BinarySize sums the on-disk size of every SST in the level.
func (l *Level) BinarySize() int64 {
	var total int64
	for _, s := range l.ssts {
		total += int64(len(s.data))
	}
	return total
}

// Get searches this level for key, per its level-specific search order.
func (l *Level) Get(key []byte) ([]byte, bool, error) {
	if l.number == 0 {
		for i := len(l.ssts) - 1; i >= 0; i-- {
			v, ok, err := l.ssts[i].Get(key)
			if err != nil {
				return nil, false, err
			}
			if ok {
				return v, true, nil
			}
		}
		return nil, false, nil
	}

	idx := l.findCandidate(key)
	if idx < 0 {
		return nil, false, nil
	}
	return l.ssts[idx].Get(key)
}

// findCandidate returns the index of the range-disjoint SST whose first
// key is the greatest first_key <= key, or -1.
func (l *Level) findCandidate(key []byte) int {
	lo, hi := 0, len(l.ssts)
	for lo < hi {
		mid := (lo + hi) / 2
		if compareBytes(l.ssts[mid].MinKey(), key) > 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo - 1
}

// Manifest is the versioned, copy-on-write snapshot of which SSTs exist
// at each level. InsertAndUpdate produces a new Manifest, and
// SizeTieredCompaction then rewrites levels of that fresh copy before it
// is published; levels not touched keep their old *Level pointer, so
// readers holding an older Manifest reference keep seeing consistent,
// un-mutated data.
type Manifest struct {
	version    uint64
	levels     []*Level
	maxSSTID   uint64
	thresholds [MaxLevels]int64
}

// NewManifest returns an empty, version-1 manifest with a single empty
// Level 0.
func NewManifest(thresholds [MaxLevels]int64) *Manifest {
	return &Manifest{
		version:    1,
		levels:     []*Level{{number: 0}},
		thresholds: thresholds,
	}
}

// Get walks levels low to high, returning the first hit.
func (m *Manifest) Get(key []byte) ([]byte, bool, error) {
	for _, lvl := range m.levels {
		v, ok, err := lvl.Get(key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return nil, false, nil
}

// MaxSSTID returns the highest sst_id this manifest has ever recorded.
func (m *Manifest) MaxSSTID() uint64 { return m.maxSSTID }

// Levels exposes the level list for read-only inspection (stats, tests).
func (m *Manifest) Levels() []*Level { return m.levels }

// InsertAndUpdate returns a new Manifest sharing every level except
// Level 0, to which sst is appended.
func (m *Manifest) InsertAndUpdate(sst *SSTable) *Manifest {
	next := &Manifest{
		version:    m.version + 1,
		levels:     append([]*Level(nil), m.levels...),
		maxSSTID:   m.maxSSTID,
		thresholds: m.thresholds,
	}
	if sst.ID() > next.maxSSTID {
		next.maxSSTID = sst.ID()
	}
	oldL0 := next.levels[0]
	newL0 := &Level{number: 0, ssts: append(append([]*SSTable(nil), oldL0.ssts...), sst)}
	next.levels[0] = newL0
	return next
}

// CanCompact reports whether Level 0's size exceeds its threshold.
func (m *Manifest) CanCompact() bool {
	return m.levels[0].BinarySize() > m.thresholds[0]
}

// SizeTieredCompaction folds levels into their successor while they
// exceed their configured threshold, stopping at the first level that
// doesn't. It mutates m's level slice in place (m itself was already a
// fresh CoW copy produced by InsertAndUpdate); the SST files it
// produces are written with sstCfg at the paths pathFor returns. A level
// is only folded into a successor that is still below MaxLevels.
//
// The source's C++ implementation reuses a single new sst_id across
// every cascading level compacted within one call, which would make two
// cascading compactions collide on the same output filename. That is
// not reproduced here: nextID is incremented once per level actually
// compacted, and the next unused id is returned so the caller's sst_id
// counter stays in sync.
func (m *Manifest) SizeTieredCompaction(startID uint64, sstCfg SSTableConfig, pathFor func(id uint64) string) (uint64, error) {
	nextID := startID
	for l := 0; l < len(m.levels) && l+1 < MaxLevels; l++ {
		if m.levels[l].BinarySize() <= m.thresholds[l] {
			break
		}
		if err := m.compactLevel(l, nextID, sstCfg, pathFor(nextID)); err != nil {
			return nextID, err
		}
		if nextID > m.maxSSTID {
			m.maxSSTID = nextID
		}
		nextID++
	}
	return nextID, nil
}

type mergeItem struct {
	iter *SSTIterator
	cur  *Entry
	age  int
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := compareBytes(h[i].cur.Key, h[j].cur.Key)
	if c != 0 {
		return c < 0
	}
	return h[i].age < h[j].age // smaller age (newer source) wins ties
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(*mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// compactLevel merges level l's SSTs with the overlapping SSTs of level
// l+1 into a single new SST placed in level l+1, per spec §4.6.
func (m *Manifest) compactLevel(l int, newID uint64, sstCfg SSTableConfig, path string) error {
	sources := m.levels[l].ssts
	if l+1 == len(m.levels) {
		m.levels = append(m.levels, &Level{number: l + 1})
	}
	next := m.levels[l+1]

	var minKey, maxKey []byte
	for _, s := range sources {
		if minKey == nil || compareBytes(s.MinKey(), minKey) < 0 {
			minKey = s.MinKey()
		}
		if maxKey == nil || compareBytes(s.MaxKey(), maxKey) > 0 {
			maxKey = s.MaxKey()
		}
	}

	var left, right, overlap []*SSTable
	for _, s := range next.ssts {
		switch {
		case compareBytes(s.MaxKey(), minKey) < 0:
			left = append(left, s)
		case compareBytes(s.MinKey(), maxKey) > 0:
			right = append(right, s)
		default:
			overlap = append(overlap, s)
		}
	}

	h := &mergeHeap{}
	heap.Init(h)
	age := 0
	// Newest source first: reverse iteration order over level l gives
	// the most-recently-flushed/compacted SST the lowest age, i.e. the
	// highest tie-break priority.
	pushSST := func(s *SSTable) error {
		it, err := s.Iter()
		if err != nil {
			return err
		}
		ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		heap.Push(h, &mergeItem{iter: it, cur: it.Entry(), age: age})
		age++
		return nil
	}
	for i := len(sources) - 1; i >= 0; i-- {
		if err := pushSST(sources[i]); err != nil {
			return err
		}
	}
	for _, s := range overlap {
		if err := pushSST(s); err != nil {
			return err
		}
	}

	writer := NewSSTableWriter(path, newID, sstCfg)
	var lastKey []byte
	for h.Len() > 0 {
		item := heap.Pop(h).(*mergeItem)
		if lastKey == nil || compareBytes(item.cur.Key, lastKey) != 0 {
			writer.Add(item.cur)
			lastKey = item.cur.Key
		}
		ok, err := item.iter.Next()
		if err != nil {
			return err
		}
		if ok {
			item.cur = item.iter.Entry()
			heap.Push(h, item)
		}
	}

	newSST, err := writer.Finish()
	if err != nil {
		return err
	}

	merged := make([]*SSTable, 0, len(left)+1+len(right))
	merged = append(merged, left...)
	merged = append(merged, newSST)
	merged = append(merged, right...)

	m.levels[l+1] = &Level{number: l + 1, ssts: merged}
	m.levels[l] = &Level{number: l}
	return nil
}

// Save serializes the manifest: [version][level_count] then, per level,
// its sst_ids terminated by the sentinel.
func (m *Manifest) Save() []byte {
	size := 16
	for _, l := range m.levels {
		size += (len(l.ssts) + 1) * 8
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], m.version)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(m.levels)))
	off += 8
	for _, l := range m.levels {
		for _, s := range l.ssts {
			binary.LittleEndian.PutUint64(buf[off:], s.ID())
			off += 8
		}
		binary.LittleEndian.PutUint64(buf[off:], manifestSentinel)
		off += 8
	}
	return buf
}

// LoadManifest decodes a manifest, using openSST to materialize each
// referenced sst_id into an *SSTable.
func LoadManifest(buf []byte, thresholds [MaxLevels]int64, openSST func(id uint64) (*SSTable, error)) (*Manifest, error) {
	if len(buf) < 16 {
		return nil, ErrManifestCorrupt
	}
	off := 0
	version := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	levelCount := binary.LittleEndian.Uint64(buf[off:])
	off += 8

	m := &Manifest{version: version, thresholds: thresholds}
	for i := uint64(0); i < levelCount; i++ {
		lvl := &Level{number: int(i)}
		for {
			if off+8 > len(buf) {
				return nil, ErrManifestCorrupt
			}
			id := binary.LittleEndian.Uint64(buf[off:])
			off += 8
			if id == manifestSentinel {
				break
			}
			sst, err := openSST(id)
			if err != nil {
				return nil, err
			}
			lvl.ssts = append(lvl.ssts, sst)
			if id > m.maxSSTID {
				m.maxSSTID = id
			}
		}
		m.levels = append(m.levels, lvl)
	}
	return m, nil
}
