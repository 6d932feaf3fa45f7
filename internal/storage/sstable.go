package storage

import (
	"encoding/binary"
	"os"
	"sort"
)

// sstMagic and sstVersion identify the file header this package writes
// ahead of the IndexBlock. The spec's IndexBlock/DataBlock layout says
// nothing about how a reader learns which compression codec produced a
// given SST, so a small fixed header is prepended; see DESIGN.md.
const (
	sstMagic      uint32 = 0x53535442 // "SSTB"
	sstVersion    uint16 = 1
	sstHeaderSize        = 8
)

const (
	dataBlockFlagCompressed    = 1 << 0
	dataBlockFlagHasCompHeader = 1 << 1
)

// SSTableConfig configures how new SSTs are built.
type SSTableConfig struct {
	Compression            CompressionType
	CompressionMinSize     int // entries buffers smaller than this are stored raw
	BloomFalsePositiveRate float64
}

// DefaultSSTableConfig returns sensible defaults: no compression, 1% bloom
// false-positive rate.
func DefaultSSTableConfig() SSTableConfig {
	return SSTableConfig{
		Compression:            CompressionNone,
		CompressionMinSize:     256,
		BloomFalsePositiveRate: 0.01,
	}
}

// sstIndexEntry mirrors one IndexBlock record.
type sstIndexEntry struct {
	offset   uint64
	firstKey []byte
}

// SSTableWriter builds one immutable SST file from a sorted stream of
// live entries. The current implementation always emits a single
// DataBlock; the on-disk format supports more, per spec §4.5 step 2.
type SSTableWriter struct {
	path    string
	sstID   uint64
	cfg     SSTableConfig
	entries []*Entry
}

// NewSSTableWriter creates a writer for a new SST identified by sstID.
func NewSSTableWriter(path string, sstID uint64, cfg SSTableConfig) *SSTableWriter {
	return &SSTableWriter{path: path, sstID: sstID, cfg: cfg}
}

// Add appends one live (non-tombstone) entry. Callers must present
// entries in ascending key order.
func (w *SSTableWriter) Add(e *Entry) {
	if e.Deleted {
		return
	}
	w.entries = append(w.entries, e)
}

// Finish writes the SST file and returns an opened handle to it. It is
// an error to Finish a writer with no entries: an empty MemTable flush
// must not create an empty SST.
func (w *SSTableWriter) Finish() (*SSTable, error) {
	if len(w.entries) == 0 {
		return nil, ErrEmptySSTable
	}

	bloom := NewBloomFilter(uint64(len(w.entries)), w.cfg.BloomFalsePositiveRate)
	for _, e := range w.entries {
		bloom.Insert(e.Key)
	}

	entriesBuf := encodeDataEntries(w.entries)
	block := buildDataBlock(bloom, uint64(len(w.entries)), entriesBuf, w.cfg)

	minKey := w.entries[0].Key
	firstKeyLen := len(minKey)

	indexSize := 16 + (8 + 8 + firstKeyLen) // header + one entry
	dataOffset := uint64(sstHeaderSize + indexSize)
	totalSize := dataOffset + uint64(len(block))

	buf := make([]byte, sstHeaderSize+indexSize+len(block))
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], sstMagic)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], sstVersion)
	off += 2
	buf[off] = byte(w.cfg.Compression)
	off++
	off++ // reserved

	binary.LittleEndian.PutUint64(buf[off:], totalSize)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], 1) // block_count
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], dataOffset)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(firstKeyLen))
	off += 8
	off += copy(buf[off:], minKey)

	copy(buf[off:], block)

	if err := os.WriteFile(w.path, buf, 0644); err != nil {
		return nil, err
	}

	return &SSTable{
		path:        w.path,
		sstID:       w.sstID,
		data:        buf,
		compression: w.cfg.Compression,
		index: []sstIndexEntry{{
			offset:   dataOffset,
			firstKey: append([]byte(nil), minKey...),
		}},
		minKey:     append([]byte(nil), minKey...),
		maxKey:     append([]byte(nil), w.entries[len(w.entries)-1].Key...),
		entryCount: uint64(len(w.entries)),
	}, nil
}

func encodeDataEntries(entries []*Entry) []byte {
	size := 0
	for _, e := range entries {
		size += 16 + len(e.Key) + len(e.Value)
	}
	buf := make([]byte, size)
	off := 0
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:], uint64(len(e.Key)))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(len(e.Value)))
		off += 8
		off += copy(buf[off:], e.Key)
		off += copy(buf[off:], e.Value)
	}
	return buf
}

func decodeDataEntries(buf []byte, count uint64) ([]*Entry, error) {
	entries := make([]*Entry, 0, count)
	off := 0
	for i := uint64(0); i < count; i++ {
		if off+16 > len(buf) {
			return nil, ErrCorruptedSSTable
		}
		keyLen := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		valLen := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		if off+int(keyLen)+int(valLen) > len(buf) {
			return nil, ErrCorruptedSSTable
		}
		key := buf[off : off+int(keyLen)]
		off += int(keyLen)
		val := buf[off : off+int(valLen)]
		off += int(valLen)
		entries = append(entries, &Entry{Key: key, Value: val})
	}
	return entries, nil
}

// buildDataBlock encodes bloom + entries into either the uncompressed or
// compressed DataBlock variant, per spec §3.
func buildDataBlock(bloom *BloomFilter, count uint64, entriesBuf []byte, cfg SSTableConfig) []byte {
	bloomSize := bloom.BinarySize()
	bloomBuf := make([]byte, bloomSize)
	bloom.Save(bloomBuf)

	if cfg.Compression == CompressionNone {
		size := uint64(bloomSize) + 8 + uint64(len(entriesBuf))
		buf := make([]byte, 8+size)
		off := 0
		binary.LittleEndian.PutUint64(buf[off:], size)
		off += 8
		off += copy(buf[off:], bloomBuf)
		binary.LittleEndian.PutUint64(buf[off:], count)
		off += 8
		copy(buf[off:], entriesBuf)
		return buf
	}

	codec := NewCompressor(cfg.Compression)
	var payload []byte
	var flags byte
	if len(entriesBuf) >= cfg.CompressionMinSize {
		compressed := codec.Compress(entriesBuf)
		payload = compressed.Payload
		flags |= dataBlockFlagCompressed
		if cfg.Compression == CompressionLZ4 {
			flags |= dataBlockFlagHasCompHeader
		}
	} else {
		payload = entriesBuf
	}

	buf := make([]byte, 8+1+bloomSize+8+len(payload))
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(payload)))
	off += 8
	buf[off] = flags
	off++
	off += copy(buf[off:], bloomBuf)
	binary.LittleEndian.PutUint64(buf[off:], count)
	off += 8
	copy(buf[off:], payload)
	return buf
}

// SSTable is an opened, immutable sorted string table backed by a mapped
// or in-memory byte slice.
type SSTable struct {
	path        string
	sstID       uint64
	data        []byte // whole file, mmap-backed when opened via OpenSSTable
	mapped      bool
	compression CompressionType
	index       []sstIndexEntry
	minKey      []byte
	maxKey      []byte
	entryCount  uint64
	cache       *BlockCache
}

// OpenSSTable opens an existing SST file, memory-mapping it when
// possible (see mmap_unix.go), and parses its IndexBlock.
func OpenSSTable(path string, sstID uint64) (*SSTable, error) {
	data, mapped, err := openMappedFile(path)
	if err != nil {
		return nil, err
	}
	sst, err := parseSSTable(path, sstID, data, mapped)
	if err != nil {
		if mapped {
			unmapFile(data)
		}
		return nil, err
	}
	return sst, nil
}

func parseSSTable(path string, sstID uint64, data []byte, mapped bool) (*SSTable, error) {
	if len(data) < sstHeaderSize+16 {
		return nil, ErrCorruptedSSTable
	}
	off := 0
	magic := binary.LittleEndian.Uint32(data[off:])
	off += 4
	if magic != sstMagic {
		return nil, ErrCorruptedSSTable
	}
	_ = binary.LittleEndian.Uint16(data[off:]) // version, unused for now
	off += 2
	compression := CompressionType(data[off])
	off++
	off++ // reserved

	totalSize := binary.LittleEndian.Uint64(data[off:])
	off += 8
	if totalSize != uint64(len(data)) {
		return nil, ErrCorruptedSSTable
	}
	blockCount := binary.LittleEndian.Uint64(data[off:])
	off += 8

	index := make([]sstIndexEntry, 0, blockCount)
	for i := uint64(0); i < blockCount; i++ {
		if off+16 > len(data) {
			return nil, ErrCorruptedSSTable
		}
		offset := binary.LittleEndian.Uint64(data[off:])
		off += 8
		keyLen := binary.LittleEndian.Uint64(data[off:])
		off += 8
		if off+int(keyLen) > len(data) {
			return nil, ErrCorruptedSSTable
		}
		firstKey := data[off : off+int(keyLen)]
		off += int(keyLen)
		index = append(index, sstIndexEntry{offset: offset, firstKey: firstKey})
	}
	if len(index) == 0 {
		return nil, ErrCorruptedSSTable
	}

	sst := &SSTable{
		path:        path,
		sstID:       sstID,
		data:        data,
		mapped:      mapped,
		compression: compression,
		index:       index,
		minKey:      index[0].firstKey,
	}

	// Decode the last block to learn maxKey and entryCount; earlier
	// blocks are decoded lazily on lookup / iteration.
	lastOff := index[len(index)-1].offset
	end := uint64(len(data))
	_, entries, count, err := sst.readBlockAt(lastOff, end)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrCorruptedSSTable
	}
	sst.maxKey = entries[len(entries)-1].Key
	sst.entryCount = count

	return sst, nil
}

// AttachCache wires a shared BlockCache into this SST's read path.
func (s *SSTable) AttachCache(c *BlockCache) { s.cache = c }

// Path returns the SST's backing file path.
func (s *SSTable) Path() string { return s.path }

// ID returns the sst_id.
func (s *SSTable) ID() uint64 { return s.sstID }

// MinKey and MaxKey report the SST's key range.
func (s *SSTable) MinKey() []byte { return s.minKey }
func (s *SSTable) MaxKey() []byte { return s.maxKey }

// EntryCount returns the number of live entries in the SST.
func (s *SSTable) EntryCount() uint64 { return s.entryCount }

// Contains does a cheap range check without touching the bloom filter,
// used as a fast pre-filter before Get.
func (s *SSTable) Contains(key []byte) bool {
	return compareBytes(key, s.minKey) >= 0 && compareBytes(key, s.maxKey) <= 0
}

// Get performs a point lookup: locate the candidate DataBlock via the
// IndexBlock, consult its bloom filter, then binary-search the block's
// entries for strict equality.
func (s *SSTable) Get(key []byte) ([]byte, bool, error) {
	if !s.Contains(key) {
		return nil, false, nil
	}
	blockIdx := s.findBlock(key)
	if blockIdx < 0 {
		return nil, false, nil
	}
	start := s.index[blockIdx].offset
	end := uint64(len(s.data))
	if blockIdx+1 < len(s.index) {
		end = s.index[blockIdx+1].offset
	}

	bloom, entries, _, err := s.readBlockAt(start, end)
	if err != nil {
		return nil, false, err
	}
	if bloom != nil && !bloom.Check(key) {
		return nil, false, nil
	}
	i := sort.Search(len(entries), func(i int) bool {
		return compareBytes(entries[i].Key, key) >= 0
	})
	if i < len(entries) && compareBytes(entries[i].Key, key) == 0 {
		return entries[i].Value, true, nil
	}
	return nil, false, nil
}

// findBlock returns the index of the block whose first key is the
// greatest first_key <= key, or -1 if none qualifies.
func (s *SSTable) findBlock(key []byte) int {
	i := sort.Search(len(s.index), func(i int) bool {
		return compareBytes(s.index[i].firstKey, key) > 0
	})
	i--
	if i < 0 {
		return -1
	}
	return i
}

// readBlockAt decodes the DataBlock in data[start:end], consulting and
// populating the shared BlockCache (if attached) with a re-encoding of
// the decoded block (see encodeCachedBlock). Returns the block's bloom
// filter, decoded entries, and its entry count.
func (s *SSTable) readBlockAt(start, end uint64) (*BloomFilter, []*Entry, uint64, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(s.sstID, start); ok {
			return decodeCachedBlock(cached)
		}
	}

	raw := s.data[start:end]
	bloom, entries, count, err := decodeDataBlockBytes(raw, s.compression)
	if err != nil {
		return nil, nil, 0, err
	}

	if s.cache != nil {
		s.cache.Put(s.sstID, start, encodeCachedBlock(bloom, entries, count))
	}
	return bloom, entries, count, nil
}

// decodeDataBlockBytes parses one DataBlock, uncompressed or compressed
// per the SST's configured codec.
func decodeDataBlockBytes(raw []byte, compression CompressionType) (*BloomFilter, []*Entry, uint64, error) {
	if compression == CompressionNone {
		if len(raw) < 8 {
			return nil, nil, 0, ErrCorruptedSSTable
		}
		size := binary.LittleEndian.Uint64(raw)
		if uint64(len(raw)) < 8+size {
			return nil, nil, 0, ErrCorruptedSSTable
		}
		body := raw[8 : 8+size]
		bloom, n, err := LoadBorrowed(body)
		if err != nil {
			return nil, nil, 0, err
		}
		if n+8 > len(body) {
			return nil, nil, 0, ErrCorruptedSSTable
		}
		count := binary.LittleEndian.Uint64(body[n:])
		entries, err := decodeDataEntries(body[n+8:], count)
		if err != nil {
			return nil, nil, 0, err
		}
		return bloom, entries, count, nil
	}

	if len(raw) < 9 {
		return nil, nil, 0, ErrCorruptedSSTable
	}
	compressedSize := binary.LittleEndian.Uint64(raw)
	flags := raw[8]
	rest := raw[9:]
	bloom, n, err := LoadBorrowed(rest)
	if err != nil {
		return nil, nil, 0, err
	}
	if n+8 > len(rest) {
		return nil, nil, 0, ErrCorruptedSSTable
	}
	count := binary.LittleEndian.Uint64(rest[n:])
	payload := rest[n+8:]
	if uint64(len(payload)) < compressedSize {
		return nil, nil, 0, ErrCorruptedSSTable
	}
	payload = payload[:compressedSize]

	var entriesBuf []byte
	if flags&dataBlockFlagCompressed != 0 {
		codec := NewCompressor(compression)
		originalSize, err := codec.DecodedLen(payload)
		if err != nil {
			return nil, nil, 0, err
		}
		out := make([]byte, originalSize)
		n, err := codec.Decompress(CompressedData{Payload: payload, OriginalSize: originalSize}, out)
		if err != nil {
			return nil, nil, 0, err
		}
		entriesBuf = out[:n]
	} else {
		entriesBuf = payload
	}

	entries, err := decodeDataEntries(entriesBuf, count)
	if err != nil {
		return nil, nil, 0, err
	}
	return bloom, entries, count, nil
}

// The block cache stores a self-contained re-encoding of a decoded block
// (bloom + entries) rather than the raw on-disk bytes, so a cache hit
// skips decompression entirely.
func encodeCachedBlock(bloom *BloomFilter, entries []*Entry, count uint64) []byte {
	bloomBuf := make([]byte, bloom.BinarySize())
	bloom.Save(bloomBuf)
	entriesBuf := encodeDataEntries(entries)
	buf := make([]byte, 8+len(bloomBuf)+8+len(entriesBuf))
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], count)
	off += 8
	off += copy(buf[off:], bloomBuf)
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(entriesBuf)))
	off += 8
	copy(buf[off:], entriesBuf)
	return buf
}

func decodeCachedBlock(buf []byte) (*BloomFilter, []*Entry, uint64, error) {
	if len(buf) < 8 {
		return nil, nil, 0, ErrCorruptedSSTable
	}
	count := binary.LittleEndian.Uint64(buf)
	off := 8
	bloom, n, err := LoadBorrowed(buf[off:])
	if err != nil {
		return nil, nil, 0, err
	}
	off += n
	if off+8 > len(buf) {
		return nil, nil, 0, ErrCorruptedSSTable
	}
	entriesLen := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	if uint64(off)+entriesLen > uint64(len(buf)) {
		return nil, nil, 0, ErrCorruptedSSTable
	}
	entries, err := decodeDataEntries(buf[off:uint64(off)+entriesLen], count)
	if err != nil {
		return nil, nil, 0, err
	}
	return bloom, entries, count, nil
}

// PrefetchBlock materializes block i into the attached cache, if any.
func (s *SSTable) PrefetchBlock(i int) error {
	if s.cache == nil || i < 0 || i >= len(s.index) {
		return nil
	}
	start := s.index[i].offset
	end := uint64(len(s.data))
	if i+1 < len(s.index) {
		end = s.index[i+1].offset
	}
	_, _, _, err := s.readBlockAt(start, end)
	return err
}

// PrefetchAll materializes every block into the attached cache.
func (s *SSTable) PrefetchAll() error {
	for i := range s.index {
		if err := s.PrefetchBlock(i); err != nil {
			return err
		}
	}
	return nil
}

// SSTIterator walks every live entry across all DataBlocks in key order.
type SSTIterator struct {
	sst     *SSTable
	block   int
	entries []*Entry
	pos     int
}

// Iter returns a forward iterator over the whole SST.
func (s *SSTable) Iter() (*SSTIterator, error) {
	it := &SSTIterator{sst: s, block: -1}
	if err := it.advanceBlock(); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *SSTIterator) advanceBlock() error {
	it.block++
	if it.block >= len(it.sst.index) {
		it.entries = nil
		it.pos = 0
		return nil
	}
	start := it.sst.index[it.block].offset
	end := uint64(len(it.sst.data))
	if it.block+1 < len(it.sst.index) {
		end = it.sst.index[it.block+1].offset
	}
	_, entries, _, err := it.sst.readBlockAt(start, end)
	if err != nil {
		return err
	}
	it.entries = entries
	it.pos = 0
	return nil
}

// Next advances the iterator, returning false when exhausted.
func (it *SSTIterator) Next() (bool, error) {
	for it.pos >= len(it.entries) {
		if it.block >= len(it.sst.index)-1 {
			return false, nil
		}
		if err := it.advanceBlock(); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Entry returns the entry at the iterator's current position and
// advances past it.
func (it *SSTIterator) Entry() *Entry {
	e := it.entries[it.pos]
	it.pos++
	return e
}

// Close releases the SST's memory mapping, if any.
func (s *SSTable) Close() error {
	if s.mapped {
		return unmapFile(s.data)
	}
	return nil
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
