package storage

import (
	"encoding/binary"
	"math"
	"math/rand"
	"unsafe"
)

// BloomFilter is a probabilistic membership filter attached to each SST
// data block. A negative Check is definitive; a positive Check may be a
// false positive. Filters are never used to delete information, only to
// skip a block lookup that is guaranteed to miss.
//
// A filter built with NewBloomFilter owns its bit array. A filter produced by
// LoadBorrowed is a zero-copy view over an externally owned buffer (an
// mmap'd SST region, typically) and must not outlive that buffer.
type BloomFilter struct {
	length  uint64
	k       uint64
	seeds   []uint64
	bits    []uint64
	owned   bool
}

// bloomHeaderWords is the number of leading uint64 fields before the k
// seeds: hash count, then bit-array length.
const bloomHeaderWords = 2

// NewBloomFilter sizes and seeds a filter for n expected entries at
// target false-positive rate p.
func NewBloomFilter(n uint64, p float64) *BloomFilter {
	if n == 0 {
		n = 1
	}
	length := bloomLength(n, p)
	k := uint64(math.Max(1, math.Floor(0.69*float64(length)/float64(n))))

	seeds := make([]uint64, k)
	for i := range seeds {
		// Odd seeds avoid degenerate all-even polynomial hashes.
		seeds[i] = rand.Uint64() | 1
	}

	words := (length + 63) / 64
	return &BloomFilter{
		length: length,
		k:      k,
		seeds:  seeds,
		bits:   make([]uint64, words),
		owned:  true,
	}
}

func bloomLength(n uint64, p float64) uint64 {
	m := -math.Log(p) * float64(n) / (math.Ln2 * math.Ln2) * 2.35
	return uint64(m) + 1
}

// Insert sets the k bits derived from key.
func (b *BloomFilter) Insert(key []byte) {
	for _, seed := range b.seeds {
		idx := polyHash(key, seed) % b.length
		b.bits[idx/64] |= 1 << (idx % 64)
	}
}

// Check returns false if key is definitely absent, true if it may be
// present.
func (b *BloomFilter) Check(key []byte) bool {
	for _, seed := range b.seeds {
		idx := polyHash(key, seed) % b.length
		if b.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// polyHash implements h(key, seed) = sum(seed^i * key[i]) with u64
// wraparound, matching the block-level bloom filter's hash family.
func polyHash(key []byte, seed uint64) uint64 {
	var h, p uint64 = 0, 1
	for _, c := range key {
		h += p * uint64(c)
		p *= seed
	}
	return h
}

// Length returns the bit-array length in bits.
func (b *BloomFilter) Length() uint64 { return b.length }

// BinarySize returns the exact number of bytes Save will write.
func (b *BloomFilter) BinarySize() int {
	return (bloomHeaderWords+len(b.seeds))*8 + len(b.bits)*8
}

// Save serializes the filter into buf, which must be at least
// BinarySize() bytes, and returns the number of bytes written.
//
// Layout: [k u64][length u64][seed_0..seed_k-1 u64][bits...].
func (b *BloomFilter) Save(buf []byte) int {
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], b.k)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], b.length)
	off += 8
	for _, s := range b.seeds {
		binary.LittleEndian.PutUint64(buf[off:], s)
		off += 8
	}
	for _, w := range b.bits {
		binary.LittleEndian.PutUint64(buf[off:], w)
		off += 8
	}
	return off
}

// Load decodes a filter from buf, copying the bit array so the returned
// filter owns its memory independent of buf's lifetime.
func Load(buf []byte) (*BloomFilter, int, error) {
	bf, n, err := loadHeader(buf, true)
	return bf, n, err
}

// LoadBorrowed decodes a filter from buf without copying the bit array;
// the returned filter is a view and must not outlive buf.
func LoadBorrowed(buf []byte) (*BloomFilter, int, error) {
	return loadHeader(buf, false)
}

func loadHeader(buf []byte, copyBits bool) (*BloomFilter, int, error) {
	if len(buf) < bloomHeaderWords*8 {
		return nil, 0, ErrBloomCorrupt
	}
	off := 0
	k := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	length := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	if k == 0 || k > 64 || length == 0 {
		return nil, 0, ErrBloomCorrupt
	}
	if len(buf) < off+int(k)*8 {
		return nil, 0, ErrBloomCorrupt
	}
	seeds := make([]uint64, k)
	for i := range seeds {
		seeds[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	words := int((length + 63) / 64)
	if len(buf) < off+words*8 {
		return nil, 0, ErrBloomCorrupt
	}

	var bits []uint64
	if copyBits {
		bits = make([]uint64, words)
		for i := range bits {
			bits[i] = binary.LittleEndian.Uint64(buf[off+i*8:])
		}
	} else {
		bits = bytesToUint64Slice(buf[off : off+words*8])
	}
	off += words * 8

	return &BloomFilter{
		length: length,
		k:      k,
		seeds:  seeds,
		bits:   bits,
		owned:  copyBits,
	}, off, nil
}

// bytesToUint64Slice reinterprets a little-endian-laid-out byte slice as a
// []uint64 without copying, mirroring the source's zero-copy Load. Only
// valid on little-endian platforms, which is what this store targets.
func bytesToUint64Slice(b []byte) []uint64 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8)
}
