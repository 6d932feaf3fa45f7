package storage

import (
	"encoding/binary"

	"github.com/golang/snappy"
)

// CompressionType selects the codec used for a DataBlock's entry payload.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionLZ4
)

// CompressedData is the result of Compressor.Compress: the (possibly
// smaller) payload plus the original, uncompressed size.
type CompressedData struct {
	Payload      []byte
	OriginalSize int
}

// Compressor codes and decodes DataBlock entry payloads.
type Compressor interface {
	Type() CompressionType
	Compress(data []byte) CompressedData
	Decompress(c CompressedData, out []byte) (int, error)
	MaxCompressedSize(n int) int
	// DecodedLen returns the original size of a compressed payload,
	// reading whatever self-describing header the codec embeds.
	DecodedLen(payload []byte) (int, error)
}

// NewCompressor returns the Compressor for a configured CompressionType.
func NewCompressor(t CompressionType) Compressor {
	switch t {
	case CompressionSnappy:
		return snappyCompressor{}
	case CompressionLZ4:
		return lz4Compressor{}
	default:
		return noneCompressor{}
	}
}

type noneCompressor struct{}

func (noneCompressor) Type() CompressionType { return CompressionNone }

func (noneCompressor) Compress(data []byte) CompressedData {
	return CompressedData{Payload: data, OriginalSize: len(data)}
}

func (noneCompressor) Decompress(c CompressedData, out []byte) (int, error) {
	if len(out) < c.OriginalSize {
		return 0, ErrShortBuffer
	}
	return copy(out, c.Payload), nil
}

func (noneCompressor) MaxCompressedSize(n int) int { return n }

func (noneCompressor) DecodedLen(payload []byte) (int, error) { return len(payload), nil }

// snappyCompressor wraps github.com/golang/snappy. The DataBlock stores
// no separate original size for Snappy payloads: the reader recovers it
// from the length prefix inside Snappy's own encoding (see DecodedLen).
type snappyCompressor struct{}

func (snappyCompressor) Type() CompressionType { return CompressionSnappy }

func (snappyCompressor) Compress(data []byte) CompressedData {
	dst := make([]byte, snappy.MaxEncodedLen(len(data)))
	out := snappy.Encode(dst, data)
	return CompressedData{Payload: out, OriginalSize: len(data)}
}

func (snappyCompressor) Decompress(c CompressedData, out []byte) (int, error) {
	if len(out) < c.OriginalSize {
		return 0, ErrShortBuffer
	}
	decoded, err := snappy.Decode(out, c.Payload)
	if err != nil {
		return 0, err
	}
	return copy(out, decoded), nil
}

func (snappyCompressor) MaxCompressedSize(n int) int { return snappy.MaxEncodedLen(n) }

func (snappyCompressor) DecodedLen(payload []byte) (int, error) {
	return snappy.DecodedLen(payload)
}

// lz4Compressor implements the toy LZ4-style codec fixed by the wire
// format: a 4-byte little-endian original-size header followed by a
// literal-and-copy token stream. No library in the retrieval pack
// declares an LZ4 dependency, so this is implemented directly against
// the header format rather than against a specific upstream algorithm;
// it round-trips correctly but does not aim for maximum compression
// ratio.
type lz4Compressor struct{}

func (lz4Compressor) Type() CompressionType { return CompressionLZ4 }

const lz4MinMatch = 4

func (lz4Compressor) Compress(data []byte) CompressedData {
	out := make([]byte, 4, len(data)+len(data)/2+16)
	binary.LittleEndian.PutUint32(out, uint32(len(data)))

	// Simple greedy LZ77 with a small hash chain over 4-byte prefixes.
	const hashBits = 14
	const hashSize = 1 << hashBits
	table := make([]int, hashSize)
	for i := range table {
		table[i] = -1
	}
	hash4 := func(p []byte) uint32 {
		v := binary.LittleEndian.Uint32(p)
		return (v * 2654435761) >> (32 - hashBits)
	}

	i := 0
	litStart := 0
	n := len(data)
	for i+lz4MinMatch <= n {
		h := hash4(data[i:])
		cand := table[h]
		table[h] = i
		if cand >= 0 && cand < i && i-cand < (1<<16) &&
			data[cand] == data[i] && data[cand+1] == data[i+1] &&
			data[cand+2] == data[i+2] && data[cand+3] == data[i+3] {
			matchLen := lz4MinMatch
			for i+matchLen < n && cand+matchLen < i && data[cand+matchLen] == data[i+matchLen] {
				matchLen++
			}
			litLen := i - litStart
			out = appendLZ4Token(out, data[litStart:i], uint16(i-cand), matchLen)
			_ = litLen
			i += matchLen
			litStart = i
			continue
		}
		i++
	}
	// Flush trailing literals with a zero-length match.
	out = appendLZ4Token(out, data[litStart:], 0, 0)

	return CompressedData{Payload: out, OriginalSize: n}
}

func appendLZ4Token(out []byte, literal []byte, offset uint16, matchLen int) []byte {
	var lenBuf [10]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(literal)))
	out = append(out, lenBuf[:n]...)
	out = append(out, literal...)

	n = binary.PutUvarint(lenBuf[:], uint64(matchLen))
	out = append(out, lenBuf[:n]...)
	if matchLen > 0 {
		var off [2]byte
		binary.LittleEndian.PutUint16(off[:], offset)
		out = append(out, off[:]...)
	}
	return out
}

func (lz4Compressor) Decompress(c CompressedData, out []byte) (int, error) {
	if len(out) < c.OriginalSize {
		return 0, ErrShortBuffer
	}
	payload := c.Payload
	if len(payload) < 4 {
		return 0, ErrCorruptedSSTable
	}
	originalSize := int(binary.LittleEndian.Uint32(payload))
	if originalSize != c.OriginalSize {
		return 0, ErrCorruptedSSTable
	}
	p := payload[4:]
	pos := 0
	written := 0
	for pos < len(p) {
		litLen, n := binary.Uvarint(p[pos:])
		pos += n
		if litLen > 0 {
			copy(out[written:], p[pos:pos+int(litLen)])
			pos += int(litLen)
			written += int(litLen)
		}
		if pos >= len(p) {
			break
		}
		matchLen, n := binary.Uvarint(p[pos:])
		pos += n
		if matchLen == 0 {
			continue
		}
		offset := int(binary.LittleEndian.Uint16(p[pos : pos+2]))
		pos += 2
		start := written - offset
		for k := 0; k < int(matchLen); k++ {
			out[written+k] = out[start+k]
		}
		written += int(matchLen)
	}
	return written, nil
}

func (lz4Compressor) MaxCompressedSize(n int) int { return 4 + n + n/2 + 16 }

func (lz4Compressor) DecodedLen(payload []byte) (int, error) {
	if len(payload) < 4 {
		return 0, ErrCorruptedSSTable
	}
	return int(binary.LittleEndian.Uint32(payload)), nil
}
