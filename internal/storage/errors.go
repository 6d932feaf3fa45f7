package storage

import "errors"

var (
	// ErrMemTableFrozen is returned when attempting to write to a frozen memtable.
	ErrMemTableFrozen = errors.New("memtable is frozen")

	// ErrKeyNotFound is returned when a key doesn't exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrCorruptedWAL is returned when WAL data is corrupted.
	ErrCorruptedWAL = errors.New("corrupted WAL entry")

	// ErrCorruptedSSTable is returned when SSTable data is corrupted or fails
	// a size/bounds sanity check on load.
	ErrCorruptedSSTable = errors.New("corrupted SSTable")

	// ErrEmptySSTable is returned by SSTableWriter.Finish when no entries
	// were added; an empty MemTable flush must not create a file.
	ErrEmptySSTable = errors.New("refusing to build an empty SSTable")

	// ErrEngineReadOnly is set on the engine after a flush I/O failure; the
	// engine remains readable but refuses further Put and Delete calls until
	// restarted.
	ErrEngineReadOnly = errors.New("engine is read-only after a background flush failure")

	// ErrShortBuffer is returned by decompression when the destination
	// buffer is smaller than the advertised original size.
	ErrShortBuffer = errors.New("destination buffer shorter than original size")

	// ErrBloomCorrupt is returned by Load/LoadBorrowed on a malformed buffer.
	ErrBloomCorrupt = errors.New("corrupt bloom filter encoding")

	// ErrManifestCorrupt is returned by LoadManifest on a malformed buffer.
	ErrManifestCorrupt = errors.New("corrupt manifest encoding")
)
