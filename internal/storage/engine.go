package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Engine is the Log-Structured Merge tree storage engine. It coordinates
// memtables, the SST manifest, the WAL, the block cache, and background
// flush/compaction.
type Engine struct {
	memtable           *MemTable
	immutableMemtables []*MemTable
	manifest           *Manifest
	wal                *WAL
	cache              *BlockCache
	config             EngineConfig
	dataDir            string

	mu             sync.RWMutex
	sstableCounter uint64
	readOnly       atomic.Bool

	flushChan chan struct{}
	closeChan chan struct{}
	wg        sync.WaitGroup
}

// EngineConfig configures the LSM engine's behavior.
type EngineConfig struct {
	MemTableSize    int64
	WALSyncMode     SyncMode
	SSTable         SSTableConfig
	BlockCache      BlockCacheConfig
	LevelThresholds [MaxLevels]int64
}

// DefaultEngineConfig returns production-ready defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MemTableSize:    64 * 1024 * 1024,
		WALSyncMode:     SyncBatch,
		SSTable:         DefaultSSTableConfig(),
		BlockCache:      DefaultBlockCacheConfig(),
		LevelThresholds: DefaultLevelThresholds(),
	}
}

// Open creates or opens an LSM engine at the given directory.
func Open(dataDir string, config EngineConfig) (*Engine, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	walPath := filepath.Join(dataDir, "wal.log")
	wal, err := OpenWAL(walPath, WALConfig{SyncMode: config.WALSyncMode})
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	e := &Engine{
		memtable:  NewMemTable(),
		wal:       wal,
		cache:     NewBlockCache(config.BlockCache),
		config:    config,
		dataDir:   dataDir,
		flushChan: make(chan struct{}, 1),
		closeChan: make(chan struct{}),
	}

	if err := e.loadManifest(); err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	if err := e.recover(); err != nil {
		return nil, fmt.Errorf("failed to recover from WAL: %w", err)
	}

	e.wg.Add(1)
	go e.flushWorker()

	return e, nil
}

func (e *Engine) manifestPath() string {
	return filepath.Join(e.dataDir, "MANIFEST")
}

func (e *Engine) sstPath(id uint64) string {
	return filepath.Join(e.dataDir, fmt.Sprintf("%d.sst", id))
}

func (e *Engine) loadManifest() error {
	buf, err := os.ReadFile(e.manifestPath())
	if os.IsNotExist(err) {
		e.manifest = NewManifest(e.config.LevelThresholds)
		return nil
	}
	if err != nil {
		return err
	}

	m, err := LoadManifest(buf, e.config.LevelThresholds, func(id uint64) (*SSTable, error) {
		sst, err := OpenSSTable(e.sstPath(id), id)
		if err != nil {
			return nil, err
		}
		sst.AttachCache(e.cache)
		return sst, nil
	})
	if err != nil {
		return err
	}
	e.manifest = m
	e.sstableCounter = m.MaxSSTID()
	return nil
}

func (e *Engine) saveManifest(m *Manifest) error {
	tmp := e.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, m.Save(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, e.manifestPath())
}

func (e *Engine) recover() error {
	walPath := filepath.Join(e.dataDir, "wal.log")
	entries, err := RecoverWAL(walPath)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.Deleted {
			e.memtable.Delete(entry.Key)
		} else {
			e.memtable.Put(entry.Key, entry.Value)
		}
	}

	return nil
}

// Put inserts or updates a key-value pair.
func (e *Engine) Put(key, value []byte) error {
	if e.readOnly.Load() {
		return ErrEngineReadOnly
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry := &Entry{
		Key:       key,
		Value:     value,
		Timestamp: uint64(time.Now().UnixNano()),
		Deleted:   false,
	}
	if err := e.wal.Append(entry); err != nil {
		return fmt.Errorf("WAL append failed: %w", err)
	}

	if err := e.memtable.Put(key, value); err != nil {
		return err
	}

	if e.memtable.ShouldFlush(e.config.MemTableSize) {
		e.triggerFlushLocked()
	}

	return nil
}

// Get retrieves a value by key, checking the active memtable, then the
// immutable memtables newest-first, then the manifest's levels.
func (e *Engine) Get(key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	// A tombstone reports found=false with its non-zero timestamp; it
	// hides any older value for the key in the layers below.
	if value, ts, found := e.memtable.sl.Get(key); found {
		return value, nil
	} else if ts != 0 {
		return nil, ErrKeyNotFound
	}

	for i := len(e.immutableMemtables) - 1; i >= 0; i-- {
		if value, ts, found := e.immutableMemtables[i].sl.Get(key); found {
			return value, nil
		} else if ts != 0 {
			return nil, ErrKeyNotFound
		}
	}

	value, ok, err := e.manifest.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

// Delete marks a key as deleted. Per the on-disk format, tombstones never
// leave the MemTable: a flush drops them, so a deleted key can resurface
// with an older value once its owning memtable is flushed and the delete
// has not been re-applied.
func (e *Engine) Delete(key []byte) error {
	if e.readOnly.Load() {
		return ErrEngineReadOnly
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry := &Entry{
		Key:       key,
		Timestamp: uint64(time.Now().UnixNano()),
		Deleted:   true,
	}
	if err := e.wal.Append(entry); err != nil {
		return fmt.Errorf("WAL append failed: %w", err)
	}

	return e.memtable.Delete(key)
}

// triggerFlushLocked freezes the active memtable and wakes the flush
// worker. Caller must hold e.mu.
func (e *Engine) triggerFlushLocked() {
	e.memtable.Freeze()
	e.immutableMemtables = append(e.immutableMemtables, e.memtable)
	e.memtable = NewMemTable()

	select {
	case e.flushChan <- struct{}{}:
	default:
	}
}

func (e *Engine) flushWorker() {
	defer e.wg.Done()

	for {
		select {
		case <-e.closeChan:
			return
		case <-e.flushChan:
			for e.doFlush() {
			}
		}
	}
}

// doFlush drains one immutable memtable to a new L0 SST, then runs
// size-tiered compaction if the resulting manifest calls for it. Both
// the SST write and the manifest swap are committed via InsertAndUpdate
// so concurrent readers never observe a manifest mid-mutation. Returns
// true if a memtable was flushed, so callers can loop until the
// immutable queue is empty rather than draining just one per signal.
func (e *Engine) doFlush() bool {
	e.mu.Lock()
	if len(e.immutableMemtables) == 0 {
		e.mu.Unlock()
		return false
	}
	memtable := e.immutableMemtables[0]
	e.immutableMemtables = e.immutableMemtables[1:]
	e.mu.Unlock()

	id := atomic.AddUint64(&e.sstableCounter, 1)
	writer := NewSSTableWriter(e.sstPath(id), id, e.config.SSTable)
	for _, entry := range memtable.Entries() {
		writer.Add(entry)
	}

	sst, err := writer.Finish()
	if err != nil {
		if err == ErrEmptySSTable {
			return true
		}
		e.readOnly.Store(true)
		return false
	}
	sst.AttachCache(e.cache)

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.manifest.InsertAndUpdate(sst)
	if next.CanCompact() {
		newID, err := next.SizeTieredCompaction(atomic.AddUint64(&e.sstableCounter, 1), e.config.SSTable, e.sstPath)
		if err != nil {
			e.readOnly.Store(true)
			return false
		}
		atomic.StoreUint64(&e.sstableCounter, newID-1)
	}

	if err := e.saveManifest(next); err != nil {
		e.readOnly.Store(true)
		return false
	}
	e.manifest = next
	return true
}

// Close gracefully shuts down the engine, flushing any remaining data.
func (e *Engine) Close() error {
	close(e.closeChan)
	e.wg.Wait()

	e.mu.Lock()
	if e.memtable.Count() > 0 {
		e.triggerFlushLocked()
	}
	e.mu.Unlock()
	for e.doFlush() {
	}

	for _, lvl := range e.manifest.Levels() {
		for _, sst := range lvl.ssts {
			sst.Close()
		}
	}

	return e.wal.Close()
}

// Stats returns current runtime statistics.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	levels := e.manifest.Levels()
	levelCounts := make([]int, len(levels))
	total := 0
	for i, lvl := range levels {
		levelCounts[i] = len(lvl.ssts)
		total += len(lvl.ssts)
	}

	return EngineStats{
		MemTableSize:   e.memtable.Size(),
		MemTableCount:  e.memtable.Count(),
		ImmutableCount: len(e.immutableMemtables),
		SSTableCount:   total,
		LevelCounts:    levelCounts,
		CacheStats:     e.cache.Stats(),
		ReadOnly:       e.readOnly.Load(),
	}
}

// EngineStats contains runtime statistics.
type EngineStats struct {
	MemTableSize   int64
	MemTableCount  int64
	ImmutableCount int
	SSTableCount   int
	LevelCounts    []int
	CacheStats     BlockCacheStats
	ReadOnly       bool
}
