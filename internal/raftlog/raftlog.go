// Package raftlog implements the bounded, in-memory replicated log a Raft
// node appends to and a background applier drains into the storage engine.
package raftlog

import (
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/matteso1/kvraft/internal/storage"
)

// Entry is one record in the replicated log.
type Entry struct {
	Index   uint64
	Term    uint64
	Key     []byte
	Value   []byte
	Deleted bool
}

// Config controls capacity and applier cadence.
type Config struct {
	// Capacity bounds the number of entries the ring holds at once. Put
	// and PutEntry against a full ring append nothing and report false.
	Capacity int
	// ApplyInterval is how often the background applier checks for newly
	// committed entries.
	ApplyInterval time.Duration
	// MetaPath is where the persisted commit-index scalar lives.
	MetaPath string
}

// DefaultConfig returns sensible defaults.
//
// ApplyInterval mirrors the source's fixed sleep(3) applier cadence. That
// adds up to 3s of lag between a commit and its effect becoming visible to a
// linearizable read, which is acceptable for the default but not for tests:
// callers that need prompt visibility (tests, latency-sensitive deployments)
// should override it to something on the order of 10ms.
func DefaultConfig(metaPath string) Config {
	return Config{
		Capacity:      65536,
		ApplyInterval: 3 * time.Second,
		MetaPath:      metaPath,
	}
}

// RaftLog is a bounded ring of log entries plus the counters a Raft node
// and its background applier need: start_index <= last_applied <=
// commited <= index. start_index, last_applied and commited never
// decrease; index moves back only on a Reset.
type RaftLog struct {
	mu sync.Mutex

	startIndex  uint64
	index       uint64
	commited    uint64
	lastApplied uint64

	entries []Entry // entries[i] holds log index startIndex+i+1
	cap     int

	engine *storage.Engine
	cfg    Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open loads the persisted commit-index scalar (if present) and starts
// the background applier against engine.
func Open(cfg Config, engine *storage.Engine) (*RaftLog, error) {
	l := &RaftLog{
		cap:    cfg.Capacity,
		engine: engine,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := l.loadMeta(); err != nil {
		return nil, err
	}

	l.wg.Add(1)
	go l.applyLoop()

	return l, nil
}

// loadMeta re-establishes start_index = last_applied = commited = index
// from the persisted scalar. The source does not persist log entries,
// only the commit index; a restart begins with an empty in-memory log
// starting at that index. This matches the source's own model rather
// than resolving its noted open question toward log persistence.
func (l *RaftLog) loadMeta() error {
	data, err := os.ReadFile(l.cfg.MetaPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) < 8 {
		return storage.ErrCorruptedWAL
	}
	commited := binary.LittleEndian.Uint64(data)
	l.startIndex = commited
	l.index = commited
	l.commited = commited
	l.lastApplied = commited
	return nil
}

// SaveMeta persists the current commit index. Called on graceful Close.
func (l *RaftLog) SaveMeta() error {
	l.mu.Lock()
	commited := l.commited
	l.mu.Unlock()

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, commited)
	tmp := l.cfg.MetaPath + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, l.cfg.MetaPath)
}

// Put appends a leader-originated entry, assigning it the next index.
// Returns the new index, or ok=false if the ring is full.
func (l *RaftLog) Put(key, value []byte, term uint64) (idx uint64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= l.cap {
		return 0, false
	}

	entry := Entry{Index: l.index + 1, Term: term, Key: key, Value: value}
	l.entries = append(l.entries, entry)
	l.index++
	return entry.Index, true
}

// PutEntry appends a follower-side entry that already carries its index
// and term, as shipped by the leader's replicator.
func (l *RaftLog) PutEntry(entry Entry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= l.cap {
		return false
	}
	l.entries = append(l.entries, entry)
	l.index++
	return true
}

// At returns the entry at the given absolute log index.
func (l *RaftLog) At(index uint64) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index <= l.startIndex || index > l.index {
		return Entry{}, false
	}
	pos := index - l.startIndex - 1
	if pos >= uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[pos], true
}

// Reset truncates the log's suffix so that Index() == targetIndex,
// discarding any entries with a higher index. Used by a follower that
// must throw away uncommitted entries to align with the leader.
func (l *RaftLog) Reset(targetIndex uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.index <= targetIndex {
		return
	}
	keep := targetIndex - l.startIndex
	if keep > uint64(len(l.entries)) {
		keep = uint64(len(l.entries))
	}
	l.entries = l.entries[:keep]
	l.index = targetIndex
}

// UpdateCommit advances commited toward min(index, leaderCommit),
// never moving it backward.
func (l *RaftLog) UpdateCommit(leaderCommit uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bound := leaderCommit
	if l.index < bound {
		bound = l.index
	}
	if bound > l.commited {
		l.commited = bound
	}
}

// Index returns the last appended index.
func (l *RaftLog) Index() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index
}

// Commited returns the highest committed index.
func (l *RaftLog) Commited() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commited
}

// LastApplied returns the highest index the applier has written to the
// engine.
func (l *RaftLog) LastApplied() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastApplied
}

// StartIndex returns the index just before the oldest entry the ring
// still holds: the commit index loaded at Open (0 without a meta file),
// advanced by one for each applied entry drain pops.
func (l *RaftLog) StartIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startIndex
}

// applyLoop is the background applier: while last_applied < commited,
// advance and write the entry into the engine.
func (l *RaftLog) applyLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.ApplyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			l.drain()
			return
		case <-ticker.C:
			l.drain()
		}
	}
}

// drain applies every entry between last_applied and commited, then pops
// each applied entry off the front of the ring and advances start_index --
// the Go equivalent of the ring buffer's PopFront -- so a ring left Full
// regains capacity as the applier catches up instead of staying rejected
// forever. A follower lagging far enough behind that its next entry has
// already been popped simply gets no catch-up entry on that round (see
// replicateToPeer); it stays on heartbeats until an election restarts it.
func (l *RaftLog) drain() {
	for {
		l.mu.Lock()
		if l.lastApplied >= l.commited || len(l.entries) == 0 {
			l.mu.Unlock()
			return
		}
		next := l.lastApplied + 1
		if next != l.startIndex+1 {
			l.mu.Unlock()
			return
		}
		entry := l.entries[0]
		l.mu.Unlock()

		if entry.Deleted {
			l.engine.Delete(entry.Key)
		} else {
			l.engine.Put(entry.Key, entry.Value)
		}

		l.mu.Lock()
		l.lastApplied = next
		l.entries = l.entries[1:]
		l.startIndex++
		l.mu.Unlock()
	}
}

// Close stops the applier and persists the commit index.
func (l *RaftLog) Close() error {
	close(l.stopCh)
	l.wg.Wait()
	return l.SaveMeta()
}
