package raftlog

import (
	"os"
	"testing"
	"time"

	"github.com/matteso1/kvraft/internal/storage"
)

func newTestLog(t *testing.T) (*RaftLog, *storage.Engine, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "raftlog-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	engine, err := storage.Open(dir+"/data", storage.DefaultEngineConfig())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { engine.Close() })

	cfg := DefaultConfig(dir + "/raft_log_meta")
	cfg.ApplyInterval = 10 * time.Millisecond
	l, err := Open(cfg, engine)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	return l, engine, dir
}

func TestRaftLog_PutAndAt(t *testing.T) {
	l, _, _ := newTestLog(t)

	idx, ok := l.Put([]byte("k"), []byte("v"), 1)
	if !ok || idx != 1 {
		t.Fatalf("expected idx=1 ok=true, got idx=%d ok=%v", idx, ok)
	}

	entry, ok := l.At(1)
	if !ok || string(entry.Key) != "k" || string(entry.Value) != "v" {
		t.Fatalf("unexpected entry: %+v ok=%v", entry, ok)
	}

	if l.Index() != 1 {
		t.Fatalf("expected index 1, got %d", l.Index())
	}
}

func TestRaftLog_UpdateCommitClampsToIndex(t *testing.T) {
	l, _, _ := newTestLog(t)
	l.Put([]byte("a"), []byte("1"), 1)
	l.Put([]byte("b"), []byte("2"), 1)

	l.UpdateCommit(100) // beyond index
	if l.Commited() != 2 {
		t.Fatalf("expected commited clamped to index 2, got %d", l.Commited())
	}

	// commited never moves backward.
	l.UpdateCommit(0)
	if l.Commited() != 2 {
		t.Fatalf("expected commited to stay at 2, got %d", l.Commited())
	}
}

func TestRaftLog_Reset(t *testing.T) {
	l, _, _ := newTestLog(t)
	l.Put([]byte("a"), []byte("1"), 1)
	l.Put([]byte("b"), []byte("2"), 1)
	l.Put([]byte("c"), []byte("3"), 1)

	l.Reset(1)
	if l.Index() != 1 {
		t.Fatalf("expected index 1 after reset, got %d", l.Index())
	}
	if _, ok := l.At(2); ok {
		t.Fatal("expected entry 2 to be discarded")
	}
}

func TestRaftLog_ApplierWritesCommittedEntriesToEngine(t *testing.T) {
	l, engine, _ := newTestLog(t)

	idx, ok := l.Put([]byte("hello"), []byte("world"), 1)
	if !ok {
		t.Fatal("expected put to succeed")
	}
	l.UpdateCommit(idx)

	deadline := time.After(2 * time.Second)
	for {
		if l.LastApplied() >= idx {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for applier")
		case <-time.After(5 * time.Millisecond):
		}
	}

	value, err := engine.Get([]byte("hello"))
	if err != nil || string(value) != "world" {
		t.Fatalf("expected engine to observe applied entry, got %q err=%v", value, err)
	}
}

func TestRaftLog_FullRingRejectsPut(t *testing.T) {
	l, _, _ := newTestLog(t)
	l.cap = 2

	if _, ok := l.Put([]byte("a"), []byte("1"), 1); !ok {
		t.Fatal("expected first put to succeed")
	}
	if _, ok := l.Put([]byte("b"), []byte("2"), 1); !ok {
		t.Fatal("expected second put to succeed")
	}
	if _, ok := l.Put([]byte("c"), []byte("3"), 1); ok {
		t.Fatal("expected third put to fail on a full ring")
	}
}

func TestRaftLog_FullRingRecoversCapacityAfterApply(t *testing.T) {
	l, _, _ := newTestLog(t)
	l.cap = 2

	idx, ok := l.Put([]byte("a"), []byte("1"), 1)
	if !ok {
		t.Fatal("expected first put to succeed")
	}
	if _, ok := l.Put([]byte("b"), []byte("2"), 1); !ok {
		t.Fatal("expected second put to succeed")
	}
	if _, ok := l.Put([]byte("c"), []byte("3"), 1); ok {
		t.Fatal("expected third put to fail on a full ring")
	}

	l.UpdateCommit(idx)

	deadline := time.After(2 * time.Second)
	for {
		if l.LastApplied() >= idx {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for applier to drain the first entry")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, ok := l.Put([]byte("c"), []byte("3"), 1); !ok {
		t.Fatal("expected a put to succeed once the applier reclaimed space")
	}
}
