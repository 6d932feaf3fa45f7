package storage

import (
	"fmt"
	"path/filepath"
	"testing"
)

func writeTestSST(t *testing.T, dir string, id uint64, kvs map[string]string) *SSTable {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("%d.sst", id))
	w := NewSSTableWriter(path, id, DefaultSSTableConfig())
	keys := make([]string, 0, len(kvs))
	for k := range kvs {
		keys = append(keys, k)
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	for i, k := range keys {
		w.Add(&Entry{Key: []byte(k), Value: []byte(kvs[k]), Timestamp: uint64(i)})
	}
	sst, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return sst
}

func TestManifest_InsertAndUpdate_IsCopyOnWrite(t *testing.T) {
	dir := t.TempDir()
	m1 := NewManifest(DefaultLevelThresholds())

	sst1 := writeTestSST(t, dir, 1, map[string]string{"a": "1"})
	m2 := m1.InsertAndUpdate(sst1)

	if len(m1.Levels()[0].ssts) != 0 {
		t.Fatalf("original manifest mutated: level 0 has %d ssts", len(m1.Levels()[0].ssts))
	}
	if len(m2.Levels()[0].ssts) != 1 {
		t.Fatalf("new manifest missing insert: level 0 has %d ssts", len(m2.Levels()[0].ssts))
	}
	if m2.version != m1.version+1 {
		t.Fatalf("expected version bump, got %d -> %d", m1.version, m2.version)
	}

	if _, ok, _ := m1.Get([]byte("a")); ok {
		t.Fatal("original manifest should not see key inserted into the copy")
	}
	if v, ok, _ := m2.Get([]byte("a")); !ok || string(v) != "1" {
		t.Fatalf("expected a=1 in new manifest, got %q ok=%v", v, ok)
	}
}

func TestManifest_Level0Get_NewestSSTWins(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(DefaultLevelThresholds())

	old := writeTestSST(t, dir, 1, map[string]string{"k": "old"})
	fresh := writeTestSST(t, dir, 2, map[string]string{"k": "fresh"})

	m = m.InsertAndUpdate(old)
	m = m.InsertAndUpdate(fresh)

	v, ok, err := m.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(v) != "fresh" {
		t.Fatalf("expected fresh (newest sst wins), got %q ok=%v", v, ok)
	}
}

func TestManifest_LevelN_BinarySearchGet(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(DefaultLevelThresholds())
	m.levels = append(m.levels, &Level{number: 1, ssts: []*SSTable{
		writeTestSST(t, dir, 10, map[string]string{"a": "1", "b": "2"}),
		writeTestSST(t, dir, 11, map[string]string{"m": "3", "n": "4"}),
		writeTestSST(t, dir, 12, map[string]string{"y": "5", "z": "6"}),
	}})

	cases := map[string]string{"a": "1", "n": "4", "z": "6"}
	for k, want := range cases {
		v, ok, err := m.Get([]byte(k))
		if err != nil || !ok || string(v) != want {
			t.Errorf("Get(%q) = %q, %v, %v; want %q", k, v, ok, err, want)
		}
	}
	if _, ok, _ := m.Get([]byte("missing")); ok {
		t.Error("expected missing key to not be found")
	}
}

func TestManifest_SizeTieredCompaction_MergesAndDedups(t *testing.T) {
	dir := t.TempDir()
	thresholds := DefaultLevelThresholds()
	thresholds[0] = 1 // force compaction on any Level 0 content
	m := NewManifest(thresholds)

	m = m.InsertAndUpdate(writeTestSST(t, dir, 1, map[string]string{"a": "1", "b": "1"}))
	m = m.InsertAndUpdate(writeTestSST(t, dir, 2, map[string]string{"b": "2", "c": "2"}))

	if !m.CanCompact() {
		t.Fatal("expected CanCompact to be true")
	}

	nextID, err := m.SizeTieredCompaction(100, DefaultSSTableConfig(), func(id uint64) string {
		return filepath.Join(dir, fmt.Sprintf("%d.sst", id))
	})
	if err != nil {
		t.Fatalf("SizeTieredCompaction: %v", err)
	}
	if nextID != 101 {
		t.Fatalf("expected one new sst id allocated, got next=%d", nextID)
	}

	if len(m.Levels()[0].ssts) != 0 {
		t.Fatalf("expected level 0 emptied after compaction, has %d", len(m.Levels()[0].ssts))
	}
	if len(m.Levels()) < 2 || len(m.Levels()[1].ssts) != 1 {
		t.Fatalf("expected level 1 to hold exactly one merged sst")
	}

	v, ok, err := m.Get([]byte("b"))
	if err != nil || !ok || string(v) != "2" {
		t.Fatalf("expected newest value for b (2), got %q ok=%v err=%v", v, ok, err)
	}
	for k, want := range map[string]string{"a": "1", "c": "2"} {
		v, ok, err := m.Get([]byte(k))
		if err != nil || !ok || string(v) != want {
			t.Errorf("Get(%q) = %q, %v; want %q", k, v, ok, want)
		}
	}
}

func TestManifest_SaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(DefaultLevelThresholds())
	m = m.InsertAndUpdate(writeTestSST(t, dir, 1, map[string]string{"a": "1"}))
	m = m.InsertAndUpdate(writeTestSST(t, dir, 2, map[string]string{"b": "2"}))

	buf := m.Save()

	opened := map[uint64]*SSTable{}
	loaded, err := LoadManifest(buf, DefaultLevelThresholds(), func(id uint64) (*SSTable, error) {
		if sst, ok := opened[id]; ok {
			return sst, nil
		}
		sst, err := OpenSSTable(filepath.Join(dir, fmt.Sprintf("%d.sst", id)), id)
		if err != nil {
			return nil, err
		}
		opened[id] = sst
		return sst, nil
	})
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}

	if loaded.MaxSSTID() != 2 {
		t.Fatalf("expected max sst id 2, got %d", loaded.MaxSSTID())
	}
	v, ok, err := loaded.Get([]byte("a"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("expected a=1 after reload, got %q ok=%v err=%v", v, ok, err)
	}

	// A too-short buffer must not panic.
	if _, err := LoadManifest([]byte{1, 2, 3}, DefaultLevelThresholds(), nil); err != ErrManifestCorrupt {
		t.Fatalf("expected ErrManifestCorrupt for a short buffer, got %v", err)
	}
}
