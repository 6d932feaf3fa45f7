package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/matteso1/kvraft/internal/storage"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadClusterConfig_ParsesPeersAndLocalAddr(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "raft.cfg", "3\n1 10.0.0.1 8001\n2 10.0.0.2 8001\n3 10.0.0.3 8001\n1 10.0.0.1 8001\n")

	cfg, err := LoadClusterConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Peers) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(cfg.Peers))
	}
	if cfg.LocalID != "1" || cfg.LocalAddr != "10.0.0.1:8001" {
		t.Fatalf("unexpected local address: %+v", cfg)
	}

	peers := cfg.PeerMap()
	if _, ok := peers["1"]; ok {
		t.Error("PeerMap should exclude the local node")
	}
	if peers["2"] != "10.0.0.2:8001" || peers["3"] != "10.0.0.3:8001" {
		t.Fatalf("unexpected peer map: %+v", peers)
	}
}

func TestLoadClusterConfig_MissingFile(t *testing.T) {
	_, err := LoadClusterConfig(filepath.Join(t.TempDir(), "missing.cfg"))
	if err == nil {
		t.Fatal("expected an error for a missing cluster config")
	}
}

func TestLoadOptions_MissingFileReturnsZeroValue(t *testing.T) {
	opts, err := LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if opts.MemTableMaxSizeBytes != 0 {
		t.Fatalf("expected zero-value options, got %+v", opts)
	}
}

func TestLoadOptions_ParsesRecognizedKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "kvraft.yaml", `
memtable_max_size_bytes: 33554432
compression: snappy
compression_min_size: 512
block_cache_enabled: true
block_cache_capacity_bytes: 1048576
heartbeat_interval_ms: 500
election_timeout_ms: 2000
level_thresholds_bytes: [1000, 20000]
`)

	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatal(err)
	}
	if opts.MemTableMaxSizeBytes != 33554432 {
		t.Errorf("unexpected memtable size: %d", opts.MemTableMaxSizeBytes)
	}
	if opts.Compression != "snappy" {
		t.Errorf("unexpected compression: %s", opts.Compression)
	}

	engineCfg := opts.EngineConfig()
	if engineCfg.SSTable.Compression != storage.CompressionSnappy {
		t.Errorf("expected snappy compression in engine config, got %v", engineCfg.SSTable.Compression)
	}
	if engineCfg.MemTableSize != 33554432 {
		t.Errorf("expected memtable size to be overridden, got %d", engineCfg.MemTableSize)
	}
	if engineCfg.LevelThresholds[0] != 1000 || engineCfg.LevelThresholds[1] != 20000 {
		t.Errorf("expected first two level thresholds overridden, got %v", engineCfg.LevelThresholds)
	}
}

func TestOptions_DisabledBlockCacheIsNotUnbounded(t *testing.T) {
	opts := Options{BlockCacheEnabled: false}
	engineCfg := opts.EngineConfig()
	if engineCfg.BlockCache.MaxCapacityBytes >= 0 {
		t.Fatalf("expected a disabled cache to use a negative sentinel, got %d", engineCfg.BlockCache.MaxCapacityBytes)
	}
}
