// Package config loads the two files a node needs to start: raft.cfg,
// the peer list in the source's plain-text format, and an options file
// covering storage and timer tunables.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matteso1/kvraft/internal/storage"
)

// Peer is one entry from raft.cfg's peer list.
type Peer struct {
	ID   string
	Addr string
}

// ClusterConfig is a parsed raft.cfg: every peer (including, possibly,
// self) plus the local node's own id/address.
type ClusterConfig struct {
	Peers     []Peer
	LocalID   string
	LocalAddr string
}

// LoadClusterConfig parses raft.cfg: first line N, then N lines of
// "id ip port", then one closing line of "id ip port" for the local
// node.
func LoadClusterConfig(path string) (ClusterConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return ClusterConfig{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	fields := func() ([]string, bool) {
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			return strings.Fields(line), true
		}
		return nil, false
	}

	first, ok := fields()
	if !ok {
		return ClusterConfig{}, fmt.Errorf("%s: missing peer count", path)
	}
	n, err := strconv.Atoi(first[0])
	if err != nil {
		return ClusterConfig{}, fmt.Errorf("%s: bad peer count %q: %w", path, first[0], err)
	}

	cfg := ClusterConfig{Peers: make([]Peer, 0, n)}
	for i := 0; i < n; i++ {
		f, ok := fields()
		if !ok || len(f) < 3 {
			return ClusterConfig{}, fmt.Errorf("%s: expected %d peer lines, short at %d", path, n, i)
		}
		cfg.Peers = append(cfg.Peers, Peer{ID: f[0], Addr: f[1] + ":" + f[2]})
	}

	local, ok := fields()
	if !ok || len(local) < 3 {
		return ClusterConfig{}, fmt.Errorf("%s: missing local address line", path)
	}
	cfg.LocalID = local[0]
	cfg.LocalAddr = local[1] + ":" + local[2]

	return cfg, nil
}

// PeerMap returns every configured peer except the local node, keyed by
// id, ready to hand to raft.NodeConfig.Peers.
func (c ClusterConfig) PeerMap() map[string]string {
	peers := make(map[string]string, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID != c.LocalID {
			peers[p.ID] = p.Addr
		}
	}
	return peers
}

// Options covers the recognized storage and timer tunables, loaded from
// a YAML file. Zero values fall back to storage/raft defaults, except
// BlockCacheEnabled: its zero value (false) turns the block cache off.
type Options struct {
	MemTableMaxSizeBytes int64  `yaml:"memtable_max_size_bytes"`
	Compression          string `yaml:"compression"`
	CompressionMinSize   int    `yaml:"compression_min_size"`

	BlockCacheEnabled        bool  `yaml:"block_cache_enabled"`
	BlockCacheCapacityBytes  int64 `yaml:"block_cache_capacity_bytes"`
	BlockCacheMaxBlockBytes  int64 `yaml:"block_cache_max_block_bytes"`

	HeartbeatIntervalMS int   `yaml:"heartbeat_interval_ms"`
	ElectionTimeoutMS   int   `yaml:"election_timeout_ms"`
	LevelThresholdBytes []int64 `yaml:"level_thresholds_bytes"`
}

// LoadOptions reads a YAML options file. A missing file is not an
// error: it just means every option takes its default.
func LoadOptions(path string) (Options, error) {
	var opts Options
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return opts, nil
	}
	if err != nil {
		return opts, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse %s: %w", path, err)
	}
	return opts, nil
}

// EngineConfig applies the recognized options on top of storage's
// defaults.
func (o Options) EngineConfig() storage.EngineConfig {
	cfg := storage.DefaultEngineConfig()

	if o.MemTableMaxSizeBytes > 0 {
		cfg.MemTableSize = o.MemTableMaxSizeBytes
	}
	switch strings.ToLower(o.Compression) {
	case "snappy":
		cfg.SSTable.Compression = storage.CompressionSnappy
	case "lz4":
		cfg.SSTable.Compression = storage.CompressionLZ4
	case "none", "":
	}
	if o.CompressionMinSize > 0 {
		cfg.SSTable.CompressionMinSize = o.CompressionMinSize
	}

	if o.BlockCacheCapacityBytes > 0 {
		cfg.BlockCache.MaxCapacityBytes = o.BlockCacheCapacityBytes
	}
	if o.BlockCacheMaxBlockBytes > 0 {
		cfg.BlockCache.MaxBlockBytes = o.BlockCacheMaxBlockBytes
	}
	if !o.BlockCacheEnabled {
		// Negative, not zero: zero means "unbounded" to BlockCache, not
		// "off". Negative rejects every insert instead.
		cfg.BlockCache.MaxCapacityBytes = -1
	}

	for i, v := range o.LevelThresholdBytes {
		if i >= len(cfg.LevelThresholds) {
			break
		}
		if v > 0 {
			cfg.LevelThresholds[i] = v
		}
	}

	return cfg
}

// HeartbeatInterval returns the configured heartbeat interval, or the
// raft package default if unset.
func (o Options) HeartbeatInterval(def time.Duration) time.Duration {
	if o.HeartbeatIntervalMS > 0 {
		return time.Duration(o.HeartbeatIntervalMS) * time.Millisecond
	}
	return def
}

// ElectionTimeoutBase returns the configured base election timeout, or
// the raft package default if unset.
func (o Options) ElectionTimeoutBase(def time.Duration) time.Duration {
	if o.ElectionTimeoutMS > 0 {
		return time.Duration(o.ElectionTimeoutMS) * time.Millisecond
	}
	return def
}
