// Command kvraft-server runs one node of the cluster: it opens the
// storage engine and replicated log, joins Raft, and serves the Vote,
// Append, Get, and Put RPCs.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/matteso1/kvraft/internal/config"
	"github.com/matteso1/kvraft/internal/metrics"
	"github.com/matteso1/kvraft/internal/raft"
	"github.com/matteso1/kvraft/internal/raftlog"
	"github.com/matteso1/kvraft/internal/rpc"
	"github.com/matteso1/kvraft/internal/server"
	"github.com/matteso1/kvraft/internal/storage"
)

func main() {
	clusterPath := flag.String("cluster", "raft.cfg", "path to the peer list")
	optionsPath := flag.String("options", "kvraft.yaml", "path to the storage/timer options file")
	dataDir := flag.String("data", "./data", "data directory")
	metricsAddr := flag.String("metrics-addr", ":9100", "address to serve /metrics on")
	flag.Parse()

	cluster, err := config.LoadClusterConfig(*clusterPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *clusterPath, err)
		os.Exit(1)
	}
	opts, err := config.LoadOptions(*optionsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *optionsPath, err)
		os.Exit(1)
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data dir: %v\n", err)
		os.Exit(1)
	}

	engine, err := storage.Open(*dataDir, opts.EngineConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open storage: %v\n", err)
		os.Exit(1)
	}

	logCfg := raftlog.DefaultConfig(*dataDir + "/raft_log_meta")
	log, err := raftlog.Open(logCfg, engine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open raft log: %v\n", err)
		os.Exit(1)
	}

	m := metrics.NewMetrics()

	nodeCfg := raft.DefaultNodeConfig(cluster.LocalID)
	nodeCfg.Addr = cluster.LocalAddr
	nodeCfg.Peers = cluster.PeerMap()
	nodeCfg.Log = log
	nodeCfg.Transport = rpc.NewGRPCTransport()
	nodeCfg.HeartbeatInterval = opts.HeartbeatInterval(nodeCfg.HeartbeatInterval)
	nodeCfg.ElectionTimeoutBase = opts.ElectionTimeoutBase(nodeCfg.ElectionTimeoutBase)
	nodeCfg.OnStateChange = func(s raft.State) {
		fmt.Printf("node %s: state -> %s\n", cluster.LocalID, s)
	}
	node := raft.NewNode(nodeCfg)
	node.Start()

	handler := server.NewHandler(node, engine, m)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("shutting down...")
		node.Stop()
		handler.Stop()
		os.Exit(0)
	}()

	fmt.Printf("kvraft node %s listening on %s (data: %s)\n", cluster.LocalID, cluster.LocalAddr, *dataDir)
	if err := handler.Serve(cluster.LocalAddr); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
