package raft

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matteso1/kvraft/internal/raftlog"
	"github.com/matteso1/kvraft/internal/rpc"
	"github.com/matteso1/kvraft/internal/storage"
)

// fakeTransport routes RPCs directly to in-process nodes by address,
// standing in for a real network for state-machine tests.
type fakeTransport struct {
	nodes map[string]*Node
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{nodes: make(map[string]*Node)}
}

func (f *fakeTransport) register(addr string, n *Node) {
	f.nodes[addr] = n
}

func (f *fakeTransport) RequestVote(ctx context.Context, addr string, req *rpc.VoteRequestMsg) (*rpc.VoteResponseMsg, error) {
	n, ok := f.nodes[addr]
	if !ok {
		return nil, errors.New("no such node")
	}
	return n.HandleRequestVote(req), nil
}

func (f *fakeTransport) Append(ctx context.Context, addr string, req *rpc.AppendRequestMsg) (*rpc.AppendResponseMsg, error) {
	n, ok := f.nodes[addr]
	if !ok {
		return nil, errors.New("no such node")
	}
	return n.HandleAppend(req), nil
}

func (f *fakeTransport) Get(ctx context.Context, addr string, req *rpc.GetRequestMsg) (*rpc.GetResponseMsg, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTransport) Put(ctx context.Context, addr string, req *rpc.PutRequestMsg) (*rpc.PutResponseMsg, error) {
	return nil, errors.New("not implemented")
}

func newTestLog(t *testing.T, name string) *raftlog.RaftLog {
	t.Helper()
	dir := t.TempDir()
	engine, err := storage.Open(dir, storage.DefaultEngineConfig())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { engine.Close() })

	cfg := raftlog.DefaultConfig(dir + "/raft_log_meta")
	cfg.ApplyInterval = 10 * time.Millisecond
	log, err := raftlog.Open(cfg, engine)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func TestNode_Creation(t *testing.T) {
	config := DefaultNodeConfig("node-1")
	config.Log = newTestLog(t, "node-1")
	config.Transport = newFakeTransport()
	node := NewNode(config)

	if node.ID() != "node-1" {
		t.Errorf("expected node-1, got %s", node.ID())
	}
	if node.State() != Follower {
		t.Errorf("expected Follower state, got %s", node.State())
	}
	if node.Term() != 0 {
		t.Errorf("expected term 0, got %d", node.Term())
	}
}

func TestNode_BecomesLeaderWithNoPeers(t *testing.T) {
	config := DefaultNodeConfig("node-1")
	config.Log = newTestLog(t, "node-1")
	config.Transport = newFakeTransport()
	config.ElectionTimeoutBase = 30 * time.Millisecond
	config.HeartbeatInterval = 10 * time.Millisecond

	stateChanges := make([]State, 0)
	config.OnStateChange = func(s State) {
		stateChanges = append(stateChanges, s)
	}

	node := NewNode(config)
	node.Start()
	defer node.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if node.State() == Leader {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if node.State() != Leader {
		t.Fatalf("expected Leader state, got %s", node.State())
	}
	if node.Term() != 1 {
		t.Errorf("expected term 1, got %d", node.Term())
	}
}

func TestNode_FreshNodeIsNotLeader(t *testing.T) {
	config := DefaultNodeConfig("node-1")
	config.Log = newTestLog(t, "node-1")
	config.Transport = newFakeTransport()
	node := NewNode(config)
	// Don't start - stays follower.

	if node.IsLeader() {
		t.Fatal("fresh follower reported itself leader")
	}
}

func TestVoteRequest_GrantsVote(t *testing.T) {
	config := DefaultNodeConfig("node-1")
	config.Log = newTestLog(t, "node-1")
	config.Transport = newFakeTransport()
	node := NewNode(config)
	node.Start()
	defer node.Stop()

	resp := node.HandleRequestVote(&rpc.VoteRequestMsg{
		Term:         1,
		CandidateID:  "node-2",
		LastLogIndex: 0,
	})

	if resp.Code != rpc.VoteGranted {
		t.Error("expected vote to be granted")
	}
}

func TestVoteRequest_RejectsOlderTerm(t *testing.T) {
	config := DefaultNodeConfig("node-1")
	config.Log = newTestLog(t, "node-1")
	config.Transport = newFakeTransport()
	node := NewNode(config)
	node.Start()
	defer node.Stop()

	// First, advance term by receiving a higher-term vote request.
	node.HandleRequestVote(&rpc.VoteRequestMsg{
		Term:        5,
		CandidateID: "node-2",
	})

	// Now try with an older term.
	resp := node.HandleRequestVote(&rpc.VoteRequestMsg{
		Term:        2,
		CandidateID: "node-3",
	})

	if resp.Code == rpc.VoteGranted {
		t.Error("expected vote to be rejected for older term")
	}
}

// TestThreeNode_ElectsSingleLeader wires three nodes together through a
// shared fakeTransport and checks exactly one converges on Leader.
func TestThreeNode_ElectsSingleLeader(t *testing.T) {
	transport := newFakeTransport()
	ids := []string{"n1", "n2", "n3"}
	addrs := map[string]string{"n1": "n1", "n2": "n2", "n3": "n3"}

	nodes := make(map[string]*Node)
	for _, id := range ids {
		peers := map[string]string{}
		for _, other := range ids {
			if other != id {
				peers[other] = addrs[other]
			}
		}
		cfg := DefaultNodeConfig(id)
		cfg.Addr = addrs[id]
		cfg.Peers = peers
		cfg.Log = newTestLog(t, id)
		cfg.Transport = transport
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.ElectionTimeoutBase = 60 * time.Millisecond
		n := NewNode(cfg)
		nodes[id] = n
		transport.register(addrs[id], n)
	}

	for _, n := range nodes {
		n.Start()
	}
	defer func() {
		for _, n := range nodes {
			n.Stop()
		}
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		leaders := 0
		for _, n := range nodes {
			if n.IsLeader() {
				leaders++
			}
		}
		if leaders == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("cluster did not converge on exactly one leader")
}
