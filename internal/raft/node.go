// Package raft implements the leader-election and log-replication state
// machine described as "Pod" in the source: Follower/Candidate/Leader
// with a 1000ms heartbeat and a jittered ~5000ms election timeout.
package raft

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matteso1/kvraft/internal/raftlog"
	"github.com/matteso1/kvraft/internal/rpc"
)

// State represents the current role of a Raft node.
type State int32

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

const rpcTimeout = 2 * time.Second

// Node implements the Raft consensus algorithm over a raftlog.RaftLog,
// replicating to peers over an rpc.Transport.
type Node struct {
	id   string
	addr string
	// peers maps peer id -> "host:port", excluding self.
	peers map[string]string

	mu            sync.RWMutex
	currentTerm   uint64
	votedFor      string
	state         State
	leaderID      string
	lastHeartbeat time.Time

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	log       *raftlog.RaftLog
	transport rpc.Transport

	heartbeatInterval   time.Duration
	electionTimeoutBase time.Duration

	replicatorStop chan struct{}

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	onStateChange func(State)
}

// NodeConfig configures a Raft node.
type NodeConfig struct {
	ID                  string
	Addr                string
	Peers               map[string]string // peer id -> address
	Log                 *raftlog.RaftLog
	Transport           rpc.Transport
	HeartbeatInterval   time.Duration
	ElectionTimeoutBase time.Duration
	OnStateChange       func(State)
}

// DefaultNodeConfig returns the source's timer constants: a 1000ms
// heartbeat and a base of 5000ms for the jittered [T, 2T) election
// timeout (see ADR in DESIGN.md — the source's fixed 5000ms is a known
// split-vote risk this jitter fixes).
func DefaultNodeConfig(id string) NodeConfig {
	if id == "" {
		id = uuid.NewString()
	}
	return NodeConfig{
		ID:                  id,
		Peers:               map[string]string{},
		HeartbeatInterval:   1000 * time.Millisecond,
		ElectionTimeoutBase: 5000 * time.Millisecond,
	}
}

// NewNode creates a new Raft node. log and transport must be non-nil.
func NewNode(config NodeConfig) *Node {
	return &Node{
		id:                  config.ID,
		addr:                config.Addr,
		peers:               config.Peers,
		state:               Follower,
		nextIndex:           make(map[string]uint64),
		matchIndex:          make(map[string]uint64),
		log:                 config.Log,
		transport:           config.Transport,
		heartbeatInterval:   config.HeartbeatInterval,
		electionTimeoutBase: config.ElectionTimeoutBase,
		lastHeartbeat:       time.Now(),
		stopCh:              make(chan struct{}),
		onStateChange:       config.OnStateChange,
	}
}

// Start begins the Raft state machine.
func (n *Node) Start() {
	if n.running.Swap(true) {
		return
	}
	n.wg.Add(1)
	go n.run()
}

// Stop halts the Raft state machine and any active replicators.
func (n *Node) Stop() {
	if !n.running.Swap(false) {
		return
	}
	close(n.stopCh)
	n.wg.Wait()
}

// State returns the current node state.
func (n *Node) State() State {
	return State(atomic.LoadInt32((*int32)(&n.state)))
}

// IsLeader returns true if this node believes itself the leader.
func (n *Node) IsLeader() bool {
	return n.State() == Leader
}

// Term returns the current term.
func (n *Node) Term() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentTerm
}

// ID returns the node's id.
func (n *Node) ID() string { return n.id }

// LeaderAddr returns the address of the node currently believed to be
// leader, or "" if unknown.
func (n *Node) LeaderAddr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.leaderID == n.id {
		return n.addr
	}
	return n.peers[n.leaderID]
}

// Log exposes the underlying replicated log for callers that need to
// append client writes (internal/server.Handler.Put).
func (n *Node) Log() *raftlog.RaftLog { return n.log }

// QuorumPastIndex reports whether a strict majority of peers (including
// self) have next_index >= idx, the condition a leader's Put handler
// blocks on before returning success to the client. This matches the
// commit-advance path (tryAdvanceCommitLocked) and the commit invariant,
// both stated with >=; next_index is capped at logIndex per peer, so a
// strict > would never be satisfied for the most recently appended entry.
func (n *Node) QuorumPastIndex(idx uint64) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.state != Leader {
		return false
	}
	count := 1 // self, whose log already holds idx by construction
	for _, next := range n.nextIndex {
		if next >= idx {
			count++
		}
	}
	return count >= (len(n.peers)+1)/2+1
}

// run drives the election timer. Heartbeats are driven separately, one
// goroutine per peer, started in becomeLeader.
func (n *Node) run() {
	defer n.wg.Done()

	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-n.stopCh:
			n.stopReplicators()
			return
		case <-timer.C:
			n.mu.RLock()
			since := time.Since(n.lastHeartbeat)
			isLeader := n.state == Leader
			n.mu.RUnlock()
			if !isLeader && since >= n.electionTimeoutBase {
				n.startElection()
			}
			timer.Reset(n.randomElectionTimeout())
		}
	}
}

// randomElectionTimeout returns a uniform draw from [T, 2T), the fix
// spec'd for the source's fixed-5000ms split-vote risk.
func (n *Node) randomElectionTimeout() time.Duration {
	t := n.electionTimeoutBase
	return t + time.Duration(rand.Int63n(int64(t)))
}

// setStateLocked changes state and fires onStateChange. Caller must
// hold n.mu.
func (n *Node) setStateLocked(s State) {
	old := State(atomic.SwapInt32((*int32)(&n.state), int32(s)))
	if old != s && n.onStateChange != nil {
		n.onStateChange(s)
	}
}

// stepDownLocked adopts a higher term, clears the vote, stops any
// leader duties, and becomes Follower. Caller must hold n.mu.
func (n *Node) stepDownLocked(term uint64) {
	n.currentTerm = term
	n.votedFor = ""
	n.stopReplicatorsLocked()
	n.setStateLocked(Follower)
}

func (n *Node) stopReplicators() {
	n.mu.Lock()
	n.stopReplicatorsLocked()
	n.mu.Unlock()
}

func (n *Node) stopReplicatorsLocked() {
	if n.replicatorStop != nil {
		close(n.replicatorStop)
		n.replicatorStop = nil
	}
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), rpcTimeout)
}
