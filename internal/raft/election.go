package raft

import (
	"sync/atomic"
	"time"

	"github.com/matteso1/kvraft/internal/rpc"
)

// startElection transitions to Candidate and requests votes from every
// peer in parallel, becoming Leader on a strict majority.
func (n *Node) startElection() {
	n.mu.Lock()
	n.currentTerm++
	n.votedFor = n.id
	n.setStateLocked(Candidate)
	n.leaderID = ""
	term := n.currentTerm
	lastLogIndex := n.log.Index()
	n.mu.Unlock()

	if len(n.peers) == 0 {
		n.becomeLeader()
		return
	}

	votes := int32(1)
	majority := int32(len(n.peers)+1)/2 + 1
	respCh := make(chan *rpc.VoteResponseMsg, len(n.peers))

	for _, addr := range n.peers {
		go func(addr string) {
			ctx, cancel := withTimeout()
			defer cancel()
			resp, err := n.transport.RequestVote(ctx, addr, &rpc.VoteRequestMsg{
				Term:         term,
				CandidateID:  n.id,
				LastLogIndex: lastLogIndex,
			})
			if err != nil {
				return
			}
			respCh <- resp
		}(addr)
	}

	deadline := time.After(rpcTimeout)
	for i := 0; i < len(n.peers); i++ {
		select {
		case resp := <-respCh:
			n.mu.Lock()
			if resp.Term > n.currentTerm {
				n.stepDownLocked(resp.Term)
				n.mu.Unlock()
				return
			}
			stillCandidate := n.state == Candidate && n.currentTerm == term
			n.mu.Unlock()
			if !stillCandidate {
				return
			}
			if resp.Code == rpc.VoteGranted {
				if atomic.AddInt32(&votes, 1) >= majority {
					n.becomeLeader()
					return
				}
			}
		case <-deadline:
			return
		case <-n.stopCh:
			return
		}
	}
}

// becomeLeader initializes leader state and starts one replicator
// goroutine per peer. Per spec, next_index starts at the log's commit
// index rather than its last index -- a source simplification that
// costs an extra round of mismatch-driven backoff per peer on takeover
// but keeps the leader from ever needing a follower's log state before
// asking.
func (n *Node) becomeLeader() {
	n.mu.Lock()
	if n.state != Candidate {
		n.mu.Unlock()
		return
	}
	n.setStateLocked(Leader)
	n.leaderID = n.id
	commit := n.log.Commited()
	for id := range n.peers {
		n.nextIndex[id] = commit
		n.matchIndex[id] = 0
	}
	stop := make(chan struct{})
	n.replicatorStop = stop
	peers := make(map[string]string, len(n.peers))
	for id, addr := range n.peers {
		peers[id] = addr
	}
	n.mu.Unlock()

	for id, addr := range peers {
		n.wg.Add(1)
		go func(id, addr string) {
			defer n.wg.Done()
			n.runReplicator(id, addr, stop)
		}(id, addr)
	}

	if len(peers) == 0 {
		// A lone leader forms its own majority; nothing will ever ack a
		// replicator round to advance commit, so do it here and again
		// after every local append in Handler.Put.
		n.TryAdvanceCommit()
	}
}

// HandleRequestVote is the voter side of RequestVote (spec §4.9).
func (n *Node) HandleRequestVote(req *rpc.VoteRequestMsg) *rpc.VoteResponseMsg {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return &rpc.VoteResponseMsg{Term: n.currentTerm, Code: rpc.VoteRejected}
	}
	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}

	if req.LastLogIndex < n.log.Index() {
		return &rpc.VoteResponseMsg{Term: n.currentTerm, Code: rpc.VoteRejected}
	}
	if n.votedFor != "" {
		return &rpc.VoteResponseMsg{Term: n.currentTerm, Code: rpc.VoteRejected}
	}

	n.votedFor = req.CandidateID
	n.lastHeartbeat = time.Now()
	return &rpc.VoteResponseMsg{Term: n.currentTerm, Code: rpc.VoteGranted}
}
