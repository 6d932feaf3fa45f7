package raft

import (
	"time"

	"github.com/matteso1/kvraft/internal/raftlog"
	"github.com/matteso1/kvraft/internal/rpc"
)

// runReplicator drives one peer: one Append per tick, a bare heartbeat
// or, whenever next_index trails the log's last index, a single-entry
// Append carrying the next entry.
func (n *Node) runReplicator(id, addr string, stop chan struct{}) {
	ticker := time.NewTicker(n.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.replicateToPeer(id, addr)
		}
	}
}

// replicateToPeer sends whatever the peer needs next: a bare heartbeat
// if it is caught up, otherwise the single entry at next_index. On a
// mismatch (-2) next_index backs off by one and the peer is retried on
// the next tick rather than in a tight loop, matching the heartbeat-paced
// catch-up described for the leader replicator.
func (n *Node) replicateToPeer(id, addr string) {
	n.mu.RLock()
	if n.state != Leader {
		n.mu.RUnlock()
		return
	}
	term := n.currentTerm
	commited := n.log.Commited()
	next := n.nextIndex[id]
	logIndex := n.log.Index()
	n.mu.RUnlock()

	req := &rpc.AppendRequestMsg{
		Term:        term,
		LeaderID:    n.id,
		CommitIndex: commited,
	}

	sentEntry := false
	if next < logIndex {
		entry, ok := n.log.At(next + 1)
		if ok {
			req.Entries = []rpc.LogEntryMsg{{
				Index:   entry.Index,
				Term:    entry.Term,
				Key:     entry.Key,
				Value:   entry.Value,
				Deleted: entry.Deleted,
			}}
			sentEntry = true
		}
	}

	ctx, cancel := withTimeout()
	resp, err := n.transport.Append(ctx, addr, req)
	cancel()
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != Leader || n.currentTerm != term {
		return
	}
	if resp.Term > n.currentTerm {
		n.stepDownLocked(resp.Term)
		return
	}

	switch resp.Code {
	case rpc.AppendAccepted:
		if sentEntry {
			n.nextIndex[id]++
			n.matchIndex[id] = n.nextIndex[id]
			n.tryAdvanceCommitLocked()
		}
	case rpc.AppendMismatch:
		if n.nextIndex[id] > 0 {
			n.nextIndex[id]--
		}
	}
}

// TryAdvanceCommit recomputes the commit index against the current
// nextIndex table. Callers use this right after a local log append (the
// leader's own Put path, or becomeLeader for a peerless cluster) so a
// lone leader's writes commit without waiting on a replicator tick.
func (n *Node) TryAdvanceCommit() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tryAdvanceCommitLocked()
}

// tryAdvanceCommitLocked recomputes the commit index as the highest N
// for which a majority of nodes (including self) have next_index >= N,
// using next_index rather than match_index for this check. Caller must
// hold n.mu.
func (n *Node) tryAdvanceCommitLocked() {
	logIndex := n.log.Index()
	commited := n.log.Commited()
	majority := (len(n.peers)+1)/2 + 1

	for N := logIndex; N > commited; N-- {
		count := 1 // self
		for _, next := range n.nextIndex {
			if next >= N {
				count++
			}
		}
		if count >= majority {
			n.log.UpdateCommit(N)
			return
		}
	}
}

// HandleAppend is the follower side of Append.
func (n *Node) HandleAppend(req *rpc.AppendRequestMsg) *rpc.AppendResponseMsg {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return &rpc.AppendResponseMsg{Term: n.currentTerm, Code: rpc.AppendMismatch}
	}

	logIndex := n.log.Index()
	incomingIndex := uint64(0)
	if len(req.Entries) > 0 {
		incomingIndex = req.Entries[0].Index
	}
	if req.Term > n.currentTerm || (req.Term == n.currentTerm && incomingIndex > logIndex) {
		n.stepDownLocked(req.Term)
	}

	n.lastHeartbeat = time.Now()
	n.leaderID = req.LeaderID

	n.log.UpdateCommit(req.CommitIndex)

	if len(req.Entries) == 0 {
		return &rpc.AppendResponseMsg{Term: n.currentTerm, Code: rpc.AppendAccepted}
	}
	if len(req.Entries) > 1 {
		return &rpc.AppendResponseMsg{Term: n.currentTerm, Code: rpc.AppendUnsupportedMultiple}
	}

	entry := req.Entries[0]
	logIndex = n.log.Index()

	if entry.Index == logIndex+1 {
		n.log.PutEntry(raftlog.Entry{
			Index:   entry.Index,
			Term:    entry.Term,
			Key:     entry.Key,
			Value:   entry.Value,
			Deleted: entry.Deleted,
		})
		return &rpc.AppendResponseMsg{Term: n.currentTerm, Code: rpc.AppendAccepted}
	}

	commited := n.log.Commited()
	if commited < logIndex && req.CommitIndex > commited && req.CommitIndex <= logIndex {
		n.log.Reset(commited)
		logIndex = n.log.Index()
		if entry.Index == logIndex+1 {
			n.log.PutEntry(raftlog.Entry{
				Index:   entry.Index,
				Term:    entry.Term,
				Key:     entry.Key,
				Value:   entry.Value,
				Deleted: entry.Deleted,
			})
			return &rpc.AppendResponseMsg{Term: n.currentTerm, Code: rpc.AppendAccepted}
		}
	}

	return &rpc.AppendResponseMsg{Term: n.currentTerm, Code: rpc.AppendMismatch}
}
