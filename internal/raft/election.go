package raft

import (
	"context"
	"time"

	"github.com/FoCDoT-Tech/quorum/internal/raft/storage"
	"github.com/FoCDoT-Tech/quorum/internal/types"
)

func (n *Node) randomElectionTimeout() time.Duration {
	min := n.cfg.Timing.ElectionTimeoutMin
	max := n.cfg.Timing.ElectionTimeoutMax
	return min + time.Duration(n.cfg.Rand.Int63n(int64(max-min)))
}

func (n *Node) resetElectionTimer() {
	n.electionTimer.Reset(n.randomElectionTimeout())
}

func (n *Node) lastLogInfo() (index, term uint64) {
	last, err := n.log.LastIndex()
	if err != nil {
		n.mustPersist(err, "read last index")
	}
	t, err := n.log.TermAt(last)
	if err != nil {
		n.mustPersist(err, "read last term")
	}
	return last, t
}

// onElectionTimeout transitions follower/candidate into a (new) candidacy.
// A split vote simply times out here again with a fresh randomized timeout.
func (n *Node) onElectionTimeout() {
	if n.role == RoleLeader {
		return
	}
	if !n.config.Contains(n.cfg.ID) {
		// Removed from the cluster; do not disrupt it.
		n.resetElectionTimer()
		return
	}

	n.currentTerm++
	n.role = RoleCandidate
	n.votedFor = n.cfg.ID
	n.hasVote = true
	n.mustPersist(n.stable.SetCurrentTerm(n.currentTerm), "persist term")
	n.mustPersist(n.stable.SetVotedFor(n.cfg.ID), "persist vote")

	n.votes = map[types.NodeID]bool{n.cfg.ID: true}
	n.metrics.Elections.Add(1)
	n.resetElectionTimer()

	n.logger.Info("starting election", "term", n.currentTerm)

	if n.config.Quorum(n.votes) {
		// Single-node cluster wins immediately.
		n.becomeLeader()
		return
	}
	n.broadcastRequestVote()
}

func (n *Node) broadcastRequestVote() {
	lastIdx, lastTerm := n.lastLogInfo()
	req := RequestVoteRequest{
		Term:         n.currentTerm,
		CandidateID:  n.cfg.ID,
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}
	for _, peer := range n.config.Members() {
		if peer == n.cfg.ID {
			continue
		}
		go func(peer types.NodeID) {
			ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timing.RPCTimeout)
			defer cancel()
			resp, err := n.tp.RequestVote(ctx, peer, req)
			if err != nil {
				n.logger.Debug("vote request failed", "peer", string(peer), "error", err)
				return
			}
			n.postEvent(voteReplyEvent{from: peer, term: req.Term, resp: resp})
		}(peer)
	}
}

func (n *Node) onVoteReply(ev voteReplyEvent) {
	if ev.resp.Term > n.currentTerm {
		n.stepDown(ev.resp.Term)
		return
	}
	// Stale reply from an earlier candidacy.
	if n.role != RoleCandidate || ev.term != n.currentTerm {
		return
	}
	if !ev.resp.VoteGranted {
		return
	}
	n.votes[ev.from] = true
	n.logger.Debug("vote granted", "peer", string(ev.from), "term", n.currentTerm)
	if n.config.Quorum(n.votes) {
		n.becomeLeader()
	}
}

// onRequestVote implements the vote-granting contract: the candidate's term
// must be current, at most one vote per term, and the candidate's log must be
// at least as up-to-date as ours.
func (n *Node) onRequestVote(req RequestVoteRequest) RequestVoteResponse {
	if req.Term > n.currentTerm {
		n.stepDown(req.Term)
	}
	resp := RequestVoteResponse{Term: n.currentTerm}
	if req.Term < n.currentTerm {
		return resp
	}

	if n.hasVote && n.votedFor != req.CandidateID {
		return resp
	}

	lastIdx, lastTerm := n.lastLogInfo()
	logOK := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIdx)
	if !logOK {
		return resp
	}

	n.votedFor = req.CandidateID
	n.hasVote = true
	n.mustPersist(n.stable.SetVotedFor(req.CandidateID), "persist vote")
	// Granting a vote means we believe this candidacy is viable; do not
	// disrupt it with our own.
	n.resetElectionTimer()
	n.logger.Debug("granting vote", "candidate", string(req.CandidateID), "term", req.Term)
	resp.VoteGranted = true
	return resp
}

// stepDown adopts a strictly greater term and returns to follower.
func (n *Node) stepDown(term uint64) {
	wasLeader := n.role == RoleLeader
	if term > n.currentTerm {
		n.currentTerm = term
		n.mustPersist(n.stable.SetCurrentTerm(term), "persist term")
		n.votedFor = ""
		n.hasVote = false
		n.mustPersist(n.stable.ClearVotedFor(), "clear vote")
	}
	n.becomeFollower()
	if wasLeader {
		n.logger.Info("stepping down", "term", n.currentTerm)
		n.failAllPending(ErrNotLeader)
	}
}

func (n *Node) becomeFollower() {
	n.role = RoleFollower
	n.votes = make(map[types.NodeID]bool)
	n.heartbeatTimer.Stop()
	n.resetElectionTimer()
}

func (n *Node) becomeLeader() {
	n.role = RoleLeader
	n.leaderHint = types.LeaderHint{LeaderID: n.cfg.ID, LeaderAddr: n.cfg.Addr}
	n.metrics.LeaderChanges.Add(1)

	last, _ := n.lastLogInfo()
	n.nextIndex = make(map[types.NodeID]uint64)
	n.matchIndex = make(map[types.NodeID]uint64)
	n.inflight = make(map[types.NodeID]bool)
	n.ackTime = make(map[types.NodeID]time.Time)
	for _, peer := range n.config.Members() {
		n.nextIndex[peer] = last + 1
		n.matchIndex[peer] = 0
	}

	// Commitment this term is anchored to a barrier entry: entries from
	// earlier terms commit underneath it, and reads wait for it. Until it
	// commits the new leader cannot prove which prior entries are committed.
	barrier := storage.LogEntry{Index: last + 1, Term: n.currentTerm, Kind: storage.EntryNoop}
	n.mustPersist(n.log.Append([]storage.LogEntry{barrier}), "append log")
	n.termStartIndex = barrier.Index
	n.matchIndex[n.cfg.ID] = barrier.Index

	n.logger.Info("became leader", "term", n.currentTerm, "last_index", barrier.Index)

	n.electionTimer.Stop()
	n.heartbeatTimer.Reset(n.cfg.Timing.HeartbeatInterval)
	n.broadcastAppend()
	n.advanceCommitIndex()
}

// onReadIndex serves the leader-lease read fast path: the commit index is a
// safe read index provided a quorum acknowledged this leader recently enough
// that no other leader can have been elected.
func (n *Node) onReadIndex() readIndexReply {
	if n.role != RoleLeader {
		return readIndexReply{err: ErrNotLeader}
	}
	// Until this term's barrier entry commits, entries the previous leader
	// committed may still sit above our commit index; serving it would miss
	// acknowledged writes.
	if n.commitIndex.Load() < n.termStartIndex {
		return readIndexReply{err: ErrUnavailable}
	}
	if !n.leaseValid() {
		return readIndexReply{err: ErrUnavailable}
	}
	return readIndexReply{index: n.commitIndex.Load()}
}

func (n *Node) leaseValid() bool {
	now := n.clock.Now()
	granted := map[types.NodeID]bool{n.cfg.ID: true}
	for peer, at := range n.ackTime {
		if now.Sub(at) <= n.cfg.Timing.ElectionTimeoutMin {
			granted[peer] = true
		}
	}
	return n.config.Quorum(granted)
}
