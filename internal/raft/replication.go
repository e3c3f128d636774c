package raft

import (
	"context"

	"github.com/FoCDoT-Tech/quorum/internal/raft/storage"
	"github.com/FoCDoT-Tech/quorum/internal/types"
)

func (n *Node) onHeartbeatTick() {
	if n.role != RoleLeader {
		return
	}
	n.metrics.Heartbeats.Add(1)
	n.heartbeatTimer.Reset(n.cfg.Timing.HeartbeatInterval)
	n.broadcastAppend()
}

func (n *Node) broadcastAppend() {
	for _, peer := range n.config.Members() {
		if peer == n.cfg.ID {
			continue
		}
		n.sendAppend(peer)
	}
}

// sendAppend ships the peer's next entries (or a bare heartbeat) in a
// fire-and-forget goroutine; the reply re-enters the event loop. At most one
// RPC is in flight per peer, and unreachable peers are retried on every
// heartbeat tick indefinitely.
func (n *Node) sendAppend(peer types.NodeID) {
	if n.inflight[peer] {
		return
	}
	first, err := n.log.FirstIndex()
	if err != nil {
		n.mustPersist(err, "read first index")
	}
	nextIdx := n.nextIndex[peer]
	if nextIdx == 0 {
		nextIdx = 1
		n.nextIndex[peer] = 1
	}
	if nextIdx < first {
		// The entries this peer needs are compacted away.
		n.sendSnapshot(peer)
		return
	}

	prevIdx := nextIdx - 1
	prevTerm, err := n.log.TermAt(prevIdx)
	if err != nil {
		n.logger.Warn("prev entry unavailable, resetting next index", "peer", string(peer), "index", prevIdx)
		n.nextIndex[peer] = first
		return
	}

	last, err := n.log.LastIndex()
	if err != nil {
		n.mustPersist(err, "read last index")
	}
	var entries []storage.LogEntry
	if nextIdx <= last {
		entries, err = n.log.ReadRange(nextIdx, last)
		if err != nil {
			n.logger.Warn("read entries failed", "peer", string(peer), "error", err)
			return
		}
	}

	req := AppendEntriesRequest{
		Term:         n.currentTerm,
		LeaderID:     n.cfg.ID,
		LeaderAddr:   n.cfg.Addr,
		PrevLogIndex: prevIdx,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex.Load(),
	}
	n.inflight[peer] = true
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timing.RPCTimeout)
		defer cancel()
		resp, err := n.tp.AppendEntries(ctx, peer, req)
		if err != nil {
			n.postEvent(peerDownEvent{from: peer})
			return
		}
		n.postEvent(appendReplyEvent{from: peer, req: req, resp: resp})
	}()
}

func (n *Node) onAppendReply(ev appendReplyEvent) {
	delete(n.inflight, ev.from)
	if ev.resp.Term > n.currentTerm {
		n.stepDown(ev.resp.Term)
		return
	}
	// Stale reply: we are no longer the leader that sent this RPC.
	if n.role != RoleLeader || ev.req.Term != n.currentTerm {
		return
	}

	if ev.resp.Success {
		n.ackTime[ev.from] = n.clock.Now()
		match := ev.req.PrevLogIndex + uint64(len(ev.req.Entries))
		if match > n.matchIndex[ev.from] {
			n.matchIndex[ev.from] = match
		}
		n.nextIndex[ev.from] = n.matchIndex[ev.from] + 1
		if len(ev.req.Entries) > 0 {
			n.metrics.EntriesReplicated.Add(uint64(len(ev.req.Entries)))
		}
		n.advanceCommitIndex()

		last, _ := n.log.LastIndex()
		if n.nextIndex[ev.from] <= last {
			n.sendAppend(ev.from)
		}
		return
	}

	n.backOffNextIndex(ev.from, ev.resp)
	n.sendAppend(ev.from)
}

// backOffNextIndex uses the follower's conflict report to skip over a whole
// diverging term instead of probing one index at a time.
func (n *Node) backOffNextIndex(peer types.NodeID, resp AppendEntriesResponse) {
	last, _ := n.log.LastIndex()

	if resp.ConflictTerm == 0 {
		// Follower's log is shorter than prevLogIndex.
		n.nextIndex[peer] = resp.ConflictIndex
	} else {
		found := false
		for i := resp.ConflictIndex; i <= last; i++ {
			t, err := n.log.TermAt(i)
			if err != nil {
				break
			}
			if t == resp.ConflictTerm {
				// We hold entries of the conflict term; resume after our
				// last entry of that term.
				for j := i; j <= last; j++ {
					t2, _ := n.log.TermAt(j)
					if t2 != resp.ConflictTerm {
						n.nextIndex[peer] = j
						found = true
						break
					}
				}
				if !found {
					n.nextIndex[peer] = last + 1
					found = true
				}
				break
			}
		}
		if !found {
			n.nextIndex[peer] = resp.ConflictIndex
		}
	}

	if n.nextIndex[peer] < 1 {
		n.nextIndex[peer] = 1
	}
}

// advanceCommitIndex advances commitIndex to the highest index replicated to
// a quorum. Only entries of the current term are counted directly; earlier
// uncommitted entries commit transitively underneath them. While a joint
// configuration is active the quorum must hold in both member sets.
func (n *Node) advanceCommitIndex() {
	if n.role != RoleLeader {
		return
	}
	last, _ := n.log.LastIndex()
	commit := n.commitIndex.Load()
	newCommit := commit

	for idx := commit + 1; idx <= last; idx++ {
		term, err := n.log.TermAt(idx)
		if err != nil {
			break
		}
		if term != n.currentTerm {
			continue
		}
		granted := make(map[types.NodeID]bool)
		for _, peer := range n.config.Members() {
			if n.matchIndex[peer] >= idx {
				granted[peer] = true
			}
		}
		if n.config.Quorum(granted) {
			newCommit = idx
		}
	}

	if newCommit > commit {
		n.commitIndex.Store(newCommit)
		n.signalApplier()
		n.maybeFinalizeConfig(newCommit)
	}
}

// onAppendEntries is the follower side of replication: accept the sender as
// leader for its term, verify log consistency at prevLogIndex, truncate a
// conflicting suffix, append, and advance the commit index.
func (n *Node) onAppendEntries(req AppendEntriesRequest) AppendEntriesResponse {
	if req.Term > n.currentTerm {
		n.stepDown(req.Term)
	}
	if req.Term < n.currentTerm {
		return AppendEntriesResponse{Term: n.currentTerm}
	}

	if n.role != RoleFollower {
		n.becomeFollower()
	}
	n.leaderHint = types.LeaderHint{LeaderID: req.LeaderID, LeaderAddr: req.LeaderAddr}
	n.resetElectionTimer()

	first, _ := n.log.FirstIndex()
	last, _ := n.log.LastIndex()
	base := first - 1

	if req.PrevLogIndex > 0 && req.PrevLogIndex > base {
		if req.PrevLogIndex > last {
			return AppendEntriesResponse{
				Term:          n.currentTerm,
				ConflictIndex: last + 1,
			}
		}
		prevTerm, err := n.log.TermAt(req.PrevLogIndex)
		if err != nil {
			return AppendEntriesResponse{
				Term:          n.currentTerm,
				ConflictIndex: req.PrevLogIndex,
			}
		}
		if prevTerm != req.PrevLogTerm {
			// Report the first index of the conflicting term so the leader
			// can back off past it in one round trip.
			conflictIndex := req.PrevLogIndex
			for conflictIndex > first {
				t, err := n.log.TermAt(conflictIndex - 1)
				if err != nil || t != prevTerm {
					break
				}
				conflictIndex--
			}
			return AppendEntriesResponse{
				Term:          n.currentTerm,
				ConflictIndex: conflictIndex,
				ConflictTerm:  prevTerm,
			}
		}
	}

	for i, entry := range req.Entries {
		if entry.Index <= base {
			// Covered by our snapshot; already committed and identical.
			continue
		}
		if entry.Index <= last {
			existing, err := n.log.TermAt(entry.Index)
			if err == nil && existing == entry.Term {
				continue
			}
			// Conflicting uncommitted suffix: truncate and replace.
			n.mustPersist(n.log.DeleteFrom(entry.Index), "truncate log")
			n.failPendingFrom(entry.Index, ErrNotLeader)
			if n.configIndex >= entry.Index {
				n.rescanConfig()
			}
			n.mustPersist(n.log.Append(req.Entries[i:]), "append log")
			n.adoptConfigFromEntries(req.Entries[i:])
			break
		}
		n.mustPersist(n.log.Append(req.Entries[i:]), "append log")
		n.adoptConfigFromEntries(req.Entries[i:])
		break
	}

	match := req.PrevLogIndex + uint64(len(req.Entries))

	// commitIndex moves to min(leaderCommit, last entry this request
	// verified); entries past the match point are not confirmed yet.
	newCommit := req.LeaderCommit
	if newCommit > match {
		newCommit = match
	}
	if newCommit > n.commitIndex.Load() {
		n.commitIndex.Store(newCommit)
		n.signalApplier()
	}

	return AppendEntriesResponse{Term: n.currentTerm, Success: true, MatchIndex: match}
}

// onPropose appends a client command (or a joint config entry) on the leader
// and starts replication. The reply carries the channel the applier answers
// on once the entry commits and applies.
func (n *Node) onPropose(ev proposeEvent) proposeReply {
	if n.role != RoleLeader {
		return proposeReply{err: ErrNotLeader}
	}
	last, _ := n.lastLogInfo()
	idx := last + 1
	entry := storage.LogEntry{Index: idx, Term: n.currentTerm, Kind: ev.kind, Cmd: ev.cmd}

	if ev.kind == storage.EntryConfig {
		if n.config.Joint() {
			return proposeReply{err: ErrConfigInFlight}
		}
		joint := n.config.JointConfig(ev.newMembers)
		entry.Config = &joint
	}

	n.mustPersist(n.log.Append([]storage.LogEntry{entry}), "append log")
	if entry.Kind == storage.EntryConfig {
		n.adoptConfig(*entry.Config, idx)
		n.logger.Info("joint configuration proposed", "index", idx, "members", len(entry.Config.Members()))
	}
	n.matchIndex[n.cfg.ID] = idx

	outcome := n.registerPending(idx)
	n.broadcastAppend()
	n.advanceCommitIndex()
	return proposeReply{index: idx, outcome: outcome}
}

// adoptConfig makes a configuration effective as soon as it is stored,
// regardless of commitment (nodes always operate on the newest configuration
// they have written).
func (n *Node) adoptConfig(cfg types.Configuration, index uint64) {
	n.config = cfg
	n.configIndex = index
	if n.role == RoleLeader {
		last, _ := n.log.LastIndex()
		for _, peer := range cfg.Members() {
			if _, ok := n.nextIndex[peer]; !ok {
				n.nextIndex[peer] = last + 1
				n.matchIndex[peer] = 0
			}
		}
	}
}

// rescanConfig rediscovers the effective configuration after a truncation
// removed the entry that supplied it: newest config entry still in the log,
// else the snapshot's, else the bootstrap member list.
func (n *Node) rescanConfig() {
	if cfg, idx, ok, err := n.latestLogConfig(); err == nil && ok {
		n.config = cfg
		n.configIndex = idx
		return
	}
	if meta, _, ok, err := n.snap.Load(); err == nil && ok && len(meta.Config.New) > 0 {
		n.config = meta.Config
		n.configIndex = meta.LastIncludedIndex
		return
	}
	n.config = types.SimpleConfig(n.cfg.Members)
	n.configIndex = 0
}

func (n *Node) adoptConfigFromEntries(entries []storage.LogEntry) {
	for _, e := range entries {
		if e.Kind == storage.EntryConfig && e.Config != nil {
			n.adoptConfig(*e.Config, e.Index)
		}
	}
}

// maybeFinalizeConfig completes a membership change: once the joint entry is
// committed the leader appends the final new-set configuration, and once a
// final configuration that excludes the leader is committed the leader steps
// aside.
func (n *Node) maybeFinalizeConfig(commit uint64) {
	if n.role != RoleLeader || n.configIndex > commit {
		return
	}
	if n.config.Joint() {
		last, _ := n.lastLogInfo()
		final := n.config.FinalConfig()
		entry := storage.LogEntry{
			Index:  last + 1,
			Term:   n.currentTerm,
			Kind:   storage.EntryConfig,
			Config: &final,
		}
		n.mustPersist(n.log.Append([]storage.LogEntry{entry}), "append log")
		n.adoptConfig(final, entry.Index)
		n.matchIndex[n.cfg.ID] = entry.Index
		n.logger.Info("joint configuration committed, proposing final", "index", entry.Index)
		n.broadcastAppend()
		return
	}
	if !n.config.Contains(n.cfg.ID) {
		n.logger.Info("removed from configuration, stepping down")
		n.failAllPending(ErrNotLeader)
		n.becomeFollower()
	}
}
