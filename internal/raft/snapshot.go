package raft

import (
	"context"

	"github.com/FoCDoT-Tech/quorum/internal/raft/storage"
	"github.com/FoCDoT-Tech/quorum/internal/types"
)

// sendSnapshot transfers the latest snapshot to a follower whose next entry
// has been compacted away.
func (n *Node) sendSnapshot(peer types.NodeID) {
	meta, data, ok, err := n.snap.Load()
	if err != nil {
		n.logger.Error("load snapshot for transfer failed", "error", err)
		return
	}
	if !ok {
		n.logger.Warn("follower behind compacted log but no snapshot exists", "peer", string(peer))
		return
	}

	req := InstallSnapshotRequest{
		Term:              n.currentTerm,
		LeaderID:          n.cfg.ID,
		LeaderAddr:        n.cfg.Addr,
		LastIncludedIndex: meta.LastIncludedIndex,
		LastIncludedTerm:  meta.LastIncludedTerm,
		Config:            meta.Config,
		Data:              data,
		Offset:            0,
		Done:              true,
	}
	n.inflight[peer] = true
	n.logger.Info("sending snapshot", "peer", string(peer), "last_included", meta.LastIncludedIndex)
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timing.RPCTimeout)
		defer cancel()
		resp, err := n.tp.InstallSnapshot(ctx, peer, req)
		if err != nil {
			n.postEvent(peerDownEvent{from: peer})
			return
		}
		n.postEvent(snapshotReplyEvent{from: peer, req: req, resp: resp})
	}()
}

func (n *Node) onSnapshotReply(ev snapshotReplyEvent) {
	delete(n.inflight, ev.from)
	if ev.resp.Term > n.currentTerm {
		n.stepDown(ev.resp.Term)
		return
	}
	if n.role != RoleLeader || ev.req.Term != n.currentTerm {
		return
	}

	n.ackTime[ev.from] = n.clock.Now()
	if ev.req.LastIncludedIndex > n.matchIndex[ev.from] {
		n.matchIndex[ev.from] = ev.req.LastIncludedIndex
	}
	n.nextIndex[ev.from] = n.matchIndex[ev.from] + 1
	n.advanceCommitIndex()

	last, _ := n.log.LastIndex()
	if n.nextIndex[ev.from] <= last {
		n.sendAppend(ev.from)
	}
}

// onInstallSnapshot replaces this follower's state with the leader's
// snapshot: persist it, restore the state machine (serialized through the
// applier), and restart the log at the snapshot boundary.
func (n *Node) onInstallSnapshot(req InstallSnapshotRequest) InstallSnapshotResponse {
	if req.Term > n.currentTerm {
		n.stepDown(req.Term)
	}
	resp := InstallSnapshotResponse{Term: n.currentTerm}
	if req.Term < n.currentTerm {
		return resp
	}

	if n.role != RoleFollower {
		n.becomeFollower()
	}
	n.leaderHint = types.LeaderHint{LeaderID: req.LeaderID, LeaderAddr: req.LeaderAddr}
	n.resetElectionTimer()

	if req.LastIncludedIndex <= n.commitIndex.Load() {
		// We already hold everything the snapshot covers.
		return resp
	}

	meta := storage.SnapshotMeta{
		LastIncludedIndex: req.LastIncludedIndex,
		LastIncludedTerm:  req.LastIncludedTerm,
		Config:            req.Config,
	}
	n.mustPersist(n.snap.Save(meta, req.Data), "save snapshot")

	done := make(chan error, 1)
	select {
	case n.restoreCh <- restoreRequest{meta: meta, data: req.Data, done: done}:
	case <-n.ctx.Done():
		return resp
	}
	select {
	case err := <-done:
		n.mustPersist(err, "restore snapshot")
	case <-n.ctx.Done():
		return resp
	}

	n.mustPersist(n.log.Reset(req.LastIncludedIndex, req.LastIncludedTerm), "reset log")
	n.commitIndex.Store(req.LastIncludedIndex)
	if len(req.Config.New) > 0 {
		n.adoptConfig(req.Config, req.LastIncludedIndex)
	}
	n.metrics.SnapshotsInstalled.Add(1)
	n.logger.Info("snapshot installed", "last_included", req.LastIncludedIndex)
	return resp
}

// onCompact persists a snapshot the applier produced and truncates the
// covered log prefix. Compaction is skipped while a config entry newer than
// the snapshot point is in the log, so snapshot metadata never claims a
// configuration it does not contain.
func (n *Node) onCompact(ev compactEvent) {
	first, err := n.log.FirstIndex()
	if err != nil || ev.index < first {
		return
	}
	if n.configIndex > ev.index {
		return
	}
	term, err := n.log.TermAt(ev.index)
	if err != nil {
		return
	}

	meta := storage.SnapshotMeta{
		LastIncludedIndex: ev.index,
		LastIncludedTerm:  term,
		Config:            n.config,
	}
	n.mustPersist(n.snap.Save(meta, ev.data), "save snapshot")
	n.mustPersist(n.log.TruncatePrefix(ev.index), "truncate log prefix")
	n.metrics.SnapshotsTaken.Add(1)
	n.logger.Debug("log compacted", "through", ev.index)
}
