package raft

import (
	"github.com/FoCDoT-Tech/quorum/internal/raft/storage"
	"github.com/FoCDoT-Tech/quorum/internal/types"
)

// signalApplier nudges the applier; the channel has capacity one so repeated
// commit advances collapse into a single wakeup.
func (n *Node) signalApplier() {
	select {
	case n.applyCh <- struct{}{}:
	default:
	}
}

// applierLoop is the only goroutine that touches the state machine. It applies
// committed entries in log order and handles snapshot restores between
// batches, so a restore never races an apply.
func (n *Node) applierLoop() {
	defer close(n.applierDone)
	for {
		select {
		case <-n.ctx.Done():
			return
		case req := <-n.restoreCh:
			req.done <- n.doRestore(req)
		case <-n.applyCh:
			n.applyCommitted()
		}
	}
}

func (n *Node) applyCommitted() {
	lo := n.lastApplied.Load() + 1
	hi := n.commitIndex.Load()
	if hi < lo {
		return
	}

	entries, err := n.log.ReadRange(lo, hi)
	if err != nil {
		// The prefix may have been compacted under us after a restore
		// advanced lastApplied; the next wakeup re-reads from there.
		n.logger.Debug("apply read skipped", "lo", lo, "hi", hi, "error", err)
		return
	}

	for _, e := range entries {
		var result types.ApplyResult
		switch e.Kind {
		case storage.EntryNormal:
			result = n.sm.Apply(e.Cmd)
		case storage.EntryConfig, storage.EntryNoop:
			result = types.ApplyResult{Ok: true}
		}
		n.lastApplied.Store(e.Index)
		n.notifyApplied(e.Index, result)
	}
	n.notifyWaiters(n.lastApplied.Load())
	n.maybeSnapshot()
}

func (n *Node) doRestore(req restoreRequest) error {
	if err := n.sm.Restore(req.data); err != nil {
		return err
	}
	if req.meta.LastIncludedIndex > n.lastApplied.Load() {
		n.lastApplied.Store(req.meta.LastIncludedIndex)
	}
	n.notifyWaiters(n.lastApplied.Load())
	return nil
}

func (n *Node) notifyWaiters(applied uint64) {
	n.waiterMu.Lock()
	kept := n.waiters[:0]
	for _, w := range n.waiters {
		if w.index <= applied {
			close(w.ch)
		} else {
			kept = append(kept, w)
		}
	}
	n.waiters = kept
	n.waiterMu.Unlock()
}

// maybeSnapshot captures the state machine once enough entries accumulate
// past the last compaction point. The event loop persists the snapshot and
// truncates the log; the post is non-blocking so the applier never stalls
// behind a busy event queue.
func (n *Node) maybeSnapshot() {
	if n.cfg.SnapshotThreshold == 0 {
		return
	}
	applied := n.lastApplied.Load()
	first, err := n.log.FirstIndex()
	if err != nil {
		return
	}
	if applied < first || applied-(first-1) < n.cfg.SnapshotThreshold {
		return
	}

	data, err := n.sm.Snapshot()
	if err != nil {
		n.logger.Error("state machine snapshot failed", "error", err)
		return
	}
	select {
	case n.eventCh <- compactEvent{index: applied, data: data}:
	default:
	}
}
