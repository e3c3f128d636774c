package raft

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/FoCDoT-Tech/quorum/internal/raft/storage"
	"github.com/FoCDoT-Tech/quorum/internal/types"
)

// Node is a single member of the consensus cluster. All term, vote, log, and
// configuration mutation happens on one event-loop goroutine, which consumes
// a closed set of events (timers, inbound RPCs, RPC replies, proposals); the
// applier goroutine owns lastApplied and the state machine. Nodes share
// nothing and talk only through the Transport.
type Node struct {
	cfg    Config
	stable storage.StableStore
	log    storage.LogStore
	snap   storage.SnapshotStore
	tp     Transport
	sm     StateMachine
	clock  Clock
	logger hclog.Logger

	metrics *Metrics

	eventCh   chan event
	restoreCh chan restoreRequest
	applyCh   chan struct{}

	ctx         context.Context
	cancel      context.CancelFunc
	runDone     chan struct{}
	applierDone chan struct{}

	// Shared observables: written by the event loop / applier, read anywhere.
	commitIndex atomic.Uint64
	lastApplied atomic.Uint64
	obsMu       sync.RWMutex
	obs         observedState

	// Pending proposals by log index, answered by the applier.
	pendingMu sync.Mutex
	pending   map[uint64]chan applyOutcome

	// WaitApplied waiters, signalled by the applier.
	waiterMu sync.Mutex
	waiters  []applyWaiter

	// --- State below is owned exclusively by the event loop. ---
	role        string
	currentTerm uint64
	votedFor    types.NodeID
	hasVote     bool
	leaderHint  types.LeaderHint
	config      types.Configuration
	configIndex uint64

	votes      map[types.NodeID]bool
	nextIndex  map[types.NodeID]uint64
	matchIndex map[types.NodeID]uint64
	inflight   map[types.NodeID]bool
	ackTime    map[types.NodeID]time.Time

	// Index of the barrier entry appended at the start of this leadership
	// term; reads are not served until it commits.
	termStartIndex uint64

	electionTimer  Timer
	heartbeatTimer Timer
}

type observedState struct {
	role       string
	term       uint64
	leaderHint types.LeaderHint
	config     types.Configuration
}

type applyOutcome struct {
	result types.ApplyResult
	err    error
}

type applyWaiter struct {
	index uint64
	ch    chan struct{}
}

type restoreRequest struct {
	meta storage.SnapshotMeta
	data []byte
	done chan error
}

// --- Event union ---

type event interface{ isEvent() }

type electionTimeoutEvent struct{}
type heartbeatTickEvent struct{}

type requestVoteEvent struct {
	req   RequestVoteRequest
	reply chan RequestVoteResponse
}

type appendEntriesEvent struct {
	req   AppendEntriesRequest
	reply chan AppendEntriesResponse
}

type installSnapshotEvent struct {
	req   InstallSnapshotRequest
	reply chan InstallSnapshotResponse
}

type voteReplyEvent struct {
	from types.NodeID
	term uint64
	resp RequestVoteResponse
}

type appendReplyEvent struct {
	from types.NodeID
	req  AppendEntriesRequest
	resp AppendEntriesResponse
}

type snapshotReplyEvent struct {
	from types.NodeID
	req  InstallSnapshotRequest
	resp InstallSnapshotResponse
}

type peerDownEvent struct {
	from types.NodeID
}

type proposeEvent struct {
	cmd        types.Command
	kind       storage.EntryKind
	newMembers []types.NodeID
	reply      chan proposeReply
}

type proposeReply struct {
	index   uint64
	outcome chan applyOutcome
	err     error
}

type readIndexEvent struct {
	reply chan readIndexReply
}

type readIndexReply struct {
	index uint64
	err   error
}

type statusEvent struct {
	reply chan types.NodeStatus
}

type compactEvent struct {
	index uint64
	data  []byte
}

func (electionTimeoutEvent) isEvent() {}
func (heartbeatTickEvent) isEvent()   {}
func (requestVoteEvent) isEvent()     {}
func (appendEntriesEvent) isEvent()   {}
func (installSnapshotEvent) isEvent() {}
func (voteReplyEvent) isEvent()       {}
func (appendReplyEvent) isEvent()     {}
func (snapshotReplyEvent) isEvent()   {}
func (peerDownEvent) isEvent()        {}
func (proposeEvent) isEvent()         {}
func (readIndexEvent) isEvent()       {}
func (statusEvent) isEvent()          {}
func (compactEvent) isEvent()         {}

// NewNode creates a consensus node, recovering durable state from the stores.
func NewNode(cfg Config, stable storage.StableStore, log storage.LogStore, snap storage.SnapshotStore, tp Transport, sm StateMachine) (*Node, error) {
	cfg = cfg.withDefaults()

	term, err := stable.GetCurrentTerm()
	if err != nil {
		return nil, fmt.Errorf("recover term: %w", err)
	}
	votedFor, hasVote, err := stable.GetVotedFor()
	if err != nil {
		return nil, fmt.Errorf("recover vote: %w", err)
	}

	n := &Node{
		cfg:         cfg,
		stable:      stable,
		log:         log,
		snap:        snap,
		tp:          tp,
		sm:          sm,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With("node", string(cfg.ID)),
		metrics:     cfg.Metrics,
		eventCh:     make(chan event, 256),
		restoreCh:   make(chan restoreRequest),
		applyCh:     make(chan struct{}, 1),
		pending:     make(map[uint64]chan applyOutcome),
		role:        RoleFollower,
		currentTerm: term,
		votedFor:    votedFor,
		hasVote:     hasVote,
		votes:       make(map[types.NodeID]bool),
		nextIndex:   make(map[types.NodeID]uint64),
		matchIndex:  make(map[types.NodeID]uint64),
		inflight:    make(map[types.NodeID]bool),
		ackTime:     make(map[types.NodeID]time.Time),
	}

	if err := n.recoverSnapshot(); err != nil {
		return nil, err
	}
	if err := n.recoverConfig(); err != nil {
		return nil, err
	}
	n.updateObserved()
	return n, nil
}

// recoverSnapshot restores the state machine from the latest durable snapshot
// and aligns the log with it.
func (n *Node) recoverSnapshot() error {
	meta, data, ok, err := n.snap.Load()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return nil
	}
	if err := n.sm.Restore(data); err != nil {
		return fmt.Errorf("restore state machine: %w", err)
	}
	n.commitIndex.Store(meta.LastIncludedIndex)
	n.lastApplied.Store(meta.LastIncludedIndex)

	last, err := n.log.LastIndex()
	if err != nil {
		return err
	}
	if last < meta.LastIncludedIndex {
		if err := n.log.Reset(meta.LastIncludedIndex, meta.LastIncludedTerm); err != nil {
			return err
		}
	}
	return nil
}

// recoverConfig finds the effective configuration: the newest config entry in
// the log, else the snapshot's, else the bootstrap member list.
func (n *Node) recoverConfig() error {
	cfg, idx, ok, err := n.latestLogConfig()
	if err != nil {
		return err
	}
	if ok {
		n.config = cfg
		n.configIndex = idx
		return nil
	}
	if meta, _, ok, err := n.snap.Load(); err != nil {
		return err
	} else if ok && len(meta.Config.New) > 0 {
		n.config = meta.Config
		n.configIndex = meta.LastIncludedIndex
		return nil
	}
	n.config = types.SimpleConfig(n.cfg.Members)
	n.configIndex = 0
	return nil
}

func (n *Node) latestLogConfig() (types.Configuration, uint64, bool, error) {
	first, err := n.log.FirstIndex()
	if err != nil {
		return types.Configuration{}, 0, false, err
	}
	last, err := n.log.LastIndex()
	if err != nil {
		return types.Configuration{}, 0, false, err
	}
	for idx := last; idx >= first && idx > 0; idx-- {
		entries, err := n.log.ReadRange(idx, idx)
		if err != nil {
			return types.Configuration{}, 0, false, err
		}
		if entries[0].Kind == storage.EntryConfig && entries[0].Config != nil {
			return *entries[0].Config, idx, true, nil
		}
	}
	return types.Configuration{}, 0, false, nil
}

// Start launches the event loop and the applier.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.runDone = make(chan struct{})
	n.applierDone = make(chan struct{})
	go n.run()
	go n.applierLoop()
	return nil
}

// Stop shuts the node down and waits for its goroutines.
func (n *Node) Stop(ctx context.Context) error {
	n.cancel()
	for _, done := range []chan struct{}{n.runDone, n.applierDone} {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (n *Node) run() {
	defer close(n.runDone)

	n.electionTimer = n.clock.NewTimer(n.randomElectionTimeout())
	n.heartbeatTimer = n.clock.NewTimer(n.cfg.Timing.HeartbeatInterval)
	n.heartbeatTimer.Stop()
	defer n.electionTimer.Stop()
	defer n.heartbeatTimer.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.failAllPending(ErrShutdown)
			return
		case <-n.electionTimer.C():
			n.step(electionTimeoutEvent{})
		case <-n.heartbeatTimer.C():
			n.step(heartbeatTickEvent{})
		case ev := <-n.eventCh:
			n.step(ev)
		}
	}
}

// step is the per-node reducer: every state transition funnels through here,
// one event at a time.
func (n *Node) step(ev event) {
	switch ev := ev.(type) {
	case electionTimeoutEvent:
		n.onElectionTimeout()
	case heartbeatTickEvent:
		n.onHeartbeatTick()
	case requestVoteEvent:
		ev.reply <- n.onRequestVote(ev.req)
	case appendEntriesEvent:
		ev.reply <- n.onAppendEntries(ev.req)
	case installSnapshotEvent:
		ev.reply <- n.onInstallSnapshot(ev.req)
	case voteReplyEvent:
		n.onVoteReply(ev)
	case appendReplyEvent:
		n.onAppendReply(ev)
	case snapshotReplyEvent:
		n.onSnapshotReply(ev)
	case peerDownEvent:
		delete(n.inflight, ev.from)
	case proposeEvent:
		ev.reply <- n.onPropose(ev)
	case readIndexEvent:
		ev.reply <- n.onReadIndex()
	case statusEvent:
		ev.reply <- n.statusLocked()
	case compactEvent:
		n.onCompact(ev)
	default:
		panic(fmt.Sprintf("raft: unhandled event %T", ev))
	}
	n.updateObserved()
}

func (n *Node) postEvent(ev event) {
	select {
	case n.eventCh <- ev:
	case <-n.ctx.Done():
	}
}

// mustPersist halts the node on a durable-write failure. Acknowledging a vote
// or an entry the node cannot prove it stored would break crash-recovery
// safety, so crashing is the only correct reaction; the cluster continues on
// the remaining majority.
func (n *Node) mustPersist(err error, what string) {
	if err == nil {
		return
	}
	n.logger.Error("durable write failed, halting node", "op", what, "error", err)
	panic(fmt.Sprintf("raft: durable write failed (%s): %v", what, err))
}

func (n *Node) updateObserved() {
	n.obsMu.Lock()
	n.obs = observedState{
		role:       n.role,
		term:       n.currentTerm,
		leaderHint: n.leaderHint,
		config:     n.config,
	}
	n.obsMu.Unlock()
}

func (n *Node) statusLocked() types.NodeStatus {
	last, _ := n.log.LastIndex()
	return types.NodeStatus{
		ID:          n.cfg.ID,
		Role:        n.role,
		Term:        n.currentTerm,
		CommitIndex: n.commitIndex.Load(),
		LastApplied: n.lastApplied.Load(),
		LastIndex:   last,
		LeaderHint:  n.leaderHint,
		Config:      n.config,
	}
}

// --- Public API ---

func (n *Node) ID() types.NodeID { return n.cfg.ID }

func (n *Node) IsLeader() bool {
	n.obsMu.RLock()
	defer n.obsMu.RUnlock()
	return n.obs.role == RoleLeader
}

func (n *Node) LeaderHint() types.LeaderHint {
	n.obsMu.RLock()
	defer n.obsMu.RUnlock()
	return n.obs.leaderHint
}

func (n *Node) Term() uint64 {
	n.obsMu.RLock()
	defer n.obsMu.RUnlock()
	return n.obs.term
}

func (n *Node) Configuration() types.Configuration {
	n.obsMu.RLock()
	defer n.obsMu.RUnlock()
	return n.obs.config
}

func (n *Node) CommitIndex() uint64 { return n.commitIndex.Load() }
func (n *Node) LastApplied() uint64 { return n.lastApplied.Load() }

func (n *Node) Metrics() MetricsSnapshot { return n.metrics.Snapshot() }

// Status reports a consistent snapshot of the node's state.
func (n *Node) Status() types.NodeStatus {
	reply := make(chan types.NodeStatus, 1)
	if err := n.deliver(statusEvent{reply: reply}); err != nil {
		n.obsMu.RLock()
		defer n.obsMu.RUnlock()
		return types.NodeStatus{
			ID:          n.cfg.ID,
			Role:        n.obs.role,
			Term:        n.obs.term,
			CommitIndex: n.commitIndex.Load(),
			LastApplied: n.lastApplied.Load(),
			LeaderHint:  n.obs.leaderHint,
			Config:      n.obs.config,
		}
	}
	return <-reply
}

func (n *Node) deliver(ev event) error {
	if n.ctx == nil {
		return ErrShutdown
	}
	select {
	case n.eventCh <- ev:
		return nil
	case <-n.ctx.Done():
		return ErrShutdown
	}
}

// Propose submits a command. Only valid on the leader; the call returns once
// the entry is committed and applied, a leadership change fails it, or ctx
// expires. An entry abandoned by ctx expiry may still commit later; clients
// retry with the same idempotent request identifier.
func (n *Node) Propose(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	return n.propose(ctx, proposeEvent{cmd: cmd, kind: storage.EntryNormal})
}

// ProposeConfigChange starts a joint-consensus transition to newMembers. It
// returns once the joint entry is committed and applied; the final
// configuration entry is appended automatically by the leader.
func (n *Node) ProposeConfigChange(ctx context.Context, newMembers []types.NodeID) (types.ApplyResult, error) {
	return n.propose(ctx, proposeEvent{kind: storage.EntryConfig, newMembers: newMembers})
}

func (n *Node) propose(ctx context.Context, ev proposeEvent) (types.ApplyResult, error) {
	ev.reply = make(chan proposeReply, 1)
	if err := n.deliver(ev); err != nil {
		return types.ApplyResult{}, err
	}

	var rep proposeReply
	select {
	case rep = <-ev.reply:
	case <-ctx.Done():
		return types.ApplyResult{}, ctx.Err()
	case <-n.ctx.Done():
		return types.ApplyResult{}, ErrShutdown
	}
	if rep.err != nil {
		return types.ApplyResult{}, rep.err
	}

	select {
	case out := <-rep.outcome:
		return out.result, out.err
	case <-ctx.Done():
		n.dropPending(rep.index)
		return types.ApplyResult{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case <-n.ctx.Done():
		return types.ApplyResult{}, ErrShutdown
	}
}

// ReadIndex returns an index that is safe for a linearizable read once
// applied, using the leader lease (a quorum acknowledged within the minimum
// election timeout) to confirm leadership without a log append.
func (n *Node) ReadIndex(ctx context.Context) (uint64, error) {
	reply := make(chan readIndexReply, 1)
	if err := n.deliver(readIndexEvent{reply: reply}); err != nil {
		return 0, err
	}
	select {
	case rep := <-reply:
		return rep.index, rep.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-n.ctx.Done():
		return 0, ErrShutdown
	}
}

// WaitApplied blocks until lastApplied reaches index.
func (n *Node) WaitApplied(ctx context.Context, index uint64) error {
	if n.lastApplied.Load() >= index {
		return nil
	}
	ch := make(chan struct{})
	n.waiterMu.Lock()
	n.waiters = append(n.waiters, applyWaiter{index: index, ch: ch})
	n.waiterMu.Unlock()

	if n.lastApplied.Load() >= index {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.ctx.Done():
		return ErrShutdown
	}
}

// --- Inbound RPC surface (used by transports) ---

func (n *Node) HandleRequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error) {
	reply := make(chan RequestVoteResponse, 1)
	if err := n.deliverRPC(ctx, requestVoteEvent{req: req, reply: reply}); err != nil {
		return RequestVoteResponse{}, err
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return RequestVoteResponse{}, ctx.Err()
	}
}

func (n *Node) HandleAppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	reply := make(chan AppendEntriesResponse, 1)
	if err := n.deliverRPC(ctx, appendEntriesEvent{req: req, reply: reply}); err != nil {
		return AppendEntriesResponse{}, err
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return AppendEntriesResponse{}, ctx.Err()
	}
}

func (n *Node) HandleInstallSnapshot(ctx context.Context, req InstallSnapshotRequest) (InstallSnapshotResponse, error) {
	reply := make(chan InstallSnapshotResponse, 1)
	if err := n.deliverRPC(ctx, installSnapshotEvent{req: req, reply: reply}); err != nil {
		return InstallSnapshotResponse{}, err
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return InstallSnapshotResponse{}, ctx.Err()
	}
}

func (n *Node) deliverRPC(ctx context.Context, ev event) error {
	if n.ctx == nil {
		return ErrShutdown
	}
	select {
	case n.eventCh <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.ctx.Done():
		return ErrShutdown
	}
}

// --- Pending proposal bookkeeping ---

func (n *Node) registerPending(index uint64) chan applyOutcome {
	ch := make(chan applyOutcome, 1)
	n.pendingMu.Lock()
	n.pending[index] = ch
	n.pendingMu.Unlock()
	return ch
}

func (n *Node) dropPending(index uint64) {
	n.pendingMu.Lock()
	delete(n.pending, index)
	n.pendingMu.Unlock()
}

func (n *Node) notifyApplied(index uint64, result types.ApplyResult) {
	n.pendingMu.Lock()
	if ch, ok := n.pending[index]; ok {
		ch <- applyOutcome{result: result}
		delete(n.pending, index)
	}
	n.pendingMu.Unlock()
}

func (n *Node) failAllPending(err error) {
	n.pendingMu.Lock()
	for idx, ch := range n.pending {
		ch <- applyOutcome{err: err}
		delete(n.pending, idx)
	}
	n.pendingMu.Unlock()
}

func (n *Node) failPendingFrom(index uint64, err error) {
	n.pendingMu.Lock()
	for idx, ch := range n.pending {
		if idx >= index {
			ch <- applyOutcome{err: err}
			delete(n.pending, idx)
		}
	}
	n.pendingMu.Unlock()
}
