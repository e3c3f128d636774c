package kvservice

import (
	"context"

	"github.com/google/uuid"

	"github.com/FoCDoT-Tech/quorum/internal/kvsm"
	"github.com/FoCDoT-Tech/quorum/internal/types"
)

// ConsensusNode is the subset of raft.Node the service layer needs.
type ConsensusNode interface {
	Propose(ctx context.Context, cmd types.Command) (types.ApplyResult, error)
	ProposeConfigChange(ctx context.Context, newMembers []types.NodeID) (types.ApplyResult, error)
	IsLeader() bool
	LeaderHint() types.LeaderHint
	Status() types.NodeStatus
	ReadIndex(ctx context.Context) (uint64, error)
	WaitApplied(ctx context.Context, index uint64) error
}

// Config configures the Service layer.
type Config struct {
	ReadPolicy types.ReadPolicy
}

// Service wraps the consensus node and the KV state machine into a single
// API for the HTTP layer and the benchmark harness.
type Service struct {
	node ConsensusNode
	sm   *kvsm.KVStateMachine
	cfg  Config
}

// New creates a new Service.
func New(node ConsensusNode, sm *kvsm.KVStateMachine, cfg Config) *Service {
	return &Service{node: node, sm: sm, cfg: cfg}
}

// NewClientID mints a client identity for idempotent retries.
func NewClientID() string {
	return uuid.NewString()
}

func (s *Service) IsLeader() bool {
	return s.node.IsLeader()
}

func (s *Service) LeaderHint() types.LeaderHint {
	return s.node.LeaderHint()
}

func (s *Service) Status() types.NodeStatus {
	return s.node.Status()
}

// --- Reads ---

// Get retrieves a value. With ReadPolicyReadIndex the node first confirms
// leadership and waits until its applied state covers the commit index, so
// the read is linearizable; with ReadPolicyStale it answers from local state.
func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	if s.cfg.ReadPolicy == types.ReadPolicyReadIndex {
		if err := s.waitForReadIndex(ctx); err != nil {
			return "", false, err
		}
	}
	val, ok := s.sm.Get(key)
	return val, ok, nil
}

// GetStale always reads from the local state machine.
func (s *Service) GetStale(key string) (string, bool) {
	return s.sm.Get(key)
}

func (s *Service) waitForReadIndex(ctx context.Context) error {
	readIndex, err := s.node.ReadIndex(ctx)
	if err != nil {
		return err
	}
	return s.node.WaitApplied(ctx, readIndex)
}

// ReadPolicy returns the current read policy.
func (s *Service) ReadPolicy() types.ReadPolicy {
	return s.cfg.ReadPolicy
}

// --- Writes (through consensus) ---

func (s *Service) Put(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpPut
	return s.node.Propose(ctx, cmd)
}

func (s *Service) Delete(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpDelete
	return s.node.Propose(ctx, cmd)
}

func (s *Service) CAS(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpCAS
	return s.node.Propose(ctx, cmd)
}

// --- Membership ---

// ChangeMembership replaces the cluster member set through joint consensus.
func (s *Service) ChangeMembership(ctx context.Context, members []types.NodeID) (types.ApplyResult, error) {
	return s.node.ProposeConfigChange(ctx, members)
}
