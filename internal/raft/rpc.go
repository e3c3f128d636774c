package raft

import (
	"context"

	"github.com/FoCDoT-Tech/quorum/internal/raft/storage"
	"github.com/FoCDoT-Tech/quorum/internal/types"
)

// RPC request/response pairs exchanged between nodes. The structs are
// transport-agnostic; transports only move them between node ids and may
// drop, delay, or duplicate them.

type RequestVoteRequest struct {
	Term         uint64       `json:"term"`
	CandidateID  types.NodeID `json:"candidate_id"`
	LastLogIndex uint64       `json:"last_log_index"`
	LastLogTerm  uint64       `json:"last_log_term"`
}

type RequestVoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

type AppendEntriesRequest struct {
	Term         uint64             `json:"term"`
	LeaderID     types.NodeID       `json:"leader_id"`
	LeaderAddr   string             `json:"leader_addr"`
	PrevLogIndex uint64             `json:"prev_log_index"`
	PrevLogTerm  uint64             `json:"prev_log_term"`
	Entries      []storage.LogEntry `json:"entries"`
	LeaderCommit uint64             `json:"leader_commit"`
}

type AppendEntriesResponse struct {
	Term       uint64 `json:"term"`
	Success    bool   `json:"success"`
	MatchIndex uint64 `json:"match_index,omitempty"`
	// Conflict fields let the leader back off nextIndex in one step instead
	// of decrementing linearly.
	ConflictIndex uint64 `json:"conflict_index,omitempty"`
	ConflictTerm  uint64 `json:"conflict_term,omitempty"`
}

type InstallSnapshotRequest struct {
	Term              uint64       `json:"term"`
	LeaderID          types.NodeID `json:"leader_id"`
	LeaderAddr        string       `json:"leader_addr"`
	LastIncludedIndex uint64       `json:"last_included_index"`
	LastIncludedTerm  uint64       `json:"last_included_term"`
	// Config is the cluster configuration captured with the snapshot.
	Config types.Configuration `json:"config"`
	Data   []byte              `json:"data"`
	Offset uint64              `json:"offset"`
	Done   bool                `json:"done"`
}

type InstallSnapshotResponse struct {
	Term uint64 `json:"term"`
}

// Transport sends RPCs to peers. Sends are best-effort: an error means the
// peer was unreachable or the response did not arrive in time, and the caller
// retries on its own schedule.
type Transport interface {
	RequestVote(ctx context.Context, to types.NodeID, req RequestVoteRequest) (RequestVoteResponse, error)
	AppendEntries(ctx context.Context, to types.NodeID, req AppendEntriesRequest) (AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, to types.NodeID, req InstallSnapshotRequest) (InstallSnapshotResponse, error)
}

// RPCHandler is implemented by the node to handle inbound RPCs.
type RPCHandler interface {
	HandleRequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error)
	HandleAppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error)
	HandleInstallSnapshot(ctx context.Context, req InstallSnapshotRequest) (InstallSnapshotResponse, error)
}

// StateMachine is the pluggable application the committed log is applied to.
// Apply must be deterministic given the command and prior applied history.
type StateMachine interface {
	Apply(cmd types.Command) types.ApplyResult
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}
