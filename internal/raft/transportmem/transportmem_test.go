package transportmem

import (
	"context"
	"errors"
	"testing"

	"github.com/FoCDoT-Tech/quorum/internal/raft"
	"github.com/FoCDoT-Tech/quorum/internal/types"
)

type countingHandler struct {
	votes, appends, installs int
}

func (h *countingHandler) HandleRequestVote(context.Context, raft.RequestVoteRequest) (raft.RequestVoteResponse, error) {
	h.votes++
	return raft.RequestVoteResponse{VoteGranted: true}, nil
}

func (h *countingHandler) HandleAppendEntries(context.Context, raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	h.appends++
	return raft.AppendEntriesResponse{Success: true}, nil
}

func (h *countingHandler) HandleInstallSnapshot(context.Context, raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	h.installs++
	return raft.InstallSnapshotResponse{}, nil
}

func TestNetwork_RoutesAllRPCs(t *testing.T) {
	net := NewNetwork()
	h := &countingHandler{}
	net.Register("b", h)
	tp := net.Transport("a")

	ctx := context.Background()
	if _, err := tp.RequestVote(ctx, "b", raft.RequestVoteRequest{}); err != nil {
		t.Fatal(err)
	}
	if _, err := tp.AppendEntries(ctx, "b", raft.AppendEntriesRequest{}); err != nil {
		t.Fatal(err)
	}
	if _, err := tp.InstallSnapshot(ctx, "b", raft.InstallSnapshotRequest{}); err != nil {
		t.Fatal(err)
	}
	if h.votes != 1 || h.appends != 1 || h.installs != 1 {
		t.Fatalf("handler counts: %+v", h)
	}
}

func TestNetwork_UnregisteredPeerUnreachable(t *testing.T) {
	net := NewNetwork()
	tp := net.Transport("a")
	if _, err := tp.AppendEntries(context.Background(), "ghost", raft.AppendEntriesRequest{}); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestNetwork_PartitionAndHeal(t *testing.T) {
	net := NewNetwork()
	ha, hb, hc := &countingHandler{}, &countingHandler{}, &countingHandler{}
	net.Register("a", ha)
	net.Register("b", hb)
	net.Register("c", hc)

	net.Partition([]types.NodeID{"a"}, []types.NodeID{"b", "c"})
	ctx := context.Background()

	// Blocked both ways across the cut.
	if _, err := net.Transport("a").AppendEntries(ctx, "b", raft.AppendEntriesRequest{}); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("a->b should be cut, got %v", err)
	}
	if _, err := net.Transport("b").AppendEntries(ctx, "a", raft.AppendEntriesRequest{}); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("b->a should be cut, got %v", err)
	}

	// Same side still connected.
	if _, err := net.Transport("b").AppendEntries(ctx, "c", raft.AppendEntriesRequest{}); err != nil {
		t.Fatalf("b->c should work, got %v", err)
	}

	net.Heal()
	if _, err := net.Transport("a").AppendEntries(ctx, "b", raft.AppendEntriesRequest{}); err != nil {
		t.Fatalf("a->b should work after heal, got %v", err)
	}
}

func TestNetwork_UnlistedNodeKeepsConnectivity(t *testing.T) {
	net := NewNetwork()
	net.Register("a", &countingHandler{})
	net.Register("b", &countingHandler{})
	net.Register("observer", &countingHandler{})

	net.Partition([]types.NodeID{"a"}, []types.NodeID{"b"})
	ctx := context.Background()

	if _, err := net.Transport("observer").AppendEntries(ctx, "a", raft.AppendEntriesRequest{}); err != nil {
		t.Fatalf("observer->a should work, got %v", err)
	}
	if _, err := net.Transport("observer").AppendEntries(ctx, "b", raft.AppendEntriesRequest{}); err != nil {
		t.Fatalf("observer->b should work, got %v", err)
	}
}
