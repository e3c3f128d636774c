package transportmem

import (
	"context"
	"errors"
	"sync"

	"github.com/FoCDoT-Tech/quorum/internal/raft"
	"github.com/FoCDoT-Tech/quorum/internal/types"
)

// ErrUnreachable is returned when a partition separates caller and callee.
var ErrUnreachable = errors.New("transportmem: peer unreachable")

// Network is an in-process RPC fabric connecting node handlers directly.
// Partitions are injected by assigning nodes to groups; nodes in different
// groups cannot exchange RPCs in either direction.
type Network struct {
	mu       sync.RWMutex
	handlers map[types.NodeID]raft.RPCHandler
	group    map[types.NodeID]int
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[types.NodeID]raft.RPCHandler),
		group:    make(map[types.NodeID]int),
	}
}

// Transport returns the sending side for a node. It can be created before
// the node's handler is registered; routing resolves handlers per call.
func (n *Network) Transport(id types.NodeID) *Transport {
	return &Transport{net: n, from: id}
}

// Register attaches a node's RPC handler.
func (n *Network) Register(id types.NodeID, h raft.RPCHandler) {
	n.mu.Lock()
	n.handlers[id] = h
	n.mu.Unlock()
}

// Partition splits the network into the given groups. Nodes not named in any
// group keep full connectivity with every group.
func (n *Network) Partition(groups ...[]types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.group = make(map[types.NodeID]int)
	for i, g := range groups {
		for _, id := range g {
			n.group[id] = i + 1
		}
	}
}

// Heal removes all partitions.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.group = make(map[types.NodeID]int)
}

func (n *Network) route(from, to types.NodeID) (raft.RPCHandler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	gf, gt := n.group[from], n.group[to]
	if gf != 0 && gt != 0 && gf != gt {
		return nil, ErrUnreachable
	}
	h, ok := n.handlers[to]
	if !ok {
		return nil, ErrUnreachable
	}
	return h, nil
}

// Transport is one node's sending side of the network.
type Transport struct {
	net  *Network
	from types.NodeID
}

func (t *Transport) RequestVote(ctx context.Context, to types.NodeID, req raft.RequestVoteRequest) (raft.RequestVoteResponse, error) {
	h, err := t.net.route(t.from, to)
	if err != nil {
		return raft.RequestVoteResponse{}, err
	}
	return h.HandleRequestVote(ctx, req)
}

func (t *Transport) AppendEntries(ctx context.Context, to types.NodeID, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	h, err := t.net.route(t.from, to)
	if err != nil {
		return raft.AppendEntriesResponse{}, err
	}
	return h.HandleAppendEntries(ctx, req)
}

func (t *Transport) InstallSnapshot(ctx context.Context, to types.NodeID, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	h, err := t.net.route(t.from, to)
	if err != nil {
		return raft.InstallSnapshotResponse{}, err
	}
	return h.HandleInstallSnapshot(ctx, req)
}
