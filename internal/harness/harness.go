package harness

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/FoCDoT-Tech/quorum/internal/kvservice"
	"github.com/FoCDoT-Tech/quorum/internal/kvsm"
	"github.com/FoCDoT-Tech/quorum/internal/raft"
	"github.com/FoCDoT-Tech/quorum/internal/raft/storage"
	"github.com/FoCDoT-Tech/quorum/internal/raft/transportmem"
	"github.com/FoCDoT-Tech/quorum/internal/types"
)

// Counters aggregates consensus activity across the whole cluster.
type Counters struct {
	Elections            uint64 `json:"elections"`
	Heartbeats           uint64 `json:"heartbeats"`
	LogEntriesReplicated uint64 `json:"log_entries_replicated"`
	LeaderChanges        uint64 `json:"leader_changes"`
	SnapshotsTaken       uint64 `json:"snapshots_taken"`
	SnapshotsInstalled   uint64 `json:"snapshots_installed"`
}

// Options tunes cluster construction.
type Options struct {
	Timing            raft.TimingConfig
	SnapshotThreshold uint64
	Logger            hclog.Logger
}

// Cluster is an in-process consensus cluster wired over a memory transport,
// used by the benchmark tool and integration-style tests. Partitions are
// injected at the transport and do not touch node state.
type Cluster struct {
	ids      []types.NodeID
	network  *transportmem.Network
	nodes    map[types.NodeID]*raft.Node
	machines map[types.NodeID]*kvsm.KVStateMachine
	services map[types.NodeID]*kvservice.Service
	clientID string
	seq      uint64
}

// NewCluster builds (but does not start) a cluster of n nodes named node-1..n.
func NewCluster(n int, opts Options) (*Cluster, error) {
	if n < 1 {
		return nil, fmt.Errorf("harness: cluster size must be at least 1, got %d", n)
	}
	if opts.Timing.HeartbeatInterval == 0 {
		opts.Timing = raft.TimingConfig{
			ElectionTimeoutMin: 50 * time.Millisecond,
			ElectionTimeoutMax: 100 * time.Millisecond,
			HeartbeatInterval:  20 * time.Millisecond,
			RPCTimeout:         40 * time.Millisecond,
		}
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	ids := make([]types.NodeID, n)
	for i := range ids {
		ids[i] = types.NodeID(fmt.Sprintf("node-%d", i+1))
	}

	c := &Cluster{
		ids:      ids,
		network:  transportmem.NewNetwork(),
		nodes:    make(map[types.NodeID]*raft.Node, n),
		machines: make(map[types.NodeID]*kvsm.KVStateMachine, n),
		services: make(map[types.NodeID]*kvservice.Service, n),
		clientID: kvservice.NewClientID(),
	}

	for _, id := range ids {
		sm := kvsm.New()
		cfg := raft.Config{
			ID:                id,
			Members:           ids,
			Addr:              "mem://" + string(id),
			Timing:            opts.Timing,
			SnapshotThreshold: opts.SnapshotThreshold,
			Rand:              rand.New(rand.NewSource(time.Now().UnixNano())),
			Logger:            opts.Logger.Named(string(id)),
		}
		node, err := raft.NewNode(cfg,
			storage.NewMemStableStore(),
			storage.NewMemLogStore(),
			storage.NewMemSnapshotStore(),
			c.network.Transport(id), sm)
		if err != nil {
			return nil, fmt.Errorf("harness: build %s: %w", id, err)
		}
		c.network.Register(id, node)
		c.nodes[id] = node
		c.machines[id] = sm
		c.services[id] = kvservice.New(node, sm, kvservice.Config{ReadPolicy: types.ReadPolicyReadIndex})
	}
	return c, nil
}

// Start launches every node.
func (c *Cluster) Start(ctx context.Context) error {
	for _, id := range c.ids {
		if err := c.nodes[id].Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts every node down.
func (c *Cluster) Stop(ctx context.Context) error {
	var firstErr error
	for _, id := range c.ids {
		if err := c.nodes[id].Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IDs returns the node names in creation order.
func (c *Cluster) IDs() []types.NodeID { return append([]types.NodeID(nil), c.ids...) }

// Node returns a node by id.
func (c *Cluster) Node(id types.NodeID) *raft.Node { return c.nodes[id] }

// Service returns the KV service bound to a node.
func (c *Cluster) Service(id types.NodeID) *kvservice.Service { return c.services[id] }

// Machine returns a node's state machine for direct inspection.
func (c *Cluster) Machine(id types.NodeID) *kvsm.KVStateMachine { return c.machines[id] }

// Leader returns the current leader, or "" if none is known. During a
// partition a deposed leader may still claim the role, so ties go to the
// highest term.
func (c *Cluster) Leader() types.NodeID {
	var (
		best     types.NodeID
		bestTerm uint64
	)
	for _, id := range c.ids {
		n := c.nodes[id]
		if n.IsLeader() && n.Term() >= bestTerm {
			best, bestTerm = id, n.Term()
		}
	}
	return best
}

// WaitForLeader blocks until some node reports leadership.
func (c *Cluster) WaitForLeader(ctx context.Context) (types.NodeID, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if id := c.Leader(); id != "" {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("harness: no leader elected: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// ProposeValue writes key=value through the current leader, following leader
// hints when the first node declines.
func (c *Cluster) ProposeValue(ctx context.Context, key, value string) (types.ApplyResult, error) {
	leader, err := c.WaitForLeader(ctx)
	if err != nil {
		return types.ApplyResult{}, err
	}
	c.seq++
	cmd := types.Command{ClientID: c.clientID, Seq: c.seq, Key: key, Value: value}
	res, err := c.services[leader].Put(ctx, cmd)
	if err == nil || ctx.Err() != nil {
		return res, err
	}
	// Leadership may have moved mid-call; retry once on whoever leads now.
	leader, werr := c.WaitForLeader(ctx)
	if werr != nil {
		return types.ApplyResult{}, err
	}
	return c.services[leader].Put(ctx, cmd)
}

// SimulatePartition splits the cluster into the given groups.
func (c *Cluster) SimulatePartition(groups ...[]types.NodeID) {
	c.network.Partition(groups...)
}

// HealPartition restores full connectivity.
func (c *Cluster) HealPartition() {
	c.network.Heal()
}

// Counters sums per-node metrics across the cluster.
func (c *Cluster) Counters() Counters {
	var total Counters
	for _, id := range c.ids {
		m := c.nodes[id].Metrics()
		total.Elections += m.Elections
		total.Heartbeats += m.Heartbeats
		total.LogEntriesReplicated += m.EntriesReplicated
		total.LeaderChanges += m.LeaderChanges
		total.SnapshotsTaken += m.SnapshotsTaken
		total.SnapshotsInstalled += m.SnapshotsInstalled
	}
	return total
}
