package raft

import (
	"math/rand"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/FoCDoT-Tech/quorum/internal/types"
)

const (
	RoleLeader    = "leader"
	RoleFollower  = "follower"
	RoleCandidate = "candidate"
)

// DefaultSnapshotThreshold is the number of applied entries retained in the
// log before the node compacts into a snapshot.
const DefaultSnapshotThreshold = 1024

// TimingConfig holds configurable timing parameters for elections,
// heartbeats, and peer RPCs.
type TimingConfig struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
}

// DefaultTimingConfig returns sensible defaults for production.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		RPCTimeout:         100 * time.Millisecond,
	}
}

// Config holds configuration for a consensus node.
type Config struct {
	ID      types.NodeID
	Members []types.NodeID // bootstrap cluster, including self; superseded by durable config entries
	Addr    string         // this node's advertised address
	Timing  TimingConfig

	// SnapshotThreshold is the retained-log length that triggers compaction;
	// 0 selects DefaultSnapshotThreshold.
	SnapshotThreshold uint64

	Rand    *rand.Rand   // optional: deterministic randomness in tests
	Clock   Clock        // optional: defaults to the wall clock
	Logger  hclog.Logger // optional: defaults to a named hclog logger
	Metrics *Metrics     // optional: created when nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Timing.ElectionTimeoutMin == 0 {
		out.Timing = DefaultTimingConfig()
	}
	if out.Timing.RPCTimeout == 0 {
		out.Timing.RPCTimeout = 2 * out.Timing.HeartbeatInterval
	}
	if out.SnapshotThreshold == 0 {
		out.SnapshotThreshold = DefaultSnapshotThreshold
	}
	if out.Rand == nil {
		out.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if out.Clock == nil {
		out.Clock = NewWallClock()
	}
	if out.Logger == nil {
		out.Logger = hclog.New(&hclog.LoggerOptions{
			Name:  "raft",
			Level: hclog.Info,
		})
	}
	if out.Metrics == nil {
		out.Metrics = NewMetrics()
	}
	return out
}
